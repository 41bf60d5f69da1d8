// Package db opens the postgres connection used by the sync stores.
package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/storeflow/storeflow-sync-server/internal/config"
	"github.com/storeflow/storeflow-sync-server/internal/store"
)

// Open connects to postgres and runs the sync-table migrations. The
// connection is opened with TranslateError so unique-index violations surface
// as gorm.ErrDuplicatedKey, which the log store maps to a conflict. The
// at-most-one-active-job invariant depends on that translation.
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("database is not configured")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := store.AutoMigrate(gdb); err != nil {
		return nil, fmt.Errorf("migrating sync tables: %w", err)
	}
	return gdb, nil
}
