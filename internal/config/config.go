// Package config loads server configuration from a YAML file and the
// environment. Environment variables use the SF_SYNC_ prefix with underscores
// for nesting, e.g. SF_SYNC_DATABASE_PASSWORD overrides database.password.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
)

const envPrefix = "SF_SYNC"

// Config is the root server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Platform PlatformConfig `mapstructure:"platform"`
	Indexer  IndexerConfig  `mapstructure:"indexer"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds the HTTP control API settings.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// DatabaseConfig holds the postgres connection settings. When Host is empty
// the server runs on the in-memory stores, which is the development and test
// mode.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslMode"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
}

// Enabled reports whether a postgres connection is configured.
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// DSN builds the postgres connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig holds the queue/event substrate settings. When Addr is empty
// the server runs on the in-process queue and bus.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a redis connection is configured.
func (c *RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// PlatformConfig holds the commerce platform export API settings. The serve
// command refuses to start without a base URL.
type PlatformConfig struct {
	BaseURL string        `mapstructure:"baseUrl"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// IndexerConfig holds the search service settings. When BaseURL is empty no
// indexer is wired and fetched items are not forwarded.
type IndexerConfig struct {
	BaseURL string        `mapstructure:"baseUrl"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a search indexer is configured.
func (c *IndexerConfig) Enabled() bool {
	return c.BaseURL != ""
}

// SyncConfig holds the engine tuning knobs and the recurring schedules.
type SyncConfig struct {
	MaxAttempts int              `mapstructure:"maxAttempts"`
	Staleness   time.Duration    `mapstructure:"staleness"`
	Schedules   []ScheduleConfig `mapstructure:"schedules"`
}

// ScheduleConfig is one recurring sync trigger.
type ScheduleConfig struct {
	Spec        string   `mapstructure:"spec"`
	Tenants     []string `mapstructure:"tenants"`
	EntityTypes []string `mapstructure:"entityTypes"`
	Incremental bool     `mapstructure:"incremental"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Load reads configuration from the optional YAML file at path and the
// environment, applying defaults for everything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.readTimeout", 15*time.Second)
	v.SetDefault("server.writeTimeout", 30*time.Second)
	v.SetDefault("server.shutdownTimeout", 20*time.Second)

	// Empty-string defaults register the keys with viper so AutomaticEnv can
	// bind them even when no config file mentions them.
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "")
	v.SetDefault("database.sslMode", "require")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.connMaxLifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("platform.baseUrl", "")
	v.SetDefault("platform.token", "")
	v.SetDefault("platform.timeout", 30*time.Second)

	v.SetDefault("indexer.baseUrl", "")
	v.SetDefault("indexer.timeout", 30*time.Second)

	v.SetDefault("sync.maxAttempts", 3)
	v.SetDefault("sync.staleness", 10*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
}

// Validate checks cross-field constraints the type system cannot express.
func (c *Config) Validate() error {
	if c.Database.Enabled() {
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required when database.host is set")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required when database.host is set")
		}
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.maxAttempts must be at least 1")
	}
	if c.Sync.Staleness < time.Minute {
		return fmt.Errorf("sync.staleness must be at least one minute")
	}

	for i, sched := range c.Sync.Schedules {
		if sched.Spec == "" {
			return fmt.Errorf("sync.schedules[%d].spec is required", i)
		}
		if len(sched.Tenants) == 0 {
			return fmt.Errorf("sync.schedules[%d] has no tenants", i)
		}
		if len(sched.EntityTypes) == 0 {
			return fmt.Errorf("sync.schedules[%d] has no entity types", i)
		}
		for _, raw := range sched.EntityTypes {
			if _, err := entity.Parse(raw); err != nil {
				return fmt.Errorf("sync.schedules[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// ParsedEntityTypes converts the schedule's raw entity type strings. Call
// only after Validate.
func (s *ScheduleConfig) ParsedEntityTypes() []entity.Type {
	out := make([]entity.Type, 0, len(s.EntityTypes))
	for _, raw := range s.EntityTypes {
		et, err := entity.Parse(raw)
		if err != nil {
			continue
		}
		out = append(out, et)
	}
	return out
}
