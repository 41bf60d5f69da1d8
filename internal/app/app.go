package app

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storeflow/storeflow-sync-server/internal/config"
	syncengine "github.com/storeflow/storeflow-sync-server/internal/sync"
)

// App is the assembled sync server: the HTTP control API plus the background
// workers, the maintenance sweep, and the cron scheduler.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	handler   http.Handler
	workers   []*syncengine.Worker
	sweeper   *syncengine.Sweeper
	scheduler *syncengine.Scheduler
}

// Logger returns the app's logger, for callers that need to flush it.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP control API handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run starts every component and blocks until the context is cancelled or a
// component fails. Shutdown drains the HTTP server within the configured
// timeout; workers stop at their next dequeue or page boundary.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         a.cfg.Server.Address,
		Handler:      a.handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, w := range a.workers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	g.Go(func() error {
		return a.sweeper.Run(ctx)
	})
	g.Go(func() error {
		return a.scheduler.Run(ctx)
	})

	g.Go(func() error {
		a.logger.Info("control api listening", zap.String("address", a.cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.logger.Info("sync server stopped")
	return err
}
