package app

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/storeflow/storeflow-sync-server/internal/app"
	"github.com/storeflow/storeflow-sync-server/internal/config"
	"github.com/storeflow/storeflow-sync-server/internal/fetch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync engine and control API",
	Long: `Start the sync workers, the maintenance sweep, the cron scheduler, and
the HTTP control API.

Configuration comes from an optional YAML file (--config) plus SF_SYNC_*
environment variables. Without postgres and redis configured the server runs
on in-process stores and queues, which is the development mode.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Platform.BaseURL == "" {
		return fmt.Errorf("platform.baseUrl is required (set SF_SYNC_PLATFORM_BASEURL or use --config)")
	}

	client := fetch.NewHTTPClient(cfg.Platform.BaseURL,
		fetch.WithToken(cfg.Platform.Token),
		fetch.WithTimeout(cfg.Platform.Timeout))

	opts := []app.Option{app.WithFetchClient(client)}
	if cfg.Indexer.Enabled() {
		opts = append(opts, app.WithIndexer(fetch.NewHTTPIndexer(cfg.Indexer.BaseURL, cfg.Indexer.Timeout)))
	}

	a, err := app.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Logger().Sync()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}
