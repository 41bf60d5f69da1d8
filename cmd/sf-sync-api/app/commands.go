// Package app provides the entry point for the StoreFlow sync API server.
package app

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "sf-sync-api",
	DisableAutoGenTag: true,
	Short:             "StoreFlow sync API server",
	Long: `StoreFlow sync API server runs the background sync engine that pulls
commerce data (orders, products, customers, reviews, inventory) from the
connected platform for every tenant, and exposes the HTTP control API for
triggering, monitoring, and cancelling syncs.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command for the sync API server.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		version := "devel"
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
			version = info.Main.Version
		}
		fmt.Printf("sf-sync-api %s %s %s/%s\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
