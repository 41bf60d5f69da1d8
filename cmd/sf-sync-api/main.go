// Package main is the entry point for the StoreFlow sync API server.
package main

import (
	"os"

	"github.com/storeflow/storeflow-sync-server/cmd/sf-sync-api/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
