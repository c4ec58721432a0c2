package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crestmark-data/ratings-sync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:               "ratings-sync",
	Short:             "Credit rating disclosure crawler and sync pipeline",
	Long:              "Crawls rating-action disclosures, dedupes them into a Postgres/SQLite ledger, mirrors them to Airtable, and enriches companies with registry identifiers.",
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// setup loads configuration and installs the global logger before any
// subcommand runs.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load()
	if err != nil {
		return eris.Wrap(err, "load config")
	}
	cfg = c
	return config.InitLogger(cfg.Log)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
