package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var enrichLimit int

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Look up registry identifiers for companies still pending one",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stopSignals := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stopSignals()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if env.Enrich == nil {
			return eris.New("enrichment is disabled in config")
		}

		done, failed, err := env.Enrich.LookupPending(ctx, enrichLimit)
		if err != nil {
			return err
		}
		fmt.Printf("Identifier lookups: %d completed, %d failed\n", done, failed)
		return nil
	},
}

func init() {
	enrichCmd.Flags().IntVar(&enrichLimit, "limit", 50, "max companies to look up")
	rootCmd.AddCommand(enrichCmd)
}
