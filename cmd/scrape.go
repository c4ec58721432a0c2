package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	scrapeStartDate string
	scrapeEndDate   string
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run one scrape of a date range and wait for it to finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stopSignals := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stopSignals()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		stopEngine := runEngine(ctx, env.Engine)
		defer stopEngine()

		job, err := env.Orchestrator.SubmitScrape(ctx, scrapeStartDate, scrapeEndDate)
		if err != nil {
			return err
		}
		zap.L().Info("scrape submitted",
			zap.String("job_id", job.ID),
			zap.String("start_date", scrapeStartDate),
			zap.String("end_date", scrapeEndDate),
		)

		if err := waitForJob(ctx, env.Jobs, job.ID); err != nil {
			return err
		}
		final, err := env.Jobs.Get(ctx, job.ID)
		if err != nil {
			return err
		}

		fmt.Printf("Job %s: %s\n", final.ID, final.Status)
		if final.Message != "" {
			fmt.Printf("  %s\n", final.Message)
		}
		fmt.Printf("  extracted=%d new=%d duplicates=%d companies=%d uploaded=%d sync_failures=%d\n",
			final.Counters.TotalExtracted,
			final.Counters.NewRecords,
			final.Counters.DuplicateRecordsSkipped,
			final.Counters.CompaniesCreated,
			final.Counters.UploadedToAirtable,
			final.Counters.SyncFailures,
		)
		for _, e := range final.Errors {
			fmt.Printf("  error: %s\n", e.Error)
		}
		return nil
	},
}

func init() {
	scrapeCmd.Flags().StringVar(&scrapeStartDate, "start", "", "range start date (YYYY-MM-DD)")
	scrapeCmd.Flags().StringVar(&scrapeEndDate, "end", "", "range end date (YYYY-MM-DD)")
	_ = scrapeCmd.MarkFlagRequired("start")
	_ = scrapeCmd.MarkFlagRequired("end")
	rootCmd.AddCommand(scrapeCmd)
}
