package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List recent jobs or show one job's status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 1 {
			job, err := env.Jobs.Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s  %s  progress=%d%%\n", job.ID, job.Type, job.Status, job.Progress)
			if job.Message != "" {
				fmt.Printf("  %s\n", job.Message)
			}
			if job.StartDate != "" {
				fmt.Printf("  range: %s .. %s\n", job.StartDate, job.EndDate)
			}
			fmt.Printf("  extracted=%d new=%d duplicates=%d uploaded=%d sync_failures=%d\n",
				job.Counters.TotalExtracted,
				job.Counters.NewRecords,
				job.Counters.DuplicateRecordsSkipped,
				job.Counters.UploadedToAirtable,
				job.Counters.SyncFailures,
			)
			for _, sub := range job.SubJobIDs {
				fmt.Printf("  sub-job: %s\n", sub)
			}
			for _, e := range job.Errors {
				fmt.Printf("  error [%s]: %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Error)
			}
			return nil
		}

		jobs, err := env.Jobs.List(ctx, jobsLimit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("no jobs")
			return nil
		}
		for _, job := range jobs {
			fmt.Printf("%s  %-13s %-9s progress=%3d%%  %s\n",
				job.ID, job.Type, job.Status, job.Progress, job.Message)
		}
		return nil
	},
}

func init() {
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "max jobs to list")
	rootCmd.AddCommand(jobsCmd)
}
