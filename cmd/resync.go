package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var resyncCmd = &cobra.Command{
	Use:   "resync <job-id>",
	Short: "Clear a job's sync failures and push its ratings again",
	Args:  cobra.ExactArgs(1),
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

		job, err := env.Orchestrator.SubmitResync(ctx, args[0])
		if err != nil {
			return err
		}
		if err := waitForJob(ctx, env.Jobs, job.ID); err != nil {
			return err
		}
		final, err := env.Jobs.Get(ctx, job.ID)
		if err != nil {
			return err
		}

		fmt.Printf("Resync %s: %s\n", final.ID, final.Status)
		if final.Message != "" {
			fmt.Printf("  %s\n", final.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resyncCmd)
}
