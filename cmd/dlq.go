package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/resilience"
)

var (
	dlqWorkspace   string
	dlqErrorType   string
	dlqLimit       int
	dlqConcurrency int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the dead-letter queue",
}

var dlqStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dead-letter queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Store.CountDLQ(ctx)
		if err != nil {
			return eris.Wrap(err, "count dlq")
		}
		zap.L().Info("dead-letter queue", zap.Int("depth", n))
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-run dead letters that are due for another attempt",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Pipeline.RetryDeadLetters(ctx, resilience.DLQFilter{
			WorkspaceID: dlqWorkspace,
			ErrorType:   dlqErrorType,
			Limit:       dlqLimit,
		}, dlqConcurrency)
		logReport(report)
		if err != nil {
			return eris.Wrap(err, "retry dead letters")
		}
		return nil
	},
}

func init() {
	dlqRetryCmd.Flags().StringVar(&dlqWorkspace, "workspace", "", "only retry this workspace")
	dlqRetryCmd.Flags().StringVar(&dlqErrorType, "error-type", "", "only retry this error class (transient, permanent)")
	dlqRetryCmd.Flags().IntVar(&dlqLimit, "limit", 100, "max entries to retry")
	dlqRetryCmd.Flags().IntVar(&dlqConcurrency, "concurrency", 0, "parallel retries (default from config)")
	dlqCmd.AddCommand(dlqStatusCmd, dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}
