package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/intake"
	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/pipeline"
	"github.com/sells-group/enrichment-engine/internal/store"
)

var (
	batchWorkspace   string
	batchKind        string
	batchID          string
	batchConcurrency int
	batchResume      bool
	batchDryRun      bool
	batchNotion      bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Enrich every entity in a workspace, or the queued Notion intake",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if batchResume && batchID == "" {
			return eris.New("--resume requires --batch-id")
		}
		kind := model.EntityKind(batchKind)
		if batchKind != "" && !kind.Valid() {
			return eris.Errorf("unknown kind %q (company or person)", batchKind)
		}

		mode := "enrich"
		if batchNotion {
			mode = "intake"
		}
		env, err := initEnv(ctx, mode)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := pipeline.BatchOptions{
			BatchID:     batchID,
			Concurrency: batchConcurrency,
			DryRun:      batchDryRun,
			Resume:      batchResume,
		}

		if batchNotion {
			return runIntakeBatch(ctx, env, newIntake(env, cfg.Notion.IntakeDB), opts)
		}

		report, err := env.Pipeline.RunBatchEnrichment(ctx, store.EntityFilter{
			WorkspaceID: batchWorkspace,
			Kind:        kind,
		}, opts)
		logReport(report)
		if err != nil {
			return eris.Wrap(err, "batch enrichment")
		}
		return nil
	},
}

// runIntakeBatch enriches the queued intake pages and writes each page's
// outcome back to Notion.
func runIntakeBatch(ctx context.Context, env *engineEnv, src *intake.Source, opts pipeline.BatchOptions) error {
	items, err := src.Load(ctx, batchWorkspace)
	if err != nil {
		return eris.Wrap(err, "load intake")
	}
	if len(items) == 0 {
		zap.L().Info("no queued intake pages found")
		return nil
	}

	refs := make([]model.EntityRef, len(items))
	for i, it := range items {
		refs[i] = it.Ref
	}
	report, runErr := env.Pipeline.RunBatchRefs(ctx, refs, opts)
	logReport(report)
	if report != nil && !opts.DryRun {
		// Status updates outlive a cancelled run.
		if err := src.Report(context.WithoutCancel(ctx), items, report); err != nil {
			zap.L().Warn("failed to update intake statuses", zap.Error(err))
		}
	}
	if runErr != nil {
		return eris.Wrap(runErr, "intake batch")
	}
	return nil
}

func logReport(report *model.BatchReport) {
	if report == nil {
		return
	}
	zap.L().Info("batch complete",
		zap.String("batch_id", report.ID),
		zap.Int("processed", report.Processed),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("next_offset", report.NextOffset),
		zap.Bool("cancelled", report.Cancelled),
	)
}

func init() {
	batchCmd.Flags().StringVar(&batchWorkspace, "workspace", "", "workspace ID (required)")
	batchCmd.Flags().StringVar(&batchKind, "kind", "", "only enrich this kind (company or person)")
	batchCmd.Flags().StringVar(&batchID, "batch-id", "", "batch ID for checkpoints (default: generated)")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "parallel entities (default from config)")
	batchCmd.Flags().BoolVar(&batchResume, "resume", false, "continue from the batch's last checkpoint")
	batchCmd.Flags().BoolVar(&batchDryRun, "dry-run", false, "compute results without writing")
	batchCmd.Flags().BoolVar(&batchNotion, "notion", false, "enrich the queued pages of the Notion intake database")
	_ = batchCmd.MarkFlagRequired("workspace")
	rootCmd.AddCommand(batchCmd)
}
