package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/pipeline"
)

var (
	enrichWorkspace string
	enrichKind      string
	enrichID        string
	enrichFields    []string
	enrichForce     bool
	enrichDryRun    bool
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich a single company or person",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		kind := model.EntityKind(enrichKind)
		if !kind.Valid() {
			return eris.Errorf("unknown kind %q (company or person)", enrichKind)
		}

		env, err := initEnv(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Pipeline.EnrichEntity(ctx, enrichWorkspace, kind, enrichID, pipeline.Options{
			ForceRefresh:    enrichForce,
			FieldsRequested: enrichFields,
			DryRun:          enrichDryRun,
		})
		if err != nil {
			return eris.Wrapf(err, "enrich %s %s", kind, enrichID)
		}

		zap.L().Info("enrichment complete",
			zap.String("entity", result.EntityID),
			zap.Int("quality_score", result.QualityScore),
			zap.Strings("fields_populated", result.FieldsPopulated),
			zap.Float64("cost_usd", result.CostUSD),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichWorkspace, "workspace", "", "workspace ID (required)")
	enrichCmd.Flags().StringVar(&enrichKind, "kind", string(model.KindCompany), "entity kind: company or person")
	enrichCmd.Flags().StringVar(&enrichID, "id", "", "entity ID (required)")
	enrichCmd.Flags().StringSliceVar(&enrichFields, "fields", nil, "fields to request (default: all the kind supports)")
	enrichCmd.Flags().BoolVar(&enrichForce, "force", false, "re-enrich even if recently enriched")
	enrichCmd.Flags().BoolVar(&enrichDryRun, "dry-run", false, "compute the result without writing")
	_ = enrichCmd.MarkFlagRequired("workspace")
	_ = enrichCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(enrichCmd)
}
