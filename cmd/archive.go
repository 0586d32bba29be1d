package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/model"
)

var archiveWorkspace string

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect and restore pre-merge snapshots",
}

var archiveShowCmd = &cobra.Command{
	Use:   "show <ref>",
	Short: "Print an archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Archive.Get(ctx, archiveWorkspace, model.ArchiveRef(args[0]))
		if err != nil {
			return eris.Wrapf(err, "get archive %s", args[0])
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	},
}

var archiveRestoreCmd = &cobra.Command{
	Use:   "restore <ref>",
	Short: "Restore the entities captured in an archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		restored, err := env.Archive.Restore(ctx, archiveWorkspace, model.ArchiveRef(args[0]))
		if err != nil {
			return eris.Wrapf(err, "restore archive %s", args[0])
		}
		ids := make([]string, len(restored))
		for i, e := range restored {
			ids[i] = e.ID
		}
		zap.L().Info("archive restored",
			zap.String("ref", args[0]),
			zap.Strings("entities", ids),
		)
		return nil
	},
}

func init() {
	archiveCmd.PersistentFlags().StringVar(&archiveWorkspace, "workspace", "", "workspace ID (required)")
	_ = archiveCmd.MarkPersistentFlagRequired("workspace")
	archiveCmd.AddCommand(archiveShowCmd, archiveRestoreCmd)
	rootCmd.AddCommand(archiveCmd)
}
