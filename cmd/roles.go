package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrichment-engine/internal/roles"
)

var (
	rolesWorkspace string
	rolesCompany   string
	rolesProfile   string
)

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Generate buying-group role assignments for a company",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		var profile roles.SellerProfile
		switch {
		case rolesProfile != "":
			profile, err = roles.LoadProfile(rolesProfile)
			if err != nil {
				return eris.Wrap(err, "load seller profile")
			}
		case env.Profile != nil:
			profile = *env.Profile
		default:
			return eris.New("a seller profile is required (--profile or roles.profile_path)")
		}

		as, err := env.Pipeline.GenerateRoleAssignments(ctx, rolesWorkspace, rolesCompany, profile)
		if err != nil {
			return eris.Wrapf(err, "generate roles for %s", rolesCompany)
		}
		zap.L().Info("role assignments generated",
			zap.String("company", rolesCompany),
			zap.String("profile", profile.Name),
			zap.Int("people", len(as)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(as)
	},
}

func init() {
	rolesCmd.Flags().StringVar(&rolesWorkspace, "workspace", "", "workspace ID (required)")
	rolesCmd.Flags().StringVar(&rolesCompany, "company", "", "company entity ID (required)")
	rolesCmd.Flags().StringVar(&rolesProfile, "profile", "", "seller profile YAML (default from config)")
	_ = rolesCmd.MarkFlagRequired("workspace")
	_ = rolesCmd.MarkFlagRequired("company")
	rootCmd.AddCommand(rolesCmd)
}
