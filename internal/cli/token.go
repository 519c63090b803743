package cli

import (
	"fmt"

	"github.com/salonhub/klaviyo-bridge/internal/auth"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin API token",
	Long: `Mint an HS256 bearer token for the admin endpoints, signed with
admin.jwt_secret.

Use it with:
  curl -X POST -H 'Authorization: Bearer <token>' http://localhost:8000/admin/sync`,
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if cfg.Admin.JWTSecret == "" {
			return fmt.Errorf("admin.jwt_secret is not set")
		}
		if ttl <= 0 {
			ttl = cfg.Admin.TokenTTL
		}

		token, err := auth.NewTokenIssuer(cfg.Admin.JWTSecret, ttl).Issue(subject)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("subject", "operator", "token subject, recorded in admin request logs")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default admin.token_ttl)")
}
