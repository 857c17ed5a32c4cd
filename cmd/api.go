package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scamhunter/internal/api"
)

func newAPICmd() *cobra.Command {
	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "HTTP API helpers",
	}

	var (
		subject string
		ttl     time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with api.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.API().TokenTTL
			}
			tok, err := api.IssueToken([]byte(cfg.API().JWTSecret), subject, ttl, time.Now())
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "cli", "Token subject")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default api.token_ttl)")

	apiCmd.AddCommand(tokenCmd)
	return apiCmd
}
