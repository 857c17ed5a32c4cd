package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scamhunter/internal/service"
)

func newSettingsCmd() *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and change runtime settings (provider keys, TAXII, AI)",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted settings; credentials are masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				all, err := c.Settings.List(ctx)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(all))
				for _, s := range all {
					rows = append(rows, []string{s.Key, s.Value, fmtTime(&s.UpdatedAt)})
				}
				return renderTable(cmd.OutOrStdout(), []string{"Key", "Value", "Updated"}, rows)
			})
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a setting; an empty value falls back to the environment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.ToUpper(strings.TrimSpace(args[0]))
			if key == "" {
				return fmt.Errorf("key is required")
			}
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				if err := c.Settings.Set(ctx, key, args[1]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", key)
				return err
			})
		},
	}

	settingsCmd.AddCommand(listCmd, setCmd)
	return settingsCmd
}
