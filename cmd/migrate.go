package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scamhunter/internal/observability"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

// migrateFn and migrationReportFn are swapped in tests.
var (
	migrateFn         = store.Migrate
	migrationReportFn = store.MigrationReport
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <up|down|status>",
		Short:     "Apply, roll back or list the embedded schema migrations",
		Long:      "up applies every pending migration, down rolls back the most recent one, status lists them all.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			dsn := cfg.Database().DSN()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch args[0] {
			case "status":
				report, err := migrationReportFn(ctx, dsn)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(report))
				for _, m := range report {
					state := "pending"
					if m.Applied {
						state = "applied"
					}
					rows = append(rows, []string{m.ID, state})
				}
				return renderTable(out, []string{"Migration", "State"}, rows)
			default:
				n, err := migrateFn(ctx, dsn, store.MigrationDirection(args[0]), observability.GetLogger())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "migrate %s: %d migration(s) applied\n", args[0], n)
				return err
			}
		},
	}
}
