package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scamhunter/internal/hunt"
	"github.com/xkilldash9x/scamhunter/internal/service"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

func newHuntCmd() *cobra.Command {
	huntCmd := &cobra.Command{
		Use:   "hunt",
		Short: "Manage and run saved provider queries",
	}
	huntCmd.AddCommand(newHuntListCmd(), newHuntCreateCmd(), newHuntRunCmd(), newHuntPreviewCmd(), newHuntRunsCmd())
	return huntCmd
}

func newHuntListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List hunts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				hunts, err := c.Store.ListHunts(ctx)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(hunts))
				for _, h := range hunts {
					rows = append(rows, []string{
						fmtID(h.ID), h.Name, h.RuleType, truncate(h.Rule, 50),
						strconv.Itoa(h.TTLSeconds), strconv.Itoa(h.Budget), strconv.FormatBool(h.Enabled), fmtTime(h.LastRunAt),
					})
				}
				return renderTable(cmd.OutOrStdout(), []string{"ID", "Name", "Type", "Rule", "TTL", "Budget", "Enabled", "Last run"}, rows)
			})
		},
	}
}

type huntFlags struct {
	name     string
	ruleType string
	rule     string
	ttl      int
	delay    int
	budget   int
	disabled bool
}

// toHunt validates the flags into a storable hunt.
func (f huntFlags) toHunt() (store.Hunt, error) {
	h := store.Hunt{
		Name:         strings.TrimSpace(f.name),
		RuleType:     strings.TrimSpace(f.ruleType),
		Rule:         strings.TrimSpace(f.rule),
		TTLSeconds:   f.ttl,
		DelaySeconds: f.delay,
		Budget:       f.budget,
		Enabled:      !f.disabled,
	}
	if h.Name == "" || h.Rule == "" {
		return h, fmt.Errorf("--name and --rule are required")
	}
	if h.RuleType == "" {
		h.RuleType = hunt.RuleDork
	}
	if h.TTLSeconds < 0 || h.DelaySeconds < 0 || h.Budget < 0 {
		return h, fmt.Errorf("--ttl, --delay and --budget cannot be negative")
	}
	return h, nil
}

func newHuntCreateCmd() *cobra.Command {
	var f huntFlags
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a hunt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := f.toHunt()
			if err != nil {
				return err
			}
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				id, err := c.Store.CreateHunt(ctx, h)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "hunt %d created\n", id)
				return err
			})
		},
	}
	createCmd.Flags().StringVar(&f.name, "name", "", "Hunt name")
	createCmd.Flags().StringVar(&f.ruleType, "rule-type", hunt.RuleDork, "Provider: fofa, urlscan, dork, or anything else for a keyword search")
	createCmd.Flags().StringVar(&f.rule, "rule", "", "Provider query")
	createCmd.Flags().IntVar(&f.ttl, "ttl", 3600, "Seconds between scheduled runs")
	createCmd.Flags().IntVar(&f.delay, "delay", 60, "Seconds to wait before the first scheduled run")
	createCmd.Flags().IntVar(&f.budget, "budget", 50, "Maximum scans queued per run")
	createCmd.Flags().BoolVar(&f.disabled, "disabled", false, "Create the hunt disabled")
	return createCmd
}

func newHuntRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <hunt-id>",
		Short: "Run a hunt now and queue scans for new URLs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid hunt id %q", args[0])
			}
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				stop := startSpinner(fmt.Sprintf("Running hunt %d", id))
				res, err := c.Hunts.RunHunt(ctx, id)
				stop(err, fmt.Sprintf("Hunt %d queued %d scan(s)", id, len(res.Queued)))
				if err != nil {
					return err
				}
				return printHuntRun(cmd.OutOrStdout(), res)
			})
		},
	}
}

func printHuntRun(w io.Writer, res hunt.RunResult) error {
	if res.Warning != nil {
		fmt.Fprintf(w, "warning: %s\n", *res.Warning)
	}
	providers := make([]string, 0, len(res.Debug))
	for provider := range res.Debug {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	rows := make([][]string, 0, len(providers))
	for _, provider := range providers {
		rows = append(rows, []string{provider, strconv.Itoa(res.Debug[provider])})
	}
	if err := renderTable(w, []string{"Provider", "Results"}, rows); err != nil {
		return err
	}
	ids := make([]string, 0, len(res.Queued))
	for _, id := range res.Queued {
		ids = append(ids, fmtID(id))
	}
	_, err := fmt.Fprintf(w, "queued jobs: [%s]\n", strings.Join(ids, ", "))
	return err
}

func newHuntPreviewCmd() *cobra.Command {
	var (
		ruleType, rule string
		asJSON         bool
	)
	previewCmd := &cobra.Command{
		Use:   "preview",
		Short: "Show the URLs a query would yield without queueing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(rule) == "" {
				return fmt.Errorf("--rule is required")
			}
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				res, err := c.Hunts.RunHuntTargets(ctx, ruleType, rule, false)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, res)
				}
				for _, w := range res.Warnings {
					fmt.Fprintf(out, "warning: %s\n", w)
				}
				rows := make([][]string, 0, len(res.URLs))
				for i, u := range res.URLs {
					rows = append(rows, []string{strconv.Itoa(i + 1), u})
				}
				return renderTable(out, []string{"#", "URL"}, rows)
			})
		},
	}
	previewCmd.Flags().StringVar(&ruleType, "rule-type", hunt.RuleDork, "Provider: fofa, urlscan, dork, or keyword")
	previewCmd.Flags().StringVar(&rule, "rule", "", "Provider query")
	previewCmd.Flags().BoolVar(&asJSON, "json", false, "Print urls, per-provider counts and warnings as JSON")
	return previewCmd
}

func newHuntRunsCmd() *cobra.Command {
	var limit int
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent hunt runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				runs, err := c.Store.ListHuntRuns(ctx, limit)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(runs))
				for _, r := range runs {
					rows = append(rows, []string{
						fmtID(r.ID), fmtID(r.HuntID), r.Trigger, strconv.Itoa(r.Queued), truncate(deref(r.Warning), 50), fmtTime(&r.CreatedAt),
					})
				}
				return renderTable(cmd.OutOrStdout(), []string{"Run", "Hunt", "Trigger", "Queued", "Warning", "At"}, rows)
			})
		},
	}
	runsCmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum runs to list")
	return runsCmd
}
