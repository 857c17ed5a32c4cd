package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scamhunter/internal/automation"
	"github.com/xkilldash9x/scamhunter/internal/service"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

// automationWriter is the store surface `automation import` needs.
type automationWriter interface {
	CreateAutomation(ctx context.Context, a store.Automation) (int64, error)
	UpdateAutomation(ctx context.Context, a store.Automation) error
}

func newAutomationCmd() *cobra.Command {
	automationCmd := &cobra.Command{
		Use:     "automation",
		Aliases: []string{"automations"},
		Short:   "Manage and run automation graphs",
	}
	automationCmd.AddCommand(
		newAutomationListCmd(),
		newAutomationImportCmd(),
		newAutomationRunCmd(),
		newAutomationEventCmd(),
		newAutomationRunsCmd(),
	)
	return automationCmd
}

func newAutomationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List automations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				autos, err := c.Store.ListAutomations(ctx)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(autos))
				for _, a := range autos {
					rows = append(rows, []string{
						fmtID(a.ID), a.Name, a.TriggerType, strconv.FormatBool(a.Enabled), fmtTime(a.LastRunAt), truncate(a.Description, 50),
					})
				}
				return renderTable(cmd.OutOrStdout(), []string{"ID", "Name", "Trigger", "Enabled", "Last run", "Description"}, rows)
			})
		},
	}
}

func newAutomationImportCmd() *cobra.Command {
	var updateID int64
	importCmd := &cobra.Command{
		Use:   "import <definition.yaml|.json>",
		Short: "Create (or with --update, replace) an automation from a definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				id, err := importAutomation(ctx, c.Store, args[0], updateID)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "automation %d saved\n", id)
				return err
			})
		},
	}
	importCmd.Flags().Int64Var(&updateID, "update", 0, "Replace the automation with this id instead of creating one")
	return importCmd
}

// importAutomation loads and validates a definition file and stores it.
func importAutomation(ctx context.Context, st automationWriter, path string, updateID int64) (int64, error) {
	def, err := automation.LoadDefinitionFile(path)
	if err != nil {
		return 0, err
	}
	a, err := def.Automation()
	if err != nil {
		return 0, err
	}
	if updateID > 0 {
		a.ID = updateID
		if err := st.UpdateAutomation(ctx, a); err != nil {
			return 0, fmt.Errorf("failed to update automation %d: %w", updateID, err)
		}
		return updateID, nil
	}
	id, err := st.CreateAutomation(ctx, a)
	if err != nil {
		return 0, fmt.Errorf("failed to create automation: %w", err)
	}
	return id, nil
}

func newAutomationRunCmd() *cobra.Command {
	var (
		event   string
		payload string
		dryRun  bool
		async   bool
	)
	runCmd := &cobra.Command{
		Use:   "run <automation-id>",
		Short: "Run an automation now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid automation id %q", args[0])
			}
			data, err := parsePayload(payload)
			if err != nil {
				return err
			}
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				out := cmd.OutOrStdout()
				if async {
					jobID, err := c.Store.CreateJob(ctx, store.JobAutomationRun, store.Payload{
						"automation_id": id,
						"event":         event,
						"payload":       data,
						"dry_run":       dryRun,
					})
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(out, "automation_run job %d queued\n", jobID)
					return err
				}

				stop := startSpinner(fmt.Sprintf("Running automation %d", id))
				res, err := c.Automations.RunAutomationByID(ctx, id, event, data, dryRun)
				stop(err, fmt.Sprintf("Automation %d finished: %s", id, res.Status))
				if err != nil {
					return err
				}
				return printRunOutcome(out, res)
			})
		},
	}
	runCmd.Flags().StringVar(&event, "event", "manual", "Event name exposed to the graph as {{event_name}}")
	runCmd.Flags().StringVar(&payload, "payload", "", "Event payload as a JSON object")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Evaluate the graph without queueing jobs, saving IOCs or calling webhooks")
	runCmd.Flags().BoolVar(&async, "async", false, "Queue an automation_run job instead of running in this process")
	return runCmd
}

func printRunOutcome(w io.Writer, res automation.RunOutcome) error {
	fmt.Fprintf(w, "run %d: %s\n", res.RunID, res.Status)
	if res.Error != "" {
		fmt.Fprintf(w, "error: %s\n", res.Error)
	}
	if res.Log == nil {
		return nil
	}
	if res.Log.Warning != "" {
		fmt.Fprintf(w, "warning: %s\n", res.Log.Warning)
	}
	rows := make([][]string, 0, len(res.Log.Steps))
	for i, s := range res.Log.Steps {
		rows = append(rows, []string{strconv.Itoa(i + 1), s.Node, string(s.Type), strconv.FormatInt(s.DurationMS, 10)})
	}
	return renderTable(w, []string{"#", "Node", "Type", "ms"}, rows)
}

func newAutomationEventCmd() *cobra.Command {
	var payload string
	eventCmd := &cobra.Command{
		Use:   "event <name>",
		Short: "Emit an event; matching event-triggered automations run on a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return fmt.Errorf("event name is required")
			}
			data, err := parsePayload(payload)
			if err != nil {
				return err
			}
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				id, err := c.Store.CreateJob(ctx, store.JobAutomationEvent, store.Payload{"event": name, "payload": data})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "automation_event job %d queued\n", id)
				return err
			})
		},
	}
	eventCmd.Flags().StringVar(&payload, "payload", "", "Event payload as a JSON object")
	return eventCmd
}

func newAutomationRunsCmd() *cobra.Command {
	var limit int
	runsCmd := &cobra.Command{
		Use:   "runs <automation-id>",
		Short: "List recent runs of an automation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid automation id %q", args[0])
			}
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				runs, err := c.Store.ListAutomationRuns(ctx, id, limit)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(runs))
				for _, r := range runs {
					rows = append(rows, []string{fmtID(r.ID), r.Status, truncate(deref(r.Reason), 50), fmtTime(&r.CreatedAt), fmtTime(r.FinishedAt)})
				}
				return renderTable(cmd.OutOrStdout(), []string{"Run", "Status", "Reason", "Started", "Finished"}, rows)
			})
		},
	}
	runsCmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum runs to list")
	return runsCmd
}

// parsePayload decodes a JSON object flag. Empty input is an empty payload.
func parsePayload(s string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("--payload must be a JSON object: %w", err)
	}
	return out, nil
}
