package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scamhunter/internal/service"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

// jobAdmin is the store surface for operator job actions.
type jobAdmin interface {
	UpdateJobStatus(ctx context.Context, id int64, status store.JobStatus, lastError *string) error
	RequeueJob(ctx context.Context, id int64) error
	DeleteJob(ctx context.Context, id int64) error
}

func newJobsCmd() *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control queued jobs",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				jobs, err := c.Store.ListJobs(ctx, limit)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, []string{
						fmtID(j.ID), string(j.Type), string(j.Status), strconv.Itoa(j.Attempts),
						truncate(j.Payload.String("url"), 60), truncate(deref(j.LastError), 40), fmtTime(&j.UpdatedAt),
					})
				}
				return renderTable(cmd.OutOrStdout(), []string{"ID", "Type", "Status", "Attempts", "URL", "Last error", "Updated"}, rows)
			})
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 200, "Maximum jobs to list")
	jobsCmd.AddCommand(listCmd)

	for _, action := range []string{"stop", "skip", "requeue", "remove"} {
		jobsCmd.AddCommand(newJobActionCmd(action))
	}
	return jobsCmd
}

func newJobActionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <job-id>",
		Short: fmt.Sprintf("%s a job", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				result, err := applyJobAction(ctx, c.Store, action, id)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "job %d: %s\n", id, result)
				return err
			})
		},
	}
}

// applyJobAction performs an operator action and returns a short outcome label.
// stop and skip only mark the job; the running handler notices cooperatively.
func applyJobAction(ctx context.Context, q jobAdmin, action string, id int64) (string, error) {
	switch action {
	case "stop", "skip":
		status, reason := store.StatusStopped, "user_stop"
		if action == "skip" {
			status, reason = store.StatusSkipped, "user_skip"
		}
		if err := q.UpdateJobStatus(ctx, id, status, &reason); err != nil {
			return "", fmt.Errorf("failed to %s job: %w", action, err)
		}
		return string(status), nil
	case "requeue":
		if err := q.RequeueJob(ctx, id); err != nil {
			return "", fmt.Errorf("failed to requeue job: %w", err)
		}
		return string(store.StatusQueued), nil
	case "remove":
		if err := q.DeleteJob(ctx, id); err != nil {
			return "", fmt.Errorf("failed to remove job: %w", err)
		}
		return "removed", nil
	default:
		return "", fmt.Errorf("unknown job action %q", action)
	}
}
