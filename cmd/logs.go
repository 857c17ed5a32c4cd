package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scamhunter/internal/observability"
)

func newLogsCmd() *cobra.Command {
	var (
		follow bool
		lines  int
	)
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the log file, optionally following it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			path := observability.LogFilePath()
			if path == "" {
				path = cfg.Logger().LogFile
			}
			if path == "" {
				return fmt.Errorf("logger.log_file is not set; logs only go to the console")
			}
			return tailLog(cmd.Context(), path, follow, lines, cmd.OutOrStdout())
		},
	}
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new lines until interrupted")
	logsCmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to print first")
	return logsCmd
}

// tailLog writes the last n lines of path to w. With follow it keeps writing
// appended lines until ctx is done.
func tailLog(ctx context.Context, path string, follow bool, n int, w io.Writer) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer t.Cleanup()
	defer t.Stop()

	// -- backlog --
	// The backlog is buffered so only the last n lines print. In follow mode
	// the backlog ends at the first line that arrives after a short lull.
	ring := make([]string, 0, max(n, 0))
	push := func(s string) {
		if n <= 0 {
			return
		}
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, s)
	}
	flush := func() error {
		for _, s := range ring {
			if _, err := fmt.Fprintln(w, s); err != nil {
				return err
			}
		}
		ring = ring[:0]
		return nil
	}

	if !follow {
		for line := range t.Lines {
			if line.Err != nil {
				return line.Err
			}
			push(line.Text)
		}
		return flush()
	}

	backlog := true
	for {
		select {
		case <-ctx.Done():
			if backlog {
				return flush()
			}
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				if backlog {
					return flush()
				}
				return t.Err()
			}
			if line.Err != nil {
				return line.Err
			}
			if backlog {
				push(line.Text)
				continue
			}
			if _, err := fmt.Fprintln(w, line.Text); err != nil {
				return err
			}
		case <-afterLull(backlog):
			backlog = false
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

const backlogLull = 200 * time.Millisecond

// afterLull fires once the backlog has been quiet for backlogLull. A nil
// channel blocks forever once the backlog is done.
func afterLull(backlog bool) <-chan time.Time {
	if !backlog {
		return nil
	}
	return time.After(backlogLull)
}
