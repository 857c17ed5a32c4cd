package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/observability"
	"github.com/xkilldash9x/scamhunter/internal/service"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

// jobQueue is the slice of the store the enqueue commands need.
type jobQueue interface {
	CreateJob(ctx context.Context, jobType store.JobType, payload store.Payload) (int64, error)
}

// newScanCmd creates the `scan` command. It only queues; a worker does the work.
func newScanCmd() *cobra.Command {
	var fromFile string

	scanCmd := &cobra.Command{
		Use:   "scan [urls...]",
		Short: "Queue scan jobs for one or more URLs",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && fromFile == "" {
				return fmt.Errorf("requires at least one URL or --file")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := args
			if fromFile != "" {
				fileURLs, err := readURLFile(fromFile)
				if err != nil {
					return err
				}
				urls = append(urls, fileURLs...)
			}

			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				ids, err := enqueueScans(ctx, c.Store, urls)
				if err != nil {
					return err
				}
				observability.GetLogger().Info("Scan jobs queued", zap.Int("count", len(ids)))
				return printQueued(cmd.OutOrStdout(), ids)
			})
		},
	}

	scanCmd.Flags().StringVarP(&fromFile, "file", "f", "", "Read URLs from a file, one per line ('#' starts a comment)")
	return scanCmd
}

type queuedJob struct {
	ID  int64
	URL string
}

// enqueueScans queues one scan job per non-blank URL, capped like the bulk API.
func enqueueScans(ctx context.Context, q jobQueue, urls []string) ([]queuedJob, error) {
	var queued []queuedJob
	for _, u := range urls {
		if len(queued) >= maxBulkURLs {
			break
		}
		if u = strings.TrimSpace(u); u == "" {
			continue
		}
		id, err := q.CreateJob(ctx, store.JobScan, store.Payload{"url": u})
		if err != nil {
			return queued, fmt.Errorf("failed to queue scan for %s: %w", u, err)
		}
		queued = append(queued, queuedJob{ID: id, URL: u})
	}
	return queued, nil
}

const maxBulkURLs = 200

func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open url file: %w", err)
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read url file: %w", err)
	}
	return urls, nil
}

func printQueued(w io.Writer, jobs []queuedJob) error {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{fmtID(j.ID), j.URL})
	}
	return renderTable(w, []string{"Job", "URL"}, rows)
}
