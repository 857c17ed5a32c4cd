package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scamhunter/internal/service"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

func newSpiderCmd() *cobra.Command {
	var (
		maxPages  int
		maxDepth  int
		noSitemap bool
	)

	spiderCmd := &cobra.Command{
		Use:   "spider <url>",
		Short: "Queue a same-domain crawl that feeds discovered pages to the scanner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := spiderPayload(args[0], maxPages, maxDepth, !noSitemap)
			if err != nil {
				return err
			}
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				id, err := c.Store.CreateJob(ctx, store.JobSpider, payload)
				if err != nil {
					return fmt.Errorf("failed to queue spider job: %w", err)
				}
				return printQueued(cmd.OutOrStdout(), []queuedJob{{ID: id, URL: payload.String("url")}})
			})
		},
	}

	spiderCmd.Flags().IntVar(&maxPages, "max-pages", 200, "Maximum pages to visit (1-2000)")
	spiderCmd.Flags().IntVar(&maxDepth, "max-depth", 2, "Maximum link depth (0-6)")
	spiderCmd.Flags().BoolVar(&noSitemap, "no-sitemap", false, "Do not seed the crawl from sitemap.xml")
	return spiderCmd
}

// spiderPayload validates crawl bounds with the same limits the API applies.
func spiderPayload(rawURL string, maxPages, maxDepth int, useSitemap bool) (store.Payload, error) {
	u := strings.TrimSpace(rawURL)
	if u == "" {
		return nil, fmt.Errorf("url is required")
	}
	if maxPages < 1 || maxPages > 2000 {
		return nil, fmt.Errorf("--max-pages must be between 1 and 2000")
	}
	if maxDepth < 0 || maxDepth > 6 {
		return nil, fmt.Errorf("--max-depth must be between 0 and 6")
	}
	sitemap := "0"
	if useSitemap {
		sitemap = "1"
	}
	return store.Payload{
		"url":         u,
		"max_pages":   maxPages,
		"max_depth":   maxDepth,
		"use_sitemap": sitemap,
	}, nil
}
