package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/export"
	"github.com/xkilldash9x/scamhunter/internal/observability"
	"github.com/xkilldash9x/scamhunter/internal/service"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

type iocFilterFlags struct {
	kind     string
	value    string
	domain   string
	url      string
	source   string
	targetID int64
	from     string
	to       string
	limit    int
}

func (f *iocFilterFlags) register(cmd *cobra.Command, defLimit int) {
	cmd.Flags().StringVar(&f.kind, "kind", "", "Filter by kind (exact)")
	cmd.Flags().StringVar(&f.value, "value", "", "Filter by value (substring)")
	cmd.Flags().StringVar(&f.domain, "domain", "", "Filter by domain (substring)")
	cmd.Flags().StringVar(&f.url, "url", "", "Filter by url (substring)")
	cmd.Flags().StringVar(&f.source, "source", "", "Filter by source (exact)")
	cmd.Flags().Int64Var(&f.targetID, "target-id", 0, "Filter by target id")
	cmd.Flags().StringVar(&f.from, "from", "", "Created at or after (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.to, "to", "", "Created at or before (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", defLimit, "Maximum IOCs")
}

func (f *iocFilterFlags) filter() (store.IOCFilter, error) {
	out := store.IOCFilter{
		Kind:     strings.TrimSpace(f.kind),
		Value:    strings.TrimSpace(f.value),
		Domain:   strings.TrimSpace(f.domain),
		URL:      strings.TrimSpace(f.url),
		Source:   strings.TrimSpace(f.source),
		TargetID: f.targetID,
		Limit:    f.limit,
	}
	if v := strings.TrimSpace(f.from); v != "" {
		t, err := store.ParseDate(v)
		if err != nil {
			return out, fmt.Errorf("invalid --from %q", v)
		}
		out.DateFrom = &t
	}
	if v := strings.TrimSpace(f.to); v != "" {
		t, err := store.ParseDate(v)
		if err != nil {
			return out, fmt.Errorf("invalid --to %q", v)
		}
		out.DateTo = &t
	}
	return out, nil
}

func newIOCsCmd() *cobra.Command {
	iocsCmd := &cobra.Command{
		Use:     "iocs",
		Aliases: []string{"ioc"},
		Short:   "List, add, export and publish indicators of compromise",
	}
	iocsCmd.AddCommand(newIOCListCmd(), newIOCAddCmd(), newIOCExportCmd(), newIOCPushCmd())
	return iocsCmd
}

func newIOCListCmd() *cobra.Command {
	var f iocFilterFlags
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List saved IOCs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := f.filter()
			if err != nil {
				return err
			}
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				iocs, err := c.Store.ListIOCs(ctx, filter)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(iocs))
				for _, i := range iocs {
					rows = append(rows, []string{fmtID(i.ID), i.Kind, truncate(i.Value, 60), deref(i.Domain), deref(i.Source), fmtTime(&i.CreatedAt)})
				}
				return renderTable(cmd.OutOrStdout(), []string{"ID", "Kind", "Value", "Domain", "Source", "Created"}, rows)
			})
		},
	}
	f.register(listCmd, 200)
	return listCmd
}

func newIOCAddCmd() *cobra.Command {
	var (
		kind, value, domain, url, source, note string
		targetID                               int64
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Save an IOC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ioc := store.IOC{
				Kind:   strings.TrimSpace(kind),
				Value:  strings.TrimSpace(value),
				Domain: store.StrPtr(strings.TrimSpace(domain)),
				URL:    store.StrPtr(strings.TrimSpace(url)),
				Source: store.StrPtr(strings.TrimSpace(source)),
				Note:   store.StrPtr(strings.TrimSpace(note)),
			}
			if targetID > 0 {
				ioc.TargetID = &targetID
			}
			if ioc.Kind == "" || ioc.Value == "" {
				return fmt.Errorf("--kind and --value are required")
			}
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				id, err := c.Store.CreateIOC(ctx, ioc)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "ioc %d saved\n", id)
				return err
			})
		},
	}
	addCmd.Flags().StringVar(&kind, "kind", "", "IOC kind, e.g. domain, url, email, wallet")
	addCmd.Flags().StringVar(&value, "value", "", "IOC value")
	addCmd.Flags().StringVar(&domain, "domain", "", "Related domain")
	addCmd.Flags().StringVar(&url, "url", "", "Related url")
	addCmd.Flags().StringVar(&source, "source", "cli", "Where the IOC came from")
	addCmd.Flags().StringVar(&note, "note", "", "Free-form note")
	addCmd.Flags().Int64Var(&targetID, "target-id", 0, "Target the IOC was seen on")
	return addCmd
}

func newIOCExportCmd() *cobra.Command {
	var (
		f      iocFilterFlags
		format string
		output string
	)
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export IOCs as csv, json, stix, openioc, misp or xlsx",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exportFormat, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			filter, err := f.filter()
			if err != nil {
				return err
			}
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				iocs, err := c.Store.ListIOCs(ctx, filter)
				if err != nil {
					return err
				}
				n, path, err := writeExport(c.Exporter, exportFormat, iocs, output, cmd.OutOrStdout())
				if err != nil {
					return err
				}
				observability.GetLogger().Info("IOCs exported", zap.Int("count", n), zap.String("format", string(exportFormat)), zap.String("path", path))
				return nil
			})
		},
	}
	f.register(exportCmd, 1000)
	exportCmd.Flags().StringVarP(&format, "format", "f", string(export.FormatCSV), "Export format: csv, json, stix, openioc, misp, xlsx")
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "Output file; '-' or empty writes to stdout (default file name iocs.<ext> for xlsx)")
	return exportCmd
}

// writeExport renders iocs to output, or to stdout when output is "" or "-".
// xlsx is binary and always goes to a file.
func writeExport(e *export.Exporter, format export.Format, iocs []store.IOC, output string, stdout io.Writer) (int, string, error) {
	if format == export.FormatXLSX && (output == "" || output == "-") {
		output = "iocs." + format.Extension()
	}
	if output == "" || output == "-" {
		return len(iocs), "-", e.Write(stdout, format, iocs)
	}

	file, err := os.Create(output)
	if err != nil {
		return 0, output, fmt.Errorf("failed to create export file: %w", err)
	}
	if err := e.Write(file, format, iocs); err != nil {
		file.Close()
		return 0, output, fmt.Errorf("failed to write export: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, output, fmt.Errorf("failed to close export file: %w", err)
	}
	return len(iocs), output, nil
}

func newIOCPushCmd() *cobra.Command {
	var f iocFilterFlags
	pushCmd := &cobra.Command{
		Use:   "push",
		Short: "Publish IOCs as a STIX bundle to the configured TAXII 2.1 collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := f.filter()
			if err != nil {
				return err
			}
			return withComponents(cmd, func(ctx context.Context, c *service.Components) error {
				iocs, err := c.Store.ListIOCs(ctx, filter)
				if err != nil {
					return err
				}
				stop := startSpinner(fmt.Sprintf("Pushing %d IOC(s) to TAXII", len(iocs)))
				res, err := c.TAXII.Push(ctx, iocs)
				stop(err, fmt.Sprintf("Pushed %d IOC(s)", res.Pushed))
				if errors.Is(err, export.ErrTAXIINotConfigured) {
					return fmt.Errorf("%w (hint: scamhunter settings set TAXII_URL <url> and TAXII_COLLECTION <id>)", err)
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "pushed %d indicator(s) to %s\n", res.Pushed, res.Endpoint)
				return err
			})
		},
	}
	f.register(pushCmd, 1000)
	return pushCmd
}
