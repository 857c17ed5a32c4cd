package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pterm/pterm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// renderTable writes a boxed table with a header row.
func renderTable(w io.Writer, header []string, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "(none)")
		return err
	}
	data := pterm.TableData{header}
	data = append(data, rows...)
	out, err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Srender()
	if err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// startSpinner shows progress for a blocking call. The returned stop func
// reports the outcome and is safe to call when the spinner failed to start.
func startSpinner(text string) func(err error, done string) {
	spinner, startErr := pterm.DefaultSpinner.Start(text)
	return func(err error, done string) {
		if startErr != nil || spinner == nil {
			return
		}
		if err != nil {
			spinner.Fail(err.Error())
			return
		}
		spinner.Success(done)
	}
}

func fmtID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// truncate shortens s to n runes for table cells.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
