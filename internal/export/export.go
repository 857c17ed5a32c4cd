// Package export renders saved IOCs in the formats threat-intel tooling
// consumes: CSV, JSON, STIX 2.1, OpenIOC, MISP and xlsx.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/xuri/excelize/v2"

	"github.com/xkilldash9x/scamhunter/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Format names an export format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatSTIX    Format = "stix"
	FormatOpenIOC Format = "openioc"
	FormatMISP    Format = "misp"
	FormatXLSX    Format = "xlsx"
)

// Formats lists the supported formats.
var Formats = []Format{FormatCSV, FormatJSON, FormatSTIX, FormatOpenIOC, FormatMISP, FormatXLSX}

// ParseFormat validates a format name. Empty means csv.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FormatCSV, nil
	}
	for _, f := range Formats {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON, FormatSTIX, FormatMISP:
		return "application/json"
	case FormatOpenIOC:
		return "application/xml"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/csv"
	}
}

// Extension is the file extension for downloads.
func (f Format) Extension() string {
	switch f {
	case FormatSTIX, FormatMISP:
		return "json"
	case FormatOpenIOC:
		return "ioc"
	}
	return string(f)
}

// Exporter renders IOC lists. The clock and id source are replaceable for tests.
type Exporter struct {
	now   func() time.Time
	newID func() string
}

// New creates an Exporter backed by the wall clock and random UUIDs.
func New() *Exporter {
	return &Exporter{now: time.Now, newID: uuid.NewString}
}

// Write renders iocs to w in format f.
func (e *Exporter) Write(w io.Writer, f Format, iocs []store.IOC) error {
	if iocs == nil {
		iocs = []store.IOC{}
	}
	switch f {
	case FormatCSV:
		return writeCSV(w, iocs)
	case FormatJSON:
		return json.NewEncoder(w).Encode(iocs)
	case FormatSTIX:
		return json.NewEncoder(w).Encode(e.STIXBundle(iocs))
	case FormatOpenIOC:
		return writeOpenIOC(w, iocs)
	case FormatMISP:
		return json.NewEncoder(w).Encode(e.MISPEvent(iocs))
	case FormatXLSX:
		return writeXLSX(w, iocs)
	}
	return fmt.Errorf("unsupported export format %q", f)
}

// -- CSV / xlsx --

var columns = []string{"id", "kind", "value", "target_id", "domain", "url", "source", "note", "created_at"}

func row(ioc store.IOC) []string {
	targetID := ""
	if ioc.TargetID != nil {
		targetID = strconv.FormatInt(*ioc.TargetID, 10)
	}
	return []string{
		strconv.FormatInt(ioc.ID, 10),
		ioc.Kind,
		ioc.Value,
		targetID,
		deref(ioc.Domain),
		deref(ioc.URL),
		deref(ioc.Source),
		deref(ioc.Note),
		ioc.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func writeCSV(w io.Writer, iocs []store.IOC) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	for _, ioc := range iocs {
		if err := cw.Write(row(ioc)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

const xlsxSheet = "IOCs"

func writeXLSX(w io.Writer, iocs []store.IOC) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), xlsxSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	write := func(n int, values []string) error {
		cell, err := excelize.CoordinatesToCellName(1, n)
		if err != nil {
			return err
		}
		cells := make([]any, len(values))
		for i, v := range values {
			cells[i] = v
		}
		return f.SetSheetRow(xlsxSheet, cell, &cells)
	}
	if err := write(1, columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, ioc := range iocs {
		if err := write(i+2, row(ioc)); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	if err := f.SetPanes(xlsxSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}
	return f.Write(w)
}

// -- STIX 2.1 --

// STIXIndicator is one indicator SDO.
type STIXIndicator struct {
	Type        string `json:"type"`
	SpecVersion string `json:"spec_version"`
	ID          string `json:"id"`
	Created     string `json:"created"`
	Modified    string `json:"modified"`
	Name        string `json:"name"`
	PatternType string `json:"pattern_type"`
	Pattern     string `json:"pattern"`
	ValidFrom   string `json:"valid_from"`
}

// STIXBundle is a bundle of indicators.
type STIXBundle struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Objects []STIXIndicator `json:"objects"`
}

// STIXBundle builds a bundle with one indicator per IOC.
func (e *Exporter) STIXBundle(iocs []store.IOC) STIXBundle {
	now := e.now().UTC().Format("2006-01-02T15:04:05.000Z")
	bundle := STIXBundle{Type: "bundle", ID: "bundle--" + e.newID(), Objects: make([]STIXIndicator, 0, len(iocs))}
	for _, ioc := range iocs {
		bundle.Objects = append(bundle.Objects, STIXIndicator{
			Type:        "indicator",
			SpecVersion: "2.1",
			ID:          "indicator--" + e.newID(),
			Created:     now,
			Modified:    now,
			Name:        "IOC " + ioc.Kind,
			PatternType: "stix",
			Pattern:     STIXPattern(ioc.Kind, ioc.Value),
			ValidFrom:   now,
		})
	}
	return bundle
}

// STIXPattern maps an IOC kind to a STIX pattern. Unknown kinds use a custom
// object type.
func STIXPattern(kind, value string) string {
	v := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	switch strings.ToLower(kind) {
	case "md5":
		return fmt.Sprintf("[file:hashes.'MD5' = '%s']", v)
	case "sha256":
		return fmt.Sprintf("[file:hashes.'SHA-256' = '%s']", v)
	case "url":
		return fmt.Sprintf("[url:value = '%s']", v)
	case "domain", "domain_name":
		return fmt.Sprintf("[domain-name:value = '%s']", v)
	}
	return fmt.Sprintf("[x-scamhunter:hash = '%s']", v)
}

// -- OpenIOC --

const openIOCNamespace = "http://schemas.mandiant.com/2010/ioc"

func writeOpenIOC(w io.Writer, iocs []store.IOC) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("OpenIOC")
	root.CreateAttr("xmlns", openIOCNamespace)
	root.CreateAttr("id", "")
	root.CreateAttr("last-modified", "")

	indicator := root.CreateElement("definition").CreateElement("Indicator")
	indicator.CreateAttr("operator", "OR")
	for _, ioc := range iocs {
		item := indicator.CreateElement("IndicatorItem")
		item.CreateAttr("condition", "is")
		ctx := item.CreateElement("Context")
		ctx.CreateAttr("document", "PortItem")
		ctx.CreateAttr("search", ioc.Kind)
		content := item.CreateElement("Content")
		content.CreateAttr("type", "string")
		content.SetText(ioc.Value)
	}

	doc.Indent(2)
	_, err := doc.WriteTo(w)
	return err
}

// -- MISP --

// MISPAttribute is one attribute of a MISP event.
type MISPAttribute struct {
	Type    string `json:"type"`
	Value   string `json:"value"`
	Comment string `json:"comment"`
}

// MISPEvent is the importable event document.
type MISPEvent struct {
	Event struct {
		Info      string          `json:"info"`
		Date      string          `json:"date"`
		Attribute []MISPAttribute `json:"Attribute"`
	} `json:"Event"`
}

// MISPEvent wraps iocs in a single MISP event dated today.
func (e *Exporter) MISPEvent(iocs []store.IOC) MISPEvent {
	var ev MISPEvent
	ev.Event.Info = "ScamHunter IOC Export"
	ev.Event.Date = e.now().UTC().Format("2006-01-02")
	ev.Event.Attribute = make([]MISPAttribute, 0, len(iocs))
	for _, ioc := range iocs {
		ev.Event.Attribute = append(ev.Event.Attribute, MISPAttribute{
			Type:    "other",
			Value:   ioc.Value,
			Comment: fmt.Sprintf("kind=%s domain=%s url=%s", ioc.Kind, deref(ioc.Domain), deref(ioc.URL)),
		})
	}
	return ev
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
