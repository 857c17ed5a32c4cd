package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobType names the handler a job is dispatched to.
type JobType string

const (
	JobScan            JobType = "scan"
	JobSpider          JobType = "spider"
	JobAutomationRun   JobType = "automation_run"
	JobAutomationEvent JobType = "automation_event"
)

// JobStatus is the closed set of job states.
type JobStatus string

const (
	StatusQueued  JobStatus = "QUEUED"
	StatusRunning JobStatus = "RUNNING"
	StatusDone    JobStatus = "DONE"
	StatusFailed  JobStatus = "FAILED"
	StatusSkipped JobStatus = "SKIPPED"
	StatusStopped JobStatus = "STOPPED"
)

// ErrInvalidStatus is returned for any status string outside the closed set.
var ErrInvalidStatus = errors.New("invalid job status")

// ParseJobStatus validates s against the closed status set.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case StatusQueued, StatusRunning, StatusDone, StatusFailed, StatusSkipped, StatusStopped:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Cancelled reports whether an operator stopped or skipped the job.
func (s JobStatus) Cancelled() bool {
	return s == StatusStopped || s == StatusSkipped
}

// Terminal reports whether the status ends the job's lifecycle.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusSkipped, StatusStopped:
		return true
	}
	return false
}

// Payload is the opaque per-type job payload.
type Payload map[string]any

// String returns the value at key rendered as a string, or "".
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Int returns the value at key as an int. Missing or unparsable values yield def.
func (p Payload) Int(key string, def int) int {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Bool interprets bools and the strings "1"/"true"/"yes"/"on" as true.
func (p Payload) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

// Map returns the nested map at key, or nil.
func (p Payload) Map(key string) map[string]any {
	if m, ok := p[key].(map[string]any); ok {
		return m
	}
	return nil
}

// Job is one unit of queued work.
type Job struct {
	ID         int64      `json:"id"`
	Type       JobType    `json:"type"`
	Status     JobStatus  `json:"status"`
	Payload    Payload    `json:"payload"`
	LeaseUntil *time.Time `json:"lease_until"`
	LeaseOwner *string    `json:"lease_owner"`
	Attempts   int        `json:"attempts"`
	LastError  *string    `json:"last_error"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Target statuses. RUNNING/DONE/FAILED share spelling with job statuses.
const (
	TargetRunning     = "RUNNING"
	TargetDone        = "DONE"
	TargetFailed      = "FAILED"
	TargetSkippedFile = "SKIPPED_FILE"
)

// Target is one fetch-and-analyse attempt of a URL.
type Target struct {
	ID               int64            `json:"id"`
	URL              string           `json:"url"`
	Domain           string           `json:"domain"`
	Status           string           `json:"status"`
	Reason           *string          `json:"reason"`
	Title            *string          `json:"title"`
	DOMHash          *string          `json:"dom_hash"`
	HeadersHash      *string          `json:"headers_hash"`
	HTMLPath         *string          `json:"html_path"`
	IP               *string          `json:"ip"`
	JARM             *string          `json:"jarm"`
	FaviconHash      *string          `json:"favicon_hash"`
	ScreenshotPath   *string          `json:"screenshot_path"`
	ScreenshotStatus *string          `json:"screenshot_status"`
	ScreenshotPHash  *string          `json:"screenshot_phash"`
	RiskScore        int              `json:"risk_score"`
	Tags             []string         `json:"tags"`
	RedirectChain    []map[string]any `json:"redirect_chain"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Indicator kinds produced by the extractor.
const (
	IndicatorEmail  = "email"
	IndicatorPhone  = "phone"
	IndicatorWallet = "wallet"
)

// Indicator is a scan-time extracted value.
type Indicator struct {
	ID       int64  `json:"id"`
	TargetID int64  `json:"target_id"`
	Kind     string `json:"kind"`
	Value    string `json:"value"`
}

// Asset is a fetched js/css sub-resource of a target.
type Asset struct {
	ID       int64   `json:"id"`
	TargetID int64   `json:"target_id"`
	URL      string  `json:"url"`
	Type     string  `json:"type"`
	MD5      *string `json:"md5"`
	SHA256   *string `json:"sha256"`
	Status   string  `json:"status"`
}

// Rule target fields.
const (
	FieldHTML    = "html"
	FieldHeaders = "headers"
	FieldURL     = "url"
	FieldAsset   = "asset"
)

// Signature is a regex rule applied to a scan artifact. AlertRule shares the shape.
type Signature struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	TargetField string `json:"target_field"`
	Enabled     bool   `json:"enabled"`
}

// AlertRule raises an alert when its pattern matches.
type AlertRule = Signature

// YaraRule holds rule source text applied to html or asset bytes.
type YaraRule struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	RuleText    string `json:"rule_text"`
	TargetField string `json:"target_field"`
	Enabled     bool   `json:"enabled"`
}

// Match is a SignatureMatch or YaraMatch row.
type Match struct {
	TargetID   int64
	RuleID     int64
	AssetID    *int64
	Verified   *bool
	Confidence int
}

// Alert kinds.
const (
	AlertKindRisk = "risk"
	AlertKindRule = "rule"
)

// Alert is an operator-facing notification.
type Alert struct {
	ID        int64     `json:"id"`
	TargetID  *int64    `json:"target_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// GraphNode is a content-addressed correlation node.
type GraphNode struct {
	ID    int64  `json:"id"`
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// GraphEdge is an append-only typed edge between two nodes.
type GraphEdge struct {
	ID       int64  `json:"id"`
	FromNode int64  `json:"from_node"`
	ToNode   int64  `json:"to_node"`
	Kind     string `json:"kind"`
}

// Graph is the read-side view of nodes and edges.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// Campaign clusters targets sharing a correlation key.
type Campaign struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	Members   []int64   `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Hunt is a recurring provider query definition.
type Hunt struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	RuleType     string     `json:"rule_type"`
	Rule         string     `json:"rule"`
	TTLSeconds   int        `json:"ttl_seconds"`
	DelaySeconds int        `json:"delay_seconds"`
	Budget       int        `json:"budget"`
	Enabled      bool       `json:"enabled"`
	LastRunAt    *time.Time `json:"last_run_at"`
}

// HuntRun records one execution of a hunt.
type HuntRun struct {
	ID        int64     `json:"id"`
	HuntID    int64     `json:"hunt_id"`
	Trigger   string    `json:"trigger"`
	Queued    int       `json:"queued"`
	Warning   *string   `json:"warning"`
	CreatedAt time.Time `json:"created_at"`
}

// Automation trigger types.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerEvent    = "event"
)

// Automation is a stored workflow definition. Graph is kept as decoded JSON;
// the automation package owns its typed form.
type Automation struct {
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Enabled       bool           `json:"enabled"`
	TriggerType   string         `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config"`
	Graph         map[string]any `json:"graph"`
	LastRunAt     *time.Time     `json:"last_run_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Automation run statuses.
const (
	RunRunning = "RUNNING"
	RunDone    = "DONE"
	RunFailed  = "FAILED"
)

// AutomationRun is one execution record.
type AutomationRun struct {
	ID           int64          `json:"id"`
	AutomationID int64          `json:"automation_id"`
	Status       string         `json:"status"`
	Context      map[string]any `json:"context"`
	Log          any            `json:"log"`
	Reason       *string        `json:"reason"`
	CreatedAt    time.Time      `json:"created_at"`
	FinishedAt   *time.Time     `json:"finished_at"`
}

// IOC is an explicitly saved indicator for export.
type IOC struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Value     string    `json:"value"`
	TargetID  *int64    `json:"target_id"`
	URL       *string   `json:"url"`
	Domain    *string   `json:"domain"`
	Source    *string   `json:"source"`
	Note      *string   `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// IOCFilter narrows ListIOCs. Zero values are ignored.
type IOCFilter struct {
	Kind     string
	Value    string
	Domain   string
	URL      string
	Source   string
	TargetID int64
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
}

// ParseDate accepts an RFC 3339 timestamp or a bare YYYY-MM-DD date (UTC midnight)
// for IOC date filters.
func ParseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// Setting is one persisted key/value pair.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StrPtr returns nil for "" and &s otherwise.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
