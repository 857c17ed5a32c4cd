package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/automation"
	"github.com/xkilldash9x/scamhunter/internal/export"
	"github.com/xkilldash9x/scamhunter/internal/store"
	"github.com/xkilldash9x/scamhunter/internal/yara"
)

// -- Signatures, alert rules and YARA rules --

type ruleRequest struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	RuleText    string `json:"rule_text"`
	TargetField string `json:"target_field"`
	Enabled     *bool  `json:"enabled"`
}

func (req ruleRequest) enabled() bool {
	return req.Enabled == nil || *req.Enabled
}

var (
	patternFields = map[string]bool{"html": true, "headers": true, "url": true, "asset": true}
	alertFields   = map[string]bool{"html": true, "headers": true, "url": true}
	yaraFields    = map[string]bool{"html": true, "asset": true}
)

// validatePatternRule checks name, target field and that the pattern compiles.
func validatePatternRule(req ruleRequest, fields map[string]bool) error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("missing_name")
	}
	if !fields[req.TargetField] {
		return errors.New("invalid_target_field")
	}
	if req.Pattern == "" {
		return errors.New("invalid_pattern")
	}
	if _, err := regexp.Compile("(?i)" + req.Pattern); err != nil {
		return errors.New("invalid_pattern")
	}
	return nil
}

func (s *Server) handleListSignatures(w http.ResponseWriter, r *http.Request) {
	sigs, err := s.deps.Store.ListSignatures(r.Context(), false)
	if err != nil {
		s.respondWithStoreError(w, r, "signatures", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, sigs)
}

func (s *Server) handleCreateSignature(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := validatePatternRule(req, patternFields); err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	id, err := s.deps.Store.CreateSignature(r.Context(), store.Signature{
		Name: strings.TrimSpace(req.Name), Pattern: req.Pattern, TargetField: req.TargetField, Enabled: req.enabled(),
	})
	if err != nil {
		s.respondWithStoreError(w, r, "signature", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleListAlertRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Store.ListAlertRules(r.Context(), false)
	if err != nil {
		s.respondWithStoreError(w, r, "alert_rules", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, rules)
}

func (s *Server) handleCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := validatePatternRule(req, alertFields); err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	id, err := s.deps.Store.CreateAlertRule(r.Context(), store.AlertRule{
		Name: strings.TrimSpace(req.Name), Pattern: req.Pattern, TargetField: req.TargetField, Enabled: req.enabled(),
	})
	if err != nil {
		s.respondWithStoreError(w, r, "alert_rule", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleListYaraRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Store.ListYaraRules(r.Context(), false)
	if err != nil {
		s.respondWithStoreError(w, r, "yara_rules", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, rules)
}

func (s *Server) handleCreateYaraRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.respondWithError(w, http.StatusBadRequest, "missing_name", nil)
		return
	}
	if !yaraFields[req.TargetField] {
		s.respondWithError(w, http.StatusBadRequest, "invalid_target_field", nil)
		return
	}
	if _, err := yara.Compile(req.RuleText); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_rule", err.Error())
		return
	}
	id, err := s.deps.Store.CreateYaraRule(r.Context(), store.YaraRule{
		Name: strings.TrimSpace(req.Name), RuleText: req.RuleText, TargetField: req.TargetField, Enabled: req.enabled(),
	})
	if err != nil {
		s.respondWithStoreError(w, r, "yara_rule", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"id": id})
}

// -- IOCs --

type iocRequest struct {
	Kind     string  `json:"kind"`
	Value    string  `json:"value"`
	TargetID *int64  `json:"target_id"`
	URL      *string `json:"url"`
	Domain   *string `json:"domain"`
	Source   *string `json:"source"`
	Note     *string `json:"note"`
}

func (s *Server) handleCreateIOC(w http.ResponseWriter, r *http.Request) {
	var req iocRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	kind, value := strings.TrimSpace(req.Kind), strings.TrimSpace(req.Value)
	if kind == "" || value == "" {
		s.respondWithError(w, http.StatusBadRequest, "missing_kind_or_value", nil)
		return
	}
	id, err := s.deps.Store.CreateIOC(r.Context(), store.IOC{
		Kind: kind, Value: value, TargetID: req.TargetID,
		URL: req.URL, Domain: req.Domain, Source: req.Source, Note: req.Note,
	})
	if err != nil {
		s.respondWithStoreError(w, r, "ioc", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"id": id})
}

// iocFilter reads list filters from the query string. Dates accept YYYY-MM-DD
// or RFC 3339.
func iocFilter(r *http.Request, defLimit int) (store.IOCFilter, error) {
	q := r.URL.Query()
	f := store.IOCFilter{
		Kind:   strings.TrimSpace(q.Get("kind")),
		Value:  strings.TrimSpace(q.Get("value")),
		Domain: strings.TrimSpace(q.Get("domain")),
		URL:    strings.TrimSpace(q.Get("url")),
		Source: strings.TrimSpace(q.Get("source")),
		Limit:  queryInt(r, "limit", defLimit),
	}
	if v := q.Get("target_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, errors.New("invalid target_id")
		}
		f.TargetID = id
	}
	for key, dst := range map[string]**time.Time{"date_from": &f.DateFrom, "date_to": &f.DateTo} {
		v := strings.TrimSpace(q.Get(key))
		if v == "" {
			continue
		}
		t, err := store.ParseDate(v)
		if err != nil {
			return f, fmt.Errorf("invalid %s", key)
		}
		*dst = &t
	}
	return f, nil
}

func (s *Server) handleListIOCs(w http.ResponseWriter, r *http.Request) {
	f, err := iocFilter(r, 200)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	iocs, err := s.deps.Store.ListIOCs(r.Context(), f)
	if err != nil {
		s.respondWithStoreError(w, r, "iocs", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, iocs)
}

// handleExportIOCs streams a download rather than an envelope.
func (s *Server) handleExportIOCs(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, "unsupported_format", err.Error())
		return
	}
	f, err := iocFilter(r, 1000)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	iocs, err := s.deps.Store.ListIOCs(r.Context(), f)
	if err != nil {
		s.respondWithStoreError(w, r, "iocs", err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="iocs.%s"`, format.Extension()))
	if err := s.deps.Exporter.Write(w, format, iocs); err != nil {
		// Headers are gone by now; all that is left is to log it.
		s.logger.Error("IOC export failed", zap.String("format", string(format)), zap.Error(err))
	}
}

func (s *Server) handleTAXIIPush(w http.ResponseWriter, r *http.Request) {
	if s.deps.TAXII == nil {
		s.respondWithError(w, http.StatusServiceUnavailable, "taxii_unavailable", nil)
		return
	}
	f, err := iocFilter(r, 1000)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	iocs, err := s.deps.Store.ListIOCs(r.Context(), f)
	if err != nil {
		s.respondWithStoreError(w, r, "iocs", err)
		return
	}
	res, err := s.deps.TAXII.Push(r.Context(), iocs)
	switch {
	case errors.Is(err, export.ErrTAXIINotConfigured):
		s.respondWithError(w, http.StatusBadRequest, "taxii_not_configured", "TAXII_URL or TAXII_COLLECTION missing")
	case err != nil:
		s.respondWithError(w, http.StatusBadGateway, "taxii_push_failed", err.Error())
	default:
		s.respondWithSuccess(w, http.StatusOK, res)
	}
}

// -- Hunts --

type huntRequest struct {
	Name         string `json:"name"`
	RuleType     string `json:"rule_type"`
	Rule         string `json:"rule"`
	TTLSeconds   *int   `json:"ttl_seconds"`
	DelaySeconds *int   `json:"delay_seconds"`
	Budget       *int   `json:"budget"`
	Enabled      *bool  `json:"enabled"`
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func (s *Server) handleListHunts(w http.ResponseWriter, r *http.Request) {
	hunts, err := s.deps.Store.ListHunts(r.Context())
	if err != nil {
		s.respondWithStoreError(w, r, "hunts", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, hunts)
}

func (s *Server) handleCreateHunt(w http.ResponseWriter, r *http.Request) {
	var req huntRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Rule) == "" {
		s.respondWithError(w, http.StatusBadRequest, "missing_name_or_rule", nil)
		return
	}
	id, err := s.deps.Store.CreateHunt(r.Context(), store.Hunt{
		Name:         strings.TrimSpace(req.Name),
		RuleType:     strings.TrimSpace(req.RuleType),
		Rule:         req.Rule,
		TTLSeconds:   intOrDefault(req.TTLSeconds, 3600),
		DelaySeconds: intOrDefault(req.DelaySeconds, 60),
		Budget:       intOrDefault(req.Budget, 50),
		Enabled:      req.Enabled == nil || *req.Enabled,
	})
	if err != nil {
		s.respondWithStoreError(w, r, "hunt", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleListHuntRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Store.ListHuntRuns(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.respondWithStoreError(w, r, "hunt_runs", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, runs)
}

// handlePreviewHunt dispatches an unsaved rule and returns what it would find.
// Nothing is queued.
func (s *Server) handlePreviewHunt(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hunts == nil {
		s.respondWithError(w, http.StatusServiceUnavailable, "hunts_unavailable", nil)
		return
	}
	var req huntRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	res, err := s.deps.Hunts.RunHuntTargets(r.Context(), strings.TrimSpace(req.RuleType), req.Rule, false)
	if err != nil {
		s.respondWithStoreError(w, r, "hunt", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{
		"urls":     res.URLs,
		"debug":    res.Debug,
		"warnings": res.Warnings,
	})
}

func (s *Server) handleRunHunt(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hunts == nil {
		s.respondWithError(w, http.StatusServiceUnavailable, "hunts_unavailable", nil)
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	res, err := s.deps.Hunts.RunHunt(r.Context(), id)
	if err != nil {
		s.respondWithStoreError(w, r, "hunt", err)
		return
	}
	data := map[string]any{"queued": res.Queued, "warning": res.Warning, "debug": res.Debug}
	if res.Warning != nil {
		data["warnings"] = strings.Split(*res.Warning, "; ")
	}
	s.respondWithSuccess(w, http.StatusOK, data)
}

// -- Automations --

func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Store.ListAutomations(r.Context())
	if err != nil {
		s.respondWithStoreError(w, r, "automations", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, items)
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	a, err := s.deps.Store.GetAutomation(r.Context(), id)
	if err != nil {
		s.respondWithStoreError(w, r, "automation", err)
		return
	}
	runs, err := s.deps.Store.ListAutomationRuns(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		s.respondWithStoreError(w, r, "automation_runs", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"automation": a, "runs": runs})
}

// decodeAutomation reads a definition body and validates its graph.
func decodeAutomation(r *http.Request) (store.Automation, error) {
	var def automation.Definition
	if err := decodeBody(r, &def); err != nil {
		return store.Automation{}, err
	}
	if strings.TrimSpace(def.Name) == "" {
		return store.Automation{}, errors.New("missing_name")
	}
	switch def.TriggerType {
	case "":
		def.TriggerType = store.TriggerManual
	case store.TriggerManual, store.TriggerSchedule, store.TriggerEvent:
	default:
		return store.Automation{}, fmt.Errorf("invalid trigger_type %q", def.TriggerType)
	}
	if err := def.Graph.Validate(); err != nil {
		return store.Automation{}, fmt.Errorf("invalid graph: %w", err)
	}
	return def.Automation()
}

func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := decodeAutomation(r)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_automation", err.Error())
		return
	}
	id, err := s.deps.Store.CreateAutomation(r.Context(), a)
	if err != nil {
		s.respondWithStoreError(w, r, "automation", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	a, err := decodeAutomation(r)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_automation", err.Error())
		return
	}
	a.ID = id
	if err := s.deps.Store.UpdateAutomation(r.Context(), a); err != nil {
		s.respondWithStoreError(w, r, "automation", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := s.deps.Store.DeleteAutomation(r.Context(), id); err != nil {
		s.respondWithStoreError(w, r, "automation", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

type runAutomationRequest struct {
	DryRun  bool           `json:"dry_run"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Automations == nil {
		s.respondWithError(w, http.StatusServiceUnavailable, "automations_unavailable", nil)
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	var req runAutomationRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	// The query flag mirrors the body for clients that post no body.
	if v, err := strconv.ParseBool(r.URL.Query().Get("dry_run")); err == nil && v {
		req.DryRun = true
	}
	event := strings.TrimSpace(req.Event)
	if event == "" {
		event = "manual"
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	outcome, err := s.deps.Automations.RunAutomationByID(r.Context(), id, event, req.Payload, req.DryRun)
	if errors.Is(err, automation.ErrAutomationNotFound) {
		s.respondWithError(w, http.StatusNotFound, automation.ReasonAutomationNotFound, nil)
		return
	}
	if err != nil {
		s.respondWithStoreError(w, r, "automation", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, outcome)
}

type automationEventRequest struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleAutomationEvent(w http.ResponseWriter, r *http.Request) {
	var req automationEventRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	event := strings.TrimSpace(req.Event)
	if event == "" {
		s.respondWithError(w, http.StatusBadRequest, automation.ReasonMissingEvent, nil)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	id, err := s.deps.Store.CreateJob(r.Context(), store.JobAutomationEvent, store.Payload{"event": event, "payload": req.Payload})
	if err != nil {
		s.respondWithStoreError(w, r, "job", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"job_id": id})
}

// -- Settings --

type settingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		s.respondWithError(w, http.StatusServiceUnavailable, "settings_unavailable", nil)
		return
	}
	items, err := s.deps.Settings.List(r.Context())
	if err != nil {
		s.respondWithStoreError(w, r, "settings", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, items)
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		s.respondWithError(w, http.StatusServiceUnavailable, "settings_unavailable", nil)
		return
	}
	var req settingRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		s.respondWithError(w, http.StatusBadRequest, "missing_key", nil)
		return
	}
	if err := s.deps.Settings.Set(r.Context(), key, req.Value); err != nil {
		s.respondWithStoreError(w, r, "setting", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"key": key, "saved": true})
}
