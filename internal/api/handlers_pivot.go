package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/providers"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

const minHashLen = 4

// -- Pivots --

type hashPivot struct {
	Local   []store.Asset `json:"local"`
	URLScan []string      `json:"urlscan"`
	Warning *string       `json:"warning"`
}

// handlePivotHash finds assets sharing an md5/sha256, locally and on urlscan.
func (s *Server) handlePivotHash(w http.ResponseWriter, r *http.Request) {
	value := strings.TrimSpace(r.URL.Query().Get("value"))
	if len(value) < minHashLen {
		s.respondWithError(w, http.StatusBadRequest, "invalid_value", fmt.Sprintf("at least %d characters", minHashLen))
		return
	}
	local, err := s.deps.Store.FindAssetsByHash(r.Context(), value, queryInt(r, "limit", 200))
	if err != nil {
		s.respondWithStoreError(w, r, "assets", err)
		return
	}
	out := hashPivot{Local: local, URLScan: []string{}}
	if s.deps.Search != nil {
		urls, warn := s.deps.Search.URLScanSearchVerbose(r.Context(), fmt.Sprintf(`hash:"%s"`, value))
		if urls != nil {
			out.URLScan = urls
		}
		out.Warning = store.StrPtr(warn)
	}
	s.respondWithSuccess(w, http.StatusOK, out)
}

// handlePivotTarget finds targets sharing one fingerprint value.
func (s *Server) handlePivotTarget(w http.ResponseWriter, r *http.Request) {
	s.pivotTargets(w, r, r.URL.Query().Get("field"), r.URL.Query().Get("value"))
}

func (s *Server) handleReverseIP(w http.ResponseWriter, r *http.Request) {
	s.pivotTargets(w, r, "ip", r.URL.Query().Get("ip"))
}

func (s *Server) pivotTargets(w http.ResponseWriter, r *http.Request, field, value string) {
	field, value = strings.TrimSpace(field), strings.TrimSpace(value)
	if value == "" {
		s.respondWithError(w, http.StatusBadRequest, "missing_value", nil)
		return
	}
	local, err := s.deps.Store.FindTargetsByField(r.Context(), field, value, queryInt(r, "limit", 200))
	if errors.Is(err, store.ErrUnsupportedField) {
		s.respondWithError(w, http.StatusBadRequest, "unsupported_field", store.PivotFields())
		return
	}
	if err != nil {
		s.respondWithStoreError(w, r, "targets", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"local": local})
}

type fofaPivot struct {
	Results []string `json:"results"`
	Query   string   `json:"query,omitempty"`
	Warning *string  `json:"warning"`
}

// handlePivotFOFA builds a field-specific FOFA query and runs it.
func (s *Server) handlePivotFOFA(w http.ResponseWriter, r *http.Request) {
	value := strings.TrimSpace(r.URL.Query().Get("value"))
	if value == "" {
		s.respondWithError(w, http.StatusBadRequest, "missing_value", nil)
		return
	}
	query, ok := providers.FOFAPivotQuery(r.URL.Query().Get("field"), value)
	if !ok {
		s.respondWithSuccess(w, http.StatusOK, fofaPivot{Results: []string{}, Warning: store.StrPtr(providers.WarnUnsupportedField)})
		return
	}
	if s.deps.Search == nil {
		s.respondWithError(w, http.StatusServiceUnavailable, "search_unavailable", nil)
		return
	}
	results, warn := s.deps.Search.FOFASearch(r.Context(), query)
	if results == nil {
		results = []string{}
	}
	s.respondWithSuccess(w, http.StatusOK, fofaPivot{Results: results, Query: query, Warning: store.StrPtr(warn)})
}

// -- Local search --

type localSearch struct {
	Local   []store.Target `json:"local"`
	Remote  []string       `json:"remote"`
	Warning *string        `json:"warning"`
}

// handleSearchTargets searches scanned targets, and urlscan.io when a free-text
// query or domain is given.
func (s *Server) handleSearchTargets(w http.ResponseWriter, r *http.Request) {
	var req store.TargetSearch
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	local, err := s.deps.Store.SearchTargets(r.Context(), req)
	if err != nil {
		s.respondWithStoreError(w, r, "targets", err)
		return
	}
	out := localSearch{Local: local, Remote: []string{}}

	remoteQuery := strings.TrimSpace(req.Query)
	if remoteQuery == "" {
		remoteQuery = strings.TrimSpace(req.Domain)
	}
	if remoteQuery != "" && s.deps.Search != nil {
		urls, warn := s.deps.Search.URLScanSearchVerbose(r.Context(), remoteQuery)
		if urls != nil {
			out.Remote = urls
		}
		out.Warning = store.StrPtr(warn)
	}
	s.respondWithSuccess(w, http.StatusOK, out)
}

// -- Lab --

// handleTargetScreenshot serves the stored screenshot PNG of a target.
func (s *Server) handleTargetScreenshot(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	target, err := s.deps.Store.GetTarget(r.Context(), id)
	if err != nil {
		s.respondWithStoreError(w, r, "target", err)
		return
	}
	if target.ScreenshotPath == nil || *target.ScreenshotPath == "" {
		s.respondWithError(w, http.StatusNotFound, "screenshot_not_found", nil)
		return
	}
	data, err := os.ReadFile(*target.ScreenshotPath)
	if err != nil {
		s.logger.Warn("Stored screenshot unreadable", zap.Int64("target_id", id), zap.String("path", *target.ScreenshotPath), zap.Error(err))
		s.respondWithError(w, http.StatusNotFound, "screenshot_not_found", nil)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
