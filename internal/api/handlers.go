package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/store"
)

const maxBulkURLs = 200

// -- Job submission --

type scanRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	u := strings.TrimSpace(req.URL)
	if u == "" {
		s.respondWithError(w, http.StatusBadRequest, "missing_url", nil)
		return
	}
	id, err := s.deps.Store.CreateJob(r.Context(), store.JobScan, store.Payload{"url": u})
	if err != nil {
		s.respondWithStoreError(w, r, "job", err)
		return
	}
	s.logger.Info("Scan queued", zap.Int64("job_id", id), zap.String("url", u))
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"queued": []int64{id}})
}

type bulkScanRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) handleBulkScan(w http.ResponseWriter, r *http.Request) {
	var req bulkScanRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	queued := []int64{}
	for _, u := range req.URLs {
		if len(queued) >= maxBulkURLs {
			break
		}
		if u = strings.TrimSpace(u); u == "" {
			continue
		}
		id, err := s.deps.Store.CreateJob(r.Context(), store.JobScan, store.Payload{"url": u})
		if err != nil {
			s.respondWithStoreError(w, r, "job", err)
			return
		}
		queued = append(queued, id)
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"queued": queued})
}

type spiderRequest struct {
	URL        string `json:"url"`
	MaxPages   *int   `json:"max_pages"`
	MaxDepth   *int   `json:"max_depth"`
	UseSitemap *bool  `json:"use_sitemap"`
}

func (s *Server) handleSpider(w http.ResponseWriter, r *http.Request) {
	var req spiderRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	u := strings.TrimSpace(req.URL)
	if u == "" {
		s.respondWithError(w, http.StatusBadRequest, "missing_url", nil)
		return
	}
	maxPages, maxDepth, sitemap := 200, 2, true
	if req.MaxPages != nil {
		maxPages = *req.MaxPages
	}
	if req.MaxDepth != nil {
		maxDepth = *req.MaxDepth
	}
	if req.UseSitemap != nil {
		sitemap = *req.UseSitemap
	}
	if maxPages < 1 || maxPages > 2000 {
		s.respondWithError(w, http.StatusBadRequest, "invalid_max_pages", "must be between 1 and 2000")
		return
	}
	if maxDepth < 0 || maxDepth > 6 {
		s.respondWithError(w, http.StatusBadRequest, "invalid_max_depth", "must be between 0 and 6")
		return
	}
	useSitemap := "0"
	if sitemap {
		useSitemap = "1"
	}

	id, err := s.deps.Store.CreateJob(r.Context(), store.JobSpider, store.Payload{
		"url":         u,
		"max_pages":   maxPages,
		"max_depth":   maxDepth,
		"use_sitemap": useSitemap,
	})
	if err != nil {
		s.respondWithStoreError(w, r, "job", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"job_id": id})
}

// -- Jobs administration --

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Store.ListJobs(r.Context(), queryInt(r, "limit", 200))
	if err != nil {
		s.respondWithStoreError(w, r, "jobs", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, jobs)
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	ctx := r.Context()

	switch action := chi.URLParam(r, "action"); action {
	case "stop", "skip":
		status, reason := store.StatusStopped, "user_stop"
		if action == "skip" {
			status, reason = store.StatusSkipped, "user_skip"
		}
		if err := s.deps.Store.UpdateJobStatus(ctx, id, status, &reason); err != nil {
			s.respondWithStoreError(w, r, "job", err)
			return
		}
		s.respondWithSuccess(w, http.StatusOK, map[string]any{"id": id, "status": status})
	case "requeue":
		if err := s.deps.Store.RequeueJob(ctx, id); err != nil {
			s.respondWithStoreError(w, r, "job", err)
			return
		}
		s.respondWithSuccess(w, http.StatusOK, map[string]any{"id": id, "status": store.StatusQueued})
	case "remove":
		if err := s.deps.Store.DeleteJob(ctx, id); err != nil {
			s.respondWithStoreError(w, r, "job", err)
			return
		}
		s.respondWithSuccess(w, http.StatusOK, map[string]any{"id": id, "removed": true})
	default:
		s.respondWithError(w, http.StatusNotFound, "unknown_job_action", action)
	}
}

// -- Targets --

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.deps.Store.ListTargets(r.Context(), queryInt(r, "limit", 200))
	if err != nil {
		s.respondWithStoreError(w, r, "targets", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, targets)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
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
	indicators, err := s.deps.Store.ListIndicators(r.Context(), id)
	if err != nil {
		s.respondWithStoreError(w, r, "indicators", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"target": target, "indicators": indicators})
}

// handleTargetDOM serves the stored HTML snapshot as plain text so it never renders.
func (s *Server) handleTargetDOM(w http.ResponseWriter, r *http.Request) {
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
	if target.HTMLPath == nil || *target.HTMLPath == "" {
		s.respondWithError(w, http.StatusNotFound, "dom_not_found", nil)
		return
	}
	data, err := os.ReadFile(*target.HTMLPath)
	if err != nil {
		s.logger.Warn("Stored DOM unreadable", zap.Int64("target_id", id), zap.String("path", *target.HTMLPath), zap.Error(err))
		s.respondWithError(w, http.StatusNotFound, "dom_not_found", nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := s.deps.Store.DeleteTarget(r.Context(), id); err != nil {
		s.respondWithStoreError(w, r, "target", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// -- Intelligence read side --

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.deps.Store.ListCampaigns(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.respondWithStoreError(w, r, "campaigns", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, campaigns)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Store.ListGraph(r.Context(), queryInt(r, "limit", 500))
	if err != nil {
		s.respondWithStoreError(w, r, "graph", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, g)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.deps.Store.ListAlerts(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.respondWithStoreError(w, r, "alerts", err)
		return
	}
	s.respondWithSuccess(w, http.StatusOK, alerts)
}
