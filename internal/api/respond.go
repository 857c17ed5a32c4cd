package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 20

// Envelope is the shape of every JSON response.
type Envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Message string `json:"message"`
	Detail  any    `json:"detail"`
}

func (s *Server) respondWithSuccess(w http.ResponseWriter, statusCode int, data any) {
	s.writeEnvelope(w, statusCode, Envelope{OK: true, Data: data})
}

func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string, detail any) {
	s.writeEnvelope(w, statusCode, Envelope{Error: &ErrorBody{Message: message, Detail: detail}})
}

// respondWithStoreError maps store.ErrNotFound to 404 and everything else to 500.
func (s *Server) respondWithStoreError(w http.ResponseWriter, r *http.Request, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.respondWithError(w, http.StatusNotFound, what+"_not_found", nil)
		return
	}
	s.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.String("resource", what), zap.Error(err))
	s.respondWithError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func (s *Server) writeEnvelope(w http.ResponseWriter, statusCode int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// decodeBody reads a JSON request body into dst. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
