// Package settings resolves runtime settings (provider credentials, feature toggles)
// from the database with an environment-variable fallback.
package settings

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/xkilldash9x/scamhunter/internal/store"
	"go.uber.org/zap"
)

// Well-known keys.
const (
	FOFAEmail            = "FOFA_EMAIL"
	FOFAKey              = "FOFA_KEY"
	URLScanKey           = "URLSCAN_KEY"
	SerpAPIKey           = "SERPAPI_KEY"
	BlockcypherToken     = "BLOCKCYPHER_TOKEN"
	AIKey                = "AI_KEY"
	AIProvider           = "AI_PROVIDER"
	AIEndpoint           = "AI_ENDPOINT"
	AIModel              = "AI_MODEL"
	RemoteFaviconEnabled = "REMOTE_FAVICON_ENABLED"
	TAXIIURL             = "TAXII_URL"
	TAXIICollection      = "TAXII_COLLECTION"
	TAXIIAPIKey          = "TAXII_API_KEY"
)

// Reader is what consumers depend on.
type Reader interface {
	Value(ctx context.Context, key, def string) string
}

// Backend is the persisted key/value store.
type Backend interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) ([]store.Setting, error)
}

// Store layers env fallback and secret masking over a Backend.
type Store struct {
	backend Backend
	logger  *zap.Logger
	getenv  func(string) string
}

// New creates a settings store.
func New(backend Backend, logger *zap.Logger) *Store {
	return &Store{backend: backend, logger: logger.Named("settings"), getenv: os.Getenv}
}

// Value returns the persisted value when non-empty, else the environment variable
// named key when non-empty, else def. Backend failures degrade to the fallback.
func (s *Store) Value(ctx context.Context, key, def string) string {
	if s.backend != nil {
		v, err := s.backend.GetSetting(ctx, key)
		switch {
		case err == nil && strings.TrimSpace(v) != "":
			return v
		case err != nil && !errors.Is(err, store.ErrNotFound):
			s.logger.Warn("Settings lookup failed, falling back to environment", zap.String("key", key), zap.Error(err))
		}
	}
	if v := s.getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// Set persists a value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.backend.SetSetting(ctx, strings.TrimSpace(key), value)
}

// List returns persisted settings with secret values masked.
func (s *Store) List(ctx context.Context) ([]store.Setting, error) {
	all, err := s.backend.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if IsSecret(all[i].Key) {
			all[i].Value = Mask(all[i].Value)
		}
	}
	return all, nil
}

// IsSecret reports whether the key names a credential.
func IsSecret(key string) bool {
	k := strings.ToUpper(key)
	for _, suffix := range []string{"KEY", "TOKEN", "PASSWORD", "SECRET"} {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}

// Mask keeps the last four characters of values longer than eight.
func Mask(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "****"
	}
	return strings.Repeat("*", len(v)-4) + v[len(v)-4:]
}

// Static is a fixed map Reader, handy for tests and one-off CLI runs.
type Static map[string]string

// Value implements Reader.
func (m Static) Value(_ context.Context, key, def string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return def
}
