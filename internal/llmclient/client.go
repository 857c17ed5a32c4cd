// internal/llmclient/client.go
package llmclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Provider names accepted in the AI_PROVIDER setting, after normalisation.
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Generator produces a single completion for a system/user prompt pair.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// Options selects and configures a Generator.
type Options struct {
	Provider string
	APIKey   string
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// NormalizeProvider maps the loose provider aliases operators type into one of
// the Provider constants. Empty means Gemini, the default backend.
func NormalizeProvider(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "gemini", "google":
		return ProviderGemini
	case "ollama", "local-ollama":
		return ProviderOllama
	case "openai", "openai-compatible", "openai_compatible":
		return ProviderOpenAI
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}

// NewGenerator is a factory that creates a Generator for the configured provider.
func NewGenerator(ctx context.Context, opts Options, logger *zap.Logger) (Generator, error) {
	switch provider := NormalizeProvider(opts.Provider); provider {
	case ProviderGemini:
		return NewGenAIClient(ctx, opts, logger)
	case ProviderOllama, ProviderOpenAI:
		return NewChatClient(provider, opts, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s]",
			opts.Provider, ProviderGemini, ProviderOllama, ProviderOpenAI)
	}
}
