// internal/llmclient/verifier.go
package llmclient

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/settings"
)

const verifySystemPrompt = `You verify if a regex match is a real sensitive key or crypto wallet address. Return JSON only: {"verified": true|false, "reason": "..."}.`

// verifyKeywords select the signatures worth a model round trip.
var verifyKeywords = []string{"private key", "pgp", "address", "wallet"}

// NeedsVerification reports whether a signature name is one of the high-value
// kinds that get a second opinion.
func NeedsVerification(signatureName string) bool {
	name := strings.ToLower(signatureName)
	for _, kw := range verifyKeywords {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// Verifier asks a model whether a signature hit is a real secret. The provider
// and credentials are read from settings on every call so operators can change
// them without a restart.
type Verifier struct {
	settings     settings.Reader
	cfg          config.AIConfig
	logger       *zap.Logger
	newGenerator func(ctx context.Context, opts Options, logger *zap.Logger) (Generator, error)
}

// NewVerifier creates a Verifier.
func NewVerifier(reader settings.Reader, cfg config.AIConfig, logger *zap.Logger) *Verifier {
	return &Verifier{
		settings:     reader,
		cfg:          cfg,
		logger:       logger.Named("ai_verifier"),
		newGenerator: NewGenerator,
	}
}

func (v *Verifier) options(ctx context.Context) Options {
	return Options{
		Provider: v.settings.Value(ctx, settings.AIProvider, v.cfg.Provider),
		APIKey:   v.settings.Value(ctx, settings.AIKey, ""),
		Endpoint: v.settings.Value(ctx, settings.AIEndpoint, ""),
		Model:    v.settings.Value(ctx, settings.AIModel, v.cfg.Model),
		Timeout:  v.cfg.Timeout,
	}
}

// Configured is true when a local Ollama is selected or a key or endpoint is set.
func (v *Verifier) Configured(ctx context.Context) bool {
	opts := v.options(ctx)
	return NormalizeProvider(opts.Provider) == ProviderOllama || opts.APIKey != "" || opts.Endpoint != ""
}

type verdict struct {
	Verified *bool  `json:"verified"`
	Reason   string `json:"reason"`
}

// VerifySignatureMatch returns the model's verdict. A nil verdict means the
// model could not be reached or gave an unusable answer.
func (v *Verifier) VerifySignatureMatch(ctx context.Context, name, targetField, pattern, snippet string) (*bool, string) {
	if !v.Configured(ctx) {
		return nil, "ai_not_configured"
	}

	gen, err := v.newGenerator(ctx, v.options(ctx), v.logger)
	if err != nil {
		v.logger.Warn("AI verifier unavailable", zap.Error(err))
		return nil, err.Error()
	}

	user := fmt.Sprintf("Signature: %s\nTarget: %s\nPattern: %s\nSnippet:\n%s", name, targetField, pattern, snippet)
	reply, err := gen.Generate(ctx, verifySystemPrompt, user)
	if err != nil {
		v.logger.Warn("AI verification failed", zap.String("signature", name), zap.Error(err))
		return nil, err.Error()
	}

	parsed, ok := parseVerdict(reply)
	if !ok {
		v.logger.Debug("Unparsable AI verdict", zap.String("signature", name), zap.String("reply", reply))
		return nil, "unparsable_reply"
	}
	return parsed.Verified, parsed.Reason
}

// parseVerdict tolerates code fences and chatter around the JSON object.
func parseVerdict(reply string) (verdict, bool) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end <= start {
		return verdict{}, false
	}
	var out verdict
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return verdict{}, false
	}
	if out.Verified == nil {
		return verdict{}, false
	}
	return out, true
}
