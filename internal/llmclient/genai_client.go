// internal/llmclient/genai_client.go
package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GenAIClient talks to Gemini through the official SDK.
type GenAIClient struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGenAIClient initializes the SDK client. Endpoint overrides the API base
// URL, which is how tests and regional gateways plug in.
func NewGenAIClient(ctx context.Context, opts Options, logger *zap.Logger) (*GenAIClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	if opts.Model == "" {
		opts.Model = "gemini-2.5-flash"
	}

	cc := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: opts.Timeout},
	}
	if opts.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GenAIClient{
		client: client,
		model:  opts.Model,
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

// Generate asks for a JSON reply at temperature zero.
func (c *GenAIClient) Generate(ctx context.Context, system, user string) (string, error) {
	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(user), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0),
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini API returned empty content")
	}

	fields := []zap.Field{zap.Duration("duration", time.Since(start))}
	if resp.UsageMetadata != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", resp.UsageMetadata.PromptTokenCount),
			zap.Int32("total_tokens", resp.UsageMetadata.TotalTokenCount))
	}
	c.logger.Debug("LLM generation complete (Gemini)", fields...)
	return text, nil
}
