// internal/llmclient/chat_client.go
package llmclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var defaultChatBase = map[string]string{
	ProviderOllama: "http://localhost:11434",
	ProviderOpenAI: "https://api.openai.com",
}

var defaultChatModel = map[string]string{
	ProviderOllama: "llama3.1",
	ProviderOpenAI: "gpt-4o-mini",
}

// ChatClient speaks the OpenAI-compatible chat completions protocol, which
// both OpenAI and Ollama serve.
type ChatClient struct {
	provider       string
	apiKey         string
	endpoint       string
	model          string
	httpClient     *http.Client
	logger         *zap.Logger
	backoffFactory func() backoff.BackOff
}

// -- Chat API Request/Response Structures --
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewChatClient initializes the client. Ollama runs locally and needs no key.
func NewChatClient(provider string, opts Options, logger *zap.Logger) (*ChatClient, error) {
	if provider == ProviderOpenAI && opts.APIKey == "" && opts.Endpoint == "" {
		return nil, fmt.Errorf("OpenAI API Key is required")
	}

	endpoint := chatEndpoint(opts.Endpoint, defaultChatBase[provider])
	model := opts.Model
	if model == "" || strings.HasPrefix(model, "gemini") {
		model = defaultChatModel[provider]
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	return &ChatClient{
		provider:   provider,
		apiKey:     opts.APIKey,
		endpoint:   endpoint,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("llm_client." + provider),
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = time.Minute
			b.MaxInterval = 10 * time.Second
			return b
		},
	}, nil
}

// chatEndpoint accepts a bare base URL or a full completions URL.
func chatEndpoint(configured, fallback string) string {
	base := strings.TrimRight(strings.TrimSpace(configured), "/")
	if base == "" {
		base = fallback
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Generate sends the prompts and returns the first choice, retrying transient
// failures.
func (c *ChatClient) Generate(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	var content string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var payload chatResponse
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(payload.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("%s API returned no choices", c.provider))
		}

		c.logger.Debug("LLM generation complete",
			zap.String("provider", c.provider),
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", payload.Usage.PromptTokens),
			zap.Int("completion_tokens", payload.Usage.CompletionTokens),
		)
		content = payload.Choices[0].Message.Content
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", err
	}
	return content, nil
}

func (c *ChatClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Warn("LLM API returned error status", zap.Int("status", statusCode), zap.ByteString("response", body))
	err := fmt.Errorf("%s API error: status %d, body: %s", c.provider, statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusBadGateway:
		return err // Transient errors, retry.
	default:
		return backoff.Permanent(err)
	}
}
