package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"recall/internal/logging"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

// AnthropicConfig holds configuration for Anthropic client.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Retry      RetryPolicy
	HTTPClient *http.Client // optional
	Logger     *zap.Logger  // optional
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig(apiKey string) AnthropicConfig {
	return AnthropicConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.anthropic.com/v1",
		Model:   "claude-sonnet-4-5",
		Retry:   DefaultRetryPolicy(),
	}
}

// AnthropicClient samples continuations from the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	retry      RetryPolicy
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(config AnthropicConfig) *AnthropicClient {
	httpClient := config.HTTPClient
	if httpClient == nil {
		// The per-attempt context deadline is the effective timeout.
		httpClient = &http.Client{}
	}
	return &AnthropicClient{
		apiKey:     config.APIKey,
		baseURL:    config.BaseURL,
		model:      config.Model,
		retry:      config.Retry,
		httpClient: httpClient,
		logger:     logging.For(config.Logger, logging.CategoryAPI).With(zap.String("provider", string(ProviderAnthropic))),
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	TopK        int                `json:"top_k"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Model returns the configured model.
func (c *AnthropicClient) Model() string {
	return c.model
}

// Sample requests one continuation of prefix with deterministic sampling
// (temperature 0, top_k 1).
func (c *AnthropicClient) Sample(ctx context.Context, prefix string, maxTokens int) Sample {
	if c.apiKey == "" {
		c.logger.Error("API key not configured")
		return Absent()
	}

	messages := []anthropicMessage{{Role: "user", Content: ContinuationInstruction}}
	if fill := Prefill(prefix); fill != "" {
		messages = append(messages, anthropicMessage{Role: "assistant", Content: fill})
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Messages:    messages,
		Temperature: 0,
		TopK:        1,
	})
	if err != nil {
		c.logger.Error("failed to marshal request", zap.Error(err))
		return Absent()
	}

	return sampleWithRetry(ctx, c.retry, c.logger, func(ctx context.Context) (Sample, error) {
		return c.send(ctx, body, maxTokens)
	})
}

func (c *AnthropicClient) send(ctx context.Context, body []byte, maxTokens int) (Sample, error) {
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return Sample{}, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Sample{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return Sample{}, fmt.Errorf("rate limit exceeded (429)")
	case resp.StatusCode >= 500:
		// Includes 529 overloaded.
		return Sample{}, fmt.Errorf("service error (%d): %s", resp.StatusCode, string(respBody))
	default:
		return Sample{}, backoff.Permanent(fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody)))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Sample{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return Sample{}, fmt.Errorf("API error: %s", parsed.Error.Message)
	}

	texts := 0
	var text string
	for _, block := range parsed.Content {
		if block.Type != "text" {
			continue
		}
		if texts == 0 {
			text = block.Text
		}
		texts++
	}
	if texts == 0 {
		c.logger.Warn("response carried no text segment",
			zap.String("response_id", parsed.ID),
			zap.String("stop_reason", parsed.StopReason))
		return Absent(), nil
	}
	if texts > 1 {
		c.logger.Debug("response carried extra text segments; using the first", zap.Int("segments", texts))
	}

	c.logger.Debug("sample received",
		zap.String("response_id", parsed.ID),
		zap.Int("max_tokens", maxTokens),
		zap.Int("response_len", len(text)),
		zap.String("stop_reason", parsed.StopReason),
		zap.Duration("elapsed", time.Since(startTime)))
	return NewSample(text, parsed.ID), nil
}
