package perception

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"recall/internal/logging"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiConfig holds configuration for Gemini client.
type GeminiConfig struct {
	APIKey string
	Model  string
	Retry  RetryPolicy
	Logger *zap.Logger
}

// contentGenerator is the slice of genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient samples continuations through google.golang.org/genai. The
// prefill is sent as a trailing model-role turn.
type GeminiClient struct {
	models contentGenerator
	model  string
	retry  RetryPolicy
	logger *zap.Logger
}

// NewGeminiClient creates a Gemini client backed by the Gemini API.
func NewGeminiClient(ctx context.Context, config GeminiConfig) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if config.Model == "" {
		config.Model = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return newGeminiClient(client.Models, config), nil
}

func newGeminiClient(models contentGenerator, config GeminiConfig) *GeminiClient {
	return &GeminiClient{
		models: models,
		model:  config.Model,
		retry:  config.Retry,
		logger: logging.For(config.Logger, logging.CategoryAPI).With(zap.String("provider", string(ProviderGemini))),
	}
}

// Model returns the configured model.
func (c *GeminiClient) Model() string {
	return c.model
}

// Sample requests one continuation of prefix with deterministic sampling.
// API errors other than 429 in the 4xx range are not retried.
func (c *GeminiClient) Sample(ctx context.Context, prefix string, maxTokens int) Sample {
	contents := []*genai.Content{genai.NewContentFromText(ContinuationInstruction, genai.RoleUser)}
	if fill := Prefill(prefix); fill != "" {
		contents = append(contents, genai.NewContentFromText(fill, genai.RoleModel))
	}
	genConfig := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0),
		TopK:            genai.Ptr[float32](1),
		MaxOutputTokens: int32(maxTokens),
	}

	return sampleWithRetry(ctx, c.retry, c.logger, func(ctx context.Context) (Sample, error) {
		startTime := time.Now()
		resp, err := c.models.GenerateContent(ctx, c.model, contents, genConfig)
		if err != nil {
			return Sample{}, classifyGenAIError(err)
		}

		text, ok := firstText(resp)
		if !ok {
			c.logger.Warn("response carried no text segment", zap.String("response_id", responseID(resp)))
			return Absent(), nil
		}
		c.logger.Debug("sample received",
			zap.String("response_id", resp.ResponseID),
			zap.Int("max_tokens", maxTokens),
			zap.Int("response_len", len(text)),
			zap.Duration("elapsed", time.Since(startTime)))
		return NewSample(text, resp.ResponseID), nil
	})
}

// classifyGenAIError marks client errors other than rate limiting as
// permanent.
func classifyGenAIError(err error) error {
	wrapped := fmt.Errorf("generate content: %w", err)
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
		return backoff.Permanent(wrapped)
	}
	return wrapped
}

func responseID(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	return resp.ResponseID
}

// firstText concatenates the non-thought text parts of the first candidate.
func firstText(resp *genai.GenerateContentResponse) (string, bool) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", false
	}
	var sb strings.Builder
	found := false
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		sb.WriteString(part.Text)
		found = true
	}
	return sb.String(), found
}
