package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	anthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion  = "2023-06-01"
)

// AnthropicConfig defines configuration options for the Anthropic evaluator.
type AnthropicConfig struct {
	APIKey     string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// AnthropicEvaluator implements Evaluator against the Anthropic Messages API.
// The vendor has no official Go SDK, so the wire format is spoken directly.
type AnthropicEvaluator struct {
	cfg    AnthropicConfig
	client *http.Client
	tracer trace.Tracer
	logger zerolog.Logger
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage map[string]interface{} `json:"usage"`
}

// NewAnthropicEvaluator builds a new evaluator using the provided configuration.
func NewAnthropicEvaluator(cfg AnthropicConfig) (*AnthropicEvaluator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &AnthropicEvaluator{
		cfg:    cfg,
		client: client,
		tracer: otel.Tracer("github.com/citu-stde/stde-api/pkg/ai/anthropic"),
		logger: logger,
	}, nil
}

// Evaluate sends the document to Anthropic and parses the structured assessment.
func (e *AnthropicEvaluator) Evaluate(parent context.Context, input EvaluationInput) (EvaluationResult, error) {
	ctx, span := e.tracer.Start(parent, "anthropic.evaluate", trace.WithAttributes(
		attribute.String("model", e.cfg.Model),
		attribute.String("filename", input.Filename),
	))
	defer span.End()

	start := time.Now()
	resp, err := e.complete(ctx, anthropicRequest{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System:    evaluatorSystemPrompt(),
		Messages: []anthropicMessage{
			{Role: "user", Content: buildUserPrompt(input)},
		},
	})
	aiDuration.WithLabelValues(e.cfg.Model, "evaluate").Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues(e.cfg.Model, "evaluate").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return EvaluationResult{}, err
	}

	result, err := parseEvaluationResponse(extractJSONObject(resp.text()))
	if err != nil {
		aiFailures.WithLabelValues(e.cfg.Model, "evaluate").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return EvaluationResult{}, err
	}

	result.Raw = map[string]interface{}{
		"usage": resp.Usage,
	}

	return result, nil
}

// IsTestingDocument asks the model to classify whether the content is software
// test documentation. Any provider failure resolves to true.
func (e *AnthropicEvaluator) IsTestingDocument(parent context.Context, content string) (bool, error) {
	ctx, span := e.tracer.Start(parent, "anthropic.classify", trace.WithAttributes(
		attribute.String("model", e.cfg.Model),
	))
	defer span.End()

	start := time.Now()
	resp, err := e.complete(ctx, anthropicRequest{
		Model:     e.cfg.Model,
		MaxTokens: 8,
		System: "You are a strict classifier. Answer with exactly YES if the text is software testing documentation " +
			"(test plans, test cases, test reports, QA procedures) and exactly NO otherwise.",
		Messages: []anthropicMessage{
			{Role: "user", Content: truncateContent(content)},
		},
	})
	aiDuration.WithLabelValues(e.cfg.Model, "classify").Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues(e.cfg.Model, "classify").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn().Err(err).Msg("document classifier unavailable, letting the document through")
		return true, nil
	}

	answer := strings.ToUpper(strings.TrimSpace(resp.text()))
	return !strings.HasPrefix(answer, "NO"), nil
}

func (e *AnthropicEvaluator) complete(ctx context.Context, payload anthropicRequest) (anthropicResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return anthropicResponse{}, fmt.Errorf("anthropic marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicEndpoint, bytes.NewReader(body))
	if err != nil {
		return anthropicResponse{}, fmt.Errorf("anthropic build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := e.client.Do(req)
	if err != nil {
		return anthropicResponse{}, fmt.Errorf("anthropic request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return anthropicResponse{}, fmt.Errorf("anthropic read response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return anthropicResponse{}, fmt.Errorf("anthropic evaluate: %w", ErrRateLimited)
	case httpResp.StatusCode != http.StatusOK:
		return anthropicResponse{}, fmt.Errorf("anthropic status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return anthropicResponse{}, fmt.Errorf("anthropic decode response: %w", err)
	}
	if len(resp.Content) == 0 {
		return anthropicResponse{}, fmt.Errorf("anthropic returned no content blocks")
	}

	return resp, nil
}

func (r anthropicResponse) text() string {
	builder := strings.Builder{}
	for _, block := range r.Content {
		if block.Type == "text" {
			builder.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(builder.String())
}

// extractJSONObject trims prose the model sometimes wraps around the JSON body.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
