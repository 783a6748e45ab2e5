package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stde",
		Subsystem: "ai",
		Name:      "evaluation_duration_seconds",
		Help:      "Duration of AI evaluation requests",
	}, []string{"model", "operation"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stde",
		Subsystem: "ai",
		Name:      "evaluation_failures_total",
		Help:      "Number of AI evaluation failures",
	}, []string{"model", "operation"})
)

// maxDocumentChars bounds the amount of extracted text sent to the model so
// oversized uploads never blow the context window.
const maxDocumentChars = 48000

// OpenAIConfig defines configuration options for the OpenAI evaluator.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIEvaluator implements Evaluator against the OpenAI chat completion API.
type OpenAIEvaluator struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIEvaluator builds a new evaluator using the provided configuration.
func NewOpenAIEvaluator(cfg OpenAIConfig) (*OpenAIEvaluator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}

	tracer := otel.Tracer("github.com/citu-stde/stde-api/pkg/ai/openai")
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	client := openai.NewClientWithConfig(config)

	return &OpenAIEvaluator{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger,
	}, nil
}

// Evaluate sends the document to OpenAI and parses the structured assessment.
func (e *OpenAIEvaluator) Evaluate(parent context.Context, input EvaluationInput) (EvaluationResult, error) {
	ctx, span := e.tracer.Start(parent, "openai.evaluate", trace.WithAttributes(
		attribute.String("model", e.cfg.Model),
		attribute.String("filename", input.Filename),
	))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: evaluatorSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildUserPrompt(input),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := e.client.CreateChatCompletion(ctx, request)
	duration := time.Since(start)
	aiDuration.WithLabelValues(e.cfg.Model, "evaluate").Observe(duration.Seconds())
	if err != nil {
		aiFailures.WithLabelValues(e.cfg.Model, "evaluate").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return EvaluationResult{}, classifyProviderError(err)
	}

	if len(resp.Choices) == 0 {
		err := fmt.Errorf("no choices returned from openai")
		aiFailures.WithLabelValues(e.cfg.Model, "evaluate").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return EvaluationResult{}, err
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	result, err := parseEvaluationResponse(content)
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
// test documentation. Any provider or parse failure resolves to true.
func (e *OpenAIEvaluator) IsTestingDocument(parent context.Context, content string) (bool, error) {
	ctx, span := e.tracer.Start(parent, "openai.classify", trace.WithAttributes(
		attribute.String("model", e.cfg.Model),
	))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		MaxTokens:   8,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "You are a strict classifier. Answer with exactly YES if the text is software testing documentation " +
					"(test plans, test cases, test reports, QA procedures) and exactly NO otherwise.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: truncateContent(content),
			},
		},
	}

	resp, err := e.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(e.cfg.Model, "classify").Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues(e.cfg.Model, "classify").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn().Err(err).Msg("document classifier unavailable, letting the document through")
		return true, nil
	}

	if len(resp.Choices) == 0 {
		return true, nil
	}

	answer := strings.ToUpper(strings.TrimSpace(resp.Choices[0].Message.Content))
	return !strings.HasPrefix(answer, "NO"), nil
}

// classifyProviderError maps transport failures into the package error
// vocabulary so callers can branch with errors.Is.
func classifyProviderError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("openai evaluate: %w", ErrRateLimited)
	}
	return fmt.Errorf("openai evaluate: %w", err)
}

func evaluatorSystemPrompt() string {
	return "You are a senior QA auditor reviewing software test documentation. Assess the document on four criteria: " +
		"completeness (are all scenarios, preconditions and expected results present), clarity (is the writing unambiguous " +
		"and actionable), consistency (do identifiers, terminology and results agree throughout), and verification " +
		"(are results traceable and evidence backed). Respond with a JSON object containing exactly these keys: " +
		"completenessScore, completenessFeedback, clarityScore, clarityFeedback, consistencyScore, consistencyFeedback, " +
		"verificationScore, verificationFeedback, overallScore, overallFeedback. Every score is an integer from 0 to 100. " +
		"Every feedback value is two to four sentences of concrete, constructive guidance."
}

func buildUserPrompt(input EvaluationInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Document\n")
	builder.WriteString(input.Filename)
	builder.WriteString("\n\n## Content\n")
	builder.WriteString(truncateContent(input.Content))
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func truncateContent(content string) string {
	if len(content) <= maxDocumentChars {
		return content
	}
	return content[:maxDocumentChars]
}

func parseEvaluationResponse(content string) (EvaluationResult, error) {
	var result EvaluationResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return EvaluationResult{}, fmt.Errorf("parse evaluation json: %w", err)
	}

	result.CompletenessScore = clampScore(result.CompletenessScore)
	result.ClarityScore = clampScore(result.ClarityScore)
	result.ConsistencyScore = clampScore(result.ConsistencyScore)
	result.VerificationScore = clampScore(result.VerificationScore)
	result.OverallScore = clampScore(result.OverallScore)

	return result, nil
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
