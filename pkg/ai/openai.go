package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gradeflow/gradeflow-api/pkg/faults"
)

// OpenAIConfig defines configuration options for the OpenAI grader.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIGrader implements Grader against the OpenAI chat completion API.
type OpenAIGrader struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIGrader builds a grader using the provided configuration.
func NewOpenAIGrader(cfg OpenAIConfig) (*OpenAIGrader, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &OpenAIGrader{
		client: openai.NewClientWithConfig(openai.DefaultConfig(cfg.APIKey)),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/gradeflow/gradeflow-api/pkg/ai/openai"),
		logger: logger,
	}, nil
}

// Grade sends the grading request to OpenAI and parses the verdict.
func (g *OpenAIGrader) Grade(parent context.Context, input GradingInput) (Verdict, error) {
	ctx, span := g.tracer.Start(parent, "openai.grade", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.String("question_id", input.QuestionID),
	))
	defer span.End()

	request := openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: graderSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildGradingPrompt(input),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, request)
	gradingDuration.WithLabelValues("openai", g.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		gradingFailures.WithLabelValues("openai", g.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return Verdict{}, faults.Wrap(faults.KindRateLimited, "grading service rate limited", err)
		}
		return Verdict{}, fmt.Errorf("openai grade: %w", err)
	}

	if len(resp.Choices) == 0 {
		err := fmt.Errorf("no choices returned from openai")
		gradingFailures.WithLabelValues("openai", g.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Verdict{}, err
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	verdict, err := parseVerdict(content)
	if err != nil {
		gradingFailures.WithLabelValues("openai", g.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Verdict{}, err
	}

	return verdict, nil
}
