package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/gradeflow/gradeflow-api/pkg/faults"
)

// GeminiConfig defines configuration options for the Gemini grader.
type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int32
	Temperature float32
	Logger      zerolog.Logger
}

// GeminiGrader implements Grader against the Gemini API. Gemini replies may
// wrap the JSON verdict in a code fence, so parsing goes through the robust
// block extractor.
type GeminiGrader struct {
	client *genai.Client
	cfg    GeminiConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewGeminiGrader builds a grader backed by the Gemini API.
func NewGeminiGrader(ctx context.Context, cfg GeminiConfig) (*GeminiGrader, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiGrader{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/gradeflow/gradeflow-api/pkg/ai/gemini"),
		logger: cfg.Logger,
	}, nil
}

// Grade sends the grading request to Gemini and parses the verdict.
func (g *GeminiGrader) Grade(parent context.Context, input GradingInput) (Verdict, error) {
	ctx, span := g.tracer.Start(parent, "gemini.grade", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.String("question_id", input.QuestionID),
	))
	defer span.End()

	temperature := g.cfg.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: g.cfg.MaxTokens,
	}

	prompt := graderSystemPrompt() + "\n\n" + buildGradingPrompt(input)

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, genai.Text(prompt), config)
	gradingDuration.WithLabelValues("gemini", g.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		gradingFailures.WithLabelValues("gemini", g.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if strings.Contains(err.Error(), "429") {
			return Verdict{}, faults.Wrap(faults.KindRateLimited, "grading service rate limited", err)
		}
		return Verdict{}, fmt.Errorf("gemini grade: %w", err)
	}

	if resp == nil || strings.TrimSpace(resp.Text()) == "" {
		err := fmt.Errorf("empty response from gemini")
		gradingFailures.WithLabelValues("gemini", g.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Verdict{}, err
	}

	verdict, err := parseVerdict(resp.Text())
	if err != nil {
		gradingFailures.WithLabelValues("gemini", g.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Verdict{}, err
	}

	return verdict, nil
}
