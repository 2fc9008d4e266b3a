// Package extraction talks to the OCR/structured-extraction service. A
// document and a page schema go in, the job is polled with bounded
// exponential backoff, and validated structured JSON comes out.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/gradeflow/gradeflow-api/pkg/faults"
)

var (
	extractionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gradeflow",
		Subsystem: "extraction",
		Name:      "duration_seconds",
		Help:      "Duration of extraction jobs from submit to final status",
	}, []string{"schema"})

	extractionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gradeflow",
		Subsystem: "extraction",
		Name:      "failures_total",
		Help:      "Number of extraction jobs that did not complete",
	}, []string{"schema", "kind"})
)

// Status is the extraction job state as reported by the service.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Document is a PDF to be extracted.
type Document struct {
	Name string
	Data []byte
}

// Job identifies a submitted extraction request.
type Job struct {
	RequestID string
	CheckURL  string
}

// PollResult is one observation of a job's state.
type PollResult struct {
	State   Status
	Reason  string
	Payload json.RawMessage
}

// Config holds the extraction client settings.
type Config struct {
	BaseURL             string
	APIKey              string
	HTTPClient          *http.Client
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	PollMaxAttempts     uint64
	Logger              zerolog.Logger
}

// Client submits documents and polls jobs against the extraction service.
// Network calls are its only side effect.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// New builds an extraction client. The API key is mandatory; everything
// else has workable defaults.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("extraction api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.datalab.to/api/v1/marker"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.PollInitialInterval <= 0 {
		cfg.PollInitialInterval = 2 * time.Second
	}
	if cfg.PollMaxInterval <= 0 {
		cfg.PollMaxInterval = 30 * time.Second
	}
	if cfg.PollMaxAttempts == 0 {
		cfg.PollMaxAttempts = 150
	}

	return &Client{
		cfg:    cfg,
		http:   cfg.HTTPClient,
		logger: cfg.Logger.With().Str("component", "extraction_client").Logger(),
	}, nil
}

// httpStatusFault classifies a non-2xx response before its body is trusted.
// Rate limits and server-side errors are transient and get retried by the
// orchestrator; other client errors are final.
func httpStatusFault(scope string, statusCode int) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return faults.Newf(faults.KindRateLimited, "extraction service rate limited %s", scope)
	case statusCode >= http.StatusInternalServerError:
		// Untyped on purpose: gateway hiccups classify as transient.
		return fmt.Errorf("extraction service unavailable: %s returned HTTP %d", scope, statusCode)
	case statusCode >= http.StatusBadRequest:
		return faults.Newf(faults.KindExtractionFailed, "%s rejected with HTTP %d", scope, statusCode)
	default:
		return nil
	}
}

type submitResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
	CheckURL  string `json:"request_check_url"`
}

type statusResponse struct {
	Status         string `json:"status"`
	Error          string `json:"error"`
	ExtractionJSON string `json:"extraction_schema_json"`
}

// Submit uploads the document with the page schema and returns a pollable
// job handle.
func (c *Client) Submit(ctx context.Context, doc Document, schema Schema) (Job, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", doc.Name)
	if err != nil {
		return Job{}, fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(doc.Data); err != nil {
		return Job{}, fmt.Errorf("write file part: %w", err)
	}

	fields := map[string]string{
		"page_schema":   schema.Definition,
		"output_format": "json",
		"use_llm":       "true",
		"force_ocr":     "true",
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return Job{}, fmt.Errorf("write field %s: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return Job{}, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, body)
	if err != nil {
		return Job{}, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Job{}, fmt.Errorf("submit document: %w", err)
	}
	defer resp.Body.Close()

	if err := httpStatusFault("submit", resp.StatusCode); err != nil {
		return Job{}, err
	}

	var payload submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Job{}, faults.Wrap(faults.KindExtractionFailed, "malformed submit response", err)
	}
	if !payload.Success || payload.CheckURL == "" {
		return Job{}, faults.Newf(faults.KindExtractionFailed, "submit rejected: %s", payload.Error)
	}

	c.logger.Debug().Str("document", doc.Name).Str("schema", schema.Name).Str("request_id", payload.RequestID).Msg("extraction job submitted")

	return Job{RequestID: payload.RequestID, CheckURL: payload.CheckURL}, nil
}

// Poll fetches the current state of a job.
func (c *Client) Poll(ctx context.Context, job Job) (PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.CheckURL, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("build poll request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("poll job %s: %w", job.RequestID, err)
	}
	defer resp.Body.Close()

	if err := httpStatusFault("poll", resp.StatusCode); err != nil {
		return PollResult{}, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return PollResult{}, fmt.Errorf("read poll response: %w", err)
	}

	var payload statusResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return PollResult{}, faults.Wrap(faults.KindExtractionFailed, "malformed poll response", err)
	}

	switch payload.Status {
	case "complete":
		return PollResult{State: StatusComplete, Payload: json.RawMessage(payload.ExtractionJSON)}, nil
	case "error":
		return PollResult{State: StatusFailed, Reason: payload.Error}, nil
	default:
		return PollResult{State: StatusPending}, nil
	}
}

var errStillPending = errors.New("extraction still pending")

// Extract submits the document and polls until the job completes, fails, or
// the attempt budget runs out. The returned payload has already been
// validated against the schema.
func (c *Client) Extract(ctx context.Context, doc Document, schema Schema) (json.RawMessage, error) {
	start := time.Now()
	payload, err := c.extract(ctx, doc, schema)
	extractionDuration.WithLabelValues(schema.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		extractionFailures.WithLabelValues(schema.Name, string(faults.KindOf(err))).Inc()
	}
	return payload, err
}

func (c *Client) extract(ctx context.Context, doc Document, schema Schema) (json.RawMessage, error) {
	job, err := c.Submit(ctx, doc, schema)
	if err != nil {
		return nil, err
	}

	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = c.cfg.PollInitialInterval
	poll.MaxInterval = c.cfg.PollMaxInterval
	poll.MaxElapsedTime = 0

	var payload json.RawMessage
	operation := func() error {
		result, err := c.Poll(ctx, job)
		if err != nil {
			if faults.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		switch result.State {
		case StatusComplete:
			payload = result.Payload
			return nil
		case StatusFailed:
			return backoff.Permanent(faults.Newf(faults.KindExtractionFailed, "extraction job failed: %s", result.Reason))
		default:
			return errStillPending
		}
	}

	err = backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(poll, ctx), c.cfg.PollMaxAttempts))
	if err != nil {
		if errors.Is(err, errStillPending) {
			return nil, faults.Newf(faults.KindExtractionTimeout, "job %s still pending after %d polls", job.RequestID, c.cfg.PollMaxAttempts+1)
		}
		return nil, err
	}

	if err := validatePayload(payload, schema); err != nil {
		return nil, err
	}

	c.logger.Debug().Str("document", doc.Name).Str("schema", schema.Name).Msg("extraction complete")

	return payload, nil
}

func validatePayload(payload json.RawMessage, schema Schema) error {
	if len(payload) == 0 {
		return faults.New(faults.KindExtractionFailed, "extraction returned an empty payload")
	}

	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return faults.Wrap(faults.KindExtractionFailed, "extraction payload is not valid JSON", err)
	}
	if err := schema.compiled.Validate(decoded); err != nil {
		return faults.Wrap(faults.KindExtractionFailed, "extraction payload does not match schema", err)
	}
	return nil
}
