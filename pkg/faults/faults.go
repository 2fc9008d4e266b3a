// Package faults defines the typed failure kinds shared by the grading
// pipeline. Kinds are carried across goroutine boundaries as values rather
// than being recovered from panics, so the orchestrator can classify and
// record them per item.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a pipeline failure category.
type Kind string

const (
	// KindExtractionTimeout indicates polling the extraction service
	// exhausted the attempt budget before the job completed.
	KindExtractionTimeout Kind = "extraction_timeout"
	// KindExtractionFailed indicates the extraction service reported an
	// error or returned a malformed payload.
	KindExtractionFailed Kind = "extraction_failed"
	// KindRubricInvalid indicates the rubric cannot be normalized into a
	// usable marking scheme.
	KindRubricInvalid Kind = "rubric_invalid"
	// KindNoAnswersFound indicates a student script contained no
	// recognizable answers.
	KindNoAnswersFound Kind = "no_answers_found"
	// KindEvaluationParseFailed indicates the grading service response was
	// unparseable even after the in-process reformulation retry.
	KindEvaluationParseFailed Kind = "evaluation_parse_failed"
	// KindRunTimeout indicates the run-level deadline expired while the
	// item was still outstanding.
	KindRunTimeout Kind = "run_timeout"
	// KindRateLimited indicates an external service returned a rate-limit
	// response. Always transient.
	KindRateLimited Kind = "rate_limited"
	// KindUnknown is reported for errors that carry no Fault.
	KindUnknown Kind = "unknown"
)

// Fault pairs a failure kind with the service-reported reason and the
// underlying error, if any.
type Fault struct {
	Kind   Kind
	Reason string
	Err    error
}

func (f *Fault) Error() string {
	switch {
	case f.Reason != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
	case f.Reason != "":
		return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	default:
		return string(f.Kind)
	}
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a Fault with a reason and no underlying error.
func New(kind Kind, reason string) *Fault {
	return &Fault{Kind: kind, Reason: reason}
}

// Newf builds a Fault with a formatted reason.
func Newf(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and reason to an underlying error.
func Wrap(kind Kind, reason string, err error) *Fault {
	return &Fault{Kind: kind, Reason: reason, Err: err}
}

// KindOf reports the kind carried by err, or KindUnknown when err carries
// no Fault. Context cancellation maps to KindRunTimeout since the only
// deadline the pipeline imposes is the run-level one.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindRunTimeout
	}
	return KindUnknown
}

// Reason returns the service-reported reason carried by err, if any.
func Reason(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// IsTransient reports whether the orchestrator should retry err with
// backoff. Rate limits and extraction poll timeouts are transient, as are
// bare transport errors that carry no Fault at all. Run-level cancellation
// is never retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindRateLimited, KindExtractionTimeout:
		return true
	case KindUnknown:
		// Plain network/transport errors surface untyped.
		return true
	default:
		return false
	}
}
