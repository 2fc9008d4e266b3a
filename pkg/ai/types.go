// Package ai contains the grading-service clients. A grader receives one
// rubric question and one student answer and returns a structured, step-wise
// verdict.
package ai

import (
	"context"
	"fmt"
)

// GradingStep is one rubric step handed to the grading service.
type GradingStep struct {
	ID          int
	Description string
	MaxMarks    float64
}

// GradingInput contains everything needed to grade one answer.
type GradingInput struct {
	QuestionID      string
	QuestionText    string
	QuestionType    string
	MaxMarks        float64
	Steps           []GradingStep
	ReferenceAnswer string
	Keywords        []string
	AnswerText      string
	DiagramNotes    string
	// FormatReminder is set on the reformulation retry after an
	// unparseable reply, tightening the output-format instructions.
	FormatReminder bool
}

// StepVerdict is the grading service's award for one rubric step, before
// the engine validates it against the rubric.
type StepVerdict struct {
	StepID       int
	Description  string
	MarksAwarded float64
	MaxMarks     float64
	Feedback     string
}

// Verdict is the parsed grading response. ReportedTotal is kept only for
// audit; callers recompute totals from the step verdicts.
type Verdict struct {
	QuestionID      string
	Steps           []StepVerdict
	OverallFeedback string
	Status          string
	ReportedTotal   float64
	Raw             string
}

// Grader scores a student answer against rubric steps.
type Grader interface {
	Grade(ctx context.Context, input GradingInput) (Verdict, error)
}

// ParseError reports an unparseable grading response and carries the raw
// model output for audit and for the reformulation retry.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse grading response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
