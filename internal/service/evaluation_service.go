package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gradeflow/gradeflow-api/internal/models"
	"github.com/gradeflow/gradeflow-api/pkg/ai"
	"github.com/gradeflow/gradeflow-api/pkg/faults"
)

// EvaluationService grades one student answer against one rubric question
// and validates the verdict so the result invariants hold: every awarded
// mark is capped by its step maximum and the total is the local sum of the
// steps.
type EvaluationService interface {
	Evaluate(ctx context.Context, question models.Question, answer models.StudentAnswer) (models.EvaluationResult, error)
}

type evaluationService struct {
	grader ai.Grader
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewEvaluationService constructs the evaluation engine.
func NewEvaluationService(grader ai.Grader, logger zerolog.Logger) EvaluationService {
	return &evaluationService{
		grader: grader,
		tracer: otel.Tracer("github.com/gradeflow/gradeflow-api/internal/service/evaluation"),
		logger: logger.With().Str("component", "evaluation_service").Logger(),
	}
}

func (s *evaluationService) Evaluate(ctx context.Context, question models.Question, answer models.StudentAnswer) (models.EvaluationResult, error) {
	ctx, span := s.tracer.Start(ctx, "evaluation.grade", trace.WithAttributes(
		attribute.String("student_id", answer.StudentID),
		attribute.String("question_id", question.ID),
	))
	defer span.End()

	if answer.IsBlank() {
		return blankResult(question, answer), nil
	}

	input := ai.GradingInput{
		QuestionID:      question.ID,
		QuestionText:    question.Text,
		QuestionType:    question.Type,
		MaxMarks:        question.MaxMarks,
		ReferenceAnswer: question.ReferenceAnswer,
		Keywords:        question.Keywords,
		AnswerText:      answer.GradedText(),
		DiagramNotes:    answer.DiagramNotes(),
	}
	for _, step := range question.Steps {
		input.Steps = append(input.Steps, ai.GradingStep{ID: step.ID, Description: step.Description, MaxMarks: step.MaxMarks})
	}

	verdict, err := s.grader.Grade(ctx, input)
	if err != nil {
		var parseErr *ai.ParseError
		if !errors.As(err, &parseErr) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "grading_failed")
			return models.EvaluationResult{}, err
		}

		// One in-process retry with a reformulated prompt before giving up.
		s.logger.Warn().
			Str("student_id", answer.StudentID).
			Str("question_id", question.ID).
			Msg("grading response unparseable, retrying with format reminder")

		input.FormatReminder = true
		verdict, err = s.grader.Grade(ctx, input)
		if err != nil {
			span.RecordError(err)
			if errors.As(err, &parseErr) {
				span.SetStatus(codes.Error, "grading_unparseable")
				return models.EvaluationResult{}, faults.Wrap(faults.KindEvaluationParseFailed, "grading response unparseable after retry", err)
			}
			span.SetStatus(codes.Error, "grading_failed")
			return models.EvaluationResult{}, err
		}
	}

	result := s.alignVerdict(question, answer, verdict)
	result.RawRequest = ai.RenderPrompt(input)

	span.SetAttributes(attribute.Float64("evaluation.total_awarded", result.TotalAwarded))

	return result, nil
}

// alignVerdict reconciles the service's step verdicts with the rubric:
// unknown step ids are dropped, over-max awards clamped and flagged,
// negatives zeroed, missing steps zero-filled, and the total recomputed
// locally. The reported total is never trusted.
func (s *evaluationService) alignVerdict(question models.Question, answer models.StudentAnswer, verdict ai.Verdict) models.EvaluationResult {
	byStep := make(map[int]ai.StepVerdict, len(verdict.Steps))
	for _, sv := range verdict.Steps {
		if _, ok := question.StepByID(sv.StepID); !ok {
			s.logger.Warn().
				Str("question_id", question.ID).
				Int("step_id", sv.StepID).
				Msg("grading response referenced unknown rubric step, dropping it")
			continue
		}
		if _, dup := byStep[sv.StepID]; dup {
			continue
		}
		byStep[sv.StepID] = sv
	}

	result := models.EvaluationResult{
		StudentID:       answer.StudentID,
		QuestionID:      question.ID,
		MaxMarks:        question.MaxMarks,
		OverallFeedback: verdict.OverallFeedback,
		Status:          verdict.Status,
		RawModelOutput:  verdict.Raw,
	}

	for _, step := range question.Steps {
		stepResult := models.StepResult{
			StepID:      step.ID,
			Description: step.Description,
			MaxMarks:    step.MaxMarks,
		}
		if sv, ok := byStep[step.ID]; ok {
			stepResult.MarksAwarded = sv.MarksAwarded
			stepResult.Feedback = sv.Feedback
			if stepResult.MarksAwarded > step.MaxMarks {
				stepResult.MarksAwarded = step.MaxMarks
				stepResult.Feedback = appendNote(stepResult.Feedback, "award clamped to step maximum")
			}
			if stepResult.MarksAwarded < 0 {
				stepResult.MarksAwarded = 0
				stepResult.Feedback = appendNote(stepResult.Feedback, "negative award clamped to zero")
			}
		} else {
			stepResult.Feedback = "step not addressed in grading response, no credit awarded"
		}
		result.StepResults = append(result.StepResults, stepResult)
	}

	result.RecomputeTotal()
	return result
}

func blankResult(question models.Question, answer models.StudentAnswer) models.EvaluationResult {
	result := models.EvaluationResult{
		StudentID:       answer.StudentID,
		QuestionID:      question.ID,
		MaxMarks:        question.MaxMarks,
		OverallFeedback: "answer not attempted",
		Status:          "Blank",
	}
	for _, step := range question.Steps {
		result.StepResults = append(result.StepResults, models.StepResult{
			StepID:      step.ID,
			Description: step.Description,
			MaxMarks:    step.MaxMarks,
			Feedback:    "not attempted",
		})
	}
	result.RecomputeTotal()
	return result
}

func appendNote(feedback, note string) string {
	if feedback == "" {
		return note
	}
	return fmt.Sprintf("%s (%s)", feedback, note)
}
