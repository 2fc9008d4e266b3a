package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gradeflow/gradeflow-api/internal/dto"
	"github.com/gradeflow/gradeflow-api/internal/models"
	"github.com/gradeflow/gradeflow-api/pkg/ai"
	"github.com/gradeflow/gradeflow-api/pkg/faults"
)

type stubGrader struct {
	fn func(ctx context.Context, input ai.GradingInput) (ai.Verdict, error)
}

func (s stubGrader) Grade(ctx context.Context, input ai.GradingInput) (ai.Verdict, error) {
	return s.fn(ctx, input)
}

func twoStepQuestion() models.Question {
	return models.Question{
		ID:       "1",
		Text:     "Find the acceleration.",
		MaxMarks: 5,
		Steps: []models.Step{
			{ID: 1, Description: "write F = ma", MaxMarks: 2},
			{ID: 2, Description: "solve for a", MaxMarks: 3},
		},
	}
}

func attemptedAnswer() models.StudentAnswer {
	return models.StudentAnswer{
		StudentID:  "s01",
		QuestionID: "1",
		Segments:   []models.Segment{{Kind: models.SegmentText, Content: "F = ma so a = 2"}},
	}
}

func TestEvaluateAlignsVerdictWithRubric(t *testing.T) {
	grader := stubGrader{fn: func(_ context.Context, input ai.GradingInput) (ai.Verdict, error) {
		return ai.Verdict{
			QuestionID: input.QuestionID,
			Steps: []ai.StepVerdict{
				{StepID: 1, MarksAwarded: 4, Feedback: "correct equation"}, // over the step max
				{StepID: 7, MarksAwarded: 3},                              // not in the rubric
			},
			OverallFeedback: "mostly right",
			Status:          "Partial",
			ReportedTotal:   99, // must be ignored
			Raw:             `{"question_no":"1"}`,
		}, nil
	}}

	svc := NewEvaluationService(grader, zerolog.Nop())
	result, err := svc.Evaluate(context.Background(), twoStepQuestion(), attemptedAnswer())
	require.NoError(t, err)

	require.Len(t, result.StepResults, 2)

	require.InDelta(t, 2, result.StepResults[0].MarksAwarded, 1e-9)
	require.Contains(t, result.StepResults[0].Feedback, "clamped to step maximum")

	// Step 2 was never addressed; it is zero-filled, not dropped.
	require.Zero(t, result.StepResults[1].MarksAwarded)
	require.Equal(t, "step not addressed in grading response, no credit awarded", result.StepResults[1].Feedback)

	require.InDelta(t, 2, result.TotalAwarded, 1e-9)
	require.Equal(t, "mostly right", result.OverallFeedback)
	require.Contains(t, result.RawRequest, "Find the acceleration.")
	require.Equal(t, `{"question_no":"1"}`, result.RawModelOutput)
}

func TestEvaluateZeroesNegativeAwards(t *testing.T) {
	grader := stubGrader{fn: func(_ context.Context, _ ai.GradingInput) (ai.Verdict, error) {
		return ai.Verdict{Steps: []ai.StepVerdict{
			{StepID: 1, MarksAwarded: -1},
			{StepID: 2, MarksAwarded: 2},
		}}, nil
	}}

	svc := NewEvaluationService(grader, zerolog.Nop())
	result, err := svc.Evaluate(context.Background(), twoStepQuestion(), attemptedAnswer())
	require.NoError(t, err)

	require.Zero(t, result.StepResults[0].MarksAwarded)
	require.Contains(t, result.StepResults[0].Feedback, "negative award clamped to zero")
	require.InDelta(t, 2, result.TotalAwarded, 1e-9)
}

func TestEvaluateBlankAnswerSkipsGrader(t *testing.T) {
	grader := stubGrader{fn: func(_ context.Context, _ ai.GradingInput) (ai.Verdict, error) {
		t.Fatal("grader must not be called for a blank answer")
		return ai.Verdict{}, nil
	}}

	svc := NewEvaluationService(grader, zerolog.Nop())
	result, err := svc.Evaluate(context.Background(), twoStepQuestion(), models.StudentAnswer{StudentID: "s01", QuestionID: "1"})
	require.NoError(t, err)

	require.Equal(t, "Blank", result.Status)
	require.Zero(t, result.TotalAwarded)
	require.Len(t, result.StepResults, 2)
}

func TestEvaluateRetriesOnceWithFormatReminder(t *testing.T) {
	calls := 0
	grader := stubGrader{fn: func(_ context.Context, input ai.GradingInput) (ai.Verdict, error) {
		calls++
		if calls == 1 {
			require.False(t, input.FormatReminder)
			return ai.Verdict{}, &ai.ParseError{Raw: "I think the student deserves full marks!"}
		}
		require.True(t, input.FormatReminder)
		return ai.Verdict{Steps: []ai.StepVerdict{{StepID: 1, MarksAwarded: 2}, {StepID: 2, MarksAwarded: 3}}}, nil
	}}

	svc := NewEvaluationService(grader, zerolog.Nop())
	result, err := svc.Evaluate(context.Background(), twoStepQuestion(), attemptedAnswer())
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.InDelta(t, 5, result.TotalAwarded, 1e-9)
}

func TestEvaluateParseFailureAfterRetry(t *testing.T) {
	grader := stubGrader{fn: func(_ context.Context, _ ai.GradingInput) (ai.Verdict, error) {
		return ai.Verdict{}, &ai.ParseError{Raw: "still prose"}
	}}

	svc := NewEvaluationService(grader, zerolog.Nop())
	_, err := svc.Evaluate(context.Background(), twoStepQuestion(), attemptedAnswer())
	require.Equal(t, faults.KindEvaluationParseFailed, faults.KindOf(err))
}

func TestEvaluatePartialCreditScenario(t *testing.T) {
	question := models.Question{
		ID:       "1",
		Text:     "Derive and evaluate the integral.",
		MaxMarks: 10,
		Steps: []models.Step{
			{ID: 1, Description: "set up the integral", MaxMarks: 4},
			{ID: 2, Description: "apply substitution", MaxMarks: 3},
			{ID: 3, Description: "evaluate the bounds", MaxMarks: 3},
		},
	}

	grader := stubGrader{fn: func(_ context.Context, _ ai.GradingInput) (ai.Verdict, error) {
		return ai.Verdict{Steps: []ai.StepVerdict{
			{StepID: 1, MarksAwarded: 4, Feedback: "correct setup"},
			{StepID: 2, MarksAwarded: 3, Feedback: "substitution correct"},
			{StepID: 3, MarksAwarded: 1.5, Feedback: "only one bound evaluated"},
		}, Status: "Partial"}, nil
	}}

	svc := NewEvaluationService(grader, zerolog.Nop())
	result, err := svc.Evaluate(context.Background(), question, attemptedAnswer())
	require.NoError(t, err)
	require.InDelta(t, 8.5, result.TotalAwarded, 1e-9)

	rubric := models.Rubric{Questions: []models.Question{question}}
	run := &models.BatchRun{Items: []*models.BatchItem{{
		StudentID: "s01", QuestionID: "1", State: models.ItemSucceeded, Result: &result,
	}}}
	summary := dto.NewSummaryRows(rubric, run)
	require.Len(t, summary, 1)
	require.InDelta(t, 8.5, summary[0].TotalAwarded, 1e-9)
	require.InDelta(t, 10, summary[0].TotalPossible, 1e-9)
}

func TestEvaluatePassesThroughTransportErrors(t *testing.T) {
	calls := 0
	grader := stubGrader{fn: func(_ context.Context, _ ai.GradingInput) (ai.Verdict, error) {
		calls++
		return ai.Verdict{}, faults.New(faults.KindRateLimited, "429 from provider")
	}}

	svc := NewEvaluationService(grader, zerolog.Nop())
	_, err := svc.Evaluate(context.Background(), twoStepQuestion(), attemptedAnswer())
	require.Equal(t, faults.KindRateLimited, faults.KindOf(err))
	require.True(t, faults.IsTransient(err))
	require.Equal(t, 1, calls, "rate limits are the orchestrator's retry, not the evaluator's")
}
