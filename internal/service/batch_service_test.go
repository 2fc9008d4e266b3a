package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gradeflow/gradeflow-api/internal/models"
	"github.com/gradeflow/gradeflow-api/pkg/extraction"
	"github.com/gradeflow/gradeflow-api/pkg/faults"
)

type stubAnswers struct {
	fn func(ctx context.Context, doc extraction.Document) (models.StudentScript, error)
}

func (s stubAnswers) ExtractAnswers(ctx context.Context, doc extraction.Document) (models.StudentScript, error) {
	return s.fn(ctx, doc)
}

type stubEvaluator struct {
	fn func(ctx context.Context, question models.Question, answer models.StudentAnswer) (models.EvaluationResult, error)
}

func (s stubEvaluator) Evaluate(ctx context.Context, question models.Question, answer models.StudentAnswer) (models.EvaluationResult, error) {
	return s.fn(ctx, question, answer)
}

func singleStepRubric(questionIDs ...string) models.Rubric {
	rubric := models.Rubric{ExamName: "Midterm"}
	for _, id := range questionIDs {
		rubric.Questions = append(rubric.Questions, models.Question{
			ID:       id,
			Text:     "question " + id,
			MaxMarks: 5,
			Steps:    []models.Step{{ID: 1, Description: "full solution", MaxMarks: 5}},
		})
	}
	return rubric
}

func scriptFor(studentID string, questionIDs ...string) models.StudentScript {
	script := models.StudentScript{StudentID: studentID}
	for _, id := range questionIDs {
		script.Answers = append(script.Answers, models.StudentAnswer{
			StudentID:  studentID,
			QuestionID: id,
			Segments:   []models.Segment{{Kind: models.SegmentText, Content: "answer to " + id}},
		})
	}
	return script
}

func fullMarks(question models.Question, answer models.StudentAnswer) models.EvaluationResult {
	result := models.EvaluationResult{
		StudentID:  answer.StudentID,
		QuestionID: question.ID,
		MaxMarks:   question.MaxMarks,
		Status:     "Correct",
	}
	for _, step := range question.Steps {
		result.StepResults = append(result.StepResults, models.StepResult{
			StepID:       step.ID,
			Description:  step.Description,
			MaxMarks:     step.MaxMarks,
			MarksAwarded: step.MaxMarks,
		})
	}
	result.RecomputeTotal()
	return result
}

func docNamed(name string) extraction.Document {
	return extraction.Document{Name: name, Data: []byte("%PDF-1.4")}
}

func TestBatchRunDeterministicOrder(t *testing.T) {
	rubric := singleStepRubric("2", "10", "1")

	answers := stubAnswers{fn: func(_ context.Context, doc extraction.Document) (models.StudentScript, error) {
		switch doc.Name {
		case "a.pdf":
			time.Sleep(20 * time.Millisecond)
			return scriptFor("s03", "1", "2", "10"), nil
		case "b.pdf":
			return scriptFor("s01", "1", "2", "10"), nil
		default:
			time.Sleep(10 * time.Millisecond)
			return scriptFor("s02", "1", "2", "10"), nil
		}
	}}

	evaluator := stubEvaluator{fn: func(_ context.Context, question models.Question, answer models.StudentAnswer) (models.EvaluationResult, error) {
		// Skewed per-item latency so completion order differs from item order.
		if answer.StudentID == "s01" {
			time.Sleep(15 * time.Millisecond)
		}
		return fullMarks(question, answer), nil
	}}

	svc := NewBatchService(answers, evaluator, BatchConfig{GradingConcurrency: 9}, zerolog.Nop())
	run, err := svc.Run(context.Background(), rubric, []extraction.Document{docNamed("a.pdf"), docNamed("b.pdf"), docNamed("c.pdf")})
	require.NoError(t, err)
	require.Equal(t, models.RunComplete, run.State)
	require.NotEmpty(t, run.ID)
	require.Len(t, run.Items, 9)

	var got []string
	for _, item := range run.Items {
		require.Equal(t, models.ItemSucceeded, item.State)
		got = append(got, item.StudentID+"/"+item.QuestionID)
	}
	require.Equal(t, []string{
		"s01/1", "s01/2", "s01/10",
		"s02/1", "s02/2", "s02/10",
		"s03/1", "s03/2", "s03/10",
	}, got)
}

func TestBatchRunIsolatesItemFailures(t *testing.T) {
	rubric := singleStepRubric("1", "2")

	docs := make([]extraction.Document, 5)
	for i := range docs {
		docs[i] = docNamed(fmt.Sprintf("s%02d.pdf", i+1))
	}

	answers := stubAnswers{fn: func(_ context.Context, doc extraction.Document) (models.StudentScript, error) {
		id := doc.Name[:len(doc.Name)-len(".pdf")]
		return scriptFor(id, "1", "2"), nil
	}}

	evaluator := stubEvaluator{fn: func(_ context.Context, question models.Question, answer models.StudentAnswer) (models.EvaluationResult, error) {
		if answer.StudentID == "s03" && question.ID == "2" {
			return models.EvaluationResult{}, faults.New(faults.KindEvaluationParseFailed, "grading response unparseable after retry")
		}
		return fullMarks(question, answer), nil
	}}

	svc := NewBatchService(answers, evaluator, BatchConfig{}, zerolog.Nop())
	run, err := svc.Run(context.Background(), rubric, docs)
	require.NoError(t, err)
	require.Equal(t, models.RunComplete, run.State)

	succeeded, failed, pending := run.Counts()
	require.Equal(t, 9, succeeded)
	require.Equal(t, 1, failed)
	require.Zero(t, pending)

	for _, item := range run.Items {
		if item.StudentID == "s03" && item.QuestionID == "2" {
			require.Equal(t, models.ItemFailed, item.State)
			require.Equal(t, faults.KindEvaluationParseFailed, item.FailureKind)
			require.Equal(t, "grading response unparseable after retry", item.FailureNote)
			require.Nil(t, item.Result)
			continue
		}
		require.Equal(t, models.ItemSucceeded, item.State)
		require.NotNil(t, item.Result)
	}
}

func TestBatchRunRetriesTransientFailures(t *testing.T) {
	rubric := singleStepRubric("1")

	answers := stubAnswers{fn: func(_ context.Context, _ extraction.Document) (models.StudentScript, error) {
		return scriptFor("s01", "1"), nil
	}}

	var mu sync.Mutex
	var callTimes []time.Time
	evaluator := stubEvaluator{fn: func(_ context.Context, question models.Question, answer models.StudentAnswer) (models.EvaluationResult, error) {
		mu.Lock()
		callTimes = append(callTimes, time.Now())
		calls := len(callTimes)
		mu.Unlock()
		if calls <= 2 {
			return models.EvaluationResult{}, faults.New(faults.KindRateLimited, "429 from provider")
		}
		return fullMarks(question, answer), nil
	}}

	cfg := BatchConfig{
		MaxRetries:     3,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     time.Second,
		BackoffJitter:  0,
	}
	svc := NewBatchService(answers, evaluator, cfg, zerolog.Nop())
	run, err := svc.Run(context.Background(), rubric, []extraction.Document{docNamed("s01.pdf")})
	require.NoError(t, err)

	require.Len(t, run.Items, 1)
	item := run.Items[0]
	require.Equal(t, models.ItemSucceeded, item.State)
	require.Equal(t, 3, item.Attempts)

	require.Len(t, callTimes, 3)
	first := callTimes[1].Sub(callTimes[0])
	second := callTimes[2].Sub(callTimes[1])
	require.GreaterOrEqual(t, first, 10*time.Millisecond)
	require.GreaterOrEqual(t, second, first)
}

func TestBatchRunGivesUpAfterRetryBudget(t *testing.T) {
	rubric := singleStepRubric("1")

	answers := stubAnswers{fn: func(_ context.Context, _ extraction.Document) (models.StudentScript, error) {
		return scriptFor("s01", "1"), nil
	}}

	calls := 0
	evaluator := stubEvaluator{fn: func(_ context.Context, _ models.Question, _ models.StudentAnswer) (models.EvaluationResult, error) {
		calls++
		return models.EvaluationResult{}, faults.New(faults.KindRateLimited, "429 from provider")
	}}

	cfg := BatchConfig{MaxRetries: 2, BackoffInitial: time.Millisecond, BackoffJitter: 0}
	svc := NewBatchService(answers, evaluator, cfg, zerolog.Nop())
	run, err := svc.Run(context.Background(), rubric, []extraction.Document{docNamed("s01.pdf")})
	require.NoError(t, err)

	item := run.Items[0]
	require.Equal(t, models.ItemFailed, item.State)
	require.Equal(t, faults.KindRateLimited, item.FailureKind)
	require.Equal(t, 3, calls) // initial attempt plus two retries
	require.Equal(t, 3, item.Attempts)
}

func TestBatchRunTimesOutOutstandingItems(t *testing.T) {
	rubric := singleStepRubric("1")

	answers := stubAnswers{fn: func(_ context.Context, _ extraction.Document) (models.StudentScript, error) {
		return scriptFor("s01", "1"), nil
	}}

	evaluator := stubEvaluator{fn: func(ctx context.Context, _ models.Question, _ models.StudentAnswer) (models.EvaluationResult, error) {
		<-ctx.Done()
		return models.EvaluationResult{}, ctx.Err()
	}}

	cfg := BatchConfig{RunTimeout: 30 * time.Millisecond}
	svc := NewBatchService(answers, evaluator, cfg, zerolog.Nop())
	run, err := svc.Run(context.Background(), rubric, []extraction.Document{docNamed("s01.pdf")})
	require.NoError(t, err)
	require.Equal(t, models.RunComplete, run.State)

	item := run.Items[0]
	require.Equal(t, models.ItemFailed, item.State)
	require.Equal(t, faults.KindRunTimeout, item.FailureKind)
	require.Equal(t, "run timed out before this item completed", item.FailureNote)
}

func TestBatchRunAbortsOnUnusableRubric(t *testing.T) {
	answers := stubAnswers{fn: func(_ context.Context, _ extraction.Document) (models.StudentScript, error) {
		t.Fatal("extraction must not run when the rubric is unusable")
		return models.StudentScript{}, nil
	}}
	evaluator := stubEvaluator{fn: func(_ context.Context, _ models.Question, _ models.StudentAnswer) (models.EvaluationResult, error) {
		return models.EvaluationResult{}, nil
	}}

	svc := NewBatchService(answers, evaluator, BatchConfig{}, zerolog.Nop())

	run, err := svc.Run(context.Background(), models.Rubric{}, []extraction.Document{docNamed("s01.pdf")})
	require.Error(t, err)
	require.Equal(t, faults.KindRubricInvalid, faults.KindOf(err))
	require.Equal(t, models.RunAborted, run.State)
	require.Empty(t, run.Items)

	unbalanced := singleStepRubric("1")
	unbalanced.Questions[0].Steps[0].MaxMarks = 3 // does not sum to the maximum
	run, err = svc.Run(context.Background(), unbalanced, []extraction.Document{docNamed("s01.pdf")})
	require.Error(t, err)
	require.Equal(t, faults.KindRubricInvalid, faults.KindOf(err))
	require.Equal(t, models.RunAborted, run.State)
}

func TestBatchRunFailsAllItemsForUnreadableScript(t *testing.T) {
	rubric := singleStepRubric("1", "2")

	answers := stubAnswers{fn: func(_ context.Context, doc extraction.Document) (models.StudentScript, error) {
		if doc.Name == "broken.pdf" {
			return models.StudentScript{}, faults.Newf(faults.KindNoAnswersFound, "no recognizable answers in %s", doc.Name)
		}
		return scriptFor("s01", "1", "2"), nil
	}}
	evaluator := stubEvaluator{fn: func(_ context.Context, question models.Question, answer models.StudentAnswer) (models.EvaluationResult, error) {
		return fullMarks(question, answer), nil
	}}

	svc := NewBatchService(answers, evaluator, BatchConfig{}, zerolog.Nop())
	run, err := svc.Run(context.Background(), rubric, []extraction.Document{docNamed("broken.pdf"), docNamed("s01.pdf")})
	require.NoError(t, err)
	require.Equal(t, models.RunComplete, run.State)
	require.Len(t, run.Items, 4)

	for _, item := range run.Items {
		if item.StudentID == "broken" {
			require.Equal(t, models.ItemFailed, item.State)
			require.Equal(t, faults.KindNoAnswersFound, item.FailureKind)
			require.Nil(t, item.Result)
		} else {
			require.Equal(t, "s01", item.StudentID)
			require.Equal(t, models.ItemSucceeded, item.State)
		}
	}
}

func TestBatchRunGradesMissingAnswerAsBlank(t *testing.T) {
	rubric := singleStepRubric("1", "2")

	answers := stubAnswers{fn: func(_ context.Context, _ extraction.Document) (models.StudentScript, error) {
		// Only question 1 answered; question 2 must still get a graded slot.
		return scriptFor("s01", "1"), nil
	}}

	var graded []string
	var mu sync.Mutex
	evaluator := stubEvaluator{fn: func(_ context.Context, question models.Question, answer models.StudentAnswer) (models.EvaluationResult, error) {
		mu.Lock()
		graded = append(graded, question.ID)
		mu.Unlock()
		if answer.IsBlank() {
			result := models.EvaluationResult{StudentID: answer.StudentID, QuestionID: question.ID, MaxMarks: question.MaxMarks, Status: "Blank"}
			result.RecomputeTotal()
			return result, nil
		}
		return fullMarks(question, answer), nil
	}}

	svc := NewBatchService(answers, evaluator, BatchConfig{}, zerolog.Nop())
	run, err := svc.Run(context.Background(), rubric, []extraction.Document{docNamed("s01.pdf")})
	require.NoError(t, err)
	require.Len(t, run.Items, 2)
	require.ElementsMatch(t, []string{"1", "2"}, graded)

	blank := run.Items[1]
	require.Equal(t, "2", blank.QuestionID)
	require.Equal(t, models.ItemSucceeded, blank.State)
	require.Equal(t, "Blank", blank.Result.Status)
	require.Zero(t, blank.Result.TotalAwarded)
}
