package service

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gradeflow/gradeflow-api/internal/models"
	"github.com/gradeflow/gradeflow-api/pkg/extraction"
	"github.com/gradeflow/gradeflow-api/pkg/faults"
)

// BatchConfig tunes orchestration fan-out and retry behaviour. Concurrency
// is capped per external service since those are the bottleneck and carry
// their own rate limits.
type BatchConfig struct {
	ExtractionConcurrency int
	GradingConcurrency    int
	MaxRetries            uint64
	BackoffInitial        time.Duration
	BackoffMax            time.Duration
	BackoffJitter         float64
	RunTimeout            time.Duration
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.ExtractionConcurrency <= 0 {
		c.ExtractionConcurrency = 2
	}
	if c.GradingConcurrency <= 0 {
		c.GradingConcurrency = 4
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// BatchService runs one grading session: extracts every student script,
// evaluates every (student, question) pair, and accumulates the results.
// Individual item failures are isolated; only an unusable rubric aborts the
// run.
type BatchService interface {
	Run(ctx context.Context, rubric models.Rubric, docs []extraction.Document) (*models.BatchRun, error)
}

type batchService struct {
	answers   AnswerService
	evaluator EvaluationService
	cfg       BatchConfig
	logger    zerolog.Logger
}

// NewBatchService constructs the orchestrator.
func NewBatchService(answers AnswerService, evaluator EvaluationService, cfg BatchConfig, logger zerolog.Logger) BatchService {
	return &batchService{
		answers:   answers,
		evaluator: evaluator,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "batch_service").Logger(),
	}
}

type scriptSlot struct {
	studentID string
	script    models.StudentScript
	err       error
}

func (s *batchService) Run(ctx context.Context, rubric models.Rubric, docs []extraction.Document) (*models.BatchRun, error) {
	run := &models.BatchRun{
		ID:        uuid.NewString(),
		State:     models.RunRunning,
		StartedAt: time.Now().UTC(),
	}

	if err := validateRubric(rubric); err != nil {
		run.State = models.RunAborted
		run.FinishedAt = time.Now().UTC()
		s.logger.Error().Err(err).Msg("run aborted: rubric unusable")
		return run, err
	}

	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	students := s.extractScripts(ctx, docs)

	questions := append([]models.Question(nil), rubric.Questions...)
	sort.SliceStable(questions, func(a, b int) bool {
		return lessQuestionID(questions[a].ID, questions[b].ID)
	})
	sort.SliceStable(students, func(a, b int) bool {
		return students[a].studentID < students[b].studentID
	})

	// Every (student, question) pair gets a slot up front, in the order the
	// report will use, so failures stay enumerable.
	for _, student := range students {
		for _, question := range questions {
			run.Items = append(run.Items, &models.BatchItem{
				StudentID:  student.studentID,
				QuestionID: question.ID,
				State:      models.ItemPending,
			})
		}
	}

	s.evaluateItems(ctx, run, students, questions)

	run.FinishedAt = time.Now().UTC()
	run.State = models.RunComplete

	succeeded, failed, _ := run.Counts()
	s.logger.Info().
		Str("run_id", run.ID).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Msg("batch run complete")

	return run, nil
}

// extractScripts pulls every student script concurrently under the
// extraction admission gate. Each slot is written once by its own goroutine.
func (s *batchService) extractScripts(ctx context.Context, docs []extraction.Document) []scriptSlot {
	slots := make([]scriptSlot, len(docs))
	gate := make(chan struct{}, s.cfg.ExtractionConcurrency)
	var wg sync.WaitGroup

	for i := range docs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gate <- struct{}{}
			defer func() { <-gate }()

			var script models.StudentScript
			err := s.retryTransient(ctx, nil, func() error {
				var err error
				script, err = s.answers.ExtractAnswers(ctx, docs[i])
				return err
			})
			slot := scriptSlot{script: script, err: err, studentID: script.StudentID}
			if err != nil {
				slot.studentID = fallbackStudentID(docs[i].Name)
				s.logger.Warn().Err(err).Str("document", docs[i].Name).Msg("student script extraction failed")
			}
			slots[i] = slot
		}(i)
	}
	wg.Wait()
	return slots
}

func (s *batchService) evaluateItems(ctx context.Context, run *models.BatchRun, students []scriptSlot, questions []models.Question) {
	gate := make(chan struct{}, s.cfg.GradingConcurrency)
	var wg sync.WaitGroup

	for si, student := range students {
		for qi, question := range questions {
			item := run.Items[si*len(questions)+qi]

			if student.err != nil {
				item.State = models.ItemFailed
				item.FailureKind = faults.KindOf(student.err)
				item.FailureNote = faults.Reason(student.err)
				continue
			}

			answer, ok := student.script.AnswerFor(question.ID)
			if !ok {
				// No recognizable content for this question; graded as blank.
				answer = models.StudentAnswer{StudentID: student.studentID, QuestionID: question.ID}
			}

			wg.Add(1)
			go func(item *models.BatchItem, question models.Question, answer models.StudentAnswer) {
				defer wg.Done()
				gate <- struct{}{}
				defer func() { <-gate }()

				item.State = models.ItemInProgress

				var result models.EvaluationResult
				err := s.retryTransient(ctx, &item.Attempts, func() error {
					var err error
					result, err = s.evaluator.Evaluate(ctx, question, answer)
					return err
				})
				if err != nil {
					item.State = models.ItemFailed
					item.FailureKind = faults.KindOf(err)
					item.FailureNote = faults.Reason(err)
					if item.FailureKind == faults.KindRunTimeout {
						item.FailureNote = "run timed out before this item completed"
					}
					s.logger.Warn().
						Err(err).
						Str("student_id", item.StudentID).
						Str("question_id", item.QuestionID).
						Msg("item failed")
					return
				}

				item.Result = &result
				item.State = models.ItemSucceeded
			}(item, question, answer)
		}
	}
	wg.Wait()
}

// retryTransient retries op with exponential backoff and jitter while the
// error is transient. Non-transient errors surface immediately; run-level
// cancellation stops the retry loop.
func (s *batchService) retryTransient(ctx context.Context, attempts *int, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.BackoffInitial
	policy.MaxInterval = s.cfg.BackoffMax
	policy.RandomizationFactor = s.cfg.BackoffJitter
	policy.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		if attempts != nil {
			*attempts++
		}
		err := op()
		if err == nil {
			return nil
		}
		if faults.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(backoff.WithContext(policy, ctx), s.cfg.MaxRetries))
}

func validateRubric(rubric models.Rubric) error {
	if len(rubric.Questions) == 0 {
		return faults.New(faults.KindRubricInvalid, "rubric has no questions")
	}
	for _, q := range rubric.Questions {
		if q.MaxMarks <= 0 || len(q.Steps) == 0 {
			return faults.Newf(faults.KindRubricInvalid, "question %s is unusable", q.ID)
		}
		if diff := q.StepSum() - q.MaxMarks; diff > 1e-6 || diff < -1e-6 {
			return faults.Newf(faults.KindRubricInvalid, "question %s step marks do not sum to its maximum", q.ID)
		}
	}
	return nil
}

// lessQuestionID orders question ids numerically when both parse as
// integers, lexicographically otherwise.
func lessQuestionID(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

func fallbackStudentID(fileName string) string {
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
