package service

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gradeflow/gradeflow-api/internal/models"
	"github.com/gradeflow/gradeflow-api/pkg/extraction"
	"github.com/gradeflow/gradeflow-api/pkg/faults"
)

// Extractor is the slice of the extraction client the services depend on.
type Extractor interface {
	Extract(ctx context.Context, doc extraction.Document, schema extraction.Schema) (json.RawMessage, error)
}

// RubricService turns a marking-scheme PDF into a normalized rubric whose
// step marks sum exactly to each question's declared maximum.
type RubricService interface {
	ExtractRubric(ctx context.Context, doc extraction.Document) (models.Rubric, error)
	Normalize(rubric models.Rubric) (models.Rubric, error)
}

type rubricService struct {
	extractor Extractor
	logger    zerolog.Logger
}

// NewRubricService constructs the rubric service.
func NewRubricService(extractor Extractor, logger zerolog.Logger) RubricService {
	return &rubricService{
		extractor: extractor,
		logger:    logger.With().Str("component", "rubric_service").Logger(),
	}
}

type rawRubricStep struct {
	Marksplit          float64 `json:"marksplit"`
	StepWiseAnswer     string  `json:"step_wise_answer"`
	DiagramDescription string  `json:"diagram_description"`
}

type rawRubricQuestion struct {
	QuestionNo    string          `json:"question_no"`
	QuestionType  string          `json:"question_type"`
	QuestionText  string          `json:"question_text_plain"`
	CorrectAnswer string          `json:"correct_answer_plain"`
	MaxMarks      string          `json:"max_marks"`
	Keywords      []string        `json:"keywords"`
	StepMarking   []rawRubricStep `json:"step_marking"`
}

type rawRubric struct {
	ExamMetadata struct {
		Subject    string `json:"subject"`
		ExamName   string `json:"exam_name"`
		TotalMarks string `json:"total_marks"`
	} `json:"exam_metadata"`
	Questions []rawRubricQuestion `json:"questions"`
}

func (s *rubricService) ExtractRubric(ctx context.Context, doc extraction.Document) (models.Rubric, error) {
	payload, err := s.extractor.Extract(ctx, doc, extraction.RubricSchema())
	if err != nil {
		return models.Rubric{}, err
	}

	var raw rawRubric
	if err := json.Unmarshal(payload, &raw); err != nil {
		return models.Rubric{}, faults.Wrap(faults.KindRubricInvalid, "rubric payload unreadable", err)
	}

	rubric := models.Rubric{
		ExamName:   raw.ExamMetadata.ExamName,
		Subject:    raw.ExamMetadata.Subject,
		TotalMarks: parseMarks(raw.ExamMetadata.TotalMarks),
	}

	seen := map[string]bool{}
	for _, q := range raw.Questions {
		id := normalizeQuestionNo(q.QuestionNo)
		if id == "" {
			return models.Rubric{}, faults.New(faults.KindRubricInvalid, "question without a number in extracted rubric")
		}
		if seen[id] {
			// Duplicate extractions of the same question; first wins.
			s.logger.Warn().Str("question_id", id).Msg("duplicate question in extracted rubric, keeping first occurrence")
			continue
		}
		seen[id] = true

		question := models.Question{
			ID:              id,
			Text:            q.QuestionText,
			Type:            q.QuestionType,
			MaxMarks:        parseMarks(q.MaxMarks),
			ReferenceAnswer: q.CorrectAnswer,
			Keywords:        q.Keywords,
		}
		for i, step := range q.StepMarking {
			question.Steps = append(question.Steps, models.Step{
				ID:          i + 1,
				Description: strings.TrimSpace(step.StepWiseAnswer),
				MaxMarks:    step.Marksplit,
			})
		}
		rubric.Questions = append(rubric.Questions, question)
	}

	normalized, err := s.Normalize(rubric)
	if err != nil {
		return models.Rubric{}, err
	}

	s.logger.Info().Str("exam", normalized.ExamName).Int("questions", len(normalized.Questions)).Msg("rubric extracted and normalized")

	return normalized, nil
}

// Normalize validates the rubric and rebalances every question's step marks
// so they sum exactly to the question maximum. Already-balanced questions
// pass through untouched, so normalization is a fixed point.
func (s *rubricService) Normalize(rubric models.Rubric) (models.Rubric, error) {
	if len(rubric.Questions) == 0 {
		return models.Rubric{}, faults.New(faults.KindRubricInvalid, "rubric has no questions")
	}

	out := rubric
	out.Questions = make([]models.Question, len(rubric.Questions))
	for i, q := range rubric.Questions {
		if q.MaxMarks <= 0 {
			return models.Rubric{}, faults.Newf(faults.KindRubricInvalid, "question %s has non-positive max marks", q.ID)
		}
		if len(q.Steps) == 0 {
			return models.Rubric{}, faults.Newf(faults.KindRubricInvalid, "question %s has no marking steps", q.ID)
		}

		steps, changed, err := rebalanceSteps(q.Steps, q.MaxMarks)
		if err != nil {
			return models.Rubric{}, faults.Newf(faults.KindRubricInvalid, "question %s: %s", q.ID, err.Error())
		}
		if changed {
			s.logger.Debug().Str("question_id", q.ID).Float64("max_marks", q.MaxMarks).Msg("rescaled step marks to match question maximum")
		}

		out.Questions[i] = q
		out.Questions[i].Steps = steps
	}

	return out, nil
}

// rebalanceSteps rescales step marks proportionally so they sum to maxMarks
// exactly. Rounding works in integer hundredths of a mark with
// largest-remainder distribution, which keeps the rounded sum exact.
func rebalanceSteps(steps []models.Step, maxMarks float64) ([]models.Step, bool, error) {
	var sum float64
	for _, step := range steps {
		if step.MaxMarks < 0 {
			return nil, false, errNegativeStepMarks
		}
		sum += step.MaxMarks
	}
	if sum <= 0 {
		return nil, false, errZeroStepMarks
	}

	out := make([]models.Step, len(steps))
	copy(out, steps)

	if math.Abs(sum-maxMarks) < 1e-9 {
		return out, false, nil
	}

	target := int(math.Round(maxMarks * 100))
	scale := float64(target) / sum

	type remainder struct {
		index int
		frac  float64
	}

	units := make([]int, len(steps))
	remainders := make([]remainder, len(steps))
	allocated := 0
	for i, step := range steps {
		raw := step.MaxMarks * scale
		base := int(math.Floor(raw + 1e-9))
		units[i] = base
		allocated += base
		remainders[i] = remainder{index: i, frac: raw - float64(base)}
	}

	sort.SliceStable(remainders, func(a, b int) bool {
		if remainders[a].frac != remainders[b].frac {
			return remainders[a].frac > remainders[b].frac
		}
		return remainders[a].index < remainders[b].index
	})

	for leftover := target - allocated; leftover != 0; {
		switch {
		case leftover > 0:
			for _, r := range remainders {
				if leftover == 0 {
					break
				}
				units[r.index]++
				leftover--
			}
		case leftover < 0:
			for i := len(remainders) - 1; i >= 0 && leftover < 0; i-- {
				if units[remainders[i].index] > 0 {
					units[remainders[i].index]--
					leftover++
				}
			}
		}
	}

	for i := range out {
		out[i].MaxMarks = float64(units[i]) / 100
	}

	return out, true, nil
}

var (
	errNegativeStepMarks = &faults.Fault{Kind: faults.KindRubricInvalid, Reason: "negative step marks"}
	errZeroStepMarks     = &faults.Fault{Kind: faults.KindRubricInvalid, Reason: "step marks sum to zero"}
)

// normalizeQuestionNo canonicalizes question numbers: "Q1.", "1)", " 1 "
// all become "1".
func normalizeQuestionNo(qno string) string {
	q := strings.TrimSpace(qno)
	q = strings.TrimLeft(q, "Qq")
	q = strings.TrimRight(q, ".) ")
	return strings.TrimSpace(q)
}

func parseMarks(raw string) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return value
}
