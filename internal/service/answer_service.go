package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gradeflow/gradeflow-api/internal/models"
	"github.com/gradeflow/gradeflow-api/pkg/extraction"
	"github.com/gradeflow/gradeflow-api/pkg/faults"
)

// SegmentMeta is the extraction metadata a trial policy classifies from.
type SegmentMeta struct {
	Kind       models.SegmentKind
	Content    string
	CrossedOut bool
	RoughWork  bool
	Label      string
}

// TrialPolicy decides whether a segment is trial/scratch work. The exact
// heuristic is deliberately pluggable; ambiguous segments are kept gradable
// and flagged rather than silently discarded.
type TrialPolicy interface {
	Classify(meta SegmentMeta) (isTrial bool, ambiguous bool)
}

// MetadataTrialPolicy trusts the extraction service's crossed-out and
// rough-work flags, plus a few well-known label spellings. Unrecognized
// labels are reported as ambiguous.
type MetadataTrialPolicy struct{}

func (MetadataTrialPolicy) Classify(meta SegmentMeta) (bool, bool) {
	if meta.CrossedOut || meta.RoughWork {
		return true, false
	}
	label := strings.ToLower(strings.TrimSpace(meta.Label))
	switch {
	case label == "":
		return false, false
	case strings.Contains(label, "rough"), strings.Contains(label, "trial"), strings.Contains(label, "scratch"):
		return true, false
	default:
		return false, true
	}
}

// AnswerService pulls a student's answers out of a script PDF and segments
// them by question.
type AnswerService interface {
	ExtractAnswers(ctx context.Context, doc extraction.Document) (models.StudentScript, error)
}

type answerService struct {
	extractor Extractor
	policy    TrialPolicy
	logger    zerolog.Logger
}

// NewAnswerService constructs the answer service. A nil policy falls back
// to the metadata-driven default.
func NewAnswerService(extractor Extractor, policy TrialPolicy, logger zerolog.Logger) AnswerService {
	if policy == nil {
		policy = MetadataTrialPolicy{}
	}
	return &answerService{
		extractor: extractor,
		policy:    policy,
		logger:    logger.With().Str("component", "answer_service").Logger(),
	}
}

type rawSegment struct {
	Kind       string `json:"kind"`
	Content    string `json:"content"`
	CrossedOut bool   `json:"crossed_out"`
	RoughWork  bool   `json:"rough_work"`
	Label      string `json:"label"`
}

type rawAnswer struct {
	QuestionNo string       `json:"question_no"`
	Status     string       `json:"status"`
	Segments   []rawSegment `json:"segments"`
}

type rawScript struct {
	StudentMetadata struct {
		StudentName string `json:"student_name"`
		RollNumber  string `json:"roll_number"`
	} `json:"student_metadata"`
	Answers []rawAnswer `json:"answers"`
}

func (s *answerService) ExtractAnswers(ctx context.Context, doc extraction.Document) (models.StudentScript, error) {
	payload, err := s.extractor.Extract(ctx, doc, extraction.AnswerSchema())
	if err != nil {
		return models.StudentScript{}, err
	}

	var raw rawScript
	if err := json.Unmarshal(payload, &raw); err != nil {
		return models.StudentScript{}, faults.Wrap(faults.KindExtractionFailed, "answer payload unreadable", err)
	}

	script := models.StudentScript{
		StudentID:   studentIdentity(raw, doc.Name),
		StudentName: strings.TrimSpace(raw.StudentMetadata.StudentName),
		SourceFile:  doc.Name,
	}

	for _, answer := range raw.Answers {
		questionID := normalizeQuestionNo(answer.QuestionNo)
		if questionID == "" {
			continue
		}

		studentAnswer := models.StudentAnswer{
			StudentID:  script.StudentID,
			QuestionID: questionID,
			Status:     answer.Status,
		}
		for _, seg := range answer.Segments {
			kind := segmentKind(seg.Kind)
			isTrial, ambiguous := s.policy.Classify(SegmentMeta{
				Kind:       kind,
				Content:    seg.Content,
				CrossedOut: seg.CrossedOut,
				RoughWork:  seg.RoughWork,
				Label:      seg.Label,
			})
			if ambiguous {
				s.logger.Warn().
					Str("student_id", script.StudentID).
					Str("question_id", questionID).
					Str("label", seg.Label).
					Msg("segment trial classification ambiguous, keeping it gradable")
			}
			studentAnswer.Segments = append(studentAnswer.Segments, models.Segment{
				Kind:      kind,
				Content:   seg.Content,
				IsTrial:   isTrial,
				Ambiguous: ambiguous,
			})
		}
		script.Answers = append(script.Answers, studentAnswer)
	}

	if len(script.Answers) == 0 {
		return models.StudentScript{}, faults.Newf(faults.KindNoAnswersFound, "no recognizable answers in %s", doc.Name)
	}

	s.logger.Info().Str("student_id", script.StudentID).Int("answers", len(script.Answers)).Msg("student script extracted")

	return script, nil
}

// studentIdentity prefers the extracted roll number, then the student name,
// then the source file name stripped of its extension.
func studentIdentity(raw rawScript, fileName string) string {
	if roll := strings.TrimSpace(raw.StudentMetadata.RollNumber); roll != "" {
		return roll
	}
	if name := strings.TrimSpace(raw.StudentMetadata.StudentName); name != "" {
		return name
	}
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func segmentKind(kind string) models.SegmentKind {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "math":
		return models.SegmentMath
	case "diagram":
		return models.SegmentDiagram
	default:
		return models.SegmentText
	}
}
