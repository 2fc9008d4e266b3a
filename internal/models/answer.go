package models

import "strings"

// SegmentKind classifies a piece of extracted answer content.
type SegmentKind string

const (
	SegmentText    SegmentKind = "text"
	SegmentMath    SegmentKind = "math"
	SegmentDiagram SegmentKind = "diagram"
)

// Segment is one extracted piece of a student's answer. Trial segments are
// excluded from grading but retained for audit. Ambiguous marks the cases
// where the trial classification could not be decided from extraction
// metadata; those segments stay gradable and are flagged instead of being
// silently discarded.
type Segment struct {
	Kind      SegmentKind `json:"kind"`
	Content   string      `json:"content"`
	IsTrial   bool        `json:"is_trial"`
	Ambiguous bool        `json:"ambiguous,omitempty"`
}

// StudentAnswer holds everything a student wrote for one question.
// Immutable once produced by answer extraction.
type StudentAnswer struct {
	StudentID  string    `json:"student_id"`
	QuestionID string    `json:"question_id"`
	Segments   []Segment `json:"segments"`
	Status     string    `json:"status,omitempty"`
}

// GradedText joins the non-trial text and math segments in extraction order.
func (a StudentAnswer) GradedText() string {
	var b strings.Builder
	for _, seg := range a.Segments {
		if seg.IsTrial || seg.Kind == SegmentDiagram {
			continue
		}
		if content := strings.TrimSpace(seg.Content); content != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(content)
		}
	}
	return b.String()
}

// DiagramNotes joins the non-trial diagram descriptions.
func (a StudentAnswer) DiagramNotes() string {
	var b strings.Builder
	for _, seg := range a.Segments {
		if seg.IsTrial || seg.Kind != SegmentDiagram {
			continue
		}
		if content := strings.TrimSpace(seg.Content); content != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(content)
		}
	}
	return b.String()
}

// IsBlank reports whether the answer has no gradable content at all.
func (a StudentAnswer) IsBlank() bool {
	return a.GradedText() == "" && a.DiagramNotes() == ""
}

// StudentScript is the full set of answers extracted from one student PDF.
type StudentScript struct {
	StudentID   string          `json:"student_id"`
	StudentName string          `json:"student_name,omitempty"`
	SourceFile  string          `json:"source_file,omitempty"`
	Answers     []StudentAnswer `json:"answers"`
}

// AnswerFor returns the student's answer for a question, if present. When
// the extraction produced duplicates for the same question number, the first
// occurrence wins.
func (s StudentScript) AnswerFor(questionID string) (StudentAnswer, bool) {
	for _, a := range s.Answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return StudentAnswer{}, false
}
