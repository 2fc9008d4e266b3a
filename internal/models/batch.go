package models

import (
	"time"

	"github.com/gradeflow/gradeflow-api/pkg/faults"
)

// ItemState tracks one (student, question) evaluation through the run.
type ItemState string

const (
	ItemPending    ItemState = "pending"
	ItemInProgress ItemState = "in_progress"
	ItemSucceeded  ItemState = "succeeded"
	ItemFailed     ItemState = "failed"
)

// RunState tracks the batch as a whole. A run only aborts on setup failure;
// individual item failures never escalate past Failed.
type RunState string

const (
	RunRunning  RunState = "running"
	RunComplete RunState = "complete"
	RunAborted  RunState = "aborted"
)

// BatchItem is one (student, question) slot in a run. Each slot is written
// exactly once, by the goroutine that owns it, so no locking is needed
// around Result.
type BatchItem struct {
	StudentID   string            `json:"student_id"`
	QuestionID  string            `json:"question_id"`
	State       ItemState         `json:"state"`
	Result      *EvaluationResult `json:"result,omitempty"`
	FailureKind faults.Kind       `json:"failure_kind,omitempty"`
	FailureNote string            `json:"failure_note,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
}

// BatchRun owns the evaluation results for one grading session. Items are
// kept in deterministic order (student ascending, then question ascending)
// so re-runs and reports are reproducible regardless of completion order.
type BatchRun struct {
	ID         string       `json:"id"`
	State      RunState     `json:"state"`
	Items      []*BatchItem `json:"items"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}

// Counts tallies item states for status reporting.
func (r *BatchRun) Counts() (succeeded, failed, pending int) {
	for _, item := range r.Items {
		switch item.State {
		case ItemSucceeded:
			succeeded++
		case ItemFailed:
			failed++
		default:
			pending++
		}
	}
	return succeeded, failed, pending
}

// RunRecord is the persisted form of a batch run.
type RunRecord struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	State      string    `gorm:"size:16;not null" json:"state"`
	ExamName   string    `gorm:"size:255" json:"exam_name"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// ItemRecord is one persisted detailed row: (student, question, step).
// Failed items persist one row per rubric step with zero credit and the
// failure note so coverage stays auditable.
type ItemRecord struct {
	ID           uint    `gorm:"primaryKey" json:"id"`
	RunID        string  `gorm:"index;size:36;not null" json:"run_id"`
	StudentID    string  `gorm:"index;size:64;not null" json:"student_id"`
	QuestionID   string  `gorm:"size:32;not null" json:"question_id"`
	StepID       int     `json:"step_id"`
	MarksAwarded float64 `json:"marks_awarded"`
	MaxMarks     float64 `json:"max_marks"`
	Feedback     string  `gorm:"type:text" json:"feedback"`
	State        string  `gorm:"size:16;not null" json:"state"`
	FailureKind  string  `gorm:"size:32" json:"failure_kind,omitempty"`
}
