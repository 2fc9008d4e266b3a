package dto

import (
	"time"

	"github.com/gradeflow/gradeflow-api/internal/models"
)

// GradeRunRequest describes the multipart payload that starts a grading run.
// The rubric PDF and at least one student script PDF arrive as file parts.
type GradeRunRequest struct {
	ExamName string `form:"exam_name" validate:"omitempty,min=3,max=255"`
}

// DetailedRow is one line of the detailed grading report: a single rubric
// step of a single student's answer to a single question.
type DetailedRow struct {
	StudentID       string  `json:"student_id"`
	QuestionID      string  `json:"question_no"`
	StepID          int     `json:"step_id"`
	StepDescription string  `json:"step_description"`
	MarksAwarded    float64 `json:"marks_awarded"`
	MaxMarks        float64 `json:"max_marks"`
	Feedback        string  `json:"feedback"`
	Status          string  `json:"status"`
}

// SummaryRow is one line of the per-student summary report.
type SummaryRow struct {
	StudentID     string  `json:"student_id"`
	TotalAwarded  float64 `json:"total_awarded"`
	TotalPossible float64 `json:"total_possible"`
	FailedItems   int     `json:"failed_items"`
}

// RunItemResponse serializes one (student, question) slot of a run.
type RunItemResponse struct {
	StudentID    string   `json:"student_id"`
	QuestionID   string   `json:"question_no"`
	State        string   `json:"state"`
	Attempts     int      `json:"attempts"`
	TotalAwarded *float64 `json:"total_awarded,omitempty"`
	MaxMarks     *float64 `json:"max_marks,omitempty"`
	FailureKind  string   `json:"failure_kind,omitempty"`
	FailureNote  string   `json:"failure_note,omitempty"`
}

// RunResponse is returned to API clients when viewing a grading run.
type RunResponse struct {
	ID         string            `json:"id"`
	State      string            `json:"state"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Pending    int               `json:"pending"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Items      []RunItemResponse `json:"items"`
}

// NewDetailedRows flattens a finished run into detailed report rows, one per
// rubric step. Failed items still produce a full set of zero-credit rows so
// every (student, question, step) combination stays accounted for.
func NewDetailedRows(rubric models.Rubric, run *models.BatchRun) []DetailedRow {
	rows := make([]DetailedRow, 0, len(run.Items))
	for _, item := range run.Items {
		if item.Result != nil {
			for _, step := range item.Result.StepResults {
				rows = append(rows, DetailedRow{
					StudentID:       item.StudentID,
					QuestionID:      item.QuestionID,
					StepID:          step.StepID,
					StepDescription: step.Description,
					MarksAwarded:    step.MarksAwarded,
					MaxMarks:        step.MaxMarks,
					Feedback:        step.Feedback,
					Status:          item.Result.Status,
				})
			}
			continue
		}

		question, ok := rubric.QuestionByID(item.QuestionID)
		if !ok {
			continue
		}
		note := item.FailureNote
		if note == "" {
			note = string(item.FailureKind)
		}
		for _, step := range question.Steps {
			rows = append(rows, DetailedRow{
				StudentID:       item.StudentID,
				QuestionID:      item.QuestionID,
				StepID:          step.ID,
				StepDescription: step.Description,
				MarksAwarded:    0,
				MaxMarks:        step.MaxMarks,
				Feedback:        note,
				Status:          "Failed",
			})
		}
	}
	return rows
}

// NewSummaryRows totals each student's awarded marks across the run. The
// possible total is the rubric's, so partially failed students are measured
// against the same denominator as everyone else.
func NewSummaryRows(rubric models.Rubric, run *models.BatchRun) []SummaryRow {
	possible := rubric.TotalPossible()

	index := map[string]int{}
	rows := make([]SummaryRow, 0)
	for _, item := range run.Items {
		i, ok := index[item.StudentID]
		if !ok {
			i = len(rows)
			index[item.StudentID] = i
			rows = append(rows, SummaryRow{StudentID: item.StudentID, TotalPossible: possible})
		}
		if item.Result != nil {
			rows[i].TotalAwarded += item.Result.TotalAwarded
		}
		if item.State == models.ItemFailed {
			rows[i].FailedItems++
		}
	}
	return rows
}

// NewRunResponse converts a batch run into its API representation.
func NewRunResponse(run *models.BatchRun) RunResponse {
	succeeded, failed, pending := run.Counts()
	response := RunResponse{
		ID:         run.ID,
		State:      string(run.State),
		Succeeded:  succeeded,
		Failed:     failed,
		Pending:    pending,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Items:      make([]RunItemResponse, 0, len(run.Items)),
	}
	for _, item := range run.Items {
		itemResponse := RunItemResponse{
			StudentID:   item.StudentID,
			QuestionID:  item.QuestionID,
			State:       string(item.State),
			Attempts:    item.Attempts,
			FailureKind: string(item.FailureKind),
			FailureNote: item.FailureNote,
		}
		if item.Result != nil {
			awarded := item.Result.TotalAwarded
			max := item.Result.MaxMarks
			itemResponse.TotalAwarded = &awarded
			itemResponse.MaxMarks = &max
		}
		response.Items = append(response.Items, itemResponse)
	}
	return response
}
