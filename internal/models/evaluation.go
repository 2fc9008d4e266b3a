package models

// StepResult is the per-step grading outcome for one answer.
type StepResult struct {
	StepID       int     `json:"step_id"`
	Description  string  `json:"description,omitempty"`
	MarksAwarded float64 `json:"marks_awarded"`
	MaxMarks     float64 `json:"max_marks"`
	Feedback     string  `json:"feedback"`
}

// EvaluationResult is the validated verdict for one (student, question)
// pair. TotalAwarded is always recomputed locally from the step results;
// totals reported by the grading service are never trusted.
type EvaluationResult struct {
	StudentID       string       `json:"student_id"`
	QuestionID      string       `json:"question_id"`
	StepResults     []StepResult `json:"step_results"`
	TotalAwarded    float64      `json:"total_awarded"`
	MaxMarks        float64      `json:"max_marks"`
	OverallFeedback string       `json:"overall_feedback,omitempty"`
	Status          string       `json:"status,omitempty"`
	RawRequest      string       `json:"raw_request,omitempty"`
	RawModelOutput  string       `json:"raw_model_output,omitempty"`
}

// RecomputeTotal sets TotalAwarded to the sum of the step awards, clamped
// non-negative.
func (r *EvaluationResult) RecomputeTotal() {
	var sum float64
	for _, s := range r.StepResults {
		sum += s.MarksAwarded
	}
	if sum < 0 {
		sum = 0
	}
	r.TotalAwarded = sum
}
