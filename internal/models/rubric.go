package models

// Step is one creditable concept within a question's marking scheme.
type Step struct {
	ID          int     `json:"id"`
	Description string  `json:"description"`
	MaxMarks    float64 `json:"max_marks"`
}

// Question is a single rubric entry with its step-wise marking breakdown.
type Question struct {
	ID              string   `json:"id"`
	Text            string   `json:"text"`
	Type            string   `json:"type,omitempty"`
	MaxMarks        float64  `json:"max_marks"`
	ReferenceAnswer string   `json:"reference_answer,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	Steps           []Step   `json:"steps"`
}

// StepSum returns the sum of the step mark allocations.
func (q Question) StepSum() float64 {
	var sum float64
	for _, s := range q.Steps {
		sum += s.MaxMarks
	}
	return sum
}

// StepByID looks up a step by its identifier.
func (q Question) StepByID(id int) (Step, bool) {
	for _, s := range q.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Rubric is the full marking scheme for one exam.
type Rubric struct {
	ExamName   string     `json:"exam_name,omitempty"`
	Subject    string     `json:"subject,omitempty"`
	TotalMarks float64    `json:"total_marks,omitempty"`
	Questions  []Question `json:"questions"`
}

// TotalPossible sums the per-question maxima. The extraction service also
// reports an exam-level total in metadata, but the question sum is the
// authoritative value after normalization.
func (r Rubric) TotalPossible() float64 {
	var sum float64
	for _, q := range r.Questions {
		sum += q.MaxMarks
	}
	return sum
}

// QuestionByID looks up a question by its normalized number.
func (r Rubric) QuestionByID(id string) (Question, bool) {
	for _, q := range r.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}
