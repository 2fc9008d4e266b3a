package ai

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// flexFloat tolerates numbers the model wraps in quotes, and blank or
// sentinel strings, which all decode to zero.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		str = strings.TrimSpace(str)
		if str == "" || strings.EqualFold(str, "error") || strings.EqualFold(str, "n/a") {
			*f = 0
			return nil
		}
		value, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return err
		}
		*f = flexFloat(value)
		return nil
	}
	var value float64
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*f = flexFloat(value)
	return nil
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

// extractJSONBlock pulls the JSON object out of a model reply that may wrap
// it in a code fence or surround it with prose.
func extractJSONBlock(text string) string {
	text = strings.TrimSpace(text)

	if match := fencedJSON.FindStringSubmatch(text); match != nil {
		return strings.TrimSpace(match[1])
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		return text[start : end+1]
	}
	return text
}

type stepPayload struct {
	StepID       flexFloat `json:"step_id"`
	Description  string    `json:"description"`
	MarksAwarded flexFloat `json:"marks_awarded"`
	MaxMarks     flexFloat `json:"max_marks"`
	Feedback     string    `json:"feedback"`
}

type verdictPayload struct {
	QuestionNo      string        `json:"question_no"`
	MarksAwarded    flexFloat     `json:"marks_awarded"`
	Steps           []stepPayload `json:"stepwise_feedback"`
	OverallFeedback string        `json:"overall_feedback"`
	Status          string        `json:"status"`
}

// invalidEscape matches a backslash that does not start a valid JSON escape,
// the usual failure mode when the model writes raw LaTeX (\sqrt, \lambda)
// inside a JSON string.
var invalidEscape = regexp.MustCompile(`\\([^"\\/bfnrtu])`)

func repairLatexEscapes(block string) string {
	return invalidEscape.ReplaceAllString(block, `\\$1`)
}

// parseVerdict decodes a grading reply. Replies broken only by single-escaped
// LaTeX are repaired locally; other failures come back as *ParseError so the
// evaluation engine can retry once with a reformulated prompt.
func parseVerdict(content string) (Verdict, error) {
	block := extractJSONBlock(content)

	var payload verdictPayload
	if err := json.Unmarshal([]byte(block), &payload); err != nil {
		repaired := repairLatexEscapes(block)
		if repaired == block || json.Unmarshal([]byte(repaired), &payload) != nil {
			return Verdict{}, &ParseError{Raw: content, Err: err}
		}
	}

	verdict := Verdict{
		QuestionID:      payload.QuestionNo,
		OverallFeedback: payload.OverallFeedback,
		Status:          payload.Status,
		ReportedTotal:   float64(payload.MarksAwarded),
		Raw:             content,
	}
	for _, step := range payload.Steps {
		verdict.Steps = append(verdict.Steps, StepVerdict{
			StepID:       int(step.StepID),
			Description:  step.Description,
			MarksAwarded: float64(step.MarksAwarded),
			MaxMarks:     float64(step.MaxMarks),
			Feedback:     step.Feedback,
		})
	}
	return verdict, nil
}
