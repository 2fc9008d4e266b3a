package ai

import (
	"fmt"
	"strings"
)

// RenderPrompt returns the grading prompt exactly as it is sent to the
// provider, for per-item audit logs.
func RenderPrompt(input GradingInput) string {
	return graderSystemPrompt() + "\n\n" + buildGradingPrompt(input)
}

func graderSystemPrompt() string {
	return "You are a STEM subject expert examiner grading handwritten student answers against a detailed step-wise rubric. " +
		"Award partial credit for conceptually correct steps even when the student uses a different solution method or the " +
		"final answer is wrong. Ignore minor spelling mistakes. Respond with a single JSON object and nothing else."
}

func buildGradingPrompt(input GradingInput) string {
	builder := strings.Builder{}

	builder.WriteString("== QUESTION ==\n")
	builder.WriteString(fmt.Sprintf("Question No: %s\n", input.QuestionID))
	if input.QuestionType != "" {
		builder.WriteString(fmt.Sprintf("Question Type: %s\n", input.QuestionType))
	}
	builder.WriteString(input.QuestionText)

	builder.WriteString("\n\n== RUBRIC STEPS ==\n")
	builder.WriteString(fmt.Sprintf("Max Marks: %s\n", trimFloat(input.MaxMarks)))
	for _, step := range input.Steps {
		builder.WriteString(fmt.Sprintf("[step %d | %s marks] %s\n", step.ID, trimFloat(step.MaxMarks), step.Description))
	}
	if len(input.Keywords) > 0 {
		builder.WriteString("Keywords to check: ")
		builder.WriteString(strings.Join(input.Keywords, ", "))
		builder.WriteString("\n")
	}

	if input.ReferenceAnswer != "" {
		builder.WriteString("\n== REFERENCE SOLUTION ==\n")
		builder.WriteString(input.ReferenceAnswer)
	}

	builder.WriteString("\n\n== STUDENT ANSWER ==\n")
	builder.WriteString(input.AnswerText)
	if input.DiagramNotes != "" {
		builder.WriteString("\n\nDiagrams/Figures:\n")
		builder.WriteString(input.DiagramNotes)
	}

	builder.WriteString("\n\n== INSTRUCTIONS ==\n")
	builder.WriteString("1. Judge conceptual correctness per rubric step.\n")
	builder.WriteString("2. Award partial credit for correct steps even if the final answer is wrong or the method differs from the reference.\n")
	builder.WriteString("3. Give short feedback aligned to each step.\n")

	builder.WriteString("\n== OUTPUT FORMAT ==\n")
	builder.WriteString(`Return exactly this JSON shape:
{
  "question_no": "` + input.QuestionID + `",
  "marks_awarded": <number>,
  "stepwise_feedback": [
    {"step_id": <rubric step id>, "description": "<concept>", "marks_awarded": <number>, "max_marks": <number>, "feedback": "<short feedback>"}
  ],
  "overall_feedback": "<summary>",
  "status": "Correct" | "Partial" | "Incorrect"
}`)

	if input.FormatReminder {
		builder.WriteString("\n\nIMPORTANT: your previous reply could not be parsed. Return ONLY the JSON object, ")
		builder.WriteString("no code fences, no commentary, all marks as plain numbers, and use double backslashes for any LaTeX.")
	}

	return builder.String()
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
