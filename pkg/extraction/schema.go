package extraction

import "github.com/santhosh-tekuri/jsonschema/v5"

// Schema couples the page schema sent to the extraction service with a
// compiled validator applied to the payload it returns. The service fills
// the schema with an LLM, so the result is not guaranteed to conform and is
// checked before anything downstream consumes it.
type Schema struct {
	Name       string
	Definition string
	compiled   *jsonschema.Schema
}

const rubricSchemaJSON = `{
  "type": "object",
  "description": "Complete grading rubric with step-wise marking breakdown",
  "properties": {
    "exam_metadata": {
      "type": "object",
      "properties": {
        "subject": {"type": "string"},
        "exam_name": {"type": "string"},
        "total_marks": {"type": "string"}
      }
    },
    "questions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "question_no": {"type": "string"},
          "question_type": {"type": "string"},
          "question_text_plain": {"type": "string"},
          "correct_answer_plain": {"type": "string"},
          "max_marks": {"type": "string"},
          "keywords": {"type": "array", "items": {"type": "string"}},
          "step_marking": {
            "type": "array",
            "description": "Step-wise marking rubric, one element per logical concept",
            "items": {
              "type": "object",
              "properties": {
                "marksplit": {"type": "number"},
                "step_wise_answer": {"type": "string"},
                "diagram_description": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

const answerSchemaJSON = `{
  "type": "object",
  "description": "Student exam answers segmented per question",
  "properties": {
    "student_metadata": {
      "type": "object",
      "properties": {
        "student_name": {"type": "string"},
        "roll_number": {"type": "string"}
      }
    },
    "answers": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "question_no": {"type": "string"},
          "status": {"type": "string"},
          "segments": {
            "type": "array",
            "description": "Answer content in writing order, crossed-out and rough work flagged",
            "items": {
              "type": "object",
              "properties": {
                "kind": {"type": "string", "enum": ["text", "math", "diagram"]},
                "content": {"type": "string"},
                "crossed_out": {"type": "boolean"},
                "rough_work": {"type": "boolean"},
                "label": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

var (
	rubricSchema = Schema{
		Name:       "rubric",
		Definition: rubricSchemaJSON,
		compiled:   jsonschema.MustCompileString("rubric.schema.json", rubricSchemaJSON),
	}
	answerSchema = Schema{
		Name:       "answers",
		Definition: answerSchemaJSON,
		compiled:   jsonschema.MustCompileString("answers.schema.json", answerSchemaJSON),
	}
)

// RubricSchema is the page schema for marking-scheme PDFs.
func RubricSchema() Schema { return rubricSchema }

// AnswerSchema is the page schema for student answer scripts.
func AnswerSchema() Schema { return answerSchema }
