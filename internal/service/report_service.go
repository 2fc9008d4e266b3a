package service

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gradeflow/gradeflow-api/internal/dto"
	"github.com/gradeflow/gradeflow-api/internal/models"
	"github.com/gradeflow/gradeflow-api/pkg/faults"
)

const (
	detailedReportName = "grading_results.csv"
	summaryReportName  = "summary_report.csv"
	auditDirName       = "audit"
)

// ReportService renders a finished run into the detailed and summary CSV
// reports plus per-item audit logs.
type ReportService interface {
	WriteCSV(dir string, rubric models.Rubric, run *models.BatchRun) error
	WriteAuditLogs(dir string, run *models.BatchRun) error
}

type reportService struct {
	logger zerolog.Logger
}

// NewReportService constructs the report writer.
func NewReportService(logger zerolog.Logger) ReportService {
	return &reportService{
		logger: logger.With().Str("component", "report_service").Logger(),
	}
}

// WriteCSV writes grading_results.csv (one row per student, question and
// rubric step) and summary_report.csv (one row per student) into dir.
func (s *reportService) WriteCSV(dir string, rubric models.Rubric, run *models.BatchRun) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	detailed := dto.NewDetailedRows(rubric, run)
	records := [][]string{{"student_id", "question_no", "step_id", "step_description", "marks_awarded", "max_marks", "feedback", "status"}}
	for _, row := range detailed {
		records = append(records, []string{
			row.StudentID,
			row.QuestionID,
			strconv.Itoa(row.StepID),
			row.StepDescription,
			formatMarks(row.MarksAwarded),
			formatMarks(row.MaxMarks),
			row.Feedback,
			row.Status,
		})
	}
	if err := writeCSVFile(filepath.Join(dir, detailedReportName), records); err != nil {
		return err
	}

	summary := dto.NewSummaryRows(rubric, run)
	records = [][]string{{"student_id", "total_awarded", "total_possible", "failed_items"}}
	for _, row := range summary {
		records = append(records, []string{
			row.StudentID,
			formatMarks(row.TotalAwarded),
			formatMarks(row.TotalPossible),
			strconv.Itoa(row.FailedItems),
		})
	}
	if err := writeCSVFile(filepath.Join(dir, summaryReportName), records); err != nil {
		return err
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("dir", dir).
		Int("detailed_rows", len(detailed)).
		Int("students", len(summary)).
		Msg("reports written")

	return nil
}

type auditEntry struct {
	RunID       string          `json:"run_id"`
	StudentID   string          `json:"student_id"`
	QuestionID  string          `json:"question_no"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	FailureKind faults.Kind     `json:"failure_kind,omitempty"`
	FailureNote string          `json:"failure_note,omitempty"`
	Request     string          `json:"request,omitempty"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
}

// WriteAuditLogs writes one JSON file per (student, question) item with the
// exact grading prompt sent and the raw model output received, so every
// awarded mark can be traced back to the exchange that produced it.
func (s *reportService) WriteAuditLogs(dir string, run *models.BatchRun) error {
	auditDir := filepath.Join(dir, auditDirName)
	if err := os.MkdirAll(auditDir, 0o755); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}

	for _, item := range run.Items {
		entry := auditEntry{
			RunID:       run.ID,
			StudentID:   item.StudentID,
			QuestionID:  item.QuestionID,
			State:       string(item.State),
			Attempts:    item.Attempts,
			FailureKind: item.FailureKind,
			FailureNote: item.FailureNote,
		}
		if item.Result != nil {
			entry.Request = item.Result.RawRequest
			if raw := strings.TrimSpace(item.Result.RawModelOutput); raw != "" && json.Valid([]byte(raw)) {
				entry.RawResponse = json.RawMessage(raw)
			} else if raw != "" {
				encoded, _ := json.Marshal(raw)
				entry.RawResponse = encoded
			}
		}

		data, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return fmt.Errorf("encode audit entry: %w", err)
		}

		name := fmt.Sprintf("%s_q%s.json", sanitizeFileToken(item.StudentID), sanitizeFileToken(item.QuestionID))
		if err := os.WriteFile(filepath.Join(auditDir, name), data, 0o644); err != nil {
			return fmt.Errorf("write audit entry: %w", err)
		}
	}

	return nil
}

func writeCSVFile(path string, records [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(records); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return file.Close()
}

// formatMarks prints marks without trailing zeros: 8.50 -> "8.5", 3 -> "3".
func formatMarks(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func sanitizeFileToken(token string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, token)
}
