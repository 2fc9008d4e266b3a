package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/gradeflow/gradeflow-api/internal/models"
)

// RunRepository persists finished grading runs and their detailed rows.
type RunRepository interface {
	SaveRun(ctx context.Context, rubric models.Rubric, run *models.BatchRun) error
	GetRun(ctx context.Context, id string) (models.RunRecord, []models.ItemRecord, error)
	ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error)
}

type runRepository struct {
	db *gorm.DB
}

// NewRunRepository constructs a repository backed by GORM.
func NewRunRepository(db *gorm.DB) RunRepository {
	return &runRepository{db: db}
}

// SaveRun stores the run header plus one detailed row per rubric step.
// Failed items persist zero-credit rows carrying the failure note so the
// stored report stays complete.
func (r *runRepository) SaveRun(ctx context.Context, rubric models.Rubric, run *models.BatchRun) error {
	record := models.RunRecord{
		ID:         run.ID,
		State:      string(run.State),
		ExamName:   rubric.ExamName,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}

	items := make([]models.ItemRecord, 0, len(run.Items))
	for _, item := range run.Items {
		if item.Result != nil {
			for _, step := range item.Result.StepResults {
				items = append(items, models.ItemRecord{
					RunID:        run.ID,
					StudentID:    item.StudentID,
					QuestionID:   item.QuestionID,
					StepID:       step.StepID,
					MarksAwarded: step.MarksAwarded,
					MaxMarks:     step.MaxMarks,
					Feedback:     step.Feedback,
					State:        string(item.State),
				})
			}
			continue
		}

		question, ok := rubric.QuestionByID(item.QuestionID)
		if !ok {
			continue
		}
		for _, step := range question.Steps {
			items = append(items, models.ItemRecord{
				RunID:       run.ID,
				StudentID:   item.StudentID,
				QuestionID:  item.QuestionID,
				StepID:      step.ID,
				MaxMarks:    step.MaxMarks,
				Feedback:    item.FailureNote,
				State:       string(item.State),
				FailureKind: string(item.FailureKind),
			})
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Create(&items).Error
	})
}

func (r *runRepository) GetRun(ctx context.Context, id string) (models.RunRecord, []models.ItemRecord, error) {
	var record models.RunRecord
	if err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		return models.RunRecord{}, nil, err
	}

	var items []models.ItemRecord
	err := r.db.WithContext(ctx).
		Where("run_id = ?", id).
		Order("student_id asc, question_id asc, step_id asc").
		Find(&items).Error
	if err != nil {
		return models.RunRecord{}, nil, err
	}

	return record, items, nil
}

func (r *runRepository) ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []models.RunRecord
	err := r.db.WithContext(ctx).
		Order("started_at desc").
		Limit(limit).
		Find(&records).Error
	return records, err
}
