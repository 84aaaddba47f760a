package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-planner-api/internal/models"
)

const lessonColumns = `id, school_year, week_number, subject_id, lesson_number, class_id, topic_id, name, notes, steps, is_exam, is_half_class, is_double_lesson, second_lesson_id, created_at, updated_at`

var updatableLessonFields = map[string]struct{}{
	models.LessonFieldWeekNumber:     {},
	models.LessonFieldSubjectID:      {},
	models.LessonFieldLessonNumber:   {},
	models.LessonFieldTopicID:        {},
	models.LessonFieldName:           {},
	models.LessonFieldNotes:          {},
	models.LessonFieldSteps:          {},
	models.LessonFieldIsExam:         {},
	models.LessonFieldIsHalfClass:    {},
	models.LessonFieldIsDoubleLesson: {},
	models.LessonFieldSecondLessonID: {},
}

// LessonRepository persists yearly lessons.
type LessonRepository struct {
	db *sqlx.DB
}

// NewLessonRepository constructs the repository.
func NewLessonRepository(db *sqlx.DB) *LessonRepository {
	return &LessonRepository{db: db}
}

func (r *LessonRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// ListByClassYear returns every lesson of a class in a school year.
func (r *LessonRepository) ListByClassYear(ctx context.Context, classID string, schoolYear int) ([]models.Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM yearly_lessons WHERE class_id = $1 AND school_year = $2 ORDER BY week_number, subject_id, lesson_number`
	var lessons []models.Lesson
	if err := r.db.SelectContext(ctx, &lessons, query, classID, schoolYear); err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	return lessons, nil
}

// Create inserts a lesson.
func (r *LessonRepository) Create(ctx context.Context, exec sqlx.ExtContext, lesson *models.Lesson) error {
	if lesson.ID == "" {
		lesson.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if lesson.CreatedAt.IsZero() {
		lesson.CreatedAt = now
	}
	if lesson.UpdatedAt.IsZero() {
		lesson.UpdatedAt = lesson.CreatedAt
	}

	const query = `INSERT INTO yearly_lessons (id, school_year, week_number, subject_id, lesson_number, class_id, topic_id, name, notes, steps, is_exam, is_half_class, is_double_lesson, second_lesson_id, created_at, updated_at)
		VALUES (:id, :school_year, :week_number, :subject_id, :lesson_number, :class_id, :topic_id, :name, :notes, :steps, :is_exam, :is_half_class, :is_double_lesson, :second_lesson_id, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, lesson); err != nil {
		return fmt.Errorf("create lesson: %w", err)
	}
	return nil
}

// Update writes the listed columns of a lesson. updated_at is always written.
func (r *LessonRepository) Update(ctx context.Context, exec sqlx.ExtContext, lesson *models.Lesson, fields []string) error {
	sets := make([]string, 0, len(fields)+1)
	seen := map[string]bool{}
	for _, field := range fields {
		if _, ok := updatableLessonFields[field]; !ok {
			return fmt.Errorf("update lesson: field %q is not updatable", field)
		}
		if seen[field] {
			continue
		}
		seen[field] = true
		sets = append(sets, fmt.Sprintf("%s = :%s", field, field))
	}
	if len(sets) == 0 {
		return nil
	}
	if lesson.UpdatedAt.IsZero() {
		lesson.UpdatedAt = time.Now().UTC()
	}
	sets = append(sets, "updated_at = :updated_at")

	query := `UPDATE yearly_lessons SET ` + strings.Join(sets, ", ") + ` WHERE id = :id`
	res, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, lesson)
	if err != nil {
		return fmt.Errorf("update lesson: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("update lesson %s: %w", lesson.ID, sql.ErrNoRows)
	}
	return nil
}

// Delete removes a lesson.
func (r *LessonRepository) Delete(ctx context.Context, exec sqlx.ExtContext, id string) error {
	const query = `DELETE FROM yearly_lessons WHERE id = $1`
	res, err := r.exec(exec).ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete lesson: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("delete lesson %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// ApplyOperations runs planner operations in order against exec.
func (r *LessonRepository) ApplyOperations(ctx context.Context, exec sqlx.ExtContext, ops []models.LessonOperation) error {
	for i := range ops {
		op := ops[i]
		lesson := op.Lesson
		var err error
		switch op.Kind {
		case models.LessonOperationCreate:
			err = r.Create(ctx, exec, &lesson)
		case models.LessonOperationUpdate:
			err = r.Update(ctx, exec, &lesson, op.Fields)
		case models.LessonOperationDelete:
			err = r.Delete(ctx, exec, op.LessonID)
		default:
			err = fmt.Errorf("unknown lesson operation %q", op.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
