package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-planner-api/internal/models"
)

// ScheduleTemplateRepository persists weekly timetable templates, one per owner.
type ScheduleTemplateRepository struct {
	db *sqlx.DB
}

// NewScheduleTemplateRepository constructs the repository.
func NewScheduleTemplateRepository(db *sqlx.DB) *ScheduleTemplateRepository {
	return &ScheduleTemplateRepository{db: db}
}

// FindByOwner returns the template of an owner or sql.ErrNoRows when none was saved.
func (r *ScheduleTemplateRepository) FindByOwner(ctx context.Context, ownerID string) (*models.ScheduleTemplate, error) {
	const query = `SELECT id, owner_id, mode, slots, created_at, updated_at FROM schedule_templates WHERE owner_id = $1`
	var tpl models.ScheduleTemplate
	if err := r.db.GetContext(ctx, &tpl, query, ownerID); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// Upsert creates or replaces the template of its owner.
func (r *ScheduleTemplateRepository) Upsert(ctx context.Context, tpl *models.ScheduleTemplate) error {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = now
	}
	tpl.UpdatedAt = now
	if tpl.Slots == nil {
		tpl.Slots = models.WeeklySlots{}
	}

	const query = `INSERT INTO schedule_templates (id, owner_id, mode, slots, created_at, updated_at)
		VALUES (:id, :owner_id, :mode, :slots, :created_at, :updated_at)
		ON CONFLICT (owner_id) DO UPDATE
		SET mode = EXCLUDED.mode,
		    slots = EXCLUDED.slots,
		    updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, tpl); err != nil {
		return fmt.Errorf("upsert schedule template: %w", err)
	}
	return nil
}
