package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-planner-api/internal/models"
)

// TopicRepository reads lesson topics.
type TopicRepository struct {
	db *sqlx.DB
}

// NewTopicRepository constructs the repository.
func NewTopicRepository(db *sqlx.DB) *TopicRepository {
	return &TopicRepository{db: db}
}

// ListByClass returns topics of a class, including legacy rows that only carry a subject name.
func (r *TopicRepository) ListByClass(ctx context.Context, classID string) ([]models.Topic, error) {
	const query = `SELECT id, name, color, COALESCE(subject_id, '') AS subject_id, subject_name, COALESCE(class_id, '') AS class_id, created_at, updated_at
		FROM topics WHERE class_id = $1 OR class_id IS NULL ORDER BY name`
	var topics []models.Topic
	if err := r.db.SelectContext(ctx, &topics, query, classID); err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return topics, nil
}

// FindByID returns a topic by id.
func (r *TopicRepository) FindByID(ctx context.Context, id string) (*models.Topic, error) {
	const query = `SELECT id, name, color, COALESCE(subject_id, '') AS subject_id, subject_name, COALESCE(class_id, '') AS class_id, created_at, updated_at
		FROM topics WHERE id = $1`
	var topic models.Topic
	if err := r.db.GetContext(ctx, &topic, query, id); err != nil {
		return nil, err
	}
	return &topic, nil
}
