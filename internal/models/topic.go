package models

import (
	"strings"
	"time"
)

// Topic groups consecutive lessons of one subject.
type Topic struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Color       string    `db:"color" json:"color"`
	SubjectID   string    `db:"subject_id" json:"subject_id"`
	SubjectName string    `db:"subject_name" json:"subject_name"`
	ClassID     string    `db:"class_id" json:"class_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// BelongsTo reports whether the topic may be assigned to lessons of the subject.
// Rows written before topics carried a subject id are matched by name within the class.
func (t Topic) BelongsTo(subject Subject) bool {
	if t.SubjectID != "" {
		return t.SubjectID == subject.ID
	}
	if t.ClassID != "" && t.ClassID != subject.ClassID {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(t.SubjectName), strings.TrimSpace(subject.Name))
}
