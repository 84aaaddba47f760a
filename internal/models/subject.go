package models

import "time"

// Subject is a class-scoped subject; LessonsPerWeek bounds valid lesson numbers.
type Subject struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	ClassID        string    `db:"class_id" json:"class_id"`
	LessonsPerWeek int       `db:"lessons_per_week" json:"lessons_per_week"`
	Color          string    `db:"color" json:"color"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
