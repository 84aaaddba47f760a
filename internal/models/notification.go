package models

import "time"

// PlannerNotification surfaces a failed background write to the teacher.
type PlannerNotification struct {
	ID         string    `json:"id"`
	ClassID    string    `json:"class_id"`
	SchoolYear int       `json:"school_year"`
	Command    string    `json:"command"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	LessonIDs  []string  `json:"lesson_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
