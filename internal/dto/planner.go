package dto

import "github.com/noah-isme/sma-planner-api/internal/models"

// PlacementRequest addresses the target cell of a move or copy.
type PlacementRequest struct {
	WeekNumber   int    `json:"week_number" validate:"required,min=1,max=53"`
	SubjectID    string `json:"subject_id" validate:"required"`
	LessonNumber int    `json:"lesson_number" validate:"required,min=1"`
}

// CreateLessonRequest creates a lesson in an empty cell.
type CreateLessonRequest struct {
	WeekNumber   int                 `json:"week_number" validate:"required,min=1,max=53"`
	SubjectID    string              `json:"subject_id" validate:"required"`
	LessonNumber int                 `json:"lesson_number" validate:"required,min=1"`
	TopicID      *string             `json:"topic_id" validate:"omitempty,min=1"`
	Name         string              `json:"name" validate:"max=255"`
	Notes        string              `json:"notes"`
	Steps        []models.LessonStep `json:"steps" validate:"omitempty,dive"`
	IsExam       bool                `json:"is_exam"`
	IsHalfClass  bool                `json:"is_half_class"`
}

// UpdateLessonRequest patches lesson content. Omitted fields stay unchanged.
type UpdateLessonRequest struct {
	Name        *string              `json:"name" validate:"omitempty,max=255"`
	Notes       *string              `json:"notes"`
	Steps       *[]models.LessonStep `json:"steps"`
	IsExam      *bool                `json:"is_exam"`
	IsHalfClass *bool                `json:"is_half_class"`
}

// DuplicateLessonRequest picks the search direction for the nearest free lesson number.
type DuplicateLessonRequest struct {
	Direction string `json:"direction" validate:"required,oneof=next previous"`
}

// DoubleLessonRequest toggles the double lesson state. Mode defaults to the owner's template mode.
type DoubleLessonRequest struct {
	Enabled *bool  `json:"enabled" validate:"required"`
	Mode    string `json:"mode" validate:"omitempty,oneof=flexible fixed"`
}

// AssignTopicRequest sets or clears (null topic_id) the topic of lessons.
type AssignTopicRequest struct {
	TopicID   *string  `json:"topic_id" validate:"omitempty,min=1"`
	LessonIDs []string `json:"lesson_ids" validate:"required,min=1,dive,required"`
}

// GenerateLessonsRequest bulk-creates empty lessons for a week range.
type GenerateLessonsRequest struct {
	WeekFrom   int      `json:"week_from" validate:"required,min=1,max=53"`
	WeekTo     int      `json:"week_to" validate:"required,min=1,max=53,gtefield=WeekFrom"`
	SubjectIDs []string `json:"subject_ids" validate:"omitempty,dive,required"`
}

// LessonListQuery filters and pages the lesson list.
type LessonListQuery struct {
	Week      int    `form:"week" validate:"omitempty,min=1,max=53"`
	SubjectID string `form:"subjectId"`
	Page      int    `form:"page" validate:"omitempty,min=1"`
	PageSize  int    `form:"pageSize" validate:"omitempty,min=1,max=500"`
}

// AvailabilityQuery asks for the free lesson numbers around a position.
type AvailabilityQuery struct {
	Week      int    `form:"week" validate:"required,min=1,max=53"`
	SubjectID string `form:"subjectId" validate:"required"`
	From      int    `form:"from" validate:"min=0"`
}

// AvailabilityResponse holds the nearest free lesson numbers, null when there is none.
type AvailabilityResponse struct {
	Week      int    `json:"week"`
	SubjectID string `json:"subject_id"`
	From      int    `json:"from"`
	Next      *int   `json:"next"`
	Previous  *int   `json:"previous"`
}

// ExportQuery selects the export format and week range.
type ExportQuery struct {
	Format   string `form:"format" validate:"omitempty,oneof=csv pdf"`
	WeekFrom int    `form:"weekFrom" validate:"omitempty,min=1,max=53"`
	WeekTo   int    `form:"weekTo" validate:"omitempty,min=1,max=53"`
}

// TemplateEntryRequest assigns a period to a subject of a class.
type TemplateEntryRequest struct {
	Period  int    `json:"period" validate:"required,min=1,max=16"`
	Subject string `json:"subject" validate:"required"`
	ClassID string `json:"class_id" validate:"required"`
}

// ScheduleTemplateRequest replaces the owner's weekly timetable.
type ScheduleTemplateRequest struct {
	Mode  string                            `json:"mode" validate:"required,oneof=flexible fixed"`
	Slots map[string][]TemplateEntryRequest `json:"slots" validate:"dive,keys,oneof=monday tuesday wednesday thursday friday,endkeys,dive"`
}
