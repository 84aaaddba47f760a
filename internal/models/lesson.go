package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Column names accepted in partial lesson updates.
const (
	LessonFieldWeekNumber     = "week_number"
	LessonFieldSubjectID      = "subject_id"
	LessonFieldLessonNumber   = "lesson_number"
	LessonFieldTopicID        = "topic_id"
	LessonFieldName           = "name"
	LessonFieldNotes          = "notes"
	LessonFieldSteps          = "steps"
	LessonFieldIsExam         = "is_exam"
	LessonFieldIsHalfClass    = "is_half_class"
	LessonFieldIsDoubleLesson = "is_double_lesson"
	LessonFieldSecondLessonID = "second_lesson_id"
)

// PlacementFields are the columns touched when a lesson changes its grid cell.
var PlacementFields = []string{LessonFieldWeekNumber, LessonFieldSubjectID, LessonFieldLessonNumber}

// PairingFields are the columns describing double lesson state.
var PairingFields = []string{LessonFieldIsDoubleLesson, LessonFieldSecondLessonID}

// LessonStep is a single row of a lesson's sequence plan.
type LessonStep struct {
	ID       string `json:"id"`
	Time     string `json:"time,omitempty"`
	WorkForm string `json:"work_form,omitempty"`
	Activity string `json:"activity,omitempty"`
	Material string `json:"material,omitempty"`
}

// LessonSteps is persisted as a JSON array.
type LessonSteps []LessonStep

// Equal reports whether both lists hold the same steps in the same order.
func (s LessonSteps) Equal(other LessonSteps) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Value implements driver.Valuer.
func (s LessonSteps) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *LessonSteps) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported lesson steps type %T", src)
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(raw, s)
}

// Lesson is one planned lesson of the school year, placed at (week, subject, lesson number).
//
// IsDoubleLesson is tri-state: nil means the teacher never declared it, false marks an
// explicitly single lesson and true a double lesson (linked through SecondLessonID in
// flexible mode, unified when SecondLessonID is nil).
type Lesson struct {
	ID             string      `db:"id" json:"id"`
	SchoolYear     int         `db:"school_year" json:"school_year"`
	WeekNumber     int         `db:"week_number" json:"week_number"`
	SubjectID      string      `db:"subject_id" json:"subject_id"`
	LessonNumber   int         `db:"lesson_number" json:"lesson_number"`
	ClassID        string      `db:"class_id" json:"class_id"`
	TopicID        *string     `db:"topic_id" json:"topic_id,omitempty"`
	Name           string      `db:"name" json:"name"`
	Notes          string      `db:"notes" json:"notes"`
	Steps          LessonSteps `db:"steps" json:"steps"`
	IsExam         bool        `db:"is_exam" json:"is_exam"`
	IsHalfClass    bool        `db:"is_half_class" json:"is_half_class"`
	IsDoubleLesson *bool       `db:"is_double_lesson" json:"is_double_lesson,omitempty"`
	SecondLessonID *string     `db:"second_lesson_id" json:"second_lesson_id,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

// IsDouble reports whether the lesson is flagged as a double lesson.
func (l Lesson) IsDouble() bool {
	return l.IsDoubleLesson != nil && *l.IsDoubleLesson
}

// DeclaredSingle reports whether the lesson was explicitly marked as not being a double lesson.
func (l Lesson) DeclaredSingle() bool {
	return l.IsDoubleLesson != nil && !*l.IsDoubleLesson
}

// Clone returns a deep copy so callers can modify the result without aliasing.
func (l Lesson) Clone() Lesson {
	c := l
	c.TopicID = cloneString(l.TopicID)
	c.SecondLessonID = cloneString(l.SecondLessonID)
	if l.IsDoubleLesson != nil {
		v := *l.IsDoubleLesson
		c.IsDoubleLesson = &v
	}
	if l.Steps != nil {
		c.Steps = append(LessonSteps(nil), l.Steps...)
	}
	return c
}

// LessonOperationKind enumerates persistence calls issued by planner commands.
type LessonOperationKind string

const (
	LessonOperationCreate LessonOperationKind = "create"
	LessonOperationUpdate LessonOperationKind = "update"
	LessonOperationDelete LessonOperationKind = "delete"
)

// LessonOperation is one queued write against the lesson store. Lesson holds the
// after-image for creates and updates; Fields limits updates to the listed columns.
type LessonOperation struct {
	Kind     LessonOperationKind `json:"kind"`
	LessonID string              `json:"lesson_id"`
	Lesson   Lesson              `json:"lesson"`
	Fields   []string            `json:"fields,omitempty"`
}

// Bool returns a pointer to v.
func Bool(v bool) *bool {
	return &v
}

// String returns a pointer to v.
func String(v string) *string {
	return &v
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
