package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ScheduleMode selects how double lessons are represented.
type ScheduleMode string

const (
	ScheduleModeFlexible ScheduleMode = "flexible"
	ScheduleModeFixed    ScheduleMode = "fixed"
)

// Weekday names a school day of the fixed timetable.
type Weekday string

const (
	Monday    Weekday = "monday"
	Tuesday   Weekday = "tuesday"
	Wednesday Weekday = "wednesday"
	Thursday  Weekday = "thursday"
	Friday    Weekday = "friday"
)

// Weekdays lists school days in timetable order.
var Weekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday}

// Order returns the zero-based position of the day in the week, or -1 when unknown.
func (d Weekday) Order() int {
	for i, day := range Weekdays {
		if day == d {
			return i
		}
	}
	return -1
}

// Valid reports whether d is one of the five school days.
func (d Weekday) Valid() bool {
	return d.Order() >= 0
}

// TemplateEntry assigns a period of a weekday to a subject (by name) of a class.
type TemplateEntry struct {
	Period  int    `json:"period"`
	Subject string `json:"subject"`
	ClassID string `json:"class_id"`
}

// WeeklySlots is the fixed timetable keyed by weekday, persisted as JSON.
type WeeklySlots map[Weekday][]TemplateEntry

// Value implements driver.Valuer.
func (w WeeklySlots) Value() (driver.Value, error) {
	if w == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(w)
}

// Scan implements sql.Scanner.
func (w *WeeklySlots) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*w = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported weekly slots type %T", src)
	}
	if len(raw) == 0 {
		*w = nil
		return nil
	}
	return json.Unmarshal(raw, w)
}

// ScheduleTemplate is a teacher's weekly timetable configuration.
type ScheduleTemplate struct {
	ID        string       `db:"id" json:"id"`
	OwnerID   string       `db:"owner_id" json:"owner_id"`
	Mode      ScheduleMode `db:"mode" json:"mode"`
	Slots     WeeklySlots  `db:"slots" json:"slots"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}
