// Package planner holds the yearly lesson grid: slot indexing, double lesson spans,
// topic blocks, free slot search and the commands that mutate the grid.
//
// Everything in this package is pure. Callers own persistence and concurrency.
package planner

import "github.com/noah-isme/sma-planner-api/internal/models"

// SlotKey addresses one cell of the yearly grid of a class.
type SlotKey struct {
	Week         int
	SubjectID    string
	LessonNumber int
}

// KeyOf returns the grid cell a lesson is placed in.
func KeyOf(l models.Lesson) SlotKey {
	return SlotKey{Week: l.WeekNumber, SubjectID: l.SubjectID, LessonNumber: l.LessonNumber}
}

// SlotIndex is a read-only lookup of lessons by grid cell.
type SlotIndex struct {
	cells map[SlotKey]models.Lesson
}

// BuildSlotIndex indexes lessons that were already filtered to one class and year.
// When two lessons share a cell the later one in the slice wins.
func BuildSlotIndex(lessons []models.Lesson) *SlotIndex {
	idx := &SlotIndex{cells: make(map[SlotKey]models.Lesson, len(lessons))}
	for _, l := range lessons {
		idx.cells[KeyOf(l)] = l
	}
	return idx
}

// Lookup returns the lesson stored at (week, subject, lessonNumber).
func (i *SlotIndex) Lookup(week int, subjectID string, lessonNumber int) (models.Lesson, bool) {
	return i.Occupant(SlotKey{Week: week, SubjectID: subjectID, LessonNumber: lessonNumber})
}

// Occupant returns the lesson stored at key.
func (i *SlotIndex) Occupant(key SlotKey) (models.Lesson, bool) {
	if i == nil {
		return models.Lesson{}, false
	}
	l, ok := i.cells[key]
	return l, ok
}

// Len returns the number of occupied cells.
func (i *SlotIndex) Len() int {
	if i == nil {
		return 0
	}
	return len(i.cells)
}
