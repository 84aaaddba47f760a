package planner

import "github.com/noah-isme/sma-planner-api/internal/models"

// Occupancy returns the lesson numbers taken in one subject and week. A unified double
// also takes the number after its own.
func Occupancy(lessons []models.Lesson, subjectID string, week int) map[int]bool {
	taken := map[int]bool{}
	for _, l := range lessons {
		if l.SubjectID != subjectID || l.WeekNumber != week {
			continue
		}
		taken[l.LessonNumber] = true
		if PairingOf(l).Kind == PairingUnified {
			taken[l.LessonNumber+1] = true
		}
	}
	return taken
}

// FindNext returns the first free lesson number in from+1..maxLessons.
func FindNext(lessons []models.Lesson, subjectID string, week, from, maxLessons int) (int, bool) {
	taken := Occupancy(lessons, subjectID, week)
	for n := from + 1; n <= maxLessons; n++ {
		if n >= 1 && !taken[n] {
			return n, true
		}
	}
	return 0, false
}

// FindPrevious returns the first free lesson number in from-1 down to 1.
func FindPrevious(lessons []models.Lesson, subjectID string, week, from int) (int, bool) {
	taken := Occupancy(lessons, subjectID, week)
	for n := from - 1; n >= 1; n-- {
		if !taken[n] {
			return n, true
		}
	}
	return 0, false
}
