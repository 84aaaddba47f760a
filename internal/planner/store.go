package planner

import (
	"sort"

	"github.com/noah-isme/sma-planner-api/internal/models"
)

// Store is an immutable snapshot of the lessons of one class and school year.
// Transitions return a new Store and leave the receiver untouched.
type Store struct {
	byID      map[string]models.Lesson
	index     *SlotIndex
	primaryOf map[string]string
}

// NewStore builds a snapshot from lessons.
func NewStore(lessons []models.Lesson) *Store {
	byID := make(map[string]models.Lesson, len(lessons))
	for _, l := range lessons {
		byID[l.ID] = l.Clone()
	}
	return newStore(byID)
}

func newStore(byID map[string]models.Lesson) *Store {
	ordered := make([]models.Lesson, 0, len(byID))
	primaryOf := map[string]string{}
	for _, l := range byID {
		ordered = append(ordered, l)
		if p := PairingOf(l); p.Kind == PairingExplicit {
			primaryOf[p.SecondID] = l.ID
		}
	}
	sortLessons(ordered)
	return &Store{byID: byID, index: BuildSlotIndex(ordered), primaryOf: primaryOf}
}

// Len returns the number of lessons.
func (s *Store) Len() int {
	return len(s.byID)
}

// Get returns a copy of the lesson with id.
func (s *Store) Get(id string) (models.Lesson, bool) {
	l, ok := s.byID[id]
	if !ok {
		return models.Lesson{}, false
	}
	return l.Clone(), true
}

// Lookup returns the lesson stored in a grid cell.
func (s *Store) Lookup(week int, subjectID string, lessonNumber int) (models.Lesson, bool) {
	l, ok := s.index.Lookup(week, subjectID, lessonNumber)
	if !ok {
		return models.Lesson{}, false
	}
	return l.Clone(), true
}

// Covering returns the lesson that takes up a grid cell, either stored there or a
// unified double starting one number earlier.
func (s *Store) Covering(week int, subjectID string, lessonNumber int) (models.Lesson, bool) {
	if l, ok := s.Lookup(week, subjectID, lessonNumber); ok {
		return l, true
	}
	if l, ok := s.Lookup(week, subjectID, lessonNumber-1); ok && PairingOf(l).Kind == PairingUnified {
		return l, true
	}
	return models.Lesson{}, false
}

// PrimaryOf returns the explicit pair primary that links to id.
func (s *Store) PrimaryOf(id string) (models.Lesson, bool) {
	primaryID, ok := s.primaryOf[id]
	if !ok {
		return models.Lesson{}, false
	}
	return s.Get(primaryID)
}

// Lessons returns every lesson ordered by week, subject and lesson number.
func (s *Store) Lessons() []models.Lesson {
	out := make([]models.Lesson, 0, len(s.byID))
	for _, l := range s.byID {
		out = append(out, l.Clone())
	}
	sortLessons(out)
	return out
}

// Week returns the lessons of a week ordered by subject and lesson number.
func (s *Store) Week(week int) []models.Lesson {
	var out []models.Lesson
	for _, l := range s.byID {
		if l.WeekNumber == week {
			out = append(out, l.Clone())
		}
	}
	sortLessons(out)
	return out
}

// WeekSubject returns the lessons of one subject in one week ordered by lesson number.
func (s *Store) WeekSubject(week int, subjectID string) []models.Lesson {
	var out []models.Lesson
	for _, l := range s.byID {
		if l.WeekNumber == week && l.SubjectID == subjectID {
			out = append(out, l.Clone())
		}
	}
	sortByNumber(out)
	return out
}

// Apply returns the snapshot after ops. Creates and updates carry full after-images.
func (s *Store) Apply(ops []models.LessonOperation) *Store {
	if len(ops) == 0 {
		return s
	}
	byID := s.copyMap()
	for _, op := range ops {
		switch op.Kind {
		case models.LessonOperationCreate, models.LessonOperationUpdate:
			byID[op.Lesson.ID] = op.Lesson.Clone()
		case models.LessonOperationDelete:
			delete(byID, op.LessonID)
		}
	}
	return newStore(byID)
}

// Revert restores every record touched by ops to its state in before. Records that did
// not exist in before are removed. Records not touched by ops keep their current state.
func (s *Store) Revert(before *Store, ops []models.LessonOperation) *Store {
	if len(ops) == 0 {
		return s
	}
	byID := s.copyMap()
	for i := len(ops) - 1; i >= 0; i-- {
		id := ops[i].LessonID
		if prev, ok := before.byID[id]; ok {
			byID[id] = prev.Clone()
		} else {
			delete(byID, id)
		}
	}
	return newStore(byID)
}

func (s *Store) copyMap() map[string]models.Lesson {
	byID := make(map[string]models.Lesson, len(s.byID)+1)
	for id, l := range s.byID {
		byID[id] = l
	}
	return byID
}

func sortLessons(lessons []models.Lesson) {
	sort.SliceStable(lessons, func(i, j int) bool {
		a, b := lessons[i], lessons[j]
		if a.WeekNumber != b.WeekNumber {
			return a.WeekNumber < b.WeekNumber
		}
		if a.SubjectID != b.SubjectID {
			return a.SubjectID < b.SubjectID
		}
		if a.LessonNumber != b.LessonNumber {
			return a.LessonNumber < b.LessonNumber
		}
		return a.ID < b.ID
	})
}
