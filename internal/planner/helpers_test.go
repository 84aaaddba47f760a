package planner

import (
	"fmt"
	"time"

	"github.com/noah-isme/sma-planner-api/internal/models"
)

const (
	testClass = "class-5a"
	testYear  = 2024
)

var fixedNow = time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)

func lesson(id string, week int, subjectID string, number int) models.Lesson {
	return models.Lesson{
		ID:           id,
		SchoolYear:   testYear,
		WeekNumber:   week,
		SubjectID:    subjectID,
		LessonNumber: number,
		ClassID:      testClass,
		Name:         "lesson " + id,
	}
}

func withTopic(l models.Lesson, topic string) models.Lesson {
	l.TopicID = models.String(topic)
	return l
}

func explicitPair(first, second models.Lesson) (models.Lesson, models.Lesson) {
	first.IsDoubleLesson = models.Bool(true)
	first.SecondLessonID = models.String(second.ID)
	second.IsDoubleLesson = models.Bool(false)
	return first, second
}

func unified(l models.Lesson) models.Lesson {
	l.IsDoubleLesson = models.Bool(true)
	return l
}

func subject(id, name string, perWeek int) models.Subject {
	return models.Subject{ID: id, Name: name, ClassID: testClass, LessonsPerWeek: perWeek}
}

func fixedTemplate(slots models.WeeklySlots) *models.ScheduleTemplate {
	return &models.ScheduleTemplate{ID: "tpl", OwnerID: "teacher", Mode: models.ScheduleModeFixed, Slots: slots}
}

func entries(subjectName string, periods ...int) []models.TemplateEntry {
	out := make([]models.TemplateEntry, 0, len(periods))
	for _, p := range periods {
		out = append(out, models.TemplateEntry{Period: p, Subject: subjectName, ClassID: testClass})
	}
	return out
}

type sequentialIDs struct{ n int }

func (s *sequentialIDs) next() string {
	s.n++
	return fmt.Sprintf("new-%d", s.n)
}

func newTestMutator(store *Store, subjects []models.Subject, analyzer *DoubleAnalyzer, mode models.ScheduleMode) *Mutator {
	ids := &sequentialIDs{}
	return NewMutator(store, subjects, analyzer, Options{
		Mode:       mode,
		ClassID:    testClass,
		SchoolYear: testYear,
		NewID:      ids.next,
		Now:        func() time.Time { return fixedNow },
	})
}
