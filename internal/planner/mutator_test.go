package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-planner-api/internal/models"
	appErrors "github.com/noah-isme/sma-planner-api/pkg/errors"
)

var testSubjects = []models.Subject{
	subject("math", "Mathematik", 4),
	subject("eng", "Englisch", 3),
	{ID: "other", Name: "Chemie", ClassID: "class-6b", LessonsPerWeek: 2},
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, code), "expected %s, got %v", code, err)
}

func TestMoveIntoOccupiedSlotFails(t *testing.T) {
	store := NewStore([]models.Lesson{lesson("a", 1, "math", 1), lesson("b", 1, "math", 2)})
	m := newTestMutator(store, testSubjects, nil, models.ScheduleModeFlexible)

	_, err := m.Move("a", 1, "math", 2)

	requireCode(t, err, appErrors.ErrSlotOccupied.Code)
	a, _ := store.Get("a")
	b, _ := store.Get("b")
	assert.Equal(t, lesson("a", 1, "math", 1), a)
	assert.Equal(t, lesson("b", 1, "math", 2), b)
}

func TestMoveIntoUnifiedSecondHalfFails(t *testing.T) {
	store := NewStore([]models.Lesson{unified(lesson("u", 1, "math", 1)), lesson("a", 2, "math", 1)})
	m := newTestMutator(store, testSubjects, nil, models.ScheduleModeFixed)

	_, err := m.Move("a", 1, "math", 2)
	requireCode(t, err, appErrors.ErrSlotOccupied.Code)
}

func TestMoveUpdatesPlacementOnly(t *testing.T) {
	src := withTopic(lesson("a", 1, "math", 1), "T1")
	src.Notes = "notes"
	m := newTestMutator(NewStore([]models.Lesson{src}), testSubjects, nil, models.ScheduleModeFlexible)

	res, err := m.Move("a", 3, "eng", 2)
	require.NoError(t, err)

	assert.Equal(t, StatusApplied, res.Status)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, models.LessonOperationUpdate, res.Ops[0].Kind)
	assert.ElementsMatch(t, models.PlacementFields, res.Ops[0].Fields)
	moved, ok := res.Next.Lookup(3, "eng", 2)
	require.True(t, ok)
	assert.Equal(t, "notes", moved.Notes)
	assert.Equal(t, "T1", *moved.TopicID)
	assert.Equal(t, fixedNow, moved.UpdatedAt)
	_, ok = res.Next.Lookup(1, "math", 1)
	assert.False(t, ok)
}

func TestMoveValidation(t *testing.T) {
	m := newTestMutator(NewStore([]models.Lesson{lesson("a", 1, "math", 1)}), testSubjects, nil, models.ScheduleModeFlexible)

	_, err := m.Move("missing", 1, "math", 2)
	requireCode(t, err, appErrors.ErrNotFound.Code)
	_, err = m.Move("a", 1, "math", 5)
	requireCode(t, err, appErrors.ErrInvalidSlot.Code)
	_, err = m.Move("a", 0, "math", 1)
	requireCode(t, err, appErrors.ErrInvalidSlot.Code)
	_, err = m.Move("a", 1, "other", 1)
	requireCode(t, err, appErrors.ErrInvalidSlot.Code)
	_, err = m.Move("a", 1, "nope", 1)
	requireCode(t, err, appErrors.ErrNotFound.Code)

	res, err := m.Move("a", 1, "math", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, res.Status)
	assert.Empty(t, res.Ops)
}

func TestMoveExplicitPrimaryDissolvesPair(t *testing.T) {
	a, b := explicitPair(lesson("a", 1, "math", 1), lesson("b", 1, "math", 2))
	m := newTestMutator(NewStore([]models.Lesson{a, b}), testSubjects, nil, models.ScheduleModeFlexible)

	res, err := m.Move("a", 2, "math", 1)
	require.NoError(t, err)

	require.Len(t, res.Ops, 2)
	moved, _ := res.Next.Get("a")
	partner, _ := res.Next.Get("b")
	assert.True(t, moved.DeclaredSingle())
	assert.Nil(t, moved.SecondLessonID)
	assert.True(t, partner.DeclaredSingle())
	assert.Equal(t, 2, partner.LessonNumber)
	_, linked := res.Next.PrimaryOf("b")
	assert.False(t, linked)
}

func TestMoveExplicitSecondDissolvesPrimary(t *testing.T) {
	a, b := explicitPair(lesson("a", 1, "math", 1), lesson("b", 1, "math", 2))
	m := newTestMutator(NewStore([]models.Lesson{a, b}), testSubjects, nil, models.ScheduleModeFlexible)

	res, err := m.Move("b", 1, "math", 4)
	require.NoError(t, err)

	primary, _ := res.Next.Get("a")
	assert.False(t, primary.IsDouble())
	assert.Nil(t, primary.SecondLessonID)
	assert.Equal(t, "b", res.Ops[0].LessonID)
	assert.Equal(t, "a", res.Ops[1].LessonID)
}

func TestMoveUnifiedDoubleNeedsFollowingSlot(t *testing.T) {
	store := NewStore([]models.Lesson{unified(lesson("u", 1, "math", 1)), lesson("x", 1, "math", 4)})
	m := newTestMutator(store, testSubjects, nil, models.ScheduleModeFixed)

	_, err := m.Move("u", 1, "math", 3)
	requireCode(t, err, appErrors.ErrSlotOccupied.Code)
	_, err = m.Move("u", 2, "math", 4)
	requireCode(t, err, appErrors.ErrInvalidSlot.Code)

	res, err := m.Move("u", 1, "math", 2)
	require.NoError(t, err)
	moved, _ := res.Next.Get("u")
	assert.True(t, moved.IsDouble())
	assert.Equal(t, 2, moved.LessonNumber)
}

func TestCopyCreatesFreshLesson(t *testing.T) {
	a, b := explicitPair(withTopic(lesson("a", 1, "math", 1), "T1"), lesson("b", 1, "math", 2))
	a.Steps = models.LessonSteps{{ID: "s1", Activity: "Einstieg"}}
	m := newTestMutator(NewStore([]models.Lesson{a, b}), testSubjects, nil, models.ScheduleModeFlexible)

	res, err := m.Copy("a", 2, "math", 3)
	require.NoError(t, err)

	require.Len(t, res.Ops, 1)
	assert.Equal(t, models.LessonOperationCreate, res.Ops[0].Kind)
	cp := *res.Lesson
	assert.Equal(t, "new-1", cp.ID)
	assert.Equal(t, "lesson a (Kopie)", cp.Name)
	assert.Nil(t, cp.IsDoubleLesson)
	assert.Nil(t, cp.SecondLessonID)
	assert.Equal(t, "T1", *cp.TopicID)
	assert.Equal(t, a.Steps, cp.Steps)
	assert.Equal(t, 3, res.Next.Len())

	res, err = m.Copy("a", 2, "eng", 1)
	require.NoError(t, err)
	assert.Nil(t, res.Lesson.TopicID)
}

func TestCopyIntoOccupiedSlotFails(t *testing.T) {
	m := newTestMutator(NewStore([]models.Lesson{lesson("a", 1, "math", 1)}), testSubjects, nil, models.ScheduleModeFlexible)

	_, err := m.Copy("a", 1, "math", 1)
	requireCode(t, err, appErrors.ErrSlotOccupied.Code)
}

func TestCopyThenDeleteLeavesOriginalUnchanged(t *testing.T) {
	original := withTopic(lesson("a", 4, "math", 2), "T1")
	original.Notes = "Hausaufgaben kontrollieren"
	original.Steps = models.LessonSteps{{ID: "s1", Time: "10", WorkForm: "EA", Activity: "Üben", Material: "AB"}}
	original.IsExam = true
	store := NewStore([]models.Lesson{original})
	m := newTestMutator(store, testSubjects, nil, models.ScheduleModeFlexible)

	copied, err := m.Copy("a", 4, "math", 3)
	require.NoError(t, err)
	deleted, err := newTestMutator(copied.Next, testSubjects, nil, models.ScheduleModeFlexible).Delete(copied.Lesson.ID)
	require.NoError(t, err)

	got, ok := deleted.Next.Get("a")
	require.True(t, ok)
	assert.Equal(t, original, got)
	assert.Equal(t, 1, deleted.Next.Len())
}

func TestDuplicateToNearestFree(t *testing.T) {
	store := NewStore([]models.Lesson{lesson("a", 10, "math", 1), lesson("b", 10, "math", 3)})
	m := newTestMutator(store, testSubjects, nil, models.ScheduleModeFlexible)

	res, err := m.DuplicateToNearestFree("a", DirectionNext)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, 2, res.Lesson.LessonNumber)

	res, err = m.DuplicateToNearestFree("a", DirectionPrevious)
	require.NoError(t, err)
	assert.Equal(t, StatusNoFreeSlot, res.Status)
	assert.Empty(t, res.Ops)
	assert.Same(t, store, res.Next)

	_, err = m.DuplicateToNearestFree("a", Direction("sideways"))
	requireCode(t, err, appErrors.ErrValidation.Code)
}

func TestDeletePromotesPartner(t *testing.T) {
	a, b := explicitPair(withTopic(lesson("A", 1, "math", 2), "T1"), lesson("B", 1, "math", 3))
	m := newTestMutator(NewStore([]models.Lesson{a, b}), testSubjects, nil, models.ScheduleModeFlexible)

	res, err := m.Delete("A")
	require.NoError(t, err)

	_, ok := res.Next.Get("A")
	assert.False(t, ok)
	promoted, ok := res.Next.Get("B")
	require.True(t, ok)
	require.NotNil(t, promoted.TopicID)
	assert.Equal(t, "T1", *promoted.TopicID)
	assert.False(t, promoted.IsDouble())
	assert.Nil(t, promoted.SecondLessonID)
	require.Len(t, res.Ops, 2)
	assert.Equal(t, models.LessonOperationUpdate, res.Ops[0].Kind)
	assert.Contains(t, res.Ops[0].Fields, models.LessonFieldTopicID)
	assert.Equal(t, models.LessonOperationDelete, res.Ops[1].Kind)
}

func TestDeletePromotionKeepsPartnerTopicWhenPrimaryHasNone(t *testing.T) {
	a, b := explicitPair(lesson("A", 1, "math", 2), withTopic(lesson("B", 1, "math", 3), "T2"))
	m := newTestMutator(NewStore([]models.Lesson{a, b}), testSubjects, nil, models.ScheduleModeFlexible)

	res, err := m.Delete("A")
	require.NoError(t, err)
	promoted, _ := res.Next.Get("B")
	assert.Equal(t, "T2", *promoted.TopicID)
}

func TestDeleteLinkedSecondFails(t *testing.T) {
	a, b := explicitPair(lesson("A", 1, "math", 2), lesson("B", 1, "math", 3))
	store := NewStore([]models.Lesson{a, b})
	m := newTestMutator(store, testSubjects, nil, models.ScheduleModeFlexible)

	_, err := m.Delete("B")
	requireCode(t, err, appErrors.ErrInvalidPairing.Code)

	_, err = m.Delete("missing")
	requireCode(t, err, appErrors.ErrNotFound.Code)
}

func TestSetDoubleLessonFlexibleRoundTrip(t *testing.T) {
	first := withTopic(lesson("a", 1, "math", 1), "T1")
	first.Notes = "first"
	second := lesson("b", 1, "math", 2)
	second.Notes = "second"
	m := newTestMutator(NewStore([]models.Lesson{first, second}), testSubjects, nil, models.ScheduleModeFlexible)

	enabled, err := m.SetDoubleLesson("a", true, models.ScheduleModeFlexible)
	require.NoError(t, err)
	primary, _ := enabled.Next.Get("a")
	require.Equal(t, DoublePairing{Kind: PairingExplicit, SecondID: "b"}, PairingOf(primary))
	spans := ResolveSpans(enabled.Next.Lessons(), testSubjects, nil, testYear)
	assert.Equal(t, RoleFirstOfExplicitPair, spans["a"].Role)
	assert.Equal(t, RoleSecondOfExplicitPair, spans["b"].Role)

	disabled, err := newTestMutator(enabled.Next, testSubjects, nil, models.ScheduleModeFlexible).SetDoubleLesson("a", false, "")
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		l, ok := disabled.Next.Get(id)
		require.True(t, ok)
		assert.False(t, l.IsDouble())
		assert.Nil(t, l.SecondLessonID)
	}
	a, _ := disabled.Next.Get("a")
	b, _ := disabled.Next.Get("b")
	assert.Equal(t, "first", a.Notes)
	assert.Equal(t, "T1", *a.TopicID)
	assert.Equal(t, "second", b.Notes)
	assert.Equal(t, 2, disabled.Next.Len())
}

func TestSetDoubleLessonFlexibleCreatesPartner(t *testing.T) {
	m := newTestMutator(NewStore([]models.Lesson{withTopic(lesson("a", 1, "math", 2), "T1")}), testSubjects, nil, models.ScheduleModeFlexible)

	res, err := m.SetDoubleLesson("a", true, "")
	require.NoError(t, err)

	require.Len(t, res.Ops, 2)
	assert.Equal(t, models.LessonOperationCreate, res.Ops[0].Kind)
	assert.Equal(t, "new-1", res.Ops[0].LessonID)
	partner, ok := res.Next.Lookup(1, "math", 3)
	require.True(t, ok)
	assert.Equal(t, "T1", *partner.TopicID)
	assert.True(t, partner.DeclaredSingle())
	assert.Equal(t, "new-1", *res.Lesson.SecondLessonID)
}

func TestSetDoubleLessonFixedIsUnified(t *testing.T) {
	m := newTestMutator(NewStore([]models.Lesson{lesson("a", 1, "math", 1)}), testSubjects, nil, models.ScheduleModeFixed)

	res, err := m.SetDoubleLesson("a", true, "")
	require.NoError(t, err)

	require.Len(t, res.Ops, 1)
	assert.Equal(t, 1, res.Next.Len())
	l, _ := res.Next.Get("a")
	assert.Equal(t, PairingUnified, PairingOf(l).Kind)

	res, err = newTestMutator(res.Next, testSubjects, nil, models.ScheduleModeFixed).SetDoubleLesson("a", false, "")
	require.NoError(t, err)
	l, _ = res.Next.Get("a")
	assert.True(t, l.DeclaredSingle())
}

func TestSetDoubleLessonTransitions(t *testing.T) {
	a, b := explicitPair(lesson("a", 1, "math", 1), lesson("b", 1, "math", 2))
	store := NewStore([]models.Lesson{a, b, unified(lesson("u", 2, "math", 1)), lesson("last", 3, "math", 4), lesson("x", 4, "math", 1), lesson("y", 4, "math", 2)})
	m := newTestMutator(store, testSubjects, nil, models.ScheduleModeFlexible)

	_, err := m.SetDoubleLesson("a", true, models.ScheduleModeFixed)
	requireCode(t, err, appErrors.ErrInvalidPairing.Code)
	_, err = m.SetDoubleLesson("u", true, models.ScheduleModeFlexible)
	requireCode(t, err, appErrors.ErrInvalidPairing.Code)
	_, err = m.SetDoubleLesson("b", true, models.ScheduleModeFlexible)
	requireCode(t, err, appErrors.ErrInvalidPairing.Code)
	_, err = m.SetDoubleLesson("last", true, models.ScheduleModeFlexible)
	requireCode(t, err, appErrors.ErrInvalidSlot.Code)
	_, err = m.SetDoubleLesson("x", true, models.ScheduleModeFixed)
	requireCode(t, err, appErrors.ErrSlotOccupied.Code)
	_, err = m.SetDoubleLesson("x", true, models.ScheduleMode("weekly"))
	requireCode(t, err, appErrors.ErrValidation.Code)

	res, err := m.SetDoubleLesson("a", true, models.ScheduleModeFlexible)
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, res.Status)
	res, err = m.SetDoubleLesson("u", true, models.ScheduleModeFixed)
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, res.Status)
}

func TestSetDoubleLessonDisableDeclaresSingle(t *testing.T) {
	m := newTestMutator(NewStore([]models.Lesson{lesson("a", 1, "math", 1)}), testSubjects, nil, models.ScheduleModeFixed)

	res, err := m.SetDoubleLesson("a", false, "")
	require.NoError(t, err)
	l, _ := res.Next.Get("a")
	assert.True(t, l.DeclaredSingle())

	res, err = newTestMutator(res.Next, testSubjects, nil, models.ScheduleModeFixed).SetDoubleLesson("a", false, "")
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, res.Status)
}

func TestCreateLesson(t *testing.T) {
	m := newTestMutator(NewStore([]models.Lesson{unified(lesson("u", 1, "math", 1))}), testSubjects, nil, models.ScheduleModeFixed)

	_, err := m.Create(CreateInput{WeekNumber: 1, SubjectID: "math", LessonNumber: 2})
	requireCode(t, err, appErrors.ErrSlotOccupied.Code)
	_, err = m.Create(CreateInput{WeekNumber: 1, SubjectID: "other", LessonNumber: 1})
	requireCode(t, err, appErrors.ErrInvalidSlot.Code)

	res, err := m.Create(CreateInput{WeekNumber: 1, SubjectID: "math", LessonNumber: 3, Name: "Prozente", IsExam: true})
	require.NoError(t, err)
	assert.Equal(t, testClass, res.Lesson.ClassID)
	assert.Equal(t, testYear, res.Lesson.SchoolYear)
	assert.Equal(t, fixedNow, res.Lesson.CreatedAt)
	got, ok := res.Next.Lookup(1, "math", 3)
	require.True(t, ok)
	assert.Equal(t, "Prozente", got.Name)
}

func TestEditLesson(t *testing.T) {
	m := newTestMutator(NewStore([]models.Lesson{lesson("a", 1, "math", 1)}), testSubjects, nil, models.ScheduleModeFlexible)

	name, exam := "Geometrie", true
	res, err := m.Edit("a", LessonPatch{Name: &name, IsExam: &exam})
	require.NoError(t, err)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, []string{models.LessonFieldName, models.LessonFieldIsExam}, res.Ops[0].Fields)
	assert.Equal(t, "Geometrie", res.Lesson.Name)

	same := "lesson a"
	res, err = m.Edit("a", LessonPatch{Name: &same})
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, res.Status)
}

func TestEditLessonStepsOnlyWhenChanged(t *testing.T) {
	l := lesson("a", 1, "math", 1)
	l.Steps = models.LessonSteps{{ID: "s1", Time: "10", Activity: "Einstieg"}}
	m := newTestMutator(NewStore([]models.Lesson{l}), testSubjects, nil, models.ScheduleModeFlexible)

	same := models.LessonSteps{{ID: "s1", Time: "10", Activity: "Einstieg"}}
	res, err := m.Edit("a", LessonPatch{Steps: &same})
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, res.Status)
	assert.Empty(t, res.Ops)

	changed := models.LessonSteps{{ID: "s1", Time: "15", Activity: "Einstieg"}, {ID: "s2", Activity: "Übung"}}
	res, err = m.Edit("a", LessonPatch{Steps: &changed})
	require.NoError(t, err)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, []string{models.LessonFieldSteps}, res.Ops[0].Fields)
	assert.Len(t, res.Lesson.Steps, 2)
}

func TestAssignTopicCoversWholePair(t *testing.T) {
	a, b := explicitPair(lesson("a", 1, "math", 1), lesson("b", 1, "math", 2))
	m := newTestMutator(NewStore([]models.Lesson{a, b, lesson("c", 1, "math", 3)}), testSubjects, nil, models.ScheduleModeFlexible)

	res, err := m.AssignTopic(models.String("T9"), []string{"b", "c", "c"})
	require.NoError(t, err)
	require.Len(t, res.Ops, 3)
	for _, id := range []string{"a", "b", "c"} {
		l, _ := res.Next.Get(id)
		require.NotNil(t, l.TopicID, id)
		assert.Equal(t, "T9", *l.TopicID)
	}

	res, err = newTestMutator(res.Next, testSubjects, nil, models.ScheduleModeFlexible).AssignTopic(nil, []string{"a"})
	require.NoError(t, err)
	require.Len(t, res.Ops, 2)
	l, _ := res.Next.Get("b")
	assert.Nil(t, l.TopicID)

	_, err = m.AssignTopic(nil, []string{"missing"})
	requireCode(t, err, appErrors.ErrNotFound.Code)
}

func TestGenerateFromTemplateFillsFreeSlots(t *testing.T) {
	analyzer := NewDoubleAnalyzer(fixedTemplate(models.WeeklySlots{
		models.Monday:  entries("Mathematik", 1, 2),
		models.Tuesday: entries("Mathematik", 4),
		models.Friday:  entries("Mathematik", 5),
	}))
	store := NewStore([]models.Lesson{lesson("keep", 2, "math", 4)})
	m := newTestMutator(store, testSubjects, analyzer, models.ScheduleModeFixed)

	res, err := m.GenerateFromTemplate(1, 2, []string{"math"})
	require.NoError(t, err)

	// Each week gets a unified double on 1-2; week 2 keeps its existing lesson 4.
	assert.Len(t, res.Ops, 5)
	first, ok := res.Next.Lookup(1, "math", 1)
	require.True(t, ok)
	assert.Equal(t, PairingUnified, PairingOf(first).Kind)
	_, ok = res.Next.Lookup(1, "math", 2)
	assert.False(t, ok)
	kept, _ := res.Next.Lookup(2, "math", 4)
	assert.Equal(t, "keep", kept.ID)

	again, err := newTestMutator(res.Next, testSubjects, analyzer, models.ScheduleModeFixed).GenerateFromTemplate(1, 2, []string{"math"})
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, again.Status)
}

func TestGenerateFromTemplateFlexibleCreatesSingles(t *testing.T) {
	m := newTestMutator(NewStore(nil), testSubjects, nil, models.ScheduleModeFlexible)

	res, err := m.GenerateFromTemplate(1, 1, nil)
	require.NoError(t, err)
	assert.Len(t, res.Ops, 7)
	for _, op := range res.Ops {
		assert.Nil(t, op.Lesson.IsDoubleLesson)
		assert.Equal(t, testClass, op.Lesson.ClassID)
	}

	_, err = m.GenerateFromTemplate(3, 2, nil)
	requireCode(t, err, appErrors.ErrValidation.Code)
	_, err = m.GenerateFromTemplate(1, 1, []string{"other"})
	requireCode(t, err, appErrors.ErrNotFound.Code)
}
