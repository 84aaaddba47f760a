package planner

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-planner-api/internal/models"
	appErrors "github.com/noah-isme/sma-planner-api/pkg/errors"
)

// MaxWeek is the highest week number of a school year.
const MaxWeek = 53

// DefaultCopySuffix marks the name of copied lessons.
const DefaultCopySuffix = " (Kopie)"

// Status is the outcome of a command that did not fail.
type Status string

const (
	StatusApplied    Status = "applied"
	StatusNoFreeSlot Status = "no_free_slot"
	StatusUnchanged  Status = "unchanged"
)

// Direction selects where DuplicateToNearestFree searches.
type Direction string

const (
	DirectionNext     Direction = "next"
	DirectionPrevious Direction = "previous"
)

// Options configures a Mutator.
type Options struct {
	Mode       models.ScheduleMode
	CopySuffix string
	ClassID    string
	SchoolYear int
	NewID      func() string
	Now        func() time.Time
}

// Result is the outcome of a command: the next snapshot, the writes that bring the
// backing store to it, and the lesson the command was about.
type Result struct {
	Next   *Store
	Ops    []models.LessonOperation
	Lesson *models.Lesson
	Status Status
}

// Mutator validates grid commands against a snapshot and produces their effects.
type Mutator struct {
	store    *Store
	subjects map[string]models.Subject
	analyzer *DoubleAnalyzer
	opts     Options
}

// NewMutator builds a Mutator over store.
func NewMutator(store *Store, subjects []models.Subject, analyzer *DoubleAnalyzer, opts Options) *Mutator {
	if store == nil {
		store = NewStore(nil)
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.CopySuffix == "" {
		opts.CopySuffix = DefaultCopySuffix
	}
	if opts.Mode == "" {
		opts.Mode = analyzer.Mode()
	}
	byID := make(map[string]models.Subject, len(subjects))
	for _, s := range subjects {
		byID[s.ID] = s
	}
	return &Mutator{store: store, subjects: byID, analyzer: analyzer, opts: opts}
}

// Move places a lesson in another cell. Only placement changes; an explicit pair whose
// halves are no longer adjacent is dissolved on both sides.
func (m *Mutator) Move(lessonID string, week int, subjectID string, lessonNumber int) (Result, error) {
	lesson, err := m.lesson(lessonID)
	if err != nil {
		return Result{}, err
	}
	if lesson.WeekNumber == week && lesson.SubjectID == subjectID && lesson.LessonNumber == lessonNumber {
		return m.unchanged(lesson), nil
	}
	subject, err := m.validateSlot(week, subjectID, lessonNumber, lesson.ClassID)
	if err != nil {
		return Result{}, err
	}
	if err := m.ensureFree(week, subjectID, lessonNumber, lesson.ID); err != nil {
		return Result{}, err
	}

	pairing := PairingOf(lesson)
	if pairing.Kind == PairingUnified {
		if lessonNumber+1 > subject.LessonsPerWeek {
			return Result{}, appErrors.Clone(appErrors.ErrInvalidSlot, "double lesson needs a following lesson slot")
		}
		if err := m.ensureFree(week, subjectID, lessonNumber+1, lesson.ID); err != nil {
			return Result{}, err
		}
	}

	moved := lesson.Clone()
	moved.WeekNumber, moved.SubjectID, moved.LessonNumber = week, subjectID, lessonNumber
	moved.UpdatedAt = m.opts.Now()
	fields := append([]string(nil), models.PlacementFields...)
	var reciprocal []models.LessonOperation

	if pairing.Kind == PairingExplicit {
		partner, ok := m.store.Get(pairing.SecondID)
		if !ok || !adjacent(moved, partner) {
			dissolve(&moved)
			fields = append(fields, models.PairingFields...)
			if ok {
				reciprocal = append(reciprocal, m.dissolveOp(partner))
			}
		}
	}
	if primary, ok := m.store.PrimaryOf(lesson.ID); ok && !adjacent(primary, moved) {
		reciprocal = append(reciprocal, m.dissolveOp(primary))
	}

	ops := append([]models.LessonOperation{updateOp(moved, fields...)}, reciprocal...)
	return m.applied(ops, moved), nil
}

// Copy creates a new lesson in the target cell with the content of the source. The copy
// is never a double lesson and keeps its topic only within the same subject.
func (m *Mutator) Copy(lessonID string, week int, subjectID string, lessonNumber int) (Result, error) {
	source, err := m.lesson(lessonID)
	if err != nil {
		return Result{}, err
	}
	if _, err := m.validateSlot(week, subjectID, lessonNumber, source.ClassID); err != nil {
		return Result{}, err
	}
	if err := m.ensureFree(week, subjectID, lessonNumber, ""); err != nil {
		return Result{}, err
	}

	now := m.opts.Now()
	cp := source.Clone()
	cp.ID = m.opts.NewID()
	cp.WeekNumber, cp.SubjectID, cp.LessonNumber = week, subjectID, lessonNumber
	cp.Name = source.Name + m.opts.CopySuffix
	cp.IsDoubleLesson = nil
	cp.SecondLessonID = nil
	if subjectID != source.SubjectID {
		cp.TopicID = nil
	}
	cp.CreatedAt, cp.UpdatedAt = now, now

	return m.applied([]models.LessonOperation{createOp(cp)}, cp), nil
}

// DuplicateToNearestFree copies a lesson into the nearest free lesson number of its own
// subject and week. Finding no free number is reported as StatusNoFreeSlot.
func (m *Mutator) DuplicateToNearestFree(lessonID string, direction Direction) (Result, error) {
	lesson, err := m.lesson(lessonID)
	if err != nil {
		return Result{}, err
	}
	subject, ok := m.subjects[lesson.SubjectID]
	if !ok {
		return Result{}, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
	}

	siblings := m.store.WeekSubject(lesson.WeekNumber, lesson.SubjectID)
	var (
		target int
		found  bool
	)
	switch direction {
	case DirectionNext:
		target, found = FindNext(siblings, lesson.SubjectID, lesson.WeekNumber, lesson.LessonNumber, subject.LessonsPerWeek)
	case DirectionPrevious:
		target, found = FindPrevious(siblings, lesson.SubjectID, lesson.WeekNumber, lesson.LessonNumber)
	default:
		return Result{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown direction %q", direction))
	}
	if !found {
		return Result{Next: m.store, Lesson: &lesson, Status: StatusNoFreeSlot}, nil
	}
	return m.Copy(lesson.ID, lesson.WeekNumber, lesson.SubjectID, target)
}

// Delete removes a lesson. The partner of an explicit pair primary survives as a single
// lesson and inherits the primary's topic. The second half of a linked pair cannot be
// deleted until the pair is dissolved.
func (m *Mutator) Delete(lessonID string) (Result, error) {
	lesson, err := m.lesson(lessonID)
	if err != nil {
		return Result{}, err
	}
	if _, ok := m.store.PrimaryOf(lesson.ID); ok {
		return Result{}, appErrors.Clone(appErrors.ErrInvalidPairing, "lesson is the second half of a double lesson; dissolve the pair first")
	}

	var ops []models.LessonOperation
	if pairing := PairingOf(lesson); pairing.Kind == PairingExplicit {
		if partner, ok := m.store.Get(pairing.SecondID); ok {
			promoted := partner.Clone()
			dissolve(&promoted)
			fields := append([]string(nil), models.PairingFields...)
			if lesson.TopicID != nil {
				promoted.TopicID = models.String(*lesson.TopicID)
				fields = append(fields, models.LessonFieldTopicID)
			}
			promoted.UpdatedAt = m.opts.Now()
			ops = append(ops, updateOp(promoted, fields...))
		}
	}
	ops = append(ops, models.LessonOperation{Kind: models.LessonOperationDelete, LessonID: lesson.ID, Lesson: lesson})

	return m.applied(ops, lesson), nil
}

// SetDoubleLesson turns a lesson into a double lesson or back into a single one. In
// flexible mode enabling links the lesson at the next number, creating it when absent;
// in fixed mode the lesson becomes a unified double. Switching between a linked pair and
// a unified double requires disabling first.
func (m *Mutator) SetDoubleLesson(lessonID string, enabled bool, mode models.ScheduleMode) (Result, error) {
	lesson, err := m.lesson(lessonID)
	if err != nil {
		return Result{}, err
	}
	if mode == "" {
		mode = m.opts.Mode
	}
	if mode != models.ScheduleModeFlexible && mode != models.ScheduleModeFixed {
		return Result{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown schedule mode %q", mode))
	}
	if _, ok := m.store.PrimaryOf(lesson.ID); ok {
		return Result{}, appErrors.Clone(appErrors.ErrInvalidPairing, "lesson is the second half of a double lesson")
	}

	pairing := PairingOf(lesson)
	if !enabled {
		return m.disableDouble(lesson, pairing), nil
	}

	switch {
	case mode == models.ScheduleModeFlexible && pairing.Kind == PairingExplicit,
		mode == models.ScheduleModeFixed && pairing.Kind == PairingUnified:
		return m.unchanged(lesson), nil
	case pairing.Kind != PairingNone:
		return Result{}, appErrors.Clone(appErrors.ErrInvalidPairing, "dissolve the current double lesson before changing its kind")
	}

	subject, ok := m.subjects[lesson.SubjectID]
	if !ok {
		return Result{}, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
	}
	next := lesson.LessonNumber + 1
	if next > subject.LessonsPerWeek {
		return Result{}, appErrors.Clone(appErrors.ErrInvalidSlot, "double lesson needs a following lesson slot")
	}

	now := m.opts.Now()
	primary := lesson.Clone()
	primary.IsDoubleLesson = models.Bool(true)
	primary.UpdatedAt = now

	if mode == models.ScheduleModeFixed {
		if err := m.ensureFree(lesson.WeekNumber, lesson.SubjectID, next, lesson.ID); err != nil {
			return Result{}, err
		}
		primary.SecondLessonID = nil
		return m.applied([]models.LessonOperation{updateOp(primary, models.PairingFields...)}, primary), nil
	}

	var partnerOp models.LessonOperation
	if occupant, ok := m.store.Lookup(lesson.WeekNumber, lesson.SubjectID, next); ok {
		if PairingOf(occupant).Kind != PairingNone {
			return Result{}, appErrors.Clone(appErrors.ErrInvalidPairing, "following lesson is already part of a double lesson")
		}
		if _, linked := m.store.PrimaryOf(occupant.ID); linked {
			return Result{}, appErrors.Clone(appErrors.ErrInvalidPairing, "following lesson is already linked")
		}
		dissolve(&occupant)
		occupant.UpdatedAt = now
		partnerOp = updateOp(occupant, models.PairingFields...)
	} else {
		partner := models.Lesson{
			ID:             m.opts.NewID(),
			SchoolYear:     lesson.SchoolYear,
			WeekNumber:     lesson.WeekNumber,
			SubjectID:      lesson.SubjectID,
			LessonNumber:   next,
			ClassID:        lesson.ClassID,
			IsDoubleLesson: models.Bool(false),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if lesson.TopicID != nil {
			partner.TopicID = models.String(*lesson.TopicID)
		}
		partnerOp = createOp(partner)
	}
	primary.SecondLessonID = models.String(partnerOp.LessonID)

	ops := []models.LessonOperation{partnerOp, updateOp(primary, models.PairingFields...)}
	return m.applied(ops, primary), nil
}

func (m *Mutator) disableDouble(lesson models.Lesson, pairing DoublePairing) Result {
	if pairing.Kind == PairingNone && lesson.DeclaredSingle() && lesson.SecondLessonID == nil {
		return m.unchanged(lesson)
	}
	ops := []models.LessonOperation{m.dissolveOp(lesson)}
	if pairing.Kind == PairingExplicit {
		if partner, ok := m.store.Get(pairing.SecondID); ok {
			ops = append(ops, m.dissolveOp(partner))
		}
	}
	return m.applied(ops, ops[0].Lesson)
}

// CreateInput is the content of a lesson created in an empty cell.
type CreateInput struct {
	WeekNumber   int
	SubjectID    string
	LessonNumber int
	TopicID      *string
	Name         string
	Notes        string
	Steps        models.LessonSteps
	IsExam       bool
	IsHalfClass  bool
}

// Create places a new lesson in an empty cell.
func (m *Mutator) Create(in CreateInput) (Result, error) {
	if _, err := m.validateSlot(in.WeekNumber, in.SubjectID, in.LessonNumber, m.opts.ClassID); err != nil {
		return Result{}, err
	}
	if err := m.ensureFree(in.WeekNumber, in.SubjectID, in.LessonNumber, ""); err != nil {
		return Result{}, err
	}
	now := m.opts.Now()
	lesson := models.Lesson{
		ID:           m.opts.NewID(),
		SchoolYear:   m.opts.SchoolYear,
		WeekNumber:   in.WeekNumber,
		SubjectID:    in.SubjectID,
		LessonNumber: in.LessonNumber,
		ClassID:      m.opts.ClassID,
		TopicID:      in.TopicID,
		Name:         in.Name,
		Notes:        in.Notes,
		Steps:        in.Steps,
		IsExam:       in.IsExam,
		IsHalfClass:  in.IsHalfClass,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	lesson = lesson.Clone()
	return m.applied([]models.LessonOperation{createOp(lesson)}, lesson), nil
}

// LessonPatch holds the content fields to change; nil fields are left as they are.
type LessonPatch struct {
	Name        *string
	Notes       *string
	Steps       *models.LessonSteps
	IsExam      *bool
	IsHalfClass *bool
}

// Edit changes the content of a lesson. Placement and pairing are not editable here.
func (m *Mutator) Edit(lessonID string, patch LessonPatch) (Result, error) {
	lesson, err := m.lesson(lessonID)
	if err != nil {
		return Result{}, err
	}
	edited := lesson.Clone()
	var fields []string
	if patch.Name != nil && *patch.Name != lesson.Name {
		edited.Name = *patch.Name
		fields = append(fields, models.LessonFieldName)
	}
	if patch.Notes != nil && *patch.Notes != lesson.Notes {
		edited.Notes = *patch.Notes
		fields = append(fields, models.LessonFieldNotes)
	}
	if patch.Steps != nil && !lesson.Steps.Equal(*patch.Steps) {
		edited.Steps = append(models.LessonSteps(nil), (*patch.Steps)...)
		fields = append(fields, models.LessonFieldSteps)
	}
	if patch.IsExam != nil && *patch.IsExam != lesson.IsExam {
		edited.IsExam = *patch.IsExam
		fields = append(fields, models.LessonFieldIsExam)
	}
	if patch.IsHalfClass != nil && *patch.IsHalfClass != lesson.IsHalfClass {
		edited.IsHalfClass = *patch.IsHalfClass
		fields = append(fields, models.LessonFieldIsHalfClass)
	}
	if len(fields) == 0 {
		return m.unchanged(lesson), nil
	}
	edited.UpdatedAt = m.opts.Now()
	return m.applied([]models.LessonOperation{updateOp(edited, fields...)}, edited), nil
}

// AssignTopic sets or clears the topic of lessons. Both halves of an explicit pair
// always carry the same topic.
func (m *Mutator) AssignTopic(topicID *string, lessonIDs []string) (Result, error) {
	seen := map[string]bool{}
	var targets []models.Lesson
	add := func(l models.Lesson) {
		if !seen[l.ID] {
			seen[l.ID] = true
			targets = append(targets, l)
		}
	}
	for _, id := range lessonIDs {
		lesson, err := m.lesson(id)
		if err != nil {
			return Result{}, err
		}
		add(lesson)
		if p := PairingOf(lesson); p.Kind == PairingExplicit {
			if partner, ok := m.store.Get(p.SecondID); ok {
				add(partner)
			}
		}
		if primary, ok := m.store.PrimaryOf(lesson.ID); ok {
			add(primary)
		}
	}

	now := m.opts.Now()
	var ops []models.LessonOperation
	for _, l := range targets {
		if sameTopicPtr(l.TopicID, topicID) {
			continue
		}
		l.TopicID = nil
		if topicID != nil {
			l.TopicID = models.String(*topicID)
		}
		l.UpdatedAt = now
		ops = append(ops, updateOp(l, models.LessonFieldTopicID))
	}
	if len(ops) == 0 {
		return Result{Next: m.store, Status: StatusUnchanged}, nil
	}
	return m.applied(ops, ops[0].Lesson), nil
}

// GenerateFromTemplate creates empty lessons on every free cell of the week range for
// the given subjects, or all subjects of the class when none are given. In fixed mode
// double periods of the template become unified double lessons.
func (m *Mutator) GenerateFromTemplate(weekFrom, weekTo int, subjectIDs []string) (Result, error) {
	if weekFrom < 1 || weekTo > MaxWeek || weekFrom > weekTo {
		return Result{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("week range must lie within 1..%d", MaxWeek))
	}
	subjects, err := m.classSubjects(subjectIDs)
	if err != nil {
		return Result{}, err
	}

	now := m.opts.Now()
	fixed := m.opts.Mode == models.ScheduleModeFixed && m.analyzer.Active()
	var ops []models.LessonOperation
	for week := weekFrom; week <= weekTo; week++ {
		for _, subject := range subjects {
			taken := Occupancy(m.store.WeekSubject(week, subject.ID), subject.ID, week)
			pattern := m.analyzer.AnalyzeSubject(subject.Name, subject.ClassID)
			for n := 1; n <= subject.LessonsPerWeek; n++ {
				if taken[n] {
					continue
				}
				lesson := models.Lesson{
					ID:           m.opts.NewID(),
					SchoolYear:   m.opts.SchoolYear,
					WeekNumber:   week,
					SubjectID:    subject.ID,
					LessonNumber: n,
					ClassID:      subject.ClassID,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				taken[n] = true
				if fixed && pattern.IsPairStart(n-1) && n+1 <= subject.LessonsPerWeek && !taken[n+1] {
					lesson.IsDoubleLesson = models.Bool(true)
					taken[n+1] = true
				}
				ops = append(ops, createOp(lesson))
			}
		}
	}
	if len(ops) == 0 {
		return Result{Next: m.store, Status: StatusUnchanged}, nil
	}
	return Result{Next: m.store.Apply(ops), Ops: ops, Status: StatusApplied}, nil
}

func (m *Mutator) classSubjects(ids []string) ([]models.Subject, error) {
	var out []models.Subject
	if len(ids) == 0 {
		for _, s := range m.subjects {
			if m.opts.ClassID == "" || s.ClassID == m.opts.ClassID {
				out = append(out, s)
			}
		}
	} else {
		for _, id := range ids {
			s, ok := m.subjects[id]
			if !ok || (m.opts.ClassID != "" && s.ClassID != m.opts.ClassID) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("subject %s not found", id))
			}
			out = append(out, s)
		}
	}
	sortSubjects(out)
	return out, nil
}

func (m *Mutator) lesson(id string) (models.Lesson, error) {
	l, ok := m.store.Get(id)
	if !ok {
		return models.Lesson{}, appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
	}
	return l, nil
}

// validateSlot checks that the cell exists for the subject and that the subject
// belongs to the lesson's class.
func (m *Mutator) validateSlot(week int, subjectID string, lessonNumber int, classID string) (models.Subject, error) {
	if week < 1 || week > MaxWeek {
		return models.Subject{}, appErrors.Clone(appErrors.ErrInvalidSlot, fmt.Sprintf("week must lie within 1..%d", MaxWeek))
	}
	subject, ok := m.subjects[subjectID]
	if !ok {
		return models.Subject{}, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
	}
	if classID != "" && subject.ClassID != "" && subject.ClassID != classID {
		return models.Subject{}, appErrors.Clone(appErrors.ErrInvalidSlot, "subject belongs to another class")
	}
	if lessonNumber < 1 || lessonNumber > subject.LessonsPerWeek {
		return models.Subject{}, appErrors.Clone(appErrors.ErrInvalidSlot, fmt.Sprintf("lesson number must lie within 1..%d", subject.LessonsPerWeek))
	}
	return subject, nil
}

// ensureFree fails with ErrSlotOccupied when a lesson other than ignoreID takes the cell.
func (m *Mutator) ensureFree(week int, subjectID string, lessonNumber int, ignoreID string) error {
	occupant, ok := m.store.Covering(week, subjectID, lessonNumber)
	if ok && occupant.ID != ignoreID {
		return appErrors.Clone(appErrors.ErrSlotOccupied, fmt.Sprintf("lesson %d of week %d is already planned", lessonNumber, week))
	}
	return nil
}

func (m *Mutator) dissolveOp(l models.Lesson) models.LessonOperation {
	l = l.Clone()
	dissolve(&l)
	l.UpdatedAt = m.opts.Now()
	return updateOp(l, models.PairingFields...)
}

func (m *Mutator) applied(ops []models.LessonOperation, lesson models.Lesson) Result {
	return Result{Next: m.store.Apply(ops), Ops: ops, Lesson: &lesson, Status: StatusApplied}
}

func (m *Mutator) unchanged(lesson models.Lesson) Result {
	return Result{Next: m.store, Lesson: &lesson, Status: StatusUnchanged}
}

func dissolve(l *models.Lesson) {
	l.IsDoubleLesson = models.Bool(false)
	l.SecondLessonID = nil
}

// adjacent reports whether second sits directly after first in the same subject and week.
func adjacent(first, second models.Lesson) bool {
	return first.WeekNumber == second.WeekNumber &&
		first.SubjectID == second.SubjectID &&
		first.LessonNumber+1 == second.LessonNumber
}

func createOp(l models.Lesson) models.LessonOperation {
	return models.LessonOperation{Kind: models.LessonOperationCreate, LessonID: l.ID, Lesson: l}
}

func updateOp(l models.Lesson, fields ...string) models.LessonOperation {
	return models.LessonOperation{
		Kind:     models.LessonOperationUpdate,
		LessonID: l.ID,
		Lesson:   l,
		Fields:   append([]string(nil), fields...),
	}
}

func sortSubjects(subjects []models.Subject) {
	sort.Slice(subjects, func(i, j int) bool {
		if subjects[i].Name != subjects[j].Name {
			return subjects[i].Name < subjects[j].Name
		}
		return subjects[i].ID < subjects[j].ID
	})
}

func sameTopicPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
