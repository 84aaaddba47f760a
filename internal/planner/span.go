package planner

import (
	"sort"

	"github.com/noah-isme/sma-planner-api/internal/models"
)

// SpanRole tells how a lesson takes part in a double lesson.
type SpanRole string

const (
	RoleSingle               SpanRole = "single"
	RoleFirstOfExplicitPair  SpanRole = "first_of_explicit_pair"
	RoleSecondOfExplicitPair SpanRole = "second_of_explicit_pair"
	RoleFirstOfTemplatePair  SpanRole = "first_of_template_pair"
	RoleSecondOfTemplatePair SpanRole = "second_of_template_pair"
	RoleUnifiedDouble        SpanRole = "unified_double"
)

// Span is the number of grid cells a lesson covers. Absorbed lessons have a count of 0.
// SequenceIndex is the lesson's position among the lessons of its subject and week.
type Span struct {
	SpanCount     int      `json:"span_count"`
	Role          SpanRole `json:"role"`
	SequenceIndex int      `json:"sequence_index"`
}

// Hidden reports whether the lesson is rendered as part of a preceding lesson.
func (s Span) Hidden() bool {
	return s.SpanCount == 0
}

// PairingKind is the stored double lesson state of a single record.
type PairingKind int

const (
	PairingNone PairingKind = iota
	PairingExplicit
	PairingUnified
)

func (k PairingKind) String() string {
	switch k {
	case PairingExplicit:
		return "explicit_pair"
	case PairingUnified:
		return "unified"
	default:
		return "none"
	}
}

// DoublePairing is the stored double lesson state; SecondID is set for explicit pairs.
type DoublePairing struct {
	Kind     PairingKind
	SecondID string
}

// PairingOf reads the double lesson state stored on a lesson.
func PairingOf(l models.Lesson) DoublePairing {
	if !l.IsDouble() {
		return DoublePairing{Kind: PairingNone}
	}
	if l.SecondLessonID != nil && *l.SecondLessonID != "" {
		return DoublePairing{Kind: PairingExplicit, SecondID: *l.SecondLessonID}
	}
	return DoublePairing{Kind: PairingUnified}
}

type groupKey struct {
	week      int
	subjectID string
}

// ResolveSpans computes the span of every lesson of schoolYear. Explicit links win over
// unified flags, which win over doubles implied by the template.
func ResolveSpans(lessons []models.Lesson, subjects []models.Subject, analyzer *DoubleAnalyzer, schoolYear int) map[string]Span {
	subjectByID := make(map[string]models.Subject, len(subjects))
	for _, s := range subjects {
		subjectByID[s.ID] = s
	}

	groups := map[groupKey][]models.Lesson{}
	for _, l := range lessons {
		if l.SchoolYear != schoolYear {
			continue
		}
		key := groupKey{week: l.WeekNumber, subjectID: l.SubjectID}
		groups[key] = append(groups[key], l)
	}

	spans := make(map[string]Span, len(lessons))
	for key, group := range groups {
		sortByNumber(group)
		subject := subjectByID[key.subjectID]
		resolveGroup(spans, group, subject, analyzer)
	}
	return spans
}

func resolveGroup(spans map[string]Span, group []models.Lesson, subject models.Subject, analyzer *DoubleAnalyzer) {
	position := make(map[string]int, len(group))
	for i, l := range group {
		position[l.ID] = i
	}
	set := func(i, count int, role SpanRole) {
		spans[group[i].ID] = Span{SpanCount: count, Role: role, SequenceIndex: i}
	}
	assigned := func(i int) bool {
		_, ok := spans[group[i].ID]
		return ok
	}

	for i, l := range group {
		pairing := PairingOf(l)
		if pairing.Kind != PairingExplicit {
			continue
		}
		j, ok := position[pairing.SecondID]
		if !ok || assigned(i) || assigned(j) {
			continue
		}
		second := group[j]
		if second.LessonNumber != l.LessonNumber+1 || second.ClassID != l.ClassID || PairingOf(second).Kind != PairingNone {
			continue
		}
		set(i, 2, RoleFirstOfExplicitPair)
		set(j, 0, RoleSecondOfExplicitPair)
	}

	for i, l := range group {
		if assigned(i) {
			continue
		}
		if PairingOf(l).Kind == PairingUnified {
			set(i, 2, RoleUnifiedDouble)
			continue
		}
		if i+1 < len(group) && !l.DeclaredSingle() && !assigned(i+1) && !group[i+1].IsDouble() {
			classID := l.ClassID
			if classID == "" {
				classID = subject.ClassID
			}
			if analyzer.IsSlotPartOfDouble(l.WeekNumber, subject.Name, l.LessonNumber, classID).IsFirst {
				set(i, 2, RoleFirstOfTemplatePair)
				set(i+1, 0, RoleSecondOfTemplatePair)
				continue
			}
		}
		set(i, 1, RoleSingle)
	}
}

func sortByNumber(lessons []models.Lesson) {
	sort.SliceStable(lessons, func(i, j int) bool {
		if lessons[i].LessonNumber != lessons[j].LessonNumber {
			return lessons[i].LessonNumber < lessons[j].LessonNumber
		}
		return lessons[i].ID < lessons[j].ID
	})
}
