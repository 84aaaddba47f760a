package planner

import (
	"sort"
	"strings"

	"github.com/noah-isme/sma-planner-api/internal/models"
)

// TemplateSlot is a physical day and period of the fixed timetable.
type TemplateSlot struct {
	Day    models.Weekday `json:"day"`
	Period int            `json:"period"`
}

// SubjectPattern is the weekly slot sequence of one subject of a class. Index k of
// Slots is lesson number k+1.
type SubjectPattern struct {
	Slots []TemplateSlot `json:"slots"`
	pairs map[int]bool
}

// Len returns the number of weekly slots in the template.
func (p SubjectPattern) Len() int {
	return len(p.Slots)
}

// IsPairStart reports whether slot k and k+1 form a double period.
func (p SubjectPattern) IsPairStart(k int) bool {
	return p.pairs[k]
}

// DoublePairs returns the start indexes of every double period in ascending order.
func (p SubjectPattern) DoublePairs() []int {
	out := make([]int, 0, len(p.pairs))
	for k := range p.pairs {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// SlotDouble describes how a lesson number relates to the template's double periods.
type SlotDouble struct {
	IsDouble bool `json:"is_double"`
	IsFirst  bool `json:"is_first"`
	IsSecond bool `json:"is_second"`
}

type patternKey struct {
	subject string
	classID string
}

func newPatternKey(subjectName, classID string) patternKey {
	return patternKey{subject: strings.ToLower(strings.TrimSpace(subjectName)), classID: classID}
}

// DoubleAnalyzer derives double periods from a fixed weekly timetable. A nil analyzer
// or one built from a missing template reports no doubles.
type DoubleAnalyzer struct {
	mode     models.ScheduleMode
	patterns map[patternKey]SubjectPattern
}

// NewDoubleAnalyzer precomputes the pattern of every subject in the template.
func NewDoubleAnalyzer(tpl *models.ScheduleTemplate) *DoubleAnalyzer {
	a := &DoubleAnalyzer{mode: models.ScheduleModeFlexible, patterns: map[patternKey]SubjectPattern{}}
	if tpl == nil {
		return a
	}
	a.mode = tpl.Mode

	grouped := map[patternKey][]TemplateSlot{}
	for day, entries := range tpl.Slots {
		if !day.Valid() {
			continue
		}
		for _, e := range entries {
			key := newPatternKey(e.Subject, e.ClassID)
			if key.subject == "" {
				continue
			}
			grouped[key] = append(grouped[key], TemplateSlot{Day: day, Period: e.Period})
		}
	}

	for key, slots := range grouped {
		sort.Slice(slots, func(i, j int) bool {
			if oi, oj := slots[i].Day.Order(), slots[j].Day.Order(); oi != oj {
				return oi < oj
			}
			return slots[i].Period < slots[j].Period
		})
		a.patterns[key] = SubjectPattern{Slots: slots, pairs: pairSlots(slots)}
	}
	return a
}

// pairSlots pairs adjacent periods greedily from the left so pairs never overlap.
func pairSlots(slots []TemplateSlot) map[int]bool {
	pairs := map[int]bool{}
	for k := 0; k+1 < len(slots); {
		cur, next := slots[k], slots[k+1]
		if cur.Day == next.Day && next.Period-cur.Period == 1 {
			pairs[k] = true
			k += 2
			continue
		}
		k++
	}
	return pairs
}

// Mode returns the schedule mode of the underlying template.
func (a *DoubleAnalyzer) Mode() models.ScheduleMode {
	if a == nil {
		return models.ScheduleModeFlexible
	}
	return a.mode
}

// Active reports whether the template is in fixed mode and has any slots.
func (a *DoubleAnalyzer) Active() bool {
	return a != nil && a.mode == models.ScheduleModeFixed && len(a.patterns) > 0
}

// AnalyzeSubject returns the slot sequence and double pairs of a subject in a class.
func (a *DoubleAnalyzer) AnalyzeSubject(subjectName, classID string) SubjectPattern {
	if a == nil {
		return SubjectPattern{}
	}
	return a.patterns[newPatternKey(subjectName, classID)]
}

// IsSlotPartOfDouble reports whether lessonNumber of the subject falls on a double period.
// The timetable repeats every week, so week does not change the answer.
func (a *DoubleAnalyzer) IsSlotPartOfDouble(week int, subjectName string, lessonNumber int, classID string) SlotDouble {
	if !a.Active() || week < 1 {
		return SlotDouble{}
	}
	p := a.AnalyzeSubject(subjectName, classID)
	k := lessonNumber - 1
	if k < 0 || k >= p.Len() {
		return SlotDouble{}
	}
	switch {
	case p.IsPairStart(k):
		return SlotDouble{IsDouble: true, IsFirst: true}
	case k > 0 && p.IsPairStart(k-1):
		return SlotDouble{IsDouble: true, IsSecond: true}
	}
	return SlotDouble{}
}
