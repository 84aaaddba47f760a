package planner

import "github.com/noah-isme/sma-planner-api/internal/models"

// Block is a run of visible lessons sharing a topic. Lessons without a topic always
// form their own block.
type Block struct {
	TopicID       *string         `json:"topic_id,omitempty"`
	Lessons       []models.Lesson `json:"lessons"`
	OccupiedSlots int             `json:"occupied_slots"`
	StartNumber   int             `json:"start_number"`
}

// MergeBlocks groups the lessons of one subject and week into topic blocks. Lessons
// absorbed by a double lesson are skipped; an empty lesson number ends a block.
func MergeBlocks(weekLessons []models.Lesson, spans map[string]Span) []Block {
	lessons := append([]models.Lesson(nil), weekLessons...)
	sortByNumber(lessons)

	var blocks []Block
	covered := 0
	for _, l := range lessons {
		span, ok := spans[l.ID]
		if !ok {
			span = Span{SpanCount: 1, Role: RoleSingle}
		}
		if span.Hidden() {
			if l.LessonNumber > covered {
				covered = l.LessonNumber
			}
			continue
		}

		contiguous := covered > 0 && l.LessonNumber <= covered+1
		if n := len(blocks); n > 0 && contiguous && sameTopic(blocks[n-1].TopicID, l.TopicID) {
			blocks[n-1].Lessons = append(blocks[n-1].Lessons, l)
			blocks[n-1].OccupiedSlots += span.SpanCount
		} else {
			blocks = append(blocks, Block{
				TopicID:       l.TopicID,
				Lessons:       []models.Lesson{l},
				OccupiedSlots: span.SpanCount,
				StartNumber:   l.LessonNumber,
			})
		}

		if end := l.LessonNumber + span.SpanCount - 1; end > covered {
			covered = end
		}
	}
	return blocks
}

func sameTopic(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}
