package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-planner-api/internal/models"
)

func TestBuildSlotIndexRoundTrip(t *testing.T) {
	lessons := []models.Lesson{
		lesson("a", 1, "math", 1),
		lesson("b", 1, "math", 2),
		lesson("c", 2, "math", 1),
		lesson("d", 1, "eng", 1),
	}
	idx := BuildSlotIndex(lessons)

	require.Equal(t, len(lessons), idx.Len())
	for _, l := range lessons {
		got, ok := idx.Occupant(KeyOf(l))
		require.True(t, ok)
		assert.Equal(t, l.ID, got.ID)
	}
}

func TestBuildSlotIndexLastWins(t *testing.T) {
	idx := BuildSlotIndex([]models.Lesson{lesson("first", 3, "math", 2), lesson("second", 3, "math", 2)})

	got, ok := idx.Lookup(3, "math", 2)
	require.True(t, ok)
	assert.Equal(t, "second", got.ID)
	assert.Equal(t, 1, idx.Len())
}

func TestSlotIndexLookupMiss(t *testing.T) {
	idx := BuildSlotIndex(nil)
	_, ok := idx.Lookup(1, "math", 1)
	assert.False(t, ok)

	var empty *SlotIndex
	_, ok = empty.Lookup(1, "math", 1)
	assert.False(t, ok)
}
