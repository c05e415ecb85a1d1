package kanban

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoard_ResolvePrerequisites(t *testing.T) {
	b := &Board{SpecID: "s", Stories: []Story{
		{ID: "a", Status: StoryDone},
		{ID: "b", Status: StoryBlocked, DependsOn: []string{"a"}},
		{ID: "c", Status: StoryBlocked, DependsOn: []string{"a", "missing"}},
		{ID: "d", Status: StoryBlocked},
		{ID: "e", Status: StoryBacklog},
	}}

	assert.Equal(t, []string{"b", "d"}, b.ResolvePrerequisites())
	assert.Equal(t, "b", b.NextEligible().ID)
	assert.True(t, b.HasBlocked())
	assert.False(t, b.AllDone())
	assert.Equal(t, StoryBacklog, b.Story("e").Status, "backlog stories are never promoted")
}

func TestBoard_Exhausted(t *testing.T) {
	b := &Board{SpecID: "s", Stories: []Story{{ID: "a", Status: StoryDone}}}
	assert.Nil(t, b.NextEligible())
	assert.False(t, b.HasBlocked())
	assert.True(t, b.AllDone())

	b.MarkComplete()
	assert.True(t, b.Completed)
	assert.True(t, b.Phases[PhaseComplete])
}

func TestBoard_Settled(t *testing.T) {
	b := &Board{SpecID: "s", Stories: []Story{
		{ID: "a", Status: StoryDone},
		{ID: "b", Status: StoryBacklog},
	}}
	assert.True(t, b.Settled())
	assert.False(t, b.AllDone())

	b.Stories = append(b.Stories, Story{ID: "c", Status: StoryInProgress})
	assert.False(t, b.Settled())
}
