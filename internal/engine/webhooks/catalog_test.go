package webhooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_Categories(t *testing.T) {
	for _, d := range ListEvents() {
		assert.Contains(t, Categories, d.Category, d.Name)
		assert.Equal(t, CategoryOf(d.Name), d.Category)
		assert.NotEmpty(t, d.Description, d.Name)
	}
}

func TestCatalog_IsValid(t *testing.T) {
	assert.True(t, IsValid("case.created"))
	assert.True(t, IsValid("ai.chat.completed"))
	assert.True(t, IsValid(TestEvent))
	assert.False(t, IsValid("case.exploded"))
	assert.False(t, IsValid(""))
}

func TestCatalog_Grouped(t *testing.T) {
	groups := Grouped()
	require.Len(t, groups, len(Categories))

	total := 0
	for i, g := range groups {
		assert.Equal(t, Categories[i], g.Category)
		for _, e := range g.Events {
			assert.Equal(t, g.Category, e.Category)
		}
		total += len(g.Events)
	}
	assert.Equal(t, len(ListEvents()), total)

	ai := groups[5]
	assert.Equal(t, "ai", ai.Category)
	assert.Equal(t, "ai.chat.completed", ai.Events[0].Name)
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, "ai", CategoryOf("ai.provider.failover"))
	assert.Equal(t, "ping", CategoryOf("ping"))
}
