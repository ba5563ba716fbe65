package uid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		assert.Len(t, id, 36)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(New()))
	assert.True(t, Valid("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("not-a-uuid"))
	assert.False(t, Valid(strings.Repeat("a", 200)))
}
