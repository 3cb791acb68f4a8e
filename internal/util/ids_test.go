package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	for _, prefix := range []string{"ord_", "lead_", ""} {
		id := NewID(prefix)
		require.True(t, strings.HasPrefix(id, prefix), id)
		_, err := uuid.Parse(strings.TrimPrefix(id, prefix))
		assert.NoError(t, err, id)
	}
}

func TestNewSessionIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewSessionID()
		assert.True(t, strings.HasPrefix(id, "s_"))
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
