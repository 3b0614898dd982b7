package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashStringStable(t *testing.T) {
	assert.Equal(t, HashString("pricing"), HashString("pricing"))
	assert.NotEqual(t, HashString("pricing"), HashString("features"))
	assert.Len(t, HashString(""), 64)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abcdef", 3))
	assert.Equal(t, "abc", Truncate("abc", 10))
	// "é" is two bytes; cutting inside it backs off.
	assert.Equal(t, "a", Truncate("aé", 2))
	assert.Equal(t, "aé", Truncate("aé", 3))
}
