package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHash_SameContent_SameHash(t *testing.T) {
	// Given: identical content
	a := ContentHash("hello world")
	b := ContentHash("hello world")

	// Then: hashes match
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex-encoded SHA-256
}

func TestContentHash_DifferentContent_DifferentHash(t *testing.T) {
	// Given: differing content
	a := ContentHash("hello world")
	b := ContentHash("hello World")

	// Then: hashes differ
	assert.NotEqual(t, a, b)
}

func TestNew_ReturnsUniqueIDs(t *testing.T) {
	// Given: a sequence of generated ids
	first := New()
	second := New()

	// Then: ids are unique and well-formed UUIDs
	assert.NotEqual(t, first, second)
	assert.Len(t, first, 36)
	assert.Len(t, second, 36)
}
