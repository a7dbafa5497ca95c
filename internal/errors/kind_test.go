package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindConstructors_TagExpectedKind(t *testing.T) {
	cases := []struct {
		name string
		err  *AmanError
		want Kind
	}{
		{"invalid argument", InvalidArgumentError("bad input", nil), KindInvalidArgument},
		{"not found", NotFoundError("missing", nil), KindNotFound},
		{"database", DatabaseError("query failed", nil), KindDatabase},
		{"embedding", EmbeddingError("embed failed", nil), KindEmbedding},
		{"vector store", VectorStoreError("search failed", nil), KindVectorStore},
		{"memory", MemoryError("write failed", nil), KindMemory},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.Kind)
			assert.Equal(t, tc.want, GetKind(tc.err))
		})
	}
}

func TestGetKind_WalksWrappedCauseChain(t *testing.T) {
	// Given: an AmanError wrapped by a plain fmt.Errorf
	inner := NotFoundError("observation missing", nil)
	wrapped := fmt.Errorf("loading observation: %w", inner)

	// When
	kind := GetKind(wrapped)

	// Then: the inner AmanError's Kind is recovered through Unwrap
	assert.Equal(t, KindNotFound, kind)
}

func TestGetKind_DefaultsToInternalForPlainError(t *testing.T) {
	// Given: an error with no AmanError anywhere in its chain
	err := fmt.Errorf("something went wrong")

	// When/Then
	assert.Equal(t, KindInternal, GetKind(err))
	assert.Equal(t, KindInternal, GetKind(nil))
}

func TestNew_DerivesKindFromCode(t *testing.T) {
	// Given: errors constructed via the legacy code-based New, not NewKind
	cases := []struct {
		code string
		want Kind
	}{
		{ErrCodeInvalidInput, KindInvalidArgument},
		{ErrCodeObservationNotFound, KindNotFound},
		{ErrCodeDatabaseQuery, KindDatabase},
		{ErrCodeEmbeddingFailed, KindEmbedding},
		{ErrCodeVectorStoreFailed, KindVectorStore},
		{ErrCodeMemoryWrite, KindMemory},
		{ErrCodeFileNotFound, KindNotFound},
		{ErrCodeInternal, KindInternal},
	}
	for _, tc := range cases {
		err := New(tc.code, "msg", nil)
		assert.Equal(t, tc.want, err.Kind, "code %s", tc.code)
	}
}

func TestNewKind_OverridesDerivedKind(t *testing.T) {
	// Given: a code that would normally derive to KindInternal
	err := NewKind(KindVectorStore, ErrCodeInternal, "forced kind", nil)

	// Then: the explicit Kind wins
	assert.Equal(t, KindVectorStore, err.Kind)
}
