package embedding_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/embedding"
)

func TestHashModelEmbedTextIsDeterministicAndNormalized(t *testing.T) {
	m := embedding.HashModel{Dim: 16}
	v1, err := m.EmbedText(context.Background(), "read a file from disk")
	require.NoError(t, err)
	v2, err := m.EmbedText(context.Background(), "read a file from disk")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 16)

	var norm float64
	for _, x := range v1 {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestHashModelDistinctTextsDifferVectors(t *testing.T) {
	m := embedding.HashModel{Dim: 32}
	a, _ := m.EmbedText(context.Background(), "list directory contents")
	b, _ := m.EmbedText(context.Background(), "send an email message")
	assert.NotEqual(t, a, b)
}

func TestHashModelDefaultsDimensionWhenUnset(t *testing.T) {
	m := embedding.HashModel{}
	v, err := m.EmbedText(context.Background(), "anything")
	require.NoError(t, err)
	assert.Len(t, v, 64)
}

func TestHashModelEmbedBatchMatchesIndividualCalls(t *testing.T) {
	m := embedding.HashModel{Dim: 8}
	texts := []string{"alpha tool", "beta tool", "gamma tool"}
	batch, err := m.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, text := range texts {
		single, err := m.EmbedText(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}
}

func TestHashModelEmptyTextYieldsZeroVector(t *testing.T) {
	m := embedding.HashModel{Dim: 8}
	v, err := m.EmbedText(context.Background(), "")
	require.NoError(t, err)
	for _, x := range v {
		assert.Zero(t, x)
	}
}
