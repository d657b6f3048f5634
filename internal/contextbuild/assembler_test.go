package contextbuild

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribes/internal/tokenizer"
	"scribes/internal/vectorstore"
)

func rchunk(noteID, title, text string, sim float64) vectorstore.Retrieved {
	return vectorstore.Retrieved{
		Chunk:      vectorstore.Chunk{NoteID: noteID, ChunkID: noteID + ":0", Title: title, Text: text},
		Similarity: sim,
	}
}

func TestBuild_PacksWithinBudget(t *testing.T) {
	tok := tokenizer.Get()
	high := []vectorstore.Retrieved{
		rchunk("n1", "Grace", strings.Repeat("grace and mercy ", 30), 0.9),
		rchunk("n2", "Faith", strings.Repeat("faith and hope ", 30), 0.8),
		rchunk("n3", "Love", strings.Repeat("love and charity ", 30), 0.7),
	}
	res, err := Build(tok, high, 200)
	require.NoError(t, err)
	assert.LessOrEqual(t, res.ContextTokens, 200)
	assert.Equal(t, len(high), res.ChunksUsed+res.ChunksSkipped)
	if res.ChunksSkipped > 0 {
		assert.True(t, res.Truncated)
	}
}

func TestBuild_HighestSimilarityFirst(t *testing.T) {
	tok := tokenizer.Get()
	high := []vectorstore.Retrieved{
		rchunk("n1", "First", "alpha text", 0.9),
		rchunk("n2", "Second", "beta text", 0.7),
	}
	res, err := Build(tok, high, 1200)
	require.NoError(t, err)
	first := strings.Index(res.ContextText, "alpha")
	second := strings.Index(res.ContextText, "beta")
	assert.Greater(t, second, first)
}

func TestBuild_SourcesDedupedByNote(t *testing.T) {
	tok := tokenizer.Get()
	high := []vectorstore.Retrieved{
		rchunk("n1", "Grace", "part one", 0.9),
		rchunk("n1", "Grace", "part two", 0.85),
		rchunk("n2", "Faith", "other", 0.8),
	}
	res, err := Build(tok, high, 1200)
	require.NoError(t, err)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "n1", res.Sources[0].NoteID)
	assert.Equal(t, "n2", res.Sources[1].NoteID)
}

func TestBuild_FormatsWithSourceAttribution(t *testing.T) {
	tok := tokenizer.Get()
	res, err := Build(tok, []vectorstore.Retrieved{
		rchunk("n1", "Understanding God's Grace", "saved by grace", 0.9),
	}, 1200)
	require.NoError(t, err)
	assert.Contains(t, res.ContextText, "[Source: Understanding God's Grace] saved by grace")
}

func TestBuild_EmptyHighYieldsEmptyContext(t *testing.T) {
	res, err := Build(tokenizer.Get(), nil, 1200)
	require.NoError(t, err)
	assert.Empty(t, res.ContextText)
	assert.Zero(t, res.ChunksUsed)
	assert.Empty(t, res.Sources)
	assert.False(t, res.Truncated)
}

func TestBuild_InvalidBudget(t *testing.T) {
	_, err := Build(tokenizer.Get(), nil, 0)
	assert.True(t, errors.Is(err, ErrInvalidBudget))
	_, err = Build(tokenizer.Get(), nil, -5)
	assert.Error(t, err)
}

func TestBuild_Deterministic(t *testing.T) {
	tok := tokenizer.Get()
	high := []vectorstore.Retrieved{
		rchunk("n1", "Grace", "one two three", 0.9),
		rchunk("n2", "Faith", "four five six", 0.8),
	}
	a, err := Build(tok, high, 100)
	require.NoError(t, err)
	b, err := Build(tok, high, 100)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBuild_OversizedChunkSkippedNotTruncatedInto(t *testing.T) {
	tok := tokenizer.Get()
	high := []vectorstore.Retrieved{
		rchunk("n1", "Big", strings.Repeat("word ", 500), 0.9),
		rchunk("n2", "Small", "tiny", 0.8),
	}
	res, err := Build(tok, high, 50)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Contains(t, res.ContextText, "tiny", "smaller later chunk should still pack")
	assert.LessOrEqual(t, res.ContextTokens, 50)
}
