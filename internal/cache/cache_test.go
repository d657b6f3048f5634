package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribes/internal/config"
	"scribes/internal/vectorstore"
)

func testCfg() config.CacheConfig {
	return config.CacheConfig{
		Enabled:      true,
		QueryTTL:     24 * time.Hour,
		EmbeddingTTL: 7 * 24 * time.Hour,
		ContextTTL:   time.Hour,
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"What is Grace?":        "what is grace",
		"  hello,   world!  ":   "hello world",
		"A.B.C":                 "abc",
		"tabs\tand\nnewlines":   "tabs and newlines",
		"":                      "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestKeys_FormatAndStability(t *testing.T) {
	k1 := QueryKey("u1", "What is grace?", []string{"b", "a"})
	k2 := QueryKey("u1", "what is GRACE", []string{"a", "b"})
	assert.Equal(t, k1, k2, "normalization and id sorting must agree")
	assert.Contains(t, k1, "query:v1:")

	assert.Contains(t, EmbeddingKey("q"), "embedding:v1:")
	assert.Contains(t, ContextKey("u1", []float32{1, 2}), "context:v1:u1:")

	// distinct users never collide
	assert.NotEqual(t, QueryKey("u1", "q", nil), QueryKey("u2", "q", nil))
}

func TestVectorCodec_RoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.25, 0}
	got := DecodeVector(EncodeVector(vec))
	assert.Equal(t, vec, got)
	assert.Nil(t, DecodeVector([]byte{1, 2, 3}))
	assert.Nil(t, DecodeVector(nil))
}

func TestFingerprint_Stable(t *testing.T) {
	a := Fingerprint([]float32{1, 2, 3})
	b := Fingerprint([]float32{1, 2, 3})
	c := Fingerprint([]float32{1, 2, 4})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestL1_HitMiss(t *testing.T) {
	c := New(NewMemoryKV(), testCfg())
	ctx := context.Background()
	ids := []string{"n1:0", "n1:1"}

	_, ok := c.GetQuery(ctx, "u1", "what is grace", ids)
	assert.False(t, ok)

	c.SetQuery(ctx, "u1", "what is grace", ids, []byte(`{"answer":"grace"}`))
	val, ok := c.GetQuery(ctx, "u1", "What is GRACE?", ids)
	require.True(t, ok)
	assert.JSONEq(t, `{"answer":"grace"}`, string(val))

	// different context id set misses
	_, ok = c.GetQuery(ctx, "u1", "what is grace", []string{"n2:0"})
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, int64(1), s.L1.Hits)
	assert.Equal(t, int64(2), s.L1.Misses)
	assert.InDelta(t, llmCallUSD, s.L1.CostSavedUSD, 1e-9)
}

func TestL2_RoundTrip(t *testing.T) {
	c := New(NewMemoryKV(), testCfg())
	ctx := context.Background()
	vec := []float32{0.1, 0.2, 0.3}

	_, ok := c.GetEmbedding(ctx, "what is grace")
	assert.False(t, ok)
	c.SetEmbedding(ctx, "what is grace", vec)
	got, ok := c.GetEmbedding(ctx, "What is grace?!")
	require.True(t, ok)
	assert.Equal(t, vec, got)
}

func TestL3_RoundTripAndInvalidation(t *testing.T) {
	c := New(NewMemoryKV(), testCfg())
	ctx := context.Background()
	vec := []float32{1, 0}
	results := []vectorstore.Retrieved{
		{Chunk: vectorstore.Chunk{ChunkID: "n1:0", NoteID: "n1", UserID: "u1",
			Text: "grace text", Title: "Grace", ScriptureRefs: []string{"Eph 2:8"}}, Similarity: 0.9},
	}

	c.SetContext(ctx, "u1", vec, results)
	got, ok := c.GetContext(ctx, "u1", vec)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "grace text", got[0].Text)
	assert.InDelta(t, 0.9, got[0].Similarity, 1e-9)
	assert.Equal(t, []string{"Eph 2:8"}, got[0].ScriptureRefs)

	// invalidation is scoped to the user
	c.SetContext(ctx, "u2", vec, results)
	c.InvalidateUser(ctx, "u1")
	_, ok = c.GetContext(ctx, "u1", vec)
	assert.False(t, ok)
	_, ok = c.GetContext(ctx, "u2", vec)
	assert.True(t, ok)
}

func TestDisabledCache_AlwaysMisses(t *testing.T) {
	cfg := testCfg()
	cfg.Enabled = false
	c := New(NewMemoryKV(), cfg)
	ctx := context.Background()

	c.SetQuery(ctx, "u1", "q", nil, []byte("{}"))
	_, ok := c.GetQuery(ctx, "u1", "q", nil)
	assert.False(t, ok)

	c.SetEmbedding(ctx, "q", []float32{1})
	_, ok = c.GetEmbedding(ctx, "q")
	assert.False(t, ok)
}

// failingKV simulates a broken backing store.
type failingKV struct{}

func (failingKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("kv down")
}
func (failingKV) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("kv down")
}
func (failingKV) DeleteByPrefix(context.Context, string) error { return errors.New("kv down") }
func (failingKV) Close() error                                 { return nil }

func TestCacheErrors_SwallowedAsMisses(t *testing.T) {
	c := New(failingKV{}, testCfg())
	ctx := context.Background()

	_, ok := c.GetQuery(ctx, "u1", "q", nil)
	assert.False(t, ok)
	c.SetQuery(ctx, "u1", "q", nil, []byte("{}"))
	_, ok = c.GetEmbedding(ctx, "q")
	assert.False(t, ok)
	c.InvalidateUser(ctx, "u1") // must not panic or error
}

func TestMemoryKV_TTLExpiry(t *testing.T) {
	kv := NewMemoryKV()
	base := time.Now()
	kv.now = func() time.Time { return base }
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Hour))
	_, ok, _ := kv.Get(ctx, "k")
	assert.True(t, ok)

	kv.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, ok, _ = kv.Get(ctx, "k")
	assert.False(t, ok)
}
