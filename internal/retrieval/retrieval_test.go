package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribes/internal/cache"
	"scribes/internal/config"
	"scribes/internal/embedder"
	"scribes/internal/obs"
	"scribes/internal/vectorstore"
)

type countingEmbedder struct {
	inner embedder.Embedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.inner.Embed(ctx, text)
}
func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	return c.inner.EmbedBatch(ctx, texts)
}
func (c *countingEmbedder) Info() embedder.Info { return c.inner.Info() }

type countingStore struct {
	vectorstore.Store
	searches int
}

func (c *countingStore) Search(ctx context.Context, userID string, vec []float32, k int) ([]vectorstore.Retrieved, error) {
	c.searches++
	return c.Store.Search(ctx, userID, vec, k)
}

func testCfg() config.AssistantConfig {
	return config.AssistantConfig{TopK: 10, RelevanceThreshold: 0.6, ChunkSize: 64, ChunkOverlap: 8}
}

func seed(t *testing.T, store vectorstore.Store, emb embedder.Embedder) {
	t.Helper()
	ctx := context.Background()
	texts := []string{
		"Grace is the unmerited favor of God.",
		"Faith comes by hearing the word.",
	}
	vecs, err := emb.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	chunks := make([]vectorstore.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = vectorstore.Chunk{ChunkIdx: i, Text: text, Title: "Grace", Embedding: vecs[i]}
	}
	require.NoError(t, store.UpsertChunks(ctx, "alice", "n1", chunks))
}

func newService(t *testing.T) (*Service, *countingEmbedder, *countingStore) {
	t.Helper()
	emb := &countingEmbedder{inner: embedder.NewDeterministic(64, 0)}
	store := &countingStore{Store: vectorstore.NewMemory()}
	seed(t, store.Store, emb.inner)
	caches := cache.New(cache.NewMemoryKV(), config.CacheConfig{Enabled: true, ContextTTL: time.Hour, EmbeddingTTL: time.Hour, QueryTTL: time.Hour})
	return New(emb, store, caches, testCfg(), obs.NewMock()), emb, store
}

func TestRetrieve_PartitionsAtThreshold(t *testing.T) {
	s, _, _ := newService(t)
	res, err := s.Retrieve(context.Background(), "Grace is the unmerited favor of God.", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, res.High, "identical text should clear the threshold")
	for _, r := range res.High {
		assert.GreaterOrEqual(t, r.Similarity, 0.6)
	}
	for _, r := range res.Low {
		assert.Less(t, r.Similarity, 0.6)
	}
	assert.NotEmpty(t, res.Vec)
}

func TestRetrieve_SortedDescending(t *testing.T) {
	s, _, _ := newService(t)
	res, err := s.Retrieve(context.Background(), "grace and favor", "alice")
	require.NoError(t, err)
	all := append(append([]vectorstore.Retrieved{}, res.High...), res.Low...)
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].Similarity, all[i].Similarity)
	}
}

func TestRetrieve_L2CacheSkipsEmbedder(t *testing.T) {
	s, emb, _ := newService(t)
	ctx := context.Background()
	_, err := s.Retrieve(ctx, "what is grace", "alice")
	require.NoError(t, err)
	first := emb.calls
	_, err = s.Retrieve(ctx, "what is grace", "alice")
	require.NoError(t, err)
	assert.Equal(t, first, emb.calls, "second retrieve must hit L2")
}

func TestRetrieve_L3CacheSkipsSearch(t *testing.T) {
	s, _, store := newService(t)
	ctx := context.Background()
	_, err := s.Retrieve(ctx, "what is grace", "alice")
	require.NoError(t, err)
	_, err = s.Retrieve(ctx, "what is grace", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, store.searches, "second retrieve must hit L3")
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedder down")
}
func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedder down")
}
func (failingEmbedder) Info() embedder.Info { return embedder.Info{} }

func TestRetrieve_EmbedderFailurePropagates(t *testing.T) {
	store := vectorstore.NewMemory()
	caches := cache.New(cache.NewMemoryKV(), config.CacheConfig{Enabled: true})
	s := New(failingEmbedder{}, store, caches, testCfg(), nil)
	_, err := s.Retrieve(context.Background(), "q", "alice")
	assert.Error(t, err)
}

func TestChunkIDs_CoversBothPartitions(t *testing.T) {
	r := Result{
		High: []vectorstore.Retrieved{{Chunk: vectorstore.Chunk{ChunkID: "a"}}},
		Low:  []vectorstore.Retrieved{{Chunk: vectorstore.Chunk{ChunkID: "b"}}},
	}
	assert.Equal(t, []string{"a", "b"}, r.ChunkIDs())
}
