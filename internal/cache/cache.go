package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"scribes/internal/config"
	"scribes/internal/vectorstore"
)

// Approximate per-call prices used for the cost-saved counters.
const (
	llmCallUSD   = 0.002
	embedCallUSD = 0.0001
)

// LayerStats is the observable state of one cache layer.
type LayerStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Sets         int64   `json:"sets"`
	CostSavedUSD float64 `json:"cost_saved_usd"`
}

// CombinedStats aggregates all three layers.
type CombinedStats struct {
	L1       LayerStats `json:"l1"`
	L2       LayerStats `json:"l2"`
	L3       LayerStats `json:"l3"`
	Combined struct {
		CostSavedUSD float64 `json:"cost_saved_usd"`
	} `json:"combined"`
}

type layerCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

func (c *layerCounters) snapshot(perHitUSD float64) LayerStats {
	hits := c.hits.Load()
	return LayerStats{
		Hits:         hits,
		Misses:       c.misses.Load(),
		Sets:         c.sets.Load(),
		CostSavedUSD: float64(hits) * perHitUSD,
	}
}

// Caches bundles the three TTL cache layers over one KV store. Every error
// from the KV is swallowed into a miss and logged as a warning; cache
// failures never surface to callers.
type Caches struct {
	kv      KV
	cfg     config.CacheConfig
	l1, l2, l3 layerCounters
}

// New wires the cache layers over kv. A nil kv or disabled config yields a
// cache that always misses.
func New(kv KV, cfg config.CacheConfig) *Caches {
	return &Caches{kv: kv, cfg: cfg}
}

func (c *Caches) enabled() bool {
	return c != nil && c.kv != nil && c.cfg.Enabled
}

// GetQuery probes L1 for a finished response, returned as its stored JSON.
func (c *Caches) GetQuery(ctx context.Context, userID, query string, chunkIDs []string) ([]byte, bool) {
	if !c.enabled() {
		return nil, false
	}
	key := QueryKey(userID, query, chunkIDs)
	val, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("layer", "l1").Msg("cache get failed, treating as miss")
		return nil, false
	}
	if !ok {
		c.l1.misses.Add(1)
		return nil, false
	}
	c.l1.hits.Add(1)
	return val, true
}

// SetQuery stores a finished response JSON in L1.
func (c *Caches) SetQuery(ctx context.Context, userID, query string, chunkIDs []string, respJSON []byte) {
	if !c.enabled() {
		return
	}
	key := QueryKey(userID, query, chunkIDs)
	if err := c.kv.Set(ctx, key, respJSON, c.cfg.QueryTTL); err != nil {
		log.Warn().Err(err).Str("layer", "l1").Msg("cache set failed")
		return
	}
	c.l1.sets.Add(1)
}

// GetEmbedding probes L2 for the query embedding.
func (c *Caches) GetEmbedding(ctx context.Context, query string) ([]float32, bool) {
	if !c.enabled() {
		return nil, false
	}
	val, ok, err := c.kv.Get(ctx, EmbeddingKey(query))
	if err != nil {
		log.Warn().Err(err).Str("layer", "l2").Msg("cache get failed, treating as miss")
		return nil, false
	}
	if !ok {
		c.l2.misses.Add(1)
		return nil, false
	}
	vec := DecodeVector(val)
	if vec == nil {
		log.Warn().Str("layer", "l2").Msg("corrupt cached embedding, treating as miss")
		c.l2.misses.Add(1)
		return nil, false
	}
	c.l2.hits.Add(1)
	return vec, true
}

// SetEmbedding stores a query embedding in L2 using the compact binary codec.
func (c *Caches) SetEmbedding(ctx context.Context, query string, vec []float32) {
	if !c.enabled() {
		return
	}
	if err := c.kv.Set(ctx, EmbeddingKey(query), EncodeVector(vec), c.cfg.EmbeddingTTL); err != nil {
		log.Warn().Err(err).Str("layer", "l2").Msg("cache set failed")
		return
	}
	c.l2.sets.Add(1)
}

// cachedChunk is the L3 wire form; embeddings are not stored, the retrieval
// result only needs text, metadata, and similarity.
type cachedChunk struct {
	ChunkID       string   `json:"chunk_id"`
	NoteID        string   `json:"note_id"`
	UserID        string   `json:"user_id"`
	ChunkIdx      int      `json:"chunk_idx"`
	Text          string   `json:"text"`
	TokenCount    int      `json:"token_count"`
	Title         string   `json:"title"`
	Preacher      string   `json:"preacher,omitempty"`
	ScriptureRefs []string `json:"scripture_refs,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Similarity    float64  `json:"similarity"`
}

// GetContext probes L3 for a prior retrieval result.
func (c *Caches) GetContext(ctx context.Context, userID string, vec []float32) ([]vectorstore.Retrieved, bool) {
	if !c.enabled() {
		return nil, false
	}
	val, ok, err := c.kv.Get(ctx, ContextKey(userID, vec))
	if err != nil {
		log.Warn().Err(err).Str("layer", "l3").Msg("cache get failed, treating as miss")
		return nil, false
	}
	if !ok {
		c.l3.misses.Add(1)
		return nil, false
	}
	var cached []cachedChunk
	if err := json.Unmarshal(val, &cached); err != nil {
		log.Warn().Err(err).Str("layer", "l3").Msg("corrupt cached context, treating as miss")
		c.l3.misses.Add(1)
		return nil, false
	}
	out := make([]vectorstore.Retrieved, len(cached))
	for i, cc := range cached {
		out[i] = vectorstore.Retrieved{
			Chunk: vectorstore.Chunk{
				ChunkID:       cc.ChunkID,
				NoteID:        cc.NoteID,
				UserID:        cc.UserID,
				ChunkIdx:      cc.ChunkIdx,
				Text:          cc.Text,
				TokenCount:    cc.TokenCount,
				Title:         cc.Title,
				Preacher:      cc.Preacher,
				ScriptureRefs: cc.ScriptureRefs,
				Tags:          cc.Tags,
			},
			Similarity: cc.Similarity,
		}
	}
	c.l3.hits.Add(1)
	return out, true
}

// SetContext stores an ordered retrieval result in L3.
func (c *Caches) SetContext(ctx context.Context, userID string, vec []float32, results []vectorstore.Retrieved) {
	if !c.enabled() {
		return
	}
	cached := make([]cachedChunk, len(results))
	for i, r := range results {
		cached[i] = cachedChunk{
			ChunkID:       r.ChunkID,
			NoteID:        r.NoteID,
			UserID:        r.UserID,
			ChunkIdx:      r.ChunkIdx,
			Text:          r.Text,
			TokenCount:    r.TokenCount,
			Title:         r.Title,
			Preacher:      r.Preacher,
			ScriptureRefs: r.ScriptureRefs,
			Tags:          r.Tags,
			Similarity:    r.Similarity,
		}
	}
	val, err := json.Marshal(cached)
	if err != nil {
		log.Warn().Err(err).Str("layer", "l3").Msg("marshal cached context failed")
		return
	}
	if err := c.kv.Set(ctx, ContextKey(userID, vec), val, c.cfg.ContextTTL); err != nil {
		log.Warn().Err(err).Str("layer", "l3").Msg("cache set failed")
		return
	}
	c.l3.sets.Add(1)
}

// InvalidateUser drops every L3 entry for the user. L1 and L2 are keyed by
// content, not corpus state, and deliberately survive note mutations.
func (c *Caches) InvalidateUser(ctx context.Context, userID string) {
	if !c.enabled() {
		return
	}
	if err := c.kv.DeleteByPrefix(ctx, contextPrefix(userID)); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("l3 invalidation failed")
	}
}

// Stats snapshots all layer counters.
func (c *Caches) Stats() CombinedStats {
	var s CombinedStats
	if c == nil {
		return s
	}
	s.L1 = c.l1.snapshot(llmCallUSD)
	s.L2 = c.l2.snapshot(embedCallUSD)
	s.L3 = c.l3.snapshot(0)
	s.Combined.CostSavedUSD = s.L1.CostSavedUSD + s.L2.CostSavedUSD + s.L3.CostSavedUSD
	return s
}
