package retrieval

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"scribes/internal/cache"
	"scribes/internal/config"
	"scribes/internal/embedder"
	"scribes/internal/obs"
	"scribes/internal/vectorstore"
)

// Result carries the partitioned retrieval outcome for one query.
type Result struct {
	High []vectorstore.Retrieved
	Low  []vectorstore.Retrieved
	// Vec is the query embedding used for the search.
	Vec []float32
}

// Service embeds queries (through L2), searches the vector store (through
// L3), and partitions hits at the relevance threshold.
type Service struct {
	emb     embedder.Embedder
	store   vectorstore.Store
	caches  *cache.Caches
	cfg     config.AssistantConfig
	metrics obs.Metrics
}

// New wires the retrieval path.
func New(emb embedder.Embedder, store vectorstore.Store, caches *cache.Caches, cfg config.AssistantConfig, metrics obs.Metrics) *Service {
	if metrics == nil {
		metrics = obs.Noop{}
	}
	return &Service{emb: emb, store: store, caches: caches, cfg: cfg, metrics: metrics}
}

// Retrieve embeds the (already sanitized) query and returns the user's
// chunks partitioned by the relevance threshold, each half sorted by
// similarity descending.
func (s *Service) Retrieve(ctx context.Context, query, userID string) (Result, error) {
	start := time.Now()

	vec, ok := s.caches.GetEmbedding(ctx, query)
	if !ok {
		var err error
		vec, err = s.emb.Embed(ctx, query)
		if err != nil {
			return Result{}, err
		}
		s.caches.SetEmbedding(ctx, query, vec)
	}

	results, cached := s.caches.GetContext(ctx, userID, vec)
	if !cached {
		var err error
		results, err = s.store.Search(ctx, userID, vec, s.cfg.TopK)
		if err != nil {
			return Result{}, err
		}
		s.caches.SetContext(ctx, userID, vec, results)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	out := Result{Vec: vec}
	for _, r := range results {
		if r.Similarity >= s.cfg.RelevanceThreshold {
			out.High = append(out.High, r)
		} else {
			out.Low = append(out.Low, r)
		}
	}

	s.metrics.StageLatency("retrieval", float64(time.Since(start).Milliseconds()))
	log.Debug().
		Str("user_id", userID).
		Int("high_relevance", len(out.High)).
		Int("low_relevance", len(out.Low)).
		Bool("embedding_cached", ok).
		Bool("context_cached", cached).
		Msg("retrieval complete")
	return out, nil
}

// ChunkIDs lists the ids of every retrieved chunk, high and low, for L1
// keying.
func (r Result) ChunkIDs() []string {
	out := make([]string, 0, len(r.High)+len(r.Low))
	for _, c := range r.High {
		out = append(out, c.ChunkID)
	}
	for _, c := range r.Low {
		out = append(out, c.ChunkID)
	}
	return out
}
