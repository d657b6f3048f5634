package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"scribes/internal/cache"
	"scribes/internal/config"
	"scribes/internal/embedder"
	"scribes/internal/obs"
	"scribes/internal/tokenizer"
	"scribes/internal/vectorstore"
)

// bulkThreshold is the combined-text size above which embedding runs on a
// bounded worker group instead of a single sequential batch.
const bulkThreshold = 20_000

// embedBatchSize is the number of chunks embedded per worker call.
const embedBatchSize = 32

// Note is the immutable snapshot the external note service hands to the
// ingestion contract.
type Note struct {
	ID            string   `json:"id"`
	UserID        string   `json:"user_id"`
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	Preacher      string   `json:"preacher,omitempty"`
	ScriptureRefs []string `json:"scripture_refs,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// Pipeline turns written notes into embedded chunks in the vector store.
// Running it twice for the same note yields the same end state.
type Pipeline struct {
	tok     *tokenizer.Tokenizer
	emb     embedder.Embedder
	store   vectorstore.Store
	caches  *cache.Caches
	cfg     config.AssistantConfig
	metrics obs.Metrics
}

// NewPipeline wires the ingestion path.
func NewPipeline(tok *tokenizer.Tokenizer, emb embedder.Embedder, store vectorstore.Store, caches *cache.Caches, cfg config.AssistantConfig, metrics obs.Metrics) *Pipeline {
	if metrics == nil {
		metrics = obs.Noop{}
	}
	return &Pipeline{tok: tok, emb: emb, store: store, caches: caches, cfg: cfg, metrics: metrics}
}

// OnNoteWritten (re)ingests one note: canonical text, token-window chunks,
// batch embeddings, atomic chunk replace, then L3 invalidation. On failure
// the note stays persisted upstream and the vector store is left as it was:
// a new note has no chunks, a re-ingested note keeps its previous chunks.
func (p *Pipeline) OnNoteWritten(ctx context.Context, note Note) error {
	start := time.Now()
	if note.ID == "" || note.UserID == "" {
		return fmt.Errorf("ingest: note id and user id are required")
	}
	combined := embedder.CombineFields(note.Content, note.ScriptureRefs, note.Tags)

	texts, err := p.tok.Chunk(combined, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	if err != nil {
		return fmt.Errorf("ingest: chunk note %s: %w", note.ID, err)
	}
	if len(texts) == 0 {
		// content emptied out; drop whatever was indexed before
		if err := p.store.UpsertChunks(ctx, note.UserID, note.ID, nil); err != nil {
			return err
		}
		p.caches.InvalidateUser(ctx, note.UserID)
		return nil
	}

	vecs, err := p.embedChunks(ctx, texts, len(combined) > bulkThreshold)
	if err != nil {
		p.metrics.IngestFailure("embed")
		return fmt.Errorf("ingest: embed note %s: %w", note.ID, err)
	}

	counts := p.tok.CountBatch(texts)
	chunks := make([]vectorstore.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = vectorstore.Chunk{
			ChunkID:       vectorstore.ChunkID(note.ID, i),
			NoteID:        note.ID,
			UserID:        note.UserID,
			ChunkIdx:      i,
			Text:          text,
			TokenCount:    counts[i],
			Embedding:     vecs[i],
			Title:         note.Title,
			Preacher:      note.Preacher,
			ScriptureRefs: note.ScriptureRefs,
			Tags:          note.Tags,
		}
	}

	if err := p.store.UpsertChunks(ctx, note.UserID, note.ID, chunks); err != nil {
		p.metrics.IngestFailure("upsert")
		return fmt.Errorf("ingest: upsert note %s: %w", note.ID, err)
	}
	// invalidate only after the upsert committed so readers never see the
	// old corpus through a fresh cache
	p.caches.InvalidateUser(ctx, note.UserID)

	p.metrics.NoteIngested(float64(time.Since(start).Milliseconds()))
	log.Info().
		Str("user_id", note.UserID).
		Str("note_id", note.ID).
		Int("chunks", len(chunks)).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("note ingested")
	return nil
}

// OnNoteDeleted removes a note's chunks and invalidates the user's L3.
func (p *Pipeline) OnNoteDeleted(ctx context.Context, userID, noteID string) error {
	if err := p.store.DeleteNote(ctx, noteID); err != nil {
		return err
	}
	p.caches.InvalidateUser(ctx, userID)
	log.Info().Str("user_id", userID).Str("note_id", noteID).Msg("note chunks deleted")
	return nil
}

// embedChunks embeds all chunk texts, preserving order. Bulk notes fan out
// across a bounded worker group so one large sermon transcript does not
// serialize behind a single request.
func (p *Pipeline) embedChunks(ctx context.Context, texts []string, bulk bool) ([][]float32, error) {
	if !bulk || len(texts) <= embedBatchSize {
		return p.emb.EmbedBatch(ctx, texts)
	}
	out := make([][]float32, len(texts))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(texts); start += embedBatchSize {
		start := start
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			vecs, err := p.emb.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			mu.Lock()
			copy(out[start:end], vecs)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
