package vectorstore

import (
	"context"
	"sort"
	"sync"

	"scribes/internal/embedder"
)

// Memory is an exact-cosine in-memory Store used by tests and single-node
// development. Safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	notes map[string][]Chunk // note_id -> chunks
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{notes: make(map[string][]Chunk)}
}

func (m *Memory) UpsertChunks(_ context.Context, userID, noteID string, chunks []Chunk) error {
	cp := make([]Chunk, len(chunks))
	for i, c := range chunks {
		c.UserID = userID
		c.NoteID = noteID
		c.ChunkID = ChunkID(noteID, c.ChunkIdx)
		cp[i] = c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[noteID] = cp
	return nil
}

func (m *Memory) DeleteNote(_ context.Context, noteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notes, noteID)
	return nil
}

func (m *Memory) Search(_ context.Context, userID string, vec []float32, k int) ([]Retrieved, error) {
	if k <= 0 {
		k = 10
	}
	if k > maxTopK {
		k = maxTopK
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Retrieved
	for _, chunks := range m.notes {
		for _, c := range chunks {
			if c.UserID != userID {
				continue
			}
			out = append(out, Retrieved{Chunk: c, Similarity: embedder.Similarity(vec, c.Embedding)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Memory) UserStats(_ context.Context, userID string) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, chunks := range m.notes {
		counted := false
		for _, c := range chunks {
			if c.UserID != userID {
				continue
			}
			s.TotalChunks++
			if len(c.Embedding) > 0 {
				counted = true
			}
		}
		if counted {
			s.NotesWithEmbeddings++
		}
	}
	return s, nil
}

func (m *Memory) Close() error { return nil }
