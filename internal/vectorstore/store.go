package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrVectorStore wraps vector backend failures.
var ErrVectorStore = errors.New("vectorstore: operation failed")

// Chunk is the indivisible retrieval unit derived from a note. Note metadata
// is denormalized onto every chunk so retrieval results can cite sources
// without a second lookup.
type Chunk struct {
	ChunkID       string    `json:"chunk_id"`
	NoteID        string    `json:"note_id"`
	UserID        string    `json:"user_id"`
	ChunkIdx      int       `json:"chunk_idx"`
	Text          string    `json:"text"`
	TokenCount    int       `json:"token_count"`
	Embedding     []float32 `json:"embedding,omitempty"`
	Title         string    `json:"title"`
	Preacher      string    `json:"preacher,omitempty"`
	ScriptureRefs []string  `json:"scripture_refs,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
}

// Retrieved pairs a chunk with its cosine similarity to a query vector.
type Retrieved struct {
	Chunk
	Similarity float64 `json:"similarity"`
}

// Stats summarizes a user's corpus.
type Stats struct {
	TotalChunks         int `json:"total_chunks"`
	NotesWithEmbeddings int `json:"notes_with_embeddings"`
}

// Store is the adapter over a vector database. Every Search is server-side
// filtered by user; a result for another user is a correctness violation.
type Store interface {
	// UpsertChunks replaces the chunk set of a note. Old chunks are gone and
	// new chunks visible together; no intermediate state is readable.
	UpsertChunks(ctx context.Context, userID, noteID string, chunks []Chunk) error
	// DeleteNote removes all chunks of a note.
	DeleteNote(ctx context.Context, noteID string) error
	// Search returns up to k chunks sorted by decreasing cosine similarity.
	Search(ctx context.Context, userID string, vec []float32, k int) ([]Retrieved, error)
	// UserStats reports corpus counts for a user.
	UserStats(ctx context.Context, userID string) (Stats, error)
	Close() error
}

// ChunkID derives the stable chunk identifier within a note.
func ChunkID(noteID string, idx int) string {
	return fmt.Sprintf("%s:%d", noteID, idx)
}
