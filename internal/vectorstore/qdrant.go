package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// maxTopK bounds the k accepted by Search regardless of caller input.
const maxTopK = 20

type qdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
	timeout    time.Duration
}

// NewQdrant builds a Store over a Qdrant collection, creating the collection
// with cosine distance when absent. The Go client speaks Qdrant's gRPC API
// (port 6334 by default). An API key may ride along as a query parameter:
// "http://localhost:6334?api_key=your_api_key".
func NewQdrant(dsn, collection string, dimension int, timeout time.Duration) (Store, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("qdrant requires dimensions > 0")
	}
	parsedURL, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse Qdrant DSN: %w", err)
	}
	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsedURL.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in Qdrant DSN: %w", err)
	}
	config := &qdrant.Config{
		Host: host,
		Port: portNum,
	}
	if parsedURL.Scheme == "https" {
		config.UseTLS = true
	}
	if apiKey := parsedURL.Query().Get("api_key"); apiKey != "" {
		config.APIKey = apiKey
	}
	client, err := qdrant.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create Qdrant client: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	qs := &qdrantStore{
		client:     client,
		collection: collection,
		dimension:  dimension,
		timeout:    timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()
	if err := qs.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return qs, nil
}

func (q *qdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// pointID derives a deterministic UUID for a chunk. Qdrant only allows UUIDs
// and positive integers as point IDs, so the same chunk always maps to the
// same point and re-ingestion overwrites in place.
func pointID(noteID string, idx int) *qdrant.PointId {
	u := uuid.NewSHA1(uuid.NameSpaceOID, []byte(ChunkID(noteID, idx)))
	return qdrant.NewIDUUID(u.String())
}

func (q *qdrantStore) UpsertChunks(ctx context.Context, userID, noteID string, chunks []Chunk) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		payload := qdrant.NewValueMap(map[string]any{
			"user_id":        userID,
			"note_id":        noteID,
			"chunk_id":       ChunkID(noteID, c.ChunkIdx),
			"chunk_idx":      int64(c.ChunkIdx),
			"text":           c.Text,
			"token_count":    int64(c.TokenCount),
			"title":          c.Title,
			"preacher":       c.Preacher,
			"scripture_refs": strings.Join(c.ScriptureRefs, "; "),
			"tags":           strings.Join(c.Tags, ","),
		})
		vec := make([]float32, len(c.Embedding))
		copy(vec, c.Embedding)
		points = append(points, &qdrant.PointStruct{
			Id:      pointID(noteID, c.ChunkIdx),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: payload,
		})
	}
	if len(points) > 0 {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("%w: upsert: %v", ErrVectorStore, err)
		}
	}
	// Chunk point IDs are deterministic per (note, idx), so the upsert above
	// replaced indexes 0..n-1 in place. Drop any stale tail from a previous,
	// longer chunking of this note.
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("note_id", noteID),
				qdrant.NewRange("chunk_idx", &qdrant.Range{Gte: qdrant.PtrOf(float64(len(chunks)))}),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("%w: trim stale chunks: %v", ErrVectorStore, err)
	}
	return nil
}

func (q *qdrantStore) DeleteNote(ctx context.Context, noteID string) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("note_id", noteID)},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("%w: delete note: %v", ErrVectorStore, err)
	}
	return nil
}

func (q *qdrantStore) Search(ctx context.Context, userID string, vec []float32, k int) ([]Retrieved, error) {
	if k <= 0 {
		k = 10
	}
	if k > maxTopK {
		k = maxTopK
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	query := make([]float32, len(vec))
	copy(query, vec)
	limit := uint64(k)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(query),
		Limit:          &limit,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("user_id", userID)},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrVectorStore, err)
	}
	results := make([]Retrieved, 0, len(hits))
	for _, hit := range hits {
		c := chunkFromPayload(hit.Payload)
		if c.UserID != userID {
			// server-side filter must make this unreachable
			return nil, fmt.Errorf("%w: search returned foreign user chunk %s", ErrVectorStore, c.ChunkID)
		}
		results = append(results, Retrieved{Chunk: c, Similarity: float64(hit.Score)})
	}
	return results, nil
}

func (q *qdrantStore) UserStats(ctx context.Context, userID string) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	count, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("user_id", userID)},
		},
		Exact: qdrant.PtrOf(true),
	})
	if err != nil {
		return Stats{}, fmt.Errorf("%w: count: %v", ErrVectorStore, err)
	}
	total := int(count)

	// every stored chunk carries its embedding; distinct notes need a scroll
	notes := map[string]struct{}{}
	var offset *qdrant.PointId
	for {
		page, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch("user_id", userID)},
			},
			Limit:       qdrant.PtrOf(uint32(256)),
			Offset:      offset,
			WithPayload: qdrant.NewWithPayloadInclude("note_id"),
		})
		if err != nil {
			return Stats{}, fmt.Errorf("%w: scroll: %v", ErrVectorStore, err)
		}
		if len(page) == 0 {
			break
		}
		for _, p := range page {
			if v, ok := p.Payload["note_id"]; ok {
				notes[v.GetStringValue()] = struct{}{}
			}
		}
		if len(page) < 256 {
			break
		}
		offset = page[len(page)-1].Id
	}
	return Stats{TotalChunks: total, NotesWithEmbeddings: len(notes)}, nil
}

func (q *qdrantStore) Close() error {
	return q.client.Close()
}

func chunkFromPayload(payload map[string]*qdrant.Value) Chunk {
	var c Chunk
	get := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	getInt := func(key string) int {
		if v, ok := payload[key]; ok {
			return int(v.GetIntegerValue())
		}
		return 0
	}
	c.UserID = get("user_id")
	c.NoteID = get("note_id")
	c.ChunkID = get("chunk_id")
	c.ChunkIdx = getInt("chunk_idx")
	c.Text = get("text")
	c.TokenCount = getInt("token_count")
	c.Title = get("title")
	c.Preacher = get("preacher")
	if refs := get("scripture_refs"); refs != "" {
		c.ScriptureRefs = strings.Split(refs, "; ")
	}
	if tags := get("tags"); tags != "" {
		c.Tags = strings.Split(tags, ",")
	}
	return c
}
