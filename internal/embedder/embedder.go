package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"scribes/internal/config"
)

// ErrEmbedding is returned when the embedding endpoint fails after retries or
// produces an unusable vector.
var ErrEmbedding = errors.New("embedder: embedding failed")

const (
	maxRetries = 3
	// batchSize bounds the number of texts per API call.
	batchSize = 32
)

// backoff schedule for transient endpoint failures; vars so tests can shrink.
var (
	backoffBase = 2 * time.Second
	backoffCap  = 10 * time.Second
)

// Info describes the embedding model in use.
type Info struct {
	Model string `json:"model"`
	Dim   int    `json:"dim"`
}

// Embedder converts text into fixed-dimension cosine-comparable vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Info() Info
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Client calls an OpenAI-compatible embeddings endpoint.
type Client struct {
	cfg        config.EmbeddingConfig
	httpClient *http.Client
}

// NewClient constructs an embedder against the configured endpoint.
func NewClient(cfg config.EmbeddingConfig) *Client {
	timeout := time.Duration(cfg.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Info() Info {
	return Info{Model: c.cfg.Model, Dim: c.cfg.Dimensions}
}

// Embed returns the embedding of a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input, preserving order. Transient
// endpoint failures are retried with exponential backoff before the call
// fails with ErrEmbedding.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.callWithRetry(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) callWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			log.Warn().Int("attempt", attempt+1).Err(lastErr).Msg("retrying embedding call")
		}
		vecs, err := c.call(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrEmbedding, lastErr)
}

func (c *Client) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, _ := json.Marshal(embedReq{Model: c.cfg.Model, Input: texts})
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("embeddings error: %s: %s", resp.Status, string(b))
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	var er embedResp
	if err := json.Unmarshal(bodyBytes, &er); err != nil {
		return nil, fmt.Errorf("parse embedding response (%d inputs): %w", len(texts), err)
	}
	if len(er.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected embedding count: got %d, want %d", len(er.Data), len(texts))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		vec := er.Data[i].Embedding
		if err := validateVector(vec, c.cfg.Dimensions); err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// validateVector rejects empty, mis-sized, zero, and non-finite vectors so a
// degenerate embedding never reaches the vector store silently.
func validateVector(vec []float32, wantDim int) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrEmbedding)
	}
	if wantDim > 0 && len(vec) != wantDim {
		return fmt.Errorf("%w: got %d dimensions, want %d", ErrEmbedding, len(vec), wantDim)
	}
	var norm float64
	for _, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite component", ErrEmbedding)
		}
		norm += f * f
	}
	if norm == 0 {
		return fmt.Errorf("%w: zero vector", ErrEmbedding)
	}
	return nil
}

// CombineFields builds the canonical embedding input for a note's chunks:
// content followed by scripture references and tags. Title and preacher are
// metadata, not semantic signal, and are deliberately excluded. This must be
// identical on ingestion and any later re-indexing.
func CombineFields(content string, scriptureRefs, tags []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(content))
	if len(scriptureRefs) > 0 {
		b.WriteString("\n\nScripture: ")
		b.WriteString(strings.Join(scriptureRefs, "; "))
	}
	if len(tags) > 0 {
		b.WriteString("\nTags: ")
		b.WriteString(strings.Join(tags, ", "))
	}
	return b.String()
}

// Similarity computes cosine similarity between two vectors. Mismatched or
// degenerate inputs yield 0.
func Similarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
