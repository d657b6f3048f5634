package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// ErrInvalidArgument is returned for out-of-range chunking parameters.
var ErrInvalidArgument = errors.New("tokenizer: invalid argument")

const (
	encodingName = "cl100k_base"
	// cl100k_base vocabulary size, reported by VocabSize.
	cl100kVocabSize = 100277
	// heuristicCharsPerToken is used when the BPE tables cannot load.
	heuristicCharsPerToken = 4
)

// Tokenizer provides exact token counting, truncation, and sliding-window
// chunking over a byte-pair encoding. All operations are pure and CPU-bound;
// callers chunking very large documents should do so off the request path.
type Tokenizer struct {
	enc       *tiktoken.Tiktoken
	heuristic bool
	warnOnce  sync.Once
}

var (
	instance *Tokenizer
	initOnce sync.Once
)

// Get returns the process-wide tokenizer, loading the encoding on first use.
func Get() *Tokenizer {
	initOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			log.Warn().Err(err).Str("encoding", encodingName).
				Msg("tokenizer encoding unavailable, falling back to char heuristic")
			instance = &Tokenizer{heuristic: true}
			return
		}
		instance = &Tokenizer{enc: enc}
	})
	return instance
}

// ModelName reports the encoding in use.
func (t *Tokenizer) ModelName() string {
	if t.heuristic {
		return "heuristic"
	}
	return encodingName
}

// VocabSize reports the encoding vocabulary size, 0 when running heuristically.
func (t *Tokenizer) VocabSize() int {
	if t.heuristic {
		return 0
	}
	return cl100kVocabSize
}

// Count returns the exact token count of text. Empty input counts as zero and
// never fails; if the encoder panics the heuristic estimate is used instead.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	if t.heuristic {
		return heuristicCount(text)
	}
	ids, err := t.safeEncode(text)
	if err != nil {
		t.warnOnce.Do(func() {
			log.Warn().Err(err).Msg("tokenization failed, using char heuristic")
		})
		return heuristicCount(text)
	}
	return len(ids)
}

// CountBatch counts each input independently.
func (t *Tokenizer) CountBatch(texts []string) []int {
	out := make([]int, len(texts))
	for i, s := range texts {
		out[i] = t.Count(s)
	}
	return out
}

// Encode converts text to token ids.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	if t.heuristic {
		return nil, fmt.Errorf("%w: encoding unavailable in heuristic mode", ErrInvalidArgument)
	}
	return t.safeEncode(text)
}

// Decode converts token ids back to text.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	if t.heuristic {
		return "", fmt.Errorf("%w: decoding unavailable in heuristic mode", ErrInvalidArgument)
	}
	return t.enc.Decode(ids), nil
}

// Truncate returns text unchanged when it fits maxTokens, otherwise the
// decoded prefix of at most maxTokens tokens. The result re-counts to at most
// maxTokens plus two tokens of boundary overhead; exceeding by the tolerance
// is logged, never silent.
func (t *Tokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if text == "" {
		return text
	}
	if t.heuristic {
		limit := maxTokens * heuristicCharsPerToken
		if len(text) <= limit {
			return text
		}
		return text[:limit]
	}
	ids, err := t.safeEncode(text)
	if err != nil || len(ids) <= maxTokens {
		return text
	}
	out := t.enc.Decode(ids[:maxTokens])
	if n := t.Count(out); n > maxTokens+2 {
		log.Warn().Int("want", maxTokens).Int("got", n).Msg("truncate exceeded budget tolerance")
	}
	return out
}

// Chunk splits text into token windows of chunkSize, each window starting
// chunkSize-overlap tokens after the previous one. Whitespace-only windows
// are dropped; input shorter than one window yields a single chunk.
func (t *Tokenizer) Chunk(text string, chunkSize, overlap int) ([]string, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk_size must be > 0, got %d", ErrInvalidArgument, chunkSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: overlap must be >= 0, got %d", ErrInvalidArgument, overlap)
	}
	if overlap >= chunkSize {
		return nil, fmt.Errorf("%w: overlap %d must be < chunk_size %d", ErrInvalidArgument, overlap, chunkSize)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if t.heuristic {
		return chunkByChars(text, chunkSize*heuristicCharsPerToken, overlap*heuristicCharsPerToken), nil
	}

	ids, err := t.safeEncode(text)
	if err != nil {
		return chunkByChars(text, chunkSize*heuristicCharsPerToken, overlap*heuristicCharsPerToken), nil
	}
	if len(ids) <= chunkSize {
		return []string{text}, nil
	}
	step := chunkSize - overlap
	var out []string
	for start := 0; start < len(ids); start += step {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		piece := t.enc.Decode(ids[start:end])
		if strings.TrimSpace(piece) != "" {
			out = append(out, piece)
		}
		if end == len(ids) {
			break
		}
	}
	return out, nil
}

func (t *Tokenizer) safeEncode(text string) (ids []int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tokenizer: encode panic: %v", r)
		}
	}()
	return t.enc.Encode(text, nil, nil), nil
}

func heuristicCount(s string) int {
	return (len(s) + heuristicCharsPerToken - 1) / heuristicCharsPerToken
}

func chunkByChars(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var out []string
	for start := 0; start < len(text); start += step {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		piece := text[start:end]
		if strings.TrimSpace(piece) != "" {
			out = append(out, piece)
		}
		if end == len(text) {
			break
		}
	}
	return out
}
