package embedder

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"strings"
)

// Deterministic is a network-free embedder for tests and offline
// development. It hashes whitespace-delimited terms into a signed
// bag-of-words vector: each lowercased term lands in one dimension with a
// hash-derived sign, repeated terms accumulate, and the result is
// L2-normalized. Texts sharing vocabulary score high cosine similarity,
// disjoint texts score near zero.
type Deterministic struct {
	dim  int
	seed uint64
}

// NewDeterministic constructs a deterministic embedder with the given
// dimension. Seed perturbs term placement.
func NewDeterministic(dim int, seed uint64) *Deterministic {
	if dim <= 0 {
		dim = 64
	}
	return &Deterministic{dim: dim, seed: seed}
}

func (d *Deterministic) Info() Info {
	return Info{Model: "deterministic", Dim: d.dim}
}

func (d *Deterministic) Embed(_ context.Context, text string) ([]float32, error) {
	return d.embedOne(text), nil
}

func (d *Deterministic) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d *Deterministic) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	terms := strings.Fields(strings.ToLower(s))
	for _, term := range terms {
		idx, sign := d.slot(term)
		v[idx] += sign
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		// empty input, or every term cancelled; downstream validation
		// rejects zero vectors, so pin a unit component
		v[0] = 1
		return v
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// slot maps a term to its dimension and sign. The seed is folded into the
// hash so two embedders with different seeds disagree about placement.
func (d *Deterministic) slot(term string) (int, float32) {
	h := fnv.New64a()
	if d.seed != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], d.seed)
		_, _ = h.Write(buf[:])
	}
	_, _ = h.Write([]byte(term))
	sum := h.Sum64()
	sign := float32(1)
	if sum&(1<<63) != 0 {
		sign = -1
	}
	return int(sum % uint64(d.dim)), sign
}
