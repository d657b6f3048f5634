package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
	"strings"
)

// Key prefixes are versioned so a format migration can run both generations
// side by side.
const (
	l1Prefix = "query:v1:"
	l2Prefix = "embedding:v1:"
	l3Prefix = "context:v1:"
)

// Normalize canonicalizes query text for cache keying: lowercase, ASCII
// punctuation stripped, internal whitespace collapsed.
func Normalize(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	space := false
	for _, r := range strings.ToLower(strings.TrimSpace(q)) {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			space = true
		case r < 128 && isASCIIPunct(byte(r)):
			// dropped
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isASCIIPunct(c byte) bool {
	return (c >= '!' && c <= '/') || (c >= ':' && c <= '@') ||
		(c >= '[' && c <= '`') || (c >= '{' && c <= '~')
}

func shortHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// QueryKey builds the L1 key from user, normalized query, and the sorted ids
// of the chunks the answer was grounded on.
func QueryKey(userID, query string, chunkIDs []string) string {
	ids := make([]string, len(chunkIDs))
	copy(ids, chunkIDs)
	sort.Strings(ids)
	return l1Prefix + shortHash(userID, Normalize(query), strings.Join(ids, ","))
}

// EmbeddingKey builds the L2 key from normalized query text alone.
func EmbeddingKey(query string) string {
	return l2Prefix + shortHash(Normalize(query))
}

// ContextKey builds the L3 key from user and the query vector fingerprint.
// The user id stays in the clear so a user's entries can be invalidated by
// prefix on note writes.
func ContextKey(userID string, vec []float32) string {
	return contextPrefix(userID) + Fingerprint(vec)
}

func contextPrefix(userID string) string {
	return l3Prefix + userID + ":"
}

// Fingerprint reduces a vector to a short stable hex digest of its bytes.
func Fingerprint(vec []float32) string {
	h := sha256.New()
	var buf [4]byte
	for _, f := range vec {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// EncodeVector packs a vector as little-endian float32 frames.
func EncodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// DecodeVector unpacks EncodeVector output; trailing partial frames are
// rejected by returning nil.
func DecodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
