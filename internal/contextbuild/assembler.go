package contextbuild

import (
	"errors"
	"fmt"
	"strings"

	"scribes/internal/tokenizer"
	"scribes/internal/vectorstore"
)

// ErrInvalidBudget rejects non-positive context budgets.
var ErrInvalidBudget = errors.New("contextbuild: budget must be > 0")

// Source attributes a context passage to its note.
type Source struct {
	NoteID        string   `json:"note_id"`
	Title         string   `json:"title"`
	Preacher      string   `json:"preacher,omitempty"`
	ScriptureRefs []string `json:"scripture_refs,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// Result is the packed context handed to the prompt engine.
type Result struct {
	ContextText   string   `json:"context_text"`
	Sources       []Source `json:"sources"`
	ChunksUsed    int      `json:"chunks_used"`
	ChunksSkipped int      `json:"chunks_skipped"`
	ContextTokens int      `json:"context_tokens"`
	Truncated     bool     `json:"context_truncated"`
}

// Build greedily packs high-relevance chunks into the token budget, most
// similar first. Low-relevance chunks are never included; they only exist so
// callers can tell "nothing found" from "only weak hits found". Output is
// deterministic for identical input.
func Build(tok *tokenizer.Tokenizer, high []vectorstore.Retrieved, budget int) (Result, error) {
	if budget <= 0 {
		return Result{}, fmt.Errorf("%w: got %d", ErrInvalidBudget, budget)
	}
	var (
		res      Result
		selected []string
		seen     = map[string]bool{}
	)
	for _, r := range high {
		formatted := FormatChunk(r.Title, r.Text)
		t := tok.Count(formatted)
		if res.ContextTokens+t > budget {
			res.ChunksSkipped++
			res.Truncated = true
			continue
		}
		selected = append(selected, formatted)
		res.ContextTokens += t
		res.ChunksUsed++
		if !seen[r.NoteID] {
			seen[r.NoteID] = true
			res.Sources = append(res.Sources, Source{
				NoteID:        r.NoteID,
				Title:         r.Title,
				Preacher:      r.Preacher,
				ScriptureRefs: r.ScriptureRefs,
				Tags:          r.Tags,
			})
		}
	}
	res.ContextText = strings.Join(selected, "\n\n")
	return res, nil
}

// FormatChunk renders one chunk with its source attribution line.
func FormatChunk(title, text string) string {
	return fmt.Sprintf("[Source: %s] %s", title, text)
}
