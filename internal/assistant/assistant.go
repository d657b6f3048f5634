package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"scribes/internal/breaker"
	"scribes/internal/cache"
	"scribes/internal/config"
	"scribes/internal/contextbuild"
	"scribes/internal/llmclient"
	"scribes/internal/obs"
	"scribes/internal/promptengine"
	"scribes/internal/retrieval"
	"scribes/internal/tokenizer"
)

const (
	// excerptChars bounds each excerpt line in the degraded response.
	excerptChars = 200
	// excerptCount is how many high-relevance chunks the excerpts fallback
	// shows.
	excerptCount = 3

	excerptsPreamble = "The AI assistant is temporarily unavailable. Here are the most relevant passages from your sermon notes:"

	// declineMessage replaces any completion that leaked the system
	// directive.
	declineMessage = "I keep my focus on your sermon notes rather than my own setup. " +
		"Is there a question from a recent sermon I can help you reflect on?"
)

// Metadata is the per-response diagnostics block.
type Metadata struct {
	QueryTokens      int    `json:"query_tokens"`
	QueryTruncated   bool   `json:"query_truncated"`
	ContextTokens    int    `json:"context_tokens"`
	ContextTruncated bool   `json:"context_truncated"`
	ChunksRetrieved  int    `json:"chunks_retrieved"`
	ChunksUsed       int    `json:"chunks_used"`
	ChunksSkipped    int    `json:"chunks_skipped"`
	DurationMS       int64  `json:"duration_ms"`
	NoContext        bool   `json:"no_context,omitempty"`
	FromL1Cache      bool   `json:"from_l1_cache,omitempty"`
	FromFallback     bool   `json:"from_fallback,omitempty"`
	FallbackSource   string `json:"fallback_source,omitempty"`
	Error            string `json:"error,omitempty"`
}

// QueryResponse is the user-facing answer with attribution.
type QueryResponse struct {
	Answer   string                `json:"answer"`
	Sources  []contextbuild.Source `json:"sources"`
	Metadata *Metadata             `json:"metadata,omitempty"`
}

// Assistant composes the full RAG pipeline: sanitize, retrieve, short-circuit
// on L1, assemble context, generate behind the circuit breaker, format, and
// cache.
type Assistant struct {
	tok     *tokenizer.Tokenizer
	retr    *retrieval.Service
	caches  *cache.Caches
	brk     *breaker.Breaker
	llm     llmclient.Generator
	llmCfg  config.LLMConfig
	cfg     config.AssistantConfig
	metrics obs.Metrics
	clock   breaker.Clock
}

// New wires the orchestrator.
func New(tok *tokenizer.Tokenizer, retr *retrieval.Service, caches *cache.Caches, brk *breaker.Breaker, llm llmclient.Generator, llmCfg config.LLMConfig, cfg config.AssistantConfig, metrics obs.Metrics) *Assistant {
	if metrics == nil {
		metrics = obs.Noop{}
	}
	return &Assistant{
		tok:     tok,
		retr:    retr,
		caches:  caches,
		brk:     brk,
		llm:     llm,
		llmCfg:  llmCfg,
		cfg:     cfg,
		metrics: metrics,
		clock:   breaker.SystemClock{},
	}
}

// CircuitStatus exposes the breaker state for the health endpoint.
func (a *Assistant) CircuitStatus() breaker.Status { return a.brk.Status() }

// ResetCircuit force-closes the breaker.
func (a *Assistant) ResetCircuit() { a.brk.Reset() }

// CacheStats exposes cache counters.
func (a *Assistant) CacheStats() cache.CombinedStats { return a.caches.Stats() }

// Query runs the seven-step pipeline for one user question.
func (a *Assistant) Query(ctx context.Context, userQuery, userID string, includeMetadata bool) (*QueryResponse, error) {
	start := a.clock.Now()

	// step 1: validate and tokenize
	clean, queryTruncated, err := promptengine.SanitizeQuery(a.tok, userQuery, a.cfg.UserQueryTokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, ValidationMessage)
	}
	queryTokens := a.tok.Count(clean)

	// step 2: retrieve
	res, err := a.retr.Retrieve(ctx, clean, userID)
	if err != nil {
		return nil, err
	}
	chunkIDs := res.ChunkIDs()

	// step 3: L1 short-circuit
	if resp, ok := a.probeL1(ctx, userID, clean, chunkIDs, includeMetadata, start, false); ok {
		a.metrics.QueryOutcome("l1_hit")
		return resp, nil
	}

	// step 4: assemble context
	built, err := contextbuild.Build(a.tok, res.High, a.cfg.MaxContextTokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	meta := &Metadata{
		QueryTokens:      queryTokens,
		QueryTruncated:   queryTruncated,
		ContextTokens:    built.ContextTokens,
		ContextTruncated: built.Truncated,
		ChunksRetrieved:  len(chunkIDs),
		ChunksUsed:       built.ChunksUsed,
		ChunksSkipped:    built.ChunksSkipped,
	}

	// step 5: no-context branch — no LLM call, no L1 write
	if built.ContextText == "" {
		meta.NoContext = true
		a.metrics.QueryOutcome("no_context")
		return a.finish(&QueryResponse{
			Answer:  promptengine.NoContextResponse(),
			Sources: []contextbuild.Source{},
		}, meta, includeMetadata, start), nil
	}

	// step 6: generate behind the breaker
	msgs, err := promptengine.BuildPrompt(a.tok, built.ContextText, clean, a.llmCfg.MaxOutputTokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := a.brk.Allow(); err != nil {
		return a.fallbackLadder(ctx, userID, clean, chunkIDs, res, meta, includeMetadata, start)
	}
	out, err := a.llm.Generate(ctx, msgs, llmclient.Options{
		MaxNewTokens:      a.llmCfg.MaxOutputTokens,
		Temperature:       a.llmCfg.Temperature,
		TopP:              a.llmCfg.TopP,
		RepetitionPenalty: a.llmCfg.RepetitionPenalty,
	})
	if err != nil {
		if ctx.Err() != nil {
			a.brk.RecordNonQualifying()
			return nil, ctx.Err()
		}
		if errors.Is(err, llmclient.ErrBadRequest) {
			a.brk.RecordNonQualifying()
		} else {
			a.brk.RecordFailure()
		}
		log.Error().Err(err).Str("user_id", userID).Msg("generation failed, returning excerpt-capable fallback")
		meta.Error = "generation_failed"
		a.metrics.QueryOutcome("generation_failed")
		// sources ride along so the user can still read the passages; no L1
		// write for failed generations
		return a.finish(&QueryResponse{
			Answer:  "I couldn't generate an answer just now. The passages below are the notes I found for your question.",
			Sources: limitSources(built.Sources, a.cfg.MaxSources),
		}, meta, includeMetadata, start), nil
	}
	a.brk.RecordSuccess()

	// step 7: format and cache
	answer := llmclient.StripRoleMarkers(out)
	if promptengine.DirectiveLeaked(answer) {
		log.Warn().Str("user_id", userID).Msg("completion leaked system directive, replaced with decline")
		answer = declineMessage
	}
	resp := &QueryResponse{
		Answer:  answer,
		Sources: limitSources(built.Sources, a.cfg.MaxSources),
	}
	if ctx.Err() != nil {
		// client went away: discard the result, skip the L1 write
		return nil, ctx.Err()
	}
	a.writeL1(ctx, userID, clean, chunkIDs, resp, meta)
	a.metrics.QueryOutcome("ok")

	final := a.finish(resp, meta, includeMetadata, start)
	log.Info().
		Str("user_id", userID).
		Int("query_tokens", queryTokens).
		Int("chunks_retrieved", meta.ChunksRetrieved).
		Int("chunks_used", meta.ChunksUsed).
		Int("context_tokens", meta.ContextTokens).
		Int("answer_chars", len(answer)).
		Int64("duration_ms", final.durationMS(start, a.clock)).
		Msg("query answered")
	return final, nil
}

// fallbackLadder handles an open circuit: L1 reprobe, then excerpts, then
// ServiceUnavailable.
func (a *Assistant) fallbackLadder(ctx context.Context, userID, clean string, chunkIDs []string, res retrieval.Result, meta *Metadata, includeMetadata bool, start time.Time) (*QueryResponse, error) {
	// a concurrent request may have populated L1 since step 3
	if resp, ok := a.probeL1(ctx, userID, clean, chunkIDs, includeMetadata, start, true); ok {
		a.metrics.QueryOutcome("fallback_l1")
		return resp, nil
	}
	if len(res.High) > 0 {
		var b strings.Builder
		b.WriteString(excerptsPreamble)
		for i, r := range res.High {
			if i >= excerptCount {
				break
			}
			b.WriteString("\n• ")
			b.WriteString(truncateChars(r.Text, excerptChars))
		}
		meta.FromFallback = true
		meta.FallbackSource = "excerpts"
		a.metrics.QueryOutcome("fallback_excerpts")
		return a.finish(&QueryResponse{
			Answer:  b.String(),
			Sources: []contextbuild.Source{},
		}, meta, includeMetadata, start), nil
	}
	a.metrics.QueryOutcome("unavailable")
	return nil, ErrServiceUnavailable
}

// probeL1 returns a cached response when present. The stored body is the
// canonical response; only the cache marker and duration differ per hit.
func (a *Assistant) probeL1(ctx context.Context, userID, clean string, chunkIDs []string, includeMetadata bool, start time.Time, asFallback bool) (*QueryResponse, bool) {
	data, ok := a.caches.GetQuery(ctx, userID, clean, chunkIDs)
	if !ok {
		return nil, false
	}
	var resp QueryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Warn().Err(err).Msg("corrupt l1 entry ignored")
		return nil, false
	}
	if !includeMetadata {
		resp.Metadata = nil
		return &resp, true
	}
	if resp.Metadata == nil {
		resp.Metadata = &Metadata{}
	}
	resp.Metadata.FromL1Cache = true
	if asFallback {
		resp.Metadata.FromFallback = true
		resp.Metadata.FallbackSource = "l1_cache"
	}
	resp.Metadata.DurationMS = a.clock.Now().Sub(start).Milliseconds()
	return &resp, true
}

// writeL1 stores the canonical response after a successful generation.
func (a *Assistant) writeL1(ctx context.Context, userID, clean string, chunkIDs []string, resp *QueryResponse, meta *Metadata) {
	canonical := *resp
	m := *meta
	canonical.Metadata = &m
	data, err := json.Marshal(&canonical)
	if err != nil {
		log.Warn().Err(err).Msg("marshal response for l1 failed")
		return
	}
	a.caches.SetQuery(ctx, userID, clean, chunkIDs, data)
}

func (a *Assistant) finish(resp *QueryResponse, meta *Metadata, includeMetadata bool, start time.Time) *QueryResponse {
	if includeMetadata {
		meta.DurationMS = a.clock.Now().Sub(start).Milliseconds()
		resp.Metadata = meta
	} else {
		resp.Metadata = nil
	}
	return resp
}

func (r *QueryResponse) durationMS(start time.Time, clock breaker.Clock) int64 {
	if r.Metadata != nil {
		return r.Metadata.DurationMS
	}
	return clock.Now().Sub(start).Milliseconds()
}

func limitSources(sources []contextbuild.Source, max int) []contextbuild.Source {
	if max <= 0 {
		max = 5
	}
	if len(sources) > max {
		return sources[:max]
	}
	if sources == nil {
		return []contextbuild.Source{}
	}
	return sources
}

func truncateChars(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "…"
}
