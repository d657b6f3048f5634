// Command scribesd serves the sermon-note assistant core: note ingestion,
// retrieval, and the query pipeline.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"scribes/internal/assistant"
	"scribes/internal/breaker"
	"scribes/internal/cache"
	"scribes/internal/config"
	"scribes/internal/embedder"
	"scribes/internal/httpapi"
	"scribes/internal/ingest"
	"scribes/internal/llmclient"
	"scribes/internal/obs"
	"scribes/internal/observability"
	"scribes/internal/retrieval"
	"scribes/internal/tokenizer"
	"scribes/internal/vectorstore"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}
	if err := observability.Init(cfg.LogPath, cfg.LogLevel); err != nil {
		log.Warn().Err(err).Str("path", cfg.LogPath).Msg("log file unavailable, stderr only")
	}

	metrics := obs.NewOtel()
	tok := tokenizer.Get()
	emb := embedder.NewClient(cfg.Embedding)

	store, err := vectorstore.NewQdrant(cfg.Qdrant.URL, cfg.Qdrant.Collection,
		cfg.Embedding.Dimensions, time.Duration(cfg.Qdrant.TimeoutS)*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("vector store unavailable")
	}
	defer store.Close()

	var kv cache.KV
	if cfg.Cache.Enabled {
		redisKV, err := cache.NewRedisKV(cfg.Redis)
		if err != nil {
			// degraded but serviceable: every lookup becomes a miss
			log.Warn().Err(err).Msg("redis unavailable, running without shared cache")
		} else {
			kv = redisKV
			defer redisKV.Close()
		}
	}
	caches := cache.New(kv, cfg.Cache)

	brk := breaker.New(cfg.Breaker, breaker.SystemClock{}, metrics)
	llm := llmclient.New(cfg.LLM)
	retr := retrieval.New(emb, store, caches, cfg.Assistant, metrics)
	asst := assistant.New(tok, retr, caches, brk, llm, cfg.LLM, cfg.Assistant, metrics)
	pipeline := ingest.NewPipeline(tok, emb, store, caches, cfg.Assistant, metrics)

	server := httpapi.NewServer(asst, pipeline, store, nil)

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("assistant listening")
		if err := server.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}
