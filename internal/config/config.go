package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the immutable runtime configuration for the assistant core.
// It is constructed once at startup by Load and passed to component
// constructors; components never read the environment themselves.
type Config struct {
	HTTPAddr string
	LogLevel string
	LogPath  string

	Embedding EmbeddingConfig
	LLM       LLMConfig
	Assistant AssistantConfig
	Cache     CacheConfig
	Breaker   BreakerConfig
	Redis     RedisConfig
	Qdrant    QdrantConfig
}

// EmbeddingConfig configures the embedding endpoint and model.
type EmbeddingConfig struct {
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
	TimeoutS   int
}

// LLMConfig configures the chat-completion endpoint.
type LLMConfig struct {
	Model             string
	BaseURL           string
	APIKey            string
	TimeoutS          int
	MaxOutputTokens   int
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
}

// AssistantConfig holds the retrieval and budget knobs of the query pipeline.
type AssistantConfig struct {
	ChunkSize          int
	ChunkOverlap       int
	MaxContextTokens   int
	UserQueryTokens    int
	TopK               int
	RelevanceThreshold float64
	MaxSources         int
}

// CacheConfig controls the three cache layers.
type CacheConfig struct {
	Enabled      bool
	QueryTTL     time.Duration
	EmbeddingTTL time.Duration
	ContextTTL   time.Duration
}

// BreakerConfig controls the circuit breaker around the LLM call.
type BreakerConfig struct {
	Enabled       bool
	FailThreshold int
	Timeout       time.Duration
	ResetWindow   time.Duration
}

// RedisConfig points the cache layer at its backing store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// QdrantConfig points the vector store adapter at its collection.
type QdrantConfig struct {
	URL        string
	Collection string
	TimeoutS   int
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	// .env values override the OS environment so local configuration is
	// deterministic during development.
	_ = godotenv.Overload()

	cfg := Config{
		HTTPAddr: envStr("HTTP_ADDR", ":8080"),
		LogLevel: envStr("LOG_LEVEL", "info"),
		LogPath:  strings.TrimSpace(os.Getenv("LOG_PATH")),
		Embedding: EmbeddingConfig{
			Model:      envStr("EMBEDDING_MODEL", "sentence-transformers/all-MiniLM-L6-v2"),
			BaseURL:    envStr("EMBEDDING_BASE_URL", "http://localhost:8081/v1"),
			APIKey:     strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY")),
			Dimensions: envInt("EMBEDDING_DIMENSIONS", 384),
			TimeoutS:   envInt("EMBEDDING_TIMEOUT_S", 30),
		},
		LLM: LLMConfig{
			Model:             envStr("LLM_MODEL", "meta-llama/Llama-3.2-3B-Instruct"),
			BaseURL:           envStr("LLM_BASE_URL", "http://localhost:8082/v1"),
			APIKey:            strings.TrimSpace(os.Getenv("LLM_API_KEY")),
			TimeoutS:          envInt("LLM_TIMEOUT_S", 60),
			MaxOutputTokens:   envInt("ASSISTANT_MAX_OUTPUT_TOKENS", 400),
			Temperature:       envFloat("LLM_TEMPERATURE", 0.2),
			TopP:              envFloat("LLM_TOP_P", 0.9),
			RepetitionPenalty: envFloat("LLM_REPETITION_PENALTY", 1.1),
		},
		Assistant: AssistantConfig{
			ChunkSize:          envInt("ASSISTANT_CHUNK_SIZE", 384),
			ChunkOverlap:       envInt("ASSISTANT_CHUNK_OVERLAP", 64),
			MaxContextTokens:   envInt("ASSISTANT_MAX_CONTEXT_TOKENS", 1200),
			UserQueryTokens:    envInt("ASSISTANT_USER_QUERY_TOKENS", 150),
			TopK:               envInt("ASSISTANT_TOP_K", 10),
			RelevanceThreshold: envFloat("ASSISTANT_RELEVANCE_THRESHOLD", 0.6),
			MaxSources:         envInt("ASSISTANT_MAX_SOURCES", 5),
		},
		Cache: CacheConfig{
			Enabled:      envBool("CACHE_ENABLED", true),
			QueryTTL:     time.Duration(envInt("CACHE_QUERY_TTL_S", 86400)) * time.Second,
			EmbeddingTTL: time.Duration(envInt("CACHE_EMBEDDING_TTL_S", 604800)) * time.Second,
			ContextTTL:   time.Duration(envInt("CACHE_CONTEXT_TTL_S", 3600)) * time.Second,
		},
		Breaker: BreakerConfig{
			Enabled:       envBool("CIRCUIT_BREAKER_ENABLED", true),
			FailThreshold: envInt("CIRCUIT_BREAKER_FAIL_THRESHOLD", 5),
			Timeout:       time.Duration(envInt("CIRCUIT_BREAKER_TIMEOUT_S", 30)) * time.Second,
			ResetWindow:   time.Duration(envInt("CIRCUIT_BREAKER_RESET_WINDOW_S", 60)) * time.Second,
		},
		Redis: RedisConfig{
			Addr:     envStr("REDIS_ADDR", "localhost:6379"),
			Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
			DB:       envInt("REDIS_DB", 0),
			PoolSize: envInt("REDIS_POOL_SIZE", 50),
		},
		Qdrant: QdrantConfig{
			URL:        envStr("QDRANT_URL", "http://localhost:6334"),
			Collection: envStr("QDRANT_COLLECTION", "sermon_chunks"),
			TimeoutS:   envInt("QDRANT_TIMEOUT_S", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would violate pipeline invariants.
func (c Config) Validate() error {
	a := c.Assistant
	if a.ChunkSize <= 0 {
		return fmt.Errorf("config: ASSISTANT_CHUNK_SIZE must be > 0, got %d", a.ChunkSize)
	}
	if a.ChunkOverlap < 0 || a.ChunkOverlap >= a.ChunkSize {
		return fmt.Errorf("config: ASSISTANT_CHUNK_OVERLAP must be in [0, chunk_size), got %d", a.ChunkOverlap)
	}
	if a.UserQueryTokens <= 0 {
		return fmt.Errorf("config: ASSISTANT_USER_QUERY_TOKENS must be > 0, got %d", a.UserQueryTokens)
	}
	if a.TopK <= 0 || a.TopK > 20 {
		return fmt.Errorf("config: ASSISTANT_TOP_K must be in [1, 20], got %d", a.TopK)
	}
	if a.RelevanceThreshold < -1 || a.RelevanceThreshold > 1 {
		return fmt.Errorf("config: ASSISTANT_RELEVANCE_THRESHOLD must be in [-1, 1], got %f", a.RelevanceThreshold)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("config: EMBEDDING_DIMENSIONS must be > 0, got %d", c.Embedding.Dimensions)
	}
	if c.Breaker.FailThreshold <= 0 {
		return fmt.Errorf("config: CIRCUIT_BREAKER_FAIL_THRESHOLD must be > 0, got %d", c.Breaker.FailThreshold)
	}
	return nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
