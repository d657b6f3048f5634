package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribes/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	oldBase, oldCap := backoffBase, backoffCap
	backoffBase, backoffCap = time.Millisecond, 5*time.Millisecond
	t.Cleanup(func() { backoffBase, backoffCap = oldBase, oldCap })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.LLMConfig{
		Model:    "test-model",
		BaseURL:  srv.URL,
		APIKey:   "test-key",
		TimeoutS: 5,
	})
}

func chatOK(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}
}

func sampleMsgs() []Message {
	return []Message{
		{Role: "system", Content: "directive"},
		{Role: "user", Content: "Sermon notes:\nnotes\n\nQuestion: what is grace?"},
	}
}

func defaultOpts() Options {
	return Options{MaxNewTokens: 400, Temperature: 0.2, TopP: 0.9, RepetitionPenalty: 1.1}
}

func TestGenerate_ReturnsCompletion(t *testing.T) {
	c := newTestClient(t, chatOK("Grace is God's unmerited favor."))
	out, err := c.Generate(context.Background(), sampleMsgs(), defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, "Grace is God's unmerited favor.", out)
}

func TestGenerate_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream error", http.StatusInternalServerError)
			return
		}
		chatOK("recovered")(w, r)
	})
	out, err := c.Generate(context.Background(), sampleMsgs(), defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerate_FailsWithGenerationErrorAfterRetries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	_, err := c.Generate(context.Background(), sampleMsgs(), defaultOpts())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGeneration))
}

func TestGenerate_EmptyOutputIsGenerationError(t *testing.T) {
	c := newTestClient(t, chatOK("   "))
	_, err := c.Generate(context.Background(), sampleMsgs(), defaultOpts())
	assert.True(t, errors.Is(err, ErrGeneration))
}

func TestGenerate_PromptEchoIsGenerationError(t *testing.T) {
	msgs := sampleMsgs()
	c := newTestClient(t, chatOK(msgs[1].Content))
	_, err := c.Generate(context.Background(), msgs, defaultOpts())
	assert.True(t, errors.Is(err, ErrGeneration))
}

func TestGenerate_BadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad params","type":"invalid_request_error"}}`))
	})
	_, err := c.Generate(context.Background(), sampleMsgs(), defaultOpts())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadRequest))
	assert.Equal(t, int32(1), calls.Load())
}

func TestStripRoleMarkers(t *testing.T) {
	cases := map[string]string{
		"assistant: hello":              "hello",
		"<|assistant|> hello":           "hello",
		"<|im_start|>assistant\nhello":  "hello",
		"plain answer":                  "plain answer",
		"  assistant: <|im_end|> hi":    "hi",
		"discusses assistant: midtext":  "discusses assistant: midtext",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripRoleMarkers(in), "input %q", in)
	}
}
