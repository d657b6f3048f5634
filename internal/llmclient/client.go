package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog/log"

	"scribes/internal/config"
)

var (
	// ErrGeneration marks LLM failures that count toward the circuit
	// breaker: timeouts, 5xx, and structurally invalid output.
	ErrGeneration = errors.New("llmclient: generation failed")
	// ErrBadRequest marks 4xx failures caused by our own request shape;
	// these never trip the breaker.
	ErrBadRequest = errors.New("llmclient: bad request")
)

const maxRetries = 3

// backoff schedule for transient failures; vars so tests can shrink.
var (
	backoffBase = 1 * time.Second
	backoffCap  = 10 * time.Second
)

// Message is one chat turn handed to the completion endpoint.
type Message struct {
	Role    string
	Content string
}

// Options are the sampling parameters for one generation.
type Options struct {
	MaxNewTokens      int
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
}

// Generator is the minimal surface the orchestrator needs; satisfied by
// Client and by test fakes.
type Generator interface {
	Generate(ctx context.Context, msgs []Message, opts Options) (string, error)
}

// Client calls an OpenAI-compatible chat-completions endpoint.
type Client struct {
	sdk     openai.Client
	model   string
	timeout time.Duration
}

// New constructs the LLM client from config.
func New(cfg config.LLMConfig) *Client {
	reqOpts := []option.RequestOption{}
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	timeout := time.Duration(cfg.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		sdk:     openai.NewClient(reqOpts...),
		model:   cfg.Model,
		timeout: timeout,
	}
}

// Generate runs one chat completion with retry on transient errors and
// validates the returned text before handing it back.
func (c *Client) Generate(ctx context.Context, msgs []Message, opts Options) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: toParams(msgs),
	}
	if opts.MaxNewTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxNewTokens))
	}
	params.Temperature = openai.Float(opts.Temperature)
	params.TopP = openai.Float(opts.TopP)

	reqOpts := []option.RequestOption{}
	if opts.RepetitionPenalty > 0 {
		// not part of the OpenAI schema; self-hosted chat servers accept it
		// as an extra body field
		reqOpts = append(reqOpts, option.WithJSONSet("repetition_penalty", opts.RepetitionPenalty))
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			log.Warn().Int("attempt", attempt+1).Err(lastErr).Msg("retrying llm call")
		}

		out, err := c.call(ctx, params, reqOpts, msgs)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, ErrBadRequest) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: %v", ErrGeneration, lastErr)
}

// toParams converts chat messages into the SDK's param union type.
func toParams(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, len(msgs))
	for i, m := range msgs {
		switch m.Role {
		case "system":
			out[i] = openai.SystemMessage(m.Content)
		case "assistant":
			out[i] = openai.AssistantMessage(m.Content)
		case "developer":
			out[i] = openai.DeveloperMessage(m.Content)
		default:
			out[i] = openai.UserMessage(m.Content)
		}
	}
	return out
}

func (c *Client) call(ctx context.Context, params openai.ChatCompletionNewParams, reqOpts []option.RequestOption, msgs []Message) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.sdk.Chat.Completions.New(cctx, params, reqOpts...)
	if err != nil {
		var apierr *openai.Error
		if errors.As(err, &apierr) && apierr.StatusCode >= 400 && apierr.StatusCode < 500 {
			return "", fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrGeneration)
	}
	out := StripRoleMarkers(resp.Choices[0].Message.Content)
	if err := validateOutput(out, msgs); err != nil {
		return "", err
	}
	return out, nil
}

// validateOutput rejects empty completions and completions that merely echo
// the prompt back.
func validateOutput(out string, msgs []Message) error {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return fmt.Errorf("%w: empty completion", ErrGeneration)
	}
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == trimmed {
			return fmt.Errorf("%w: completion echoed the prompt", ErrGeneration)
		}
	}
	return nil
}

// roleMarkers are chat-template artifacts some self-hosted models leak into
// their output.
var roleMarkers = []string{
	"<|assistant|>", "<|system|>", "<|user|>",
	"<|im_start|>assistant", "<|im_start|>", "<|im_end|>",
	"assistant:", "system:",
}

// StripRoleMarkers removes model-emitted role prefixes from output text.
func StripRoleMarkers(s string) string {
	out := strings.TrimSpace(s)
	for changed := true; changed; {
		changed = false
		for _, marker := range roleMarkers {
			if len(out) >= len(marker) && strings.EqualFold(out[:len(marker)], marker) {
				out = strings.TrimSpace(out[len(marker):])
				changed = true
			}
		}
	}
	return out
}
