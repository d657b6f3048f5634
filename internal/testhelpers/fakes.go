package testhelpers

import (
	"context"
	"sync/atomic"
	"time"

	"scribes/internal/llmclient"
)

// FakeLLM is a scripted Generator for tests. Configure Resp or Err; Calls
// counts invocations.
type FakeLLM struct {
	Resp  string
	Err   error
	Calls atomic.Int32
	// RespFn, when set, overrides Resp/Err per call.
	RespFn func(msgs []llmclient.Message) (string, error)
}

func (f *FakeLLM) Generate(_ context.Context, msgs []llmclient.Message, _ llmclient.Options) (string, error) {
	f.Calls.Add(1)
	if f.RespFn != nil {
		return f.RespFn(msgs)
	}
	if f.Err != nil {
		return "", f.Err
	}
	return f.Resp, nil
}

// FakeClock is a manually advanced clock for breaker and timing tests.
type FakeClock struct {
	T time.Time
}

func NewFakeClock() *FakeClock {
	return &FakeClock{T: time.Unix(1_700_000_000, 0)}
}

func (f *FakeClock) Now() time.Time          { return f.T }
func (f *FakeClock) Advance(d time.Duration) { f.T = f.T.Add(d) }
