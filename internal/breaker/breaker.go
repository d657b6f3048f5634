package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"scribes/internal/config"
	"scribes/internal/obs"
)

// ErrOpen is the fast-fail returned while the circuit is open.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Clock abstracts time so transitions are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Status is the observable breaker state for the health endpoint.
type Status struct {
	State       string     `json:"state"`
	FailCount   int        `json:"fail_count"`
	LastFailure *time.Time `json:"last_failure_time,omitempty"`
	Healthy     bool       `json:"healthy"`
	Enabled     bool       `json:"enabled"`
}

// Breaker is a three-state circuit protecting the LLM call. Failures are
// counted within a rolling reset window; reaching the threshold opens the
// circuit, which fast-fails every call until the open timeout elapses, then
// lets a single probe through.
type Breaker struct {
	cfg     config.BreakerConfig
	clock   Clock
	metrics obs.Metrics

	mu          sync.Mutex
	state       State
	failures    []time.Time
	openedAt    time.Time
	lastFailure time.Time
	probing     bool
}

// New constructs a closed breaker.
func New(cfg config.BreakerConfig, clock Clock, metrics obs.Metrics) *Breaker {
	if clock == nil {
		clock = SystemClock{}
	}
	if metrics == nil {
		metrics = obs.Noop{}
	}
	return &Breaker{cfg: cfg, clock: clock, metrics: metrics, state: Closed}
}

// Allow reports whether a call may proceed. It returns ErrOpen while the
// circuit is open and admits exactly one probe in half-open.
func (b *Breaker) Allow() error {
	if !b.cfg.Enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.Timeout {
		b.transition(HalfOpen)
	}
	switch b.state {
	case Open:
		return ErrOpen
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess reports a completed call.
func (b *Breaker) RecordSuccess() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if b.state != Closed {
		b.transition(Closed)
	}
	b.failures = b.failures[:0]
}

// RecordFailure reports a qualifying failure. Non-qualifying outcomes
// (input validation, caller-shaped 4xx, cancellations) must not be reported.
func (b *Breaker) RecordFailure() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.lastFailure = now
	if b.state == HalfOpen {
		b.probing = false
		b.openedAt = now
		b.transition(Open)
		return
	}
	// drop failures that rolled out of the reset window
	cutoff := now.Add(-b.cfg.ResetWindow)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = append(kept, now)
	if len(b.failures) >= b.cfg.FailThreshold {
		b.openedAt = now
		b.transition(Open)
	}
}

// RecordNonQualifying reports an outcome that neither counts as failure nor
// success (cancellation, caller-shaped 4xx). It only releases a half-open
// probe slot so the next call can try again.
func (b *Breaker) RecordNonQualifying() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// Reset force-closes the breaker; operational escape hatch.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
	b.probing = false
	if b.state != Closed {
		b.transition(Closed)
	}
}

// Status snapshots the breaker for the health endpoint.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{
		State:     b.state.String(),
		FailCount: len(b.failures),
		Healthy:   b.state == Closed,
		Enabled:   b.cfg.Enabled,
	}
	if !b.lastFailure.IsZero() {
		lf := b.lastFailure
		s.LastFailure = &lf
	}
	if !b.cfg.Enabled {
		s.Healthy = true
	}
	return s
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	log.Warn().
		Str("from", from.String()).
		Str("to", to.String()).
		Int("fail_count", len(b.failures)).
		Msg("circuit breaker state change")
	b.metrics.BreakerTransition(from.String(), to.String())
}
