package obs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the instrumentation surface of the assistant core. The pipeline
// emits a small closed set of signals, so the interface names each one
// directly rather than exposing a generic counter registry.
type Metrics interface {
	// QueryOutcome counts a finished query: ok, l1_hit, no_context,
	// generation_failed, fallback_l1, fallback_excerpts, unavailable.
	QueryOutcome(outcome string)
	// BreakerTransition counts a circuit state change.
	BreakerTransition(from, to string)
	// NoteIngested counts one successfully ingested note and its duration.
	NoteIngested(durationMS float64)
	// IngestFailure counts a failed ingestion by stage (embed, upsert).
	IngestFailure(stage string)
	// StageLatency records a pipeline stage duration in milliseconds.
	StageLatency(stage string, durationMS float64)
}

// Noop discards all signals.
type Noop struct{}

func (Noop) QueryOutcome(string)              {}
func (Noop) BreakerTransition(string, string) {}
func (Noop) NoteIngested(float64)             {}
func (Noop) IngestFailure(string)             {}
func (Noop) StageLatency(string, float64)     {}

// Otel emits the fixed instrument set through the global meter provider.
// Instruments are created once up front; any the meter refuses to build is
// disabled instead of failing the service.
type Otel struct {
	queries     metric.Int64Counter
	transitions metric.Int64Counter
	notes       metric.Int64Counter
	failures    metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewOtel builds the OTel-backed metrics sink.
func NewOtel() *Otel {
	meter := otel.Meter("scribes/assistant")
	o := &Otel{}
	o.queries, _ = meter.Int64Counter("assistant_queries_total")
	o.transitions, _ = meter.Int64Counter("circuit_breaker_transitions_total")
	o.notes, _ = meter.Int64Counter("ingestion_notes_total")
	o.failures, _ = meter.Int64Counter("ingestion_failures_total")
	o.latency, _ = meter.Float64Histogram("pipeline_stage_ms")
	return o
}

func (o *Otel) QueryOutcome(outcome string) {
	if o.queries != nil {
		o.queries.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (o *Otel) BreakerTransition(from, to string) {
	if o.transitions != nil {
		o.transitions.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
	}
}

func (o *Otel) NoteIngested(durationMS float64) {
	if o.notes != nil {
		o.notes.Add(context.Background(), 1)
	}
	o.StageLatency("ingest", durationMS)
}

func (o *Otel) IngestFailure(stage string) {
	if o.failures != nil {
		o.failures.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("stage", stage)))
	}
}

func (o *Otel) StageLatency(stage string, durationMS float64) {
	if o.latency != nil {
		o.latency.Record(context.Background(), durationMS,
			metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// Mock records every signal in memory for test assertions.
type Mock struct {
	mu          sync.Mutex
	Outcomes    map[string]int
	Transitions []string
	Notes       int
	Failures    map[string]int
	Latencies   map[string][]float64
}

// NewMock builds an empty recording sink.
func NewMock() *Mock {
	return &Mock{
		Outcomes:  map[string]int{},
		Failures:  map[string]int{},
		Latencies: map[string][]float64{},
	}
}

func (m *Mock) QueryOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Outcomes[outcome]++
}

func (m *Mock) BreakerTransition(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Transitions = append(m.Transitions, from+"→"+to)
}

func (m *Mock) NoteIngested(durationMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notes++
	m.Latencies["ingest"] = append(m.Latencies["ingest"], durationMS)
}

func (m *Mock) IngestFailure(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures[stage]++
}

func (m *Mock) StageLatency(stage string, durationMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Latencies[stage] = append(m.Latencies[stage], durationMS)
}

// TransitionCount reports recorded breaker transitions, safe for concurrent
// use.
func (m *Mock) TransitionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Transitions)
}
