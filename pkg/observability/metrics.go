package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "ai-character-runtime/backend"

// Metrics groups the runtime's instruments. The zero value is not usable; use NewMetrics.
type Metrics struct {
	memoriesCreated    metric.Int64Counter
	memoryThresholds   metric.Int64Counter
	nonceValidations   metric.Int64Counter
	secretsFallbacks   metric.Int64Counter
	circuitTransitions metric.Int64Counter
	turnDuration       metric.Float64Histogram
}

// NewMetrics creates instruments on the global meter provider.
// Before SetupMetrics runs the global provider is a no-op, which keeps tests quiet.
func NewMetrics() *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	m.memoriesCreated, _ = meter.Int64Counter("memories_created_total",
		metric.WithDescription("Memories written to the durable store"))
	m.memoryThresholds, _ = meter.Int64Counter("memory_threshold_crossings_total",
		metric.WithDescription("Per room/agent memory count threshold crossings"))
	m.nonceValidations, _ = meter.Int64Counter("nonce_validations_total",
		metric.WithDescription("Nonce validations by outcome"))
	m.secretsFallbacks, _ = meter.Int64Counter("secrets_fallback_total",
		metric.WithDescription("Character secret blobs rejected in favour of server defaults"))
	m.circuitTransitions, _ = meter.Int64Counter("circuit_transitions_total",
		metric.WithDescription("Circuit breaker state transitions"))
	m.turnDuration, _ = meter.Float64Histogram("chat_turn_duration_seconds",
		metric.WithDescription("End-to-end latency of one chat turn"),
		metric.WithUnit("s"))
	return m
}

// MemoryCreated counts one memory write
func (m *Metrics) MemoryCreated(ctx context.Context, memType string) {
	m.memoriesCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("type", memType)))
}

// MemoryThresholdCrossed counts a warning or critical crossing
func (m *Metrics) MemoryThresholdCrossed(ctx context.Context, level string) {
	m.memoryThresholds.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

// NonceValidated counts a validation attempt by outcome
func (m *Metrics) NonceValidated(ctx context.Context, ok bool) {
	outcome := "rejected"
	if ok {
		outcome = "accepted"
	}
	m.nonceValidations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// SecretsFallback counts a secrets blob that failed verification
func (m *Metrics) SecretsFallback(ctx context.Context, reason string) {
	m.secretsFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// CircuitTransition counts a breaker transition
func (m *Metrics) CircuitTransition(ctx context.Context, name, to string) {
	m.circuitTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("state", to),
	))
}

// TurnCompleted records the latency of one chat turn
func (m *Metrics) TurnCompleted(ctx context.Context, seconds float64, outcome string) {
	m.turnDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
}
