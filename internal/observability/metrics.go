package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Drop and compensation reasons recorded as the "reason" attribute.
const (
	ReasonClaimLost        = "claim_lost"
	ReasonSessionFatal     = "session_fatal"
	ReasonSessionTransient = "session_transient"
	ReasonPublishFailed    = "publish_failed"
	ReasonAttemptConflict  = "attempt_conflict"
	ReasonStore            = "store_error"
)

// Metrics holds the counters the engine reports.
type Metrics struct {
	pairsFormed     metric.Int64Counter
	pairDrops       metric.Int64Counter
	compensations   metric.Int64Counter
	invariants      metric.Int64Counter
	heartsAccepted  metric.Int64Counter
	heartsExpired   metric.Int64Counter
	fanoutFallbacks metric.Int64Counter
}

// NewMetrics registers the instruments on meter. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	m := &Metrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.pairsFormed, "matchmaker.pairs.formed", "pairs announced with a session"},
		{&m.pairDrops, "matchmaker.pairs.dropped", "pair formations abandoned, by reason"},
		{&m.compensations, "matchmaker.compensations", "partial pair formations undone, by reason"},
		{&m.invariants, "matchmaker.invariant_violations", "active-call entries cleared by the reconciler"},
		{&m.heartsAccepted, "gateway.hearts.accepted", "heart requests accepted"},
		{&m.heartsExpired, "gateway.hearts.expired", "heart requests that timed out"},
		{&m.fanoutFallbacks, "gateway.fanout.profile_fallbacks", "match:found emitted without a partner profile"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustMetrics is NewMetrics on the global provider, for wiring code that cannot fail.
func MustMetrics() *Metrics {
	m, err := NewMetrics(nil)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) PairFormed(ctx context.Context, intent string) {
	m.pairsFormed.Add(ctx, 1, metric.WithAttributes(attribute.String("intent", intent)))
}

func (m *Metrics) PairDropped(ctx context.Context, reason string) {
	m.pairDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) Compensated(ctx context.Context, reason string) {
	m.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) InvariantViolation(ctx context.Context) { m.invariants.Add(ctx, 1) }
func (m *Metrics) HeartAccepted(ctx context.Context)      { m.heartsAccepted.Add(ctx, 1) }
func (m *Metrics) HeartExpired(ctx context.Context)       { m.heartsExpired.Add(ctx, 1) }
func (m *Metrics) FanoutFallback(ctx context.Context)     { m.fanoutFallbacks.Add(ctx, 1) }
