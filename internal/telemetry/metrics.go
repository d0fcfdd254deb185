// Package telemetry holds the engine's OpenTelemetry instruments and exporter setup.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "taskengine"

// Metrics holds all task engine metric instruments.
type Metrics struct {
	TasksClaimed       metric.Int64Counter
	ClaimsEmpty        metric.Int64Counter
	Promotions         metric.Int64Counter
	Preemptions        metric.Int64Counter
	Recoveries         metric.Int64Counter
	Spend              metric.Float64Counter
	DispatchDuration   metric.Float64Histogram
	BreakerTransitions metric.Int64Counter
	ShortCircuits      metric.Int64Counter
	BudgetPauses       metric.Int64Counter
	ReviewDecisions    metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.Meter(meterName))
}

// NewMetricsWith creates all metric instruments on meter.
func NewMetricsWith(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TasksClaimed, err = meter.Int64Counter("taskengine.tasks.claimed",
		metric.WithDescription("Tasks claimed by workers")); err != nil {
		return nil, err
	}
	if m.ClaimsEmpty, err = meter.Int64Counter("taskengine.claims.empty",
		metric.WithDescription("Claim attempts that found no eligible task")); err != nil {
		return nil, err
	}
	if m.Promotions, err = meter.Int64Counter("taskengine.tasks.promoted",
		metric.WithDescription("Anti-starvation lane promotions")); err != nil {
		return nil, err
	}
	if m.Preemptions, err = meter.Int64Counter("taskengine.tasks.preempted",
		metric.WithDescription("Preemption requests issued for CRITICAL work")); err != nil {
		return nil, err
	}
	if m.Recoveries, err = meter.Int64Counter("taskengine.tasks.recovered",
		metric.WithDescription("Tasks recovered from silent or dead workers")); err != nil {
		return nil, err
	}
	if m.Spend, err = meter.Float64Counter("taskengine.spend.usd",
		metric.WithDescription("Agent spend in USD"), metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	if m.DispatchDuration, err = meter.Float64Histogram("taskengine.dispatch.duration_seconds",
		metric.WithDescription("Agent dispatch duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.BreakerTransitions, err = meter.Int64Counter("taskengine.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes")); err != nil {
		return nil, err
	}
	if m.ShortCircuits, err = meter.Int64Counter("taskengine.breaker.short_circuits",
		metric.WithDescription("Calls rejected by an open breaker")); err != nil {
		return nil, err
	}
	if m.BudgetPauses, err = meter.Int64Counter("taskengine.budget.pauses",
		metric.WithDescription("Budget governor pauses")); err != nil {
		return nil, err
	}
	if m.ReviewDecisions, err = meter.Int64Counter("taskengine.review.decisions",
		metric.WithDescription("Approval engine verdicts")); err != nil {
		return nil, err
	}
	return m, nil
}

// Default returns instruments on the global provider. Instrument creation on
// the global provider does not fail in practice; a failure yields nil.
func Default() *Metrics {
	m, err := NewMetrics()
	if err != nil {
		return nil
	}
	return m
}

// Claimed counts one claim on lane.
func (m *Metrics) Claimed(ctx context.Context, lane string) {
	if m == nil {
		return
	}
	m.TasksClaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("lane", lane)))
}

// EmptyClaim counts a claim that found nothing.
func (m *Metrics) EmptyClaim(ctx context.Context) {
	if m == nil {
		return
	}
	m.ClaimsEmpty.Add(ctx, 1)
}

// Promoted counts promotions into lane.
func (m *Metrics) Promoted(ctx context.Context, lane string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Promotions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("lane", lane)))
}

// Preempted counts one preemption request.
func (m *Metrics) Preempted(ctx context.Context) {
	if m == nil {
		return
	}
	m.Preemptions.Add(ctx, 1)
}

// Recovered counts tasks recovered for cause.
func (m *Metrics) Recovered(ctx context.Context, cause string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Recoveries.Add(ctx, int64(n), metric.WithAttributes(attribute.String("cause", cause)))
}

// Spent records spend against resource.
func (m *Metrics) Spent(ctx context.Context, resource string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.Spend.Add(ctx, usd, metric.WithAttributes(attribute.String("resource", resource)))
}

// Dispatched records a dispatch duration and outcome.
func (m *Metrics) Dispatched(ctx context.Context, resource, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.DispatchDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("outcome", outcome),
	))
}

// BreakerMoved counts a breaker transition.
func (m *Metrics) BreakerMoved(ctx context.Context, resource, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("to", to),
	))
}

// ShortCircuited counts a call rejected by an open breaker.
func (m *Metrics) ShortCircuited(ctx context.Context, resource string) {
	if m == nil {
		return
	}
	m.ShortCircuits.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
}

// Paused counts a budget pause for reason.
func (m *Metrics) Paused(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.BudgetPauses.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Decided counts one review verdict.
func (m *Metrics) Decided(ctx context.Context, verdict string) {
	if m == nil {
		return
	}
	m.ReviewDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}
