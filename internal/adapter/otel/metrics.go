package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "omnitask"

// Metrics holds the task pipeline instruments.
type Metrics struct {
	TasksCreated   metric.Int64Counter
	TasksFinished  metric.Int64Counter // by final status
	TaskRetries    metric.Int64Counter
	ProviderCalls  metric.Int64Counter // by provider and outcome
	PhaseDuration  metric.Float64Histogram
	TaskCost       metric.Float64Histogram
	RecoveredTasks metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("omnitask.tasks.created",
		metric.WithDescription("Number of tasks created"))
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("omnitask.tasks.finished",
		metric.WithDescription("Number of tasks reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("omnitask.tasks.retries",
		metric.WithDescription("Number of pipeline restarts on a fallback provider"))
	if err != nil {
		return nil, err
	}

	m.ProviderCalls, err = meter.Int64Counter("omnitask.provider.calls",
		metric.WithDescription("Number of AI provider calls"))
	if err != nil {
		return nil, err
	}

	m.PhaseDuration, err = meter.Float64Histogram("omnitask.phase.duration_seconds",
		metric.WithDescription("Pipeline phase duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.TaskCost, err = meter.Float64Histogram("omnitask.task.cost_usd",
		metric.WithDescription("Accrued provider cost of finished tasks in USD"))
	if err != nil {
		return nil, err
	}

	m.RecoveredTasks, err = meter.Int64Counter("omnitask.tasks.recovered",
		metric.WithDescription("Number of stale tasks re-enqueued by recovery"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordProviderCall counts one provider call. A nil receiver is a no-op.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ProviderCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

// RecordPhase records how long a pipeline phase took.
func (m *Metrics) RecordPhase(ctx context.Context, phase string, seconds float64) {
	if m == nil {
		return
	}
	m.PhaseDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordFinished counts a task reaching status and records its accrued cost.
func (m *Metrics) RecordFinished(ctx context.Context, status string, costUSD float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.TasksFinished.Add(ctx, 1, attrs)
	m.TaskCost.Record(ctx, costUSD, attrs)
}
