package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/basket/taskweave/internal/persistence"
)

// metrics holds the orchestrator's instrument handles.
type metrics struct {
	runsStarted   metric.Int64Counter
	runsFinished  metric.Int64Counter
	tasksMerged   metric.Int64Counter
	queueFailures metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = noopmetric.NewMeterProvider().Meter("taskweave/orchestrator")
	}
	m := &metrics{}
	m.runsStarted, _ = meter.Int64Counter("taskweave.runs.started",
		metric.WithDescription("Runs started"))
	m.runsFinished, _ = meter.Int64Counter("taskweave.runs.finished",
		metric.WithDescription("Runs reaching a terminal status"))
	m.tasksMerged, _ = meter.Int64Counter("taskweave.tasks.merged",
		metric.WithDescription("Task branches merged into the target branch"))
	m.queueFailures, _ = meter.Int64Counter("taskweave.queue.failures",
		metric.WithDescription("Queue runs ending in failure"))
	return m
}

func (m *metrics) runStarted(ctx context.Context) {
	m.runsStarted.Add(ctx, 1)
}

func (m *metrics) runFinished(ctx context.Context, status persistence.RunStatus) {
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *metrics) taskMerged(ctx context.Context) {
	m.tasksMerged.Add(ctx, 1)
}

func (m *metrics) queueFailed(ctx context.Context) {
	m.queueFailures.Add(ctx, 1)
}
