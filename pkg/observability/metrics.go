package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the command orchestration engine.
type Metrics struct {
	CommandsSubmitted  metric.Int64Counter
	InstancesCompleted metric.Int64Counter
	InstancesFailed    metric.Int64Counter
	ActivityAttempts   metric.Int64Counter
	ProviderSends      metric.Int64Counter
	InstanceDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandsSubmitted, err = meter.Int64Counter(
		"orchestrator.commands.submitted",
		metric.WithDescription("Total commands submitted"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commands.submitted: %w", err)
	}

	m.InstancesCompleted, err = meter.Int64Counter(
		"orchestrator.instances.completed",
		metric.WithDescription("Workflow instances finished without error"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating instances.completed: %w", err)
	}

	m.InstancesFailed, err = meter.Int64Counter(
		"orchestrator.instances.failed",
		metric.WithDescription("Workflow instances finished with error"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating instances.failed: %w", err)
	}

	m.ActivityAttempts, err = meter.Int64Counter(
		"orchestrator.activity.attempts",
		metric.WithDescription("Activity executions, including retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating activity.attempts: %w", err)
	}

	m.ProviderSends, err = meter.Int64Counter(
		"orchestrator.provider.sends",
		metric.WithDescription("Commands posted to providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating provider.sends: %w", err)
	}

	m.InstanceDuration, err = meter.Float64Histogram(
		"orchestrator.instance.duration",
		metric.WithDescription("Workflow instance run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating instance.duration: %w", err)
	}

	return m, nil
}
