package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all deskd metric instruments.
type Metrics struct {
	StreamDuration   metric.Float64Histogram
	StreamEvents     metric.Int64Counter
	ActiveStreams    metric.Int64UpDownCounter
	BroadcastsSent   metric.Int64Counter
	TasksSpawned     metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	RecoveryOutcomes metric.Int64Counter
	QuestionWaits    metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.StreamDuration, err = meter.Float64Histogram("deskd.stream.duration",
		metric.WithDescription("Generation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamEvents, err = meter.Int64Counter("deskd.stream.events",
		metric.WithDescription("Agent events persisted and broadcast"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveStreams, err = meter.Int64UpDownCounter("deskd.stream.active",
		metric.WithDescription("Number of currently streaming sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastsSent, err = meter.Int64Counter("deskd.gateway.broadcasts",
		metric.WithDescription("Events delivered to viewer connections"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSpawned, err = meter.Int64Counter("deskd.task.spawned",
		metric.WithDescription("Tasks moved to in_progress"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("deskd.task.completed",
		metric.WithDescription("Tasks finished as done"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("deskd.task.failed",
		metric.WithDescription("Tasks finished as failed"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryOutcomes, err = meter.Int64Counter("deskd.recovery.outcomes",
		metric.WithDescription("Boot recovery scan outcomes by resolution"),
	)
	if err != nil {
		return nil, err
	}

	m.QuestionWaits, err = meter.Float64Histogram("deskd.question.wait",
		metric.WithDescription("Time a stream spent blocked on a permission question"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
