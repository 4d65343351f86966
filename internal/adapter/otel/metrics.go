package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "stageforge"

// Metrics holds all StageForge pipeline metric instruments.
type Metrics struct {
	RunsStarted   metric.Int64Counter
	RunsCompleted metric.Int64Counter
	RunsFailed    metric.Int64Counter
	StageResults  metric.Int64Counter
	RunDuration   metric.Float64Histogram
	StageDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("stageforge.runs.started",
		metric.WithDescription("Number of pipeline runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("stageforge.runs.completed",
		metric.WithDescription("Number of pipeline runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("stageforge.runs.failed",
		metric.WithDescription("Number of pipeline runs failed"))
	if err != nil {
		return nil, err
	}

	m.StageResults, err = meter.Int64Counter("stageforge.stage.results",
		metric.WithDescription("Stage results by stage and status"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("stageforge.run.duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("stageforge.stage.duration_seconds",
		metric.WithDescription("Stage duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
