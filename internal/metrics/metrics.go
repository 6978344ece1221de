package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"storyrun-backend/internal/models"
)

const meterName = "storyrun"

// Metrics holds the orchestrator's instruments. With no MeterProvider
// registered the global no-op provider is used.
type Metrics struct {
	phaseTransitions metric.Int64Counter
	advanceActions   metric.Int64Counter
	imageAttempts    metric.Int64Counter
}

func New() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.phaseTransitions, err = meter.Int64Counter("storyrun.run.phase_transitions",
		metric.WithDescription("Number of run phase transitions"))
	if err != nil {
		return nil, err
	}

	m.advanceActions, err = meter.Int64Counter("storyrun.run.advance_actions",
		metric.WithDescription("Number of Advance calls by resulting action"))
	if err != nil {
		return nil, err
	}

	m.imageAttempts, err = meter.Int64Counter("storyrun.image.attempts",
		metric.WithDescription("Number of image provider attempts by outcome"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) PhaseTransition(ctx context.Context, from, to models.Phase) {
	m.phaseTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *Metrics) AdvanceAction(ctx context.Context, phase models.Phase, action string) {
	m.advanceActions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", string(phase)),
		attribute.String("action", action),
	))
}

func (m *Metrics) ImageAttempt(ctx context.Context, status string) {
	m.imageAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
