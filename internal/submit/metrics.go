package submit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type submitMetrics struct {
	results metric.Int64Counter
}

func newSubmitMetrics(logger pslog.Logger) *submitMetrics {
	meter := otel.Meter("pkt.systems/formd/submit")
	m := &submitMetrics{}
	var err error

	m.results, err = meter.Int64Counter(
		"formd.submit.result",
		metric.WithDescription("Submission outcomes"),
	)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "formd.submit.result", "error", err)
	}

	return m
}

func (m *submitMetrics) recordResult(ctx context.Context, outcome string) {
	if m == nil || m.results == nil {
		return
	}
	m.results.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}
