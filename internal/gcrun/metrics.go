package gcrun

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type gcMetrics struct {
	runs    metric.Int64Counter
	deleted metric.Int64Counter
}

func newGCMetrics(logger pslog.Logger) *gcMetrics {
	meter := otel.Meter("pkt.systems/formd/gc")
	m := &gcMetrics{}
	var err error

	m.runs, err = meter.Int64Counter(
		"formd.gc.run",
		metric.WithDescription("GC runs by result"),
	)
	logMetricInitError(logger, "formd.gc.run", err)

	m.deleted, err = meter.Int64Counter(
		"formd.gc.deleted",
		metric.WithDescription("Files deleted by category"),
	)
	logMetricInitError(logger, "formd.gc.deleted", err)

	return m
}

func (m *gcMetrics) recordRun(ctx context.Context, result string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *gcMetrics) recordDeleted(ctx context.Context, category string) {
	if m == nil || m.deleted == nil {
		return
	}
	m.deleted.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
