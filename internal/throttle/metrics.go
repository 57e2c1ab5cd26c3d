package throttle

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type throttleMetrics struct {
	decisions metric.Int64Counter
	cooldowns metric.Int64Counter
}

func newThrottleMetrics(logger pslog.Logger) *throttleMetrics {
	meter := otel.Meter("pkt.systems/formd/throttle")
	m := &throttleMetrics{}
	var err error

	m.decisions, err = meter.Int64Counter(
		"formd.throttle.decision",
		metric.WithDescription("Throttle decisions by state"),
	)
	logMetricInitError(logger, "formd.throttle.decision", err)

	m.cooldowns, err = meter.Int64Counter(
		"formd.throttle.cooldown",
		metric.WithDescription("Cooldown markers created"),
	)
	logMetricInitError(logger, "formd.throttle.cooldown", err)

	return m
}

func (m *throttleMetrics) recordDecision(ctx context.Context, state State) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state.String()),
	))
}

func (m *throttleMetrics) recordCooldown(ctx context.Context) {
	if m == nil || m.cooldowns == nil {
		return
	}
	m.cooldowns.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
