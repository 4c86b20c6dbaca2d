// Package metrics implements driver.MetricsSink on top of OpenTelemetry,
// recording how long each live query spends in each phase — the
// "time-spent-in-<PHASE>-phase" observability spec.md calls for.
package metrics

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/jsnelgro/oplogwatch/internal/driver"
)

// Sink records phase-duration observations as an OTEL histogram, tagged by
// collection and phase.
type Sink struct {
	phaseDuration otelmetric.Float64Histogram
	logger        *slog.Logger
}

// New constructs a Sink against the global meter provider. Call after
// telemetry.Init so the provider (or its no-op stand-in) is already set.
func New(logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.GetMeterProvider().Meter("oplogwatch/driver")

	hist, err := meter.Float64Histogram("oplogwatch.driver.phase_duration",
		otelmetric.WithDescription("time spent in each live-query driver phase"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("metrics: failed to create phase duration histogram, observations will be dropped", "error", err)
		hist, _ = meter.Float64Histogram("oplogwatch.driver.phase_duration.fallback")
	}

	return &Sink{phaseDuration: hist, logger: logger}
}

// ObservePhaseDuration implements driver.MetricsSink.
func (s *Sink) ObservePhaseDuration(collection string, phase driver.Phase, seconds float64) {
	s.phaseDuration.Record(context.Background(), seconds,
		otelmetric.WithAttributes(
			attribute.String("oplogwatch.collection", collection),
			attribute.String("oplogwatch.phase", phase.String()),
		),
	)
}
