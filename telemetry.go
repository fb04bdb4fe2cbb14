package gocanon

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("gocanon")
	meter  = otel.Meter("gocanon")
)

// initMetrics lazily creates the pass instruments. A failed instrument is
// logged and left nil.
func (c *Canonicalizer) initMetrics() {
	c.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		c.passLatency, err = meter.Float64Histogram("gocanon_pass_duration_seconds",
			metric.WithDescription("Time spent in one canonicalization pass"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "pass_latency: "+err.Error())
		}

		c.passes, err = meter.Int64Counter("gocanon_pass_total",
			metric.WithDescription("Number of completed canonicalization passes"),
		)
		if err != nil {
			initErrors = append(initErrors, "passes: "+err.Error())
		}

		c.passFailures, err = meter.Int64Counter("gocanon_pass_failure_total",
			metric.WithDescription("Number of failed canonicalization passes"),
		)
		if err != nil {
			initErrors = append(initErrors, "pass_failures: "+err.Error())
		}

		c.auxCreated, err = meter.Int64Counter("gocanon_auxiliary_constraints_total",
			metric.WithDescription("Auxiliary constraints introduced by rewrite rules"),
		)
		if err != nil {
			initErrors = append(initErrors, "aux_created: "+err.Error())
		}

		c.inversions, err = meter.Int64Counter("gocanon_invert_total",
			metric.WithDescription("Number of solutions mapped back to original variables"),
		)
		if err != nil {
			initErrors = append(initErrors, "inversions: "+err.Error())
		}

		if len(initErrors) > 0 {
			c.logger.Error("failed to initialize some canonicalization metrics",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}
