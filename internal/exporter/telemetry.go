package exporter

import (
	"context"

	"github.com/hnakamur/ltsvlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/masa23/couchreport/internal/exporter"

// Counters records exported and failed documents on the global MeterProvider.
// Without a configured provider the instruments are no-ops.
type Counters struct {
	driver   string
	exported metric.Int64Counter
	failed   metric.Int64Counter
}

func NewCounters(driver string) *Counters {
	meter := otel.Meter(meterName)
	exported, err := meter.Int64Counter("couchreport.documents.exported",
		metric.WithDescription("Number of metric documents stored"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		ltsvlog.Logger.Err(err)
	}
	failed, err := meter.Int64Counter("couchreport.documents.failed",
		metric.WithDescription("Number of metric documents dropped after an export failure"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		ltsvlog.Logger.Err(err)
	}
	return &Counters{driver: driver, exported: exported, failed: failed}
}

func (c *Counters) Exported(ctx context.Context, plugin string) {
	c.add(ctx, c.exported, plugin)
}

func (c *Counters) Failed(ctx context.Context, plugin string) {
	c.add(ctx, c.failed, plugin)
}

func (c *Counters) add(ctx context.Context, counter metric.Int64Counter, plugin string) {
	if c == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("driver", c.driver),
		attribute.String("plugin", plugin),
	))
}
