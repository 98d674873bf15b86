package feed

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/fleetview/fleetview/internal/feed"

// Metrics holds the OpenTelemetry instruments for the reconciler.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsTotal     metric.Int64Counter
	eventsDropped   metric.Int64Counter
	refreshDuration metric.Float64Histogram
}

// NewMetrics creates the reconciler instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	eventsTotal, err := meter.Int64Counter(
		"feed.events.total",
		metric.WithDescription("Live events reconciled, by kind"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	eventsDropped, err := meter.Int64Counter(
		"feed.events.dropped",
		metric.WithDescription("Live events dropped as unknown or malformed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	refreshDuration, err := meter.Float64Histogram(
		"feed.snapshot.refresh.duration",
		metric.WithDescription("Duration of snapshot fetches in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		eventsTotal:     eventsTotal,
		eventsDropped:   eventsDropped,
		refreshDuration: refreshDuration,
	}, nil
}

func (m *Metrics) recordEvent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.eventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) recordDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) recordRefresh(ctx context.Context, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.refreshDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("ok", ok)))
}
