package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/platinummonkey/subscriptionfu"

// OTelMetrics holds OpenTelemetry instruments for lifecycle events. They are
// exported over OTLP next to the Prometheus registry.
type OTelMetrics struct {
	activations     metric.Int64Counter
	cancellations   metric.Int64Counter
	gatewayCalls    metric.Int64Counter
	gatewayDuration metric.Float64Histogram
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter(instrumentationName)

	m := &OTelMetrics{}
	var err error

	m.activations, err = meter.Int64Counter(
		"subscription.activations",
		metric.WithDescription("Subscriptions activated"),
		metric.WithUnit("{subscription}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activations counter: %w", err)
	}

	m.cancellations, err = meter.Int64Counter(
		"subscription.cancellations",
		metric.WithDescription("Subscriptions canceled"),
		metric.WithUnit("{subscription}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cancellations counter: %w", err)
	}

	m.gatewayCalls, err = meter.Int64Counter(
		"gateway.requests",
		metric.WithDescription("Recurring billing gateway requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway requests counter: %w", err)
	}

	m.gatewayDuration, err = meter.Float64Histogram(
		"gateway.request.duration",
		metric.WithDescription("Recurring billing gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway duration histogram: %w", err)
	}

	return m, nil
}

// RecordActivation counts an activation by billing path
func (m *OTelMetrics) RecordActivation(ctx context.Context, gateway string) {
	if m == nil {
		return
	}
	m.activations.Add(ctx, 1, metric.WithAttributes(attribute.String("gateway", gateway)))
}

// RecordCancellation counts a cancellation by reason
func (m *OTelMetrics) RecordCancellation(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordGatewayCall records one gateway request
func (m *OTelMetrics) RecordGatewayCall(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("error", err != nil),
	)
	m.gatewayCalls.Add(ctx, 1, attrs)
	m.gatewayDuration.Record(ctx, duration.Seconds(), attrs)
}
