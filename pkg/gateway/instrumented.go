package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/subscriptionfu/pkg/observability"
)

// InstrumentedGateway records metrics and a span for every gateway call
type InstrumentedGateway struct {
	inner       Gateway
	currency    string
	metrics     *observability.Metrics
	otelMetrics *observability.OTelMetrics
	tracer      trace.Tracer
}

// NewInstrumentedGateway wraps inner. Either metrics sink may be nil.
func NewInstrumentedGateway(inner Gateway, currency string, metrics *observability.Metrics, otelMetrics *observability.OTelMetrics) *InstrumentedGateway {
	return &InstrumentedGateway{
		inner:       inner,
		currency:    currency,
		metrics:     metrics,
		otelMetrics: otelMetrics,
		tracer:      observability.Tracer(),
	}
}

func (g *InstrumentedGateway) observe(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "gateway."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("billing.currency", g.currency))...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		g.metrics.ObserveGateway(operation, g.currency, start, err)
		g.otelMetrics.RecordGatewayCall(ctx, operation, time.Since(start), err)
	}
}

func (g *InstrumentedGateway) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutHandle, error) {
	ctx, done := g.observe(ctx, "start_checkout")
	handle, err := g.inner.StartCheckout(ctx, req)
	done(err)
	return handle, err
}

func (g *InstrumentedGateway) CreateRecurring(ctx context.Context, req RecurringRequest) (*RecurringProfile, error) {
	ctx, done := g.observe(ctx, "create_recurring")
	profile, err := g.inner.CreateRecurring(ctx, req)
	done(err)
	return profile, err
}

func (g *InstrumentedGateway) RecurringDetails(ctx context.Context, profileID string) (*RecurringDetails, error) {
	ctx, done := g.observe(ctx, "recurring_details", attribute.String("billing.profile_id", profileID))
	details, err := g.inner.RecurringDetails(ctx, profileID)
	done(err)
	return details, err
}

func (g *InstrumentedGateway) CancelRecurring(ctx context.Context, profileID, note string) error {
	ctx, done := g.observe(ctx, "cancel_recurring", attribute.String("billing.profile_id", profileID))
	err := g.inner.CancelRecurring(ctx, profileID, note)
	done(err)
	return err
}

// InstrumentedFactory wraps every gateway from inner with instrumentation
type InstrumentedFactory struct {
	inner       Factory
	metrics     *observability.Metrics
	otelMetrics *observability.OTelMetrics
}

// NewInstrumentedFactory creates an instrumented factory
func NewInstrumentedFactory(inner Factory, metrics *observability.Metrics, otelMetrics *observability.OTelMetrics) *InstrumentedFactory {
	return &InstrumentedFactory{inner: inner, metrics: metrics, otelMetrics: otelMetrics}
}

func (f *InstrumentedFactory) ForCurrency(currency string) (Gateway, error) {
	gw, err := f.inner.ForCurrency(currency)
	if err != nil {
		return nil, err
	}
	return NewInstrumentedGateway(gw, currency, f.metrics, f.otelMetrics), nil
}
