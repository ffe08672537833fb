// Package gateway defines the recurring billing gateway used by the
// subscription lifecycle and provides a PayPal NVP implementation.
//
// A Gateway is bound to one currency; a Factory hands out gateways per plan
// currency. Decorators compose around a factory:
//
//	base, _ := gateway.NewPayPalFactory(cfg, []string{"USD", "JPY"}, logger)
//	factory := gateway.NewCachingFactory(
//		gateway.NewInstrumentedFactory(base, metrics, otelMetrics),
//		gateway.NewMemoryDetailsCache(4096, 15*time.Minute),
//		metrics, logger,
//	)
//
// Raw gateway statuses are normalized to complete, pending or invalid.
package gateway
