// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup and health probes for the subscription services.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithSubscription(sub.ID).WithField("reason", "update").Info("subscription canceled")
//
// Context helpers carry a request id, the acting admin and the logger itself;
// FromContext combines them with the current trace and span ids.
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveOperation("cancel", start, err)
//
// All Observe helpers are no-ops on a nil *Metrics.
//
// # Health
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	checker.AddCheck("plan_catalog", catalogCheck)
//	observability.RegisterHealthRoutes(router, checker, registry)
package observability
