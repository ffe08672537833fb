// Package config loads the reconciler configuration from environment variables.
//
// # Overview
//
// Every setting has a default except the PayPal credentials and the
// PostgreSQL URL. LoadConfig validates the result, including the cron
// schedules.
//
// # Configuration Structure
//
// Server settings:
//
//	SUBFU_HEALTH_PORT="9090"
//	SUBFU_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	SUBFU_STORAGE_TYPE="postgres"  # postgres, memory
//	SUBFU_POSTGRES_URL="postgres://localhost/subfu?sslmode=disable"
//	SUBFU_POSTGRES_REPLICA_URLS="postgres://replica1/subfu,postgres://replica2/subfu"
//	SUBFU_POSTGRES_MAX_CONNS="20"
//	SUBFU_MIGRATE_ON_START="true"
//
// Gateway settings:
//
//	SUBFU_PAYPAL_USER, SUBFU_PAYPAL_PASSWORD, SUBFU_PAYPAL_SIGNATURE
//	SUBFU_PAYPAL_ENDPOINT="https://api-3t.paypal.com/nvp"
//	SUBFU_PAYPAL_CURRENCIES="USD,JPY"
//
// Cache settings:
//
//	SUBFU_CACHE_ENABLED="true"
//	SUBFU_CACHE_BACKEND="redis"  # memory, redis
//	SUBFU_CACHE_TTL="15m"
//	SUBFU_REDIS_URL="redis://localhost:6379"
//
// Plans and reconciliation:
//
//	SUBFU_PLANS_FILE="/etc/subfu/plans.yaml"
//	SUBFU_PLANS_WATCH="true"
//	SUBFU_SCHEDULE_STALE_CANCELLATIONS="*/5 * * * *"
//	SUBFU_SCHEDULE_ORPHANED_PROFILES="0 * * * *"
//	SUBFU_RECONCILE_WORKERS="8"
//
// Observability settings:
//
//	SUBFU_LOG_LEVEL="info"  # debug, info, warn, error
//	SUBFU_METRICS_ENABLED="true"
//	SUBFU_OTEL_ENABLED="true"
//	SUBFU_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("Storage: %s\n", cfg.Storage.Type)
package config
