package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/subscriptionfu/pkg/gateway"
	"github.com/platinummonkey/subscriptionfu/pkg/observability"
	"github.com/platinummonkey/subscriptionfu/pkg/reconcile"
	"github.com/platinummonkey/subscriptionfu/pkg/storage"
	"github.com/platinummonkey/subscriptionfu/pkg/storage/postgres"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	PayPal        PayPalConfig
	Catalog       CatalogConfig
	Reconcile     ReconcileConfig
	Observability ObservabilityConfig
}

// ServerConfig holds the health/metrics server configuration
type ServerConfig struct {
	HealthPort      string
	ShutdownTimeout time.Duration
}

// PayPalConfig holds gateway credentials and the currencies billed through it
type PayPalConfig struct {
	gateway.PayPalConfig
	Currencies []string
}

// CatalogConfig locates the plan catalog file
type CatalogConfig struct {
	Path  string
	Watch bool
}

// ReconcileConfig holds job tuning and cron schedules
type ReconcileConfig struct {
	reconcile.Config

	StaleCancellationsSchedule string
	OrphanedProfilesSchedule   string
	StaleActivationsSchedule   string

	// LockTTL bounds how long one instance holds a job lock in Redis
	LockTTL time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// OTel converts to the observability bootstrap config
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
		SampleRatio:    c.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		PayPal:        loadPayPalConfig(),
		Catalog:       loadCatalogConfig(),
		Reconcile:     loadReconcileConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		HealthPort:      getEnv("SUBFU_HEALTH_PORT", "9090"),
		ShutdownTimeout: getEnvDuration("SUBFU_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("SUBFU_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	// PostgreSQL config
	cfg.PostgresURL = getEnv("SUBFU_POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = postgres.ParseReplicaURLs(getEnv("SUBFU_POSTGRES_REPLICA_URLS", ""))
	if maxConns := getEnvInt("SUBFU_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("SUBFU_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("SUBFU_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	cfg.MigrateOnStart = getEnvBool("SUBFU_MIGRATE_ON_START", cfg.MigrateOnStart)

	// Redis config
	cfg.RedisURL = getEnv("SUBFU_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("SUBFU_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("SUBFU_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("SUBFU_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("SUBFU_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// Gateway details cache
	cfg.CacheEnabled = getEnvBool("SUBFU_CACHE_ENABLED", cfg.CacheEnabled)
	cfg.CacheBackend = getEnv("SUBFU_CACHE_BACKEND", cfg.CacheBackend)
	cfg.CacheTTL = getEnvDuration("SUBFU_CACHE_TTL", cfg.CacheTTL)
	if size := getEnvInt("SUBFU_CACHE_SIZE", 0); size > 0 {
		cfg.CacheSize = size
	}
	return cfg
}

func loadPayPalConfig() PayPalConfig {
	return PayPalConfig{
		PayPalConfig: gateway.PayPalConfig{
			User:        getEnv("SUBFU_PAYPAL_USER", ""),
			Password:    getEnv("SUBFU_PAYPAL_PASSWORD", ""),
			Signature:   getEnv("SUBFU_PAYPAL_SIGNATURE", ""),
			Endpoint:    getEnv("SUBFU_PAYPAL_ENDPOINT", "https://api-3t.sandbox.paypal.com/nvp"),
			CheckoutURL: getEnv("SUBFU_PAYPAL_CHECKOUT_URL", "https://www.sandbox.paypal.com/cgi-bin/webscr?cmd=_express-checkout"),
			Version:     getEnv("SUBFU_PAYPAL_VERSION", gateway.DefaultPayPalVersion),
			Timeout:     getEnvDuration("SUBFU_PAYPAL_TIMEOUT", 30*time.Second),
		},
		Currencies: getEnvList("SUBFU_PAYPAL_CURRENCIES", []string{"USD"}),
	}
}

func loadCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Path:  getEnv("SUBFU_PLANS_FILE", "plans.yaml"),
		Watch: getEnvBool("SUBFU_PLANS_WATCH", true),
	}
}

func loadReconcileConfig() ReconcileConfig {
	defaults := reconcile.DefaultConfig()
	return ReconcileConfig{
		Config: reconcile.Config{
			StaleAfter:        getEnvDuration("SUBFU_RECONCILE_STALE_AFTER", defaults.StaleAfter),
			ActivationTimeout: getEnvDuration("SUBFU_RECONCILE_ACTIVATION_TIMEOUT", defaults.ActivationTimeout),
			OrphanLookback:    getEnvDuration("SUBFU_RECONCILE_ORPHAN_LOOKBACK", defaults.OrphanLookback),
			BatchSize:         getEnvInt("SUBFU_RECONCILE_BATCH_SIZE", defaults.BatchSize),
			Workers:           getEnvInt("SUBFU_RECONCILE_WORKERS", defaults.Workers),
			ItemTimeout:       getEnvDuration("SUBFU_RECONCILE_ITEM_TIMEOUT", defaults.ItemTimeout),
		},
		StaleCancellationsSchedule: getEnv("SUBFU_SCHEDULE_STALE_CANCELLATIONS", "*/5 * * * *"),
		OrphanedProfilesSchedule:   getEnv("SUBFU_SCHEDULE_ORPHANED_PROFILES", "0 * * * *"),
		StaleActivationsSchedule:   getEnv("SUBFU_SCHEDULE_STALE_ACTIVATIONS", "30 * * * *"),
		LockTTL:                    getEnvDuration("SUBFU_RECONCILE_LOCK_TTL", 10*time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("SUBFU_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("SUBFU_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("SUBFU_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("SUBFU_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("SUBFU_OTEL_SERVICE_NAME", "subfu-reconciler"),
		OTelServiceVersion: getEnv("SUBFU_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("SUBFU_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("SUBFU_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.PayPal.Validate(); err != nil {
		return fmt.Errorf("paypal: %w", err)
	}
	if len(c.PayPal.Currencies) == 0 {
		return fmt.Errorf("at least one paypal currency is required")
	}
	if c.Catalog.Path == "" {
		return fmt.Errorf("plan catalog path is required")
	}

	schedules := map[string]string{
		reconcile.JobStaleCancellations: c.Reconcile.StaleCancellationsSchedule,
		reconcile.JobOrphanedProfiles:   c.Reconcile.OrphanedProfilesSchedule,
		reconcile.JobStaleActivations:   c.Reconcile.StaleActivationsSchedule,
	}
	for job, spec := range schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", job, spec, err)
		}
	}
	if c.Reconcile.Workers < 1 {
		return fmt.Errorf("reconcile workers must be positive")
	}
	if c.Reconcile.StaleAfter <= 0 || c.Reconcile.ActivationTimeout <= 0 {
		return fmt.Errorf("reconcile timeouts must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, upper-casing each entry
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, strings.ToUpper(item))
		}
	}
	return out
}
