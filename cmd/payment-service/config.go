package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paysaga/internal/app"
)

const (
	envGRPCAddr                    = "PAYMENTS_GRPC_ADDR"
	envMetricsAddr                 = "PAYMENTS_METRICS_ADDR"
	envStorageDriver               = "PAYMENTS_STORAGE_DRIVER"
	envPostgresDSN                 = "PAYMENTS_POSTGRES_DSN"
	envPostgresAutoMigrate         = "PAYMENTS_POSTGRES_AUTO_MIGRATE"
	envRedisURL                    = "PAYMENTS_REDIS_URL"
	envGatewayProvider             = "PAYMENTS_GATEWAY_PROVIDER"
	envGatewayBaseURL              = "PAYMENTS_GATEWAY_BASE_URL"
	envGatewayAPIKey               = "PAYMENTS_GATEWAY_API_KEY"
	envGatewayAPISecret            = "PAYMENTS_GATEWAY_API_SECRET"
	envGatewayTimeout              = "PAYMENTS_GATEWAY_TIMEOUT"
	envRetryMaxAttempts            = "PAYMENTS_RETRY_MAX_ATTEMPTS"
	envRetryInitialDelay           = "PAYMENTS_RETRY_INITIAL_DELAY"
	envRetryMaxDelay               = "PAYMENTS_RETRY_MAX_DELAY"
	envCircuitMaxFailures          = "PAYMENTS_CIRCUIT_MAX_FAILURES"
	envCircuitResetAfter           = "PAYMENTS_CIRCUIT_RESET_AFTER"
	envPendingTTL                  = "PAYMENTS_PENDING_TTL"
	envReconcileInterval           = "PAYMENTS_RECONCILE_INTERVAL"
	envReconcileBatchSize          = "PAYMENTS_RECONCILE_BATCH_SIZE"
	envReconcileConcurrency        = "PAYMENTS_RECONCILE_CONCURRENCY"
	envOutboxPollInterval          = "PAYMENTS_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "PAYMENTS_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "PAYMENTS_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "PAYMENTS_OUTBOX_RETRY_DELAY"
	envIdempotencyCleanupInterval  = "PAYMENTS_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "PAYMENTS_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envLogLevel                    = "PAYMENTS_LOG_LEVEL"
	envEnvFile                     = "PAYMENTS_ENV_FILE"
	envKafkaBrokers                = "KAFKA_BROKERS"

	defaultEnvFile = ".env"
)

// envLookup совпадает по сигнатуре с os.LookupEnv и подменяется в тестах.
type envLookup func(key string) (string, bool)

// loadDotEnv подгружает переменные из .env (или PAYMENTS_ENV_FILE). Уже заданные
// переменные окружения не перезаписываются; отсутствие файла не ошибка.
func loadDotEnv(lookup envLookup) error {
	path := defaultEnvFile
	if value, ok := lookup(envEnvFile); ok && strings.TrimSpace(value) != "" {
		path = strings.TrimSpace(value)
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// readConfigFromEnv накладывает переменные окружения на app.DefaultConfig.
// Некорректные значения не валят запуск: остаётся значение по умолчанию и
// возвращается предупреждение.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	r := envReader{lookup: lookup}

	r.str(envGRPCAddr, &cfg.GRPCAddr)
	r.str(envMetricsAddr, &cfg.MetricsAddr)
	r.str(envStorageDriver, &cfg.StorageDriver)
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	r.str(envPostgresDSN, &cfg.PostgresDSN)
	r.boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	r.str(envRedisURL, &cfg.RedisURL)

	r.str(envGatewayProvider, &cfg.GatewayProvider)
	cfg.GatewayProvider = strings.ToLower(cfg.GatewayProvider)
	r.str(envGatewayBaseURL, &cfg.GatewayBaseURL)
	r.str(envGatewayAPIKey, &cfg.GatewayAPIKey)
	r.str(envGatewayAPISecret, &cfg.GatewayAPISecret)
	r.duration(envGatewayTimeout, &cfg.GatewayTimeout, positiveDuration, "must be > 0")

	r.integer(envRetryMaxAttempts, &cfg.RetryMaxAttempts, positiveInt, "must be > 0")
	r.duration(envRetryInitialDelay, &cfg.RetryInitialDelay, nonNegativeDuration, "must be >= 0")
	r.duration(envRetryMaxDelay, &cfg.RetryMaxDelay, positiveDuration, "must be > 0")
	r.integer(envCircuitMaxFailures, &cfg.CircuitMaxFailures, positiveInt, "must be > 0")
	r.duration(envCircuitResetAfter, &cfg.CircuitResetAfter, positiveDuration, "must be > 0")

	r.duration(envPendingTTL, &cfg.PendingTTL, positiveDuration, "must be > 0")
	r.duration(envReconcileInterval, &cfg.ReconcileInterval, positiveDuration, "must be > 0")
	r.integer(envReconcileBatchSize, &cfg.ReconcileBatchSize, positiveInt, "must be > 0")
	r.integer(envReconcileConcurrency, &cfg.ReconcileConcurrency, positiveInt, "must be > 0")

	r.duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	r.integer(envOutboxBatchSize, &cfg.OutboxBatchSize, positiveInt, "must be > 0")
	r.integer(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positiveInt, "must be > 0")
	r.duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")

	r.duration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	r.integer(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positiveInt, "must be > 0")

	r.str(envKafkaBrokers, &cfg.KafkaBrokers)

	return cfg, r.warnings
}

// readLogLevel возвращает уровень из PAYMENTS_LOG_LEVEL (info по умолчанию).
func readLogLevel(lookup envLookup) (log.Level, error) {
	raw, ok := lookup(envLogLevel)
	if !ok || strings.TrimSpace(raw) == "" {
		return log.InfoLevel, nil
	}
	level, err := log.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		return log.InfoLevel, fmt.Errorf("%s=%q ignored: %w", envLogLevel, raw, err)
	}
	return level, nil
}

type envReader struct {
	lookup   envLookup
	warnings []string
}

func (r *envReader) value(key string) (string, bool) {
	raw, ok := r.lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", false
	}
	return raw, true
}

func (r *envReader) warn(key, raw string, err error) {
	r.warnings = append(r.warnings, fmt.Sprintf("%s=%q ignored: %v", key, raw, err))
}

func (r *envReader) str(key string, dst *string) {
	if raw, ok := r.value(key); ok {
		*dst = strings.TrimSpace(raw)
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	raw, ok := r.value(key)
	if !ok {
		return
	}
	value, err := parseBool(raw)
	if err != nil {
		r.warn(key, raw, err)
		return
	}
	*dst = value
}

func (r *envReader) integer(key string, dst *int, valid func(int) bool, rule string) {
	raw, ok := r.value(key)
	if !ok {
		return
	}
	value, err := parseInt(raw, valid, rule)
	if err != nil {
		r.warn(key, raw, err)
		return
	}
	*dst = value
}

func (r *envReader) duration(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
	raw, ok := r.value(key)
	if !ok {
		return
	}
	value, err := parseDuration(raw, valid, rule)
	if err != nil {
		r.warn(key, raw, err)
		return
	}
	*dst = value
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(value) {
		return 0, errors.New(rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(value) {
		return 0, errors.New(rule)
	}
	return value, nil
}

func positiveInt(v int) bool { return v > 0 }

func positiveDuration(v time.Duration) bool { return v > 0 }

func nonNegativeDuration(v time.Duration) bool { return v >= 0 }
