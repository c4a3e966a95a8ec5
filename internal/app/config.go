package app

import "time"

const (
	// StorageDriverMemory хранит журнал в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres хранит журнал в PostgreSQL.
	StorageDriverPostgres = "postgres"

	// GatewayProviderMock использует встроенный mock PG (локальная разработка).
	GatewayProviderMock = "mock"
	// GatewayProviderHTTP использует REST API платёжного шлюза.
	GatewayProviderHTTP = "http"
)

// Config описывает настройки запуска платёжного сервиса.
// Структура остаётся сравнимой (==), поэтому в ней только значения.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// RedisURL пустой: merchantUid выдаётся только локальным генератором.
	RedisURL string

	GatewayProvider  string
	GatewayBaseURL   string
	GatewayAPIKey    string
	GatewayAPISecret string
	GatewayTimeout   time.Duration

	RetryMaxAttempts   int
	RetryInitialDelay  time.Duration
	RetryMaxDelay      time.Duration
	CircuitMaxFailures int
	CircuitResetAfter  time.Duration

	PendingTTL           time.Duration
	ReconcileInterval    time.Duration
	ReconcileBatchSize   int
	ReconcileConcurrency int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	// KafkaBrokers — список брокеров через запятую; пустой отключает публикацию outbox.
	KafkaBrokers string
}

// DefaultConfig возвращает настройки для локального запуска: память, mock PG, без Kafka.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		GatewayProvider:             GatewayProviderMock,
		GatewayTimeout:              10 * time.Second,
		RetryMaxAttempts:            3,
		RetryInitialDelay:           100 * time.Millisecond,
		RetryMaxDelay:               5 * time.Second,
		CircuitMaxFailures:          5,
		CircuitResetAfter:           30 * time.Second,
		PendingTTL:                  30 * time.Minute,
		ReconcileInterval:           time.Minute,
		ReconcileBatchSize:          100,
		ReconcileConcurrency:        4,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            100 * time.Millisecond,
		IdempotencyCleanupInterval:  time.Hour,
		IdempotencyCleanupBatchSize: 500,
	}
}
