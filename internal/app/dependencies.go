package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	"github.com/vladislavdragonenkov/paysaga/internal/gateway"
	"github.com/vladislavdragonenkov/paysaga/internal/issuer"
	"github.com/vladislavdragonenkov/paysaga/internal/metrics"
	"github.com/vladislavdragonenkov/paysaga/internal/provisioner"
	grpcsvc "github.com/vladislavdragonenkov/paysaga/internal/service/grpc"
	"github.com/vladislavdragonenkov/paysaga/internal/service/idempotency"
	"github.com/vladislavdragonenkov/paysaga/internal/service/saga"
)

// Dependencies содержит всё, что нужно саге оплаты помимо хранилищ.
type Dependencies struct {
	Coordinator *saga.Coordinator
	Reconciler  *saga.Reconciler
	Issuer      *issuer.Issuer
	Gateway     domain.Gateway
	// RedisClient nil, если RedisURL не задан.
	RedisClient *redis.Client
}

// NewDependencies собирает PG-адаптер, выдачу merchantUid, провижинер и координатор
// поверх выбранных хранилищ.
func NewDependencies(cfg Config, storage runtimeDependencies, m *metrics.PaymentMetrics, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.New().WithField("component", "app")
	}

	gw, err := buildGateway(cfg, m, logger)
	if err != nil {
		return nil, err
	}

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	issuerOpts := []issuer.Option{
		issuer.WithLogger(logger.WithField("component", "issuer")),
		issuer.WithMetrics(m),
	}
	var idIssuer *issuer.Issuer
	if redisClient != nil {
		idIssuer = issuer.New(redisClient, issuerOpts...)
	} else {
		logger.Info("redis url is empty, merchant uids are issued locally")
		idIssuer = issuer.New(nil, issuerOpts...)
	}

	retry := retryConfig(cfg)
	coordinator, err := saga.NewCoordinator(
		storage.ledger,
		gw,
		provisioner.NewInMemory(),
		idIssuer,
		saga.WithLogger(logger.WithField("component", "saga")),
		saga.WithMetrics(m),
		saga.WithOutbox(storage.outboxRepo),
		saga.WithTimeline(storage.timelineRepo),
		saga.WithRetryConfig(retry),
	)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}

	reconciler := saga.NewReconciler(coordinator, saga.ReconcilerConfig{
		Interval:    cfg.ReconcileInterval,
		BatchSize:   cfg.ReconcileBatchSize,
		PendingTTL:  cfg.PendingTTL,
		Concurrency: cfg.ReconcileConcurrency,
	}, logger.WithField("component", "reconciler"))

	return &Dependencies{
		Coordinator: coordinator,
		Reconciler:  reconciler,
		Issuer:      idIssuer,
		Gateway:     gw,
		RedisClient: redisClient,
	}, nil
}

// abandonedRefundHandler отдаёт reconciler'у заявку, возврат по которой
// оборвался без ответа клиенту.
func abandonedRefundHandler(coordinator *saga.Coordinator) idempotency.AbandonedHandler {
	return func(ctx context.Context, record domain.IdempotencyRecord) error {
		if record.Operation != grpcsvc.MethodRefundPayment {
			return nil
		}
		return coordinator.FlagUnconfirmedRefund(ctx, record.PaymentID)
	}
}

// Close освобождает внешние подключения.
func (d *Dependencies) Close() error {
	if d == nil || d.RedisClient == nil {
		return nil
	}
	return d.RedisClient.Close()
}

// buildGateway выбирает адаптер PG и оборачивает его повторами и circuit breaker'ом.
func buildGateway(cfg Config, m *metrics.PaymentMetrics, logger *log.Entry) (domain.Gateway, error) {
	var base domain.Gateway
	provider := strings.ToLower(strings.TrimSpace(cfg.GatewayProvider))
	switch provider {
	case "", GatewayProviderMock:
		logger.Warn("using mock payment gateway, do not run this in production")
		base = gateway.NewMockGateway()
	case GatewayProviderHTTP:
		httpGateway, err := gateway.NewHTTPGateway(gateway.HTTPConfig{
			Provider:  GatewayProviderHTTP,
			BaseURL:   cfg.GatewayBaseURL,
			APIKey:    cfg.GatewayAPIKey,
			APISecret: cfg.GatewayAPISecret,
			Timeout:   cfg.GatewayTimeout,
		}, nil, logger.WithField("component", "gateway"))
		if err != nil {
			return nil, fmt.Errorf("init http gateway: %w", err)
		}
		base = httpGateway
	default:
		return nil, fmt.Errorf("unsupported gateway provider %q (use %s|%s)", cfg.GatewayProvider, GatewayProviderMock, GatewayProviderHTTP)
	}

	breakerLogger := logger.WithField("component", "circuit-breaker")
	breaker := saga.NewCircuitBreaker(cfg.CircuitMaxFailures, cfg.CircuitResetAfter, breakerLogger)
	return saga.NewResilientGateway(base, retryConfig(cfg), breaker, m, logger.WithField("component", "resilient-gateway")), nil
}

func retryConfig(cfg Config) saga.RetryConfig {
	retry := saga.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialDelay = cfg.RetryInitialDelay
	retry.MaxDelay = cfg.RetryMaxDelay
	return retry
}

// newRedisClient разбирает redis://... URL. Пустой URL означает работу без Redis.
func newRedisClient(rawURL string) (*redis.Client, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
