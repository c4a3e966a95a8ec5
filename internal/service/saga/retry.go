package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	"github.com/vladislavdragonenkov/paysaga/internal/metrics"
)

// RetryConfig конфигурация для retry логики.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	return c
}

// Retrier повторяет шаг саги с экспоненциальной задержкой, пока ошибка временная.
type Retrier struct {
	config      RetryConfig
	logger      *log.Entry
	shouldRetry func(error) bool
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetrier создаёт Retrier. Повторяются только ошибки, для которых domain.IsRetryable == true.
func NewRetrier(config RetryConfig, logger *log.Entry) *Retrier {
	if logger == nil {
		logger = log.New().WithField("component", "saga-retry")
	}
	return &Retrier{
		config:      config.normalized(),
		logger:      logger,
		shouldRetry: domain.IsRetryable,
		sleep:       sleepWithContext,
	}
}

// Do выполняет fn до config.MaxAttempts раз и возвращает последнюю ошибку.
func (r *Retrier) Do(ctx context.Context, operation, key string, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := r.config.InitialDelay

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.WithFields(log.Fields{
					"operation": operation,
					"key":       key,
					"attempt":   attempt,
				}).Info("operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		r.logger.WithFields(log.Fields{
			"operation": operation,
			"key":       key,
			"attempt":   attempt,
			"delay":     delay,
			"error":     err,
		}).Warn("operation failed, retrying")

		if delay > 0 {
			if err := r.sleep(ctx, delay); err != nil {
				return lastErr
			}
		}
		delay = time.Duration(float64(delay) * r.config.BackoffFactor)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	r.logger.WithFields(log.Fields{
		"operation":    operation,
		"key":          key,
		"max_attempts": r.config.MaxAttempts,
		"error":        lastErr,
	}).Warn("operation failed after all retry attempts")
	return lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CircuitState состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker размыкается после maxFailures подряд временных ошибок PG.
// В полуоткрытом состоянии пропускает один пробный вызов.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	isFailure    func(error) bool
	now          func() time.Time
	logger       *log.Entry

	mu               sync.Mutex
	failures         int
	openedAt         time.Time
	state            CircuitState
	halfOpenInFlight bool
}

// NewCircuitBreaker создаёт новый circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.New().WithField("component", "circuit-breaker")
	}
	if maxFailures < 1 {
		maxFailures = 1
	}

	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		isFailure:    domain.IsRetryable,
		now:          time.Now,
		state:        CircuitClosed,
		logger:       logger,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

// Execute выполняет операцию через circuit breaker.
// Бизнес-отказы PG (decline, расхождение при verify) не размыкают цепь.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	if err := cb.before(operation); err != nil {
		return err
	}

	err := fn()
	cb.after(operation, err)
	return err
}

func (cb *CircuitBreaker) before(operation string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return fmt.Errorf("%w: %s", domain.ErrGatewayCircuitOpen, operation)
		}
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
		fallthrough
	case CircuitHalfOpen:
		if cb.halfOpenInFlight {
			return fmt.Errorf("%w: %s", domain.ErrGatewayCircuitOpen, operation)
		}
		cb.halfOpenInFlight = true
	}
	return nil
}

func (cb *CircuitBreaker) after(operation string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasHalfOpen := cb.state == CircuitHalfOpen
	cb.halfOpenInFlight = false

	if err != nil && cb.isFailure(err) {
		cb.failures++
		if wasHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
			cb.openedAt = cb.now()
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("circuit breaker opened")
		}
		return
	}

	if wasHalfOpen {
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.state = CircuitClosed
	cb.failures = 0
}

// ResilientGateway оборачивает адаптер PG повторами и circuit breaker.
type ResilientGateway struct {
	next    domain.Gateway
	retrier *Retrier
	breaker *CircuitBreaker
	metrics *metrics.PaymentMetrics
}

// NewResilientGateway создаёт обёртку. breaker и m могут быть nil.
func NewResilientGateway(next domain.Gateway, config RetryConfig, breaker *CircuitBreaker, m *metrics.PaymentMetrics, logger *log.Entry) *ResilientGateway {
	if logger == nil {
		logger = log.New().WithField("component", "gateway-resilience")
	}
	return &ResilientGateway{
		next:    next,
		retrier: NewRetrier(config, logger),
		breaker: breaker,
		metrics: m,
	}
}

// Name возвращает код провайдера обёрнутого адаптера.
func (g *ResilientGateway) Name() string {
	return g.next.Name()
}

// Charge повторяет списание с тем же merchantUid; PG дедуплицирует его по этому ключу.
func (g *ResilientGateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ClientReport, error) {
	var report domain.ClientReport
	err := g.call(ctx, "charge", req.MerchantUID, func(ctx context.Context) error {
		var err error
		report, err = g.next.Charge(ctx, req)
		return err
	})
	return report, err
}

// Verify повторяет запрос транзакции при временных ошибках.
func (g *ResilientGateway) Verify(ctx context.Context, pgTransactionID string) (domain.VerifiedResult, error) {
	var result domain.VerifiedResult
	err := g.call(ctx, "verify", pgTransactionID, func(ctx context.Context) error {
		var err error
		result, err = g.next.Verify(ctx, pgTransactionID)
		return err
	})
	return result, err
}

// Refund выполняет отмену ровно один раз через circuit breaker. Ответ мог
// потеряться после того, как PG вернул деньги, поэтому ошибка не повторяется
// здесь, а возвращается как ErrRefundRetryable.
func (g *ResilientGateway) Refund(ctx context.Context, req domain.RefundRequest) (domain.RefundReceipt, error) {
	var receipt domain.RefundReceipt
	err := g.attempt("refund", func() error {
		var err error
		receipt, err = g.next.Refund(ctx, req)
		return err
	})
	if err == nil {
		return receipt, nil
	}
	if errors.Is(err, domain.ErrRefundRetryable) {
		return domain.RefundReceipt{}, err
	}
	return domain.RefundReceipt{}, fmt.Errorf("%w: %w", domain.ErrRefundRetryable, err)
}

func (g *ResilientGateway) call(ctx context.Context, operation, key string, fn func(ctx context.Context) error) error {
	return g.retrier.Do(ctx, "gateway."+operation, key, func(ctx context.Context) error {
		return g.attempt(operation, func() error { return fn(ctx) })
	})
}

func (g *ResilientGateway) attempt(operation string, fn func() error) error {
	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(operation, fn)
	} else {
		err = fn()
	}
	g.metrics.RecordGatewayCall(operation, err)
	return err
}

var _ domain.Gateway = (*ResilientGateway)(nil)
