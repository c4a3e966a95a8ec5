// Package issuer выдаёт merchantUid — ключ идемпотентности саги оплаты.
package issuer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	"github.com/vladislavdragonenkov/paysaga/internal/metrics"
)

const (
	defaultKeyPrefix = "payments:merchant_uid"
	defaultTimeout   = 300 * time.Millisecond
	// Счётчик дня живёт дольше суток, чтобы переход через полночь не обнулил его раньше времени.
	defaultCounterTTL = 48 * time.Hour
)

// RedisCounter — минимальная поверхность клиента Redis, нужная выдаче идентификаторов.
type RedisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Options задаёт параметры Issuer.
type Options struct {
	Logger     *log.Entry
	Metrics    *metrics.PaymentMetrics
	KeyPrefix  string
	Timeout    time.Duration
	CounterTTL time.Duration
	Now        func() time.Time
}

// Option изменяет Options.
type Option func(*Options)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.PaymentMetrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithKeyPrefix задаёт префикс ключей счётчиков.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		o.KeyPrefix = prefix
	}
}

// WithTimeout ограничивает время обращения к Redis.
func WithTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.Timeout = timeout
	}
}

// WithClock подменяет часы (тесты).
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// Issuer выдаёт merchantUid вида <prefix>_<yyyymmdd>_<seq> через INCR в Redis.
// Если Redis недоступен, идентификатор строится локально из монотонных часов
// и случайного суффикса; такой путь логируется как деградация.
type Issuer struct {
	client  RedisCounter
	opts    Options
	logger  *log.Entry
	metrics *metrics.PaymentMetrics

	mu       sync.Mutex
	lastNano int64
}

// New создаёт Issuer. client может быть nil, тогда всегда используется локальная генерация.
func New(client RedisCounter, opts ...Option) *Issuer {
	options := Options{
		KeyPrefix:  defaultKeyPrefix,
		Timeout:    defaultTimeout,
		CounterTTL: defaultCounterTTL,
		Now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = log.New().WithField("component", "issuer")
	}
	if options.Timeout <= 0 {
		options.Timeout = defaultTimeout
	}
	if options.CounterTTL <= 0 {
		options.CounterTTL = defaultCounterTTL
	}
	if options.Now == nil {
		options.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Issuer{
		client:  client,
		opts:    options,
		logger:  options.Logger,
		metrics: options.Metrics,
	}
}

// Issue возвращает новый merchantUid для типа ресурса.
func (i *Issuer) Issue(ctx context.Context, targetType domain.TargetType) (string, error) {
	if !targetType.Valid() {
		return "", domain.ErrTargetTypeInvalid
	}

	if i.client != nil {
		uid, err := i.issueFromRedis(ctx, targetType)
		if err == nil {
			return uid, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		i.logger.WithError(err).WithField("target_type", targetType).
			Warn("issuer backend unavailable, falling back to local merchant uid")
	}

	i.metrics.RecordIssuerFallback()
	return i.issueLocal(targetType), nil
}

// Ping проверяет доступность Redis (для readiness).
func (i *Issuer) Ping(ctx context.Context) error {
	if i.client == nil {
		return nil
	}
	if err := i.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIssuerUnavailable, err)
	}
	return nil
}

func (i *Issuer) issueFromRedis(ctx context.Context, targetType domain.TargetType) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.opts.Timeout)
	defer cancel()

	day := i.opts.Now().Format("20060102")
	key := fmt.Sprintf("%s:%s:%s", i.opts.KeyPrefix, strings.ToLower(string(targetType)), day)

	seq, err := i.client.Incr(callCtx, key).Result()
	if err != nil {
		return "", fmt.Errorf("%w: incr %s: %v", domain.ErrIssuerUnavailable, key, err)
	}
	if seq == 1 {
		// Ошибка TTL не мешает уникальности: ключ просто проживёт дольше.
		if err := i.client.Expire(callCtx, key, i.opts.CounterTTL).Err(); err != nil {
			i.logger.WithError(err).WithField("key", key).Warn("failed to set merchant uid counter ttl")
		}
	}

	return fmt.Sprintf("%s_%s_%06d", targetType.Prefix(), day, seq), nil
}

func (i *Issuer) issueLocal(targetType domain.TargetType) string {
	i.mu.Lock()
	nano := i.opts.Now().UnixNano()
	if nano <= i.lastNano {
		nano = i.lastNano + 1
	}
	i.lastNano = nano
	i.mu.Unlock()

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", targetType.Prefix(), nano, suffix)
}

var _ domain.OrderIDIssuer = (*Issuer)(nil)
