// Package core собирает хранилище, брокер, кэш и сервисы подписок.
// Используется HTTP-сервисом и утилитой subctl.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/trading-subscriptions/internal/cache"
	"github.com/magabrotheeeer/trading-subscriptions/internal/config"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/jwt"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lifecycle"
	"github.com/magabrotheeeer/trading-subscriptions/internal/metrics"
	"github.com/magabrotheeeer/trading-subscriptions/internal/notification"
	authservice "github.com/magabrotheeeer/trading-subscriptions/internal/services/auth"
	"github.com/magabrotheeeer/trading-subscriptions/internal/services/reconcile"
	subservice "github.com/magabrotheeeer/trading-subscriptions/internal/services/subscription"
	trialservice "github.com/magabrotheeeer/trading-subscriptions/internal/services/trial"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage/factory"
)

const (
	storageAttempts = 10
	storageDelay    = 3 * time.Second
)

// Core общие зависимости процессов.
type Core struct {
	Store         storage.Store
	Registry      *prometheus.Registry
	Metrics       *metrics.Metrics
	Notifier      notification.Notifier
	Tokens        *jwt.MakerImpl
	Sweeper       *reconcile.Sweeper
	Trials        *trialservice.Service
	Subscriptions *subservice.Service
	Auth          *authservice.AuthService

	cache  *cache.Cache
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

// New подключается к хранилищу, Redis и RabbitMQ и создаёт сервисы.
// Redis и RabbitMQ необязательны: без адреса или при недоступности Redis счётчик
// пропусков отключается, без URL брокера уведомления пишутся в лог.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Core, error) {
	const op = "app.core.New"

	store, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c := &Core{Store: store, logger: logger}

	var skips reconcile.SkipTracker
	if cfg.RedisConnection.Address != "" {
		cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
		if err != nil {
			logger.Warn("redis unavailable, repeated skip tracking disabled", sl.Err(err))
		} else {
			c.cache = cacheRedis
			skips = cache.NewSkipTracker(cacheRedis, cfg.RedisConnection.SkipTTL)
		}
	}

	if cfg.RabbitMQ.URL != "" {
		conn, err := rabbitmq.Connect(cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, cfg.RabbitMQ.RetryDelay)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("%s: failed to connect RabbitMQ: %w", op, err)
		}
		ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
		if err != nil {
			c.conn = conn
			c.Close()
			return nil, fmt.Errorf("%s: failed to setup RabbitMQ channel: %w", op, err)
		}
		c.conn, c.ch = conn, ch
		c.Notifier = notification.NewPublisher(ch, logger)
	} else {
		logger.Warn("rabbitmq url is empty, notifications are only logged")
		c.Notifier = notification.NewLogNotifier(logger)
	}

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = metrics.New(c.Registry)

	policy := lifecycle.Policy{
		GracePeriod:    cfg.Lifecycle.GracePeriod,
		RenewalPeriod:  cfg.Lifecycle.RenewalPeriod,
		DriftTolerance: cfg.Lifecycle.DriftTolerance,
	}

	c.Sweeper = reconcile.NewSweeper(store, skips, c.Metrics, reconcile.Options{
		Policy:             policy,
		RecordTimeout:      cfg.Scheduler.RecordTimeout,
		SkipAlertThreshold: cfg.Lifecycle.SkipAlertThreshold,
	}, logger)

	c.Trials = trialservice.NewService(store, c.Notifier, c.Metrics, trialservice.Options{
		TrialDuration: cfg.Lifecycle.TrialDuration,
		RecordTimeout: cfg.Scheduler.RecordTimeout,
		NotifyTimeout: cfg.Scheduler.NotifyTimeout,
	}, logger)

	c.Subscriptions = subservice.NewService(store, c.Sweeper, subservice.Options{
		Policy:       policy,
		PremiumPrice: cfg.Lifecycle.PremiumPrice,
		BasicPrice:   cfg.Lifecycle.BasicPrice,
	}, logger)

	c.Tokens = jwt.NewJWTMaker(cfg.JWTToken.JWTSecretKey, cfg.JWTToken.TokenTTL)
	c.Auth = authservice.NewAuthService(store, c.Tokens, c.Trials, c.Notifier, logger)

	return c, nil
}

// openStorage повторяет подключение, пока база поднимается после старта контейнеров.
func openStorage(ctx context.Context, cfg config.Storage, logger *slog.Logger) (storage.Store, error) {
	var lastErr error
	for attempt := 1; attempt <= storageAttempts; attempt++ {
		store, err := factory.Open(ctx, cfg, logger)
		if err == nil {
			return store, nil
		}
		lastErr = err
		logger.Warn("storage not ready", slog.Int("attempt", attempt), sl.Err(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(storageDelay):
		}
	}
	return nil, fmt.Errorf("storage not ready after %d attempts: %w", storageAttempts, lastErr)
}

// Close ждёт фоновых уведомлений и освобождает соединения.
func (c *Core) Close() {
	if c.Trials != nil {
		c.Trials.Wait()
	}
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			c.logger.Error("failed to close channel", sl.Err(err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("failed to close connection", sl.Err(err))
		}
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			c.logger.Error("failed to close redis", sl.Err(err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.logger.Error("failed to close storage", sl.Err(err))
		}
	}
}
