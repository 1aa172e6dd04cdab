// Package cache хранит в Redis счётчики повторных пропусков записей при сверке подписок.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/magabrotheeeer/trading-subscriptions/internal/config"
)

const skipKeyPrefix = "sweep:skip:"

// Cache обёртка над клиентом Redis.
type Cache struct {
	Db *redis.Client
}

// InitServer подключается к Redis и проверяет соединение.
func InitServer(ctx context.Context, cfg config.RedisConnection) (*Cache, error) {
	const op = "cache.InitServer"
	db := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		Username:     cfg.User,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	if err := db.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Cache{Db: db}, nil
}

// Close закрывает клиент Redis.
func (c *Cache) Close() error {
	return c.Db.Close()
}

// SkipTracker считает подряд идущие пропуски одной подписки аномальной проверкой дат.
type SkipTracker struct {
	db  *redis.Client
	ttl time.Duration
}

// NewSkipTracker создаёт SkipTracker. Счётчик живёт ttl с момента последнего пропуска.
func NewSkipTracker(c *Cache, ttl time.Duration) *SkipTracker {
	return &SkipTracker{db: c.Db, ttl: ttl}
}

// Incr увеличивает счётчик пропусков подписки и возвращает новое значение.
func (t *SkipTracker) Incr(ctx context.Context, subscriptionID string) (int64, error) {
	const op = "cache.SkipTracker.Incr"
	key := skipKeyPrefix + subscriptionID

	pipe := t.db.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if t.ttl > 0 {
		pipe.Expire(ctx, key, t.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return incr.Val(), nil
}

// Reset обнуляет счётчик после успешной оценки подписки.
func (t *SkipTracker) Reset(ctx context.Context, subscriptionID string) error {
	const op = "cache.SkipTracker.Reset"
	if err := t.db.Del(ctx, skipKeyPrefix+subscriptionID).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Count возвращает текущее значение счётчика, 0 если его нет.
func (t *SkipTracker) Count(ctx context.Context, subscriptionID string) (int64, error) {
	const op = "cache.SkipTracker.Count"
	n, err := t.db.Get(ctx, skipKeyPrefix+subscriptionID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}
