// Package factory открывает хранилище, выбранное в конфиге.
package factory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/trading-subscriptions/internal/config"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/trading-subscriptions/internal/migrations"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage/memory"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage/mongo"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage/postgres"
)

// Open подключается к backend-у cfg.Driver. Для postgres дополнительно применяет
// миграции, если задан MigrationsPath.
func Open(ctx context.Context, cfg config.Storage, log *slog.Logger) (storage.Store, error) {
	const op = "storage.factory.Open"
	log = log.With(slog.String("op", op), slog.String("driver", cfg.Driver))

	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if cfg.MigrationsPath != "" {
			if err := migrations.Run(s.DB, cfg.MigrationsPath); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			log.Info("migrations applied", slog.String("path", cfg.MigrationsPath))
		}
		if err := postgres.CheckDatabaseReady(ctx, s); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		log.Info("storage opened")
		return s, nil
	case config.DriverMongo:
		s, err := mongo.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		log.Info("storage opened", slog.String("database", cfg.MongoDatabase))
		return s, nil
	case config.DriverMemory:
		log.Warn("using in-memory storage, data is lost on restart")
		return memory.New(), nil
	default:
		err := fmt.Errorf("unknown storage driver %q", cfg.Driver)
		log.Error("cannot open storage", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
}
