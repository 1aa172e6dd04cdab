package subscriptionservice

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	"github.com/magabrotheeeer/trading-subscriptions/internal/app/core"
	"github.com/magabrotheeeer/trading-subscriptions/internal/config"
	"github.com/magabrotheeeer/trading-subscriptions/internal/scheduler"
	"github.com/magabrotheeeer/trading-subscriptions/internal/services/reconcile"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	server    *http.Server
	logger    *slog.Logger
	core      *core.Core
	scheduler *scheduler.Scheduler
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	c, err := core.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	RegisterRoutes(router, logger, Routes{
		Auth:          c.Auth,
		Subscriptions: c.Subscriptions,
		Tokens:        c.Tokens,
		Health:        c.Store,
		Metrics:       c.Metrics,
		Gatherer:      c.Registry,
		RateLimit:     cfg.HTTPServer.RateLimit,
		RateBurst:     cfg.HTTPServer.RateBurst,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.Timeout,
		WriteTimeout: cfg.HTTPServer.Timeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	return &App{
		server:    srv,
		logger:    logger,
		core:      c,
		scheduler: scheduler.New(logger, Jobs(c, cfg.Scheduler)...),
	}, nil
}

// Jobs периодические задачи сервиса: часовая и суточная сверка и истечение пробных периодов.
func Jobs(c *core.Core, cfg config.Scheduler) []scheduler.Job {
	sweep := func(trigger string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			_, err := c.Sweeper.RunSweep(ctx, trigger)
			return err
		}
	}
	return []scheduler.Job{
		{Name: "sweep_hourly", Interval: cfg.Hourly, Run: sweep(reconcile.TriggerHourly)},
		{Name: "sweep_daily", Interval: cfg.Daily, Run: sweep(reconcile.TriggerDaily)},
		{
			Name:     "expire_trials",
			Interval: cfg.Trial,
			Run: func(ctx context.Context) error {
				_, err := c.Trials.ExpireTrials(ctx)
				return err
			},
		},
	}
}

func (a *App) Run(ctx context.Context) error {
	a.scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		runErr = a.server.Shutdown(timeoutCtx)
	}

	a.scheduler.Stop()
	a.core.Close()
	return runErr
}
