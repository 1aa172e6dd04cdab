// Package subscriptionservice собирает HTTP-сервер, фоновые задачи сверки и их зависимости.
package subscriptionservice

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/magabrotheeeer/trading-subscriptions/internal/http/handlers/admin/payment"
	"github.com/magabrotheeeer/trading-subscriptions/internal/http/handlers/admin/reconcile"
	"github.com/magabrotheeeer/trading-subscriptions/internal/http/handlers/admin/stats"
	"github.com/magabrotheeeer/trading-subscriptions/internal/http/handlers/auth/login"
	"github.com/magabrotheeeer/trading-subscriptions/internal/http/handlers/auth/register"
	"github.com/magabrotheeeer/trading-subscriptions/internal/http/handlers/auth/verify"
	"github.com/magabrotheeeer/trading-subscriptions/internal/http/handlers/health"
	"github.com/magabrotheeeer/trading-subscriptions/internal/http/handlers/subscription/cancel"
	"github.com/magabrotheeeer/trading-subscriptions/internal/http/handlers/subscription/status"
	"github.com/magabrotheeeer/trading-subscriptions/internal/http/handlers/subscription/subscribe"
	"github.com/magabrotheeeer/trading-subscriptions/internal/http/middlewarectx"
	"github.com/magabrotheeeer/trading-subscriptions/internal/metrics"
)

// AuthService операции аутентификации, нужные маршрутам.
type AuthService interface {
	register.Service
	login.Service
	verify.Service
}

// SubscriptionService операции над подписками, нужные маршрутам.
type SubscriptionService interface {
	status.Service
	subscribe.Service
	cancel.Service
	reconcile.Service
	stats.Service
	payment.Service
}

// Routes зависимости маршрутизатора.
type Routes struct {
	Auth          AuthService
	Subscriptions SubscriptionService
	Tokens        middlewarectx.TokenParser
	Health        health.Pinger
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	RateLimit     float64
	RateBurst     int
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, deps Routes) {
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
		middleware.URLFormat,
		deps.Metrics.Middleware,
	)

	r.Get("/health", health.New(logger, deps.Health).ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		// Открытые конечные точки
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.RateLimitMiddleware(logger, deps.RateLimit, deps.RateBurst))
			r.Post("/register", register.New(logger, deps.Auth).ServeHTTP)
			r.Post("/login", login.New(logger, deps.Auth).ServeHTTP)
			r.Get("/verify", verify.New(logger, deps.Auth).ServeHTTP)
		})

		// Группа с JWT аутентификацией
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.JWTMiddleware(deps.Tokens, logger))
			r.Use(middlewarectx.RateLimitMiddleware(logger, deps.RateLimit, deps.RateBurst))
			r.Get("/subscription", status.New(logger, deps.Subscriptions).ServeHTTP)
			r.Post("/subscription", subscribe.New(logger, deps.Subscriptions).ServeHTTP)
			r.Delete("/subscription", cancel.New(logger, deps.Subscriptions).ServeHTTP)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middlewarectx.AdminOnly(logger))
				r.Post("/reconcile", reconcile.New(logger, deps.Subscriptions).ServeHTTP)
				r.Get("/stats", stats.New(logger, deps.Subscriptions).ServeHTTP)
				r.Post("/accounts/{accountID}/payments", payment.New(logger, deps.Subscriptions).ServeHTTP)
			})
		})
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
