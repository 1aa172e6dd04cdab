// Package verify реализует подтверждение email по ссылке из письма.
package verify

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/trading-subscriptions/internal/http/response"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
)

// Service подтверждает email и выдаёт пробный период.
type Service interface {
	VerifyEmail(ctx context.Context, token string) (*models.Account, bool, error)
}

type Handler struct {
	log     *slog.Logger
	service Service
}

func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
	}
}

// ServeHTTP godoc
// @Summary Подтверждение email
// @Description Подтверждает email по токену и выдаёт пробный период, если он ещё не использован.
// @Tags Auth
// @Produce  json
// @Param token query string true "Токен из письма"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse "Токен недействителен"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /verify [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.verify"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	acc, issued, err := h.service.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		log.Error("email verification failed", sl.Err(err))
		status, resp := response.FromError(err)
		render.Status(r, status)
		render.JSON(w, r, resp)
		return
	}

	log.Info("email verified", slog.String("account_id", acc.ID), slog.Bool("trial_issued", issued))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"accountId":          acc.ID,
		"emailVerified":      acc.EmailVerified,
		"trialIssued":        issued,
		"subscriptionStatus": acc.SubscriptionStatus,
	}))
}
