// Package reconcile запускает внеочередную сверку подписок по запросу администратора.
package reconcile

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

type Service interface {
	ManualReconcile(ctx context.Context) (models.ReconcileReport, error)
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
// @Summary Ручная сверка
// @Description Выполняет полный проход сверки и возвращает итоги вместе со статистикой по статусам.
// @Tags Admin
// @Produce  json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Failure 403 {object} response.ErrorResponse "Недостаточно прав"
// @Failure 500 {object} response.ErrorResponse "Сверка не выполнена"
// @Router /admin/reconcile [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.reconcile"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	report, err := h.service.ManualReconcile(r.Context())
	if err != nil {
		log.Error("manual reconcile failed", sl.Err(err))
		status, resp := response.FromError(err)
		render.Status(r, status)
		render.JSON(w, r, resp)
		return
	}

	log.Info("manual reconcile finished",
		slog.Int("processed", report.Summary.Processed),
		slog.Int("expired", report.Summary.Expired),
		slog.Int("healed", report.Summary.Healed),
	)
	render.JSON(w, r, response.StatusOKWithData(report))
}
