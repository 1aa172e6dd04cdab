// Package payment принимает подтверждённый платёж и продлевает подписку аккаунта.
package payment

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/trading-subscriptions/internal/http/response"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
)

// Request данные платежа. Timestamp необязателен: по умолчанию время приёма запроса.
type Request struct {
	TxHash    string     `json:"txHash" validate:"required,max=128"`
	Amount    float64    `json:"amount" validate:"required,gt=0"`
	Network   string     `json:"network" validate:"required,max=32"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type Service interface {
	ApplyPayment(ctx context.Context, accountID string, rec models.PaymentRecord) (*models.Subscription, bool, error)
}

type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
	now      func() time.Time
}

func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
		now:      time.Now,
	}
}

// ServeHTTP godoc
// @Summary Применение платежа
// @Description Фиксирует подтверждённый платёж. Повторный платёж с тем же txHash не меняет подписку.
// @Tags Admin
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param accountID path string true "ID аккаунта"
// @Param request body Request true "Платёж"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 404 {object} response.ErrorResponse "Подписка не найдена"
// @Failure 409 {object} response.ErrorResponse "Платёж неприменим"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Router /admin/accounts/{accountID}/payments [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.payment"

	accountID := chi.URLParam(r, "accountID")
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("account_id", accountID),
	)

	if strings.TrimSpace(accountID) == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.ErrorWithCode(response.CodeBadRequest, "account id is required"))
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.ErrorWithCode(response.CodeBadRequest, "invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		log.Error("validation failed", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	ts := h.now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	payment := models.PaymentRecord{
		TxHash:    req.TxHash,
		Amount:    req.Amount,
		Network:   req.Network,
		Timestamp: ts,
	}

	sub, applied, err := h.service.ApplyPayment(r.Context(), accountID, payment)
	if err != nil {
		log.Error("failed to apply payment", sl.Err(err), slog.String("tx_hash", req.TxHash))
		status, resp := response.FromError(err)
		render.Status(r, status)
		render.JSON(w, r, resp)
		return
	}

	log.Info("payment processed", slog.String("tx_hash", req.TxHash), slog.Bool("applied", applied))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"subscription": sub,
		"applied":      applied,
	}))
}
