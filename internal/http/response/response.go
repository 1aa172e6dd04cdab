// Package response содержит вспомогательные типы и функции для формирования
// унифицированных JSON‑ответов HTTP‑обработчиков. Пакет упрощает возврат
// успешных ответов, ошибок и сообщений валидации в едином формате.
package response

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/password"
	"github.com/magabrotheeeer/trading-subscriptions/internal/services/auth"
	"github.com/magabrotheeeer/trading-subscriptions/internal/services/subscription"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
)

// Response описывает стандартную структуру JSON‑ответа сервера.
// Поле Status — статус запроса ("OK" или "Error").
// Поле Code — машинный код ошибки (при неуспехе).
// Поле Error — текст ошибки (опционально, при неуспехе).
// Поле Data — данные ответа (опционально, при успехе).
type Response struct {
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// ErrorResponse — структура ошибки для Swagger-документации.
// Используется в аннотациях @Failure как возвращаемый тип ошибки.
type ErrorResponse struct {
	Status string `json:"status" example:"Error"`
	Code   string `json:"code,omitempty" example:"not_found"`
	Error  string `json:"error" example:"subscription not found"`
}

const (
	// StatusOK — значение статуса для успешного ответа.
	StatusOK = "OK"
	// StatusError — значение статуса для ответа с ошибкой.
	StatusError = "Error"
)

// Коды ошибок, по которым клиент различает причины отказа.
const (
	CodeBadRequest      = "bad_request"
	CodeValidation      = "validation_failed"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeInvalidToken    = "invalid_token"
	CodeTooManyRequests = "too_many_requests"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

// StatusOKWithData возвращает успешный Response с переданными данными.
func StatusOKWithData(data any) Response {
	return Response{
		Status: StatusOK,
		Data:   data,
	}
}

// Error возвращает Response с ошибкой и переданным сообщением.
func Error(msg string) ErrorResponse {
	return ErrorResponse{
		Status: StatusError,
		Error:  msg,
	}
}

// ErrorWithCode возвращает ответ с ошибкой, кодом и сообщением.
func ErrorWithCode(code, msg string) ErrorResponse {
	return ErrorResponse{
		Status: StatusError,
		Code:   code,
		Error:  msg,
	}
}

// FromError сопоставляет доменную ошибку HTTP-статусу и ответу.
// Неизвестные ошибки становятся 500 без раскрытия текста.
func FromError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, storage.ErrSubscriptionNotFound):
		return http.StatusNotFound, ErrorWithCode(CodeNotFound, "subscription not found")
	case errors.Is(err, storage.ErrAccountNotFound):
		return http.StatusNotFound, ErrorWithCode(CodeNotFound, "account not found")
	case errors.Is(err, storage.ErrEmailTaken):
		return http.StatusConflict, ErrorWithCode(CodeConflict, "email already registered")
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict, ErrorWithCode(CodeConflict, "record was modified concurrently, retry")
	case errors.Is(err, subscription.ErrSubscriptionExists):
		return http.StatusConflict, ErrorWithCode(CodeConflict, "subscription already exists")
	case errors.Is(err, subscription.ErrSubscriptionCancelled):
		return http.StatusConflict, ErrorWithCode(CodeConflict, "subscription is cancelled")
	case errors.Is(err, subscription.ErrPaymentNotApplicable):
		return http.StatusConflict, ErrorWithCode(CodeConflict, "payment cannot be applied to a trial subscription")
	case errors.Is(err, subscription.ErrInvalidPlan):
		return http.StatusBadRequest, ErrorWithCode(CodeBadRequest, "unknown plan")
	case errors.Is(err, subscription.ErrInvalidPayment):
		return http.StatusBadRequest, ErrorWithCode(CodeBadRequest, "invalid payment")
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, ErrorWithCode(CodeUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidVerificationToken):
		return http.StatusBadRequest, ErrorWithCode(CodeInvalidToken, "invalid or used verification token")
	case errors.Is(err, password.ErrTooShort), errors.Is(err, password.ErrTooLong):
		return http.StatusUnprocessableEntity, ErrorWithCode(CodeValidation, "password length must be between 8 and 72")
	}
	return http.StatusInternalServerError, ErrorWithCode(CodeInternal, "internal server error")
}

// ValidationError формирует Response со статусом Error на основе ошибок валидации.
// Каждое нарушение формируется в человеко‑читаемый текст, объединённый через запятую.
func ValidationError(errs validator.ValidationErrors) Response {
	var errsMsgs []string

	for _, err := range errs {
		switch err.ActualTag() {
		case "required":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s is a required field", err.Field()))
		case "email":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s must be a valid email", err.Field()))
		case "oneof":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s must be one of: %s", err.Field(), err.Param()))
		case "min", "max":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s has invalid length", err.Field()))
		case "gt":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s must be greater than %s", err.Field(), err.Param()))
		default:
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s is not a valid", err.Field()))
		}
	}
	return Response{
		Status: StatusError,
		Code:   CodeValidation,
		Error:  strings.Join(errsMsgs, ", "),
	}
}
