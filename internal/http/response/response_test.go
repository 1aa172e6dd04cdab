package response

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/trading-subscriptions/internal/services/auth"
	"github.com/magabrotheeeer/trading-subscriptions/internal/services/subscription"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"subscription missing", storage.ErrSubscriptionNotFound, http.StatusNotFound, CodeNotFound},
		{"wrapped account missing", fmt.Errorf("op: %w", storage.ErrAccountNotFound), http.StatusNotFound, CodeNotFound},
		{"email taken", storage.ErrEmailTaken, http.StatusConflict, CodeConflict},
		{"already subscribed", subscription.ErrSubscriptionExists, http.StatusConflict, CodeConflict},
		{"bad plan", subscription.ErrInvalidPlan, http.StatusBadRequest, CodeBadRequest},
		{"credentials", auth.ErrInvalidCredentials, http.StatusUnauthorized, CodeUnauthorized},
		{"verification token", auth.ErrInvalidVerificationToken, http.StatusBadRequest, CodeInvalidToken},
		{"unknown", errors.New("pq: connection reset"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := FromError(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, StatusError, resp.Status)
		})
	}
}

func TestFromError_HidesInternalText(t *testing.T) {
	_, resp := FromError(errors.New("dial tcp 10.0.0.5:5432: refused"))
	assert.Equal(t, "internal server error", resp.Error)
}

func TestValidationError(t *testing.T) {
	type payload struct {
		Email string `validate:"required,email"`
		Plan  string `validate:"required,oneof=premium basic"`
	}
	err := validator.New().Struct(payload{Email: "nope", Plan: "gold"})
	require.Error(t, err)

	resp := ValidationError(err.(validator.ValidationErrors))
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, CodeValidation, resp.Code)
	assert.Contains(t, resp.Error, "field Email must be a valid email")
	assert.Contains(t, resp.Error, "field Plan must be one of: premium basic")
}
