package verify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/services/auth"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) VerifyEmail(ctx context.Context, token string) (*models.Account, bool, error) {
	args := m.Called(ctx, token)
	acc, _ := args.Get(0).(*models.Account)
	return acc, args.Bool(1), args.Error(2)
}

func TestVerifyHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name         string
		url          string
		setupMock    func(*MockService)
		wantStatus   int
		wantContains string
	}{
		{
			name: "trial issued",
			url:  "/api/v1/verify?token=abc",
			setupMock: func(m *MockService) {
				m.On("VerifyEmail", mock.Anything, "abc").Return(&models.Account{
					ID: "acc-1", EmailVerified: true, SubscriptionStatus: models.AccountTrial,
				}, true, nil)
			},
			wantStatus:   http.StatusOK,
			wantContains: `"trialIssued":true`,
		},
		{
			name: "used token",
			url:  "/api/v1/verify?token=used",
			setupMock: func(m *MockService) {
				m.On("VerifyEmail", mock.Anything, "used").Return(nil, false, auth.ErrInvalidVerificationToken)
			},
			wantStatus:   http.StatusBadRequest,
			wantContains: `"code":"invalid_token"`,
		},
		{
			name: "missing token",
			url:  "/api/v1/verify",
			setupMock: func(m *MockService) {
				m.On("VerifyEmail", mock.Anything, "").Return(nil, false, auth.ErrInvalidVerificationToken)
			},
			wantStatus:   http.StatusBadRequest,
			wantContains: `"code":"invalid_token"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			tt.setupMock(svc)

			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			rec := httptest.NewRecorder()
			New(logger, svc).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantContains)
			svc.AssertExpectations(t)
		})
	}
}
