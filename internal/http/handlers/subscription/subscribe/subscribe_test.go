package subscribe

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/trading-subscriptions/internal/http/middlewarectx"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/services/subscription"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Subscribe(ctx context.Context, accountID string, plan models.Plan) (*models.Subscription, error) {
	args := m.Called(ctx, accountID, plan)
	sub, _ := args.Get(0).(*models.Subscription)
	return sub, args.Error(1)
}

func TestSubscribeHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name         string
		body         string
		setupMock    func(*MockService)
		wantStatus   int
		wantContains string
	}{
		{
			name: "premium",
			body: `{"plan":"premium"}`,
			setupMock: func(m *MockService) {
				m.On("Subscribe", mock.Anything, "acc-1", models.PlanPremium).
					Return(&models.Subscription{ID: "sub-1", Plan: models.PlanPremium, Status: models.StatusPending}, nil)
			},
			wantStatus:   http.StatusCreated,
			wantContains: `"status":"pending"`,
		},
		{
			name:         "trial is not purchasable",
			body:         `{"plan":"trial"}`,
			wantStatus:   http.StatusUnprocessableEntity,
			wantContains: "must be one of",
		},
		{
			name:         "broken body",
			body:         `{plan`,
			wantStatus:   http.StatusBadRequest,
			wantContains: `"code":"bad_request"`,
		},
		{
			name: "already subscribed",
			body: `{"plan":"basic"}`,
			setupMock: func(m *MockService) {
				m.On("Subscribe", mock.Anything, "acc-1", models.PlanBasic).Return(nil, subscription.ErrSubscriptionExists)
			},
			wantStatus:   http.StatusConflict,
			wantContains: `"code":"conflict"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			if tt.setupMock != nil {
				tt.setupMock(svc)
			}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/subscription", strings.NewReader(tt.body))
			req = req.WithContext(context.WithValue(req.Context(), middlewarectx.AccountID, "acc-1"))
			rec := httptest.NewRecorder()

			New(logger, svc).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantContains)
			svc.AssertExpectations(t)
		})
	}
}
