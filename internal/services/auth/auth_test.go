package auth_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/jwt"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/password"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/services/auth"
	"github.com/magabrotheeeer/trading-subscriptions/internal/services/trial"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage/memory"
)

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Мок уведомлений
type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) Verification(ctx context.Context, msg models.VerificationMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *NotifierMock) TrialExpired(ctx context.Context, msg models.TrialExpiredMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// Мок выдачи пробного периода
type TrialIssuerMock struct {
	mock.Mock
}

func (m *TrialIssuerMock) Issue(ctx context.Context, accountID string) (bool, error) {
	args := m.Called(ctx, accountID)
	return args.Bool(0), args.Error(1)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newAuth(store *memory.Store, trials auth.TrialIssuer, notifier auth.VerificationNotifier) *auth.AuthService {
	maker := jwt.NewJWTMaker("test-secret", time.Hour)
	return auth.NewAuthService(store, maker, trials, notifier, newNoopLogger()).WithHashCost(bcrypt.MinCost)
}

func TestRegister(t *testing.T) {
	store := memory.New()
	notifier := new(NotifierMock)
	notifier.On("Verification", mock.Anything, mock.MatchedBy(func(m models.VerificationMessage) bool {
		return m.Email == "anna@example.com" && m.FirstName == "Anna" && m.Token != ""
	})).Return(nil).Once()

	svc := newAuth(store, nil, notifier)
	acc, err := svc.Register(context.Background(), " Anna@Example.com ", "Anna Smirnova", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "anna@example.com", acc.Email)
	assert.Equal(t, models.RoleUser, acc.Role)
	assert.False(t, acc.EmailVerified)
	assert.NotEmpty(t, acc.VerificationToken)
	assert.NoError(t, password.CompareHash(acc.PasswordHash, "correct-horse"))
	notifier.AssertExpectations(t)
}

func TestRegister_Errors(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{name: "short password", email: "a@example.com", password: "short", wantErr: password.ErrTooShort},
		{name: "duplicate email", email: "TAKEN@example.com", password: "long-enough", wantErr: storage.ErrEmailTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			require.NoError(t, store.CreateAccount(context.Background(), &models.Account{Email: "taken@example.com"}))
			_, err := newAuth(store, nil, nil).Register(context.Background(), tt.email, "", tt.password)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegister_NotificationFailureIgnored(t *testing.T) {
	notifier := new(NotifierMock)
	notifier.On("Verification", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	acc, err := newAuth(memory.New(), nil, notifier).Register(context.Background(), "b@example.com", "B", "long-enough")
	require.NoError(t, err)
	assert.NotEmpty(t, acc.ID)
}

func TestLogin(t *testing.T) {
	store := memory.New()
	svc := newAuth(store, nil, nil)
	acc, err := svc.Register(context.Background(), "login@example.com", "Login", "secret-pass")
	require.NoError(t, err)

	token, got, err := svc.Login(context.Background(), "LOGIN@example.com", "secret-pass")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)

	claims, err := jwt.NewJWTMaker("test-secret", time.Hour).ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, claims.AccountID)
	assert.Equal(t, models.RoleUser, claims.Role)

	_, _, err = svc.Login(context.Background(), "login@example.com", "wrong-pass")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, _, err = svc.Login(context.Background(), "nobody@example.com", "secret-pass")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestVerifyEmail_InvalidToken(t *testing.T) {
	svc := newAuth(memory.New(), new(TrialIssuerMock), nil)
	_, _, err := svc.VerifyEmail(context.Background(), "")
	assert.ErrorIs(t, err, auth.ErrInvalidVerificationToken)
	_, _, err = svc.VerifyEmail(context.Background(), "unknown")
	assert.ErrorIs(t, err, auth.ErrInvalidVerificationToken)
}

func TestVerifyEmail_IssuanceFailureKeepsToken(t *testing.T) {
	store := memory.New()
	issuer := new(TrialIssuerMock)
	issuer.On("Issue", mock.Anything, mock.Anything).Return(false, errors.New("db timeout")).Once()
	issuer.On("Issue", mock.Anything, mock.Anything).Return(true, nil).Once()

	svc := newAuth(store, issuer, nil)
	acc, err := svc.Register(context.Background(), "retry@example.com", "", "long-enough")
	require.NoError(t, err)

	_, _, err = svc.VerifyEmail(context.Background(), acc.VerificationToken)
	require.Error(t, err)

	got, issued, err := svc.VerifyEmail(context.Background(), acc.VerificationToken)
	require.NoError(t, err)
	assert.True(t, issued)
	assert.True(t, got.EmailVerified)

	_, _, err = svc.VerifyEmail(context.Background(), acc.VerificationToken)
	assert.ErrorIs(t, err, auth.ErrInvalidVerificationToken)
	issuer.AssertExpectations(t)
}

// Регистрация, подтверждение, пробный период и его истечение с одним уведомлением.
func TestTrialEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := &clock{now: time.Date(2025, 5, 20, 15, 0, 0, 0, time.UTC)}

	notifier := new(NotifierMock)
	notifier.On("Verification", mock.Anything, mock.Anything).Return(nil)
	notifier.On("TrialExpired", mock.Anything, mock.MatchedBy(func(m models.TrialExpiredMessage) bool {
		return m.Email == "e2e@example.com"
	})).Return(nil).Once()

	trials := trial.NewService(store, notifier, nil, trial.Options{
		TrialDuration: time.Hour,
		Now:           clk.Now,
	}, newNoopLogger())
	svc := newAuth(store, trials, notifier)

	acc, err := svc.Register(ctx, "e2e@example.com", "Eve", "long-enough")
	require.NoError(t, err)
	_, err = store.GetCurrentSubscription(ctx, acc.ID)
	require.ErrorIs(t, err, storage.ErrSubscriptionNotFound)

	verified, issued, err := svc.VerifyEmail(ctx, acc.VerificationToken)
	require.NoError(t, err)
	require.True(t, issued)
	assert.Equal(t, models.AccountTrial, verified.SubscriptionStatus)

	sub, err := store.GetCurrentSubscription(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanTrial, sub.Plan)
	assert.True(t, sub.StartDate.Add(time.Hour).Equal(sub.EndDate))

	clk.Advance(time.Hour + time.Minute)
	n, err := trials.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	trials.Wait()

	got, err := store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountInactive, got.SubscriptionStatus)
	sub, err = store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, sub.Status)

	notifier.AssertNumberOfCalls(t, "TrialExpired", 1)
}
