// Package storetest содержит общий набор проверок для реализаций storage.Store.
// Каждая реализация вызывает Run из собственного теста.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
)

// Factory возвращает пустое хранилище для одного подтеста.
type Factory func(t *testing.T) storage.Store

var base = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

// Run прогоняет все проверки контракта.
func Run(t *testing.T, newStore Factory) {
	t.Run("account create and lookup", func(t *testing.T) { testAccountLookup(t, newStore(t)) })
	t.Run("duplicate email", func(t *testing.T) { testDuplicateEmail(t, newStore(t)) })
	t.Run("account optimistic update", func(t *testing.T) { testAccountUpdate(t, newStore(t)) })
	t.Run("claim free trial once", func(t *testing.T) { testClaimFreeTrial(t, newStore(t)) })
	t.Run("expired trials and status cas", func(t *testing.T) { testExpiredTrials(t, newStore(t)) })
	t.Run("subscription lifecycle", func(t *testing.T) { testSubscriptions(t, newStore(t)) })
	t.Run("expire trial subscription", func(t *testing.T) { testExpireTrialSubscription(t, newStore(t)) })
}

func newAccount(email string) *models.Account {
	return &models.Account{
		Email:              email,
		DisplayName:        "Test Trader",
		PasswordHash:       "hash",
		Role:               models.RoleUser,
		VerificationToken:  "token-" + email,
		SubscriptionStatus: models.AccountInactive,
	}
}

func testAccountLookup(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acc := newAccount("  Trader@Example.com ")
	require.NoError(t, s.CreateAccount(ctx, acc))
	require.NotEmpty(t, acc.ID)
	assert.Equal(t, int64(1), acc.Version)
	assert.Equal(t, "trader@example.com", acc.Email)

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, acc.Email, got.Email)
	assert.Equal(t, "hash", got.PasswordHash)

	got, err = s.GetAccountByEmail(ctx, "TRADER@example.com")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)

	got, err = s.GetAccountByVerificationToken(ctx, acc.VerificationToken)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)

	_, err = s.GetAccount(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)
	_, err = s.GetAccountByVerificationToken(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)
}

func testDuplicateEmail(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("dup@example.com")))
	err := s.CreateAccount(ctx, newAccount("DUP@example.com"))
	assert.ErrorIs(t, err, storage.ErrEmailTaken)
}

func testAccountUpdate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acc := newAccount("update@example.com")
	require.NoError(t, s.CreateAccount(ctx, acc))

	first, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	second, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)

	end := base.Add(30 * 24 * time.Hour)
	first.SubscriptionStatus = models.AccountActive
	first.SubscriptionEndDate = &end
	require.NoError(t, s.UpdateAccount(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.DisplayName = "Stale Writer"
	assert.ErrorIs(t, s.UpdateAccount(ctx, second), storage.ErrConflict)

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountActive, got.SubscriptionStatus)
	require.NotNil(t, got.SubscriptionEndDate)
	assert.True(t, end.Equal(*got.SubscriptionEndDate))
	assert.Equal(t, "Test Trader", got.DisplayName)
}

func testClaimFreeTrial(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acc := newAccount("claim@example.com")
	require.NoError(t, s.CreateAccount(ctx, acc))

	start, end := base, base.Add(time.Hour)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimFreeTrial(ctx, acc.ID, start, end)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.HasUsedFreeTrial)
	assert.Equal(t, models.AccountTrial, got.SubscriptionStatus)
	require.NotNil(t, got.FreeTrialEndDate)
	assert.True(t, end.Equal(*got.FreeTrialEndDate))
	require.NotNil(t, got.SubscriptionEndDate)
	assert.True(t, end.Equal(*got.SubscriptionEndDate))

	ok, err := s.ClaimFreeTrial(ctx, acc.ID, base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.ClaimFreeTrial(ctx, "00000000-0000-0000-0000-000000000000", start, end)
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)
}

func testExpiredTrials(t *testing.T, s storage.Store) {
	ctx := context.Background()
	expired := newAccount("expired@example.com")
	active := newAccount("active@example.com")
	require.NoError(t, s.CreateAccount(ctx, expired))
	require.NoError(t, s.CreateAccount(ctx, active))

	_, err := s.ClaimFreeTrial(ctx, expired.ID, base, base.Add(time.Hour))
	require.NoError(t, err)
	_, err = s.ClaimFreeTrial(ctx, active.ID, base, base.Add(5*time.Hour))
	require.NoError(t, err)

	found, err := s.FindExpiredTrials(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, expired.ID, found[0].ID)

	ok, err := s.CompareAndSetAccountStatus(ctx, expired.ID, models.AccountTrial, models.AccountInactive)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSetAccountStatus(ctx, expired.ID, models.AccountTrial, models.AccountInactive)
	require.NoError(t, err)
	assert.False(t, ok)

	found, err = s.FindExpiredTrials(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, found)
}

func testSubscriptions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acc := newAccount("subs@example.com")
	require.NoError(t, s.CreateAccount(ctx, acc))

	_, err := s.GetCurrentSubscription(ctx, acc.ID)
	assert.ErrorIs(t, err, storage.ErrSubscriptionNotFound)

	older := &models.Subscription{
		AccountID: acc.ID,
		Plan:      models.PlanTrial,
		Status:    models.StatusExpired,
		StartDate: base,
		EndDate:   base.Add(time.Hour),
	}
	require.NoError(t, s.CreateSubscription(ctx, older))
	time.Sleep(5 * time.Millisecond)

	sub := &models.Subscription{
		AccountID:      acc.ID,
		Plan:           models.PlanPremium,
		Status:         models.StatusActive,
		StartDate:      base,
		EndDate:        base.Add(30 * 24 * time.Hour),
		NextPaymentDue: base.Add(31 * 24 * time.Hour),
		AutoRenewal:    true,
		MonthlyPrice:   99,
	}
	require.NoError(t, s.CreateSubscription(ctx, sub))
	require.NotEmpty(t, sub.ID)

	current, err := s.GetCurrentSubscription(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, current.ID)
	assert.Empty(t, current.PaymentHistory)

	current.PaymentHistory = append(current.PaymentHistory, models.PaymentRecord{
		TxHash: "0xfeed", Amount: 99, Network: "erc20", Timestamp: base, Verified: true,
	})
	grace := base.Add(40 * 24 * time.Hour)
	current.GracePeriodEnd = &grace
	current.Status = models.StatusExpired
	stale := *current
	require.NoError(t, s.UpdateSubscription(ctx, current))
	assert.ErrorIs(t, s.UpdateSubscription(ctx, &stale), storage.ErrConflict)

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	require.Len(t, got.PaymentHistory, 1)
	assert.Equal(t, "0xfeed", got.PaymentHistory[0].TxHash)
	require.NotNil(t, got.GracePeriodEnd)
	assert.True(t, grace.Equal(*got.GracePeriodEnd))

	found, err := s.FindSubscriptionsByStatus(ctx, models.StatusActive, models.StatusExpired)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	counts, err := s.CountSubscriptionsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.StatusExpired])
	assert.Equal(t, int64(0), counts[models.StatusActive])

	_, err = s.GetSubscription(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, storage.ErrSubscriptionNotFound)
}

func testExpireTrialSubscription(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acc := newAccount("trialsub@example.com")
	require.NoError(t, s.CreateAccount(ctx, acc))

	trial := &models.Subscription{
		AccountID: acc.ID,
		Plan:      models.PlanTrial,
		Status:    models.StatusActive,
		StartDate: base,
		EndDate:   base.Add(time.Hour),
	}
	require.NoError(t, s.CreateSubscription(ctx, trial))

	n, err := s.ExpireTrialSubscription(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.ExpireTrialSubscription(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := s.GetSubscription(ctx, trial.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
}
