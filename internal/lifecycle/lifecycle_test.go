package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func pair(status models.SubscriptionStatus, subEnd time.Time, accEnd *time.Time) (models.Account, models.Subscription) {
	acc := models.Account{
		ID:                  "acc-1",
		Email:               "trader@example.com",
		SubscriptionStatus:  models.AccountActive,
		SubscriptionEndDate: accEnd,
	}
	sub := models.Subscription{
		ID:          "sub-1",
		AccountID:   acc.ID,
		Plan:        models.PlanPremium,
		Status:      status,
		StartDate:   subEnd.Add(-30 * day),
		EndDate:     subEnd,
		AutoRenewal: true,
	}
	return acc, sub
}

func TestEvaluate(t *testing.T) {
	p := DefaultPolicy()
	past := now.Add(-time.Second)
	future := now.Add(48 * time.Hour)

	tests := []struct {
		name         string
		setup        func() (models.Account, models.Subscription)
		wantOutcome  Outcome
		wantStatus   models.SubscriptionStatus
		wantAccount  models.AccountStatus
		trulyExpired bool
		check        func(t *testing.T, res Result)
	}{
		{
			name: "active and both copies expired opens grace",
			setup: func() (models.Account, models.Subscription) {
				return pair(models.StatusActive, past, models.TimePtr(past))
			},
			wantOutcome:  OutcomeGraceStarted,
			wantStatus:   models.StatusExpired,
			wantAccount:  models.AccountExpired,
			trulyExpired: true,
			check: func(t *testing.T, res Result) {
				require.NotNil(t, res.Subscription.GracePeriodEnd)
				assert.Equal(t, now.Add(7*day), *res.Subscription.GracePeriodEnd)
				assert.True(t, res.SubscriptionChanged)
				assert.True(t, res.AccountChanged)
			},
		},
		{
			name: "grace exhausted cancels",
			setup: func() (models.Account, models.Subscription) {
				acc, sub := pair(models.StatusExpired, now.Add(-8*day), models.TimePtr(now.Add(-8*day)))
				acc.SubscriptionStatus = models.AccountExpired
				sub.GracePeriodEnd = models.TimePtr(past)
				return acc, sub
			},
			wantOutcome:  OutcomeCancelled,
			wantStatus:   models.StatusCancelled,
			wantAccount:  models.AccountInactive,
			trulyExpired: true,
			check: func(t *testing.T, res Result) {
				assert.False(t, res.Subscription.AutoRenewal)
				require.NotNil(t, res.Subscription.CancellationDate)
				assert.Equal(t, now, *res.Subscription.CancellationDate)
			},
		},
		{
			name: "still in grace is a no-op",
			setup: func() (models.Account, models.Subscription) {
				acc, sub := pair(models.StatusExpired, now.Add(-2*day), models.TimePtr(now.Add(-2*day)))
				acc.SubscriptionStatus = models.AccountExpired
				sub.GracePeriodEnd = models.TimePtr(now.Add(5 * day))
				return acc, sub
			},
			wantOutcome:  OutcomeNoOp,
			wantStatus:   models.StatusExpired,
			wantAccount:  models.AccountExpired,
			trulyExpired: true,
			check: func(t *testing.T, res Result) {
				assert.False(t, res.SubscriptionChanged)
				assert.False(t, res.AccountChanged)
			},
		},
		{
			name: "expired without grace end opens a fresh window",
			setup: func() (models.Account, models.Subscription) {
				return pair(models.StatusExpired, past, models.TimePtr(past))
			},
			wantOutcome:  OutcomeGraceStarted,
			wantStatus:   models.StatusExpired,
			wantAccount:  models.AccountExpired,
			trulyExpired: true,
		},
		{
			name: "only subscription copy expired does not transition",
			setup: func() (models.Account, models.Subscription) {
				return pair(models.StatusActive, past, models.TimePtr(now.Add(12*time.Hour)))
			},
			wantOutcome: OutcomeNoOp,
			wantStatus:  models.StatusActive,
			wantAccount: models.AccountActive,
		},
		{
			name: "null account end date counts as expired",
			setup: func() (models.Account, models.Subscription) {
				return pair(models.StatusActive, past, nil)
			},
			wantOutcome:  OutcomeGraceStarted,
			wantStatus:   models.StatusExpired,
			wantAccount:  models.AccountExpired,
			trulyExpired: true,
			check: func(t *testing.T, res Result) {
				assert.Nil(t, res.Account.SubscriptionEndDate)
				assert.False(t, res.DriftCorrected)
			},
		},
		{
			name: "drift over tolerance takes the later date",
			setup: func() (models.Account, models.Subscription) {
				return pair(models.StatusActive, future, models.TimePtr(future.Add(48*time.Hour)))
			},
			wantOutcome: OutcomeNoOp,
			wantStatus:  models.StatusActive,
			wantAccount: models.AccountActive,
			check: func(t *testing.T, res Result) {
				want := future.Add(48 * time.Hour)
				assert.True(t, res.DriftCorrected)
				assert.Equal(t, want, res.Subscription.EndDate)
				assert.Equal(t, want, *res.Account.SubscriptionEndDate)
				assert.True(t, res.SubscriptionChanged)
				assert.False(t, res.AccountChanged)
			},
		},
		{
			name: "drift correction rescues a stale subscription copy",
			setup: func() (models.Account, models.Subscription) {
				return pair(models.StatusActive, now.Add(-24*time.Hour), models.TimePtr(now.Add(24*time.Hour)))
			},
			wantOutcome: OutcomeNoOp,
			wantStatus:  models.StatusActive,
			wantAccount: models.AccountActive,
			check: func(t *testing.T, res Result) {
				assert.True(t, res.DriftCorrected)
				assert.Equal(t, now.Add(24*time.Hour), res.Subscription.EndDate)
			},
		},
		{
			name: "drift within tolerance is left alone",
			setup: func() (models.Account, models.Subscription) {
				return pair(models.StatusActive, future, models.TimePtr(future.Add(23*time.Hour)))
			},
			wantOutcome: OutcomeNoOp,
			wantStatus:  models.StatusActive,
			wantAccount: models.AccountActive,
			check: func(t *testing.T, res Result) {
				assert.False(t, res.DriftCorrected)
				assert.False(t, res.SubscriptionChanged)
			},
		},
		{
			name: "zero day count on unexpired date is skipped",
			setup: func() (models.Account, models.Subscription) {
				return pair(models.StatusActive, now, models.TimePtr(now))
			},
			wantOutcome: OutcomeSkipped,
			wantStatus:  models.StatusActive,
			wantAccount: models.AccountActive,
			check: func(t *testing.T, res Result) {
				assert.Equal(t, 0, res.SubscriptionDays)
				assert.False(t, res.SubscriptionChanged)
			},
		},
		{
			name: "anomaly on account date alone is skipped",
			setup: func() (models.Account, models.Subscription) {
				return pair(models.StatusActive, now.Add(-time.Hour), models.TimePtr(now))
			},
			wantOutcome: OutcomeSkipped,
			wantStatus:  models.StatusActive,
			wantAccount: models.AccountActive,
		},
		{
			name: "pending is ignored",
			setup: func() (models.Account, models.Subscription) {
				return pair(models.StatusPending, past, models.TimePtr(past))
			},
			wantOutcome: OutcomeNoOp,
			wantStatus:  models.StatusPending,
			wantAccount: models.AccountActive,
		},
		{
			name: "cancelled is terminal",
			setup: func() (models.Account, models.Subscription) {
				return pair(models.StatusCancelled, now.Add(-30*day), models.TimePtr(now.Add(-30*day)))
			},
			wantOutcome: OutcomeNoOp,
			wantStatus:  models.StatusCancelled,
			wantAccount: models.AccountActive,
		},
		{
			name: "trial plan is left to trial expiration",
			setup: func() (models.Account, models.Subscription) {
				acc, sub := pair(models.StatusActive, past, models.TimePtr(past))
				sub.Plan = models.PlanTrial
				return acc, sub
			},
			wantOutcome: OutcomeNoOp,
			wantStatus:  models.StatusActive,
			wantAccount: models.AccountActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, sub := tt.setup()
			res := Evaluate(acc, sub, now, p)

			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantStatus, res.Subscription.Status)
			assert.Equal(t, tt.wantAccount, res.Account.SubscriptionStatus)
			assert.Equal(t, tt.trulyExpired, res.TrulyExpired)
			if tt.check != nil {
				tt.check(t, res)
			}
		})
	}
}

func TestEvaluate_PureAndConvergent(t *testing.T) {
	p := DefaultPolicy()
	acc, sub := pair(models.StatusActive, now.Add(-time.Second), models.TimePtr(now.Add(-time.Second)))
	accBefore, subBefore := acc.Clone(), sub.Clone()

	first := Evaluate(acc, sub, now, p)
	second := Evaluate(acc, sub, now, p)

	assert.Equal(t, first, second)
	assert.Equal(t, accBefore, acc, "input account must not change")
	assert.Equal(t, subBefore, sub, "input subscription must not change")

	// повторная оценка сохранённого результата в тот же момент ничего не меняет
	again := Evaluate(first.Account, first.Subscription, now, p)
	assert.Equal(t, OutcomeNoOp, again.Outcome)
	assert.False(t, again.SubscriptionChanged)
	assert.False(t, again.AccountChanged)
}

func TestApplyPayment(t *testing.T) {
	p := DefaultPolicy()
	end := now.Add(-3 * day)
	_, sub := pair(models.StatusExpired, end, nil)
	sub.GracePeriodEnd = models.TimePtr(now.Add(4 * day))

	rec := models.PaymentRecord{TxHash: "0xabc", Amount: 99, Network: "trc20", Timestamp: now, Verified: true}

	require.True(t, ApplyPayment(&sub, rec, p))
	assert.Equal(t, end.Add(30*day), sub.EndDate)
	assert.Equal(t, end.Add(31*day), sub.NextPaymentDue)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Nil(t, sub.GracePeriodEnd)
	assert.Len(t, sub.PaymentHistory, 1)

	// та же транзакция второй раз не продлевает подписку
	assert.False(t, ApplyPayment(&sub, rec, p))
	assert.Equal(t, end.Add(30*day), sub.EndDate)
	assert.Len(t, sub.PaymentHistory, 1)

	rec.TxHash = "0xdef"
	require.True(t, ApplyPayment(&sub, rec, p))
	assert.Equal(t, end.Add(60*day), sub.EndDate)
	assert.Equal(t, "0xabc", sub.PaymentHistory[0].TxHash)
	assert.Equal(t, "0xdef", sub.PaymentHistory[1].TxHash)
}

func TestApplyPayment_PendingStartsFromPayment(t *testing.T) {
	p := DefaultPolicy()
	created := now.Add(-10 * day)
	sub := models.Subscription{Status: models.StatusPending, StartDate: created, EndDate: created, NextPaymentDue: created}

	paidAt := now
	require.True(t, ApplyPayment(&sub, models.PaymentRecord{TxHash: "0x1", Timestamp: paidAt}, p))
	assert.Equal(t, paidAt, sub.StartDate)
	assert.Equal(t, paidAt.Add(30*day), sub.EndDate)
	assert.Equal(t, models.StatusActive, sub.Status)
}

func TestCancel_Idempotent(t *testing.T) {
	_, sub := pair(models.StatusActive, now.Add(10*day), nil)

	require.True(t, Cancel(&sub, now))
	once := sub.Clone()

	assert.False(t, Cancel(&sub, now.Add(time.Hour)))
	assert.Equal(t, once, sub)
	assert.Equal(t, models.StatusCancelled, sub.Status)
	assert.False(t, sub.AutoRenewal)
	assert.Equal(t, now, *sub.CancellationDate)
}

func TestDaysUntil(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want int
	}{
		{name: "exact days", t: now.Add(2 * day), want: 2},
		{name: "partial day rounds up", t: now.Add(25 * time.Hour), want: 2},
		{name: "one second ahead", t: now.Add(time.Second), want: 1},
		{name: "same moment", t: now, want: 0},
		{name: "in the past", t: now.Add(-36 * time.Hour), want: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DaysUntil(tt.t, now))
		})
	}
	assert.Equal(t, 0, DaysRemaining(now.Add(-48*time.Hour), now))
}

func TestIsActive(t *testing.T) {
	_, sub := pair(models.StatusActive, now.Add(time.Minute), nil)
	assert.True(t, IsActive(sub, now))
	assert.False(t, IsActive(sub, now.Add(time.Hour)))
	sub.Status = models.StatusExpired
	assert.False(t, IsActive(sub, now))
}
