package lifecycle

import (
	"time"

	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
)

// Outcome результат оценки пары аккаунт/подписка.
type Outcome string

const (
	OutcomeNoOp         Outcome = "noop"
	OutcomeGraceStarted Outcome = "grace_started"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeSkipped      Outcome = "skipped"
)

// Result содержит решение Evaluate и обновлённые копии записей.
// Флаги *Changed показывают, какие записи нужно сохранить.
type Result struct {
	Outcome             Outcome
	TrulyExpired        bool
	DriftCorrected      bool
	Account             models.Account
	Subscription        models.Subscription
	AccountChanged      bool
	SubscriptionChanged bool
	SubscriptionDays    int
	AccountDays         int
	Reason              string
}

// Evaluate решает, какой переход применим к подписке в момент now.
// Входные значения не изменяются; повторный вызов с теми же аргументами
// даёт тот же результат.
func Evaluate(acc models.Account, sub models.Subscription, now time.Time, p Policy) Result {
	res := Result{
		Outcome:      OutcomeNoOp,
		Account:      acc.Clone(),
		Subscription: sub.Clone(),
	}

	if sub.Plan == models.PlanTrial {
		res.Reason = "trial subscriptions are handled by trial expiration"
		return res
	}
	if sub.Status != models.StatusActive && sub.Status != models.StatusExpired {
		res.Reason = "status is not subject to reconciliation"
		return res
	}

	healDrift(&res, p.DriftTolerance)

	a := &res.Account
	s := &res.Subscription

	subExpired := now.After(s.EndDate)
	accExpired := a.SubscriptionEndDate == nil || now.After(*a.SubscriptionEndDate)

	res.SubscriptionDays = DaysUntil(s.EndDate, now)
	if a.SubscriptionEndDate != nil {
		res.AccountDays = DaysUntil(*a.SubscriptionEndDate, now)
	}

	if anomalous(res.SubscriptionDays, subExpired) ||
		(a.SubscriptionEndDate != nil && anomalous(res.AccountDays, accExpired)) {
		res.Outcome = OutcomeSkipped
		res.Reason = "day count disagrees with expiry flag"
		return res
	}

	res.TrulyExpired = subExpired && accExpired
	if !res.TrulyExpired {
		if subExpired {
			res.Reason = "account end date has not passed"
		}
		return res
	}

	switch s.Status {
	case models.StatusActive:
		openGrace(&res, now, p.GracePeriod)
	case models.StatusExpired:
		switch {
		case s.GracePeriodEnd == nil:
			openGrace(&res, now, p.GracePeriod)
		case now.After(*s.GracePeriodEnd):
			s.Status = models.StatusCancelled
			s.CancellationDate = models.TimePtr(now)
			s.AutoRenewal = false
			res.SubscriptionChanged = true
			setAccountStatus(&res, models.AccountInactive)
			res.Outcome = OutcomeCancelled
		default:
			setAccountStatus(&res, models.AccountExpired)
			res.Reason = "in grace period"
		}
	}
	return res
}

func healDrift(res *Result, tolerance time.Duration) {
	a := &res.Account
	s := &res.Subscription
	if a.SubscriptionEndDate == nil {
		return
	}
	diff := s.EndDate.Sub(*a.SubscriptionEndDate)
	if diff < 0 {
		diff = -diff
	}
	if diff <= tolerance {
		return
	}
	latest := s.EndDate
	if a.SubscriptionEndDate.After(latest) {
		latest = *a.SubscriptionEndDate
	}
	if !s.EndDate.Equal(latest) {
		s.EndDate = latest
		res.SubscriptionChanged = true
	}
	if !a.SubscriptionEndDate.Equal(latest) {
		a.SubscriptionEndDate = models.TimePtr(latest)
		res.AccountChanged = true
	}
	res.DriftCorrected = true
}

// anomalous: день окончания неположителен при неистёкшей дате или наоборот.
func anomalous(days int, expired bool) bool {
	return (days <= 0 && !expired) || (days > 0 && expired)
}

func openGrace(res *Result, now time.Time, grace time.Duration) {
	res.Subscription.Status = models.StatusExpired
	res.Subscription.GracePeriodEnd = models.TimePtr(now.Add(grace))
	res.SubscriptionChanged = true
	setAccountStatus(res, models.AccountExpired)
	res.Outcome = OutcomeGraceStarted
}

func setAccountStatus(res *Result, status models.AccountStatus) {
	if res.Account.SubscriptionStatus == status {
		return
	}
	res.Account.SubscriptionStatus = status
	res.AccountChanged = true
}
