package models

import "time"

// SweepSummary итог одного прохода сверки подписок.
type SweepSummary struct {
	Trigger      string    `json:"trigger"`
	Processed    int       `json:"processed"`
	Expired      int       `json:"expired"`
	GraceStarted int       `json:"graceStarted"`
	Cancelled    int       `json:"cancelled"`
	Skipped      int       `json:"skipped"`
	Failed       int       `json:"failed"`
	Healed       int       `json:"healed"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// ReconcileReport ответ ручной сверки: итог прохода и количество подписок по статусам.
type ReconcileReport struct {
	Summary SweepSummary                 `json:"summary"`
	Stats   map[SubscriptionStatus]int64 `json:"stats"`
}

// SubscriptionView подписка с вычисленными полями для ответа о статусе.
type SubscriptionView struct {
	HasSubscription      bool          `json:"hasSubscription"`
	Subscription         *Subscription `json:"subscription,omitempty"`
	IsActive             bool          `json:"isActive"`
	DaysRemaining        int           `json:"daysRemaining"`
	GracePeriodRemaining *int          `json:"gracePeriodRemaining,omitempty"`
}
