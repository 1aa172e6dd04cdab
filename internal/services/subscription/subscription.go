// Package subscription содержит пользовательские и административные операции над
// подписками: статус, оформление, отмену, подтверждение платежа, ручную сверку и статистику.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/trading-subscriptions/internal/lifecycle"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/services/reconcile"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
)

var (
	ErrSubscriptionExists    = errors.New("subscription already exists")
	ErrSubscriptionCancelled = errors.New("subscription is cancelled")
	ErrPaymentNotApplicable  = errors.New("payment cannot be applied to a trial subscription")
	ErrInvalidPlan           = errors.New("unknown or non-purchasable plan")
	ErrInvalidPayment        = errors.New("payment must have a transaction reference and a positive amount")
)

const conflictRetries = 3

// Repository операции хранилища, нужные сервису подписок.
type Repository interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	UpdateAccount(ctx context.Context, acc *models.Account) error
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetCurrentSubscription(ctx context.Context, accountID string) (*models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	CountSubscriptionsByStatus(ctx context.Context) (map[models.SubscriptionStatus]int64, error)
}

// Sweeper запускает проход сверки.
type Sweeper interface {
	RunSweep(ctx context.Context, trigger string) (models.SweepSummary, error)
}

// Options параметры сервиса.
type Options struct {
	Policy       lifecycle.Policy
	PremiumPrice float64
	BasicPrice   float64
	Now          func() time.Time
}

// Service реализует операции над подписками.
type Service struct {
	repo    Repository
	sweeper Sweeper
	opts    Options
	log     *slog.Logger
}

// NewService создаёт Service.
func NewService(repo Repository, sweeper Sweeper, opts Options, log *slog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{repo: repo, sweeper: sweeper, opts: opts, log: log}
}

// Status возвращает текущую подписку аккаунта с вычисленными полями.
// Отсутствие подписки не является ошибкой.
func (s *Service) Status(ctx context.Context, accountID string) (models.SubscriptionView, error) {
	const op = "subscription.Status"

	sub, err := s.repo.GetCurrentSubscription(ctx, accountID)
	if errors.Is(err, storage.ErrSubscriptionNotFound) {
		return models.SubscriptionView{HasSubscription: false}, nil
	}
	if err != nil {
		return models.SubscriptionView{}, fmt.Errorf("%s: %w", op, err)
	}

	now := s.opts.Now()
	view := models.SubscriptionView{
		HasSubscription: true,
		Subscription:    sub,
		IsActive:        lifecycle.IsActive(*sub, now),
		DaysRemaining:   lifecycle.DaysRemaining(sub.EndDate, now),
	}
	if sub.Status == models.StatusExpired && sub.GracePeriodEnd != nil {
		days := lifecycle.DaysRemaining(*sub.GracePeriodEnd, now)
		view.GracePeriodRemaining = &days
	}
	return view, nil
}

// Subscribe оформляет подписку в статусе pending до первого платежа.
// Пробная или отменённая текущая подписка не мешает оформлению.
// EndDate новой подписки служит заглушкой: первый платёж отсчитывает период от своей даты.
func (s *Service) Subscribe(ctx context.Context, accountID string, plan models.Plan) (*models.Subscription, error) {
	const op = "subscription.Subscribe"

	price, ok := s.price(plan)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidPlan)
	}
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	current, err := s.repo.GetCurrentSubscription(ctx, accountID)
	switch {
	case err == nil:
		if current.Plan != models.PlanTrial && current.Status != models.StatusCancelled {
			return nil, fmt.Errorf("%s: %w", op, ErrSubscriptionExists)
		}
	case !errors.Is(err, storage.ErrSubscriptionNotFound):
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.opts.Now()
	sub := &models.Subscription{
		AccountID:      accountID,
		Plan:           plan,
		Status:         models.StatusPending,
		StartDate:      now,
		EndDate:        now,
		NextPaymentDue: now,
		PaymentHistory: []models.PaymentRecord{},
		AutoRenewal:    true,
		MonthlyPrice:   price,
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("subscription created", slog.String("account_id", accountID),
		slog.String("subscription_id", sub.ID), slog.String("plan", string(plan)))
	return sub, nil
}

func (s *Service) price(plan models.Plan) (float64, bool) {
	switch plan {
	case models.PlanPremium:
		return s.opts.PremiumPrice, true
	case models.PlanBasic:
		return s.opts.BasicPrice, true
	}
	return 0, false
}

// Cancel отменяет текущую подписку аккаунта. Повторная отмена не меняет состояние.
func (s *Service) Cancel(ctx context.Context, accountID string) (*models.Subscription, error) {
	const op = "subscription.Cancel"

	var (
		sub     *models.Subscription
		changed bool
	)
	err := retryOnConflict(func() error {
		var err error
		sub, err = s.repo.GetCurrentSubscription(ctx, accountID)
		if err != nil {
			return err
		}
		changed = lifecycle.Cancel(sub, s.opts.Now())
		if !changed {
			return nil
		}
		return s.repo.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !changed {
		return sub, nil
	}

	if err := s.mirrorAccount(ctx, accountID, func(acc *models.Account) bool {
		if acc.SubscriptionStatus == models.AccountInactive {
			return false
		}
		acc.SubscriptionStatus = models.AccountInactive
		return true
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("subscription cancelled", slog.String("account_id", accountID), slog.String("subscription_id", sub.ID))
	return sub, nil
}

// ApplyPayment применяет подтверждённый платёж к текущей платной подписке и
// продлевает её. Платёж с уже учтённой ссылкой на транзакцию ничего не меняет,
// в этом случае второй результат false.
func (s *Service) ApplyPayment(ctx context.Context, accountID string, rec models.PaymentRecord) (*models.Subscription, bool, error) {
	const op = "subscription.ApplyPayment"

	if rec.TxHash == "" || rec.Amount <= 0 {
		return nil, false, fmt.Errorf("%s: %w", op, ErrInvalidPayment)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.opts.Now()
	}
	rec.Verified = true

	var (
		sub     *models.Subscription
		applied bool
	)
	err := retryOnConflict(func() error {
		var err error
		sub, err = s.repo.GetCurrentSubscription(ctx, accountID)
		if err != nil {
			return err
		}
		switch {
		case sub.Plan == models.PlanTrial:
			return ErrPaymentNotApplicable
		case sub.IsTerminal():
			return ErrSubscriptionCancelled
		}
		applied = lifecycle.ApplyPayment(sub, rec, s.opts.Policy)
		if !applied {
			return nil
		}
		return s.repo.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	if !applied {
		s.log.Info("duplicate payment ignored", slog.String("account_id", accountID), slog.String("tx_hash", rec.TxHash))
		return sub, false, nil
	}

	start, end := sub.StartDate, sub.EndDate
	if err := s.mirrorAccount(ctx, accountID, func(acc *models.Account) bool {
		acc.SubscriptionStatus = models.AccountActive
		if acc.SubscriptionStartDate == nil {
			acc.SubscriptionStartDate = models.TimePtr(start)
		}
		acc.SubscriptionEndDate = models.TimePtr(end)
		return true
	}); err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("payment applied",
		slog.String("account_id", accountID),
		slog.String("subscription_id", sub.ID),
		slog.String("tx_hash", rec.TxHash),
		slog.Time("end_date", sub.EndDate),
	)
	return sub, true, nil
}

// ManualReconcile синхронно выполняет проход сверки и возвращает его итог
// вместе с количеством подписок по статусам.
func (s *Service) ManualReconcile(ctx context.Context) (models.ReconcileReport, error) {
	const op = "subscription.ManualReconcile"

	summary, err := s.sweeper.RunSweep(ctx, reconcile.TriggerManual)
	if err != nil {
		return models.ReconcileReport{}, fmt.Errorf("%s: %w", op, err)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		return models.ReconcileReport{}, fmt.Errorf("%s: %w", op, err)
	}
	return models.ReconcileReport{Summary: summary, Stats: stats}, nil
}

// Stats возвращает количество подписок по статусам.
func (s *Service) Stats(ctx context.Context) (map[models.SubscriptionStatus]int64, error) {
	const op = "subscription.Stats"
	stats, err := s.repo.CountSubscriptionsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return stats, nil
}

// mirrorAccount перечитывает аккаунт и применяет к нему mutate, повторяя при конфликте версий.
func (s *Service) mirrorAccount(ctx context.Context, accountID string, mutate func(acc *models.Account) bool) error {
	return retryOnConflict(func() error {
		acc, err := s.repo.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if !mutate(acc) {
			return nil
		}
		return s.repo.UpdateAccount(ctx, acc)
	})
}

func retryOnConflict(fn func() error) error {
	var err error
	for range conflictRetries {
		if err = fn(); !errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	return err
}
