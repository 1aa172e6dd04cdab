// Package trial выдаёт пробный период после подтверждения email и переводит
// истёкшие пробные периоды в inactive с уведомлением пользователя.
package trial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
)

// Repository операции хранилища, нужные пробному периоду.
type Repository interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetCurrentSubscription(ctx context.Context, accountID string) (*models.Subscription, error)
	ClaimFreeTrial(ctx context.Context, accountID string, start, end time.Time) (bool, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	FindExpiredTrials(ctx context.Context, now time.Time) ([]*models.Account, error)
	CompareAndSetAccountStatus(ctx context.Context, accountID string, from, to models.AccountStatus) (bool, error)
	ExpireTrialSubscription(ctx context.Context, accountID string) (int64, error)
}

// Notifier отправляет уведомление об окончании пробного периода.
type Notifier interface {
	TrialExpired(ctx context.Context, msg models.TrialExpiredMessage) error
}

// Recorder принимает метрики пробных периодов.
type Recorder interface {
	TrialExpired()
	NotificationFailed()
}

// Options параметры пробного периода.
type Options struct {
	TrialDuration time.Duration
	RecordTimeout time.Duration
	NotifyTimeout time.Duration
	Now           func() time.Time
}

// Service выдача и истечение пробных периодов. recorder может быть nil.
type Service struct {
	repo     Repository
	notifier Notifier
	recorder Recorder
	opts     Options
	log      *slog.Logger

	notifications sync.WaitGroup
}

// NewService создаёт Service.
func NewService(repo Repository, notifier Notifier, recorder Recorder, opts Options, log *slog.Logger) *Service {
	if opts.TrialDuration <= 0 {
		opts.TrialDuration = time.Hour
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 10 * time.Second
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		recorder: recorder,
		opts:     opts,
		log:      log,
	}
}

// trialNamespace пространство имён для идентификаторов пробных подписок.
var trialNamespace = uuid.MustParse("6f1c2a4e-8d3b-4f7a-9c15-2b7e0d9a4c61")

// trialSubscriptionID у аккаунта может быть только одна пробная подписка,
// поэтому её идентификатор выводится из идентификатора аккаунта.
func trialSubscriptionID(accountID string) string {
	return uuid.NewSHA1(trialNamespace, []byte(accountID)).String()
}

// Issue выдаёт пробный период аккаунту, у которого нет подписки и пробный
// период ещё не использовался. В остальных случаях ничего не делает и возвращает false.
// Флаг hasUsedFreeTrial взводится атомарно до создания подписки, поэтому
// параллельные вызовы создают не больше одной пробной подписки.
// Если флаг уже взведён, а подписки нет (создание ранее не удалось),
// Issue достраивает подписку по сохранённым датам пробного периода.
func (s *Service) Issue(ctx context.Context, accountID string) (bool, error) {
	const op = "trial.Issue"
	log := s.log.With(slog.String("op", op), slog.String("account_id", accountID))

	acc, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	_, err = s.repo.GetCurrentSubscription(ctx, accountID)
	switch {
	case err == nil:
		log.Debug("account already has a subscription")
		return false, nil
	case !errors.Is(err, storage.ErrSubscriptionNotFound):
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if acc.HasUsedFreeTrial {
		if !claimedWithoutSubscription(acc) {
			log.Debug("free trial already used")
			return false, nil
		}
		log.Warn("resuming trial issuance after failed subscription create")
		return s.createTrialSubscription(ctx, log, accountID, *acc.FreeTrialStartDate, *acc.FreeTrialEndDate)
	}

	start := s.opts.Now()
	end := start.Add(s.opts.TrialDuration)
	claimed, err := s.repo.ClaimFreeTrial(ctx, accountID, start, end)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if !claimed {
		log.Debug("free trial claimed concurrently")
		return false, nil
	}
	return s.createTrialSubscription(ctx, log, accountID, start, end)
}

// claimedWithoutSubscription флаг взведён и аккаунт всё ещё в trial с датами
// пробного периода. Вызывается, когда подписки у аккаунта нет.
func claimedWithoutSubscription(acc *models.Account) bool {
	return acc.SubscriptionStatus == models.AccountTrial &&
		acc.FreeTrialStartDate != nil && acc.FreeTrialEndDate != nil
}

func (s *Service) createTrialSubscription(ctx context.Context, log *slog.Logger, accountID string, start, end time.Time) (bool, error) {
	const op = "trial.Issue"

	sub := &models.Subscription{
		ID:             trialSubscriptionID(accountID),
		AccountID:      accountID,
		Plan:           models.PlanTrial,
		Status:         models.StatusActive,
		StartDate:      start,
		EndDate:        end,
		NextPaymentDue: end,
		PaymentHistory: []models.PaymentRecord{},
		AutoRenewal:    false,
		MonthlyPrice:   0,
	}
	err := s.repo.CreateSubscription(ctx, sub)
	switch {
	case errors.Is(err, storage.ErrConflict):
		log.Debug("trial subscription created concurrently")
		return false, nil
	case err != nil:
		log.Error("trial claimed but subscription was not created", sl.Err(err))
		return false, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("free trial issued", slog.String("subscription_id", sub.ID), slog.Time("ends_at", end))
	return true, nil
}

// ExpireTrials переводит аккаунты с истёкшим пробным периодом в inactive,
// а их пробные подписки в expired, и ставит уведомление в фон.
// Возвращает число обработанных аккаунтов. Ошибка одной записи не прерывает проход.
func (s *Service) ExpireTrials(ctx context.Context) (int, error) {
	const op = "trial.ExpireTrials"
	log := s.log.With(slog.String("op", op))

	accounts, err := s.repo.FindExpiredTrials(ctx, s.opts.Now())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	expired := 0
	for _, acc := range accounts {
		if ctx.Err() != nil {
			log.Info("trial expiration interrupted", slog.Int("expired", expired))
			return expired, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if s.expireOne(ctx, log, acc) {
			expired++
		}
	}
	if expired > 0 {
		log.Info("trials expired", slog.Int("count", expired))
	}
	return expired, nil
}

func (s *Service) expireOne(parent context.Context, log *slog.Logger, acc *models.Account) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.opts.RecordTimeout)
	defer cancel()

	log = log.With(slog.String("account_id", acc.ID))

	// Подписка гасится первой: пока аккаунт в trial, следующий проход
	// повторит обе операции, если одна из них не удалась.
	n, err := s.repo.ExpireTrialSubscription(ctx, acc.ID)
	if err != nil {
		log.Error("failed to expire trial subscription", sl.Err(err))
		return false
	}
	notify := true
	if n == 0 {
		_, err := s.repo.GetCurrentSubscription(ctx, acc.ID)
		switch {
		case errors.Is(err, storage.ErrSubscriptionNotFound):
			log.Warn("trial account has no subscription, deactivating without notification")
			notify = false
		case err != nil:
			log.Error("failed to read trial subscription", sl.Err(err))
			return false
		}
	}

	changed, err := s.repo.CompareAndSetAccountStatus(ctx, acc.ID, models.AccountTrial, models.AccountInactive)
	if err != nil {
		log.Error("failed to deactivate trial account", sl.Err(err))
		return false
	}
	if !changed {
		log.Debug("trial already handled")
		return false
	}
	if s.recorder != nil {
		s.recorder.TrialExpired()
	}
	if !notify {
		return true
	}

	s.notify(log, models.TrialExpiredMessage{
		AccountID: acc.ID,
		Email:     acc.Email,
		FirstName: acc.FirstName(),
	})
	return true
}

// notify отправляет уведомление в отдельной горутине с собственным таймаутом.
func (s *Service) notify(log *slog.Logger, msg models.TrialExpiredMessage) {
	if s.notifier == nil {
		return
	}
	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.NotifyTimeout)
		defer cancel()
		if err := s.notifier.TrialExpired(ctx, msg); err != nil {
			log.Error("failed to send trial expiration notification", sl.Err(err))
			if s.recorder != nil {
				s.recorder.NotificationFailed()
			}
		}
	}()
}

// Wait ждёт завершения фоновых уведомлений.
func (s *Service) Wait() {
	s.notifications.Wait()
}
