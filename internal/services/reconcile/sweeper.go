// Package reconcile содержит проход сверки подписок: для каждой подписки в
// статусе active или expired читает её аккаунт, применяет lifecycle.Evaluate и
// сохраняет изменения. Проходы могут выполняться одновременно; запись сохраняется
// только если её версия не изменилась с момента чтения.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/sl"
	"github.com/magabrotheeeer/trading-subscriptions/internal/lifecycle"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
)

// Источники запуска прохода.
const (
	TriggerHourly = "hourly"
	TriggerDaily  = "daily"
	TriggerManual = "manual"
	TriggerCLI    = "cli"
)

// Исходы обработки одной записи для метрик.
const (
	outcomeNoOp         = "noop"
	outcomeGraceStarted = "grace_started"
	outcomeCancelled    = "cancelled"
	outcomeSkipped      = "skipped"
	outcomeFailed       = "failed"
	outcomeConflict     = "conflict"
)

const accountMirrorAttempts = 3

// Repository операции хранилища, нужные проходу сверки.
type Repository interface {
	FindSubscriptionsByStatus(ctx context.Context, statuses ...models.SubscriptionStatus) ([]*models.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	UpdateAccount(ctx context.Context, acc *models.Account) error
}

// SkipTracker считает подряд идущие пропуски одной подписки.
type SkipTracker interface {
	Incr(ctx context.Context, subscriptionID string) (int64, error)
	Reset(ctx context.Context, subscriptionID string) error
}

// Recorder принимает метрики прохода.
type Recorder interface {
	SweepFinished(sweep string, d time.Duration, err error)
	RecordOutcome(sweep, outcome string)
	RepeatedSkip()
}

// Options параметры прохода.
type Options struct {
	Policy             lifecycle.Policy
	RecordTimeout      time.Duration
	SkipAlertThreshold int
	Now                func() time.Time
}

// Sweeper выполняет проходы сверки. skips и recorder могут быть nil.
type Sweeper struct {
	repo     Repository
	skips    SkipTracker
	recorder Recorder
	opts     Options
	log      *slog.Logger
}

// NewSweeper создаёт Sweeper.
func NewSweeper(repo Repository, skips SkipTracker, recorder Recorder, opts Options, log *slog.Logger) *Sweeper {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 10 * time.Second
	}
	return &Sweeper{
		repo:     repo,
		skips:    skips,
		recorder: recorder,
		opts:     opts,
		log:      log,
	}
}

// RunSweep выполняет один проход. Ошибка получения списка подписок прерывает
// проход целиком. Ошибки отдельных записей учитываются в итоге и не прерывают его.
// После отмены ctx новые записи не начинаются, текущая дорабатывается.
func (s *Sweeper) RunSweep(ctx context.Context, trigger string) (models.SweepSummary, error) {
	const op = "reconcile.RunSweep"
	log := s.log.With(slog.String("op", op), slog.String("trigger", trigger))

	summary := models.SweepSummary{Trigger: trigger, StartedAt: s.opts.Now()}
	started := time.Now()

	subs, err := s.repo.FindSubscriptionsByStatus(ctx, models.StatusActive, models.StatusExpired)
	if err != nil {
		err = fmt.Errorf("%s: %w", op, err)
		s.finished(trigger, started, err)
		return models.SweepSummary{Trigger: trigger, StartedAt: summary.StartedAt, FinishedAt: s.opts.Now()}, err
	}

	for _, listed := range subs {
		if ctx.Err() != nil {
			summary.FinishedAt = s.opts.Now()
			err = fmt.Errorf("%s: %w", op, ctx.Err())
			log.Info("sweep interrupted", slog.Int("processed", summary.Processed), slog.Int("total", len(subs)))
			s.finished(trigger, started, err)
			return summary, err
		}
		summary.Processed++
		outcome := s.processRecord(ctx, log, listed.ID, &summary)
		if s.recorder != nil {
			s.recorder.RecordOutcome(trigger, outcome)
		}
	}

	summary.FinishedAt = s.opts.Now()
	log.Info("sweep finished",
		slog.Int("processed", summary.Processed),
		slog.Int("expired", summary.Expired),
		slog.Int("grace_started", summary.GraceStarted),
		slog.Int("cancelled", summary.Cancelled),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Int("healed", summary.Healed),
		sl.Duration("took", time.Since(started).Milliseconds()),
	)
	s.finished(trigger, started, nil)
	return summary, nil
}

func (s *Sweeper) finished(trigger string, started time.Time, err error) {
	if s.recorder != nil {
		s.recorder.SweepFinished(trigger, time.Since(started), err)
	}
}

// processRecord обрабатывает одну подписку и обновляет итог.
// Запись дорабатывается даже после отмены родительского контекста.
func (s *Sweeper) processRecord(parent context.Context, log *slog.Logger, subscriptionID string, summary *models.SweepSummary) string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.opts.RecordTimeout)
	defer cancel()

	log = log.With(slog.String("subscription_id", subscriptionID))

	sub, err := s.repo.GetSubscription(ctx, subscriptionID)
	if err != nil {
		log.Error("failed to read subscription", sl.Err(err))
		summary.Failed++
		return outcomeFailed
	}
	log = log.With(slog.String("account_id", sub.AccountID))

	acc, err := s.repo.GetAccount(ctx, sub.AccountID)
	if errors.Is(err, storage.ErrAccountNotFound) {
		log.Warn("owning account is missing, skipping")
		summary.Skipped++
		s.trackSkip(ctx, log, sub.ID)
		return outcomeSkipped
	}
	if err != nil {
		log.Error("failed to read account", sl.Err(err))
		summary.Failed++
		return outcomeFailed
	}

	now := s.opts.Now()
	res := lifecycle.Evaluate(*acc, *sub, now, s.opts.Policy)

	if res.Outcome == lifecycle.OutcomeSkipped {
		attrs := []any{
			slog.String("reason", res.Reason),
			slog.Time("subscription_end", res.Subscription.EndDate),
			slog.Int("subscription_days", res.SubscriptionDays),
			slog.Int("account_days", res.AccountDays),
			slog.Time("now", now),
		}
		if res.Account.SubscriptionEndDate != nil {
			attrs = append(attrs, slog.Time("account_end", *res.Account.SubscriptionEndDate))
		}
		log.Warn("anomalous record skipped", attrs...)
		summary.Skipped++
		s.trackSkip(ctx, log, sub.ID)
		return outcomeSkipped
	}
	s.resetSkips(ctx, log, sub.ID)

	if err := s.persist(ctx, log, res); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			log.Info("record changed concurrently, leaving it to the writer", sl.Err(err))
			return outcomeConflict
		}
		log.Error("failed to save record", sl.Err(err))
		summary.Failed++
		return outcomeFailed
	}

	if res.DriftCorrected {
		summary.Healed++
		log.Info("end date drift corrected", slog.Time("end_date", res.Subscription.EndDate))
	}
	if res.TrulyExpired {
		summary.Expired++
	}
	switch res.Outcome {
	case lifecycle.OutcomeGraceStarted:
		summary.GraceStarted++
		log.Info("grace period started", slog.Time("grace_period_end", *res.Subscription.GracePeriodEnd))
		return outcomeGraceStarted
	case lifecycle.OutcomeCancelled:
		summary.Cancelled++
		log.Info("subscription cancelled after grace period")
		return outcomeCancelled
	}
	return outcomeNoOp
}

// persist сохраняет сначала подписку, затем аккаунт. Конфликт при сохранении
// подписки означает, что запись уже обработал другой проход. Аккаунт при
// конфликте перечитывается и получает только зеркальные поля.
func (s *Sweeper) persist(ctx context.Context, log *slog.Logger, res lifecycle.Result) error {
	if res.SubscriptionChanged {
		sub := res.Subscription
		if err := s.repo.UpdateSubscription(ctx, &sub); err != nil {
			return err
		}
	}
	if !res.AccountChanged {
		return nil
	}

	acc := res.Account
	for attempt := 1; ; attempt++ {
		err := s.repo.UpdateAccount(ctx, &acc)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt == accountMirrorAttempts {
			return err
		}
		log.Debug("account changed concurrently, retrying mirror", slog.Int("attempt", attempt))
		fresh, err := s.repo.GetAccount(ctx, acc.ID)
		if err != nil {
			return err
		}
		fresh.SubscriptionStatus = res.Account.SubscriptionStatus
		fresh.SubscriptionEndDate = res.Account.SubscriptionEndDate
		acc = *fresh
	}
}

func (s *Sweeper) trackSkip(ctx context.Context, log *slog.Logger, subscriptionID string) {
	if s.skips == nil {
		return
	}
	n, err := s.skips.Incr(ctx, subscriptionID)
	if err != nil {
		log.Warn("failed to track skip", sl.Err(err))
		return
	}
	if s.opts.SkipAlertThreshold > 0 && n >= int64(s.opts.SkipAlertThreshold) {
		log.Warn("subscription skipped repeatedly, needs manual review", slog.Int64("consecutive_skips", n))
		if s.recorder != nil {
			s.recorder.RepeatedSkip()
		}
	}
}

func (s *Sweeper) resetSkips(ctx context.Context, log *slog.Logger, subscriptionID string) {
	if s.skips == nil {
		return
	}
	if err := s.skips.Reset(ctx, subscriptionID); err != nil {
		log.Debug("failed to reset skip counter", sl.Err(err))
	}
}
