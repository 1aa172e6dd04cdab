package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
)

const subscriptionColumns = `id, account_id, plan, status, start_date, end_date, next_payment_due,
	grace_period_end, cancellation_date, payment_history, auto_renewal, monthly_price,
	created_at, updated_at, version`

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub                models.Subscription
		plan, status       string
		grace, cancelledAt sql.NullTime
		history            []byte
	)
	if err := row.Scan(&sub.ID, &sub.AccountID, &plan, &status, &sub.StartDate, &sub.EndDate, &sub.NextPaymentDue,
		&grace, &cancelledAt, &history, &sub.AutoRenewal, &sub.MonthlyPrice,
		&sub.CreatedAt, &sub.UpdatedAt, &sub.Version); err != nil {
		return nil, err
	}
	sub.Plan = models.Plan(plan)
	sub.Status = models.SubscriptionStatus(status)
	sub.GracePeriodEnd = nullTime(grace)
	sub.CancellationDate = nullTime(cancelledAt)
	sub.StartDate = sub.StartDate.UTC()
	sub.EndDate = sub.EndDate.UTC()
	sub.NextPaymentDue = sub.NextPaymentDue.UTC()
	sub.PaymentHistory = []models.PaymentRecord{}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &sub.PaymentHistory); err != nil {
			return nil, fmt.Errorf("decode payment history: %w", err)
		}
	}
	return &sub, nil
}

func encodeHistory(history []models.PaymentRecord) ([]byte, error) {
	if history == nil {
		history = []models.PaymentRecord{}
	}
	return json.Marshal(history)
}

// CreateSubscription сохраняет новую подписку.
func (s *Storage) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	const op = "storage.postgres.CreateSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.PaymentHistory == nil {
		sub.PaymentHistory = []models.PaymentRecord{}
	}
	history, err := encodeHistory(sub.PaymentHistory)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `INSERT INTO subscriptions (id, account_id, plan, status, start_date, end_date, next_payment_due,
			      grace_period_end, cancellation_date, payment_history, auto_renewal, monthly_price)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			  RETURNING created_at, updated_at, version`
	err = s.DB.QueryRowContext(ctx, query,
		sub.ID, sub.AccountID, string(sub.Plan), string(sub.Status), sub.StartDate, sub.EndDate, sub.NextPaymentDue,
		sub.GracePeriodEnd, sub.CancellationDate, history, sub.AutoRenewal, sub.MonthlyPrice,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt, &sub.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrConflict)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetSubscription возвращает подписку по идентификатору.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	const op = "storage.postgres.GetSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrSubscriptionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// GetCurrentSubscription возвращает последнюю созданную подписку аккаунта.
func (s *Storage) GetCurrentSubscription(ctx context.Context, accountID string) (*models.Subscription, error) {
	const op = "storage.postgres.GetCurrentSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	query := `SELECT ` + subscriptionColumns + `
			  FROM subscriptions
			  WHERE account_id = $1
			  ORDER BY created_at DESC, id DESC
			  LIMIT 1`
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, query, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrSubscriptionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// FindSubscriptionsByStatus возвращает подписки в одном из перечисленных статусов.
func (s *Storage) FindSubscriptionsByStatus(ctx context.Context, statuses ...models.SubscriptionStatus) ([]*models.Subscription, error) {
	const op = "storage.postgres.FindSubscriptionsByStatus"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	values := make([]string, 0, len(statuses))
	for _, st := range statuses {
		values = append(values, string(st))
	}

	query := `SELECT ` + subscriptionColumns + `
			  FROM subscriptions
			  WHERE status = ANY($1)
			  ORDER BY created_at`
	rows, err := s.DB.QueryContext(ctx, query, values)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	result := make([]*models.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, sub)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// UpdateSubscription сохраняет подписку, если её версия не изменилась с момента чтения.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	const op = "storage.postgres.UpdateSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	history, err := encodeHistory(sub.PaymentHistory)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `UPDATE subscriptions
			  SET plan = $3, status = $4, start_date = $5, end_date = $6, next_payment_due = $7,
			      grace_period_end = $8, cancellation_date = $9, payment_history = $10,
			      auto_renewal = $11, monthly_price = $12,
			      updated_at = now(), version = version + 1
			  WHERE id = $1 AND version = $2
			  RETURNING updated_at, version`
	err = s.DB.QueryRowContext(ctx, query,
		sub.ID, sub.Version,
		string(sub.Plan), string(sub.Status), sub.StartDate, sub.EndDate, sub.NextPaymentDue,
		sub.GracePeriodEnd, sub.CancellationDate, history,
		sub.AutoRenewal, sub.MonthlyPrice,
	).Scan(&sub.UpdatedAt, &sub.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, s.missingOrConflict(ctx, "subscriptions", sub.ID, storage.ErrSubscriptionNotFound))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ExpireTrialSubscription переводит активные пробные подписки аккаунта в expired.
func (s *Storage) ExpireTrialSubscription(ctx context.Context, accountID string) (int64, error) {
	const op = "storage.postgres.ExpireTrialSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return 0, err
	}
	query := `UPDATE subscriptions
			  SET status = $2, updated_at = now(), version = version + 1
			  WHERE account_id = $1 AND plan = $3 AND status = $4`
	res, err := s.DB.ExecContext(ctx, query, accountID,
		string(models.StatusExpired), string(models.PlanTrial), string(models.StatusActive))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// CountSubscriptionsByStatus возвращает количество подписок по каждому статусу.
func (s *Storage) CountSubscriptionsByStatus(ctx context.Context) (map[models.SubscriptionStatus]int64, error) {
	const op = "storage.postgres.CountSubscriptionsByStatus"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[models.SubscriptionStatus]int64, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		counts[models.SubscriptionStatus(status)] = n
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return counts, nil
}
