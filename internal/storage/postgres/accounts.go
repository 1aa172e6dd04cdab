package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
)

const accountColumns = `id, email, display_name, password_hash, role, email_verified,
	verification_token, subscription_status, subscription_start_date, subscription_end_date,
	has_used_free_trial, free_trial_start_date, free_trial_end_date, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		a                    models.Account
		token                sql.NullString
		subStart, subEnd     sql.NullTime
		trialStart, trialEnd sql.NullTime
		status               string
	)
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.Role, &a.EmailVerified,
		&token, &status, &subStart, &subEnd,
		&a.HasUsedFreeTrial, &trialStart, &trialEnd, &a.CreatedAt, &a.UpdatedAt, &a.Version); err != nil {
		return nil, err
	}
	a.VerificationToken = token.String
	a.SubscriptionStatus = models.AccountStatus(status)
	a.SubscriptionStartDate = nullTime(subStart)
	a.SubscriptionEndDate = nullTime(subEnd)
	a.FreeTrialStartDate = nullTime(trialStart)
	a.FreeTrialEndDate = nullTime(trialEnd)
	return &a, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// CreateAccount сохраняет новый аккаунт. Email приводится к нижнему регистру.
func (s *Storage) CreateAccount(ctx context.Context, acc *models.Account) error {
	const op = "storage.postgres.CreateAccount"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	acc.Email = models.NormalizeEmail(acc.Email)

	query := `INSERT INTO accounts (id, email, display_name, password_hash, role, email_verified,
			      verification_token, subscription_status, subscription_start_date, subscription_end_date,
			      has_used_free_trial, free_trial_start_date, free_trial_end_date)
			  VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13)
			  RETURNING created_at, updated_at, version`
	err := s.DB.QueryRowContext(ctx, query,
		acc.ID, acc.Email, acc.DisplayName, acc.PasswordHash, acc.Role, acc.EmailVerified,
		acc.VerificationToken, string(acc.SubscriptionStatus), acc.SubscriptionStartDate, acc.SubscriptionEndDate,
		acc.HasUsedFreeTrial, acc.FreeTrialStartDate, acc.FreeTrialEndDate,
	).Scan(&acc.CreatedAt, &acc.UpdatedAt, &acc.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrEmailTaken)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) getAccountBy(ctx context.Context, op, where string, arg any) (*models.Account, error) {
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+where, arg)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return acc, nil
}

// GetAccount возвращает аккаунт по идентификатору.
func (s *Storage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return s.getAccountBy(ctx, "storage.postgres.GetAccount", "id = $1", id)
}

// GetAccountByEmail возвращает аккаунт по email.
func (s *Storage) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.getAccountBy(ctx, "storage.postgres.GetAccountByEmail", "email = $1", models.NormalizeEmail(email))
}

// GetAccountByVerificationToken возвращает аккаунт по токену подтверждения email.
func (s *Storage) GetAccountByVerificationToken(ctx context.Context, token string) (*models.Account, error) {
	return s.getAccountBy(ctx, "storage.postgres.GetAccountByVerificationToken", "verification_token = $1", token)
}

// UpdateAccount сохраняет аккаунт, если его версия не изменилась с момента чтения.
func (s *Storage) UpdateAccount(ctx context.Context, acc *models.Account) error {
	const op = "storage.postgres.UpdateAccount"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	acc.Email = models.NormalizeEmail(acc.Email)

	query := `UPDATE accounts
			  SET email = $3, display_name = $4, password_hash = $5, role = $6, email_verified = $7,
			      verification_token = NULLIF($8, ''), subscription_status = $9,
			      subscription_start_date = $10, subscription_end_date = $11,
			      has_used_free_trial = $12, free_trial_start_date = $13, free_trial_end_date = $14,
			      updated_at = now(), version = version + 1
			  WHERE id = $1 AND version = $2
			  RETURNING updated_at, version`
	err := s.DB.QueryRowContext(ctx, query,
		acc.ID, acc.Version,
		acc.Email, acc.DisplayName, acc.PasswordHash, acc.Role, acc.EmailVerified,
		acc.VerificationToken, string(acc.SubscriptionStatus),
		acc.SubscriptionStartDate, acc.SubscriptionEndDate,
		acc.HasUsedFreeTrial, acc.FreeTrialStartDate, acc.FreeTrialEndDate,
	).Scan(&acc.UpdatedAt, &acc.Version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, s.missingOrConflict(ctx, "accounts", acc.ID, storage.ErrAccountNotFound))
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, storage.ErrEmailTaken)
	case err != nil:
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ClaimFreeTrial атомарно взводит флаг пробного периода.
func (s *Storage) ClaimFreeTrial(ctx context.Context, accountID string, start, end time.Time) (bool, error) {
	const op = "storage.postgres.ClaimFreeTrial"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}

	query := `UPDATE accounts
			  SET has_used_free_trial = TRUE,
			      subscription_status = $2,
			      free_trial_start_date = $3, free_trial_end_date = $4,
			      subscription_start_date = $3, subscription_end_date = $4,
			      updated_at = now(), version = version + 1
			  WHERE id = $1 AND has_used_free_trial = FALSE`
	res, err := s.DB.ExecContext(ctx, query, accountID, string(models.AccountTrial), start, end)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		if _, err := s.GetAccount(ctx, accountID); err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
		return false, nil
	}
	return true, nil
}

// FindExpiredTrials возвращает аккаунты с истёкшим пробным периодом.
func (s *Storage) FindExpiredTrials(ctx context.Context, now time.Time) ([]*models.Account, error) {
	const op = "storage.postgres.FindExpiredTrials"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT ` + accountColumns + `
			  FROM accounts
			  WHERE subscription_status = $1 AND free_trial_end_date < $2
			  ORDER BY free_trial_end_date`
	rows, err := s.DB.QueryContext(ctx, query, string(models.AccountTrial), now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, acc)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// CompareAndSetAccountStatus меняет статус аккаунта, только если текущий равен from.
func (s *Storage) CompareAndSetAccountStatus(ctx context.Context, accountID string, from, to models.AccountStatus) (bool, error) {
	const op = "storage.postgres.CompareAndSetAccountStatus"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}

	query := `UPDATE accounts
			  SET subscription_status = $3, updated_at = now(), version = version + 1
			  WHERE id = $1 AND subscription_status = $2`
	res, err := s.DB.ExecContext(ctx, query, accountID, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// missingOrConflict различает отсутствие записи и устаревшую версию после неудачного UPDATE.
func (s *Storage) missingOrConflict(ctx context.Context, table, id string, notFound error) error {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return notFound
	}
	return storage.ErrConflict
}
