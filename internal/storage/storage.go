// Package storage описывает контракт хранилища аккаунтов и подписок и общие
// ошибки, которые возвращают все реализации (postgres, mongo, memory).
//
// Обновления записей выполняются с оптимистической блокировкой: UpdateAccount и
// UpdateSubscription сохраняют запись только если её версия в хранилище совпадает
// с прочитанной, и увеличивают версию на единицу. При несовпадении возвращается ErrConflict.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
)

var (
	ErrAccountNotFound      = errors.New("storage: account not found")
	ErrSubscriptionNotFound = errors.New("storage: subscription not found")
	ErrEmailTaken           = errors.New("storage: email already registered")
	ErrConflict             = errors.New("storage: version conflict")
)

// AccountStore операции над аккаунтами.
type AccountStore interface {
	CreateAccount(ctx context.Context, acc *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	GetAccountByVerificationToken(ctx context.Context, token string) (*models.Account, error)
	UpdateAccount(ctx context.Context, acc *models.Account) error

	// ClaimFreeTrial атомарно взводит флаг hasUsedFreeTrial, если он ещё не взведён,
	// и записывает даты пробного периода. Возвращает false, если флаг уже стоял.
	ClaimFreeTrial(ctx context.Context, accountID string, start, end time.Time) (bool, error)
	// FindExpiredTrials возвращает аккаунты в статусе trial с freeTrialEndDate < now.
	FindExpiredTrials(ctx context.Context, now time.Time) ([]*models.Account, error)
	// CompareAndSetAccountStatus меняет статус аккаунта с from на to.
	// Возвращает false, если текущий статус отличается от from.
	CompareAndSetAccountStatus(ctx context.Context, accountID string, from, to models.AccountStatus) (bool, error)
}

// SubscriptionStore операции над подписками.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	// GetCurrentSubscription возвращает последнюю созданную подписку аккаунта.
	GetCurrentSubscription(ctx context.Context, accountID string) (*models.Subscription, error)
	FindSubscriptionsByStatus(ctx context.Context, statuses ...models.SubscriptionStatus) ([]*models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	// ExpireTrialSubscription переводит активные пробные подписки аккаунта в expired
	// и возвращает количество изменённых записей.
	ExpireTrialSubscription(ctx context.Context, accountID string) (int64, error)
	CountSubscriptionsByStatus(ctx context.Context) (map[models.SubscriptionStatus]int64, error)
}

// Store полный контракт хранилища.
type Store interface {
	AccountStore
	SubscriptionStore
	Ping(ctx context.Context) error
	Close() error
}
