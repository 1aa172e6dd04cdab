// Package memory реализует storage.Store в памяти процесса.
// Используется в тестах и в локальном режиме (storage.driver: memory).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type subscriptionEntry struct {
	sub models.Subscription
	seq int64
}

type Store struct {
	mu sync.RWMutex

	accounts      map[string]models.Account
	emails        map[string]string
	subscriptions map[string]subscriptionEntry
	seq           int64
	now           func() time.Time
}

func New() *Store {
	return &Store{
		accounts:      make(map[string]models.Account),
		emails:        make(map[string]string),
		subscriptions: make(map[string]subscriptionEntry),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error { return nil }

// Account store

func (s *Store) CreateAccount(ctx context.Context, acc *models.Account) error {
	const op = "storage.memory.CreateAccount"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	email := models.NormalizeEmail(acc.Email)
	if _, taken := s.emails[email]; taken {
		return fmt.Errorf("%s: %w", op, storage.ErrEmailTaken)
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	now := s.now()
	acc.Email = email
	acc.CreatedAt = now
	acc.UpdatedAt = now
	acc.Version = 1

	s.accounts[acc.ID] = acc.Clone()
	s.emails[email] = acc.ID
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	const op = "storage.memory.GetAccount"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}
	out := acc.Clone()
	return &out, nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	const op = "storage.memory.GetAccountByEmail"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emails[models.NormalizeEmail(email)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}
	out := s.accounts[id].Clone()
	return &out, nil
}

func (s *Store) GetAccountByVerificationToken(ctx context.Context, token string) (*models.Account, error) {
	const op = "storage.memory.GetAccountByVerificationToken"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if token != "" {
		for _, acc := range s.accounts {
			if acc.VerificationToken == token {
				out := acc.Clone()
				return &out, nil
			}
		}
	}
	return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
}

func (s *Store) UpdateAccount(ctx context.Context, acc *models.Account) error {
	const op = "storage.memory.UpdateAccount"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accounts[acc.ID]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}
	if current.Version != acc.Version {
		return fmt.Errorf("%s: %w", op, storage.ErrConflict)
	}
	email := models.NormalizeEmail(acc.Email)
	if owner, taken := s.emails[email]; taken && owner != acc.ID {
		return fmt.Errorf("%s: %w", op, storage.ErrEmailTaken)
	}
	delete(s.emails, current.Email)

	acc.Email = email
	acc.CreatedAt = current.CreatedAt
	acc.UpdatedAt = s.now()
	acc.Version++
	s.accounts[acc.ID] = acc.Clone()
	s.emails[email] = acc.ID
	return nil
}

func (s *Store) ClaimFreeTrial(ctx context.Context, accountID string, start, end time.Time) (bool, error) {
	const op = "storage.memory.ClaimFreeTrial"
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return false, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}
	if acc.HasUsedFreeTrial {
		return false, nil
	}
	acc.HasUsedFreeTrial = true
	acc.SubscriptionStatus = models.AccountTrial
	acc.FreeTrialStartDate = models.TimePtr(start)
	acc.FreeTrialEndDate = models.TimePtr(end)
	acc.SubscriptionStartDate = models.TimePtr(start)
	acc.SubscriptionEndDate = models.TimePtr(end)
	acc.UpdatedAt = s.now()
	acc.Version++
	s.accounts[accountID] = acc
	return true, nil
}

func (s *Store) FindExpiredTrials(ctx context.Context, now time.Time) ([]*models.Account, error) {
	const op = "storage.memory.FindExpiredTrials"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Account
	for _, acc := range s.accounts {
		if acc.SubscriptionStatus != models.AccountTrial || acc.FreeTrialEndDate == nil {
			continue
		}
		if acc.FreeTrialEndDate.Before(now) {
			out := acc.Clone()
			result = append(result, &out)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FreeTrialEndDate.Before(*result[j].FreeTrialEndDate)
	})
	return result, nil
}

func (s *Store) CompareAndSetAccountStatus(ctx context.Context, accountID string, from, to models.AccountStatus) (bool, error) {
	const op = "storage.memory.CompareAndSetAccountStatus"
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return false, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}
	if acc.SubscriptionStatus != from {
		return false, nil
	}
	acc.SubscriptionStatus = to
	acc.UpdatedAt = s.now()
	acc.Version++
	s.accounts[accountID] = acc
	return true, nil
}

// Subscription store

func (s *Store) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	const op = "storage.memory.CreateSubscription"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[sub.AccountID]; !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if _, exists := s.subscriptions[sub.ID]; exists {
		return fmt.Errorf("%s: %w", op, storage.ErrConflict)
	}
	if sub.PaymentHistory == nil {
		sub.PaymentHistory = []models.PaymentRecord{}
	}
	now := s.now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	sub.Version = 1

	s.seq++
	s.subscriptions[sub.ID] = subscriptionEntry{sub: sub.Clone(), seq: s.seq}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	const op = "storage.memory.GetSubscription"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrSubscriptionNotFound)
	}
	out := e.sub.Clone()
	return &out, nil
}

func (s *Store) GetCurrentSubscription(ctx context.Context, accountID string) (*models.Subscription, error) {
	const op = "storage.memory.GetCurrentSubscription"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *subscriptionEntry
	for _, e := range s.subscriptions {
		if e.sub.AccountID != accountID {
			continue
		}
		if latest == nil || e.seq > latest.seq {
			latest = &e
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrSubscriptionNotFound)
	}
	out := latest.sub.Clone()
	return &out, nil
}

func (s *Store) FindSubscriptionsByStatus(ctx context.Context, statuses ...models.SubscriptionStatus) ([]*models.Subscription, error) {
	const op = "storage.memory.FindSubscriptionsByStatus"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[models.SubscriptionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	entries := make([]subscriptionEntry, 0)
	for _, e := range s.subscriptions {
		if want[e.sub.Status] {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	result := make([]*models.Subscription, 0, len(entries))
	for _, e := range entries {
		out := e.sub.Clone()
		result = append(result, &out)
	}
	return result, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	const op = "storage.memory.UpdateSubscription"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.subscriptions[sub.ID]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrSubscriptionNotFound)
	}
	if e.sub.Version != sub.Version {
		return fmt.Errorf("%s: %w", op, storage.ErrConflict)
	}
	sub.CreatedAt = e.sub.CreatedAt
	sub.UpdatedAt = s.now()
	sub.Version++
	e.sub = sub.Clone()
	s.subscriptions[sub.ID] = e
	return nil
}

func (s *Store) ExpireTrialSubscription(ctx context.Context, accountID string) (int64, error) {
	const op = "storage.memory.ExpireTrialSubscription"
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var modified int64
	for id, e := range s.subscriptions {
		if e.sub.AccountID != accountID || e.sub.Plan != models.PlanTrial || e.sub.Status != models.StatusActive {
			continue
		}
		e.sub.Status = models.StatusExpired
		e.sub.UpdatedAt = s.now()
		e.sub.Version++
		s.subscriptions[id] = e
		modified++
	}
	return modified, nil
}

func (s *Store) CountSubscriptionsByStatus(ctx context.Context) (map[models.SubscriptionStatus]int64, error) {
	const op = "storage.memory.CountSubscriptionsByStatus"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.SubscriptionStatus]int64, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		counts[st] = 0
	}
	for _, e := range s.subscriptions {
		counts[e.sub.Status]++
	}
	return counts, nil
}

// PutSubscription сохраняет подписку как есть, минуя проверку версии.
// Нужна тестам для подготовки состояния с произвольными датами.
func (s *Store) PutSubscription(sub models.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.Version == 0 {
		sub.Version = 1
	}
	s.seq++
	s.subscriptions[sub.ID] = subscriptionEntry{sub: sub.Clone(), seq: s.seq}
}

// PutAccount сохраняет аккаунт как есть, минуя проверку версии.
func (s *Store) PutAccount(acc models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc.Version == 0 {
		acc.Version = 1
	}
	acc.Email = models.NormalizeEmail(acc.Email)
	s.accounts[acc.ID] = acc.Clone()
	s.emails[acc.Email] = acc.ID
}
