package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/trading-subscriptions/internal/lifecycle"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage/memory"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	runs     int
	lastErr  error
	repeated int
}

func (r *fakeRecorder) SweepFinished(_ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	r.lastErr = err
}

func (r *fakeRecorder) RecordOutcome(_, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func (r *fakeRecorder) RepeatedSkip() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repeated++
}

type fakeSkips struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (f *fakeSkips) Incr(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[id]++
	return f.counts[id], nil
}

func (f *fakeSkips) Reset(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, id)
	return nil
}

func newSweeper(repo Repository, skips SkipTracker, rec Recorder) *Sweeper {
	return NewSweeper(repo, skips, rec, Options{
		Policy:             lifecycle.DefaultPolicy(),
		RecordTimeout:      time.Second,
		SkipAlertThreshold: 3,
		Now:                func() time.Time { return now },
	}, newNoopLogger())
}

// seed кладёт в хранилище аккаунт и подписку с заданными датами.
func seed(store *memory.Store, id string, status models.SubscriptionStatus, subEnd time.Time, accEnd *time.Time, grace *time.Time) {
	accStatus := models.AccountActive
	if status == models.StatusExpired {
		accStatus = models.AccountExpired
	}
	store.PutAccount(models.Account{
		ID:                  "acc-" + id,
		Email:               id + "@example.com",
		SubscriptionStatus:  accStatus,
		SubscriptionEndDate: accEnd,
	})
	store.PutSubscription(models.Subscription{
		ID:             "sub-" + id,
		AccountID:      "acc-" + id,
		Plan:           models.PlanPremium,
		Status:         status,
		StartDate:      subEnd.Add(-30 * 24 * time.Hour),
		EndDate:        subEnd,
		NextPaymentDue: subEnd.Add(24 * time.Hour),
		GracePeriodEnd: grace,
		AutoRenewal:    true,
		MonthlyPrice:   99,
	})
}

func TestRunSweep_GraceStarted(t *testing.T) {
	store := memory.New()
	past := now.Add(-time.Second)
	seed(store, "a", models.StatusActive, past, models.TimePtr(past), nil)

	summary, err := newSweeper(store, nil, nil).RunSweep(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Expired)
	assert.Equal(t, 1, summary.GraceStarted)

	sub, err := store.GetSubscription(context.Background(), "sub-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, sub.Status)
	require.NotNil(t, sub.GracePeriodEnd)
	assert.True(t, now.Add(7*24*time.Hour).Equal(*sub.GracePeriodEnd))

	acc, err := store.GetAccount(context.Background(), "acc-a")
	require.NoError(t, err)
	assert.Equal(t, models.AccountExpired, acc.SubscriptionStatus)
}

func TestRunSweep_GraceExhausted(t *testing.T) {
	store := memory.New()
	end := now.Add(-8 * 24 * time.Hour)
	seed(store, "b", models.StatusExpired, end, models.TimePtr(end), models.TimePtr(now.Add(-time.Second)))

	summary, err := newSweeper(store, nil, nil).RunSweep(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Cancelled)
	assert.Equal(t, 1, summary.Expired)

	sub, err := store.GetSubscription(context.Background(), "sub-b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, sub.Status)
	assert.False(t, sub.AutoRenewal)
	require.NotNil(t, sub.CancellationDate)
	assert.True(t, now.Equal(*sub.CancellationDate))

	acc, err := store.GetAccount(context.Background(), "acc-b")
	require.NoError(t, err)
	assert.Equal(t, models.AccountInactive, acc.SubscriptionStatus)
}

func TestRunSweep_DualCheckGuard(t *testing.T) {
	store := memory.New()
	seed(store, "c", models.StatusActive, now.Add(-time.Hour), models.TimePtr(now.Add(2*time.Hour)), nil)

	summary, err := newSweeper(store, nil, nil).RunSweep(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Expired)
	assert.Equal(t, 0, summary.GraceStarted)

	sub, err := store.GetSubscription(context.Background(), "sub-c")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Nil(t, sub.GracePeriodEnd)
}

func TestRunSweep_DriftHealed(t *testing.T) {
	store := memory.New()
	subEnd := now.Add(10 * 24 * time.Hour)
	accEnd := subEnd.Add(48 * time.Hour)
	seed(store, "d", models.StatusActive, subEnd, models.TimePtr(accEnd), nil)

	summary, err := newSweeper(store, nil, nil).RunSweep(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Healed)

	sub, err := store.GetSubscription(context.Background(), "sub-d")
	require.NoError(t, err)
	acc, err := store.GetAccount(context.Background(), "acc-d")
	require.NoError(t, err)
	assert.True(t, accEnd.Equal(sub.EndDate))
	require.NotNil(t, acc.SubscriptionEndDate)
	assert.True(t, accEnd.Equal(*acc.SubscriptionEndDate))
}

func TestRunSweep_SecondRunConverged(t *testing.T) {
	store := memory.New()
	past := now.Add(-time.Second)
	seed(store, "1", models.StatusActive, past, models.TimePtr(past), nil)
	seed(store, "2", models.StatusExpired, past, models.TimePtr(past), models.TimePtr(now.Add(-time.Second)))
	seed(store, "3", models.StatusActive, now.Add(5*24*time.Hour), models.TimePtr(now.Add(8*24*time.Hour)), nil)

	s := newSweeper(store, nil, nil)
	first, err := s.RunSweep(context.Background(), TriggerHourly)
	require.NoError(t, err)
	assert.Equal(t, 1, first.GraceStarted)
	assert.Equal(t, 1, first.Cancelled)
	assert.Equal(t, 1, first.Healed)

	second, err := s.RunSweep(context.Background(), TriggerHourly)
	require.NoError(t, err)
	assert.Equal(t, 0, second.GraceStarted)
	assert.Equal(t, 0, second.Cancelled)
	assert.Equal(t, 0, second.Healed)
	assert.Equal(t, 2, second.Processed, "cancelled subscription is no longer scanned")
}

func TestRunSweep_MissingAccountSkipped(t *testing.T) {
	store := memory.New()
	store.PutSubscription(models.Subscription{
		ID:        "sub-orphan",
		AccountID: "acc-gone",
		Plan:      models.PlanBasic,
		Status:    models.StatusActive,
		EndDate:   now.Add(time.Hour),
	})
	seed(store, "ok", models.StatusActive, now.Add(time.Hour), models.TimePtr(now.Add(time.Hour)), nil)

	rec := &fakeRecorder{}
	summary, err := newSweeper(store, nil, rec).RunSweep(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, rec.outcomes[outcomeSkipped])
	assert.Equal(t, 1, rec.outcomes[outcomeNoOp])
	assert.Equal(t, 1, rec.runs)
}

func TestRunSweep_AnomalyTrackedAndAlerted(t *testing.T) {
	store := memory.New()
	// Дата окончания ровно в now: ноль дней при неистёкшем сроке.
	seed(store, "edge", models.StatusActive, now, models.TimePtr(now), nil)

	skips := &fakeSkips{}
	rec := &fakeRecorder{}
	s := newSweeper(store, skips, rec)
	for range 3 {
		summary, err := s.RunSweep(context.Background(), TriggerHourly)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Skipped)
	}
	assert.Equal(t, int64(3), skips.counts["sub-edge"])
	assert.Equal(t, 1, rec.repeated)

	sub, err := store.GetSubscription(context.Background(), "sub-edge")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, sub.Status, "no transition for anomalous record")
}

func TestRunSweep_ResetsSkipsOnCleanEvaluation(t *testing.T) {
	store := memory.New()
	seed(store, "fine", models.StatusActive, now.Add(time.Hour), models.TimePtr(now.Add(time.Hour)), nil)
	skips := &fakeSkips{counts: map[string]int64{"sub-fine": 2}}

	_, err := newSweeper(store, skips, nil).RunSweep(context.Background(), TriggerHourly)
	require.NoError(t, err)
	assert.NotContains(t, skips.counts, "sub-fine")
}

type failingRepo struct {
	*memory.Store
	findErr   error
	updateErr error
}

func (f *failingRepo) FindSubscriptionsByStatus(ctx context.Context, st ...models.SubscriptionStatus) ([]*models.Subscription, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.Store.FindSubscriptionsByStatus(ctx, st...)
}

func (f *failingRepo) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	if f.updateErr != nil && sub.ID == "sub-bad" {
		return f.updateErr
	}
	return f.Store.UpdateSubscription(ctx, sub)
}

func TestRunSweep_FindErrorAborts(t *testing.T) {
	repo := &failingRepo{Store: memory.New(), findErr: errors.New("connection refused")}
	rec := &fakeRecorder{}

	summary, err := newSweeper(repo, nil, rec).RunSweep(context.Background(), TriggerDaily)
	require.Error(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, TriggerDaily, summary.Trigger)
	assert.Error(t, rec.lastErr)
}

func TestRunSweep_RecordFailureDoesNotStopSweep(t *testing.T) {
	repo := &failingRepo{Store: memory.New(), updateErr: errors.New("write timeout")}
	past := now.Add(-time.Second)
	seed(repo.Store, "bad", models.StatusActive, past, models.TimePtr(past), nil)
	seed(repo.Store, "good", models.StatusActive, past, models.TimePtr(past), nil)

	summary, err := newSweeper(repo, nil, nil).RunSweep(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.GraceStarted)
}

func TestRunSweep_ConcurrentSweepsConverge(t *testing.T) {
	store := memory.New()
	past := now.Add(-time.Second)
	const n = 20
	for i := range n {
		seed(store, string(rune('a'+i)), models.StatusActive, past, models.TimePtr(past), nil)
	}

	s := newSweeper(store, nil, nil)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		graceOpen int
	)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, err := s.RunSweep(context.Background(), TriggerHourly)
			assert.NoError(t, err)
			mu.Lock()
			graceOpen += summary.GraceStarted
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, n, graceOpen, "each record opens grace exactly once")

	subs, err := store.FindSubscriptionsByStatus(context.Background(), models.StatusExpired)
	require.NoError(t, err)
	require.Len(t, subs, n)
	for _, sub := range subs {
		require.NotNil(t, sub.GracePeriodEnd)
		assert.True(t, now.Add(7*24*time.Hour).Equal(*sub.GracePeriodEnd))
	}
}

func TestRunSweep_CancelledContext(t *testing.T) {
	store := memory.New()
	seed(store, "x", models.StatusActive, now.Add(time.Hour), models.TimePtr(now.Add(time.Hour)), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newSweeper(store, nil, nil).RunSweep(ctx, TriggerHourly)
	assert.ErrorIs(t, err, context.Canceled)
}
