package core

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/trading-subscriptions/internal/config"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
	"github.com/magabrotheeeer/trading-subscriptions/internal/notification"
	"github.com/magabrotheeeer/trading-subscriptions/internal/services/reconcile"
)

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig() *config.Config {
	return &config.Config{
		Storage: config.Storage{Driver: config.DriverMemory},
		JWTToken: config.JWTToken{
			JWTSecretKey: "secret",
			TokenTTL:     time.Hour,
		},
		Lifecycle: config.Lifecycle{
			GracePeriod:        7 * 24 * time.Hour,
			RenewalPeriod:      30 * 24 * time.Hour,
			DriftTolerance:     24 * time.Hour,
			TrialDuration:      time.Hour,
			SkipAlertThreshold: 3,
			PremiumPrice:       99,
			BasicPrice:         49,
		},
		Scheduler: config.Scheduler{
			RecordTimeout: time.Second,
			NotifyTimeout: time.Second,
		},
	}
}

func TestNew_MemoryWithoutBroker(t *testing.T) {
	c, err := New(context.Background(), memoryConfig(), newNoopLogger())
	require.NoError(t, err)
	defer c.Close()

	assert.IsType(t, &notification.LogNotifier{}, c.Notifier)
	assert.Nil(t, c.cache)
	require.NotNil(t, c.Sweeper)
	require.NotNil(t, c.Trials)
	require.NotNil(t, c.Subscriptions)
	require.NotNil(t, c.Auth)

	summary, err := c.Sweeper.RunSweep(context.Background(), reconcile.TriggerCLI)
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)

	fams, err := c.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, fams)
}

func TestNew_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.RedisConnection = config.RedisConnection{
		Address:     mr.Addr(),
		DialTimeout: time.Second,
		Timeout:     time.Second,
		SkipTTL:     time.Hour,
	}

	c, err := New(context.Background(), cfg, newNoopLogger())
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.cache)
}

func TestNew_RedisDownIsNotFatal(t *testing.T) {
	cfg := memoryConfig()
	cfg.RedisConnection = config.RedisConnection{
		Address:     "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		Timeout:     100 * time.Millisecond,
	}

	c, err := New(context.Background(), cfg, newNoopLogger())
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.cache)
}

func TestNew_RegisterVerifyFlow(t *testing.T) {
	c, err := New(context.Background(), memoryConfig(), newNoopLogger())
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	acc, err := c.Auth.Register(ctx, "Trader@Example.com", "Trader", "password123")
	require.NoError(t, err)

	stored, err := c.Store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)

	_, issued, err := c.Auth.VerifyEmail(ctx, stored.VerificationToken)
	require.NoError(t, err)
	assert.True(t, issued)

	view, err := c.Subscriptions.Status(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, view.HasSubscription)
	assert.Equal(t, models.PlanTrial, view.Subscription.Plan)
}
