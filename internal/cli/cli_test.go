package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/trading-subscriptions/internal/app/core"
	"github.com/magabrotheeeer/trading-subscriptions/internal/config"
	"github.com/magabrotheeeer/trading-subscriptions/internal/models"
)

const memoryConfig = `env: test
storage:
  driver: memory
jwttoken:
  jwt_secret_key: "test-secret"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// seedExpired создаёт активную подписку, срок которой истёк двое суток назад.
func seedExpired(t *testing.T, c *core.Core) {
	t.Helper()
	ctx := context.Background()
	end := time.Now().UTC().Add(-48 * time.Hour)
	acc := &models.Account{
		ID:                  "acc-1",
		Email:               "trader@example.com",
		Role:                models.RoleUser,
		SubscriptionStatus:  models.AccountActive,
		SubscriptionEndDate: &end,
	}
	require.NoError(t, c.Store.CreateAccount(ctx, acc))
	require.NoError(t, c.Store.CreateSubscription(ctx, &models.Subscription{
		ID:             "sub-1",
		AccountID:      "acc-1",
		Plan:           models.PlanPremium,
		Status:         models.StatusActive,
		StartDate:      end.Add(-30 * 24 * time.Hour),
		EndDate:        end,
		NextPaymentDue: end,
		MonthlyPrice:   99,
		AutoRenewal:    true,
	}))
}

func run(t *testing.T, opts *RootOptions, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(opts)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func seededOptions(t *testing.T) *RootOptions {
	return &RootOptions{
		Getenv: func(string) string { return "" },
		Open: func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Core, error) {
			c, err := core.New(ctx, cfg, logger)
			if err != nil {
				return nil, err
			}
			seedExpired(t, c)
			return c, nil
		},
	}
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "subctl", cmd.Use)

	for _, name := range []string{"sweep", "expire-trials", "stats", "migrate"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	cfg := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "", cfg.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := run(t, seededOptions(t), "stats", "--format", "yaml", "--config", writeConfig(t, memoryConfig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestMissingConfig(t *testing.T) {
	_, _, err := run(t, seededOptions(t), "sweep")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigFromEnv(t *testing.T) {
	path := writeConfig(t, memoryConfig)
	opts := seededOptions(t)
	opts.Getenv = func(key string) string {
		if key == "CONFIG_PATH" {
			return path
		}
		return ""
	}
	out, _, err := run(t, opts, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "active")
}

func TestSweepCommand_JSON(t *testing.T) {
	out, _, err := run(t, seededOptions(t), "sweep", "--format", "json", "--config", writeConfig(t, memoryConfig))
	require.NoError(t, err)

	var resp struct {
		Status string              `json:"status"`
		Data   models.SweepSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "cli", resp.Data.Trigger)
	assert.Equal(t, 1, resp.Data.Processed)
	assert.Equal(t, 1, resp.Data.GraceStarted)
	assert.Equal(t, 1, resp.Data.Expired)
}

func TestSweepCommand_Text(t *testing.T) {
	out, _, err := run(t, seededOptions(t), "sweep", "--config", writeConfig(t, memoryConfig))
	require.NoError(t, err)
	assert.Contains(t, out, "sweep cli: processed=1 expired=1 grace_started=1")
}

func TestStatsCommand_JSON(t *testing.T) {
	out, _, err := run(t, seededOptions(t), "stats", "--format", "json", "--config", writeConfig(t, memoryConfig))
	require.NoError(t, err)

	var resp struct {
		Data map[string]int64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(1), resp.Data["active"])
	assert.Equal(t, int64(0), resp.Data["cancelled"])
}

func TestExpireTrialsCommand(t *testing.T) {
	out, _, err := run(t, seededOptions(t), "expire-trials", "--config", writeConfig(t, memoryConfig))
	require.NoError(t, err)
	assert.Equal(t, "expired trials: 0\n", out)
}

func TestMigrateCommand_RequiresPostgres(t *testing.T) {
	out, _, err := run(t, seededOptions(t), "migrate", "--config", writeConfig(t, memoryConfig))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "unsupported_driver")
}

type failingSweeper struct{}

func (failingSweeper) RunSweep(context.Context, string) (models.SweepSummary, error) {
	return models.SweepSummary{}, errors.New("find failed")
}

func TestRunSweep_Failure(t *testing.T) {
	var out bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &out}

	err := runSweep(context.Background(), f, failingSweeper{})
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.JSONEq(t, `{"status":"error","error":{"code":"sweep_failed","message":"find failed"}}`, out.String())
}

type fakeTrials struct {
	expired int
	waited  bool
}

func (f *fakeTrials) ExpireTrials(context.Context) (int, error) { return f.expired, nil }
func (f *fakeTrials) Wait()                                     { f.waited = true }

func TestRunExpireTrials_WaitsForNotifications(t *testing.T) {
	var out bytes.Buffer
	trials := &fakeTrials{expired: 2}

	require.NoError(t, runExpireTrials(context.Background(), &OutputFormatter{Format: "text", Writer: &out}, trials))
	assert.True(t, trials.waited)
	assert.Equal(t, "expired trials: 2\n", out.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("x")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "x")))

	wrapped := WrapExitError(ExitFailure, "sweep failed", errors.New("boom"))
	assert.Equal(t, "sweep failed: boom", wrapped.Error())
	assert.ErrorContains(t, errors.Unwrap(wrapped), "boom")
}

func TestVerboseLogGoesToErrWriter(t *testing.T) {
	var out, errOut bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &out, ErrWriter: &errOut, Verbose: true}
	f.VerboseLog("hello %d", 1)
	assert.Empty(t, out.String())
	assert.Equal(t, "hello 1\n", errOut.String())
}

