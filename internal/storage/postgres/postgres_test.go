package postgres

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/trading-subscriptions/internal/migrations"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage/storetest"
)

func setupPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("user"),
		tcpostgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func migrationsPath(t *testing.T) string {
	root, err := filepath.Abs("../../..")
	require.NoError(t, err)
	return filepath.Join(root, "migrations")
}

func TestStorage_Contract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	dsn := setupPostgres(t)
	ctx := context.Background()

	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, migrations.Run(s.DB, migrationsPath(t)))
	require.NoError(t, CheckDatabaseReady(ctx, s))

	storetest.Run(t, func(t *testing.T) storage.Store {
		_, err := s.DB.ExecContext(ctx, `TRUNCATE subscriptions, accounts CASCADE`)
		require.NoError(t, err)
		return s
	})
}

func TestCheckDatabaseReady_NoSchema(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	dsn := setupPostgres(t)
	ctx := context.Background()

	s, err := New(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	require.Error(t, CheckDatabaseReady(ctx, s))
}
