package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep-io/gatekeep/internal/rbac"
	"github.com/gatekeep-io/gatekeep/internal/store/postgres"
	"github.com/gatekeep-io/gatekeep/internal/store/storetest"
)

// TestConformance runs the shared storage suite against a real database.
// Set PG_TEST_DSN to a throwaway database to enable it.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.EnsureSchema(ctx, pool))

	storetest.Run(t, func(t *testing.T) rbac.Store {
		t.Helper()
		_, err := pool.Exec(context.Background(),
			`TRUNCATE role_feature_permissions, users, roles, features, permissions CASCADE`)
		require.NoError(t, err)
		return postgres.New(pool)
	})
}
