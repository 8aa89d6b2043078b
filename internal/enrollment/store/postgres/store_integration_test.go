//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"enrolld/internal/enrollment/store"
	pgstore "enrolld/internal/enrollment/store/postgres"
	"enrolld/internal/enrollment/store/storetest"
	"enrolld/pkg/platform/sentinel"
	"enrolld/pkg/testutil/containers"
)

func TestPostgresStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	ctx := context.Background()
	require.NoError(t, pgstore.Migrate(ctx, pg.DB))

	storetest.Run(t, func(t *testing.T) store.Store {
		require.NoError(t, pg.TruncateTables(ctx, "enrollments"))
		return pgstore.New(pg.DB)
	})
}

func TestPostgresMigrateIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	ctx := context.Background()
	require.NoError(t, pgstore.Migrate(ctx, pg.DB))
	require.NoError(t, pgstore.Migrate(ctx, pg.DB))
}

func TestPostgresStoreUnavailable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	ctx := context.Background()
	require.NoError(t, pgstore.Migrate(ctx, pg.DB))
	s := pgstore.New(pg.DB)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := s.FindByIdentityNumber(canceled, "11144477735")
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
}
