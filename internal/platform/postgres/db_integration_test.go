//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"enrolld/internal/platform/config"
	"enrolld/pkg/testutil/containers"
)

func TestOpen(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	db, err := Open(ctx, config.PostgresConfig{})
	require.NoError(t, err)
	require.Nil(t, db, "empty dsn disables postgres")

	pc := containers.GetManager().GetPostgres(t)
	db, err = Open(ctx, config.PostgresConfig{
		DSN:             pc.DSN,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		ConnectTimeout:  10 * time.Second,
	})
	require.NoError(t, err)
	defer db.Close()

	var one int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT 1").Scan(&one))
	require.Equal(t, 1, one)
	require.Equal(t, 4, db.Stats().MaxOpenConnections)
}
