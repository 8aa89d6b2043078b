//go:build integration

package mongo_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"enrolld/internal/enrollment/store"
	mongostore "enrolld/internal/enrollment/store/mongo"
	"enrolld/internal/enrollment/store/storetest"
	"enrolld/pkg/platform/sentinel"
	"enrolld/pkg/testutil/containers"
)

func TestMongoStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	mc := containers.GetManager().GetMongo(t)

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		db, err := mc.Database(ctx, dbName(t))
		require.NoError(t, err)
		s, err := mongostore.New(ctx, db)
		require.NoError(t, err)
		return s
	})
}

func TestMongoStoreUnavailable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	mc := containers.GetManager().GetMongo(t)
	ctx := context.Background()
	db, err := mc.Database(ctx, dbName(t))
	require.NoError(t, err)
	s, err := mongostore.New(ctx, db)
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.FindByIdentityNumber(canceled, "11144477735")
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
}

func dbName(t *testing.T) string {
	r := strings.NewReplacer("/", "_", " ", "_", "-", "_")
	name := r.Replace(t.Name())
	if len(name) > 60 {
		name = name[len(name)-60:]
	}
	return name
}
