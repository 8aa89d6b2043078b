// Package storetest holds behavior checks every store.Store implementation
// must pass. Backend packages run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrolld/internal/enrollment/models"
	"enrolld/internal/enrollment/store"
	"enrolld/pkg/platform/sentinel"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Record builds a pending child enrollment for identity.
func Record(identity, name string) *models.Enrollment {
	requested := time.Date(2026, time.February, 3, 10, 30, 0, 0, time.UTC)
	return &models.Enrollment{
		IdentityNumber:    identity,
		FullName:          name,
		BirthDate:         time.Date(2014, time.May, 2, 0, 0, 0, 0, time.UTC),
		AgeGroup:          "child",
		Status:            models.StatusPending,
		RequestedAt:       &requested,
		LastMessageID:     "msg-1",
		AppliedMessageIDs: []string{"msg-1"},
	}
}

// Run exercises the store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("create then read back every field", func(t *testing.T) {
		s := newStore(t)
		rec := Record("11144477735", "Ana Souza")
		require.NoError(t, s.Create(ctx, rec))
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, int64(1), rec.Version)

		got, err := s.FindByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.IdentityNumber, got.IdentityNumber)
		assert.Equal(t, rec.FullName, got.FullName)
		assert.True(t, rec.BirthDate.Equal(got.BirthDate))
		assert.Equal(t, rec.Status, got.Status)
		assert.Equal(t, rec.LastMessageID, got.LastMessageID)
		assert.Equal(t, rec.AppliedMessageIDs, got.AppliedMessageIDs)
		require.NotNil(t, got.RequestedAt)
		assert.True(t, rec.RequestedAt.Equal(*got.RequestedAt))
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

		byIdentity, err := s.FindByIdentityNumber(ctx, rec.IdentityNumber)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, byIdentity.ID)
	})

	t.Run("duplicate identity number conflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, Record("11144477735", "Ana")))
		err := s.Create(ctx, Record("11144477735", "Bia"))
		require.ErrorIs(t, err, sentinel.ErrConflict)
	})

	t.Run("unknown records are not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindByID(ctx, "missing")
		require.ErrorIs(t, err, sentinel.ErrNotFound)
		_, err = s.FindByIdentityNumber(ctx, "52998224725")
		require.ErrorIs(t, err, sentinel.ErrNotFound)
		require.ErrorIs(t, s.Delete(ctx, "missing"), sentinel.ErrNotFound)
		require.ErrorIs(t, s.Update(ctx, &models.Enrollment{ID: "missing", Version: 1}), sentinel.ErrNotFound)
	})

	t.Run("update is a compare-and-swap on version", func(t *testing.T) {
		s := newStore(t)
		rec := Record("11144477735", "Ana")
		require.NoError(t, s.Create(ctx, rec))

		stale := rec.Clone()
		rec.Status = models.StatusActive
		rec.RecordMessage("msg-2")
		require.NoError(t, s.Update(ctx, rec))
		assert.Equal(t, int64(2), rec.Version)

		stale.FullName = "lost write"
		require.ErrorIs(t, s.Update(ctx, stale), sentinel.ErrConflict)

		got, err := s.FindByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.Equal(t, "Ana", got.FullName)
		assert.Equal(t, "msg-2", got.LastMessageID)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("every applied message id survives a round trip", func(t *testing.T) {
		s := newStore(t)
		rec := Record("11144477735", "Ana")
		require.NoError(t, s.Create(ctx, rec))
		for i := range 60 {
			rec.RecordMessage(fmt.Sprintf("msg-update-%d", i))
			require.NoError(t, s.Update(ctx, rec))
		}

		got, err := s.FindByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Len(t, got.AppliedMessageIDs, 61)
		assert.True(t, got.HasApplied("msg-1"))
		assert.True(t, got.HasApplied("msg-update-0"))
		assert.Equal(t, "msg-update-59", got.LastMessageID)
	})

	t.Run("delete frees the identity number", func(t *testing.T) {
		s := newStore(t)
		rec := Record("11144477735", "Ana")
		require.NoError(t, s.Create(ctx, rec))
		require.NoError(t, s.Delete(ctx, rec.ID))
		require.NoError(t, s.Create(ctx, Record("11144477735", "Ana")))
	})

	t.Run("list filters and paginates in creation order", func(t *testing.T) {
		s := newStore(t)
		identities := []string{"11144477735", "52998224725", "39053344705"}
		for i, identity := range identities {
			rec := Record(identity, "Ana")
			if i == 2 {
				rec.AgeGroup = "adult"
				rec.Status = models.StatusActive
			}
			require.NoError(t, s.Create(ctx, rec))
			time.Sleep(2 * time.Millisecond)
		}

		all, err := s.List(ctx, models.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, rec := range all {
			assert.Equal(t, identities[i], rec.IdentityNumber)
		}

		page, err := s.List(ctx, models.Filter{Offset: 2, Limit: 5})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, identities[2], page[0].IdentityNumber)

		n, err := s.Count(ctx, models.Filter{Status: models.StatusPending, AgeGroup: "child"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.Count(ctx, models.Filter{FullName: "Ana"})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("concurrent creates admit one record", func(t *testing.T) {
		s := newStore(t)
		const goroutines = 20
		var (
			wg      sync.WaitGroup
			created atomic.Int32
			other   atomic.Int32
		)
		for range goroutines {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Create(ctx, Record("11144477735", "Ana"))
				switch {
				case err == nil:
					created.Add(1)
				case !errors.Is(err, sentinel.ErrConflict):
					other.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), created.Load())
		assert.Zero(t, other.Load())
	})

	t.Run("concurrent updates of one version admit one writer", func(t *testing.T) {
		s := newStore(t)
		rec := Record("11144477735", "Ana")
		require.NoError(t, s.Create(ctx, rec))

		const goroutines = 20
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for range goroutines {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.Update(ctx, rec.Clone()) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		got, err := s.FindByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})
}
