package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"enrolld/internal/enrollment/models"
	"enrolld/internal/enrollment/store"
	"enrolld/internal/enrollment/store/storetest"
	"enrolld/pkg/platform/sentinel"
)

type StoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
	now   time.Time
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.now = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	s.store = New(WithClock(func() time.Time { return s.now }))
	s.ctx = context.Background()
}

func newRecord(identity, name string) *models.Enrollment {
	return &models.Enrollment{
		IdentityNumber: identity,
		FullName:       name,
		BirthDate:      time.Date(2014, time.May, 2, 0, 0, 0, 0, time.UTC),
		AgeGroup:       "child",
		Status:         models.StatusPending,
	}
}

func (s *StoreSuite) TestCreateAndFind() {
	s.Run("assigns id, version and timestamps", func() {
		rec := newRecord("11144477735", "Ana")
		s.Require().NoError(s.store.Create(s.ctx, rec))
		s.NotEmpty(rec.ID)
		s.Equal(int64(1), rec.Version)
		s.Equal(s.now, rec.CreatedAt)
		s.Equal(s.now, rec.UpdatedAt)

		byID, err := s.store.FindByID(s.ctx, rec.ID)
		s.Require().NoError(err)
		s.Equal(rec, byID)

		byIdentity, err := s.store.FindByIdentityNumber(s.ctx, "11144477735")
		s.Require().NoError(err)
		s.Equal(rec.ID, byIdentity.ID)
	})

	s.Run("rejects duplicate identity number", func() {
		err := s.store.Create(s.ctx, newRecord("11144477735", "Other"))
		s.Require().ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("generated id collision leaves the caller's record untouched", func() {
		st := New(WithIDs(func() string { return "fixed-id" }))
		s.Require().NoError(st.Create(s.ctx, newRecord("52998224725", "First")))

		rec := newRecord("39053344705", "Second")
		err := st.Create(s.ctx, rec)
		s.Require().ErrorIs(err, sentinel.ErrConflict)
		s.Empty(rec.ID)
		s.Zero(rec.Version)
		s.True(rec.CreatedAt.IsZero())
	})

	s.Run("returns ErrNotFound for unknown records", func() {
		_, err := s.store.FindByID(s.ctx, "missing")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
		_, err = s.store.FindByIdentityNumber(s.ctx, "52998224725")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("returned records are copies", func() {
		rec, err := s.store.FindByIdentityNumber(s.ctx, "11144477735")
		s.Require().NoError(err)
		rec.FullName = "mutated"

		again, err := s.store.FindByIdentityNumber(s.ctx, "11144477735")
		s.Require().NoError(err)
		s.Equal("Ana", again.FullName)
	})
}

func (s *StoreSuite) TestUpdate() {
	rec := newRecord("11144477735", "Ana")
	s.Require().NoError(s.store.Create(s.ctx, rec))

	s.Run("bumps version and updated_at", func() {
		s.now = s.now.Add(time.Hour)
		rec.Status = models.StatusActive
		s.Require().NoError(s.store.Update(s.ctx, rec))
		s.Equal(int64(2), rec.Version)
		s.Equal(s.now, rec.UpdatedAt)

		found, err := s.store.FindByID(s.ctx, rec.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusActive, found.Status)
		s.True(found.CreatedAt.Before(found.UpdatedAt))
	})

	s.Run("stale version conflicts", func() {
		stale := rec.Clone()
		stale.Version = 1
		s.Require().ErrorIs(s.store.Update(s.ctx, stale), sentinel.ErrConflict)
	})

	s.Run("changing to a taken identity number conflicts", func() {
		other := newRecord("52998224725", "Bia")
		s.Require().NoError(s.store.Create(s.ctx, other))
		other.IdentityNumber = "11144477735"
		s.Require().ErrorIs(s.store.Update(s.ctx, other), sentinel.ErrConflict)
	})

	s.Run("changing identity number moves the secondary index", func() {
		current, err := s.store.FindByID(s.ctx, rec.ID)
		s.Require().NoError(err)
		current.IdentityNumber = "39053344705"
		s.Require().NoError(s.store.Update(s.ctx, current))

		_, err = s.store.FindByIdentityNumber(s.ctx, "11144477735")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
		found, err := s.store.FindByIdentityNumber(s.ctx, "39053344705")
		s.Require().NoError(err)
		s.Equal(rec.ID, found.ID)
	})

	s.Run("unknown record", func() {
		s.Require().ErrorIs(s.store.Update(s.ctx, &models.Enrollment{ID: "missing"}), sentinel.ErrNotFound)
	})
}

func (s *StoreSuite) TestDelete() {
	rec := newRecord("11144477735", "Ana")
	s.Require().NoError(s.store.Create(s.ctx, rec))

	s.Require().NoError(s.store.Delete(s.ctx, rec.ID))
	_, err := s.store.FindByIdentityNumber(s.ctx, "11144477735")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
	s.Require().ErrorIs(s.store.Delete(s.ctx, rec.ID), sentinel.ErrNotFound)

	// the identity number is free again
	s.Require().NoError(s.store.Create(s.ctx, newRecord("11144477735", "Ana")))
}

func (s *StoreSuite) TestListAndCount() {
	for i, identity := range []string{"11144477735", "52998224725", "39053344705"} {
		rec := newRecord(identity, "Ana")
		if i == 2 {
			rec.Status = models.StatusActive
			rec.AgeGroup = "adult"
		}
		s.now = s.now.Add(time.Minute)
		s.Require().NoError(s.store.Create(s.ctx, rec))
	}

	all, err := s.store.List(s.ctx, models.Filter{})
	s.Require().NoError(err)
	s.Len(all, 3)
	s.Equal("11144477735", all[0].IdentityNumber)

	page, err := s.store.List(s.ctx, models.Filter{Offset: 1, Limit: 1})
	s.Require().NoError(err)
	s.Require().Len(page, 1)
	s.Equal("52998224725", page[0].IdentityNumber)

	beyond, err := s.store.List(s.ctx, models.Filter{Offset: 10})
	s.Require().NoError(err)
	s.Empty(beyond)

	negative, err := s.store.List(s.ctx, models.Filter{Offset: -100, Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(negative, 2)
	s.Equal("11144477735", negative[0].IdentityNumber)

	n, err := s.store.Count(s.ctx, models.Filter{Status: models.StatusPending})
	s.Require().NoError(err)
	s.Equal(2, n)

	n, err = s.store.Count(s.ctx, models.Filter{AgeGroup: "adult"})
	s.Require().NoError(err)
	s.Equal(1, n)

	n, err = s.store.Count(s.ctx, models.Filter{FullName: "Nobody"})
	s.Require().NoError(err)
	s.Equal(0, n)
}

// TestConcurrentCreate verifies that concurrent creates for one identity
// number result in exactly one record.
func (s *StoreSuite) TestConcurrentCreate() {
	const goroutines = 50
	var (
		wg        sync.WaitGroup
		created   atomic.Int32
		conflicts atomic.Int32
	)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.Create(s.ctx, newRecord("11144477735", "Ana"))
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), created.Load())
	s.Equal(int32(goroutines-1), conflicts.Load())
	n, err := s.store.Count(s.ctx, models.Filter{})
	s.Require().NoError(err)
	s.Equal(1, n)
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}
