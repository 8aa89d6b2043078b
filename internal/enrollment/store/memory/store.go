// Package memory provides an in-process enrollment store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"enrolld/internal/enrollment/models"
	"enrolld/pkg/platform/sentinel"
)

// Store keeps records in maps guarded by a single RWMutex. Records are
// cloned on the way in and out so callers never share memory with the store.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*models.Enrollment
	byIdentity map[string]string
	now        func() time.Time
	newID      func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs replaces the record id generator.
func WithIDs(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

func New(opts ...Option) *Store {
	s := &Store{
		byID:       make(map[string]*models.Enrollment),
		byIdentity: make(map[string]string),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(_ context.Context, rec *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byIdentity[rec.IdentityNumber]; taken {
		return fmt.Errorf("create enrollment: identity number %w", sentinel.ErrConflict)
	}
	id := rec.ID
	if id == "" {
		id = s.newID()
	}
	if _, taken := s.byID[id]; taken {
		return fmt.Errorf("create enrollment: id %w", sentinel.ErrConflict)
	}
	now := s.now().UTC()
	rec.ID = id
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.byID[rec.ID] = rec.Clone()
	s.byIdentity[rec.IdentityNumber] = rec.ID
	return nil
}

func (s *Store) FindByID(_ context.Context, id string) (*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("find enrollment %s: %w", id, sentinel.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) FindByIdentityNumber(_ context.Context, identityNumber string) (*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdentity[identityNumber]
	if !ok {
		return nil, fmt.Errorf("find enrollment by identity: %w", sentinel.ErrNotFound)
	}
	return s.byID[id].Clone(), nil
}

func (s *Store) Update(_ context.Context, rec *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[rec.ID]
	if !ok {
		return fmt.Errorf("update enrollment %s: %w", rec.ID, sentinel.ErrNotFound)
	}
	if current.Version != rec.Version {
		return fmt.Errorf("update enrollment %s: stale version %d: %w", rec.ID, rec.Version, sentinel.ErrConflict)
	}
	if current.IdentityNumber != rec.IdentityNumber {
		if _, taken := s.byIdentity[rec.IdentityNumber]; taken {
			return fmt.Errorf("update enrollment %s: identity number %w", rec.ID, sentinel.ErrConflict)
		}
		delete(s.byIdentity, current.IdentityNumber)
		s.byIdentity[rec.IdentityNumber] = rec.ID
	}

	rec.Version++
	rec.CreatedAt = current.CreatedAt
	rec.UpdatedAt = s.now().UTC()
	s.byID[rec.ID] = rec.Clone()
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("delete enrollment %s: %w", id, sentinel.ErrNotFound)
	}
	delete(s.byIdentity, rec.IdentityNumber)
	delete(s.byID, id)
	return nil
}

func (s *Store) List(_ context.Context, filter models.Filter) ([]*models.Enrollment, error) {
	s.mu.RLock()
	matched := s.match(filter)
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultPageSize
	}
	offset := max(filter.Offset, 0)
	if offset >= len(matched) {
		return []*models.Enrollment{}, nil
	}
	end := offset + min(limit, len(matched)-offset)
	return matched[offset:end], nil
}

func (s *Store) Count(_ context.Context, filter models.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.match(filter)), nil
}

func (s *Store) Ping(context.Context) error { return nil }

// match must be called with the lock held.
func (s *Store) match(filter models.Filter) []*models.Enrollment {
	out := make([]*models.Enrollment, 0, len(s.byID))
	for _, rec := range s.byID {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.AgeGroup != "" && rec.AgeGroup != filter.AgeGroup {
			continue
		}
		if filter.FullName != "" && rec.FullName != filter.FullName {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}
