// Package store defines the enrollment repository contract shared by the
// processor and the HTTP facade. Implementations live in subpackages.
package store

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks Store

import (
	"context"

	"enrolld/internal/enrollment/models"
)

// Store persists enrollment records.
//
// Contract:
//   - Create assigns ID (when empty), Version=1 and both timestamps; it fails
//     with sentinel.ErrConflict when the identity number is already taken.
//   - Update is a compare-and-swap on Version: the stored record must still
//     have rec.Version, otherwise sentinel.ErrConflict. On success rec.Version
//     is incremented and UpdatedAt refreshed.
//   - Find*, Update and Delete fail with sentinel.ErrNotFound for unknown records.
//   - Any failure reaching the backend is wrapped with sentinel.ErrUnavailable.
//   - Writes replace the whole record; readers never observe partial updates.
type Store interface {
	Create(ctx context.Context, rec *models.Enrollment) error
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindByIdentityNumber(ctx context.Context, identityNumber string) (*models.Enrollment, error)
	Update(ctx context.Context, rec *models.Enrollment) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter models.Filter) ([]*models.Enrollment, error)
	Count(ctx context.Context, filter models.Filter) (int, error)
	Ping(ctx context.Context) error
}
