// Package postgres implements the enrollment store on PostgreSQL. Filterable
// fields are plain columns; replay metadata lives in a JSONB document column.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"enrolld/internal/enrollment/models"
	"enrolld/pkg/platform/sentinel"
)

const uniqueViolation = "23505"

// Store persists enrollments in the enrollments table created by Migrate.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// document holds the fields that are never filtered on.
type document struct {
	RequestedAt       *time.Time `json:"requested_at,omitempty"`
	LastMessageID     string     `json:"last_message_id,omitempty"`
	AppliedMessageIDs []string   `json:"applied_message_ids,omitempty"`
}

const selectColumns = `id, identity_number, full_name, birth_date, age_group, status, version, document, created_at, updated_at`

func (s *Store) Create(ctx context.Context, rec *models.Enrollment) error {
	next := rec.Clone()
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	now := s.timestamp()
	next.Version = 1
	next.CreatedAt = now
	next.UpdatedAt = now
	normalize(next)

	doc, err := encodeDocument(next)
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	query := `
		INSERT INTO enrollments (` + selectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.ExecContext(ctx, query,
		next.ID,
		next.IdentityNumber,
		next.FullName,
		next.BirthDate,
		next.AgeGroup,
		string(next.Status),
		next.Version,
		doc,
		next.CreatedAt,
		next.UpdatedAt,
	)
	if err != nil {
		return mapError("create enrollment", err)
	}
	*rec = *next
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := `SELECT ` + selectColumns + ` FROM enrollments WHERE id = $1`
	rec, err := scanEnrollment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapError("find enrollment", err)
	}
	return rec, nil
}

func (s *Store) FindByIdentityNumber(ctx context.Context, identityNumber string) (*models.Enrollment, error) {
	query := `SELECT ` + selectColumns + ` FROM enrollments WHERE identity_number = $1`
	rec, err := scanEnrollment(s.db.QueryRowContext(ctx, query, identityNumber))
	if err != nil {
		return nil, mapError("find enrollment by identity", err)
	}
	return rec, nil
}

// Update writes rec only if the stored version still equals rec.Version.
// The guarded UPDATE is a single statement, so concurrent writers cannot both win.
func (s *Store) Update(ctx context.Context, rec *models.Enrollment) error {
	next := rec.Clone()
	next.Version = rec.Version + 1
	next.UpdatedAt = s.timestamp()
	normalize(next)

	doc, err := encodeDocument(next)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	query := `
		UPDATE enrollments
		SET identity_number = $3,
			full_name = $4,
			birth_date = $5,
			age_group = $6,
			status = $7,
			version = $8,
			document = $9,
			updated_at = $10
		WHERE id = $1 AND version = $2
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Version,
		next.IdentityNumber,
		next.FullName,
		next.BirthDate,
		next.AgeGroup,
		string(next.Status),
		next.Version,
		doc,
		next.UpdatedAt,
	)
	if err != nil {
		return mapError("update enrollment", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError("update enrollment", err)
	}
	if affected == 0 {
		var exists bool
		err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM enrollments WHERE id = $1)`, rec.ID).Scan(&exists)
		if err != nil {
			return mapError("update enrollment", err)
		}
		if !exists {
			return fmt.Errorf("update enrollment %s: %w", rec.ID, sentinel.ErrNotFound)
		}
		return fmt.Errorf("update enrollment %s: stale version %d: %w", rec.ID, rec.Version, sentinel.ErrConflict)
	}
	*rec = *next
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM enrollments WHERE id = $1`, id)
	if err != nil {
		return mapError("delete enrollment", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError("delete enrollment", err)
	}
	if affected == 0 {
		return fmt.Errorf("delete enrollment %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Store) List(ctx context.Context, filter models.Filter) ([]*models.Enrollment, error) {
	where, args := whereClause(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultPageSize
	}
	args = append(args, limit, max(filter.Offset, 0))
	query := `SELECT ` + selectColumns + ` FROM enrollments` + where +
		` ORDER BY created_at, id LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("list enrollments", err)
	}
	defer rows.Close()

	out := []*models.Enrollment{}
	for rows.Next() {
		rec, err := scanEnrollment(rows)
		if err != nil {
			return nil, mapError("list enrollments", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list enrollments", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, filter models.Filter) (int, error) {
	where, args := whereClause(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrollments`+where, args...).Scan(&n); err != nil {
		return 0, mapError("count enrollments", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return mapError("ping", err)
	}
	return nil
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func whereClause(filter models.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		conds = append(conds, column+" = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.AgeGroup != "" {
		add("age_group", filter.AgeGroup)
	}
	if filter.FullName != "" {
		add("full_name", filter.FullName)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(row scanner) (*models.Enrollment, error) {
	var (
		rec    models.Enrollment
		status string
		raw    []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.IdentityNumber,
		&rec.FullName,
		&rec.BirthDate,
		&rec.AgeGroup,
		&status,
		&rec.Version,
		&raw,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode enrollment document: %w", err)
	}
	rec.Status = models.Status(status)
	rec.RequestedAt = doc.RequestedAt
	rec.LastMessageID = doc.LastMessageID
	rec.AppliedMessageIDs = doc.AppliedMessageIDs
	normalize(&rec)
	return &rec, nil
}

func encodeDocument(rec *models.Enrollment) ([]byte, error) {
	return json.Marshal(document{
		RequestedAt:       rec.RequestedAt,
		LastMessageID:     rec.LastMessageID,
		AppliedMessageIDs: rec.AppliedMessageIDs,
	})
}

// normalize brings times to UTC at column precision so a read returns exactly
// what was written.
func normalize(rec *models.Enrollment) {
	b := rec.BirthDate
	rec.BirthDate = time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	rec.UpdatedAt = rec.UpdatedAt.UTC().Truncate(time.Microsecond)
	if rec.RequestedAt != nil {
		t := rec.RequestedAt.UTC().Truncate(time.Microsecond)
		rec.RequestedAt = &t
	}
}

// mapError keeps not-found and unique violations as domain facts. Connection
// level failures become ErrUnavailable; other server errors pass through.
func mapError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == uniqueViolation:
			return fmt.Errorf("%s: %w", op, sentinel.ErrConflict)
		case transientClass(pqErr.Code.Class()):
			return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
}

// transientClass covers connection exceptions, resource exhaustion and
// operator intervention (shutdown, cancel).
func transientClass(class pq.ErrorClass) bool {
	switch class {
	case "08", "53", "57":
		return true
	}
	return false
}
