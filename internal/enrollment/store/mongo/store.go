// Package mongo implements the enrollment store on a MongoDB collection.
// Each record is one document keyed by its id; a unique index on
// identity_number enforces one enrollment per identity number.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"enrolld/internal/enrollment/models"
	"enrolld/pkg/platform/sentinel"
)

// CollectionName is the default collection holding enrollment documents.
const CollectionName = "enrollments"

type Store struct {
	coll       *mongo.Collection
	collection string
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCollection overrides the collection name.
func WithCollection(name string) Option {
	return func(s *Store) { s.collection = name }
}

// New returns a store on db and makes sure the indexes exist.
func New(ctx context.Context, db *mongo.Database, opts ...Option) (*Store, error) {
	s := &Store{
		collection: CollectionName,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.coll = db.Collection(s.collection)
	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureIndexes creates the unique identity index and the list filter indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "identity_number", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_identity_number"),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "age_group", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "full_name", Value: 1}}},
	})
	if err != nil {
		return mapError("ensure indexes", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, rec *models.Enrollment) error {
	doc := rec.Clone()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := s.timestamp()
	doc.Version = 1
	doc.CreatedAt = now
	doc.UpdatedAt = now
	truncate(doc)

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return mapError("create enrollment", err)
	}
	*rec = *doc
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *Store) FindByIdentityNumber(ctx context.Context, identityNumber string) (*models.Enrollment, error) {
	return s.findOne(ctx, bson.M{"identity_number": identityNumber})
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*models.Enrollment, error) {
	var rec models.Enrollment
	if err := s.coll.FindOne(ctx, filter).Decode(&rec); err != nil {
		return nil, mapError("find enrollment", err)
	}
	return &rec, nil
}

// Update replaces the document only if its version still matches rec.Version.
func (s *Store) Update(ctx context.Context, rec *models.Enrollment) error {
	next := rec.Clone()
	next.Version = rec.Version + 1
	next.UpdatedAt = s.timestamp()
	truncate(next)

	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID, "version": rec.Version}, next)
	if err != nil {
		return mapError("update enrollment", err)
	}
	if res.MatchedCount == 0 {
		n, err := s.coll.CountDocuments(ctx, bson.M{"_id": rec.ID}, options.Count().SetLimit(1))
		if err != nil {
			return mapError("update enrollment", err)
		}
		if n == 0 {
			return fmt.Errorf("update enrollment %s: %w", rec.ID, sentinel.ErrNotFound)
		}
		return fmt.Errorf("update enrollment %s: stale version %d: %w", rec.ID, rec.Version, sentinel.ErrConflict)
	}
	*rec = *next
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mapError("delete enrollment", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("delete enrollment %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Store) List(ctx context.Context, filter models.Filter) ([]*models.Enrollment, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultPageSize
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(max(filter.Offset, 0))).
		SetLimit(int64(limit))

	cur, err := s.coll.Find(ctx, toQuery(filter), opts)
	if err != nil {
		return nil, mapError("list enrollments", err)
	}
	out := []*models.Enrollment{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, mapError("list enrollments", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, filter models.Filter) (int, error) {
	n, err := s.coll.CountDocuments(ctx, toQuery(filter))
	if err != nil {
		return 0, mapError("count enrollments", err)
	}
	return int(n), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.coll.Database().Client().Ping(ctx, readpref.Primary()); err != nil {
		return mapError("ping", err)
	}
	return nil
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func toQuery(filter models.Filter) bson.M {
	q := bson.M{}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	if filter.AgeGroup != "" {
		q["age_group"] = filter.AgeGroup
	}
	if filter.FullName != "" {
		q["full_name"] = filter.FullName
	}
	return q
}

// truncate rounds times to the millisecond resolution BSON dates keep, so the
// caller's copy matches what a later read returns.
func truncate(rec *models.Enrollment) {
	rec.BirthDate = rec.BirthDate.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)
	rec.UpdatedAt = rec.UpdatedAt.UTC().Truncate(time.Millisecond)
	if rec.RequestedAt != nil {
		t := rec.RequestedAt.UTC().Truncate(time.Millisecond)
		rec.RequestedAt = &t
	}
}

func mapError(op string, err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w", op, sentinel.ErrConflict)
	default:
		return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
	}
}
