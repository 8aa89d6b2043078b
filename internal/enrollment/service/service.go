// Package service is the synchronous enrollment API. It shares validation and
// classification with the queue processor, but reports failures as coded
// errors for the HTTP layer instead of outcomes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"enrolld/internal/enrollment/agegroup"
	"enrolld/internal/enrollment/codec"
	"enrolld/internal/enrollment/identity"
	"enrolld/internal/enrollment/lock"
	"enrolld/internal/enrollment/models"
	"enrolld/internal/enrollment/store"
	"enrolld/internal/platform/rabbitmq"
	dErrors "enrolld/pkg/domain-errors"
	"enrolld/pkg/platform/sentinel"
	"enrolld/pkg/requestcontext"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxCASAttempts  = 3
)

// Publisher sends a confirmed message to the broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// Input carries applicant fields for create, update and async requests.
// Status is honoured on update only.
type Input struct {
	IdentityNumber string
	FullName       string
	BirthDate      time.Time
	Status         models.Status
}

// ListQuery selects one page of enrollments. Page is 1-based.
type ListQuery struct {
	Status   models.Status
	AgeGroup string
	Name     string
	Page     int
	PageSize int
}

// Page is one page of a list query with its totals.
type Page struct {
	Items      []*models.Enrollment
	Page       int
	PageSize   int
	TotalItems int
	TotalPages int
}

type Service struct {
	store     store.Store
	groups    *agegroup.Table
	locker    lock.Locker
	publisher Publisher
	topology  rabbitmq.Topology
	logger    *slog.Logger
	newID     func() string
}

type Option func(*Service)

// WithPublisher enables RequestAsync.
func WithPublisher(p Publisher, t rabbitmq.Topology) Option {
	return func(s *Service) {
		s.publisher = p
		s.topology = t
	}
}

// WithLocker serializes writes per identity number with the worker.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMessageIDs replaces the message id generator.
func WithMessageIDs(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func New(st store.Store, groups *agegroup.Table, opts ...Option) *Service {
	if groups == nil {
		groups = agegroup.Default()
	}
	s := &Service{
		store:  st,
		groups: groups,
		logger: slog.Default(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = lock.NewLocal()
	}
	return s
}

// Create validates and stores a new pending enrollment.
func (s *Service) Create(ctx context.Context, in Input) (*models.Enrollment, error) {
	identityNumber, group, err := s.validate(ctx, in)
	if err != nil {
		return nil, err
	}
	if in.Status != "" {
		return nil, dErrors.New(dErrors.CodeValidation, "status cannot be set on create")
	}

	release, err := s.locker.Acquire(ctx, identityNumber)
	if err != nil {
		return nil, translate(err, "acquire identity lock")
	}
	defer release()

	now := requestcontext.Now(ctx)
	rec := &models.Enrollment{
		IdentityNumber: identityNumber,
		FullName:       in.FullName,
		BirthDate:      in.BirthDate,
		AgeGroup:       group,
		Status:         models.StatusPending,
		RequestedAt:    &now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "identity number already enrolled")
		}
		return nil, translate(err, "create enrollment")
	}
	s.logger.InfoContext(ctx, "enrollment created",
		"enrollment_id", rec.ID,
		"age_group", rec.AgeGroup,
		"request_id", requestcontext.RequestID(ctx),
	)
	return rec, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Enrollment, error) {
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, translate(err, "find enrollment")
	}
	return rec, nil
}

// GetByIdentity accepts formatted or bare identity numbers.
func (s *Service) GetByIdentity(ctx context.Context, raw string) (*models.Enrollment, error) {
	identityNumber, err := identity.Validate(raw)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, err.Error())
	}
	rec, err := s.store.FindByIdentityNumber(ctx, identityNumber)
	if err != nil {
		return nil, translate(err, "find enrollment")
	}
	return rec, nil
}

// Update replaces applicant fields, revalidating the identity number and
// reclassifying the age group. Cancelled enrollments cannot be updated.
func (s *Service) Update(ctx context.Context, id string, in Input) (*models.Enrollment, error) {
	identityNumber, group, err := s.validate(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.modify(ctx, id, func(rec *models.Enrollment) error {
		if rec.IsCancelled() {
			return dErrors.New(dErrors.CodeConflict, "cancelled enrollments cannot be updated")
		}
		if in.Status != "" {
			if err := rec.TransitionTo(in.Status); err != nil {
				return dErrors.Wrap(err, dErrors.CodeConflict, err.Error())
			}
		}
		rec.IdentityNumber = identityNumber
		rec.FullName = in.FullName
		rec.BirthDate = in.BirthDate
		rec.AgeGroup = group
		return nil
	})
}

// Cancel moves the enrollment to its terminal state. Cancelling twice
// returns the record unchanged.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Enrollment, error) {
	now := requestcontext.Now(ctx)
	return s.modify(ctx, id, func(rec *models.Enrollment) error {
		if rec.IsCancelled() {
			return errUnchanged
		}
		if err := rec.TransitionTo(models.StatusCancelled); err != nil {
			return dErrors.Wrap(err, dErrors.CodeConflict, err.Error())
		}
		if g, err := s.groups.Classify(rec.BirthDate, now); err == nil {
			rec.AgeGroup = g
		}
		return nil
	})
}

// Delete physically removes the enrollment.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return translate(err, "delete enrollment")
	}
	s.logger.InfoContext(ctx, "enrollment deleted",
		"enrollment_id", id,
		"request_id", requestcontext.RequestID(ctx),
	)
	return nil
}

func (s *Service) List(ctx context.Context, q ListQuery) (*Page, error) {
	if q.Status != "" {
		if _, err := models.ParseStatus(string(q.Status)); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, err.Error())
		}
	}
	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case q.PageSize < 1:
		q.PageSize = defaultPageSize
	case q.PageSize > maxPageSize:
		q.PageSize = maxPageSize
	}
	if q.Page-1 > math.MaxInt32/q.PageSize {
		return nil, dErrors.New(dErrors.CodeBadRequest, "page is out of range")
	}

	filter := models.Filter{
		Status:   q.Status,
		AgeGroup: q.AgeGroup,
		FullName: strings.TrimSpace(q.Name),
		Offset:   (q.Page - 1) * q.PageSize,
		Limit:    q.PageSize,
	}
	total, err := s.store.Count(ctx, filter)
	if err != nil {
		return nil, translate(err, "count enrollments")
	}
	items, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, translate(err, "list enrollments")
	}
	if items == nil {
		items = []*models.Enrollment{}
	}
	return &Page{
		Items:      items,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalItems: total,
		TotalPages: (total + q.PageSize - 1) / q.PageSize,
	}, nil
}

// RequestAsync validates in and publishes a create message for the worker.
// It returns the generated message id once the broker confirmed the publish.
func (s *Service) RequestAsync(ctx context.Context, in Input) (string, error) {
	if s.publisher == nil {
		return "", dErrors.New(dErrors.CodeUnavailable, "asynchronous requests are not enabled")
	}
	identityNumber, _, err := s.validate(ctx, in)
	if err != nil {
		return "", err
	}
	if in.Status != "" {
		return "", dErrors.New(dErrors.CodeValidation, "status cannot be set on create")
	}

	now := requestcontext.Now(ctx).UTC()
	msg := &models.Message{
		MessageID:      s.newID(),
		Operation:      models.OperationCreate,
		IdentityNumber: identityNumber,
		FullName:       in.FullName,
		BirthDate:      in.BirthDate,
		RequestedAt:    &now,
	}
	body, err := codec.Encode(msg)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "encode message")
	}
	err = s.publisher.Publish(ctx, s.topology.Exchange, s.topology.RoutingKey, amqp.Publishing{
		ContentType:   codec.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.MessageID,
		CorrelationId: requestcontext.RequestID(ctx),
		Body:          body,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "enrollment request publish failed",
			"message_id", msg.MessageID,
			"error", err.Error(),
		)
		return "", dErrors.Wrap(err, dErrors.CodeUnavailable, "enrollment queue unavailable")
	}
	s.logger.InfoContext(ctx, "enrollment request queued",
		"message_id", msg.MessageID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return msg.MessageID, nil
}

// AgeGroups returns the configured boundary table.
func (s *Service) AgeGroups() []agegroup.Group {
	return s.groups.Groups()
}

// Health reports whether the store is reachable.
func (s *Service) Health(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return translate(err, "store health")
	}
	return nil
}

var errUnchanged = errors.New("unchanged")

// modify runs a read-mutate-CAS cycle under the identity lock. A version
// conflict is retried with a fresh read; a conflict that leaves the version
// untouched means the new identity number is taken.
func (s *Service) modify(ctx context.Context, id string, mutate func(*models.Enrollment) error) (*models.Enrollment, error) {
	current, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, translate(err, "find enrollment")
	}
	release, err := s.locker.Acquire(ctx, current.IdentityNumber)
	if err != nil {
		return nil, translate(err, "acquire identity lock")
	}
	defer release()

	for attempt := 1; ; attempt++ {
		rec, err := s.store.FindByID(ctx, id)
		if err != nil {
			return nil, translate(err, "find enrollment")
		}
		read := rec.Version
		if err := mutate(rec); err != nil {
			if errors.Is(err, errUnchanged) {
				return rec, nil
			}
			return nil, err
		}

		err = s.store.Update(ctx, rec)
		if err == nil {
			s.logger.InfoContext(ctx, "enrollment updated",
				"enrollment_id", rec.ID,
				"status", rec.Status.String(),
				"version", rec.Version,
				"request_id", requestcontext.RequestID(ctx),
			)
			return rec, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, translate(err, "update enrollment")
		}

		latest, findErr := s.store.FindByID(ctx, id)
		if findErr != nil {
			return nil, translate(findErr, "find enrollment")
		}
		if latest.Version == read {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "identity number already enrolled")
		}
		if attempt >= maxCASAttempts {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "enrollment modified concurrently")
		}
	}
}

// validate normalizes the identity number and classifies the birth date.
func (s *Service) validate(ctx context.Context, in Input) (string, string, error) {
	identityNumber, err := identity.Validate(in.IdentityNumber)
	if err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeValidation, err.Error())
	}
	if strings.TrimSpace(in.FullName) == "" {
		return "", "", dErrors.New(dErrors.CodeValidation, "full_name is required")
	}
	if in.BirthDate.IsZero() {
		return "", "", dErrors.New(dErrors.CodeValidation, "birth_date is required")
	}
	if in.Status != "" {
		if _, err := models.ParseStatus(string(in.Status)); err != nil {
			return "", "", dErrors.Wrap(err, dErrors.CodeValidation, err.Error())
		}
	}
	group, err := s.groups.Classify(in.BirthDate, requestcontext.Now(ctx))
	if err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeValidation, err.Error())
	}
	return identityNumber, group, nil
}

// translate maps store and lock sentinels to coded errors.
func translate(err error, op string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "enrollment not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "enrollment conflict")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "storage temporarily unavailable")
	default:
		return dErrors.Wrap(fmt.Errorf("%s: %w", op, err), dErrors.CodeInternal, "internal error")
	}
}
