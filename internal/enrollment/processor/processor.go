// Package processor applies decoded enrollment messages to the store and
// classifies every message into exactly one Outcome. It never talks to the
// broker; the consumer translates outcomes into acknowledgements.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"enrolld/internal/enrollment/agegroup"
	"enrolld/internal/enrollment/codec"
	"enrolld/internal/enrollment/identity"
	"enrolld/internal/enrollment/lock"
	"enrolld/internal/enrollment/metrics"
	"enrolld/internal/enrollment/models"
	"enrolld/internal/enrollment/store"
	"enrolld/pkg/platform/sentinel"
)

const (
	tracerName = "enrolld/processor"

	// DefaultMaxOrderingRetries bounds how often an update or cancel waits for its create.
	DefaultMaxOrderingRetries = 5

	// maxWriteAttempts bounds the read-modify-write loop when a concurrent
	// writer bumps the version between our read and our write.
	maxWriteAttempts = 3
)

// Processor turns raw message payloads into store writes.
type Processor struct {
	store              store.Store
	groups             *agegroup.Table
	locker             lock.Locker
	logger             *slog.Logger
	metrics            *metrics.Metrics
	tracer             trace.Tracer
	now                func() time.Time
	maxOrderingRetries int
}

// Option configures a Processor.
type Option func(*Processor)

func WithLocker(l lock.Locker) Option {
	return func(p *Processor) { p.locker = l }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

// WithClock sets the reference clock for age classification.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithMaxOrderingRetries sets how many not_yet_created retries a message gets
// before it is rejected as orphaned.
func WithMaxOrderingRetries(n int) Option {
	return func(p *Processor) {
		if n >= 0 {
			p.maxOrderingRetries = n
		}
	}
}

func New(st store.Store, groups *agegroup.Table, opts ...Option) *Processor {
	p := &Processor{
		store:              st,
		groups:             groups,
		locker:             lock.NewLocal(),
		logger:             slog.Default(),
		tracer:             otel.Tracer(tracerName),
		now:                time.Now,
		maxOrderingRetries: DefaultMaxOrderingRetries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.groups == nil {
		p.groups = agegroup.Default()
	}
	return p
}

// Attempt describes the delivery history of a payload.
type Attempt struct {
	// OrderingRetries counts earlier not_yet_created outcomes for this message.
	OrderingRetries int
}

// Process decodes, validates and applies payload. It never panics and never
// returns an error: every failure is folded into the Outcome.
func (p *Processor) Process(ctx context.Context, payload []byte, attempt Attempt) Outcome {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "enrollment.process")
	defer span.End()

	out := p.process(ctx, payload, attempt)

	op := string(out.Operation)
	if op == "" {
		op = "unknown"
	}
	span.SetAttributes(
		attribute.String("enrollment.message_id", out.MessageID),
		attribute.String("enrollment.operation", op),
		attribute.String("enrollment.outcome", out.Kind.String()),
		attribute.String("enrollment.reason", string(out.Reason)),
		attribute.Int("enrollment.ordering_retries", attempt.OrderingRetries),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
	}
	if out.Kind != Applied {
		span.SetStatus(codes.Error, string(out.Reason))
	}
	p.metrics.IncrementOutcome(out.Kind.String(), string(out.Reason))
	p.metrics.ObserveProcessLatency(op, time.Since(start))
	p.log(ctx, out, attempt)
	return out
}

func (p *Processor) process(ctx context.Context, payload []byte, attempt Attempt) Outcome {
	msg, err := codec.Decode(payload)
	if err != nil {
		return rejected(ReasonMalformed, err)
	}

	out := p.apply(ctx, msg, attempt)
	out.MessageID = msg.MessageID
	out.Operation = msg.Operation
	return out
}

func (p *Processor) apply(ctx context.Context, msg *models.Message, attempt Attempt) Outcome {
	identityNumber, err := identity.Validate(msg.IdentityNumber)
	if err != nil {
		return rejected(ReasonInvalidIdentity, err)
	}

	now := p.now().UTC()
	var group string
	if msg.Operation.RequiresApplicant() {
		group, err = p.groups.Classify(msg.BirthDate, now)
		if err != nil {
			return rejected(ReasonInvalidBirthDate, err)
		}
	}

	release, err := p.locker.Acquire(ctx, identityNumber)
	if err != nil {
		return retryable(ReasonStoreUnavailable, err)
	}
	defer release()

	switch msg.Operation {
	case models.OperationCreate:
		return p.create(ctx, msg, identityNumber, group)
	case models.OperationUpdate, models.OperationCancel:
		return p.modify(ctx, msg, identityNumber, group, now, attempt)
	default:
		// codec.Decode only admits known operations
		return rejected(ReasonMalformed, fmt.Errorf("%w: operation %q", codec.ErrMalformedMessage, msg.Operation))
	}
}

func (p *Processor) create(ctx context.Context, msg *models.Message, identityNumber, group string) Outcome {
	existing, err := p.store.FindByIdentityNumber(ctx, identityNumber)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
	case err != nil:
		return storeFailure(err)
	default:
		return p.existingOnCreate(existing, msg)
	}

	rec := &models.Enrollment{
		IdentityNumber: identityNumber,
		FullName:       msg.FullName,
		BirthDate:      msg.BirthDate,
		AgeGroup:       group,
		Status:         models.StatusPending,
		RequestedAt:    msg.RequestedAt,
	}
	rec.RecordMessage(msg.MessageID)

	err = p.store.Create(ctx, rec)
	if errors.Is(err, sentinel.ErrConflict) {
		// Another writer outside our lock scope created it first.
		existing, findErr := p.store.FindByIdentityNumber(ctx, identityNumber)
		if findErr != nil {
			return storeFailure(findErr)
		}
		return p.existingOnCreate(existing, msg)
	}
	if err != nil {
		return storeFailure(err)
	}
	return applied(rec.ID, false)
}

func (p *Processor) existingOnCreate(existing *models.Enrollment, msg *models.Message) Outcome {
	if existing.HasApplied(msg.MessageID) {
		return applied(existing.ID, true)
	}
	return rejected(ReasonDuplicate, fmt.Errorf("enrollment %s already exists for this identity number (last message %s)", existing.ID, existing.LastMessageID))
}

// modify handles update and cancel with a bounded read-modify-write loop.
func (p *Processor) modify(ctx context.Context, msg *models.Message, identityNumber, group string, now time.Time, attempt Attempt) Outcome {
	var lastErr error
	for range maxWriteAttempts {
		existing, err := p.store.FindByIdentityNumber(ctx, identityNumber)
		if errors.Is(err, sentinel.ErrNotFound) {
			return p.notYetCreated(msg, attempt)
		}
		if err != nil {
			return storeFailure(err)
		}
		if existing.HasApplied(msg.MessageID) {
			return applied(existing.ID, true)
		}

		next := existing.Clone()
		if out, ok := p.mutate(next, msg, group, now); !ok {
			return out
		}

		err = p.store.Update(ctx, next)
		switch {
		case err == nil:
			return applied(next.ID, false)
		case errors.Is(err, sentinel.ErrConflict):
			lastErr = err
			continue
		case errors.Is(err, sentinel.ErrNotFound):
			// deleted between read and write
			return p.notYetCreated(msg, attempt)
		default:
			return storeFailure(err)
		}
	}
	return retryable(ReasonWriteConflict, lastErr)
}

// mutate applies msg to rec in memory. ok is false when the message must not
// be written; out then holds the final outcome.
func (p *Processor) mutate(rec *models.Enrollment, msg *models.Message, group string, now time.Time) (out Outcome, ok bool) {
	switch msg.Operation {
	case models.OperationUpdate:
		if rec.IsCancelled() {
			return rejected(ReasonInvalidTransition, fmt.Errorf("%w: enrollment %s is cancelled", models.ErrInvalidTransition, rec.ID)), false
		}
		if msg.Status != "" {
			if err := rec.TransitionTo(msg.Status); err != nil {
				return rejected(ReasonInvalidTransition, err), false
			}
		}
		rec.FullName = msg.FullName
		rec.BirthDate = msg.BirthDate
		rec.AgeGroup = group
		if msg.RequestedAt != nil {
			rec.RequestedAt = msg.RequestedAt
		}

	case models.OperationCancel:
		if rec.IsCancelled() {
			return applied(rec.ID, false), false
		}
		if err := rec.TransitionTo(models.StatusCancelled); err != nil {
			return rejected(ReasonInvalidTransition, err), false
		}
		// keep age_group consistent with the birth date as of this write
		if g, err := p.groups.Classify(rec.BirthDate, now); err == nil {
			rec.AgeGroup = g
		}
	}

	rec.RecordMessage(msg.MessageID)
	return Outcome{}, true
}

func (p *Processor) notYetCreated(msg *models.Message, attempt Attempt) Outcome {
	if attempt.OrderingRetries >= p.maxOrderingRetries {
		return rejected(ReasonOrphanedUpdate, fmt.Errorf("no enrollment for this identity number after %d retries of %s", attempt.OrderingRetries, msg.Operation))
	}
	return retryable(ReasonNotYetCreated, fmt.Errorf("%s before create: %w", msg.Operation, sentinel.ErrNotFound))
}

func (p *Processor) log(ctx context.Context, out Outcome, attempt Attempt) {
	attrs := []any{
		"message_id", out.MessageID,
		"operation", string(out.Operation),
		"outcome", out.Kind.String(),
		"retries", attempt.OrderingRetries,
	}
	if out.Reason != "" {
		attrs = append(attrs, "reason", string(out.Reason))
	}
	if out.Err != nil {
		attrs = append(attrs, "error", out.Err.Error())
	}

	switch {
	case out.Kind == Applied && out.Replay:
		p.logger.InfoContext(ctx, "enrollment message replayed", append(attrs, "enrollment_id", out.EnrollmentID)...)
	case out.Kind == Applied:
		p.logger.DebugContext(ctx, "enrollment message applied", append(attrs, "enrollment_id", out.EnrollmentID)...)
	case out.Reason == ReasonDuplicate:
		p.logger.WarnContext(ctx, "duplicate enrollment message, replay anomaly", attrs...)
	case out.Reason == ReasonStoreUnavailable:
		p.logger.ErrorContext(ctx, "enrollment store unavailable", attrs...)
	case out.Kind == Rejected:
		p.logger.WarnContext(ctx, "enrollment message rejected", attrs...)
	default:
		p.logger.InfoContext(ctx, "enrollment message deferred", attrs...)
	}
}

func applied(id string, replay bool) Outcome {
	return Outcome{Kind: Applied, EnrollmentID: id, Replay: replay}
}

func rejected(reason Reason, err error) Outcome {
	return Outcome{Kind: Rejected, Reason: reason, Err: err}
}

func retryable(reason Reason, err error) Outcome {
	return Outcome{Kind: Retryable, Reason: reason, Err: err}
}

// storeFailure maps any unexpected repository error to a retry. Only
// ErrNotFound and ErrConflict carry domain meaning; everything else is
// treated as the store being unhealthy so the message is never lost.
func storeFailure(err error) Outcome {
	return retryable(ReasonStoreUnavailable, err)
}
