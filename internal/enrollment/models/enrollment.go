package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of an enrollment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrInvalidStatus is returned when a status value is not one of the known states.
var ErrInvalidStatus = errors.New("invalid status")

var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusRejected, StatusCancelled},
	StatusActive:    {StatusRejected, StatusCancelled},
	StatusRejected:  {StatusPending, StatusCancelled},
	StatusCancelled: nil,
}

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if _, ok := allowedTransitions[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

func (s Status) String() string { return string(s) }

// CanTransitionTo reports whether moving from s to next is allowed.
// Staying in the same state is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	return slices.Contains(allowedTransitions[s], next)
}

// Enrollment is the persistent enrollment record.
//
// Invariants:
//   - ID is assigned at creation and never changes
//   - IdentityNumber is the normalized 11 digit form and passed checksum validation
//   - AgeGroup was derived from BirthDate on the last write
//   - Version increases by one on every successful write
type Enrollment struct {
	ID                string     `json:"id" bson:"_id"`
	IdentityNumber    string     `json:"identity_number" bson:"identity_number"`
	FullName          string     `json:"full_name" bson:"full_name"`
	BirthDate         time.Time  `json:"birth_date" bson:"birth_date"`
	AgeGroup          string     `json:"age_group" bson:"age_group"`
	Status            Status     `json:"status" bson:"status"`
	RequestedAt       *time.Time `json:"requested_at,omitempty" bson:"requested_at,omitempty"`
	LastMessageID     string     `json:"last_message_id,omitempty" bson:"last_message_id,omitempty"`
	AppliedMessageIDs []string   `json:"-" bson:"applied_message_ids,omitempty"`
	Version           int64      `json:"version" bson:"version"`
	CreatedAt         time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" bson:"updated_at"`
}

// HasApplied reports whether the message id was already applied to this record.
func (e *Enrollment) HasApplied(messageID string) bool {
	if messageID == "" {
		return false
	}
	return e.LastMessageID == messageID || slices.Contains(e.AppliedMessageIDs, messageID)
}

// RecordMessage remembers messageID as the last applied message. Every id
// ever applied stays on the record so a redelivery is detected no matter how
// many writes happened since.
func (e *Enrollment) RecordMessage(messageID string) {
	if messageID == "" || e.HasApplied(messageID) {
		return
	}
	e.LastMessageID = messageID
	e.AppliedMessageIDs = append(e.AppliedMessageIDs, messageID)
}

// TransitionTo changes the status if the move is allowed.
func (e *Enrollment) TransitionTo(next Status) error {
	if !e.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next)
	}
	e.Status = next
	return nil
}

// IsCancelled reports whether the enrollment reached its terminal state.
func (e *Enrollment) IsCancelled() bool {
	return e.Status == StatusCancelled
}

// Clone returns a deep copy so callers never share slices with a store.
func (e *Enrollment) Clone() *Enrollment {
	if e == nil {
		return nil
	}
	c := *e
	c.AppliedMessageIDs = slices.Clone(e.AppliedMessageIDs)
	if e.RequestedAt != nil {
		t := *e.RequestedAt
		c.RequestedAt = &t
	}
	return &c
}

// Filter narrows list queries. Zero values are ignored.
type Filter struct {
	Status   Status
	AgeGroup string
	FullName string
	Offset   int
	Limit    int
}

// DefaultPageSize is used when a filter carries no limit.
const DefaultPageSize = 100
