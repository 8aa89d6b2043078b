package processor

import "enrolld/internal/enrollment/models"

// Kind classifies what the consumer must do with a delivery.
type Kind int

const (
	// Applied means the message took effect, or had already taken effect.
	Applied Kind = iota
	// Rejected means the message can never succeed and belongs in the dead-letter queue.
	Rejected
	// Retryable means the message may succeed later and should be redelivered.
	Retryable
)

func (k Kind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Rejected:
		return "rejected"
	case Retryable:
		return "retryable"
	default:
		return "unknown"
	}
}

// Reason is the machine-readable code attached to rejected and retryable outcomes.
type Reason string

const (
	ReasonMalformed         Reason = "malformed"
	ReasonInvalidIdentity   Reason = "invalid_identity"
	ReasonInvalidBirthDate  Reason = "invalid_birth_date"
	ReasonDuplicate         Reason = "duplicate"
	ReasonInvalidTransition Reason = "invalid_transition"
	ReasonNotYetCreated     Reason = "not_yet_created"
	ReasonOrphanedUpdate    Reason = "orphaned_update"
	ReasonStoreUnavailable  Reason = "store_unavailable"
	ReasonWriteConflict     Reason = "write_conflict"
)

// Outcome is the single result of processing one message.
type Outcome struct {
	Kind   Kind
	Reason Reason
	// Err carries the underlying failure for logs and dead-letter detail.
	Err error

	// Populated once the payload decoded.
	MessageID string
	Operation models.Operation
	// Replay is set when an Applied outcome was a redelivery of an already applied message.
	Replay bool
	// EnrollmentID is set for Applied outcomes.
	EnrollmentID string
}

// CountsAgainstBudget reports whether a retry consumes the bounded ordering
// retry budget. Infrastructure retries never do.
func (o Outcome) CountsAgainstBudget() bool {
	return o.Kind == Retryable && o.Reason == ReasonNotYetCreated
}

// Detail returns the error text, or empty when there is none.
func (o Outcome) Detail() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
