package models

import "time"

// Operation tags what an enrollment message asks for.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationCancel Operation = "cancel"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationCancel:
		return true
	}
	return false
}

// RequiresApplicant reports whether the operation must carry applicant fields.
func (op Operation) RequiresApplicant() bool {
	return op == OperationCreate || op == OperationUpdate
}

// Message is the decoded wire representation of an enrollment event.
// IdentityNumber is carried as received; normalization happens in the processor.
type Message struct {
	MessageID      string
	Operation      Operation
	IdentityNumber string
	FullName       string
	BirthDate      time.Time
	Status         Status
	RequestedAt    *time.Time
}
