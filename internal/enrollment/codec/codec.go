// Package codec converts enrollment messages to and from the JSON wire format.
//
// Decoding checks structure only: required fields are present, primitives
// have the right type, dates parse and the operation is known. Business
// validation (identity checksum, age classification) belongs to the processor.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"enrolld/internal/enrollment/models"
)

// ContentType is the MIME type of encoded messages.
const ContentType = "application/json"

// ErrMalformedMessage is returned for payloads that cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

// FieldError names the offending field of a malformed message.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: field %q %s", ErrMalformedMessage, e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrMalformedMessage }

// wireMessage mirrors the JSON layout. Pointers distinguish absent fields
// from empty ones.
type wireMessage struct {
	MessageID      *string `json:"message_id"`
	Operation      *string `json:"operation"`
	IdentityNumber *string `json:"identity_number"`
	FullName       *string `json:"full_name,omitempty"`
	BirthDate      *string `json:"birth_date,omitempty"`
	Status         *string `json:"status,omitempty"`
	RequestedAt    *string `json:"requested_at,omitempty"`
}

// Decode parses a wire payload into a Message.
func Decode(b []byte) (*models.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return nil, &FieldError{Field: typeErr.Field, Reason: "must be a " + typeErr.Type.String()}
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg := &models.Message{}
	var err error
	if msg.MessageID, err = requireString("message_id", w.MessageID); err != nil {
		return nil, err
	}
	op, err := requireString("operation", w.Operation)
	if err != nil {
		return nil, err
	}
	msg.Operation = models.Operation(op)
	if !msg.Operation.Valid() {
		return nil, &FieldError{Field: "operation", Reason: "must be one of create, update, cancel"}
	}
	if msg.IdentityNumber, err = requireString("identity_number", w.IdentityNumber); err != nil {
		return nil, err
	}

	if msg.Operation.RequiresApplicant() || w.FullName != nil {
		if msg.FullName, err = requireString("full_name", w.FullName); err != nil {
			return nil, err
		}
	}
	if msg.Operation.RequiresApplicant() || w.BirthDate != nil {
		raw, err := requireString("birth_date", w.BirthDate)
		if err != nil {
			return nil, err
		}
		if msg.BirthDate, err = time.Parse(time.DateOnly, raw); err != nil {
			return nil, &FieldError{Field: "birth_date", Reason: "must be a YYYY-MM-DD date"}
		}
	}

	if w.Status != nil {
		if msg.Operation != models.OperationUpdate {
			return nil, &FieldError{Field: "status", Reason: "is only allowed on update"}
		}
		if msg.Status, err = models.ParseStatus(*w.Status); err != nil {
			return nil, &FieldError{Field: "status", Reason: "is not a known status"}
		}
		if msg.Status == models.StatusCancelled {
			return nil, &FieldError{Field: "status", Reason: "cancelled must use the cancel operation"}
		}
	}

	if w.RequestedAt != nil {
		ts, err := time.Parse(time.RFC3339, *w.RequestedAt)
		if err != nil {
			return nil, &FieldError{Field: "requested_at", Reason: "must be an RFC3339 timestamp"}
		}
		msg.RequestedAt = &ts
	}
	return msg, nil
}

// Encode renders a Message in the wire format.
func Encode(msg *models.Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode: nil message")
	}
	w := wireMessage{
		MessageID:      &msg.MessageID,
		Operation:      ptr(string(msg.Operation)),
		IdentityNumber: &msg.IdentityNumber,
	}
	if msg.FullName != "" {
		w.FullName = &msg.FullName
	}
	if !msg.BirthDate.IsZero() {
		w.BirthDate = ptr(msg.BirthDate.Format(time.DateOnly))
	}
	if msg.Status != "" {
		w.Status = ptr(string(msg.Status))
	}
	if msg.RequestedAt != nil {
		w.RequestedAt = ptr(msg.RequestedAt.UTC().Format(time.RFC3339))
	}
	return json.Marshal(w)
}

func requireString(field string, v *string) (string, error) {
	if v == nil {
		return "", &FieldError{Field: field, Reason: "is required"}
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return "", &FieldError{Field: field, Reason: "must not be empty"}
	}
	return s, nil
}

func ptr[T any](v T) *T { return &v }
