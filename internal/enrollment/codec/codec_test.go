package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrolld/internal/enrollment/models"
)

func TestDecode_Valid(t *testing.T) {
	t.Run("create message", func(t *testing.T) {
		msg, err := Decode([]byte(`{
			"message_id": "m-1",
			"operation": "create",
			"identity_number": "111.444.777-35",
			"full_name": "Ana Souza",
			"birth_date": "2014-05-02",
			"requested_at": "2026-01-02T10:00:00Z",
			"unknown": 42
		}`))
		require.NoError(t, err)
		assert.Equal(t, "m-1", msg.MessageID)
		assert.Equal(t, models.OperationCreate, msg.Operation)
		assert.Equal(t, "111.444.777-35", msg.IdentityNumber)
		assert.Equal(t, "Ana Souza", msg.FullName)
		assert.Equal(t, time.Date(2014, time.May, 2, 0, 0, 0, 0, time.UTC), msg.BirthDate)
		require.NotNil(t, msg.RequestedAt)
		assert.Equal(t, time.Date(2026, time.January, 2, 10, 0, 0, 0, time.UTC), *msg.RequestedAt)
	})

	t.Run("cancel without applicant fields", func(t *testing.T) {
		msg, err := Decode([]byte(`{"message_id":"m-2","operation":"cancel","identity_number":"11144477735"}`))
		require.NoError(t, err)
		assert.Equal(t, models.OperationCancel, msg.Operation)
		assert.True(t, msg.BirthDate.IsZero())
	})

	t.Run("update with status", func(t *testing.T) {
		msg, err := Decode([]byte(`{"message_id":"m-3","operation":"update","identity_number":"11144477735",
			"full_name":"Ana","birth_date":"2014-05-02","status":"active"}`))
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, msg.Status)
	})
}

func TestDecode_Malformed(t *testing.T) {
	tests := map[string]struct {
		body  string
		field string
	}{
		"not json":              {`{"message_id":`, ""},
		"array body":            {`[]`, ""},
		"missing message id":    {`{"operation":"cancel","identity_number":"1"}`, "message_id"},
		"empty message id":      {`{"message_id":" ","operation":"cancel","identity_number":"1"}`, "message_id"},
		"numeric message id":    {`{"message_id":7,"operation":"cancel","identity_number":"1"}`, "message_id"},
		"unknown operation":     {`{"message_id":"m","operation":"merge","identity_number":"1"}`, "operation"},
		"missing identity":      {`{"message_id":"m","operation":"cancel"}`, "identity_number"},
		"create without name":   {`{"message_id":"m","operation":"create","identity_number":"1","birth_date":"2000-01-01"}`, "full_name"},
		"create without birth":  {`{"message_id":"m","operation":"create","identity_number":"1","full_name":"A"}`, "birth_date"},
		"bad birth date":        {`{"message_id":"m","operation":"create","identity_number":"1","full_name":"A","birth_date":"01/02/2000"}`, "birth_date"},
		"status on create":      {`{"message_id":"m","operation":"create","identity_number":"1","full_name":"A","birth_date":"2000-01-01","status":"active"}`, "status"},
		"unknown status":        {`{"message_id":"m","operation":"update","identity_number":"1","full_name":"A","birth_date":"2000-01-01","status":"approved"}`, "status"},
		"cancelled via update":  {`{"message_id":"m","operation":"update","identity_number":"1","full_name":"A","birth_date":"2000-01-01","status":"cancelled"}`, "status"},
		"bad requested at":      {`{"message_id":"m","operation":"cancel","identity_number":"1","requested_at":"yesterday"}`, "requested_at"},
		"numeric identity":      {`{"message_id":"m","operation":"cancel","identity_number":11144477735}`, "identity_number"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			require.ErrorIs(t, err, ErrMalformedMessage)
			if tt.field != "" {
				var fe *FieldError
				require.True(t, errors.As(err, &fe), "expected FieldError, got %v", err)
				assert.Equal(t, tt.field, fe.Field)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	requested := time.Date(2026, time.January, 2, 10, 0, 0, 0, time.UTC)
	in := &models.Message{
		MessageID:      "m-9",
		Operation:      models.OperationUpdate,
		IdentityNumber: "11144477735",
		FullName:       "Ana Souza",
		BirthDate:      time.Date(2014, time.May, 2, 0, 0, 0, 0, time.UTC),
		Status:         models.StatusActive,
		RequestedAt:    &requested,
	}
	b, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = Encode(nil)
	require.Error(t, err)
}
