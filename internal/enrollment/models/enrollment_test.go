package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusCancelled, true},
		{StatusActive, StatusPending, false},
		{StatusRejected, StatusPending, true},
		{StatusCancelled, StatusActive, false},
		{StatusCancelled, StatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s to %s", tt.from, tt.to), func(t *testing.T) {
			e := &Enrollment{Status: tt.from}
			err := e.TransitionTo(tt.to)
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, tt.to, e.Status)
				return
			}
			require.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tt.from, e.Status)
		})
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("active")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s)

	_, err = ParseStatus("APPROVED")
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRecordMessage(t *testing.T) {
	t.Run("remembers last and earlier ids", func(t *testing.T) {
		e := &Enrollment{}
		e.RecordMessage("m1")
		e.RecordMessage("m2")

		assert.Equal(t, "m2", e.LastMessageID)
		assert.True(t, e.HasApplied("m1"))
		assert.True(t, e.HasApplied("m2"))
		assert.False(t, e.HasApplied("m3"))
		assert.False(t, e.HasApplied(""))
	})

	t.Run("replay does not reorder", func(t *testing.T) {
		e := &Enrollment{}
		e.RecordMessage("m1")
		e.RecordMessage("m2")
		e.RecordMessage("m1")

		assert.Equal(t, "m2", e.LastMessageID)
		assert.Len(t, e.AppliedMessageIDs, 2)
	})

	t.Run("oldest id is still known after many writes", func(t *testing.T) {
		e := &Enrollment{}
		for i := range 200 {
			e.RecordMessage(fmt.Sprintf("m%d", i))
		}
		assert.Len(t, e.AppliedMessageIDs, 200)
		assert.True(t, e.HasApplied("m0"))
		assert.Equal(t, "m199", e.LastMessageID)
	})
}

func TestClone(t *testing.T) {
	e := &Enrollment{ID: "a", AppliedMessageIDs: []string{"m1"}}
	c := e.Clone()
	c.AppliedMessageIDs[0] = "changed"
	assert.Equal(t, "m1", e.AppliedMessageIDs[0])
	assert.Nil(t, (*Enrollment)(nil).Clone())
}
