package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrolld/internal/enrollment/codec"
)

func TestReadPayloads(t *testing.T) {
	t.Run("newline delimited", func(t *testing.T) {
		in := `{"message_id":"m-1","operation":"cancel","identity_number":"11144477735"}
{"message_id":"m-2","operation":"create","identity_number":"111.444.777-35","full_name":"Ana","birth_date":"2000-01-02"}
`
		got, err := readPayloads(strings.NewReader(in))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "m-1", got[0].messageID)
		assert.Equal(t, "m-2", got[1].messageID)
		assert.True(t, strings.HasPrefix(string(got[1].body), `{"message_id":"m-2"`))
	})

	t.Run("one malformed message rejects the batch", func(t *testing.T) {
		in := `{"message_id":"m-1","operation":"cancel","identity_number":"11144477735"}
{"message_id":"m-2","operation":"archive","identity_number":"11144477735"}`
		_, err := readPayloads(strings.NewReader(in))
		require.Error(t, err)
		assert.True(t, errors.Is(err, codec.ErrMalformedMessage))
		assert.Contains(t, err.Error(), "message 2")
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := readPayloads(strings.NewReader(`{"message_id":`))
		assert.Error(t, err)
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := readPayloads(strings.NewReader("  \n"))
		assert.EqualError(t, err, "no messages to publish")
	})
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"api", "worker", "publish", "migrate"})
}
