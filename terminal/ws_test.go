package terminal

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputBytes(t *testing.T) {
	t.Run("plain string", func(t *testing.T) {
		data, err := inputBytes(clientEvent{Type: evInput, Input: "ls -la\n"})
		require.NoError(t, err)
		assert.Equal(t, []byte("ls -la\n"), data)
	})

	t.Run("base64 round-trips raw bytes", func(t *testing.T) {
		// Arrow-key escape sequence plus bytes that are not valid UTF-8.
		raw := []byte{0x1b, '[', 'A', 0x00, 0xff, 0xfe}
		data, err := inputBytes(clientEvent{Type: evInput, InputB64: base64.StdEncoding.EncodeToString(raw)})
		require.NoError(t, err)
		assert.Equal(t, raw, data)
	})

	t.Run("base64 takes precedence", func(t *testing.T) {
		data, err := inputBytes(clientEvent{
			Type:     evInput,
			Input:    "ignored",
			InputB64: base64.StdEncoding.EncodeToString([]byte("wins")),
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("wins"), data)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := inputBytes(clientEvent{Type: evInput, InputB64: "not base64!!"})
		assert.Error(t, err)
	})

	t.Run("empty event writes nothing", func(t *testing.T) {
		data, err := inputBytes(clientEvent{Type: evInput})
		require.NoError(t, err)
		assert.Empty(t, data)
	})
}
