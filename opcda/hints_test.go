package opcda

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCode(t *testing.T) {
	t.Run("known code carries hint", func(t *testing.T) {
		assert.Equal(t, "0xC0040007: Item ID is not known to the server", FormatCode(0xC0040007))
	})
	t.Run("unknown code is raw uppercase hex", func(t *testing.T) {
		assert.Equal(t, "0xDEADBEEF", FormatCode(0xDEADBEEF))
	})
	t.Run("small code zero padded", func(t *testing.T) {
		assert.Equal(t, "0x00000001", FormatCode(1))
	})
}

func TestHintFor(t *testing.T) {
	h, ok := HintFor(0xC0040004)
	require.True(t, ok)
	assert.Contains(t, h, "read-only")

	_, ok = HintFor(0x12345678)
	assert.False(t, ok)
}

func TestIsConnectionError(t *testing.T) {
	for _, code := range []uint32{0x800706BA, 0x800706BE, 0x800706BF, 0x80080005} {
		assert.True(t, IsConnectionError(code), "0x%08X", code)
	}
	assert.False(t, IsConnectionError(0xC0040007))
	assert.False(t, IsConnectionError(0))
}

func TestStatusCodeExtraction(t *testing.T) {
	base := &StatusError{Op: "sync read", Code: 0x800706BA}
	wrapped := fmt.Errorf("read tags: %w", fmt.Errorf("server: %w", base))

	code, ok := StatusCode(wrapped)
	require.True(t, ok)
	assert.Equal(t, uint32(0x800706BA), code)

	_, ok = StatusCode(errors.New("plain"))
	assert.False(t, ok)
}

func TestStatusErrorText(t *testing.T) {
	err := &StatusError{Op: "add group", Code: 0x80070005}
	assert.Equal(t, "add group: 0x80070005: Access denied (check DCOM permissions and user identity)", err.Error())

	bare := &StatusError{Code: 0xDEADBEEF}
	assert.Equal(t, "0xDEADBEEF", bare.Error())
}
