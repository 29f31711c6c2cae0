package opcda

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// swapSessionHooks installs counting session hooks and restores the
// originals when the test ends.
func swapSessionHooks(t *testing.T, initErr error) (inits, teardowns *int) {
	t.Helper()
	inits, teardowns = new(int), new(int)
	origInit, origTeardown := sessionInit, sessionTeardown
	sessionInit = func() error {
		*inits++
		return initErr
	}
	sessionTeardown = func() { *teardowns++ }
	t.Cleanup(func() {
		sessionInit, sessionTeardown = origInit, origTeardown
	})
	return inits, teardowns
}

func TestSessionGuardPairsAcquireAndRelease(t *testing.T) {
	inits, teardowns := swapSessionHooks(t, nil)

	g, err := acquireSession()
	require.NoError(t, err)
	assert.Equal(t, 1, *inits)
	assert.Equal(t, 0, *teardowns)

	g.release()
	assert.Equal(t, 1, *teardowns)
}

func TestSessionGuardReleaseIsIdempotent(t *testing.T) {
	_, teardowns := swapSessionHooks(t, nil)

	g, err := acquireSession()
	require.NoError(t, err)
	g.release()
	g.release()
	g.release()
	assert.Equal(t, 1, *teardowns)
}

func TestSessionGuardFailedAcquireReleasesNothing(t *testing.T) {
	boom := errors.New("no session for you")
	_, teardowns := swapSessionHooks(t, boom)

	g, err := acquireSession()
	require.ErrorIs(t, err, boom)
	g.release() // nil guard, must be a no-op
	assert.Equal(t, 0, *teardowns)
}
