package opcda

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the Provider facade.
var (
	// ErrSessionInit means the platform session layer could not be brought
	// up on the worker thread. Nothing else can work after this.
	ErrSessionInit = errors.New("session initialization failed")

	// ErrNoValidItems means a batch operation registered zero of its
	// requested items and had nothing left to do.
	ErrNoValidItems = errors.New("no valid items could be registered")

	// ErrItemRegistration classifies a rejected single-item registration.
	ErrItemRegistration = errors.New("item registration rejected")

	// ErrBrowseTimeout means the browse deadline passed; tags gathered so
	// far were harvested and returned alongside this error.
	ErrBrowseTimeout = errors.New("browse timed out")

	// ErrClientClosed is returned for requests made after Close.
	ErrClientClosed = errors.New("client is closed")
)

// StatusError carries a raw platform status code through error wrapping so
// callers can still classify it after context has been added.
type StatusError struct {
	Op   string
	Code uint32
}

func (e *StatusError) Error() string {
	if e.Op == "" {
		return FormatCode(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, FormatCode(e.Code))
}

// StatusCode extracts the raw status code from an error chain, if one is
// present.
func StatusCode(err error) (uint32, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// ConnectError wraps a failure to reach or attach to a named server. The
// underlying StatusError (when present) keeps the raw code available.
type ConnectError struct {
	Server string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %q: %v", e.Server, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ResolveError means a server's display name could not be resolved to a
// connectable identity.
type ResolveError struct {
	Server string
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve server %q: %v", e.Server, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// NavigationError means the server's browse position could not be restored
// after descending into a branch. The cursor must be assumed corrupted, so
// the whole browse is abandoned rather than risking duplicated or missed
// subtrees.
type NavigationError struct {
	Branch string
	Err    error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("browse position corrupted at branch %q: %v", e.Branch, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }
