package opcda

// Platform session hooks. On Windows these are bound to the COM apartment
// init/teardown calls; elsewhere they are no-ops so the package still
// compiles and the simulated connector works. Tests swap them to count
// acquire/release pairing.
var (
	sessionInit     = func() error { return nil }
	sessionTeardown = func() {}
)

// sessionGuard scopes a platform session on the goroutine that acquired
// it. It is only ever created inside the worker's thread-locked loop and
// must not cross goroutines.
type sessionGuard struct {
	active bool
	_      noCopy
}

// acquireSession initializes the platform session layer for the current
// thread. Acquiring a thread that is already initialized is treated as
// success; the guard still owns exactly one release.
func acquireSession() (*sessionGuard, error) {
	if err := sessionInit(); err != nil {
		// Failed acquire owns nothing. Releasing this guard is a no-op.
		return nil, err
	}
	return &sessionGuard{active: true}, nil
}

// release tears the session back down. Safe to call more than once and on
// a nil guard; only the first call on a live guard does anything.
func (g *sessionGuard) release() {
	if g == nil || !g.active {
		return
	}
	g.active = false
	sessionTeardown()
}

// noCopy triggers go vet's copylocks check when a struct embedding it is
// copied by value.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
