// Package poller provides background polling of configured servers.
package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"opclink/config"
	"opclink/opcda"
)

// ConnectionStatus represents the state of a server connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ManagedServer represents a server under management.
type ManagedServer struct {
	Config    *config.ServerConfig
	Status    ConnectionStatus
	LastError error
	LastPoll  time.Time
	mu        sync.RWMutex

	// Last read values keyed by tag ID. Polled by the worker, read by
	// HTTP handlers and publishers concurrently.
	values *xsync.MapOf[string, opcda.TagValue]
}

// GetStatus returns the current connection status thread-safely.
func (m *ManagedServer) GetStatus() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Status
}

// GetError returns the last error thread-safely.
func (m *ManagedServer) GetError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastError
}

// GetLastPoll returns the time of the last successful poll.
func (m *ManagedServer) GetLastPoll() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastPoll
}

// GetValues returns a copy of the current tag values.
func (m *ManagedServer) GetValues() map[string]opcda.TagValue {
	result := make(map[string]opcda.TagValue)
	m.values.Range(func(k string, v opcda.TagValue) bool {
		result[k] = v
		return true
	})
	return result
}

// GetValue returns the last value read for one tag.
func (m *ManagedServer) GetValue(tagID string) (opcda.TagValue, bool) {
	return m.values.Load(tagID)
}

// ValueChange represents a tag value that has changed.
type ValueChange struct {
	Server string
	Value  opcda.TagValue
}

// PollStats tracks polling statistics for debugging.
type PollStats struct {
	LastPollTime time.Time
	TagsPolled   int
	ChangesFound int
	LastError    error
}

// serverWorker polls a single server in its own goroutine.
type serverWorker struct {
	srv      *ManagedServer
	poller   *Poller
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pollRate time.Duration

	// Per-worker stats
	tagsPolled   int
	changesFound int
	lastError    error
	statsMu      sync.RWMutex
}

func newServerWorker(srv *ManagedServer, p *Poller, pollRate time.Duration) *serverWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &serverWorker{
		srv:      srv,
		poller:   p,
		ctx:      ctx,
		cancel:   cancel,
		pollRate: pollRate,
	}
}

func (w *serverWorker) start() {
	w.wg.Add(1)
	go w.pollLoop()
}

func (w *serverWorker) stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *serverWorker) getStats() (tagsPolled, changesFound int, lastError error) {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.tagsPolled, w.changesFound, w.lastError
}

func (w *serverWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *serverWorker) poll() {
	srv := w.srv

	srv.mu.RLock()
	cfg := srv.Config
	enabled := cfg.Enabled
	serverName := cfg.Name
	progID := cfg.ProgID
	tagsToRead := cfg.Tags
	srv.mu.RUnlock()

	if !enabled || len(tagsToRead) == 0 {
		w.statsMu.Lock()
		w.tagsPolled = 0
		w.changesFound = 0
		w.lastError = nil
		w.statsMu.Unlock()
		return
	}

	// The provider connects lazily and caches the session, so the read
	// itself is the reconnect attempt after a failure.
	ctx, cancel := context.WithTimeout(w.ctx, w.pollRate*2+5*time.Second)
	values, err := w.poller.provider.ReadTagValues(ctx, progID, tagsToRead)
	cancel()

	if err != nil {
		w.poller.log.Warn().Str("server", serverName).Err(err).Msg("poll failed")
		w.setStatus(StatusError, err)

		w.statsMu.Lock()
		w.tagsPolled = len(tagsToRead)
		w.changesFound = 0
		w.lastError = err
		w.statsMu.Unlock()
		return
	}

	w.setStatus(StatusConnected, nil)

	// Detect changes against the last stored values
	var changes []ValueChange
	for _, v := range values {
		old, existed := srv.values.Load(v.TagID)
		if !existed || old.Value != v.Value || old.Quality != v.Quality {
			changes = append(changes, ValueChange{Server: serverName, Value: v})
		}
		srv.values.Store(v.TagID, v)
	}

	srv.mu.Lock()
	srv.LastPoll = time.Now()
	srv.mu.Unlock()

	w.statsMu.Lock()
	w.tagsPolled = len(tagsToRead)
	w.changesFound = len(changes)
	w.lastError = nil
	w.statsMu.Unlock()

	if len(changes) > 0 {
		w.poller.sendChanges(changes)
	}
}

// setStatus updates the server status and fires the health callback on
// transitions.
func (w *serverWorker) setStatus(status ConnectionStatus, err error) {
	srv := w.srv

	srv.mu.Lock()
	prev := srv.Status
	srv.Status = status
	srv.LastError = err
	name := srv.Config.Name
	progID := srv.Config.ProgID
	srv.mu.Unlock()

	if prev == status {
		return
	}

	w.poller.mu.RLock()
	fn := w.poller.onHealthChange
	w.poller.mu.RUnlock()
	if fn != nil {
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		fn(name, progID, status == StatusConnected, status.String(), errMsg)
	}
	w.poller.markStatusDirty()
}

// Poller manages polling workers for all configured servers.
type Poller struct {
	provider opcda.Provider
	log      zerolog.Logger

	servers map[string]*ManagedServer
	workers map[string]*serverWorker
	mu      sync.RWMutex

	pollRate      time.Duration
	batchInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Callbacks
	onChange       func()
	onValueChange  func(changes []ValueChange)
	onHealthChange func(serverName, progID string, online bool, status, errMsg string)

	// Batched update channels
	changeChan  chan []ValueChange
	statusDirty int32

	// Aggregated stats
	lastPollStats PollStats
	statsMu       sync.RWMutex
}

// New creates a poller reading through the given provider.
func New(provider opcda.Provider, pollRate time.Duration, log zerolog.Logger) *Poller {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	return &Poller{
		provider:      provider,
		log:           log,
		servers:       make(map[string]*ManagedServer),
		workers:       make(map[string]*serverWorker),
		pollRate:      pollRate,
		batchInterval: 100 * time.Millisecond,
		changeChan:    make(chan []ValueChange, 100),
	}
}

// SetOnChange sets a callback that fires when server status changes.
func (p *Poller) SetOnChange(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// SetOnValueChange sets a callback that fires when tag values change.
func (p *Poller) SetOnValueChange(fn func(changes []ValueChange)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onValueChange = fn
}

// SetOnHealthChange sets a callback that fires on connect/disconnect
// transitions.
func (p *Poller) SetOnHealthChange(fn func(serverName, progID string, online bool, status, errMsg string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onHealthChange = fn
}

func (p *Poller) markStatusDirty() {
	atomic.StoreInt32(&p.statusDirty, 1)
}

// sendChanges sends value changes to the aggregator channel.
func (p *Poller) sendChanges(changes []ValueChange) {
	select {
	case p.changeChan <- changes:
	default:
		// Channel full, drop oldest and retry
		select {
		case <-p.changeChan:
		default:
		}
		select {
		case p.changeChan <- changes:
		default:
		}
	}
}

// AddServer adds a server to management.
func (p *Poller) AddServer(cfg *config.ServerConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.servers[cfg.Name]; exists {
		return nil // Already exists
	}

	srv := &ManagedServer{
		Config: cfg,
		Status: StatusDisconnected,
		values: xsync.NewMapOf[string, opcda.TagValue](),
	}
	p.servers[cfg.Name] = srv

	// If the poller is running, start a worker for this server
	if p.ctx != nil {
		worker := newServerWorker(srv, p, p.pollRate)
		p.workers[cfg.Name] = worker
		worker.start()
	}

	return nil
}

// RemoveServer removes a server from management.
func (p *Poller) RemoveServer(name string) error {
	p.mu.Lock()
	_, exists := p.servers[name]
	worker := p.workers[name]
	if exists {
		delete(p.servers, name)
		delete(p.workers, name)
	}
	p.mu.Unlock()

	// Stop worker first (outside lock)
	if worker != nil {
		worker.stop()
	}

	p.markStatusDirty()
	return nil
}

// GetServer returns the managed server with the given name.
func (p *Poller) GetServer(name string) *ManagedServer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.servers[name]
}

// ListServers returns all managed servers.
func (p *Poller) ListServers() []*ManagedServer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*ManagedServer, 0, len(p.servers))
	for _, srv := range p.servers {
		result = append(result, srv)
	}
	return result
}

// ServerNames returns the names of all managed servers.
func (p *Poller) ServerNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.servers))
	for name := range p.servers {
		names = append(names, name)
	}
	return names
}

// Start begins background polling for all servers.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return // Already running
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	ctx := p.ctx

	// Start workers for all existing servers
	for name, srv := range p.servers {
		worker := newServerWorker(srv, p, p.pollRate)
		p.workers[name] = worker
		worker.start()
	}
	p.mu.Unlock()

	// Start the batched update loop
	p.wg.Add(1)
	go p.batchedUpdateLoop(ctx)

	// Start the stats aggregator
	p.wg.Add(1)
	go p.statsAggregatorLoop(ctx)
}

// Stop halts all background polling.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}

	workers := make([]*serverWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[string]*serverWorker)
	p.mu.Unlock()

	// Stop workers outside of lock
	for _, w := range workers {
		w.stop()
	}

	p.wg.Wait()

	p.mu.Lock()
	p.ctx = nil
	p.cancel = nil
	p.mu.Unlock()
}

// batchedUpdateLoop aggregates changes and fans them out at a controlled rate.
func (p *Poller) batchedUpdateLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.batchInterval)
	defer ticker.Stop()

	var pendingChanges []ValueChange

	for {
		select {
		case <-ctx.Done():
			// Flush any remaining changes
			if len(pendingChanges) > 0 {
				p.flushValueChanges(pendingChanges)
			}
			return

		case changes := <-p.changeChan:
			pendingChanges = append(pendingChanges, changes...)

		case <-ticker.C:
			if atomic.CompareAndSwapInt32(&p.statusDirty, 1, 0) {
				p.mu.RLock()
				fn := p.onChange
				p.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}

			if len(pendingChanges) > 0 {
				p.flushValueChanges(pendingChanges)
				pendingChanges = nil
			}
		}
	}
}

// flushValueChanges calls the value change callback with accumulated changes.
func (p *Poller) flushValueChanges(changes []ValueChange) {
	p.mu.RLock()
	fn := p.onValueChange
	p.mu.RUnlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

// statsAggregatorLoop periodically aggregates stats from all workers.
func (p *Poller) statsAggregatorLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.aggregateStats()
		}
	}
}

func (p *Poller) aggregateStats() {
	p.mu.RLock()
	workers := make([]*serverWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()

	totalTags := 0
	totalChanges := 0
	var lastErr error

	for _, w := range workers {
		tags, changes, err := w.getStats()
		totalTags += tags
		totalChanges += changes
		if err != nil {
			lastErr = err
		}
	}

	p.statsMu.Lock()
	p.lastPollStats = PollStats{
		LastPollTime: time.Now(),
		TagsPolled:   totalTags,
		ChangesFound: totalChanges,
		LastError:    lastErr,
	}
	p.statsMu.Unlock()
}

// ReadTag reads a single tag on demand, bypassing the poll cycle.
func (p *Poller) ReadTag(ctx context.Context, serverName, tagID string) (opcda.TagValue, error) {
	srv := p.GetServer(serverName)
	if srv == nil {
		return opcda.TagValue{}, fmt.Errorf("server not found: %s", serverName)
	}

	srv.mu.RLock()
	progID := srv.Config.ProgID
	srv.mu.RUnlock()

	values, err := p.provider.ReadTagValues(ctx, progID, []string{tagID})
	if err != nil {
		return opcda.TagValue{}, err
	}
	if len(values) == 0 {
		return opcda.TagValue{}, fmt.Errorf("no value returned for %s", tagID)
	}
	return values[0], nil
}

// WriteTag writes a value to a tag on the named server.
func (p *Poller) WriteTag(ctx context.Context, serverName, tagID string, v opcda.Value) (opcda.WriteResult, error) {
	srv := p.GetServer(serverName)
	if srv == nil {
		return opcda.WriteResult{TagID: tagID}, fmt.Errorf("server not found: %s", serverName)
	}

	srv.mu.RLock()
	progID := srv.Config.ProgID
	srv.mu.RUnlock()

	return p.provider.WriteTagValue(ctx, progID, tagID, v)
}

// IsPolledTag reports whether the tag is configured for polling on the
// named server. Publishers use this as the write validator: only tags the
// gateway owns are writable through it.
func (p *Poller) IsPolledTag(serverName, tagID string) bool {
	srv := p.GetServer(serverName)
	if srv == nil {
		return false
	}

	srv.mu.RLock()
	defer srv.mu.RUnlock()
	for _, t := range srv.Config.Tags {
		if t == tagID {
			return true
		}
	}
	return false
}

// LoadFromConfig adds all servers from configuration.
func (p *Poller) LoadFromConfig(cfg *config.Config) {
	for i := range cfg.Servers {
		p.AddServer(&cfg.Servers[i])
	}
}

// GetPollStats returns the aggregated stats from all workers.
func (p *Poller) GetPollStats() PollStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.lastPollStats
}

// GetAllCurrentValues returns all currently cached tag values for all
// servers. This is used for the initial publish when a broker connects.
func (p *Poller) GetAllCurrentValues() []ValueChange {
	p.mu.RLock()
	servers := make([]*ManagedServer, 0, len(p.servers))
	for _, srv := range p.servers {
		servers = append(servers, srv)
	}
	p.mu.RUnlock()

	var results []ValueChange
	for _, srv := range servers {
		srv.mu.RLock()
		name := srv.Config.Name
		srv.mu.RUnlock()
		srv.values.Range(func(_ string, v opcda.TagValue) bool {
			results = append(results, ValueChange{Server: name, Value: v})
			return true
		})
	}
	return results
}
