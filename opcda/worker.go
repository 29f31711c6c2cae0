package opcda

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/rs/zerolog"
)

// Request kinds handled by the worker.
type reqKind int

const (
	reqListServers reqKind = iota
	reqBrowse
	reqRead
	reqWrite
)

// request is one unit of work for the worker goroutine. Exactly one of the
// result fields is populated according to kind.
type request struct {
	kind    reqKind
	host    string
	server  string
	tagIDs  []string
	tagID   string
	value   Value
	maxTags int
	sink    *BrowseSink

	done chan response
}

type response struct {
	servers []string
	tags    []string
	values  []TagValue
	write   WriteResult
	err     error
}

// worker owns all connector traffic. Everything the platform session layer
// requires to stay on one OS thread — the session itself, server
// attachments, browse cursors — lives here and nowhere else.
type worker struct {
	conn    Connector
	limits  Limits
	log     zerolog.Logger
	reqs    chan request
	quit    chan struct{}
	stopped chan struct{}

	// servers caches live attachments by name so back-to-back operations
	// against the same server skip the connect cost. Entries are dropped
	// when an operation fails with a connection-class status code.
	servers map[string]Server
}

func newWorker(conn Connector, limits Limits, log zerolog.Logger) *worker {
	w := &worker{
		conn:    conn,
		limits:  limits.withDefaults(),
		log:     log,
		reqs:    make(chan request),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		servers: make(map[string]Server),
	}
	go w.run()
	return w
}

// run is the worker loop. The thread lock is held for the lifetime of the
// goroutine: the platform session layer binds state to the OS thread, and
// letting the scheduler migrate us would silently invalidate it.
func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.stopped)

	for {
		select {
		case req := <-w.reqs:
			req.done <- w.handle(req)
		case <-w.quit:
			for name, srv := range w.servers {
				if err := srv.Disconnect(); err != nil {
					w.log.Debug().Str("server", name).Err(err).Msg("worker: disconnect on shutdown")
				}
			}
			w.servers = nil
			return
		}
	}
}

func (w *worker) handle(req request) response {
	guard, err := acquireSession()
	if err != nil {
		return response{err: fmt.Errorf("%w: %v", ErrSessionInit, err)}
	}
	defer guard.release()

	switch req.kind {
	case reqListServers:
		servers, err := w.listServers(req.host)
		return response{servers: servers, err: err}
	case reqBrowse:
		tags, err := w.browse(req)
		return response{tags: tags, err: err}
	case reqRead:
		values, err := withServer(w, req.server, func(srv Server) ([]TagValue, error) {
			return readTags(srv, req.tagIDs, w.log)
		})
		return response{values: values, err: err}
	case reqWrite:
		result, err := withServer(w, req.server, func(srv Server) (WriteResult, error) {
			return writeTag(srv, req.tagID, req.value, w.log)
		})
		return response{write: result, err: err}
	}
	return response{err: fmt.Errorf("unknown request kind %d", req.kind)}
}

func (w *worker) listServers(host string) ([]string, error) {
	names, err := w.conn.EnumerateServers(host)
	if err != nil {
		return nil, fmt.Errorf("enumerate servers on %q: %w", host, err)
	}
	sort.Strings(names)
	out := names[:0]
	for i, n := range names {
		if i > 0 && n == names[i-1] {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (w *worker) browse(req request) ([]string, error) {
	limits := w.limits
	if req.maxTags > 0 {
		limits.MaxTags = req.maxTags
	}
	return withServer(w, req.server, func(srv Server) ([]string, error) {
		return browseTags(srv, req.sink, limits, w.log)
	})
}

// withServer runs op against a cached or freshly connected server. A
// connection-class failure means the attachment is a dead proxy, not that
// the server refused the operation: the entry is evicted, the connection
// re-established and the operation run once more, so a stale handle never
// surfaces to a caller the server would have answered.
func withServer[T any](w *worker, server string, op func(Server) (T, error)) (T, error) {
	var zero T
	srv, cached := w.servers[server]
	if !cached {
		var err error
		srv, err = w.conn.Connect(server)
		if err != nil {
			return zero, &ConnectError{Server: server, Err: err}
		}
		w.servers[server] = srv
	}

	out, err := op(srv)
	if err == nil {
		return out, nil
	}
	code, ok := StatusCode(err)
	if !ok || !IsConnectionError(code) {
		return zero, err
	}

	w.log.Warn().Str("server", server).Str("code", FormatCode(code)).
		Msg("worker: connection lost, reconnecting")
	w.evict(server, srv)

	srv, cErr := w.conn.Connect(server)
	if cErr != nil {
		return zero, &ConnectError{Server: server, Err: cErr}
	}
	w.servers[server] = srv

	out, err = op(srv)
	if err != nil {
		if code, ok := StatusCode(err); ok && IsConnectionError(code) {
			w.log.Warn().Str("server", server).Str("code", FormatCode(code)).
				Msg("worker: retry failed, dropping attachment")
			w.evict(server, srv)
		}
		return zero, err
	}
	return out, nil
}

// evict drops a cached attachment after a connection-class failure.
func (w *worker) evict(server string, srv Server) {
	delete(w.servers, server)
	if err := srv.Disconnect(); err != nil {
		w.log.Debug().Str("server", server).Err(err).Msg("worker: disconnect after failure")
	}
}

// enqueue hands a request to the worker and returns the channel its
// response will arrive on. The channel is buffered so the worker never
// blocks delivering to a caller that gave up waiting.
func (w *worker) enqueue(ctx context.Context, req request) (<-chan response, error) {
	req.done = make(chan response, 1)
	select {
	case w.reqs <- req:
		return req.done, nil
	case <-w.quit:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// submit runs a request to completion or until ctx expires. An abandoned
// request still finishes on the worker; its response is discarded.
func (w *worker) submit(ctx context.Context, req request) response {
	done, err := w.enqueue(ctx, req)
	if err != nil {
		return response{err: err}
	}
	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
}

func (w *worker) close() {
	close(w.quit)
	<-w.stopped
}
