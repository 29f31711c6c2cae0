package opcda

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"opclink/telemetry"
)

// ClientOptions configures a Client. Zero values select a discarding
// logger, no metrics, and the default browse limits.
type ClientOptions struct {
	Limits  Limits
	Logger  *zerolog.Logger
	Metrics telemetry.Collector
}

// Client is the Provider implementation. All connector traffic is
// serialized onto one thread-locked worker goroutine; the Client itself is
// safe for concurrent use from any number of goroutines.
type Client struct {
	w       *worker
	log     zerolog.Logger
	metrics telemetry.Collector
	limits  Limits

	mu     sync.Mutex
	closed bool
}

// NewClient builds a Client over conn and starts its worker.
func NewClient(conn Connector, opts ClientOptions) *Client {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.Noop{}
	}
	limits := opts.Limits.withDefaults()
	return &Client{
		w:       newWorker(conn, limits, log),
		log:     log,
		metrics: metrics,
		limits:  limits,
	}
}

var _ Provider = (*Client)(nil)

// ListServers implements Provider.
func (c *Client) ListServers(ctx context.Context, host string) ([]string, error) {
	start := time.Now()
	resp := c.w.submit(ctx, request{kind: reqListServers, host: host})
	c.finish("list_servers", start, resp.err)
	return resp.servers, resp.err
}

// BrowseTags implements Provider. When ctx carries no deadline the
// configured browse timeout applies. On deadline the walk keeps running on
// the worker, but whatever reached sink by then is harvested and returned
// alongside ErrBrowseTimeout.
func (c *Client) BrowseTags(ctx context.Context, server string, maxTags int, sink *BrowseSink) ([]string, error) {
	if sink == nil {
		sink = NewBrowseSink()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.limits.BrowseTimeout)
		defer cancel()
	}

	start := time.Now()
	done, err := c.w.enqueue(ctx, request{kind: reqBrowse, server: server, maxTags: maxTags, sink: sink})
	if err != nil {
		c.finish("browse_tags", start, err)
		return nil, err
	}

	select {
	case resp := <-done:
		c.metrics.AddTagsDiscovered(len(resp.tags))
		c.finish("browse_tags", start, resp.err)
		return resp.tags, resp.err
	case <-ctx.Done():
		partial := sink.Snapshot()
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrBrowseTimeout
		}
		c.metrics.AddTagsDiscovered(len(partial))
		c.finish("browse_tags", start, err)
		c.log.Warn().Str("server", server).Int("partial_tags", len(partial)).
			Msg("browse abandoned, returning partial result")
		return partial, err
	}
}

// ReadTagValues implements Provider.
func (c *Client) ReadTagValues(ctx context.Context, server string, tagIDs []string) ([]TagValue, error) {
	start := time.Now()
	resp := c.w.submit(ctx, request{kind: reqRead, server: server, tagIDs: tagIDs})
	c.finish("read_tag_values", start, resp.err)
	return resp.values, resp.err
}

// WriteTagValue implements Provider.
func (c *Client) WriteTagValue(ctx context.Context, server, tagID string, v Value) (WriteResult, error) {
	start := time.Now()
	resp := c.w.submit(ctx, request{kind: reqWrite, server: server, tagID: tagID, value: v})
	c.finish("write_tag_value", start, resp.err)
	return resp.write, resp.err
}

// Close implements Provider. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.w.close()
	return nil
}

// finish emits the per-operation log line and metric. Raw status codes are
// preserved in the error chain and rendered by the StatusError itself.
func (c *Client) finish(op string, start time.Time, err error) {
	elapsed := time.Since(start)
	c.metrics.ObserveOp(op, elapsed, err)
	ev := c.log.Debug()
	if err != nil {
		ev = c.log.Warn().Err(err)
		if code, ok := StatusCode(err); ok {
			ev = ev.Str("code", FormatCode(code))
		}
	}
	ev.Str("op", op).Dur("elapsed", elapsed).Msg("operation finished")
}
