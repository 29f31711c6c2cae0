package opcda

import (
	"context"
	"time"
)

// Default browse bounds. All three are configurable; the defaults are what
// field experience suggests for mid-size process servers.
const (
	DefaultMaxDepth      = 50
	DefaultMaxTags       = 10000
	DefaultBrowseTimeout = 300 * time.Second
)

// Limits bounds a namespace browse so a pathological or cyclic address
// space cannot run away. Zero fields select the defaults.
type Limits struct {
	MaxDepth      int
	MaxTags       int
	BrowseTimeout time.Duration
	EnumBatchSize int
}

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
	if l.MaxTags <= 0 {
		l.MaxTags = DefaultMaxTags
	}
	if l.BrowseTimeout <= 0 {
		l.BrowseTimeout = DefaultBrowseTimeout
	}
	if l.EnumBatchSize <= 0 {
		l.EnumBatchSize = DefaultEnumBatchSize
	}
	return l
}

// Provider is the full client surface: server discovery, namespace
// browsing, and batched tag I/O. All methods are safe for concurrent use;
// the Client implementation serializes them onto one worker.
type Provider interface {
	// ListServers enumerates DA servers on host, sorted and deduplicated.
	ListServers(ctx context.Context, host string) ([]string, error)

	// BrowseTags walks the server namespace and returns every readable tag
	// ID, up to maxTags (0 selects the configured default). Discovered tags
	// are also streamed into sink as the walk runs, so a caller that times
	// out still holds the partial harvest; in that case the returned slice
	// is the sink snapshot and the error is ErrBrowseTimeout.
	BrowseTags(ctx context.Context, server string, maxTags int, sink *BrowseSink) ([]string, error)

	// ReadTagValues reads a batch of tags. On success the result has
	// exactly one TagValue per requested ID, in request order; items that
	// failed individually carry sentinel values rather than dropping out.
	ReadTagValues(ctx context.Context, server string, tagIDs []string) ([]TagValue, error)

	// WriteTagValue writes one typed value to one tag. Per-item rejections
	// (unknown item, read-only, bad type) come back inside the WriteResult
	// with a nil error; the error return is for failures that prevented
	// the attempt entirely.
	WriteTagValue(ctx context.Context, server, tagID string, v Value) (WriteResult, error)

	// Close stops the worker and releases cached connections.
	Close() error
}
