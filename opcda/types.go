package opcda

import (
	"sync"
	"sync/atomic"
)

// TagValue is one row of a batch read result. Value, Quality and Timestamp
// are already rendered for display; a row whose item failed carries the
// sentinel Value "Error" and a Quality explaining why.
type TagValue struct {
	TagID     string `json:"tag_id"`
	Value     string `json:"value"`
	Quality   string `json:"quality"`
	Timestamp string `json:"timestamp"`
}

// WriteResult reports the outcome of a single-tag write. Error is non-empty
// exactly when Success is false.
type WriteResult struct {
	TagID   string `json:"tag_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ValueKind discriminates the Value union.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt32
	KindFloat64
	KindBool
)

// Value is a typed value to write. The caller chooses the type explicitly
// through one of the constructors; no coercion happens on the way to the
// server, so a server that dislikes the type rejects the write rather than
// receiving a silently converted one.
type Value struct {
	kind ValueKind
	s    string
	i    int32
	f    float64
	b    bool
}

func StringValue(s string) Value   { return Value{kind: KindString, s: s} }
func Int32Value(i int32) Value     { return Value{kind: KindInt32, i: i} }
func Float64Value(f float64) Value { return Value{kind: KindFloat64, f: f} }
func BoolValue(b bool) Value       { return Value{kind: KindBool, b: b} }

// Kind returns the discriminator.
func (v Value) Kind() ValueKind { return v.kind }

// Variant converts the write value to its wire form. The mapping is fixed:
// Int32→VT_I4, Float64→VT_R8, Bool→VT_BOOL, String→VT_BSTR.
func (v Value) Variant() Variant {
	switch v.kind {
	case KindInt32:
		return Variant{VT: VT_I4, Int: int64(v.i)}
	case KindFloat64:
		return Variant{VT: VT_R8, Real: v.f}
	case KindBool:
		return Variant{VT: VT_BOOL, Bool: v.b}
	}
	return Variant{VT: VT_BSTR, Str: v.s}
}

// BrowseSink accumulates tag IDs as a browse discovers them, so a slow walk
// can report progress and surrender a partial result on timeout. One writer
// (the browse itself), any number of concurrent readers.
type BrowseSink struct {
	mu    sync.Mutex
	tags  []string
	count atomic.Int64
}

// NewBrowseSink returns an empty sink.
func NewBrowseSink() *BrowseSink {
	return &BrowseSink{}
}

// Push appends one discovered tag ID and bumps the progress counter.
func (s *BrowseSink) Push(tagID string) {
	s.mu.Lock()
	s.tags = append(s.tags, tagID)
	s.mu.Unlock()
	s.count.Add(1)
}

// Count reports how many tags have been discovered so far. Safe to poll
// from another goroutine while the browse runs.
func (s *BrowseSink) Count() int64 {
	return s.count.Load()
}

// Snapshot copies the tags discovered so far, in discovery order.
func (s *BrowseSink) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tags))
	copy(out, s.tags)
	return out
}
