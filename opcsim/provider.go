package opcsim

import (
	"context"

	"opclink/opcda"
)

// ScriptedProvider is a Provider double whose behavior is supplied per
// method. Unset methods return empty results, so a test only scripts what
// it asserts on.
type ScriptedProvider struct {
	ListFn   func(host string) ([]string, error)
	BrowseFn func(server string, maxTags int, sink *opcda.BrowseSink) ([]string, error)
	ReadFn   func(server string, tagIDs []string) ([]opcda.TagValue, error)
	WriteFn  func(server, tagID string, v opcda.Value) (opcda.WriteResult, error)

	Closed bool
}

var _ opcda.Provider = (*ScriptedProvider)(nil)

func (p *ScriptedProvider) ListServers(_ context.Context, host string) ([]string, error) {
	if p.ListFn == nil {
		return nil, nil
	}
	return p.ListFn(host)
}

func (p *ScriptedProvider) BrowseTags(_ context.Context, server string, maxTags int, sink *opcda.BrowseSink) ([]string, error) {
	if p.BrowseFn == nil {
		return nil, nil
	}
	if sink == nil {
		sink = opcda.NewBrowseSink()
	}
	return p.BrowseFn(server, maxTags, sink)
}

func (p *ScriptedProvider) ReadTagValues(_ context.Context, server string, tagIDs []string) ([]opcda.TagValue, error) {
	if p.ReadFn == nil {
		return []opcda.TagValue{}, nil
	}
	return p.ReadFn(server, tagIDs)
}

func (p *ScriptedProvider) WriteTagValue(_ context.Context, server, tagID string, v opcda.Value) (opcda.WriteResult, error) {
	if p.WriteFn == nil {
		return opcda.WriteResult{TagID: tagID, Success: true}, nil
	}
	return p.WriteFn(server, tagID, v)
}

func (p *ScriptedProvider) Close() error {
	p.Closed = true
	return nil
}
