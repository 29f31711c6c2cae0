package opcda

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Transient group names. Operators see these in server diagnostics when a
// group leaks, so they identify us and the operation.
const (
	readGroupName  = "opclink-read"
	writeGroupName = "opclink-write"

	// groupUpdateRate is a formality: the groups exist only for one
	// synchronous call and are never advised.
	groupUpdateRate = time.Second
)

// readTags reads a batch of tag IDs through a transient group. The result
// always has exactly one entry per requested ID, in request order; items
// the server rejected or failed to read carry sentinel values in place.
func readTags(srv Server, tagIDs []string, log zerolog.Logger) ([]TagValue, error) {
	if len(tagIDs) == 0 {
		return []TagValue{}, nil
	}

	group, err := srv.AddGroup(readGroupName, groupUpdateRate)
	if err != nil {
		return nil, fmt.Errorf("add read group: %w", err)
	}
	defer destroyGroup(srv, group, log)

	defs := make([]ItemDef, len(tagIDs))
	for i, id := range tagIDs {
		defs[i] = ItemDef{ItemID: id, ClientHandle: uint32(i)}
	}
	added, err := group.AddItems(defs)
	if err != nil {
		return nil, fmt.Errorf("register items: %w", err)
	}

	// Every slot starts as the not-registered sentinel; successful items
	// overwrite theirs below. Items rejected at registration keep a
	// sentinel that names the rejection.
	out := make([]TagValue, len(tagIDs))
	for i, id := range tagIDs {
		out[i] = TagValue{TagID: id, Value: "Error", Quality: "Bad — not added to group"}
	}

	var handles []uint32
	index := make(map[uint32]int, len(tagIDs))
	for i, res := range added {
		if res.Err != nil {
			out[i].Quality = "Bad — " + itemErrText(res.Err)
			continue
		}
		index[uint32(i)] = i
		handles = append(handles, res.ServerHandle)
	}
	if len(handles) == 0 {
		return nil, ErrNoValidItems
	}

	states, err := group.Read(handles)
	if err != nil {
		return nil, fmt.Errorf("sync read: %w", err)
	}
	for _, st := range states {
		i, ok := index[st.ClientHandle]
		if !ok {
			log.Warn().Uint32("client_handle", st.ClientHandle).Msg("read: result for unknown handle, dropping")
			continue
		}
		if st.Err != nil {
			out[i].Quality = "Bad — " + itemErrText(st.Err)
			continue
		}
		out[i].Value = st.Value.String()
		out[i].Quality = QualityString(st.Quality)
		out[i].Timestamp = st.Timestamp.String()
	}
	return out, nil
}

// writeTag writes one typed value through a transient group. Per-item
// rejections come back inside the WriteResult; only failures that stopped
// the attempt outright surface as errors.
func writeTag(srv Server, tagID string, v Value, log zerolog.Logger) (WriteResult, error) {
	group, err := srv.AddGroup(writeGroupName, groupUpdateRate)
	if err != nil {
		return WriteResult{}, fmt.Errorf("add write group: %w", err)
	}
	defer destroyGroup(srv, group, log)

	added, err := group.AddItems([]ItemDef{{ItemID: tagID, ClientHandle: 0}})
	if err != nil {
		return WriteResult{}, fmt.Errorf("register item: %w", err)
	}
	if added[0].Err != nil {
		// The server refused the item itself. That is an answer about the
		// write, not an infrastructure failure, so it is reported in the
		// result.
		return WriteResult{
			TagID: tagID,
			Error: fmt.Sprintf("%v: %s", ErrItemRegistration, itemErrText(added[0].Err)),
		}, nil
	}

	errs, err := group.Write([]uint32{added[0].ServerHandle}, []Variant{v.Variant()})
	if err != nil {
		return WriteResult{}, fmt.Errorf("sync write: %w", err)
	}
	if errs[0] != nil {
		return WriteResult{TagID: tagID, Error: itemErrText(errs[0])}, nil
	}
	return WriteResult{TagID: tagID, Success: true}, nil
}

// destroyGroup removes a transient group on every exit path. Removal
// failure is logged, not returned: the operation's own outcome is already
// decided by then and a leaked group must not mask it.
func destroyGroup(srv Server, g Group, log zerolog.Logger) {
	if err := srv.RemoveGroup(g.Handle(), true); err != nil {
		log.Warn().Uint32("group", g.Handle()).Err(err).Msg("failed to remove transient group")
	}
}

// itemErrText renders a per-item failure for sentinel fields: the formatted
// status code when one is available, the error text otherwise.
func itemErrText(err error) string {
	if code, ok := StatusCode(err); ok {
		return FormatCode(code)
	}
	return err.Error()
}
