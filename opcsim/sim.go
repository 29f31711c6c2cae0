// Package opcsim provides an in-memory DA server simulation. It implements
// the opcda connector seam closely enough to exercise every client code
// path, including the failure modes that are hard to provoke on real
// servers: rejected items, read-only tags, phantom enumerator entries and
// a corruptible browse cursor.
package opcsim

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"opclink/opcda"
)

// Host is a simulated machine with registered DA servers.
type Host struct {
	mu      sync.Mutex
	servers map[string]*Server
	names   []string
	listErr error
}

// NewHost returns an empty host.
func NewHost() *Host {
	return &Host{servers: make(map[string]*Server)}
}

// Add registers a server. Registering the same name again is allowed and
// produces a duplicate in enumeration, which real category listings do.
func (h *Host) Add(s *Server) *Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.servers[s.Name] = s
	h.names = append(h.names, s.Name)
	return h
}

// FailList makes EnumerateServers return err.
func (h *Host) FailList(err error) *Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listErr = err
	return h
}

var _ opcda.Connector = (*Host)(nil)

// EnumerateServers implements opcda.Connector. The host argument is
// ignored; a Host simulates exactly one machine.
func (h *Host) EnumerateServers(string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	return append([]string(nil), h.names...), nil
}

// Connect implements opcda.Connector.
func (h *Host) Connect(name string) (opcda.Server, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.servers[name]
	if !ok {
		return nil, &opcda.StatusError{Op: "connect", Code: 0x80040154}
	}
	if s.ConnectErr != nil {
		return nil, s.ConnectErr
	}
	s.reset()
	return s, nil
}

// Branch is one node of a simulated hierarchical namespace.
type Branch struct {
	Name     string
	Children []*Branch
	Leaves   []string
}

func (b *Branch) child(name string) *Branch {
	for _, c := range b.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Server is one simulated DA server. Configure the exported fields before
// handing it to a Host; the zero value is a flat server with no tags.
type Server struct {
	Name string
	Flat bool

	// FlatTags is what a flat enumeration yields. For hierarchical
	// servers a non-nil FlatTags means the server honors the flat
	// shortcut.
	FlatTags []string
	FlatErr  error // flat enumeration refusal
	// FlatFailAfter, when positive, makes the flat enumerator die after
	// producing that many entries.
	FlatFailAfter int

	Root *Branch // hierarchical namespace; nil means empty

	ConnectErr error
	OrgErr     error

	// UpFailAt corrupts the browse cursor: moving up out of the named
	// branch fails.
	UpFailAt string
	// DownFailAt makes descending into the named branch fail.
	DownFailAt string
	// BranchesErr fails every branch enumeration.
	BranchesErr error
	// ItemIDFailFor lists browse names whose item ID resolution fails,
	// forcing the browse-name fallback.
	ItemIDFailFor map[string]bool
	// PhantomEntries injects this many empty placeholder entries at the
	// front of every enumeration, imitating a cold server-side cache.
	PhantomEntries int

	// Values holds readable tag state keyed by fully qualified item ID.
	Values     map[string]opcda.Variant
	Qualities  map[string]uint16
	Timestamps map[string]opcda.Filetime

	// RejectItems maps item IDs to the status code their registration
	// fails with.
	RejectItems map[string]uint32
	// ReadOnly lists item IDs whose writes are rejected.
	ReadOnly map[string]bool
	// ReadErr fails the group-level sync read outright.
	ReadErr error

	// Written records accepted writes for assertions.
	Written map[string]opcda.Variant

	mu            sync.Mutex
	position      []*Branch
	nextGroup     uint32
	groupsLive    map[uint32]*simGroup
	GroupsAdded   int
	GroupsRemoved int
	Disconnected  bool
}

var _ opcda.Server = (*Server)(nil)

func (s *Server) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = nil
	if s.groupsLive == nil {
		s.groupsLive = make(map[uint32]*simGroup)
	}
	if s.Written == nil {
		s.Written = make(map[string]opcda.Variant)
	}
	if s.Values == nil {
		s.Values = make(map[string]opcda.Variant)
	}
}

func (s *Server) Organization() (opcda.Organization, error) {
	if s.OrgErr != nil {
		return 0, s.OrgErr
	}
	if s.Flat {
		return opcda.OrgFlat, nil
	}
	return opcda.OrgHierarchical, nil
}

// current returns the branch the cursor points at, Root when at the top.
func (s *Server) current() *Branch {
	if len(s.position) == 0 {
		if s.Root == nil {
			return &Branch{}
		}
		return s.Root
	}
	return s.position[len(s.position)-1]
}

func (s *Server) BrowseItemIDs(bt opcda.BrowseType, _ string) (*opcda.StringIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	failAfter := 0
	switch bt {
	case opcda.BrowseFlat:
		if s.FlatErr != nil {
			return nil, s.FlatErr
		}
		names = append(names, s.FlatTags...)
		failAfter = s.FlatFailAfter
	case opcda.BrowseBranches:
		if s.BranchesErr != nil {
			return nil, s.BranchesErr
		}
		for _, c := range s.current().Children {
			names = append(names, c.Name)
		}
	case opcda.BrowseLeaves:
		names = append(names, s.current().Leaves...)
	}
	if s.PhantomEntries > 0 {
		names = append(make([]string, s.PhantomEntries), names...)
	}
	return opcda.NewStringIterator(&sliceEnum{names: names, failAfter: failAfter}, 0, zerolog.Nop()), nil
}

func (s *Server) ChangePosition(dir opcda.BrowseDirection, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch dir {
	case opcda.BrowseDown:
		if name == s.DownFailAt {
			return &opcda.StatusError{Op: "browse down", Code: 0x80004003}
		}
		c := s.current().child(name)
		if c == nil {
			return &opcda.StatusError{Op: "browse down", Code: 0xC0040008}
		}
		s.position = append(s.position, c)
		return nil
	case opcda.BrowseUp:
		if len(s.position) == 0 {
			return &opcda.StatusError{Op: "browse up", Code: 0x80004005}
		}
		leaving := s.position[len(s.position)-1]
		if leaving.Name == s.UpFailAt {
			return &opcda.StatusError{Op: "browse up", Code: 0x80004005}
		}
		s.position = s.position[:len(s.position)-1]
		return nil
	}
	return &opcda.StatusError{Op: "browse to", Code: 0x80004001}
}

// ItemID resolves a leaf browse name to a dotted path from the cursor.
func (s *Server) ItemID(browseName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ItemIDFailFor[browseName] {
		return "", &opcda.StatusError{Op: "get item ID", Code: 0x80004003}
	}
	var parts []string
	for _, b := range s.position {
		parts = append(parts, b.Name)
	}
	parts = append(parts, browseName)
	id := parts[0]
	for _, p := range parts[1:] {
		id += "." + p
	}
	return id, nil
}

func (s *Server) AddGroup(name string, _ time.Duration) (opcda.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextGroup++
	g := &simGroup{srv: s, name: name, handle: s.nextGroup}
	if s.groupsLive == nil {
		s.groupsLive = make(map[uint32]*simGroup)
	}
	s.groupsLive[g.handle] = g
	s.GroupsAdded++
	return g, nil
}

func (s *Server) RemoveGroup(handle uint32, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groupsLive[handle]; !ok {
		return fmt.Errorf("no group with handle %d", handle)
	}
	delete(s.groupsLive, handle)
	s.GroupsRemoved++
	return nil
}

func (s *Server) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Disconnected = true
	return nil
}

// LiveGroups reports groups created but not yet removed. Zero after any
// completed operation means the lifecycle held.
func (s *Server) LiveGroups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groupsLive)
}

// simGroup is a registered transient group.
type simGroup struct {
	srv    *Server
	name   string
	handle uint32

	mu       sync.Mutex
	items    map[uint32]string // server handle -> item ID
	clientOf map[uint32]uint32 // server handle -> client handle
	next     uint32
}

var _ opcda.Group = (*simGroup)(nil)

func (g *simGroup) Handle() uint32 { return g.handle }

func (g *simGroup) AddItems(items []opcda.ItemDef) ([]opcda.ItemResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.items == nil {
		g.items = make(map[uint32]string)
		g.clientOf = make(map[uint32]uint32)
	}

	out := make([]opcda.ItemResult, len(items))
	for i, it := range items {
		if code, rejected := g.srv.RejectItems[it.ItemID]; rejected {
			out[i] = opcda.ItemResult{Err: &opcda.StatusError{Op: "register item", Code: code}}
			continue
		}
		if _, known := g.srv.Values[it.ItemID]; !known && !g.srv.ReadOnly[it.ItemID] {
			out[i] = opcda.ItemResult{Err: &opcda.StatusError{Op: "register item", Code: 0xC0040007}}
			continue
		}
		g.next++
		g.items[g.next] = it.ItemID
		g.clientOf[g.next] = it.ClientHandle
		out[i] = opcda.ItemResult{ServerHandle: g.next}
	}
	return out, nil
}

func (g *simGroup) Read(handles []uint32) ([]opcda.ItemState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.srv.ReadErr != nil {
		return nil, g.srv.ReadErr
	}

	out := make([]opcda.ItemState, len(handles))
	for i, h := range handles {
		id, ok := g.items[h]
		if !ok {
			out[i] = opcda.ItemState{Err: &opcda.StatusError{Op: "read item", Code: 0xC0040007}}
			continue
		}
		st := opcda.ItemState{ClientHandle: g.clientOf[h]}
		st.Value = g.srv.Values[id]
		st.Quality = 0xC0
		if q, ok := g.srv.Qualities[id]; ok {
			st.Quality = q
		}
		st.Timestamp = g.srv.Timestamps[id]
		out[i] = st
	}
	return out, nil
}

func (g *simGroup) Write(handles []uint32, values []opcda.Variant) ([]error, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]error, len(handles))
	for i, h := range handles {
		id, ok := g.items[h]
		if !ok {
			out[i] = &opcda.StatusError{Op: "write item", Code: 0xC0040007}
			continue
		}
		if g.srv.ReadOnly[id] {
			out[i] = &opcda.StatusError{Op: "write item", Code: 0xC0040004}
			continue
		}
		g.srv.Written[id] = values[i]
		g.srv.Values[id] = values[i]
	}
	return out, nil
}

// sliceEnum implements the raw enumeration primitive over a fixed slice,
// including the short-final-batch end signal.
type sliceEnum struct {
	names []string
	pos   int
	// failAfter, when positive, makes the enumerator error once that many
	// entries have been produced.
	failAfter int
	released  bool
}

func (e *sliceEnum) Next(dst []string) (int, error) {
	if e.failAfter > 0 && e.pos >= e.failAfter {
		return 0, &opcda.StatusError{Op: "string enumerator", Code: 0x80004003}
	}
	n := 0
	for n < len(dst) && e.pos < len(e.names) {
		dst[n] = e.names[e.pos]
		n++
		e.pos++
	}
	return n, nil
}

func (e *sliceEnum) Release() { e.released = true }
