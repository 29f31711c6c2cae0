package opcda

import "time"

// Organization is a server's address space shape as reported by the server
// itself.
type Organization int

const (
	OrgHierarchical Organization = iota
	OrgFlat
)

func (o Organization) String() string {
	if o == OrgFlat {
		return "flat"
	}
	return "hierarchical"
}

// BrowseType selects what a browse enumeration returns.
type BrowseType int

const (
	BrowseBranches BrowseType = iota
	BrowseLeaves
	BrowseFlat
)

// BrowseDirection moves the server-side browse position cursor.
type BrowseDirection int

const (
	BrowseUp BrowseDirection = iota
	BrowseDown
	BrowseTo
)

// ItemDef registers one item into a group. ClientHandle is echoed back in
// reads so results can be matched to requests.
type ItemDef struct {
	ItemID       string
	ClientHandle uint32
}

// ItemResult is the per-item outcome of AddItems. A nil Err means the item
// registered and ServerHandle is valid.
type ItemResult struct {
	ServerHandle uint32
	Err          error
}

// ItemState is one item's value as returned by a synchronous group read.
type ItemState struct {
	ClientHandle uint32
	Value        Variant
	Quality      uint16
	Timestamp    Filetime
	Err          error
}

// Connector discovers and attaches to DA servers on a host. Implementations
// are not required to be safe for concurrent use; the Client confines all
// calls to its worker goroutine.
type Connector interface {
	// EnumerateServers lists the server ProgIDs registered on host.
	// Order and duplicates are the implementation's business; callers
	// normalize.
	EnumerateServers(host string) ([]string, error)

	// Connect attaches to a server by name.
	Connect(server string) (Server, error)
}

// Server is one attached DA server. The browse position cursor lives on the
// server side and is mutated by ChangePosition; callers own keeping it
// consistent.
type Server interface {
	// Organization reports whether the namespace is flat or hierarchical.
	Organization() (Organization, error)

	// BrowseItemIDs enumerates names at the current browse position.
	BrowseItemIDs(bt BrowseType, filter string) (*StringIterator, error)

	// ChangePosition moves the browse cursor. The name argument is used
	// for BrowseDown and BrowseTo and ignored for BrowseUp.
	ChangePosition(dir BrowseDirection, name string) error

	// ItemID resolves a browse name at the current position to the fully
	// qualified item ID the server wants in group registrations.
	ItemID(browseName string) (string, error)

	// AddGroup creates a transient named group.
	AddGroup(name string, updateRate time.Duration) (Group, error)

	// RemoveGroup destroys a group by handle.
	RemoveGroup(handle uint32, force bool) error

	// Disconnect releases the server attachment.
	Disconnect() error
}

// Group is a transient server-side item collection used to stage batched
// synchronous reads and writes.
type Group interface {
	// Handle identifies the group for RemoveGroup.
	Handle() uint32

	// AddItems registers items, reporting per-item success independently.
	// The result slice always has len(items) entries, in order.
	AddItems(items []ItemDef) ([]ItemResult, error)

	// Read performs a synchronous device read of the given server handles.
	Read(handles []uint32) ([]ItemState, error)

	// Write performs a synchronous device write. The returned slice has one
	// entry per handle; a nil entry means that write was accepted.
	Write(handles []uint32, values []Variant) ([]error, error)
}
