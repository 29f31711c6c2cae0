package opcda_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opclink/opcda"
	"opclink/opcsim"
)

func newClient(t *testing.T, conn opcda.Connector, limits opcda.Limits) *opcda.Client {
	t.Helper()
	c := opcda.NewClient(conn, opcda.ClientOptions{Limits: limits})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func hierarchicalServer() *opcsim.Server {
	return &opcsim.Server{
		Name: "Sim.DA.1",
		Root: &opcsim.Branch{
			Children: []*opcsim.Branch{
				{Name: "Branch1", Leaves: []string{"Leaf1", "Leaf2"}},
				{Name: "Branch2", Leaves: []string{"Leaf3"}},
			},
		},
	}
}

func TestListServers(t *testing.T) {
	host := opcsim.NewHost().
		Add(&opcsim.Server{Name: "Vendor.OPC.2"}).
		Add(&opcsim.Server{Name: "Vendor.OPC.1"}).
		Add(&opcsim.Server{Name: "Vendor.OPC.2"}) // duplicate registration
	c := newClient(t, host, opcda.Limits{})

	got, err := c.ListServers(context.Background(), "localhost")
	require.NoError(t, err)
	assert.Equal(t, []string{"Vendor.OPC.1", "Vendor.OPC.2"}, got)
}

func TestListServersFailure(t *testing.T) {
	host := opcsim.NewHost().FailList(&opcda.StatusError{Op: "enumerate", Code: 0x80040154})
	c := newClient(t, host, opcda.Limits{})

	_, err := c.ListServers(context.Background(), "localhost")
	require.Error(t, err)
	code, ok := opcda.StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x80040154), code)
}

func TestBrowseFlatNamespace(t *testing.T) {
	host := opcsim.NewHost().Add(&opcsim.Server{
		Name:     "Flat.DA.1",
		Flat:     true,
		FlatTags: []string{"Pump.Speed", "Pump.Running"},
	})
	c := newClient(t, host, opcda.Limits{})

	got, err := c.BrowseTags(context.Background(), "Flat.DA.1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Pump.Speed", "Pump.Running"}, got)
}

func TestBrowseHierarchicalOrder(t *testing.T) {
	// Branches are explored before leaves at every level, depth first, so
	// fully qualified paths come out grouped by subtree.
	host := opcsim.NewHost().Add(hierarchicalServer())
	c := newClient(t, host, opcda.Limits{})

	got, err := c.BrowseTags(context.Background(), "Sim.DA.1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Branch1.Leaf1", "Branch1.Leaf2", "Branch2.Leaf3"}, got)
}

func TestBrowseFlatShortcut(t *testing.T) {
	// A hierarchical server that honors flat enumeration never needs the
	// tree walk.
	s := hierarchicalServer()
	s.FlatTags = []string{"Branch1.Leaf1", "Branch1.Leaf2", "Branch2.Leaf3"}
	host := opcsim.NewHost().Add(s)
	c := newClient(t, host, opcda.Limits{})

	got, err := c.BrowseTags(context.Background(), "Sim.DA.1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Branch1.Leaf1", "Branch1.Leaf2", "Branch2.Leaf3"}, got)
}

func TestBrowseFlatShortcutRefusedFallsBack(t *testing.T) {
	s := hierarchicalServer()
	s.FlatErr = &opcda.StatusError{Op: "flat browse", Code: 0x80004001}
	host := opcsim.NewHost().Add(s)
	c := newClient(t, host, opcda.Limits{})

	got, err := c.BrowseTags(context.Background(), "Sim.DA.1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Branch1.Leaf1", "Branch1.Leaf2", "Branch2.Leaf3"}, got)
}

func TestBrowseMaxTags(t *testing.T) {
	var tags []string
	for i := 0; i < 50; i++ {
		tags = append(tags, "T")
	}
	host := opcsim.NewHost().Add(&opcsim.Server{Name: "Flat.DA.1", Flat: true, FlatTags: tags})
	c := newClient(t, host, opcda.Limits{})

	got, err := c.BrowseTags(context.Background(), "Flat.DA.1", 10, nil)
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestBrowseDepthCap(t *testing.T) {
	// A chain deeper than the cap: the shallow leaf is reachable, the one
	// below the cap is not.
	deep := &opcsim.Branch{Name: "L4", Leaves: []string{"TooDeep"}}
	root := &opcsim.Branch{
		Children: []*opcsim.Branch{{
			Name:   "L1",
			Leaves: []string{"Shallow"},
			Children: []*opcsim.Branch{{
				Name:     "L2",
				Children: []*opcsim.Branch{{Name: "L3", Children: []*opcsim.Branch{deep}}},
			}},
		}},
	}
	host := opcsim.NewHost().Add(&opcsim.Server{Name: "Deep.DA.1", Root: root})
	c := newClient(t, host, opcda.Limits{MaxDepth: 3})

	got, err := c.BrowseTags(context.Background(), "Deep.DA.1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"L1.Shallow"}, got)
}

func TestBrowseLeafAtDepthCap(t *testing.T) {
	// A leaf sitting exactly at the cap is still collected; pruning starts
	// one level below it.
	root := &opcsim.Branch{
		Children: []*opcsim.Branch{{
			Name: "L1",
			Children: []*opcsim.Branch{{
				Name:     "L2",
				Leaves:   []string{"AtCap"},
				Children: []*opcsim.Branch{{Name: "L3", Leaves: []string{"Below"}}},
			}},
		}},
	}
	host := opcsim.NewHost().Add(&opcsim.Server{Name: "Deep.DA.1", Root: root})
	c := newClient(t, host, opcda.Limits{MaxDepth: 2})

	got, err := c.BrowseTags(context.Background(), "Deep.DA.1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"L1.L2.AtCap"}, got)
}

func TestBrowseBranchEnumerationFailureIsFatal(t *testing.T) {
	// Losing a branch listing means losing an unknown amount of tree, so
	// the walk must not dress the remainder up as a complete result.
	s := &opcsim.Server{
		Name: "Sim.DA.1",
		Root: &opcsim.Branch{
			Leaves:   []string{"RootLeaf"},
			Children: []*opcsim.Branch{{Name: "X", Leaves: []string{"Hidden"}}},
		},
		BranchesErr: &opcda.StatusError{Op: "browse branches", Code: 0x80004005},
	}
	host := opcsim.NewHost().Add(s)
	c := newClient(t, host, opcda.Limits{})

	_, err := c.BrowseTags(context.Background(), "Sim.DA.1", 0, nil)
	require.Error(t, err)
	code, ok := opcda.StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x80004005), code)
}

func TestBrowsePositionCorruptionIsFatal(t *testing.T) {
	s := hierarchicalServer()
	s.UpFailAt = "Branch1"
	host := opcsim.NewHost().Add(s)
	c := newClient(t, host, opcda.Limits{})

	sink := opcda.NewBrowseSink()
	_, err := c.BrowseTags(context.Background(), "Sim.DA.1", 0, sink)
	require.Error(t, err)
	var nav *opcda.NavigationError
	require.ErrorAs(t, err, &nav)
	assert.Equal(t, "Branch1", nav.Branch)

	// Nothing from the sibling branch was harvested after the abort.
	for _, tag := range sink.Snapshot() {
		assert.NotContains(t, tag, "Branch2")
	}
}

func TestBrowseDescentFailureSkipsBranch(t *testing.T) {
	s := hierarchicalServer()
	s.DownFailAt = "Branch1"
	host := opcsim.NewHost().Add(s)
	c := newClient(t, host, opcda.Limits{})

	got, err := c.BrowseTags(context.Background(), "Sim.DA.1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Branch2.Leaf3"}, got)
}

func TestBrowseItemIDFallback(t *testing.T) {
	s := hierarchicalServer()
	s.ItemIDFailFor = map[string]bool{"Leaf2": true}
	host := opcsim.NewHost().Add(s)
	c := newClient(t, host, opcda.Limits{})

	got, err := c.BrowseTags(context.Background(), "Sim.DA.1", 0, nil)
	require.NoError(t, err)
	// Leaf2's resolution failed, so its browse name stands in for the
	// fully qualified ID.
	assert.Equal(t, []string{"Branch1.Leaf1", "Leaf2", "Branch2.Leaf3"}, got)
}

func TestBrowsePhantomEntriesFiltered(t *testing.T) {
	host := opcsim.NewHost().Add(&opcsim.Server{
		Name:           "Flat.DA.1",
		Flat:           true,
		FlatTags:       []string{"Real1", "Real2"},
		PhantomEntries: 3,
	})
	c := newClient(t, host, opcda.Limits{})

	got, err := c.BrowseTags(context.Background(), "Flat.DA.1", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Real1", "Real2"}, got)
}

func TestBrowseTimeoutHarvestsPartial(t *testing.T) {
	var branches []*opcsim.Branch
	for _, n := range []string{"B1", "B2", "B3", "B4", "B5"} {
		branches = append(branches, &opcsim.Branch{Name: n, Leaves: []string{"Leaf"}})
	}
	host := opcsim.NewHost().Add(&opcsim.Server{Name: "Slow.DA.1", Root: &opcsim.Branch{Children: branches}})
	c := newClient(t, &slowConnector{inner: host, delay: 100 * time.Millisecond}, opcda.Limits{})

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	sink := opcda.NewBrowseSink()
	got, err := c.BrowseTags(ctx, "Slow.DA.1", 0, sink)
	require.ErrorIs(t, err, opcda.ErrBrowseTimeout)
	assert.Less(t, len(got), 5)
	// The walk keeps running on the worker after the harvest, so the sink
	// may only ever be ahead of the snapshot.
	assert.GreaterOrEqual(t, sink.Count(), int64(len(got)))
}

func TestReadTagValues(t *testing.T) {
	host := opcsim.NewHost().Add(&opcsim.Server{
		Name: "Flat.DA.1",
		Flat: true,
		Values: map[string]opcda.Variant{
			"Tank.Level": {VT: opcda.VT_R8, Real: 42.5},
			"Tank.Name":  {VT: opcda.VT_BSTR, Str: "T-100"},
			"Tank.Run":   {VT: opcda.VT_BOOL, Bool: true},
		},
		Qualities:  map[string]uint16{"Tank.Run": 0x40},
		Timestamps: map[string]opcda.Filetime{"Tank.Level": (11644473600 + 1577836800) * 10_000_000},
	})
	c := newClient(t, host, opcda.Limits{})

	got, err := c.ReadTagValues(context.Background(), "Flat.DA.1", []string{"Tank.Level", "Tank.Name", "Tank.Run"})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "Tank.Level", got[0].TagID)
	assert.Equal(t, "42.50", got[0].Value)
	assert.Equal(t, "Good", got[0].Quality)
	assert.NotEqual(t, "N/A", got[0].Timestamp)

	assert.Equal(t, `"T-100"`, got[1].Value)
	assert.Equal(t, "N/A", got[1].Timestamp)

	assert.Equal(t, "true", got[2].Value)
	assert.Equal(t, "Uncertain", got[2].Quality)
}

func TestReadKeepsOrderWithRejectedItems(t *testing.T) {
	host := opcsim.NewHost().Add(&opcsim.Server{
		Name:        "Flat.DA.1",
		Flat:        true,
		Values:      map[string]opcda.Variant{"Good1": {VT: opcda.VT_I4, Int: 1}, "Good2": {VT: opcda.VT_I4, Int: 2}},
		RejectItems: map[string]uint32{"RejectMe": 0xC0040007},
	})
	c := newClient(t, host, opcda.Limits{})

	got, err := c.ReadTagValues(context.Background(), "Flat.DA.1", []string{"Good1", "RejectMe", "Good2"})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "1", got[0].Value)
	assert.Equal(t, "RejectMe", got[1].TagID)
	assert.Equal(t, "Error", got[1].Value)
	assert.Contains(t, got[1].Quality, "Bad — ")
	assert.Contains(t, got[1].Quality, "0xC0040007")
	assert.Equal(t, "2", got[2].Value)
}

func TestReadAllItemsRejected(t *testing.T) {
	host := opcsim.NewHost().Add(&opcsim.Server{
		Name:        "Flat.DA.1",
		Flat:        true,
		RejectItems: map[string]uint32{"A": 0xC0040007, "B": 0xC0040008},
	})
	c := newClient(t, host, opcda.Limits{})

	_, err := c.ReadTagValues(context.Background(), "Flat.DA.1", []string{"A", "B"})
	assert.ErrorIs(t, err, opcda.ErrNoValidItems)
}

func TestReadEmptyBatch(t *testing.T) {
	s := &opcsim.Server{Name: "Flat.DA.1", Flat: true}
	host := opcsim.NewHost().Add(s)
	c := newClient(t, host, opcda.Limits{})

	got, err := c.ReadTagValues(context.Background(), "Flat.DA.1", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, s.GroupsAdded)
}

func TestGroupsNeverLeak(t *testing.T) {
	s := &opcsim.Server{
		Name:        "Flat.DA.1",
		Flat:        true,
		Values:      map[string]opcda.Variant{"T1": {VT: opcda.VT_I4, Int: 1}},
		RejectItems: map[string]uint32{"Nope": 0xC0040007},
		ReadOnly:    map[string]bool{"RO": true},
	}
	host := opcsim.NewHost().Add(s)
	c := newClient(t, host, opcda.Limits{})
	ctx := context.Background()

	_, _ = c.ReadTagValues(ctx, "Flat.DA.1", []string{"T1"})
	_, _ = c.ReadTagValues(ctx, "Flat.DA.1", []string{"Nope"}) // early return path
	_, _ = c.WriteTagValue(ctx, "Flat.DA.1", "T1", opcda.Int32Value(5))
	_, _ = c.WriteTagValue(ctx, "Flat.DA.1", "RO", opcda.Int32Value(5))
	_, _ = c.WriteTagValue(ctx, "Flat.DA.1", "Nope", opcda.Int32Value(5))

	assert.Equal(t, 5, s.GroupsAdded)
	assert.Zero(t, s.LiveGroups(), "every transient group must be destroyed")
}

func TestWriteTagValue(t *testing.T) {
	s := &opcsim.Server{
		Name:   "Flat.DA.1",
		Flat:   true,
		Values: map[string]opcda.Variant{"Setpoint": {VT: opcda.VT_R8, Real: 10}},
	}
	host := opcsim.NewHost().Add(s)
	c := newClient(t, host, opcda.Limits{})

	res, err := c.WriteTagValue(context.Background(), "Flat.DA.1", "Setpoint", opcda.Float64Value(12.5))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Equal(t, opcda.Variant{VT: opcda.VT_R8, Real: 12.5}, s.Written["Setpoint"])
}

func TestWriteReadOnlyTag(t *testing.T) {
	s := &opcsim.Server{
		Name:     "Flat.DA.1",
		Flat:     true,
		ReadOnly: map[string]bool{"Sensor": true},
	}
	host := opcsim.NewHost().Add(s)
	c := newClient(t, host, opcda.Limits{})

	res, err := c.WriteTagValue(context.Background(), "Flat.DA.1", "Sensor", opcda.BoolValue(true))
	require.NoError(t, err, "rejection is an answer, not a failure")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "0xC0040004")
	assert.Contains(t, res.Error, "read-only")
}

func TestWriteUnknownTag(t *testing.T) {
	host := opcsim.NewHost().Add(&opcsim.Server{Name: "Flat.DA.1", Flat: true})
	c := newClient(t, host, opcda.Limits{})

	res, err := c.WriteTagValue(context.Background(), "Flat.DA.1", "NoSuchTag", opcda.StringValue("x"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "0xC0040007")
}

func TestWorkerDropsDeadConnections(t *testing.T) {
	s := &opcsim.Server{
		Name:    "Flaky.DA.1",
		Flat:    true,
		Values:  map[string]opcda.Variant{"T1": {VT: opcda.VT_I4, Int: 1}},
		ReadErr: &opcda.StatusError{Op: "sync read", Code: 0x800706BA},
	}
	host := opcsim.NewHost().Add(s)
	conn := &countingConnector{inner: host}
	c := newClient(t, conn, opcda.Limits{})
	ctx := context.Background()

	// The fault outlives the reconnect, so the one retry fails too and the
	// error reaches the caller.
	_, err := c.ReadTagValues(ctx, "Flaky.DA.1", []string{"T1"})
	require.Error(t, err)
	assert.Equal(t, 2, conn.connects)

	// Both attachments were evicted, so the next request connects fresh.
	s.ReadErr = nil
	_, err = c.ReadTagValues(ctx, "Flaky.DA.1", []string{"T1"})
	require.NoError(t, err)
	assert.Equal(t, 3, conn.connects)
}

func TestWorkerRetriesAfterReconnect(t *testing.T) {
	// A dead proxy is an implementation detail: when a fresh connection
	// would answer, the caller gets the answer, not the stale handle's
	// failure.
	s := &opcsim.Server{
		Name:    "Flaky.DA.1",
		Flat:    true,
		Values:  map[string]opcda.Variant{"T1": {VT: opcda.VT_I4, Int: 1}},
		ReadErr: &opcda.StatusError{Op: "sync read", Code: 0x800706BA},
	}
	host := opcsim.NewHost().Add(s)
	conn := &recoveringConnector{inner: host, srv: s}
	c := newClient(t, conn, opcda.Limits{})

	got, err := c.ReadTagValues(context.Background(), "Flaky.DA.1", []string{"T1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].Value)
	assert.Equal(t, 2, conn.connects)
}

func TestWorkerKeepsConnectionOnItemErrors(t *testing.T) {
	host := opcsim.NewHost().Add(&opcsim.Server{
		Name:        "Flat.DA.1",
		Flat:        true,
		Values:      map[string]opcda.Variant{"T1": {VT: opcda.VT_I4, Int: 1}},
		RejectItems: map[string]uint32{"Nope": 0xC0040007},
	})
	conn := &countingConnector{inner: host}
	c := newClient(t, conn, opcda.Limits{})
	ctx := context.Background()

	_, err := c.ReadTagValues(ctx, "Flat.DA.1", []string{"Nope"})
	require.ErrorIs(t, err, opcda.ErrNoValidItems)
	_, err = c.ReadTagValues(ctx, "Flat.DA.1", []string{"T1"})
	require.NoError(t, err)
	assert.Equal(t, 1, conn.connects, "item-level failures must not evict the attachment")
}

func TestClientClose(t *testing.T) {
	host := opcsim.NewHost().Add(&opcsim.Server{Name: "Flat.DA.1", Flat: true})
	c := opcda.NewClient(host, opcda.ClientOptions{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	_, err := c.ListServers(context.Background(), "localhost")
	assert.ErrorIs(t, err, opcda.ErrClientClosed)
}

// countingConnector counts Connect calls to observe connection caching.
type countingConnector struct {
	inner    opcda.Connector
	connects int
}

func (c *countingConnector) EnumerateServers(host string) ([]string, error) {
	return c.inner.EnumerateServers(host)
}

func (c *countingConnector) Connect(server string) (opcda.Server, error) {
	c.connects++
	return c.inner.Connect(server)
}

// recoveringConnector simulates a fault that a reconnect clears: the
// server answers normally from the second Connect onward.
type recoveringConnector struct {
	inner    opcda.Connector
	srv      *opcsim.Server
	connects int
}

func (c *recoveringConnector) EnumerateServers(host string) ([]string, error) {
	return c.inner.EnumerateServers(host)
}

func (c *recoveringConnector) Connect(server string) (opcda.Server, error) {
	c.connects++
	if c.connects > 1 {
		c.srv.ReadErr = nil
	}
	return c.inner.Connect(server)
}

// slowConnector delays every browse cursor move, shaping a server whose
// namespace walk outlives short deadlines.
type slowConnector struct {
	inner opcda.Connector
	delay time.Duration
}

func (c *slowConnector) EnumerateServers(host string) ([]string, error) {
	return c.inner.EnumerateServers(host)
}

func (c *slowConnector) Connect(server string) (opcda.Server, error) {
	s, err := c.inner.Connect(server)
	if err != nil {
		return nil, err
	}
	return &slowServer{Server: s, delay: c.delay}, nil
}

type slowServer struct {
	opcda.Server
	delay time.Duration
}

func (s *slowServer) ChangePosition(dir opcda.BrowseDirection, name string) error {
	time.Sleep(s.delay)
	return s.Server.ChangePosition(dir, name)
}
