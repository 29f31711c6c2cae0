//go:build windows

package opcda

import (
	"fmt"
	"math"
	"syscall"
	"time"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/rs/zerolog"
)

// Interface and class IDs from the DA 2.0 specification.
var (
	clsidOPCServerList = ole.NewGUID("{13486D51-4821-11D2-A494-3CB306C10000}")
	iidIOPCServerList  = ole.NewGUID("{13486D50-4821-11D2-A494-3CB306C10000}")
	iidIOPCServer      = ole.NewGUID("{39C13A4D-011E-11D0-9675-0020AFD8ADB3}")
	iidIOPCBrowseSAS   = ole.NewGUID("{39C13A4F-011E-11D0-9675-0020AFD8ADB3}")
	iidIOPCItemMgt     = ole.NewGUID("{39C13A54-011E-11D0-9675-0020AFD8ADB3}")
	iidIOPCSyncIO      = ole.NewGUID("{39C13A52-011E-11D0-9675-0020AFD8ADB3}")
	iidIUnknown        = ole.IID_IUnknown

	catidOPCDAServer10 = ole.NewGUID("{63D5F430-CFE4-11D1-B2C8-0060083BA1FB}")
	catidOPCDAServer20 = ole.NewGUID("{63D5F432-CFE4-11D1-B2C8-0060083BA1FB}")
)

// Wire constants.
const (
	opcNamespaceHierarchical = 1
	opcNamespaceFlat         = 2

	opcBrowseUp   = 1
	opcBrowseDown = 2
	opcBrowseTo   = 3

	opcBranch = 1
	opcLeaf   = 2
	opcFlat   = 3

	opcSourceDevice = 2

	clsctxServer       = 0x15 // INPROC_SERVER | LOCAL_SERVER | REMOTE_SERVER
	clsctxRemoteServer = 0x10
)

var (
	modole32            = syscall.NewLazyDLL("ole32.dll")
	procCoCreateInstEx  = modole32.NewProc("CoCreateInstanceEx")
	procCoTaskMemFree   = modole32.NewProc("CoTaskMemFree")
	procCLSIDFromProgID = modole32.NewProc("CLSIDFromProgID")
)

// DCOMConnector talks to real DA servers through the platform COM runtime.
// All methods must run on the session-initialized worker thread; the Client
// guarantees that.
type DCOMConnector struct {
	log zerolog.Logger
}

// NewDCOMConnector returns the production connector.
func NewDCOMConnector(log zerolog.Logger) *DCOMConnector {
	return &DCOMConnector{log: log}
}

var _ Connector = (*DCOMConnector)(nil)

// EnumerateServers asks the host's server-list service for every class
// registered under the DA 1.0 and 2.0 categories and resolves each to its
// ProgID. Duplicates across categories are expected; the caller dedups.
func (c *DCOMConnector) EnumerateServers(host string) ([]string, error) {
	list, err := createInstance(host, clsidOPCServerList, iidIOPCServerList)
	if err != nil {
		return nil, fmt.Errorf("open server list on %q: %w", hostLabel(host), err)
	}
	defer list.Release()

	cats := []ole.GUID{*catidOPCDAServer10, *catidOPCDAServer20}
	var enum *ole.IUnknown
	hr, _, _ := syscall.SyscallN(vt(list, 3), // EnumClassesOfCategories
		uintptr(unsafe.Pointer(list)),
		uintptr(len(cats)), uintptr(unsafe.Pointer(&cats[0])),
		0, 0,
		uintptr(unsafe.Pointer(&enum)))
	if failed(hr) {
		return nil, &StatusError{Op: "enumerate server classes", Code: uint32(hr)}
	}
	defer enum.Release()

	var names []string
	for {
		var clsid ole.GUID
		var fetched uint32
		hr, _, _ := syscall.SyscallN(vt(enum, 3), // IEnumGUID::Next
			uintptr(unsafe.Pointer(enum)),
			1, uintptr(unsafe.Pointer(&clsid)), uintptr(unsafe.Pointer(&fetched)))
		if failed(hr) {
			return nil, &StatusError{Op: "advance server class enumerator", Code: uint32(hr)}
		}
		if fetched == 0 {
			break
		}
		progID, err := classProgID(list, &clsid)
		if err != nil {
			c.log.Debug().Str("clsid", clsid.String()).Err(err).Msg("dcom: class details lookup failed, skipping")
			continue
		}
		names = append(names, progID)
	}
	return names, nil
}

// Connect resolves the ProgID locally and creates the server object.
func (c *DCOMConnector) Connect(server string) (Server, error) {
	pid, err := syscall.UTF16PtrFromString(server)
	if err != nil {
		return nil, &ResolveError{Server: server, Err: err}
	}
	var clsid ole.GUID
	hr, _, _ := procCLSIDFromProgID.Call(uintptr(unsafe.Pointer(pid)), uintptr(unsafe.Pointer(&clsid)))
	if failed(hr) {
		return nil, &ResolveError{Server: server, Err: &StatusError{Op: "resolve ProgID", Code: uint32(hr)}}
	}

	unk, err := createInstance("", &clsid, iidIOPCServer)
	if err != nil {
		return nil, err
	}
	browse, err := queryInterface(unk, iidIOPCBrowseSAS)
	if err != nil {
		unk.Release()
		return nil, fmt.Errorf("server %q has no browse interface: %w", server, err)
	}
	return &comServer{name: server, srv: unk, browse: browse, log: c.log}, nil
}

// comServer implements Server over the two server-level COM interfaces.
type comServer struct {
	name   string
	srv    *ole.IUnknown // IOPCServer
	browse *ole.IUnknown // IOPCBrowseServerAddressSpace
	log    zerolog.Logger
}

func (s *comServer) Organization() (Organization, error) {
	var ns uint32
	hr, _, _ := syscall.SyscallN(vt(s.browse, 3), // QueryOrganization
		uintptr(unsafe.Pointer(s.browse)), uintptr(unsafe.Pointer(&ns)))
	if failed(hr) {
		return OrgHierarchical, &StatusError{Op: "query organization", Code: uint32(hr)}
	}
	if ns == opcNamespaceFlat {
		return OrgFlat, nil
	}
	return OrgHierarchical, nil
}

func (s *comServer) BrowseItemIDs(bt BrowseType, filter string) (*StringIterator, error) {
	var wire uint32
	switch bt {
	case BrowseBranches:
		wire = opcBranch
	case BrowseLeaves:
		wire = opcLeaf
	default:
		wire = opcFlat
	}
	f, err := syscall.UTF16PtrFromString(filter)
	if err != nil {
		return nil, err
	}
	var enum *ole.IUnknown
	hr, _, _ := syscall.SyscallN(vt(s.browse, 5), // BrowseOPCItemIDs
		uintptr(unsafe.Pointer(s.browse)),
		uintptr(wire), uintptr(unsafe.Pointer(f)),
		uintptr(VT_EMPTY), 0,
		uintptr(unsafe.Pointer(&enum)))
	if failed(hr) {
		return nil, &StatusError{Op: "browse item IDs", Code: uint32(hr)}
	}
	return NewStringIterator(&comEnumString{enum: enum}, 0, s.log), nil
}

func (s *comServer) ChangePosition(dir BrowseDirection, name string) error {
	var wire uint32
	switch dir {
	case BrowseUp:
		wire = opcBrowseUp
	case BrowseDown:
		wire = opcBrowseDown
	default:
		wire = opcBrowseTo
	}
	n, err := syscall.UTF16PtrFromString(name)
	if err != nil {
		return err
	}
	hr, _, _ := syscall.SyscallN(vt(s.browse, 4), // ChangeBrowsePosition
		uintptr(unsafe.Pointer(s.browse)), uintptr(wire), uintptr(unsafe.Pointer(n)))
	if failed(hr) {
		return &StatusError{Op: "change browse position", Code: uint32(hr)}
	}
	return nil
}

func (s *comServer) ItemID(browseName string) (string, error) {
	n, err := syscall.UTF16PtrFromString(browseName)
	if err != nil {
		return "", err
	}
	var out *uint16
	hr, _, _ := syscall.SyscallN(vt(s.browse, 6), // GetItemID
		uintptr(unsafe.Pointer(s.browse)), uintptr(unsafe.Pointer(n)), uintptr(unsafe.Pointer(&out)))
	if failed(hr) {
		return "", &StatusError{Op: "get item ID", Code: uint32(hr)}
	}
	return takeWString(out), nil
}

func (s *comServer) AddGroup(name string, updateRate time.Duration) (Group, error) {
	n, err := syscall.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	var (
		active  int32 = 1
		handle  uint32
		revised uint32
		unk     *ole.IUnknown
	)
	hr, _, _ := syscall.SyscallN(vt(s.srv, 3), // IOPCServer::AddGroup
		uintptr(unsafe.Pointer(s.srv)),
		uintptr(unsafe.Pointer(n)),
		uintptr(active),
		uintptr(uint32(updateRate.Milliseconds())),
		0, // hClientGroup
		0, // pTimeBias
		0, // pPercentDeadband
		0, // dwLCID
		uintptr(unsafe.Pointer(&handle)),
		uintptr(unsafe.Pointer(&revised)),
		uintptr(unsafe.Pointer(iidIUnknown)),
		uintptr(unsafe.Pointer(&unk)))
	if failed(hr) {
		return nil, &StatusError{Op: "add group", Code: uint32(hr)}
	}
	mgt, err := queryInterface(unk, iidIOPCItemMgt)
	if err != nil {
		unk.Release()
		return nil, fmt.Errorf("group has no item management interface: %w", err)
	}
	sync, err := queryInterface(unk, iidIOPCSyncIO)
	if err != nil {
		mgt.Release()
		unk.Release()
		return nil, fmt.Errorf("group has no synchronous IO interface: %w", err)
	}
	return &comGroup{handle: handle, unk: unk, mgt: mgt, sync: sync}, nil
}

func (s *comServer) RemoveGroup(handle uint32, force bool) error {
	var f int32
	if force {
		f = 1
	}
	hr, _, _ := syscall.SyscallN(vt(s.srv, 7), // IOPCServer::RemoveGroup
		uintptr(unsafe.Pointer(s.srv)), uintptr(handle), uintptr(f))
	if failed(hr) {
		return &StatusError{Op: "remove group", Code: uint32(hr)}
	}
	return nil
}

func (s *comServer) Disconnect() error {
	s.browse.Release()
	s.srv.Release()
	return nil
}

// Wire structs. Layout matches the 64-bit IDL-generated headers.

type opcItemDef struct {
	AccessPath        *uint16
	ItemID            *uint16
	Active            int32
	ClientHandle      uint32
	BlobSize          uint32
	_                 uint32
	Blob              *byte
	RequestedDataType uint16
	Reserved          uint16
	_                 uint32
}

type opcItemResult struct {
	ServerHandle      uint32
	CanonicalDataType uint16
	Reserved          uint16
	AccessRights      uint32
	BlobSize          uint32
	Blob              *byte
}

type opcItemState struct {
	ClientHandle uint32
	_            uint32
	Timestamp    uint64
	Value        ole.VARIANT
	Quality      uint16
	Reserved     uint16
	_            uint32
}

type comGroup struct {
	handle uint32
	unk    *ole.IUnknown
	mgt    *ole.IUnknown // IOPCItemMgt
	sync   *ole.IUnknown // IOPCSyncIO
}

func (g *comGroup) Handle() uint32 { return g.handle }

func (g *comGroup) AddItems(items []ItemDef) ([]ItemResult, error) {
	defs := make([]opcItemDef, len(items))
	keep := make([][]uint16, len(items)) // keeps the UTF-16 buffers alive through the call
	empty, _ := syscall.UTF16PtrFromString("")
	for i, it := range items {
		ws, err := syscall.UTF16FromString(it.ItemID)
		if err != nil {
			return nil, fmt.Errorf("item ID %q: %w", it.ItemID, err)
		}
		keep[i] = ws
		defs[i] = opcItemDef{
			AccessPath:   empty,
			ItemID:       &ws[0],
			Active:       1,
			ClientHandle: it.ClientHandle,
		}
	}

	var (
		results *opcItemResult
		errs    *int32
	)
	hr, _, _ := syscall.SyscallN(vt(g.mgt, 3), // IOPCItemMgt::AddItems
		uintptr(unsafe.Pointer(g.mgt)),
		uintptr(len(defs)), uintptr(unsafe.Pointer(&defs[0])),
		uintptr(unsafe.Pointer(&results)), uintptr(unsafe.Pointer(&errs)))
	if failed(hr) {
		return nil, &StatusError{Op: "add items", Code: uint32(hr)}
	}
	defer taskMemFree(unsafe.Pointer(results))
	defer taskMemFree(unsafe.Pointer(errs))

	out := make([]ItemResult, len(items))
	rs := unsafe.Slice(results, len(items))
	es := unsafe.Slice(errs, len(items))
	for i := range items {
		if es[i] < 0 {
			out[i] = ItemResult{Err: &StatusError{Op: "register item", Code: uint32(es[i])}}
			continue
		}
		out[i] = ItemResult{ServerHandle: rs[i].ServerHandle}
		taskMemFree(unsafe.Pointer(rs[i].Blob))
	}
	return out, nil
}

func (g *comGroup) Read(handles []uint32) ([]ItemState, error) {
	var (
		states *opcItemState
		errs   *int32
	)
	hr, _, _ := syscall.SyscallN(vt(g.sync, 3), // IOPCSyncIO::Read
		uintptr(unsafe.Pointer(g.sync)),
		uintptr(opcSourceDevice),
		uintptr(len(handles)), uintptr(unsafe.Pointer(&handles[0])),
		uintptr(unsafe.Pointer(&states)), uintptr(unsafe.Pointer(&errs)))
	if failed(hr) {
		return nil, &StatusError{Op: "sync read", Code: uint32(hr)}
	}
	defer taskMemFree(unsafe.Pointer(states))
	defer taskMemFree(unsafe.Pointer(errs))

	out := make([]ItemState, len(handles))
	ss := unsafe.Slice(states, len(handles))
	es := unsafe.Slice(errs, len(handles))
	for i := range handles {
		out[i].ClientHandle = ss[i].ClientHandle
		if es[i] < 0 {
			out[i].Err = &StatusError{Op: "read item", Code: uint32(es[i])}
			continue
		}
		out[i].Value = decodeVariant(&ss[i].Value)
		out[i].Quality = ss[i].Quality
		out[i].Timestamp = Filetime(ss[i].Timestamp)
		_ = ss[i].Value.Clear()
	}
	return out, nil
}

func (g *comGroup) Write(handles []uint32, values []Variant) ([]error, error) {
	wire := make([]ole.VARIANT, len(values))
	for i, v := range values {
		wv, err := encodeVariant(v)
		if err != nil {
			return nil, err
		}
		wire[i] = wv
	}
	defer func() {
		for i := range wire {
			_ = wire[i].Clear()
		}
	}()

	var errs *int32
	hr, _, _ := syscall.SyscallN(vt(g.sync, 4), // IOPCSyncIO::Write
		uintptr(unsafe.Pointer(g.sync)),
		uintptr(len(handles)), uintptr(unsafe.Pointer(&handles[0])),
		uintptr(unsafe.Pointer(&wire[0])),
		uintptr(unsafe.Pointer(&errs)))
	if failed(hr) {
		return nil, &StatusError{Op: "sync write", Code: uint32(hr)}
	}
	defer taskMemFree(unsafe.Pointer(errs))

	out := make([]error, len(handles))
	es := unsafe.Slice(errs, len(handles))
	for i := range handles {
		if es[i] < 0 {
			out[i] = &StatusError{Op: "write item", Code: uint32(es[i])}
		}
	}
	return out, nil
}

// comEnumString adapts IEnumString to the EnumString primitive. Entries
// come back as COM-allocated wide strings that must be freed per element.
type comEnumString struct {
	enum *ole.IUnknown
}

func (e *comEnumString) Next(dst []string) (int, error) {
	ptrs := make([]*uint16, len(dst))
	var fetched uint32
	hr, _, _ := syscall.SyscallN(vt(e.enum, 3), // IEnumString::Next
		uintptr(unsafe.Pointer(e.enum)),
		uintptr(len(dst)), uintptr(unsafe.Pointer(&ptrs[0])),
		uintptr(unsafe.Pointer(&fetched)))
	if failed(hr) {
		return 0, &StatusError{Op: "string enumerator", Code: uint32(hr)}
	}
	for i := 0; i < int(fetched); i++ {
		// Phantom entries arrive as null pointers; takeWString maps them
		// to "" and the iterator filters them out.
		dst[i] = takeWString(ptrs[i])
	}
	return int(fetched), nil
}

func (e *comEnumString) Release() {
	e.enum.Release()
}

// Variant codecs between the wire VARIANT and the portable Variant.

func decodeVariant(v *ole.VARIANT) Variant {
	vtRaw := uint16(v.VT)
	if vtRaw&VT_ARRAY != 0 {
		return decodeArray(v, vtRaw)
	}
	out := Variant{VT: vtRaw}
	switch vtRaw {
	case VT_I1:
		out.Int = int64(int8(v.Val))
	case VT_I2:
		out.Int = int64(int16(v.Val))
	case VT_I4:
		out.Int = int64(int32(v.Val))
	case VT_I8, VT_CY:
		out.Int = v.Val
	case VT_UI1:
		out.Uint = uint64(uint8(v.Val))
	case VT_UI2:
		out.Uint = uint64(uint16(v.Val))
	case VT_UI4:
		out.Uint = uint64(uint32(v.Val))
	case VT_UI8:
		out.Uint = uint64(v.Val)
	case VT_R4:
		out.Real = float64(math.Float32frombits(uint32(v.Val)))
	case VT_R8, VT_DATE:
		out.Real = math.Float64frombits(uint64(v.Val))
	case VT_BOOL:
		out.Bool = v.Val != 0
	case VT_BSTR:
		out.Str = v.ToString()
	case VT_ERROR:
		out.Code = uint32(v.Val)
	}
	return out
}

func decodeArray(v *ole.VARIANT, vtRaw uint16) Variant {
	sac := &ole.SafeArrayConversion{Array: (*ole.SafeArray)(unsafe.Pointer(uintptr(v.Val)))}
	out := Variant{VT: vtRaw, Dims: 1}
	if d, err := sac.GetDimensions(); err == nil && d != nil {
		out.Dims = int(*d)
	}
	if out.Dims > 1 {
		return out
	}
	elemVT := vtRaw &^ VT_ARRAY
	for _, raw := range sac.ToValueArray() {
		out.Elems = append(out.Elems, fromGoValue(elemVT, raw))
	}
	return out
}

// fromGoValue lifts a value produced by the safearray conversion into a
// Variant tagged with the array's element type.
func fromGoValue(vt uint16, raw interface{}) Variant {
	out := Variant{VT: vt}
	switch x := raw.(type) {
	case int8:
		out.Int = int64(x)
	case int16:
		out.Int = int64(x)
	case int32:
		out.Int = int64(x)
	case int64:
		out.Int = x
	case uint8:
		out.Uint = uint64(x)
	case uint16:
		out.Uint = uint64(x)
	case uint32:
		out.Uint = uint64(x)
	case uint64:
		out.Uint = x
	case float32:
		out.Real = float64(x)
	case float64:
		out.Real = x
	case bool:
		out.Bool = x
	case string:
		out.Str = x
	default:
		out.VT = 0xFFFF // unknown element type, rendered raw
	}
	return out
}

func encodeVariant(v Variant) (ole.VARIANT, error) {
	switch v.VT {
	case VT_I4:
		return ole.VARIANT{VT: ole.VT_I4, Val: v.Int}, nil
	case VT_R8:
		return ole.VARIANT{VT: ole.VT_R8, Val: int64(math.Float64bits(v.Real))}, nil
	case VT_BOOL:
		val := int64(0)
		if v.Bool {
			val = -1 // VARIANT_TRUE
		}
		return ole.VARIANT{VT: ole.VT_BOOL, Val: val}, nil
	case VT_BSTR:
		bstr := ole.SysAllocStringLen(v.Str)
		if bstr == nil {
			return ole.VARIANT{}, fmt.Errorf("allocate string for write")
		}
		return ole.VARIANT{VT: ole.VT_BSTR, Val: int64(uintptr(unsafe.Pointer(bstr)))}, nil
	}
	return ole.VARIANT{}, fmt.Errorf("unsupported write type VT=%d", v.VT)
}

// Plumbing.

func vt(unk *ole.IUnknown, slot uintptr) uintptr {
	return (*(*[64]uintptr)(unsafe.Pointer(unk.RawVTable)))[slot]
}

func failed(hr uintptr) bool {
	return int32(hr) < 0
}

func queryInterface(unk *ole.IUnknown, iid *ole.GUID) (*ole.IUnknown, error) {
	d, err := unk.QueryInterface(iid)
	if err != nil {
		return nil, err
	}
	return (*ole.IUnknown)(unsafe.Pointer(d)), nil
}

// createInstance creates a COM object locally or, when host names another
// machine, on that machine through DCOM.
func createInstance(host string, clsid, iid *ole.GUID) (*ole.IUnknown, error) {
	if isLocalHost(host) {
		unk, err := ole.CreateInstance(clsid, iid)
		if err != nil {
			return nil, err
		}
		return unk, nil
	}

	h, err := syscall.UTF16PtrFromString(host)
	if err != nil {
		return nil, err
	}
	serverInfo := struct {
		reserved1 uint32
		name      *uint16
		authInfo  uintptr
		reserved2 uint32
	}{name: h}
	mqi := struct {
		iid *ole.GUID
		itf *ole.IUnknown
		hr  int32
	}{iid: iid}
	hr, _, _ := procCoCreateInstEx.Call(
		uintptr(unsafe.Pointer(clsid)), 0, clsctxRemoteServer,
		uintptr(unsafe.Pointer(&serverInfo)), 1, uintptr(unsafe.Pointer(&mqi)))
	if failed(hr) {
		return nil, &StatusError{Op: "create remote instance", Code: uint32(hr)}
	}
	if mqi.hr < 0 {
		return nil, &StatusError{Op: "query remote interface", Code: uint32(mqi.hr)}
	}
	return mqi.itf, nil
}

func isLocalHost(host string) bool {
	switch host {
	case "", ".", "localhost", "127.0.0.1":
		return true
	}
	return false
}

func hostLabel(host string) string {
	if isLocalHost(host) {
		return "localhost"
	}
	return host
}

func classProgID(list *ole.IUnknown, clsid *ole.GUID) (string, error) {
	var progID, userType *uint16
	hr, _, _ := syscall.SyscallN(vt(list, 4), // GetClassDetails
		uintptr(unsafe.Pointer(list)),
		uintptr(unsafe.Pointer(clsid)),
		uintptr(unsafe.Pointer(&progID)),
		uintptr(unsafe.Pointer(&userType)))
	if failed(hr) {
		return "", &StatusError{Op: "get class details", Code: uint32(hr)}
	}
	defer taskMemFree(unsafe.Pointer(userType))
	return takeWString(progID), nil
}

// takeWString copies a COM-allocated wide string into Go memory and frees
// the original. Null pointers map to "".
func takeWString(p *uint16) string {
	if p == nil {
		return ""
	}
	defer taskMemFree(unsafe.Pointer(p))
	return syscall.UTF16ToString(unsafe.Slice(p, wstrLen(p)))
}

func wstrLen(p *uint16) int {
	n := 0
	for ptr := unsafe.Pointer(p); *(*uint16)(ptr) != 0; ptr = unsafe.Add(ptr, 2) {
		n++
	}
	return n
}

func taskMemFree(p unsafe.Pointer) {
	if p != nil {
		procCoTaskMemFree.Call(uintptr(p))
	}
}
