package opcda

import "fmt"

// Well-known status codes returned by DA servers and the DCOM layer under
// them. Only the codes we can say something actionable about are listed;
// anything else is shown raw.
const (
	codeLicenseExpired   uint32 = 0x80040112 // CLASS_E_NOTLICENSED
	codeServerExecFailed uint32 = 0x80080005 // CO_E_SERVER_EXEC_FAILURE
	codeAccessDenied     uint32 = 0x80070005 // E_ACCESSDENIED
	codeRPCUnavailable   uint32 = 0x800706BA // RPC_S_SERVER_UNAVAILABLE
	codeMarshalFailure   uint32 = 0x800706F4 // RPC_X_NULL_REF_POINTER
	codeClassNotReg      uint32 = 0x80040154 // REGDB_E_CLASSNOTREG
	codeInvalidPointer   uint32 = 0x80004003 // E_POINTER
	codeBadRights        uint32 = 0xC0040004 // OPC_E_BADRIGHTS
	codeBadType          uint32 = 0xC0040006 // OPC_E_BADTYPE
	codeUnknownItemID    uint32 = 0xC0040007 // OPC_E_UNKNOWNITEMID
	codeInvalidItemID    uint32 = 0xC0040008 // OPC_E_INVALIDITEMID

	// Codes that indicate the connection to the server process is gone, not
	// a problem with the request itself. See IsConnectionError.
	codeRPCCallFailed    uint32 = 0x800706BE // RPC_S_CALL_FAILED
	codeRPCCallFailedDNE uint32 = 0x800706BF // RPC_S_CALL_FAILED_DNE
)

var hintTable = map[uint32]string{
	codeLicenseExpired:   "Server license expired or demo period ended",
	codeServerExecFailed: "Server process failed to launch (check DCOM configuration)",
	codeAccessDenied:     "Access denied (check DCOM permissions and user identity)",
	codeRPCUnavailable:   "RPC server unavailable (server not running or unreachable)",
	codeMarshalFailure:   "RPC marshalling failure (interface/proxy mismatch)",
	codeClassNotReg:      "Server class not registered on this machine",
	codeInvalidPointer:   "Invalid pointer (often a server-side enumerator quirk)",
	codeBadRights:        "Item is read-only; write rejected",
	codeBadType:          "Value type not accepted for this item",
	codeUnknownItemID:    "Item ID is not known to the server",
	codeInvalidItemID:    "Item ID syntax is invalid for this server",
}

// HintFor returns a human-oriented explanation for a status code, if we
// have one.
func HintFor(code uint32) (string, bool) {
	h, ok := hintTable[code]
	return h, ok
}

// FormatCode renders a status code the way it should appear anywhere a
// human sees it: uppercase hex, hint appended when known.
//
//	0xC0040007: Item ID is not known to the server
//	0xDEADBEEF
func FormatCode(code uint32) string {
	if h, ok := hintTable[code]; ok {
		return fmt.Sprintf("0x%08X: %s", code, h)
	}
	return fmt.Sprintf("0x%08X", code)
}

// IsConnectionError reports whether a status code means the server
// connection itself is dead and any cached handle for it should be dropped.
func IsConnectionError(code uint32) bool {
	switch code {
	case codeRPCUnavailable, codeRPCCallFailed, codeRPCCallFailedDNE, codeServerExecFailed:
		return true
	}
	return false
}
