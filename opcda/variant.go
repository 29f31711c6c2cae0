package opcda

import (
	"fmt"
	"strings"
	"time"
)

// Wire value-type tags. Same numbering the servers use.
const (
	VT_EMPTY uint16 = 0
	VT_NULL  uint16 = 1
	VT_I2    uint16 = 2
	VT_I4    uint16 = 3
	VT_R4    uint16 = 4
	VT_R8    uint16 = 5
	VT_CY    uint16 = 6
	VT_DATE  uint16 = 7
	VT_BSTR  uint16 = 8
	VT_ERROR uint16 = 10
	VT_BOOL  uint16 = 11
	VT_I1    uint16 = 16
	VT_UI1   uint16 = 17
	VT_UI2   uint16 = 18
	VT_UI4   uint16 = 19
	VT_I8    uint16 = 20
	VT_UI8   uint16 = 21

	VT_ARRAY uint16 = 0x2000
)

// maxArrayElems caps how many array elements are rendered before the rest
// is summarized. Keeps multi-thousand element process arrays from flooding
// displays and logs.
const maxArrayElems = 20

// Variant is the decoded form of a server value. Exactly one of the value
// fields is meaningful, selected by VT. Arrays carry their elements in
// Elems with the element type in VT (without the VT_ARRAY flag); Dims is
// the dimension count, 1 for vectors.
type Variant struct {
	VT   uint16
	Bool bool
	Int  int64
	Uint uint64
	Real float64
	Str  string
	Code uint32 // VT_ERROR

	Elems []Variant
	Dims  int
}

// String renders a Variant for operator display. Every type tag a DA server
// is known to hand back gets a stable rendering; anything unrecognized is
// shown with its raw tag rather than dropped.
func (v Variant) String() string {
	if v.Dims > 1 {
		return fmt.Sprintf("Array[%dD]", v.Dims)
	}
	if v.Elems != nil || v.VT&VT_ARRAY != 0 {
		return v.arrayString()
	}
	switch v.VT {
	case VT_EMPTY:
		return "Empty"
	case VT_NULL:
		return "Null"
	case VT_I2, VT_I4, VT_I1, VT_I8:
		return fmt.Sprintf("%d", v.Int)
	case VT_UI1, VT_UI2, VT_UI4, VT_UI8:
		return fmt.Sprintf("%d", v.Uint)
	case VT_R4, VT_R8:
		return fmt.Sprintf("%.2f", v.Real)
	case VT_CY:
		// Currency is a fixed-point integer scaled by 10000.
		whole := v.Int / 10000
		frac := v.Int % 10000
		if frac < 0 {
			frac = -frac
		}
		return fmt.Sprintf("%d.%04d", whole, frac)
	case VT_DATE:
		// Automation dates count days from 1899-12-30; 25569 is the unix
		// epoch on that scale.
		secs := (v.Real - 25569) * 86400
		return time.Unix(int64(secs), 0).Local().Format("2006-01-02 15:04:05")
	case VT_BSTR:
		return fmt.Sprintf("%q", v.Str)
	case VT_ERROR:
		return fmt.Sprintf("Error(%s)", FormatCode(v.Code))
	case VT_BOOL:
		if v.Bool {
			return "true"
		}
		return "false"
	}
	return fmt.Sprintf("(unrecognized type VT=%d)", v.VT)
}

func (v Variant) arrayString() string {
	n := len(v.Elems)
	var b strings.Builder
	b.WriteString("[")
	for i, e := range v.Elems {
		if i == maxArrayElems {
			fmt.Fprintf(&b, ", ... (%d total)", n)
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.String())
	}
	b.WriteString("]")
	return b.String()
}

// Quality field masks. Only the top two bits carry the quality verdict;
// the rest are vendor substatus.
const (
	qualityMask      uint16 = 0xC0
	qualityGood      uint16 = 0xC0
	qualityBad       uint16 = 0x00
	qualityUncertain uint16 = 0x40
)

// QualityString maps a raw quality word to its display form.
func QualityString(q uint16) string {
	switch q & qualityMask {
	case qualityGood:
		return "Good"
	case qualityBad:
		return "Bad"
	case qualityUncertain:
		return "Uncertain"
	}
	return fmt.Sprintf("Unknown (0x%04X)", q)
}

// filetimeEpochDelta is the span between the 1601 filetime epoch and the
// unix epoch, in seconds.
const filetimeEpochDelta = 11644473600

// Filetime is a server timestamp: 100-nanosecond intervals since
// 1601-01-01 UTC.
type Filetime uint64

// Time converts to a local time.Time. The zero value is the servers'
// "no timestamp" sentinel and converts to the zero Time.
func (ft Filetime) Time() time.Time {
	if ft == 0 {
		return time.Time{}
	}
	secs := int64(ft/10_000_000) - filetimeEpochDelta
	nanos := int64(ft%10_000_000) * 100
	return time.Unix(secs, nanos).Local()
}

// String renders the timestamp for display. Zero means the server sent no
// timestamp; a value before the unix epoch is not representable and almost
// always indicates a corrupted field.
func (ft Filetime) String() string {
	if ft == 0 {
		return "N/A"
	}
	if int64(ft/10_000_000) < filetimeEpochDelta {
		return "Invalid"
	}
	return ft.Time().Format("2006-01-02 15:04:05")
}
