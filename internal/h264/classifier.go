package h264

import (
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/pkg/types"
)

// Byte layout agreed with the upstream encoder: the type code sits at offset 3
// (after a 3-byte start code) unless that byte is the marker, in which case a
// 4-byte start code is in use and the code sits at offset 4.
const (
	typeOffset    = 3
	DefaultMarker = 0x01

	// PSliceCode is the header byte of an ordinary reference P slice; it is the
	// bulk of the stream and is not worth logging.
	PSliceCode = 0x41
)

// Table maps a raw NAL header byte to the classification sent to the decoder.
// Codes absent from the table are ordinary frames.
type Table map[byte]types.UnitKind

// DefaultTable is the H.264 Annex-B convention: SPS, PPS and SEI are codec
// configuration, IDR slices are sync points.
var DefaultTable = Table{
	0x67: types.UnitConfig, // SPS, nal_ref_idc=3
	0x68: types.UnitConfig, // PPS, nal_ref_idc=3
	0x06: types.UnitConfig, // SEI
	0x65: types.UnitSync,   // IDR slice, nal_ref_idc=3
}

// Lookup returns the classification for code.
func (t Table) Lookup(code byte) types.UnitKind {
	if kind, ok := t[code]; ok {
		return kind
	}
	return types.UnitFrame
}

// Decision is the result of classifying one access unit.
type Decision struct {
	Kind     types.UnitKind
	Code     byte // Header byte that was inspected (0 if too short)
	Detected bool // Code was read from the payload
	First    bool // First unit since the last Reset
	Sync     bool // Payload is a key frame, even when Kind was forced to config
}

// Classifier tags access units before submission. It is owned by the single
// goroutine feeding the decoder.
type Classifier struct {
	table  Table
	marker byte
	seen   bool
}

// NewClassifier creates a classifier for the given type-code table. A nil
// table selects DefaultTable.
func NewClassifier(table Table, marker byte) *Classifier {
	if table == nil {
		table = DefaultTable
	}
	return &Classifier{table: table, marker: marker}
}

// Classify inspects the leading bytes of data. The first unit after a Reset is
// always configuration data.
func (c *Classifier) Classify(data []byte) Decision {
	d := Decision{Kind: types.UnitFrame}

	if code, ok := TypeCode(data, c.marker); ok {
		d.Code = code
		d.Detected = true
		d.Kind = c.table.Lookup(code)
		d.Sync = d.Kind == types.UnitSync
	}

	if !c.seen {
		c.seen = true
		d.First = true
		d.Kind = types.UnitConfig
	}

	return d
}

// Reset re-arms the first-unit rule for a new codec session.
func (c *Classifier) Reset() {
	c.seen = false
}

// TypeCode returns the header byte following the start code. It reports false
// when data is too short to reach the byte it needs.
func TypeCode(data []byte, marker byte) (byte, bool) {
	if len(data) <= typeOffset {
		return 0, false
	}
	code := data[typeOffset]
	if code != marker {
		return code, true
	}
	if len(data) <= typeOffset+1 {
		return 0, false
	}
	return data[typeOffset+1], true
}
