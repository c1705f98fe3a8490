package types

import "time"

// UnitKind is how the decoder flags an access unit when queueing it.
type UnitKind int

const (
	UnitFrame  UnitKind = iota // Ordinary decodable frame
	UnitConfig                 // Parameter/configuration data (SPS, PPS, SEI)
	UnitSync                   // Key frame, decodable without references
)

func (k UnitKind) String() string {
	switch k {
	case UnitConfig:
		return "config"
	case UnitSync:
		return "sync"
	default:
		return "frame"
	}
}

// AccessUnit is one received frame of compressed video, as recorded.
type AccessUnit struct {
	Data      []byte        // Annex-B bytes, start code included
	Timestamp time.Duration // Decode-order timestamp
}

// NALUnit represents a single H.264 NAL unit
type NALUnit struct {
	Type uint8  // NAL unit type (lower 5 bits)
	Data []byte // Complete NAL unit including start code
}

// NALUnitType constants
const (
	NALTypeSlice     uint8 = 1
	NALTypeIDR       uint8 = 5
	NALTypeSEI       uint8 = 6
	NALTypeSPS       uint8 = 7
	NALTypePPS       uint8 = 8
	NALTypeAUD       uint8 = 9
	NALTypeEndSeq    uint8 = 10
	NALTypeEndStream uint8 = 11
	NALTypeFiller    uint8 = 12
)

// IsVCL reports whether a NAL type carries picture data.
func IsVCL(nalType uint8) bool {
	return nalType >= NALTypeSlice && nalType <= NALTypeIDR
}
