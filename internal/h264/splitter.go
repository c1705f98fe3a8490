package h264

import (
	"errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/pkg/types"
)

// startCode4 is the start code written in front of every submitted block.
var startCode4 = []byte{0x00, 0x00, 0x00, 0x01}

// ErrNoStartCode is returned when a frame contains no NAL start code.
var ErrNoStartCode = errors.New("h264: no start code in frame")

// findStartCode returns the offset of the next start code at or after from and
// its length (3 or 4), or -1 if none is found.
func findStartCode(data []byte, from int) (int, int) {
	for i := from; i+2 < len(data); i++ {
		if data[i] != 0x00 || data[i+1] != 0x00 {
			continue
		}
		if data[i+2] == 0x01 {
			return i, 3
		}
		if i+3 < len(data) && data[i+2] == 0x00 && data[i+3] == 0x01 {
			return i, 4
		}
	}
	return -1, 0
}

// NALUnits splits Annex-B data into NAL units. Each unit keeps its own start
// code; bytes before the first start code are ignored. The returned slices
// alias data.
func NALUnits(data []byte) []types.NALUnit {
	units := make([]types.NALUnit, 0, 8)

	pos, n := findStartCode(data, 0)
	for pos >= 0 {
		header := pos + n
		if header >= len(data) {
			break
		}

		next, nextLen := findStartCode(data, header+1)
		end := next
		if end < 0 {
			end = len(data)
		}

		units = append(units, types.NALUnit{
			Type: data[header] & 0x1F,
			Data: data[pos:end],
		})

		pos, n = next, nextLen
	}

	return units
}

// payload returns the NAL bytes following its start code.
func payload(nal types.NALUnit) []byte {
	if len(nal.Data) >= 3 && nal.Data[2] == 0x01 {
		return nal.Data[3:]
	}
	return nal.Data[4:]
}

// appendNormalized appends nal with a 4-byte start code.
func appendNormalized(dst []byte, nal types.NALUnit) []byte {
	dst = append(dst, startCode4...)
	return append(dst, payload(nal)...)
}

// SplitBlocks cuts one received frame into the blocks submitted to the
// decoder, one per NAL unit, except that an SPS absorbs the PPS and SEI units
// that follow it so parameter sets reach the decoder as a single config
// submission. Every block starts with a 4-byte start code.
func SplitBlocks(frame []byte) ([][]byte, error) {
	nals := NALUnits(frame)
	if len(nals) == 0 {
		return nil, ErrNoStartCode
	}

	blocks := make([][]byte, 0, len(nals))
	var cur []byte
	inConfig := false

	for _, nal := range nals {
		if inConfig && (nal.Type == types.NALTypePPS || nal.Type == types.NALTypeSEI) {
			cur = appendNormalized(cur, nal)
			continue
		}
		if cur != nil {
			blocks = append(blocks, cur)
		}
		cur = appendNormalized(make([]byte, 0, len(nal.Data)+1), nal)
		inConfig = nal.Type == types.NALTypeSPS
	}
	blocks = append(blocks, cur)

	return blocks, nil
}

// StartsWithSPS reports whether block begins with a sequence parameter set,
// under either start-code length.
func StartsWithSPS(block []byte) bool {
	code, ok := TypeCode(block, DefaultMarker)
	return ok && code&0x1F == types.NALTypeSPS
}

// SplitFrames groups an Annex-B elementary stream into per-picture frames.
// Non-VCL units attach to the picture that follows them; an access unit
// delimiter always starts a new frame. Each frame aliases stream.
func SplitFrames(stream []byte) [][]byte {
	nals := NALUnits(stream)
	frames := make([][]byte, 0, len(nals)/2+1)

	start := -1 // offset into stream of the current frame
	hasVCL := false
	flush := func(end int) {
		if start >= 0 && end > start {
			frames = append(frames, stream[start:end])
		}
		start = -1
		hasVCL = false
	}

	for _, nal := range nals {
		off := offsetOf(stream, nal.Data)
		if nal.Type == types.NALTypeAUD || hasVCL {
			flush(off)
		}
		if start < 0 {
			start = off
		}
		if types.IsVCL(nal.Type) {
			hasVCL = true
		}
	}
	flush(len(stream))

	return frames
}

// offsetOf returns the position of sub inside s; sub must alias s.
func offsetOf(s, sub []byte) int {
	return cap(s) - cap(sub)
}

// ExtractNALType extracts the NAL unit type from raw data
func ExtractNALType(data []byte) uint8 {
	nals := NALUnits(data)
	if len(nals) == 0 {
		return 0
	}
	return nals[0].Type
}

// IsIDRFrame checks if data starts with an IDR slice
func IsIDRFrame(data []byte) bool {
	return ExtractNALType(data) == types.NALTypeIDR
}
