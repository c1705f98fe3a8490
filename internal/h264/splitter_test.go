package h264

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/pkg/types"
)

var (
	sps = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xc0, 0x1f}
	pps = []byte{0x00, 0x00, 0x01, 0x68, 0xce, 0x3c, 0x80}
	sei = []byte{0x00, 0x00, 0x01, 0x06, 0x05, 0x01}
	idr = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x21}
	aud = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xf0}
	pfr = []byte{0x00, 0x00, 0x01, 0x41, 0x9a, 0x02}
)

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestNALUnits(t *testing.T) {
	nals := NALUnits(concat([]byte{0xde, 0xad}, sps, pps, idr))
	require.Len(t, nals, 3)
	assert.Equal(t, types.NALTypeSPS, nals[0].Type)
	assert.Equal(t, types.NALTypePPS, nals[1].Type)
	assert.Equal(t, types.NALTypeIDR, nals[2].Type)
	assert.Equal(t, sps, nals[0].Data)
	assert.Equal(t, pps, nals[1].Data)
	assert.Equal(t, idr, nals[2].Data)
}

func TestSplitBlocksGroupsParameterSets(t *testing.T) {
	blocks, err := SplitBlocks(concat(sps, pps, sei, idr, pfr))
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	wantConfig := concat(sps, []byte{0}, pps, []byte{0}, sei)
	assert.Equal(t, wantConfig, blocks[0])
	assert.True(t, StartsWithSPS(blocks[0]))
	assert.Equal(t, idr, blocks[1])
	assert.Equal(t, concat([]byte{0}, pfr), blocks[2], "3-byte start code is widened")
}

func TestSplitBlocksSEIWithoutSPSStandsAlone(t *testing.T) {
	blocks, err := SplitBlocks(concat(sei, pfr))
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.False(t, StartsWithSPS(blocks[0]))
}

func TestSplitBlocksNoStartCode(t *testing.T) {
	_, err := SplitBlocks([]byte{0x65, 0x88, 0x84})
	assert.ErrorIs(t, err, ErrNoStartCode)
}

func TestSplitFrames(t *testing.T) {
	stream := concat(aud, sps, pps, idr, aud, pfr, pfr)
	frames := SplitFrames(stream)
	require.Len(t, frames, 3)
	assert.Equal(t, concat(aud, sps, pps, idr), frames[0])
	assert.Equal(t, concat(aud, pfr), frames[1])
	assert.Equal(t, pfr, frames[2])
}

func TestIsIDRFrame(t *testing.T) {
	assert.True(t, IsIDRFrame(idr))
	assert.False(t, IsIDRFrame(concat(sps, idr)))
	assert.Equal(t, uint8(0), ExtractNALType([]byte{1, 2, 3}))
}
