package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/codec"
)

func TestRingSingleClaim(t *testing.T) {
	c := newScriptedCodec(16)
	c.inScript = []int{1, 0}
	r := NewRing(c)

	slot, err := r.Acquire(codec.Immediate)
	require.NoError(t, err)
	assert.Equal(t, 1, slot.Index)
	assert.Len(t, slot.Buf, 16)

	_, err = r.Acquire(codec.Immediate)
	require.ErrorIs(t, err, ErrSlotHeld)

	assert.ErrorIs(t, r.Release(0, 1, 0, 0), ErrSlotNotHeld)
	require.NoError(t, r.Release(1, 4, 0, 0))

	slot, err = r.Acquire(codec.Immediate)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.Index)
}

func TestRingNoSlot(t *testing.T) {
	c := newScriptedCodec(16)
	c.inScript = []int{codec.InfoTryAgainLater}
	r := NewRing(c)

	_, err := r.Acquire(codec.Immediate)
	assert.ErrorIs(t, err, ErrNoInputSlot)
	_, err = r.Acquire(codec.Immediate)
	assert.NotErrorIs(t, err, ErrSlotHeld, "a miss holds nothing")
}

func TestRingAbandon(t *testing.T) {
	c := newScriptedCodec(16)
	r := NewRing(c)
	require.NoError(t, r.Abandon(), "nothing held")

	_, err := r.Acquire(codec.Immediate)
	require.NoError(t, err)
	require.NoError(t, r.Abandon())
	require.Len(t, c.queued, 1)
	assert.Equal(t, 0, c.queued[0].size)
}

func TestRingStaleOutput(t *testing.T) {
	c := newScriptedCodec(16)
	r := NewRing(c)

	slot := r.ClaimOutput(2, codec.BufferInfo{})
	r.RefreshOutputs()
	assert.Equal(t, uint64(1), r.Generation())

	require.ErrorIs(t, r.ReleaseOutput(slot, true), ErrStaleOutput)
	assert.Empty(t, c.released, "stale index never reaches the hardware")

	slot = r.ClaimOutput(2, codec.BufferInfo{})
	require.NoError(t, r.ReleaseOutput(slot, true))
	assert.Equal(t, []releasedOutput{{2, true}}, c.released)
}
