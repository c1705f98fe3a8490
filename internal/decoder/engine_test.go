package decoder

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/surface"
)

var (
	spsUnit   = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xc0, 0x1f}
	idrUnit   = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x21}
	sliceUnit = []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9a, 0x02}
)

var hd = codec.Format{MIMEType: codec.MIMETypeAVC, Width: 1280, Height: 720}

func openEngine(t *testing.T, f *scriptedFactory) (*Engine, *scriptedCodec) {
	t.Helper()
	e := NewEngine(f, Config{})
	require.NoError(t, e.Open(hd, nil))
	t.Cleanup(func() { _ = e.Close() })
	return e, f.created[len(f.created)-1]
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFormatChangedThenIndexReleasesOnce(t *testing.T) {
	e, c := openEngine(t, &scriptedFactory{script: func(c *scriptedCodec) {
		c.outScript = []int{codec.InfoOutputFormatChanged, 3}
	}})

	ok, err := e.Drain(codec.Immediate)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []releasedOutput{{3, true}}, c.released)
	assert.Equal(t, int64(1), e.PendingRenders())

	w, h := e.OutputSize()
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}

func TestOutputSizeFallsBackToRequested(t *testing.T) {
	e, _ := openEngine(t, &scriptedFactory{})
	w, h := e.OutputSize()
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
	assert.Equal(t, 66, e.Profile())
	assert.Equal(t, 31, e.Level())
}

func TestBuffersChangedRefetchesOutputs(t *testing.T) {
	e, c := openEngine(t, &scriptedFactory{script: func(c *scriptedCodec) {
		c.outScript = []int{codec.InfoOutputBuffersChanged, codec.InfoOutputBuffersChanged, 1}
	}})

	ok, err := e.Drain(codec.Immediate)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, c.outFetches, "initial fetch plus one per change")
	assert.Len(t, c.released, 1)
}

func TestRepollLimit(t *testing.T) {
	changes := make([]int, DefaultMaxRepolls)
	for i := range changes {
		changes[i] = codec.InfoOutputBuffersChanged
	}

	// Exactly MaxRepolls re-polls still reach the output.
	e, _ := openEngine(t, &scriptedFactory{script: func(c *scriptedCodec) {
		c.outScript = append(append([]int{}, changes...), 0)
	}})
	ok, err := e.Drain(codec.Immediate)
	require.NoError(t, err)
	assert.True(t, ok)

	// One more and the loop gives up.
	e, c := openEngine(t, &scriptedFactory{script: func(c *scriptedCodec) {
		c.outScript = append(append([]int{}, changes...), codec.InfoOutputBuffersChanged, 0)
	}})
	ok, err = e.Drain(codec.Immediate)
	require.ErrorIs(t, err, ErrRepollLimit)
	assert.True(t, IsTransient(err))
	assert.False(t, ok)
	assert.Empty(t, c.released)
}

func TestTryAgainIsNotAnError(t *testing.T) {
	e, _ := openEngine(t, &scriptedFactory{})
	ok, err := e.Drain(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), e.PendingRenders())
}

func TestNoInputSlotDrainsTwiceThenRetries(t *testing.T) {
	e, c := openEngine(t, &scriptedFactory{script: func(c *scriptedCodec) {
		c.inScript = []int{codec.InfoTryAgainLater, codec.InfoTryAgainLater}
	}})

	ok, err := e.Submit(spsUnit, 0)
	require.NoError(t, err)
	assert.False(t, ok, "unit not consumed")
	assert.Equal(t, 2, c.outDequeues)
	assert.Empty(t, c.queued)

	// The retry succeeds this time.
	c.inScript = []int{codec.InfoTryAgainLater, 1}
	ok, err = e.Submit(spsUnit, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, c.queued, 1)
	assert.Equal(t, 1, c.queued[0].index)
}

func TestSubmitFlags(t *testing.T) {
	e, c := openEngine(t, &scriptedFactory{})

	for _, unit := range [][]byte{sliceUnit, spsUnit, idrUnit, sliceUnit} {
		ok, err := e.Submit(unit, 40)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.Len(t, c.queued, 4)
	assert.Equal(t, codec.FlagCodecConfig, c.queued[0].flags, "first unit is config whatever it holds")
	assert.Equal(t, codec.FlagCodecConfig, c.queued[1].flags)
	assert.Equal(t, codec.FlagSyncFrame, c.queued[2].flags)
	assert.Equal(t, codec.BufferFlags(0), c.queued[3].flags)
	assert.Equal(t, sliceUnit, c.queued[3].data)
	assert.Equal(t, int64(40), c.queued[3].pts)
}

func TestOversizedUnitReturnsSlotEmpty(t *testing.T) {
	e, c := openEngine(t, &scriptedFactory{slotSize: 4})

	ok, err := e.Submit(idrUnit, 0)
	require.ErrorIs(t, err, ErrUnitTooLarge)
	assert.False(t, ok)
	require.Len(t, c.queued, 1)
	assert.Equal(t, 0, c.queued[0].size)

	// The ring no longer holds a slot.
	ok, err = e.Submit([]byte{0, 0, 1, 0x41}, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnsupportedOpenIsFatal(t *testing.T) {
	f := &scriptedFactory{capsErr: codec.ErrUnsupported}
	e := NewEngine(f, Config{})

	err := e.Open(hd, nil)
	require.ErrorIs(t, err, ErrUnsupported)
	assert.True(t, IsFatal(err))
	assert.Empty(t, f.created, "no decoder is created for an unsupported format")

	_, err = e.Submit(spsUnit, 0)
	assert.ErrorIs(t, err, ErrNotOpen)
	require.NoError(t, e.Close())
}

func TestReopenReleasesPreviousCodec(t *testing.T) {
	f := &scriptedFactory{}
	e, first := openEngine(t, f)

	ok, err := e.Submit(spsUnit, 0)
	require.NoError(t, err)
	require.True(t, ok)
	first.outScript = []int{0}
	_, err = e.Drain(codec.Immediate)
	require.NoError(t, err)
	require.Equal(t, int64(1), e.PendingRenders())

	require.NoError(t, e.Open(codec.Format{Width: 640, Height: 480}, nil))
	require.Len(t, f.created, 2)
	assert.Equal(t, 1, first.flushes)
	assert.Equal(t, 1, first.releaseCalls)
	assert.Equal(t, int64(0), e.PendingRenders())
	assert.Equal(t, codec.MIMETypeAVC, f.created[1].format.MIMEType)

	// The new codec sees its own first unit as config.
	ok, err = e.Submit(sliceUnit, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, codec.FlagCodecConfig, f.created[1].queued[0].flags)

	ok, err = e.Submit(sliceUnit, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, codec.BufferFlags(0), f.created[1].queued[1].flags)
}

func TestCloseIsIdempotentAndUnblocksSubmit(t *testing.T) {
	f := &scriptedFactory{script: func(c *scriptedCodec) { c.blockInput = true }}
	e := NewEngine(f, Config{})
	require.NoError(t, e.Open(hd, nil))

	errc := make(chan error, 1)
	go func() {
		_, err := e.Submit(spsUnit, 0)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("submit still blocked after close")
	}

	assert.Equal(t, StateClosed, e.State())
	_, err := e.Drain(codec.Immediate)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Open(hd, nil), ErrClosed)
	assert.Equal(t, 1, f.created[0].releaseCalls)
}

func TestTakeRender(t *testing.T) {
	e, c := openEngine(t, &scriptedFactory{})
	assert.False(t, e.TakeRender())

	c.outScript = []int{0, 1}
	for range 2 {
		ok, err := e.Drain(codec.Immediate)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.True(t, e.TakeRender())
	assert.True(t, e.TakeRender())
	assert.False(t, e.TakeRender())
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsFatal(surface.ErrFrameDropped))
	assert.True(t, IsTransient(surface.ErrInvalidState))
	assert.True(t, IsTransient(ErrNoInputSlot))
	assert.False(t, IsFatal(ErrClosed))
	assert.False(t, IsTransient(errors.New("boom")))
}
