package session

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/decoder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/surface"
)

var (
	sps   = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xc0, 0x1f}
	pps   = []byte{0x00, 0x00, 0x01, 0x68, 0xce, 0x3c, 0x80}
	idr   = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x21}
	slice = []byte{0x00, 0x00, 0x01, 0x41, 0x9a, 0x02}

	keyFrame = bytes.Join([][]byte{sps, pps, idr}, nil)
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newSession(t *testing.T, width, height int) (*Session, *metrics.Metrics) {
	t.Helper()
	return newSessionWith(t, newEmulator(), width, height)
}

func newSessionWith(t *testing.T, factory codec.Factory, width, height int) (*Session, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	s := New(factory, surface.NewSoftwareTexture(32, 32), Config{
		Format:  codec.Format{Width: width, Height: height},
		Metrics: m,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s, m
}

func newEmulator() *codec.Emulator {
	return codec.NewEmulator(codec.EmulatorConfig{FrameWidth: 16, FrameHeight: 16})
}

// busyFactory hands out emulated decoders that report no free input slot
// for the next misses dequeues, and records the NAL header and flags of every
// unit queued to them.
type busyFactory struct {
	*codec.Emulator
	misses atomic.Int32
	onOpen func()

	nal   []byte
	flags []codec.BufferFlags
}

func (f *busyFactory) NewDecoder(mimeType string) (codec.Codec, error) {
	if f.onOpen != nil {
		f.onOpen()
	}
	c, err := f.Emulator.NewDecoder(mimeType)
	if err != nil {
		return nil, err
	}
	return &busyCodec{Codec: c, factory: f}, nil
}

type busyCodec struct {
	codec.Codec
	factory *busyFactory
}

func (c *busyCodec) DequeueInputBuffer(timeout time.Duration) (int, error) {
	if c.factory.misses.Add(-1) >= 0 {
		return codec.InfoTryAgainLater, nil
	}
	return c.Codec.DequeueInputBuffer(timeout)
}

func (c *busyCodec) QueueInputBuffer(index, offset, size int, ptsUs int64, flags codec.BufferFlags) error {
	if size > 4 {
		c.factory.nal = append(c.factory.nal, c.InputBuffers()[index][offset+4])
		c.factory.flags = append(c.factory.flags, flags)
	}
	return c.Codec.QueueInputBuffer(index, offset, size, ptsUs, flags)
}

func TestSurfaceIDOpensOnce(t *testing.T) {
	s, m := newSession(t, 1280, 720)

	id, err := s.SurfaceID()
	require.NoError(t, err)
	again, err := s.SurfaceID()
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, uint64(1), m.CodecOpens.Load())
}

func TestFeedCommitDraws(t *testing.T) {
	s, m := newSession(t, 1280, 720)
	_, err := s.SurfaceID()
	require.NoError(t, err)

	// Nothing is sent until the stream reaches an SPS.
	require.NoError(t, s.Feed(slice, 0))
	assert.Equal(t, uint64(1), m.UnitsSkipped.Load())
	assert.Equal(t, uint64(0), m.UnitsSubmitted.Load())

	require.NoError(t, s.Feed(keyFrame, 33_000))
	assert.Equal(t, uint64(2), m.UnitsSubmitted.Load(), "config block and IDR")
	assert.Equal(t, uint64(1), m.ConfigUnits.Load())

	drawn, err := s.CommitFrame()
	require.NoError(t, err)
	assert.True(t, drawn)
	assert.Equal(t, uint64(1), m.FramesDrawn.Load())

	drawn, err = s.CommitFrame()
	require.NoError(t, err)
	assert.False(t, drawn, "nothing pending")

	require.NoError(t, s.Feed(slice, 66_000))
	drawn, err = s.CommitFrame()
	require.NoError(t, err)
	assert.True(t, drawn)

	st := s.Status()
	assert.Equal(t, "running", st.State)
	assert.Equal(t, 100, st.Profile)
	assert.Equal(t, 31, st.Level)
	assert.Empty(t, st.Fault)
}

func TestDoubleProduceLatchesFault(t *testing.T) {
	s, _ := newSession(t, 1280, 720)
	_, err := s.SurfaceID()
	require.NoError(t, err)

	require.NoError(t, s.Feed(keyFrame, 0))
	_ = s.Feed(slice, 1)

	require.Eventually(t, func() bool { return s.Fault() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Fault(), surface.ErrFrameDropped)
	assert.True(t, decoder.IsFatal(s.Fault()))

	_, err = s.CommitFrame()
	assert.ErrorIs(t, err, surface.ErrFrameDropped)
	assert.ErrorIs(t, s.Feed(slice, 2), surface.ErrFrameDropped)
	_, err = s.Submit(slice, 2)
	assert.ErrorIs(t, err, surface.ErrFrameDropped)

	// Reconfiguring clears the fault; the new codec needs a fresh SPS.
	require.NoError(t, s.Reconfigure(640, 480))
	assert.NoError(t, s.Fault())
	require.NoError(t, s.Feed(keyFrame, 3))
	drawn, err := s.CommitFrame()
	require.NoError(t, err)
	assert.True(t, drawn)

	st := s.Status()
	assert.Equal(t, 640, st.Width)
	assert.Equal(t, 640, st.OutputWidth)
}

func TestUnsupportedSizeIsFatal(t *testing.T) {
	s, m := newSession(t, 4096, 2160)

	_, err := s.SurfaceID()
	require.ErrorIs(t, err, decoder.ErrUnsupported)
	assert.True(t, decoder.IsFatal(err))
	assert.Equal(t, uint64(1), m.FatalFaults.Load())

	_, err = s.Submit(keyFrame, 0)
	assert.ErrorIs(t, err, decoder.ErrUnsupported)

	require.NoError(t, s.Reconfigure(1920, 1080))
	_, err = s.SurfaceID()
	assert.NoError(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _ := newSession(t, 1280, 720)
	_, err := s.SurfaceID()
	require.NoError(t, err)
	require.NoError(t, s.Feed(keyFrame, 0))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Feed(keyFrame, 1), ErrClosed)
	_, err = s.CommitFrame()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Reconfigure(640, 480), ErrClosed)
	_, err = s.SurfaceID()
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "closed", s.Status().State)
}

func TestCommitTimesOutWhenFrameNeverArrives(t *testing.T) {
	s, _ := newSession(t, 1280, 720)
	_, err := s.SurfaceID()
	require.NoError(t, err)

	start := time.Now()
	drawn, err := s.CommitFrame()
	require.NoError(t, err)
	assert.False(t, drawn)
	assert.Less(t, time.Since(start), 20*time.Millisecond, "no pending render, no wait")
}

func TestSlotMissEndsFrameAndResendsConfig(t *testing.T) {
	f := &busyFactory{Emulator: newEmulator()}
	s, m := newSessionWith(t, f, 1280, 720)
	_, err := s.SurfaceID()
	require.NoError(t, err)

	// Submit's first dequeue and its retry after the drains both miss.
	f.misses.Store(2)
	require.NoError(t, s.Feed(keyFrame, 0))
	assert.Empty(t, f.nal, "the IDR must not overtake its parameter sets")
	assert.Equal(t, uint64(0), m.UnitsSubmitted.Load())

	// The kept config block goes out ahead of the next frame.
	require.NoError(t, s.Feed(idr, 33_000))
	drawn, err := s.CommitFrame()
	require.NoError(t, err)
	assert.True(t, drawn)

	require.NoError(t, s.Feed(slice, 66_000))
	drawn, err = s.CommitFrame()
	require.NoError(t, err)
	assert.True(t, drawn)

	assert.Equal(t, []byte{0x67, 0x65, 0x41}, f.nal)
	assert.Equal(t, []codec.BufferFlags{codec.FlagCodecConfig, codec.FlagSyncFrame, 0}, f.flags)
}

func TestReconfigureSkipsToNextSPSBeforeReopen(t *testing.T) {
	f := &busyFactory{Emulator: newEmulator()}
	s, m := newSessionWith(t, f, 1280, 720)
	_, err := s.SurfaceID()
	require.NoError(t, err)
	require.NoError(t, s.Feed(keyFrame, 0))

	armed := false
	f.onOpen = func() { armed = s.resetFeed.Load() }
	require.NoError(t, s.Reconfigure(640, 480))
	assert.True(t, armed, "feeding during the reopen already waits for an SPS")

	require.NoError(t, s.Feed(slice, 1))
	assert.Equal(t, uint64(1), m.UnitsSkipped.Load())
	require.NoError(t, s.Feed(keyFrame, 2))
	assert.Equal(t, []byte{0x67, 0x65, 0x67, 0x65}, f.nal)
}
