package recorder

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/pkg/types"
)

var (
	sps   = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xc0, 0x1f}
	pps   = []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xce, 0x3c, 0x80}
	idr   = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x21}
	slice = []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9a, 0x02}
)

func unit(parts ...[]byte) types.AccessUnit {
	return types.AccessUnit{Data: bytes.Join(parts, nil)}
}

func TestRecordingStartsAtKeyFrameWithHeaders(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	r := NewRecorder(dir, m)

	// Seen before recording starts: headers are cached anyway.
	assert.False(t, r.Record(unit(sps, pps, idr)))

	name, err := r.Start()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.RecordingActive.Load())

	require.True(t, r.Record(unit(slice)))
	require.True(t, r.Record(unit(idr)))
	require.True(t, r.Record(unit(slice)))
	require.NoError(t, r.Stop())

	got, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, bytes.Join([][]byte{sps, pps, idr, slice}, nil), got)

	st := r.GetStatus()
	assert.False(t, st.Recording)
	assert.Equal(t, uint64(2), st.FrameCount)
	assert.Equal(t, uint64(1), st.SkippedFrames)
	assert.Equal(t, uint64(len(got)), st.BytesWritten)
	assert.Equal(t, uint64(0), m.RecordingActive.Load())
	assert.Equal(t, uint64(2), m.RecordingFrames.Load())
}

func TestKeyFrameWithOwnHeadersIsNotPrefixed(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, nil)

	name, err := r.Start()
	require.NoError(t, err)
	require.True(t, r.Record(unit(sps, pps, idr)))
	require.NoError(t, r.Close())

	got, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, bytes.Join([][]byte{sps, pps, idr}, nil), got)
}

func TestStartStopErrors(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil)
	assert.ErrorIs(t, r.Stop(), ErrNotRecording)

	_, err := r.Start()
	require.NoError(t, err)
	_, err = r.Start()
	assert.ErrorIs(t, err, ErrAlreadyRecording)
	require.NoError(t, r.Stop())
	assert.NoError(t, r.Close())
}
