// Package codec defines the boundary with the hardware video decoder.
//
// The shape follows the platform media-codec model: the decoder owns a fixed
// set of input and output slots, software dequeues an input slot, fills it and
// queues it back, then polls for decoded output. Output can be rendered
// straight into a Surface without a CPU copy.
package codec

import (
	"errors"
	"image"
	"time"
)

// MIMETypeAVC is the media type for H.264 elementary streams.
const MIMETypeAVC = "video/avc"

// BufferFlags annotate a queued input buffer.
type BufferFlags uint32

const (
	FlagSyncFrame   BufferFlags = 1 << 0
	FlagCodecConfig BufferFlags = 1 << 1
	FlagEndOfStream BufferFlags = 1 << 2
)

// Special results of DequeueOutputBuffer. Non-negative values are slot
// indices.
const (
	InfoTryAgainLater        = -1
	InfoOutputFormatChanged  = -2
	InfoOutputBuffersChanged = -3
)

// Timeout values for the dequeue calls.
const (
	Infinite  time.Duration = -1
	Immediate time.Duration = 0
)

// ColorFormat identifies the decoder output layout.
type ColorFormat int

const (
	ColorFormatSurface ColorFormat = iota // Opaque, rendered into a Surface
	ColorFormatYUV420Planar
	ColorFormatYUV420SemiPlanar
)

var (
	// ErrUnsupported means no decoder handles the requested type and size.
	ErrUnsupported = errors.New("codec: unsupported media configuration")
	// ErrReleased is returned by any call made after Release, including calls
	// that were blocked when Release happened.
	ErrReleased = errors.New("codec: released")
	// ErrIllegalState is returned when a call does not fit the codec state,
	// for example dequeueing before Start or after Flush.
	ErrIllegalState = errors.New("codec: illegal state")
	// ErrBadIndex is returned for slot indices the codec does not consider
	// owned by the caller.
	ErrBadIndex = errors.New("codec: bad buffer index")
)

// Format describes the configured or reported stream format.
type Format struct {
	MIMEType    string
	Width       int
	Height      int
	ColorFormat ColorFormat
	FrameRate   int
	SliceHeight int
}

// BufferInfo describes a dequeued output buffer.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlags
}

// Capabilities is what the platform reports for a decoder able to handle a
// given type and size.
type Capabilities struct {
	Name    string
	Profile int // H.264 profile_idc
	Level   int // H.264 level_idc times ten
}

// Frame is a rendered output buffer as seen by the surface. Image is nil when
// the hardware writes straight into GPU memory.
type Frame struct {
	Image              image.Image
	PresentationTimeUs int64
}

// Surface is the render target a decoder writes into. QueueFrame is called
// from the codec's producer context whenever an output buffer is released
// with render=true.
type Surface interface {
	ID() uint32
	QueueFrame(f *Frame) error
}

// Codec is one hardware decoder instance. Implementations must let Stop and
// Release be called from any goroutine while another goroutine is blocked in
// a dequeue call; the blocked call then returns ErrReleased.
type Codec interface {
	Configure(format Format, surface Surface) error
	Start() error

	InputBuffers() [][]byte
	OutputBuffers() [][]byte

	// DequeueInputBuffer returns the index of a free input slot, or
	// InfoTryAgainLater if none became free within timeout.
	DequeueInputBuffer(timeout time.Duration) (int, error)
	QueueInputBuffer(index, offset, size int, ptsUs int64, flags BufferFlags) error

	// DequeueOutputBuffer returns a slot index or one of the Info codes.
	DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) (int, error)
	ReleaseOutputBuffer(index int, render bool) error
	OutputFormat() (Format, error)

	Flush() error
	Stop() error
	Release() error
}

// Factory looks up and creates decoders.
type Factory interface {
	// Capabilities returns ErrUnsupported (possibly wrapped) when no decoder
	// handles mimeType at width x height.
	Capabilities(mimeType string, width, height int) (Capabilities, error)
	NewDecoder(mimeType string) (Codec, error)
}
