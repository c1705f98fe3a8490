package decoder

import (
	"errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/surface"
)

var (
	// ErrUnsupported is returned by Open when no hardware decoder handles the
	// requested type and size. It is not retried.
	ErrUnsupported = errors.New("decoder: unsupported media configuration")
	// ErrUnitTooLarge means an access unit does not fit an input slot.
	ErrUnitTooLarge = errors.New("decoder: access unit larger than input slot")
	// ErrClosed is returned by every call after Close, including calls that
	// were blocked when Close happened.
	ErrClosed = errors.New("decoder: closed")
	// ErrNotOpen is returned by Submit and Drain before the first Open.
	ErrNotOpen = errors.New("decoder: not open")
	// ErrRepollLimit means the hardware kept reporting format or buffer-set
	// changes past the re-poll limit.
	ErrRepollLimit = errors.New("decoder: output re-poll limit reached")

	ErrSlotHeld    = errors.New("decoder: an input slot is already acquired")
	ErrSlotNotHeld = errors.New("decoder: input slot not acquired")
	ErrNoInputSlot = errors.New("decoder: no free input slot")
	ErrStaleOutput = errors.New("decoder: output slot invalidated")
)

// IsFatal reports whether err ends the session: the owner must close or
// reconfigure before feeding more data.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnsupported) || errors.Is(err, surface.ErrFrameDropped)
}

// IsTransient reports whether err is a recoverable condition. The caller
// retries on its next iteration.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNoInputSlot) ||
		errors.Is(err, ErrRepollLimit) ||
		errors.Is(err, ErrStaleOutput) ||
		errors.Is(err, surface.ErrInvalidState)
}
