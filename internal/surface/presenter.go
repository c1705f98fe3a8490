// Package surface hands decoded frames from the decoder's producer context to
// the render thread.
package surface

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/metrics"
)

// DefaultLatchTimeout bounds how long a render tick waits for a frame.
const DefaultLatchTimeout = 40 * time.Millisecond

var (
	// ErrFrameDropped means a frame was produced while the previous one was
	// still waiting to be latched. It is fatal for the session.
	ErrFrameDropped = errors.New("surface: frame produced before previous frame was latched")
	// ErrInvalidState is returned by a Texture that cannot be updated right now.
	ErrInvalidState = errors.New("surface: texture in invalid state")
	// ErrNotLatched is returned by DrawLatched before any frame was latched.
	ErrNotLatched = errors.New("surface: no frame latched")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("surface: closed")
)

// Presenter is the single-slot rendezvous between the producer (the codec
// rendering a released output) and the render thread. The mailbox holds at
// most one frame: full means "frame ready".
type Presenter struct {
	texture Texture
	metrics *metrics.Metrics

	mailbox   chan *codec.Frame
	done      chan struct{}
	closeOnce sync.Once

	latched atomic.Bool

	mu    sync.Mutex
	fault error
}

// NewPresenter creates a presenter drawing into texture.
func NewPresenter(texture Texture, m *metrics.Metrics) *Presenter {
	if m == nil {
		m = metrics.New()
	}
	return &Presenter{
		texture: texture,
		metrics: m,
		mailbox: make(chan *codec.Frame, 1),
		done:    make(chan struct{}),
	}
}

// ID returns the texture handle the decoder renders into.
func (p *Presenter) ID() uint32 {
	return p.texture.ID()
}

// QueueFrame is called from the producer context. A full mailbox is a fault,
// never an overwrite.
func (p *Presenter) QueueFrame(f *codec.Frame) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	select {
	case p.mailbox <- f:
		p.metrics.FramesProduced.Add(1)
		return nil
	default:
		err := fmt.Errorf("%w (pts=%dus)", ErrFrameDropped, f.PresentationTimeUs)
		p.mu.Lock()
		if p.fault == nil {
			p.fault = err
		}
		p.mu.Unlock()
		logger.Error("Presenter", "%v", err)
		return err
	}
}

// OnFrameProduced signals a frame the hardware wrote straight into the
// texture.
func (p *Presenter) OnFrameProduced() error {
	return p.QueueFrame(&codec.Frame{})
}

// Fault returns the first producer-side fault since the last Reset.
func (p *Presenter) Fault() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fault
}

// AwaitAndLatch waits up to timeout for a frame and latches it into the
// texture. It returns false with no error when nothing arrived in time or the
// texture was transiently unusable. Only the render thread may call it.
func (p *Presenter) AwaitAndLatch(timeout time.Duration) (bool, error) {
	if timeout < 0 {
		timeout = DefaultLatchTimeout
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var f *codec.Frame
	select {
	case f = <-p.mailbox:
	case <-timer.C:
		p.metrics.LatchTimeouts.Add(1)
		return false, nil
	case <-p.done:
		return false, ErrClosed
	}
	p.metrics.ObserveLatchWait(time.Since(start))

	if err := p.texture.Update(f.Image); err != nil {
		if errors.Is(err, ErrInvalidState) {
			p.metrics.TextureFaults.Add(1)
			logger.Warn("Presenter", "Texture update failed: %v", err)
			return false, nil
		}
		return false, err
	}

	p.latched.Store(true)
	p.metrics.FramesLatched.Add(1)
	return true, nil
}

// DrawLatched draws the most recently latched frame.
func (p *Presenter) DrawLatched() error {
	if !p.latched.Load() {
		return ErrNotLatched
	}
	if err := p.texture.Draw(); err != nil {
		return fmt.Errorf("draw latched frame: %w", err)
	}
	p.metrics.FramesDrawn.Add(1)
	return nil
}

// Reset discards a waiting frame, forgets the latched one and clears the
// recorded fault.
func (p *Presenter) Reset() {
	select {
	case <-p.mailbox:
	default:
	}
	p.latched.Store(false)
	p.mu.Lock()
	p.fault = nil
	p.mu.Unlock()
}

// Close releases the texture and wakes a waiting render thread. Safe to call
// more than once.
func (p *Presenter) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.texture.Release()
	})
}
