// Package decoder drives a hardware video decoder: it feeds access units
// into input slots and releases decoded outputs to the render surface.
package decoder

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/pkg/types"
)

const (
	// DefaultMaxRepolls bounds the internal re-polls on format and buffer-set
	// changes within one Drain.
	DefaultMaxRepolls = 8

	// noSlotDrains is how many zero-budget drains run before the single
	// acquire retry when the hardware has no free input slot.
	noSlotDrains = 2
)

// State of the engine.
type State int32

const (
	StateUninitialized State = iota
	StateConfigured
	StateRunning
	StateDraining
	StateReconfiguring
	StateClosed
)

var stateNames = [...]string{"uninitialized", "configured", "running", "draining", "reconfiguring", "closed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config configures an Engine.
type Config struct {
	MaxRepolls int
	Table      h264.Table // nil selects the H.264 default
	Marker     byte       // 0 selects h264.DefaultMarker
	Metrics    *metrics.Metrics
}

// instance is one open codec with the state bound to it.
type instance struct {
	codec codec.Codec
	ring  *Ring
	caps  codec.Capabilities
}

// Engine owns at most one codec instance at a time. Submit and Drain must be
// called from a single feeding goroutine; Open and Close may be called from
// any goroutine.
type Engine struct {
	factory codec.Factory
	cfg     Config
	metrics *metrics.Metrics

	state   atomic.Int32
	pending atomic.Int64

	// Feeding goroutine only.
	classifier *h264.Classifier
	fed        *instance

	mu        sync.Mutex
	inst      *instance
	requested codec.Format
	output    codec.Format
	hasOutput bool
}

// NewEngine creates an engine that opens decoders from factory.
func NewEngine(factory codec.Factory, cfg Config) *Engine {
	if cfg.MaxRepolls <= 0 {
		cfg.MaxRepolls = DefaultMaxRepolls
	}
	if cfg.Marker == 0 {
		cfg.Marker = h264.DefaultMarker
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Engine{
		factory:    factory,
		cfg:        cfg,
		metrics:    cfg.Metrics,
		classifier: h264.NewClassifier(cfg.Table, cfg.Marker),
	}
}

// State returns the current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Open creates a codec for format rendering into surface. An open codec is
// flushed and released first. Unsupported configurations fail with
// ErrUnsupported.
func (e *Engine) Open(format codec.Format, surface codec.Surface) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() == StateClosed {
		return ErrClosed
	}
	if format.MIMEType == "" {
		format.MIMEType = codec.MIMETypeAVC
	}

	if old := e.inst; old != nil {
		e.state.Store(int32(StateReconfiguring))
		e.inst = nil
		e.teardown(old)
	}
	e.state.Store(int32(StateUninitialized))
	e.pending.Store(0)
	e.metrics.PendingRenders.Store(0)
	e.hasOutput = false

	caps, err := e.factory.Capabilities(format.MIMEType, format.Width, format.Height)
	if err != nil {
		return fmt.Errorf("%w: %s %dx%d: %w", ErrUnsupported, format.MIMEType, format.Width, format.Height, err)
	}
	c, err := e.factory.NewDecoder(format.MIMEType)
	if err != nil {
		return fmt.Errorf("%w: create %s decoder: %w", ErrUnsupported, format.MIMEType, err)
	}
	if err := c.Configure(format, surface); err != nil {
		_ = c.Release()
		return fmt.Errorf("%w: configure: %w", ErrUnsupported, err)
	}
	e.state.Store(int32(StateConfigured))

	if err := c.Start(); err != nil {
		_ = c.Release()
		e.state.Store(int32(StateUninitialized))
		return fmt.Errorf("start decoder: %w", err)
	}

	e.inst = &instance{
		codec: c,
		ring:  NewRing(c),
		caps:  caps,
	}
	e.requested = format
	e.state.Store(int32(StateRunning))
	e.metrics.CodecOpens.Add(1)

	logger.Info("Decoder", "Opened %s %s %dx%d (profile %d, level %d)",
		caps.Name, format.MIMEType, format.Width, format.Height, caps.Profile, caps.Level)
	return nil
}

func (e *Engine) teardown(in *instance) {
	if err := in.codec.Flush(); err != nil {
		logger.Debug("Decoder", "Flush before release: %v", err)
	}
	if err := in.codec.Stop(); err != nil {
		logger.Debug("Decoder", "Stop: %v", err)
	}
	if err := in.codec.Release(); err != nil {
		logger.Warn("Decoder", "Release: %v", err)
	}
}

// current returns the open instance for the feeding goroutine.
func (e *Engine) current() (*instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() == StateClosed {
		return nil, ErrClosed
	}
	if e.inst == nil {
		return nil, ErrNotOpen
	}
	return e.inst, nil
}

// lost maps a codec error seen by in. A codec that was closed reports
// ErrClosed; a codec replaced by Open reports nil so the caller retries
// against the new one.
func (e *Engine) lost(in *instance, err error) error {
	if !errors.Is(err, codec.ErrReleased) && !errors.Is(err, codec.ErrIllegalState) {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() == StateClosed {
		return ErrClosed
	}
	if e.inst != in {
		return nil
	}
	return err
}

// Submit copies one access unit into an input slot and queues it. It blocks
// until the hardware has a free slot. It returns false with a nil error when
// no slot could be obtained; the caller must retry the same unit later.
func (e *Engine) Submit(data []byte, ptsUs int64) (bool, error) {
	in, err := e.current()
	if err != nil {
		return false, err
	}

	slot, err := in.ring.Acquire(codec.Infinite)
	if errors.Is(err, ErrNoInputSlot) {
		e.metrics.NoInputSlot.Add(1)
		for range noSlotDrains {
			if _, derr := e.Drain(codec.Immediate); derr != nil && !IsTransient(derr) {
				return false, derr
			}
		}
		slot, err = in.ring.Acquire(codec.Infinite)
		if errors.Is(err, ErrNoInputSlot) {
			if logger.Every("decoder.noslot", 5*time.Second) {
				logger.Warn("Decoder", "No input slot after %d drains", noSlotDrains)
			}
			return false, nil
		}
	}
	if err != nil {
		return false, e.lost(in, err)
	}

	if len(data) > len(slot.Buf) {
		e.metrics.UnitsRejected.Add(1)
		if aerr := in.ring.Abandon(); aerr != nil {
			return false, e.lost(in, aerr)
		}
		return false, fmt.Errorf("%w: %d bytes, slot holds %d", ErrUnitTooLarge, len(data), len(slot.Buf))
	}
	n := copy(slot.Buf, data)

	// The first unit into every codec instance is its configuration.
	if e.fed != in {
		e.classifier.Reset()
		e.fed = in
	}
	d := e.classifier.Classify(data)
	if d.Detected && d.Code != h264.PSliceCode {
		logger.Debug("Decoder", "Unit type %#02x (%s) size=%d", d.Code, d.Kind, n)
	}

	if err := in.ring.Release(slot.Index, n, ptsUs, flagsFor(d)); err != nil {
		return false, e.lost(in, err)
	}

	e.metrics.UnitsSubmitted.Add(1)
	switch d.Kind {
	case types.UnitConfig:
		e.metrics.ConfigUnits.Add(1)
	case types.UnitSync:
		e.metrics.SyncUnits.Add(1)
	}
	return true, nil
}

func flagsFor(d h264.Decision) codec.BufferFlags {
	var flags codec.BufferFlags
	if d.Kind == types.UnitConfig {
		flags |= codec.FlagCodecConfig
	}
	if d.Sync {
		flags |= codec.FlagSyncFrame
	}
	return flags
}

// Drain polls for one decoded output, waiting up to budget. A real output is
// released to the surface with render set and counted as pending. Format and
// buffer-set changes are handled here and re-polled, at most MaxRepolls times.
func (e *Engine) Drain(budget time.Duration) (bool, error) {
	in, err := e.current()
	if err != nil {
		return false, err
	}

	if e.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		defer e.state.CompareAndSwap(int32(StateDraining), int32(StateRunning))
	}

	var info codec.BufferInfo
	for repolls := 0; repolls <= e.cfg.MaxRepolls; repolls++ {
		idx, err := in.codec.DequeueOutputBuffer(&info, budget)
		if err != nil {
			return false, e.lost(in, err)
		}

		switch {
		case idx == codec.InfoTryAgainLater:
			return false, nil

		case idx == codec.InfoOutputBuffersChanged:
			in.ring.RefreshOutputs()
			e.metrics.BufferSetChanges.Add(1)
			logger.Debug("Decoder", "Output buffers changed (generation %d)", in.ring.Generation())

		case idx == codec.InfoOutputFormatChanged:
			in.ring.RefreshOutputs()
			e.metrics.FormatChanges.Add(1)
			format, ferr := in.codec.OutputFormat()
			if ferr != nil {
				return false, e.lost(in, ferr)
			}
			e.mu.Lock()
			e.output, e.hasOutput = format, true
			e.mu.Unlock()
			logger.Info("Decoder", "Output format changed: %dx%d color=%d", format.Width, format.Height, format.ColorFormat)

		case idx >= 0:
			slot := in.ring.ClaimOutput(idx, info)
			if err := in.ring.ReleaseOutput(slot, true); err != nil {
				if errors.Is(err, ErrStaleOutput) {
					e.metrics.StaleOutputs.Add(1)
					return false, err
				}
				return false, e.lost(in, err)
			}
			e.metrics.OutputsReleased.Add(1)
			e.metrics.PendingRenders.Store(e.pending.Add(1))
			return true, nil

		default:
			logger.Warn("Decoder", "Unknown dequeue result %d", idx)
			return false, nil
		}
	}

	e.metrics.RepollLimitExceeded.Add(1)
	return false, fmt.Errorf("%w: %d re-polls", ErrRepollLimit, e.cfg.MaxRepolls)
}

// PendingRenders is the number of released outputs not yet taken by the
// render thread.
func (e *Engine) PendingRenders() int64 {
	return e.pending.Load()
}

// TakeRender decrements the pending-render counter if it is positive.
func (e *Engine) TakeRender() bool {
	for {
		n := e.pending.Load()
		if n <= 0 {
			return false
		}
		if e.pending.CompareAndSwap(n, n-1) {
			e.metrics.PendingRenders.Store(n - 1)
			return true
		}
	}
}

// Close stops and releases the codec. Blocked Submit and Drain calls return
// ErrClosed. Calling Close again is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.State() == StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state.Store(int32(StateClosed))
	in := e.inst
	e.inst = nil
	e.mu.Unlock()

	if in != nil {
		if err := in.codec.Stop(); err != nil {
			logger.Debug("Decoder", "Stop: %v", err)
		}
		if err := in.codec.Release(); err != nil {
			return fmt.Errorf("release decoder: %w", err)
		}
		logger.Info("Decoder", "Closed")
	}
	return nil
}

// Profile is the H.264 profile_idc reported for the open decoder.
func (e *Engine) Profile() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst == nil {
		return 0
	}
	return e.inst.caps.Profile
}

// Level is the H.264 level_idc (times ten) reported for the open decoder.
func (e *Engine) Level() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst == nil {
		return 0
	}
	return e.inst.caps.Level
}

// OutputSize is the size of decoded pictures: the last reported output
// format, or the requested size before the hardware reported one.
func (e *Engine) OutputSize() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasOutput {
		return e.output.Width, e.output.Height
	}
	return e.requested.Width, e.requested.Height
}
