// Package session composes the decode engine and the frame presenter into
// the lifecycle seen by the data source and the render host.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/decoder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/surface"
)

// DefaultDrainBudget is how long the last block of a fed frame waits for
// output.
const DefaultDrainBudget = 30 * time.Millisecond

// ErrClosed is returned after Close.
var ErrClosed = errors.New("session: closed")

// Config configures a Session.
type Config struct {
	Format       codec.Format
	LatchTimeout time.Duration
	DrainBudget  time.Duration
	Engine       decoder.Config
	Metrics      *metrics.Metrics
}

// Status is a point-in-time view of the session.
type Status struct {
	State          string
	SurfaceID      uint32
	Width          int
	Height         int
	OutputWidth    int
	OutputHeight   int
	Profile        int
	Level          int
	PendingRenders int64
	Fault          string
}

// Session owns one engine and one presenter. Submit and Feed are called by
// the data source goroutine, SurfaceID and CommitFrame by the render thread,
// Reconfigure and Close by the control surface.
type Session struct {
	cfg       Config
	engine    *decoder.Engine
	presenter *surface.Presenter
	metrics   *metrics.Metrics

	openMu sync.Mutex
	opened bool

	mu     sync.Mutex
	format codec.Format
	fault  error
	closed bool

	// Feed state, touched only by the data source goroutine.
	sawSPS    bool
	initBlock []byte
	resetFeed atomic.Bool
}

// New creates a session decoding with factory into texture. Nothing is
// opened until the first SurfaceID call.
func New(factory codec.Factory, texture surface.Texture, cfg Config) *Session {
	if cfg.LatchTimeout <= 0 {
		cfg.LatchTimeout = surface.DefaultLatchTimeout
	}
	if cfg.DrainBudget <= 0 {
		cfg.DrainBudget = DefaultDrainBudget
	}
	if cfg.Format.MIMEType == "" {
		cfg.Format.MIMEType = codec.MIMETypeAVC
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	cfg.Engine.Metrics = cfg.Metrics

	return &Session{
		cfg:       cfg,
		engine:    decoder.NewEngine(factory, cfg.Engine),
		presenter: surface.NewPresenter(texture, cfg.Metrics),
		metrics:   cfg.Metrics,
		format:    cfg.Format,
	}
}

// SurfaceID opens the decoder on first use and returns the render target
// handle. Later calls return the same handle without reopening.
func (s *Session) SurfaceID() (uint32, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	if !s.opened {
		if err := s.open(); err != nil {
			return 0, err
		}
		s.opened = true
	}
	return s.presenter.ID(), nil
}

// open must be called with openMu held.
func (s *Session) open() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	format := s.format
	s.mu.Unlock()

	if err := s.engine.Open(format, s.presenter); err != nil {
		return s.check(err)
	}
	return nil
}

// Fault returns the latched fatal fault, if any.
func (s *Session) Fault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault == nil {
		if pf := s.presenter.Fault(); pf != nil {
			s.latch(pf)
		}
	}
	return s.fault
}

// ready returns the latched fault or ErrClosed.
func (s *Session) ready() error {
	if err := s.Fault(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// latch must be called with mu held.
func (s *Session) latch(err error) {
	if s.fault != nil {
		return
	}
	s.fault = err
	s.metrics.FatalFaults.Add(1)
	logger.Error("Session", "Fatal fault, reconfigure or close required: %v", err)
}

// check latches fatal errors and maps a closed engine to ErrClosed.
func (s *Session) check(err error) error {
	switch {
	case err == nil:
		return nil
	case decoder.IsFatal(err):
		s.mu.Lock()
		s.latch(err)
		s.mu.Unlock()
	case errors.Is(err, decoder.ErrClosed), errors.Is(err, surface.ErrClosed):
		return ErrClosed
	}
	return err
}

// Submit queues one access unit. It returns false with a nil error when the
// hardware had no slot; the caller retries the same unit.
func (s *Session) Submit(data []byte, ptsUs int64) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	ok, err := s.engine.Submit(data, ptsUs)
	return ok, s.check(err)
}

// Feed splits one received frame into blocks and submits them, draining
// after each. Blocks before the first SPS are discarded. A block that finds no
// input slot ends the frame; if it was a config block it is kept and sent
// first on the next Feed.
func (s *Session) Feed(frame []byte, ptsUs int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.resetFeed.Swap(false) {
		s.sawSPS = false
		s.initBlock = nil
	}

	blocks, err := h264.SplitBlocks(frame)
	if err != nil {
		return fmt.Errorf("split frame: %w", err)
	}

	if s.initBlock != nil {
		ok, err := s.engine.Submit(s.initBlock, ptsUs)
		if err != nil {
			return s.check(err)
		}
		if !ok {
			return nil
		}
		s.initBlock = nil
	}

	for i, block := range blocks {
		isSPS := h264.StartsWithSPS(block)
		if !s.sawSPS {
			if !isSPS {
				s.metrics.UnitsSkipped.Add(1)
				continue
			}
			s.sawSPS = true
		}

		ok, err := s.engine.Submit(block, ptsUs)
		if err != nil {
			if errors.Is(err, decoder.ErrUnitTooLarge) {
				logger.Warn("Session", "Dropping block: %v", err)
				continue
			}
			return s.check(err)
		}
		if !ok {
			// The rest of the frame depends on what was not sent.
			if isSPS {
				s.initBlock = block
			}
			if logger.Every("session.noslot", 5*time.Second) {
				logger.Warn("Session", "Hardware not ready, dropping %d of %d blocks", len(blocks)-i, len(blocks))
			}
			return nil
		}

		budget := codec.Immediate
		if i == len(blocks)-1 {
			budget = s.cfg.DrainBudget
		}
		if _, err := s.engine.Drain(budget); err != nil {
			if decoder.IsTransient(err) {
				logger.Debug("Session", "Drain: %v", err)
				continue
			}
			return s.check(err)
		}
	}
	return nil
}

// CommitFrame is called once per render tick. If a released output is
// pending it waits for the frame, latches and draws it. It reports whether a
// draw happened.
func (s *Session) CommitFrame() (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if !s.engine.TakeRender() {
		return false, nil
	}

	ok, err := s.presenter.AwaitAndLatch(s.cfg.LatchTimeout)
	if err != nil || !ok {
		return false, s.check(err)
	}
	if err := s.presenter.DrawLatched(); err != nil {
		return false, s.check(err)
	}
	return true, nil
}

// Reconfigure reopens the decoder at a new size. It clears a latched fault.
func (s *Session) Reconfigure(width, height int) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.format.Width, s.format.Height = width, height
	format := s.format
	s.mu.Unlock()

	logger.Info("Session", "Reconfiguring to %dx%d", width, height)
	// A Feed racing the reopen must already skip to the next SPS.
	s.resetFeed.Store(true)
	err := s.engine.Open(format, s.presenter)

	// The old codec is released by now, so nothing stale can reach the
	// mailbox after this reset.
	s.presenter.Reset()
	s.resetFeed.Store(true)
	s.mu.Lock()
	s.fault = nil
	s.mu.Unlock()

	if err != nil {
		return s.check(err)
	}
	s.opened = true
	return nil
}

// Close tears down the engine, then the presenter. Safe to call more than
// once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.engine.Close()
	s.presenter.Close()
	return err
}

// Status reports the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	format, closed := s.format, s.closed
	s.mu.Unlock()

	st := Status{
		State:          s.engine.State().String(),
		SurfaceID:      s.presenter.ID(),
		Width:          format.Width,
		Height:         format.Height,
		Profile:        s.engine.Profile(),
		Level:          s.engine.Level(),
		PendingRenders: s.engine.PendingRenders(),
	}
	st.OutputWidth, st.OutputHeight = s.engine.OutputSize()
	if closed {
		st.State = decoder.StateClosed.String()
	}
	if err := s.Fault(); err != nil {
		st.Fault = err.Error()
	}
	return st
}
