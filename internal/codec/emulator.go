package codec

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/logger"
)

// EmulatorConfig sizes the headless decoder.
type EmulatorConfig struct {
	InputSlots  int
	OutputSlots int
	SlotSize    int // Bytes per input slot
	MaxWidth    int
	MaxHeight   int
	// FrameWidth/FrameHeight set the size of the synthesized output images.
	// Zero uses the configured stream size.
	FrameWidth  int
	FrameHeight int
}

// DefaultEmulatorConfig mirrors a typical mobile H.264 decoder.
func DefaultEmulatorConfig() EmulatorConfig {
	return EmulatorConfig{
		InputSlots:  4,
		OutputSlots: 4,
		SlotSize:    512 * 1024,
		MaxWidth:    1920,
		MaxHeight:   1088,
	}
}

// Emulator is a Factory for software decoders that follow the hardware slot
// protocol. It does not decode pixels: each output is a flat image whose
// brightness is derived from the submitted bytes, which is enough to exercise
// the hand-off path without a device.
type Emulator struct {
	cfg EmulatorConfig
}

// NewEmulator creates an emulator factory.
func NewEmulator(cfg EmulatorConfig) *Emulator {
	def := DefaultEmulatorConfig()
	if cfg.InputSlots <= 0 {
		cfg.InputSlots = def.InputSlots
	}
	if cfg.OutputSlots <= 0 {
		cfg.OutputSlots = def.OutputSlots
	}
	if cfg.SlotSize <= 0 {
		cfg.SlotSize = def.SlotSize
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = def.MaxWidth
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = def.MaxHeight
	}
	return &Emulator{cfg: cfg}
}

// Capabilities implements Factory.
func (e *Emulator) Capabilities(mimeType string, width, height int) (Capabilities, error) {
	if mimeType != MIMETypeAVC {
		return Capabilities{}, fmt.Errorf("%w: type %q", ErrUnsupported, mimeType)
	}
	if width <= 0 || height <= 0 || width > e.cfg.MaxWidth || height > e.cfg.MaxHeight {
		return Capabilities{}, fmt.Errorf("%w: %dx%d exceeds %dx%d",
			ErrUnsupported, width, height, e.cfg.MaxWidth, e.cfg.MaxHeight)
	}

	caps := Capabilities{Name: "emulated.avc.decoder", Profile: 100, Level: 41}
	if width*height <= 1280*720 {
		caps.Level = 31
	}
	return caps, nil
}

// NewDecoder implements Factory.
func (e *Emulator) NewDecoder(mimeType string) (Codec, error) {
	if mimeType != MIMETypeAVC {
		return nil, fmt.Errorf("%w: type %q", ErrUnsupported, mimeType)
	}
	return newEmulatedCodec(e.cfg), nil
}

type codecState int

const (
	stateCreated codecState = iota
	stateConfigured
	stateRunning
	stateStopped
	stateReleased
)

type decodedFrame struct {
	pts  int64
	size int
	luma uint8
}

type emulatedCodec struct {
	cfg EmulatorConfig

	mu             sync.Mutex
	state          codecState
	format         Format
	surface        Surface
	inputs         [][]byte
	inOwned        map[int]bool // dequeued by software, not yet queued
	parked         []int        // queued inputs held back while outputs are full
	sawConfig      bool
	formatReported bool
	pending        []decodedFrame
	held           map[int]decodedFrame // dequeued outputs
	freeOut        []int

	freeIn   chan int
	wake     chan struct{}
	renderQ  chan decodedFrame
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

func newEmulatedCodec(cfg EmulatorConfig) *emulatedCodec {
	return &emulatedCodec{
		cfg:     cfg,
		inOwned: make(map[int]bool),
		held:    make(map[int]decodedFrame),
		freeIn:  make(chan int, cfg.InputSlots),
		wake:    make(chan struct{}, 1),
		renderQ: make(chan decodedFrame, cfg.OutputSlots),
		done:    make(chan struct{}),
	}
}

func (c *emulatedCodec) Configure(format Format, surface Surface) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateCreated {
		return fmt.Errorf("%w: configure in state %d", ErrIllegalState, c.state)
	}
	if format.Width > c.cfg.MaxWidth || format.Height > c.cfg.MaxHeight {
		return fmt.Errorf("%w: %dx%d", ErrUnsupported, format.Width, format.Height)
	}

	c.format = format
	c.surface = surface
	c.inputs = make([][]byte, c.cfg.InputSlots)
	for i := range c.inputs {
		c.inputs[i] = make([]byte, c.cfg.SlotSize)
	}
	c.state = stateConfigured
	return nil
}

func (c *emulatedCodec) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConfigured {
		return fmt.Errorf("%w: start in state %d", ErrIllegalState, c.state)
	}
	for i := range c.cfg.InputSlots {
		c.freeIn <- i
	}
	c.freeOut = make([]int, 0, c.cfg.OutputSlots)
	for i := range c.cfg.OutputSlots {
		c.freeOut = append(c.freeOut, i)
	}
	c.state = stateRunning

	c.wg.Add(1)
	go c.produce()
	return nil
}

func (c *emulatedCodec) InputBuffers() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputs
}

// OutputBuffers has no CPU-visible memory in surface mode.
func (c *emulatedCodec) OutputBuffers() [][]byte {
	return make([][]byte, c.cfg.OutputSlots)
}

// checkRunning must be called with mu held.
func (c *emulatedCodec) checkRunning() error {
	switch c.state {
	case stateRunning:
		return nil
	case stateReleased:
		return ErrReleased
	default:
		return fmt.Errorf("%w: state %d", ErrIllegalState, c.state)
	}
}

// closedErr reports why a blocked call was woken by done.
func (c *emulatedCodec) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReleased {
		return ErrReleased
	}
	return fmt.Errorf("%w: stopped", ErrIllegalState)
}

func (c *emulatedCodec) DequeueInputBuffer(timeout time.Duration) (int, error) {
	c.mu.Lock()
	err := c.checkRunning()
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	var timer <-chan time.Time
	switch {
	case timeout == Immediate:
		select {
		case idx := <-c.freeIn:
			return c.own(idx), nil
		default:
			return InfoTryAgainLater, nil
		}
	case timeout > 0:
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case idx := <-c.freeIn:
		return c.own(idx), nil
	case <-c.done:
		return 0, c.closedErr()
	case <-timer:
		return InfoTryAgainLater, nil
	}
}

func (c *emulatedCodec) own(idx int) int {
	c.mu.Lock()
	c.inOwned[idx] = true
	c.mu.Unlock()
	return idx
}

func (c *emulatedCodec) QueueInputBuffer(index, offset, size int, ptsUs int64, flags BufferFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkRunning(); err != nil {
		return err
	}
	if !c.inOwned[index] {
		return fmt.Errorf("%w: input %d", ErrBadIndex, index)
	}
	delete(c.inOwned, index)

	if offset < 0 || size < 0 || offset+size > len(c.inputs[index]) {
		c.freeIn <- index
		return fmt.Errorf("%w: range %d+%d", ErrBadIndex, offset, size)
	}
	data := c.inputs[index][offset : offset+size]

	switch {
	case size == 0:
	case flags&FlagCodecConfig != 0:
		c.sawConfig = true
	case !c.sawConfig:
		logger.Debug("Emulator", "Dropping %d bytes before codec config", size)
	default:
		c.pending = append(c.pending, decodedFrame{pts: ptsUs, size: size, luma: checksum(data)})
		c.poke()
	}

	if len(c.pending)+len(c.held) >= c.cfg.OutputSlots {
		c.parked = append(c.parked, index)
	} else {
		c.freeIn <- index
	}
	return nil
}

func (c *emulatedCodec) DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) (int, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		c.mu.Lock()
		if err := c.checkRunning(); err != nil {
			c.mu.Unlock()
			return 0, err
		}
		if len(c.pending) > 0 && len(c.freeOut) > 0 {
			if !c.formatReported {
				c.formatReported = true
				c.mu.Unlock()
				return InfoOutputFormatChanged, nil
			}
			f := c.pending[0]
			c.pending = c.pending[1:]
			idx := c.freeOut[0]
			c.freeOut = c.freeOut[1:]
			c.held[idx] = f
			c.mu.Unlock()

			*info = BufferInfo{Size: f.size, PresentationTimeUs: f.pts}
			return idx, nil
		}
		c.mu.Unlock()

		if timeout == Immediate {
			return InfoTryAgainLater, nil
		}
		select {
		case <-c.wake:
		case <-c.done:
			return 0, c.closedErr()
		case <-timer:
			return InfoTryAgainLater, nil
		}
	}
}

func (c *emulatedCodec) ReleaseOutputBuffer(index int, render bool) error {
	c.mu.Lock()
	if err := c.checkRunning(); err != nil {
		c.mu.Unlock()
		return err
	}
	f, ok := c.held[index]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: output %d", ErrBadIndex, index)
	}
	delete(c.held, index)
	c.freeOut = append(c.freeOut, index)
	if len(c.parked) > 0 {
		c.freeIn <- c.parked[0]
		c.parked = c.parked[1:]
	}
	c.mu.Unlock()

	c.poke()
	if !render {
		return nil
	}
	select {
	case c.renderQ <- f:
	case <-c.done:
	}
	return nil
}

func (c *emulatedCodec) OutputFormat() (Format, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.formatReported {
		return Format{}, fmt.Errorf("%w: output format not yet known", ErrIllegalState)
	}
	f := c.format
	f.ColorFormat = ColorFormatSurface
	f.SliceHeight = f.Height
	return f, nil
}

func (c *emulatedCodec) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkRunning(); err != nil {
		return err
	}
	for idx := range c.inOwned {
		c.freeIn <- idx
	}
	clear(c.inOwned)
	for _, idx := range c.parked {
		c.freeIn <- idx
	}
	c.parked = nil
	for idx := range c.held {
		c.freeOut = append(c.freeOut, idx)
	}
	clear(c.held)
	c.pending = nil
	return nil
}

func (c *emulatedCodec) Stop() error {
	c.mu.Lock()
	if c.state == stateReleased {
		c.mu.Unlock()
		return ErrReleased
	}
	c.state = stateStopped
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	return nil
}

func (c *emulatedCodec) Release() error {
	c.mu.Lock()
	c.state = stateReleased
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	return nil
}

func (c *emulatedCodec) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// produce is the producer context: it renders released outputs into the
// surface, like the platform's buffer-queue callback thread.
func (c *emulatedCodec) produce() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.renderQ:
			c.mu.Lock()
			surface, format := c.surface, c.format
			c.mu.Unlock()
			if surface == nil {
				continue
			}
			frame := &Frame{
				Image:              c.synthesize(format, f.luma),
				PresentationTimeUs: f.pts,
			}
			if err := surface.QueueFrame(frame); err != nil {
				logger.Debug("Emulator", "Surface rejected frame pts=%d: %v", f.pts, err)
			}
		}
	}
}

func (c *emulatedCodec) synthesize(format Format, luma uint8) image.Image {
	w, h := c.cfg.FrameWidth, c.cfg.FrameHeight
	if w <= 0 || h <= 0 {
		w, h = format.Width, format.Height
	}
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = luma
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return img
}

func checksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}
