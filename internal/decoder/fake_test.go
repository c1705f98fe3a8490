package decoder

import (
	"errors"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/codec"
)

type queuedInput struct {
	index int
	size  int
	pts   int64
	flags codec.BufferFlags
	data  []byte
}

type releasedOutput struct {
	index  int
	render bool
}

// scriptedCodec returns scripted dequeue results. With an empty input script
// it hands out slot 0, or blocks until Release when blockInput is set. With an
// empty output script it reports try-again.
type scriptedCodec struct {
	mu         sync.Mutex
	inputs     [][]byte
	inScript   []int
	outScript  []int
	blockInput bool
	format     codec.Format

	queued       []queuedInput
	released     []releasedOutput
	outDequeues  int
	outFetches   int
	flushes      int
	stops        int
	releaseCalls int

	gone     chan struct{}
	goneOnce sync.Once
}

func newScriptedCodec(slotSize int) *scriptedCodec {
	return &scriptedCodec{
		inputs: [][]byte{make([]byte, slotSize), make([]byte, slotSize)},
		gone:   make(chan struct{}),
	}
}

func (c *scriptedCodec) Configure(format codec.Format, _ codec.Surface) error {
	c.format = format
	return nil
}

func (c *scriptedCodec) Start() error { return nil }

func (c *scriptedCodec) InputBuffers() [][]byte { return c.inputs }

func (c *scriptedCodec) OutputBuffers() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outFetches++
	return make([][]byte, 4)
}

func (c *scriptedCodec) isGone() bool {
	select {
	case <-c.gone:
		return true
	default:
		return false
	}
}

func (c *scriptedCodec) DequeueInputBuffer(time.Duration) (int, error) {
	c.mu.Lock()
	if c.isGone() {
		c.mu.Unlock()
		return 0, codec.ErrReleased
	}
	if len(c.inScript) > 0 {
		idx := c.inScript[0]
		c.inScript = c.inScript[1:]
		c.mu.Unlock()
		return idx, nil
	}
	block := c.blockInput
	c.mu.Unlock()

	if block {
		<-c.gone
		return 0, codec.ErrReleased
	}
	return 0, nil
}

func (c *scriptedCodec) QueueInputBuffer(index, offset, size int, ptsUs int64, flags codec.BufferFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isGone() {
		return codec.ErrReleased
	}
	data := append([]byte(nil), c.inputs[index][offset:offset+size]...)
	c.queued = append(c.queued, queuedInput{index, size, ptsUs, flags, data})
	return nil
}

func (c *scriptedCodec) DequeueOutputBuffer(info *codec.BufferInfo, _ time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isGone() {
		return 0, codec.ErrReleased
	}
	c.outDequeues++
	if len(c.outScript) == 0 {
		return codec.InfoTryAgainLater, nil
	}
	idx := c.outScript[0]
	c.outScript = c.outScript[1:]
	if idx >= 0 {
		*info = codec.BufferInfo{Size: 100, PresentationTimeUs: int64(idx)}
	}
	return idx, nil
}

func (c *scriptedCodec) ReleaseOutputBuffer(index int, render bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, releasedOutput{index, render})
	return nil
}

func (c *scriptedCodec) OutputFormat() (codec.Format, error) {
	f := c.format
	f.Width, f.Height = 1920, 1080
	f.ColorFormat = codec.ColorFormatSurface
	return f, nil
}

func (c *scriptedCodec) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return nil
}

func (c *scriptedCodec) Stop() error {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()
	c.goneOnce.Do(func() { close(c.gone) })
	return nil
}

func (c *scriptedCodec) Release() error {
	c.mu.Lock()
	c.releaseCalls++
	c.mu.Unlock()
	c.goneOnce.Do(func() { close(c.gone) })
	return nil
}

type scriptedFactory struct {
	capsErr  error
	slotSize int
	script   func(*scriptedCodec)
	created  []*scriptedCodec
}

func (f *scriptedFactory) Capabilities(mimeType string, width, height int) (codec.Capabilities, error) {
	if f.capsErr != nil {
		return codec.Capabilities{}, f.capsErr
	}
	if mimeType != codec.MIMETypeAVC {
		return codec.Capabilities{}, errors.Join(codec.ErrUnsupported, errors.New(mimeType))
	}
	return codec.Capabilities{Name: "scripted", Profile: 66, Level: 31}, nil
}

func (f *scriptedFactory) NewDecoder(string) (codec.Codec, error) {
	size := f.slotSize
	if size == 0 {
		size = 64
	}
	c := newScriptedCodec(size)
	if f.script != nil {
		f.script(c)
	}
	f.created = append(f.created, c)
	return c, nil
}
