package surface

import (
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/image/draw"
)

// Texture is the render-host object decoded frames are latched into.
type Texture interface {
	ID() uint32
	// Update latches img. A nil img means the producer already wrote into the
	// texture memory.
	Update(img image.Image) error
	// Draw blits the latched content to the full screen.
	Draw() error
	Release()
}

var nextTextureID atomic.Uint32

// SoftwareTexture latches images in memory and draws them by scaling into a
// framebuffer of fixed size.
type SoftwareTexture struct {
	id     uint32
	scaler draw.Scaler

	mu       sync.Mutex
	latched  image.Image
	fb       *image.RGBA
	released bool
}

// NewSoftwareTexture creates a texture drawing into a width x height
// framebuffer.
func NewSoftwareTexture(width, height int) *SoftwareTexture {
	return &SoftwareTexture{
		id:     nextTextureID.Add(1),
		scaler: draw.ApproxBiLinear,
		fb:     image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

func (t *SoftwareTexture) ID() uint32 { return t.id }

func (t *SoftwareTexture) Update(img image.Image) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return fmt.Errorf("%w: texture %d released", ErrInvalidState, t.id)
	}
	if img != nil {
		t.latched = img
	}
	return nil
}

func (t *SoftwareTexture) Draw() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return fmt.Errorf("%w: texture %d released", ErrInvalidState, t.id)
	}
	if t.latched == nil {
		return ErrNotLatched
	}
	t.scaler.Scale(t.fb, t.fb.Bounds(), t.latched, t.latched.Bounds(), draw.Src, nil)
	return nil
}

// Release drops the latched image. Further updates fail with ErrInvalidState.
func (t *SoftwareTexture) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released = true
	t.latched = nil
}

// Framebuffer returns a copy of the last drawn picture.
func (t *SoftwareTexture) Framebuffer() *image.RGBA {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := image.NewRGBA(t.fb.Bounds())
	copy(out.Pix, t.fb.Pix)
	return out
}

// Snapshot encodes the framebuffer as JPEG.
func (t *SoftwareTexture) Snapshot(w io.Writer, quality int) error {
	return jpeg.Encode(w, t.Framebuffer(), &jpeg.Options{Quality: quality})
}
