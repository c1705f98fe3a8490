package decoder

import (
	"fmt"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/stream-client/internal/codec"
)

// InputSlot is an input buffer acquired by the feeder.
type InputSlot struct {
	Index int
	Buf   []byte
}

// OutputSlot is a decoded output claimed from the hardware. Generation ties
// it to the output buffer set it was produced in.
type OutputSlot struct {
	Index      int
	Generation uint64
	Info       codec.BufferInfo
}

// Ring tracks which slots of one codec instance software currently owns.
// It is not safe for concurrent use; only the feeding goroutine touches it.
type Ring struct {
	codec      codec.Codec
	inputs     [][]byte
	outputs    [][]byte
	generation uint64
	held       int
}

// NewRing fetches the slot arrays of a started codec.
func NewRing(c codec.Codec) *Ring {
	return &Ring{
		codec:   c,
		inputs:  c.InputBuffers(),
		outputs: c.OutputBuffers(),
		held:    -1,
	}
}

// Acquire dequeues a free input slot. Only one slot may be held at a time.
func (r *Ring) Acquire(timeout time.Duration) (InputSlot, error) {
	if r.held >= 0 {
		return InputSlot{}, fmt.Errorf("%w: slot %d", ErrSlotHeld, r.held)
	}

	idx, err := r.codec.DequeueInputBuffer(timeout)
	if err != nil {
		return InputSlot{}, err
	}
	if idx < 0 {
		return InputSlot{}, ErrNoInputSlot
	}
	if idx >= len(r.inputs) {
		r.RefreshInputs()
		if idx >= len(r.inputs) {
			return InputSlot{}, fmt.Errorf("%w: input %d of %d", codec.ErrBadIndex, idx, len(r.inputs))
		}
	}

	r.held = idx
	return InputSlot{Index: idx, Buf: r.inputs[idx]}, nil
}

// Release queues the held slot to the hardware with size bytes filled.
func (r *Ring) Release(index, size int, ptsUs int64, flags codec.BufferFlags) error {
	if r.held != index {
		return fmt.Errorf("%w: slot %d", ErrSlotNotHeld, index)
	}
	r.held = -1
	return r.codec.QueueInputBuffer(index, 0, size, ptsUs, flags)
}

// Abandon returns the held slot, if any, to the hardware empty.
func (r *Ring) Abandon() error {
	if r.held < 0 {
		return nil
	}
	idx := r.held
	r.held = -1
	return r.codec.QueueInputBuffer(idx, 0, 0, 0, 0)
}

// RefreshInputs refetches the input slot array and forgets any held slot.
func (r *Ring) RefreshInputs() {
	r.inputs = r.codec.InputBuffers()
	r.held = -1
}

// RefreshOutputs refetches the output slot array. Every output claimed
// before the call becomes stale.
func (r *Ring) RefreshOutputs() {
	r.outputs = r.codec.OutputBuffers()
	r.generation++
}

// Generation counts output invalidations.
func (r *Ring) Generation() uint64 {
	return r.generation
}

// ClaimOutput stamps a dequeued output index with the current generation.
func (r *Ring) ClaimOutput(index int, info codec.BufferInfo) OutputSlot {
	return OutputSlot{Index: index, Generation: r.generation, Info: info}
}

// ReleaseOutput returns a claimed output to the hardware, rendering it to the
// surface if render is set. Stale slots are refused, never reused.
func (r *Ring) ReleaseOutput(slot OutputSlot, render bool) error {
	if slot.Generation != r.generation {
		return fmt.Errorf("%w: index %d from generation %d, now %d",
			ErrStaleOutput, slot.Index, slot.Generation, r.generation)
	}
	return r.codec.ReleaseOutputBuffer(slot.Index, render)
}
