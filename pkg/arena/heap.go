// Package arena implements the bump-allocated memory the runtime executes in.
//
// A Heap is the physical backing: a contiguous buffer and a bump pointer.
// An Arena meters a separate virtual byte budget on top of a Heap; the
// virtual budget is what declared resource limits are enforced against, so
// it stays deterministic no matter how the host sizes the physical buffer.
//
// Byte slices are carved directly out of the heap buffer. Typed slices live
// in Go memory but are charged against the heap at their physical size and
// alignment, so both budgets fail at exactly the same point on every host.
package arena

import (
	"github.com/rhino1998/sanskrit/pkg/failure"
)

// MaxSliceLen bounds every slice allocated from an arena.
const MaxSliceLen = 65535

type Heap struct {
	buf     []byte
	pos     int
	padding int
}

func NewHeap(size int) *Heap {
	return &Heap{buf: make([]byte, size)}
}

func (h *Heap) Cap() int {
	return len(h.buf)
}

func (h *Heap) Used() int {
	return h.pos
}

// Padding reports the bytes lost to alignment since the heap was created.
func (h *Heap) Padding() int {
	return h.padding
}

func (h *Heap) alloc(size, align int) (int, error) {
	if align < 1 {
		align = 1
	}

	start := h.pos
	if rem := start % align; rem != 0 {
		start += align - rem
	}

	if start+size > len(h.buf) {
		return 0, failure.Wrapf(failure.ErrHeapExhausted, "need %d bytes at %d of %d", size, start, len(h.buf))
	}

	h.padding += start - h.pos
	h.pos = start + size
	return start, nil
}
