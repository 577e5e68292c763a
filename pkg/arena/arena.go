package arena

import (
	"unsafe"

	"github.com/rhino1998/sanskrit/pkg/failure"
)

type Arena struct {
	heap *Heap

	physStart int

	virtPos   int
	virtLimit int
	virtOrig  int

	locked bool
	parent *Arena
}

// New creates an arena allocating from heap with a virtual budget of
// virtLimit bytes.
func New(heap *Heap, virtLimit int) *Arena {
	return &Arena{
		heap:      heap,
		physStart: heap.pos,
		virtLimit: virtLimit,
		virtOrig:  virtLimit,
	}
}

func (a *Arena) VirtualUsed() int {
	return a.virtPos
}

func (a *Arena) VirtualLimit() int {
	return a.virtLimit
}

func (a *Arena) Locked() bool {
	return a.locked
}

func (a *Arena) charge(phys, align, virt int) (int, error) {
	if a.locked {
		return 0, failure.ErrArenaLocked
	}

	if a.virtPos+virt > a.virtLimit {
		return 0, failure.Wrapf(failure.ErrVirtualBytes, "need %d virtual bytes, %d of %d used", virt, a.virtPos, a.virtLimit)
	}

	off, err := a.heap.alloc(phys, align)
	if err != nil {
		return 0, err
	}

	a.virtPos += virt
	return off, nil
}

// Bytes carves a zeroed slice of n bytes out of the heap buffer.
func (a *Arena) Bytes(n int) ([]byte, error) {
	if n > MaxSliceLen {
		return nil, failure.Wrapf(failure.ErrLimitExceeded, "slice of %d bytes", n)
	}

	off, err := a.charge(n, 1, n)
	if err != nil {
		return nil, err
	}

	b := a.heap.buf[off : off+n : off+n]
	clear(b)
	return b, nil
}

// CopyBytes allocates a copy of src.
func (a *Arena) CopyBytes(src []byte) ([]byte, error) {
	b, err := a.Bytes(len(src))
	if err != nil {
		return nil, err
	}
	copy(b, src)
	return b, nil
}

// Slice allocates n elements of T, charging virtElem virtual bytes per
// element.
func Slice[T any](a *Arena, n int, virtElem int) ([]T, error) {
	if n > MaxSliceLen {
		return nil, failure.Wrapf(failure.ErrLimitExceeded, "slice of %d elements", n)
	}

	var zero T
	size := int(unsafe.Sizeof(zero))
	align := int(unsafe.Alignof(zero))

	if _, err := a.charge(n*size, align, n*virtElem); err != nil {
		return nil, err
	}

	if n == 0 {
		return nil, nil
	}

	return make([]T, n), nil
}

// Alloc allocates a single T.
func Alloc[T any](a *Arena, virt int) (*T, error) {
	var zero T
	if _, err := a.charge(int(unsafe.Sizeof(zero)), int(unsafe.Alignof(zero)), virt); err != nil {
		return nil, err
	}
	return new(T), nil
}

// Limit lowers the virtual limit so that at most n more bytes can be
// allocated. The returned function restores the previous limit.
func (a *Arena) Limit(n int) func() {
	prev := a.virtLimit
	if a.virtPos+n < a.virtLimit {
		a.virtLimit = a.virtPos + n
	}

	return func() {
		a.virtLimit = prev
	}
}

// Reuse discards every allocation and restores the original limit.
func (a *Arena) Reuse() {
	a.virtPos = 0
	a.virtLimit = a.virtOrig
	a.heap.pos = a.physStart
}

// Temp locks a and returns a temporary arena allocating from a's current
// position. Everything allocated from the temporary arena is discarded by
// Release, which also unlocks a.
func (a *Arena) Temp() (*Arena, error) {
	if a.locked {
		return nil, failure.ErrArenaLocked
	}

	a.locked = true

	return &Arena{
		heap:      a.heap,
		physStart: a.heap.pos,
		virtPos:   a.virtPos,
		virtLimit: a.virtLimit,
		virtOrig:  a.virtLimit,
		parent:    a,
	}, nil
}

// Release ends a temporary arena. It is a no-op on arenas not created by
// Temp or already released.
func (a *Arena) Release() {
	if a.parent == nil {
		return
	}

	a.heap.pos = a.physStart
	a.parent.locked = false
	a.parent = nil
	a.locked = true
}
