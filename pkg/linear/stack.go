// Package linear tracks value lifetimes on a stack: which entries were
// consumed, which are borrowed, and which borrow others.
//
// Elements are addressed by their offset from the top of the stack. Borrow
// targets are stored as absolute indices, which stay valid because elements
// are only removed when a frame ends.
package linear

import (
	"math"
	"slices"

	"github.com/rhino1998/sanskrit/pkg/failure"
)

type Status struct {
	Consumed bool
	Locks    uint8
	Borrows  []int
}

type Elem[V any] struct {
	Value  V
	Status Status
}

type Stack[V any] struct {
	elems []Elem[V]
}

func New[V any]() *Stack[V] {
	return &Stack[V]{}
}

func (s *Stack[V]) Len() int {
	return len(s.elems)
}

// Index converts an offset from the top into an absolute index.
func (s *Stack[V]) Index(ref uint16) (int, error) {
	i := len(s.elems) - 1 - int(ref)
	if i < 0 {
		return 0, failure.Wrapf(failure.ErrRefOutOfRange, "ref %d of %d", ref, len(s.elems))
	}
	return i, nil
}

func (s *Stack[V]) Get(ref uint16) (*Elem[V], error) {
	i, err := s.Index(ref)
	if err != nil {
		return nil, err
	}
	return &s.elems[i], nil
}

func (s *Stack[V]) At(i int) *Elem[V] {
	return &s.elems[i]
}

func (s *Stack[V]) alive(ref uint16) (int, error) {
	i, err := s.Index(ref)
	if err != nil {
		return 0, err
	}
	if s.elems[i].Status.Consumed {
		return 0, failure.Wrapf(failure.ErrLinearity, "ref %d is already consumed", ref)
	}
	return i, nil
}

func (s *Stack[V]) lock(targets []int, n int) error {
	for _, t := range targets {
		if int(s.elems[t].Status.Locks)+n > math.MaxUint8 {
			return failure.Wrapf(failure.ErrLinearity, "element %d is locked too often", t)
		}
	}
	for _, t := range targets {
		s.elems[t].Status.Locks += uint8(n)
	}
	return nil
}

func (s *Stack[V]) unlock(targets []int) {
	for _, t := range targets {
		s.elems[t].Status.Locks--
	}
}

// Provide pushes an owned element.
func (s *Stack[V]) Provide(v V) {
	s.elems = append(s.elems, Elem[V]{Value: v})
}

// Pin locks an element for the rest of its frame so it can be read and
// borrowed but never consumed.
func (s *Stack[V]) Pin(ref uint16) error {
	i, err := s.alive(ref)
	if err != nil {
		return err
	}
	return s.lock([]int{i}, 1)
}

// Consume marks an owned, unlocked element as used.
func (s *Stack[V]) Consume(ref uint16) error {
	i, err := s.alive(ref)
	if err != nil {
		return err
	}

	st := &s.elems[i].Status
	if st.Locks > 0 {
		return failure.Wrapf(failure.ErrLinearity, "ref %d is locked", ref)
	}
	if len(st.Borrows) > 0 {
		return failure.Wrapf(failure.ErrLinearity, "ref %d is a borrow and cannot be consumed", ref)
	}

	st.Consumed = true
	return nil
}

// CopyFetch pushes a copy of an element. A copy of a borrow borrows the
// same targets.
func (s *Stack[V]) CopyFetch(ref uint16) error {
	i, err := s.alive(ref)
	if err != nil {
		return err
	}

	src := s.elems[i]
	borrows := slices.Clone(src.Status.Borrows)
	if err := s.lock(borrows, 1); err != nil {
		return err
	}
	s.elems = append(s.elems, Elem[V]{Value: src.Value, Status: Status{Borrows: borrows}})
	return nil
}

// BorrowFetch pushes v as a borrow of ref.
func (s *Stack[V]) BorrowFetch(ref uint16, v V) error {
	return s.PackBorrow([]uint16{ref}, v)
}

// PackBorrow pushes v as a borrow of every ref.
func (s *Stack[V]) PackBorrow(refs []uint16, v V) error {
	targets := make([]int, 0, len(refs))
	for _, ref := range refs {
		i, err := s.alive(ref)
		if err != nil {
			return err
		}
		targets = append(targets, i)
	}

	if err := s.lock(targets, 1); err != nil {
		return err
	}
	s.elems = append(s.elems, Elem[V]{Value: v, Status: Status{Borrows: targets}})
	return nil
}

// Unpack pushes fields of ref. Borrowed fields share a lock on ref;
// otherwise ref is consumed and the fields inherit its borrows.
func (s *Stack[V]) Unpack(ref uint16, fields []V, borrow bool) error {
	i, err := s.alive(ref)
	if err != nil {
		return err
	}

	if borrow {
		if err := s.lock([]int{i}, len(fields)); err != nil {
			return err
		}
		for _, f := range fields {
			s.elems = append(s.elems, Elem[V]{Value: f, Status: Status{Borrows: []int{i}}})
		}
		return nil
	}

	st := &s.elems[i].Status
	if st.Locks > 0 {
		return failure.Wrapf(failure.ErrLinearity, "ref %d is locked", ref)
	}

	inherited := st.Borrows
	if err := s.lock(inherited, len(fields)); err != nil {
		return err
	}
	s.unlock(inherited)
	st.Consumed = true
	st.Borrows = nil

	for _, f := range fields {
		s.elems = append(s.elems, Elem[V]{Value: f, Status: Status{Borrows: slices.Clone(inherited)}})
	}
	return nil
}

// Free releases the borrows held by ref and marks it consumed.
func (s *Stack[V]) Free(ref uint16) error {
	i, err := s.alive(ref)
	if err != nil {
		return err
	}
	return s.free(i)
}

func (s *Stack[V]) free(i int) error {
	st := &s.elems[i].Status
	if st.Locks > 0 {
		return failure.Wrapf(failure.ErrLinearity, "element %d is locked", i)
	}

	s.unlock(st.Borrows)
	st.Borrows = nil
	st.Consumed = true
	return nil
}

// Drop discards ref; the caller checks that its type may be dropped.
func (s *Stack[V]) Drop(ref uint16) error {
	return s.Free(ref)
}

// IsBorrow reports whether ref borrows other elements.
func (s *Stack[V]) IsBorrow(ref uint16) (bool, error) {
	e, err := s.Get(ref)
	if err != nil {
		return false, err
	}
	return len(e.Status.Borrows) > 0, nil
}

type Input struct {
	Ref     uint16
	Consume bool
}

// Output describes one result of an applied call. Borrows lists indices
// into the call's inputs; an output without borrows is owned.
type Output[V any] struct {
	Value   V
	Borrows []int
}

// Apply simulates a call: consumed inputs are used up, the others are only
// read, and outputs are pushed owning or borrowing inputs.
func (s *Stack[V]) Apply(inputs []Input, outputs []Output[V]) error {
	idx := make([]int, len(inputs))
	consumed := make(map[int]bool)
	read := make(map[int]bool)

	for n, in := range inputs {
		i, err := s.alive(in.Ref)
		if err != nil {
			return err
		}
		idx[n] = i

		if in.Consume {
			if consumed[i] || read[i] {
				return failure.Wrapf(failure.ErrLinearity, "ref %d is used twice by one call", in.Ref)
			}
			if s.elems[i].Status.Locks > 0 {
				return failure.Wrapf(failure.ErrLinearity, "ref %d is locked", in.Ref)
			}
			consumed[i] = true
		} else {
			if consumed[i] {
				return failure.Wrapf(failure.ErrLinearity, "ref %d is used twice by one call", in.Ref)
			}
			read[i] = true
		}
	}

	var pushed []Elem[V]
	for _, out := range outputs {
		var targets []int
		for _, b := range out.Borrows {
			if b >= len(inputs) {
				return failure.Wrapf(failure.ErrRefOutOfRange, "output borrows input %d of %d", b, len(inputs))
			}
			if inputs[b].Consume {
				return failure.Wrapf(failure.ErrLinearity, "output borrows consumed input %d", b)
			}
			t := idx[b]
			if !slices.Contains(targets, t) {
				targets = append(targets, t)
			}
		}
		pushed = append(pushed, Elem[V]{Value: out.Value, Status: Status{Borrows: targets}})
	}

	for _, p := range pushed {
		if err := s.lock(p.Status.Borrows, 1); err != nil {
			return err
		}
	}

	for i := range consumed {
		if err := s.free(i); err != nil {
			return err
		}
	}

	s.elems = append(s.elems, pushed...)
	return nil
}

// Ret ends the frame starting at base, keeping copies of refs as its
// results. Every other element of the frame must be consumed, locked, or a
// borrow, which is released. Results may only borrow elements below base.
func (s *Stack[V]) Ret(base int, refs []uint16) error {
	results := make([]Elem[V], 0, len(refs))
	returned := make(map[int]bool, len(refs))

	for _, ref := range refs {
		i, err := s.alive(ref)
		if err != nil {
			return err
		}
		if i < base {
			return failure.Wrapf(failure.ErrLinearity, "ref %d is outside the frame", ref)
		}
		if returned[i] {
			return failure.Wrapf(failure.ErrLinearity, "ref %d is returned twice", ref)
		}
		returned[i] = true

		e := s.elems[i]
		for _, t := range e.Status.Borrows {
			if t >= base {
				return failure.Wrapf(failure.ErrLinearity, "ref %d borrows a value of the ending frame", ref)
			}
		}
		results = append(results, Elem[V]{Value: e.Value, Status: Status{Borrows: slices.Clone(e.Status.Borrows)}})
	}

	for i := len(s.elems) - 1; i >= base; i-- {
		st := &s.elems[i].Status
		if st.Consumed {
			continue
		}
		if returned[i] {
			// Ownership moves to the result; its borrows stay locked.
			st.Consumed = true
			st.Borrows = nil
			continue
		}
		if len(st.Borrows) > 0 {
			s.unlock(st.Borrows)
			st.Borrows = nil
			st.Consumed = true
			continue
		}
		// Pinned elements survive.
		if st.Locks == 0 {
			return failure.Wrapf(failure.ErrLinearity, "element %d is neither consumed nor returned", i)
		}
	}

	s.elems = append(s.elems[:base], results...)
	return nil
}

// Discard ends the frame starting at base without checks. It is used for
// branches that roll back.
func (s *Stack[V]) Discard(base int) {
	for i := len(s.elems) - 1; i >= base; i-- {
		st := &s.elems[i].Status
		if !st.Consumed {
			s.unlock(st.Borrows)
		}
	}
	s.elems = s.elems[:base]
}

// Clone copies the stack for checking one branch of a switch.
func (s *Stack[V]) Clone() *Stack[V] {
	elems := make([]Elem[V], len(s.elems))
	for i, e := range s.elems {
		elems[i] = Elem[V]{Value: e.Value, Status: Status{
			Consumed: e.Status.Consumed,
			Locks:    e.Status.Locks,
			Borrows:  slices.Clone(e.Status.Borrows),
		}}
	}
	return &Stack[V]{elems: elems}
}

// Compatible reports whether two branch results agree on every element's
// value and status.
func (s *Stack[V]) Compatible(other *Stack[V], eq func(a, b V) bool) bool {
	if len(s.elems) != len(other.elems) {
		return false
	}

	for i := range s.elems {
		a, b := s.elems[i], other.elems[i]
		if !eq(a.Value, b.Value) {
			return false
		}
		if a.Status.Consumed != b.Status.Consumed || a.Status.Locks != b.Status.Locks {
			return false
		}
		x, y := slices.Clone(a.Status.Borrows), slices.Clone(b.Status.Borrows)
		slices.Sort(x)
		slices.Sort(y)
		if !slices.Equal(x, y) {
			return false
		}
	}

	return true
}

// Replace adopts the state of other, the result of a checked branch.
func (s *Stack[V]) Replace(other *Stack[V]) {
	s.elems = other.elems
}
