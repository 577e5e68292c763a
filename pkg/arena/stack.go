package arena

import (
	"github.com/rhino1998/sanskrit/pkg/failure"
)

// Stack is a bounded stack whose capacity is reserved up front.
type Stack[T any] struct {
	items []T
}

func NewStack[T any](a *Arena, capacity int, virtElem int) (*Stack[T], error) {
	items, err := Slice[T](a, capacity, virtElem)
	if err != nil {
		return nil, err
	}

	return &Stack[T]{items: items[:0:len(items)]}, nil
}

func (s *Stack[T]) Len() int {
	return len(s.items)
}

func (s *Stack[T]) Cap() int {
	return cap(s.items)
}

func (s *Stack[T]) Push(v T) error {
	if len(s.items) == cap(s.items) {
		return failure.Wrapf(failure.ErrStackOverflow, "capacity %d", cap(s.items))
	}
	s.items = append(s.items, v)
	return nil
}

func (s *Stack[T]) Pop() (T, error) {
	var zero T
	if len(s.items) == 0 {
		return zero, failure.ErrStackUnderflow
	}

	v := s.items[len(s.items)-1]
	s.items[len(s.items)-1] = zero
	s.items = s.items[:len(s.items)-1]
	return v, nil
}

// Get returns the element at absolute index i.
func (s *Stack[T]) Get(i int) (T, error) {
	if i < 0 || i >= len(s.items) {
		var zero T
		return zero, failure.Wrapf(failure.ErrRefOutOfRange, "index %d of %d", i, len(s.items))
	}
	return s.items[i], nil
}

// GetMut returns a pointer to the element at absolute index i.
func (s *Stack[T]) GetMut(i int) (*T, error) {
	if i < 0 || i >= len(s.items) {
		return nil, failure.Wrapf(failure.ErrRefOutOfRange, "index %d of %d", i, len(s.items))
	}
	return &s.items[i], nil
}

// Peek returns the element offset positions below the top.
func (s *Stack[T]) Peek(offset int) (T, error) {
	return s.Get(len(s.items) - 1 - offset)
}

// RewindTo truncates the stack to n elements.
func (s *Stack[T]) RewindTo(n int) error {
	if n < 0 || n > len(s.items) {
		return failure.Wrapf(failure.ErrStackUnderflow, "rewind to %d of %d", n, len(s.items))
	}

	var zero T
	for i := n; i < len(s.items); i++ {
		s.items[i] = zero
	}
	s.items = s.items[:n]
	return nil
}

// TransferFrom moves the top n elements of src onto s, preserving order.
func (s *Stack[T]) TransferFrom(src *Stack[T], n int) error {
	if n > len(src.items) {
		return failure.Wrapf(failure.ErrStackUnderflow, "transfer %d of %d", n, len(src.items))
	}

	if len(s.items)+n > cap(s.items) {
		return failure.Wrapf(failure.ErrStackOverflow, "capacity %d", cap(s.items))
	}

	start := len(src.items) - n
	s.items = append(s.items, src.items[start:]...)
	return src.RewindTo(start)
}

func (s *Stack[T]) AsSlice() []T {
	return s.items
}
