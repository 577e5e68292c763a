package arena_test

import (
	"testing"

	"github.com/rhino1998/sanskrit/pkg/arena"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	r := require.New(t)

	a := arena.New(arena.NewHeap(64), 10)

	b, err := a.Bytes(4)
	r.NoError(err)
	r.Len(b, 4)
	r.Equal(4, a.VirtualUsed())

	_, err = a.Bytes(7)
	r.ErrorIs(err, failure.ErrVirtualBytes)
	r.Equal(4, a.VirtualUsed())

	c, err := a.CopyBytes([]byte{1, 2, 3})
	r.NoError(err)
	r.Equal([]byte{1, 2, 3}, c)
}

func TestPhysicalExhaustion(t *testing.T) {
	r := require.New(t)

	a := arena.New(arena.NewHeap(8), 1000)
	_, err := a.Bytes(9)
	r.ErrorIs(err, failure.ErrHeapExhausted)
	r.Equal(0, a.VirtualUsed())
}

func TestAlignment(t *testing.T) {
	r := require.New(t)

	h := arena.NewHeap(64)
	a := arena.New(h, 1000)

	_, err := a.Bytes(3)
	r.NoError(err)

	_, err = arena.Slice[uint64](a, 2, 8)
	r.NoError(err)
	r.Equal(5, h.Padding())
	r.Equal(24, h.Used())
}

func TestSliceLimit(t *testing.T) {
	r := require.New(t)

	a := arena.New(arena.NewHeap(1<<20), 1<<20)
	_, err := arena.Slice[byte](a, arena.MaxSliceLen+1, 1)
	r.ErrorIs(err, failure.ErrLimitExceeded)
}

func TestLimit(t *testing.T) {
	r := require.New(t)

	a := arena.New(arena.NewHeap(1024), 100)
	_, err := a.Bytes(10)
	r.NoError(err)

	restore := a.Limit(5)
	r.Equal(15, a.VirtualLimit())

	_, err = a.Bytes(6)
	r.ErrorIs(err, failure.ErrVirtualBytes)

	_, err = a.Bytes(5)
	r.NoError(err)

	restore()
	r.Equal(100, a.VirtualLimit())

	a.Reuse()
	r.Equal(0, a.VirtualUsed())
	r.Equal(100, a.VirtualLimit())
}

func TestTemp(t *testing.T) {
	r := require.New(t)

	h := arena.NewHeap(1024)
	a := arena.New(h, 100)

	_, err := a.Bytes(10)
	r.NoError(err)

	tmp, err := a.Temp()
	r.NoError(err)
	r.True(a.Locked())

	_, err = a.Bytes(1)
	r.ErrorIs(err, failure.ErrArenaLocked)

	_, err = a.Temp()
	r.ErrorIs(err, failure.ErrArenaLocked)

	_, err = tmp.Bytes(50)
	r.NoError(err)
	r.Equal(60, tmp.VirtualUsed())
	r.Equal(60, h.Used())

	tmp.Release()
	r.False(a.Locked())
	r.Equal(10, h.Used())
	r.Equal(10, a.VirtualUsed())

	_, err = tmp.Bytes(1)
	r.ErrorIs(err, failure.ErrArenaLocked)

	_, err = a.Bytes(1)
	r.NoError(err)
}

func TestStack(t *testing.T) {
	r := require.New(t)

	a := arena.New(arena.NewHeap(1024), 1024)
	s, err := arena.NewStack[int](a, 3, 8)
	r.NoError(err)
	r.Equal(3, s.Cap())

	r.NoError(s.Push(1))
	r.NoError(s.Push(2))
	r.NoError(s.Push(3))
	r.ErrorIs(s.Push(4), failure.ErrStackOverflow)

	v, err := s.Peek(0)
	r.NoError(err)
	r.Equal(3, v)

	p, err := s.GetMut(0)
	r.NoError(err)
	*p = 10

	v, err = s.Get(0)
	r.NoError(err)
	r.Equal(10, v)

	_, err = s.Get(3)
	r.ErrorIs(err, failure.ErrRefOutOfRange)

	other, err := arena.NewStack[int](a, 4, 8)
	r.NoError(err)
	r.NoError(other.TransferFrom(s, 2))
	r.Equal([]int{2, 3}, other.AsSlice())
	r.Equal([]int{10}, s.AsSlice())

	v, err = other.Pop()
	r.NoError(err)
	r.Equal(3, v)

	r.NoError(other.RewindTo(0))
	_, err = other.Pop()
	r.ErrorIs(err, failure.ErrStackUnderflow)
	r.ErrorIs(other.RewindTo(1), failure.ErrStackUnderflow)
}
