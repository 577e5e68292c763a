package value_test

import (
	"testing"

	"github.com/rhino1998/sanskrit/pkg/arena"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/value"
	"github.com/rhino1998/sanskrit/pkg/wire"
	"github.com/stretchr/testify/require"
)

var (
	pair   = value.Adt{Cases: [][]value.Schema{{value.Unsigned{Width: 1}, value.Data{Size: 2}}}}
	option = value.Adt{Cases: [][]value.Schema{{}, {value.Unsigned{Width: 1}}}}
)

func newArena() *arena.Arena {
	return arena.New(arena.NewHeap(1<<12), 1<<10)
}

func TestDecodePair(t *testing.T) {
	r := require.New(t)

	a := newArena()
	e, err := value.Decode(pair, []byte{0x2A, 0xAB, 0xCD}, a, 0)
	r.NoError(err)
	r.Equal(uint8(0), e.Tag())
	r.Len(e.Fields(), 2)
	r.Equal(uint64(0x2A), e.Fields()[0].Uint64())
	r.Equal([]byte{0xAB, 0xCD}, e.Fields()[1].Data())
	r.Equal(2*value.EntrySize+2, a.VirtualUsed())

	size, err := value.RuntimeSize(pair, []byte{0x2A, 0xAB, 0xCD}, 0)
	r.NoError(err)
	r.Equal(a.VirtualUsed(), size)

	out, err := value.Encode(pair, e)
	r.NoError(err)
	r.Equal([]byte{0x2A, 0xAB, 0xCD}, out)

	s, err := value.Format(pair, e)
	r.NoError(err)
	r.Equal("adt#0{u8 = 0x2A, data[2] = 0xABCD}", s)
}

func TestDecodeOption(t *testing.T) {
	r := require.New(t)

	e, err := value.Decode(option, []byte{0x01, 0x2A}, newArena(), 0)
	r.NoError(err)
	s, err := value.Format(option, e)
	r.NoError(err)
	r.Equal("adt#1{u8 = 0x2A}", s)

	e, err = value.Decode(option, []byte{0x00}, newArena(), 0)
	r.NoError(err)
	r.Equal(uint8(0), e.Tag())
	r.Empty(e.Fields())

	_, err = value.Decode(option, []byte{0x02, 0x2A}, newArena(), 0)
	r.ErrorIs(err, failure.ErrTagOutOfRange)

	_, err = value.RuntimeSize(option, []byte{0x02, 0x2A}, 0)
	r.ErrorIs(err, failure.ErrTagOutOfRange)

	_, err = value.Decode(option, []byte{0x01, 0x2A, 0x00}, newArena(), 0)
	r.ErrorIs(err, failure.ErrTrailingBytes)

	_, err = value.Decode(option, []byte{0x01}, newArena(), 0)
	r.ErrorIs(err, failure.ErrMalformed)
}

func TestSigned(t *testing.T) {
	r := require.New(t)

	i16 := value.Signed{Width: 2}
	e, err := value.Decode(i16, []byte{0xFF, 0xFD}, newArena(), 0)
	r.NoError(err)
	r.True(value.Equal(value.Int(-3), e))

	s, err := value.Format(i16, e)
	r.NoError(err)
	r.Equal("i16 = -3", s)

	out, err := value.Encode(i16, value.Int(-3))
	r.NoError(err)
	r.Equal([]byte{0xFF, 0xFD}, out)

	_, err = value.Encode(i16, value.Int(40000))
	r.ErrorIs(err, failure.ErrNumericOutOfDomain)

	i128 := value.Signed{Width: 16}
	full := make([]byte, 16)
	for i := range full {
		full[i] = 0xFF
	}
	e, err = value.Decode(i128, full, newArena(), 0)
	r.NoError(err)
	r.True(value.Equal(value.Int(-1), e))

	s, err = value.Format(i128, value.Wide(0, 1<<63))
	r.NoError(err)
	r.Equal("i128 = -170141183460469231731687303715884105728", s)
}

func TestUnsignedFits(t *testing.T) {
	r := require.New(t)

	_, err := value.Encode(value.Unsigned{Width: 1}, value.Uint(256))
	r.ErrorIs(err, failure.ErrNumericOutOfDomain)

	out, err := value.Encode(value.Unsigned{Width: 1}, value.Uint(0x0F))
	r.NoError(err)
	r.Equal([]byte{0x0F}, out)

	s, err := value.Format(value.Unsigned{Width: 1}, value.Uint(0x0F))
	r.NoError(err)
	r.Equal("u8 = 0x0F", s)

	r.True(value.Fits(value.Wide(0, 1), 16, false))
	r.False(value.Fits(value.Wide(0, 1), 8, false))
	r.True(value.Fits(value.Int(-128), 1, true))
	r.False(value.Fits(value.Int(-129), 1, true))
}

func TestDepth(t *testing.T) {
	r := require.New(t)

	nested := value.Adt{Cases: [][]value.Schema{{value.Adt{Cases: [][]value.Schema{{value.Unsigned{Width: 1}}}}}}}

	_, err := value.Decode(nested, []byte{0x01}, newArena(), 2)
	r.ErrorIs(err, failure.ErrTooDeep)

	_, err = value.Decode(nested, []byte{0x01}, newArena(), 3)
	r.NoError(err)
}

func TestEncodeShapeMismatch(t *testing.T) {
	r := require.New(t)

	_, err := value.Encode(pair, value.Tagged(0, []value.Entry{value.Uint(1)}))
	r.ErrorIs(err, failure.ErrTypeMismatch)

	_, err = value.Encode(value.Data{Size: 2}, value.Bytes([]byte{1}))
	r.ErrorIs(err, failure.ErrTypeMismatch)

	_, err = value.Encode(option, value.Tagged(2, nil))
	r.ErrorIs(err, failure.ErrTagOutOfRange)
}

func TestArenaExhaustion(t *testing.T) {
	r := require.New(t)

	a := arena.New(arena.NewHeap(1<<12), value.EntrySize)
	_, err := value.Decode(pair, []byte{0x2A, 0xAB, 0xCD}, a, 0)
	r.ErrorIs(err, failure.ErrVirtualBytes)
}

func TestSizes(t *testing.T) {
	r := require.New(t)

	r.Equal(3, value.MaxSerializedSize(pair))
	r.Equal(2, value.MaxSerializedSize(option))
	r.Equal(2*value.EntrySize+2, value.MaxRuntimeSize(pair))
	r.Equal(value.EntrySize, value.MaxRuntimeSize(option))
	r.Equal(0, value.MaxRuntimeSize(value.BoolSchema))
}

func TestSchemaWire(t *testing.T) {
	r := require.New(t)

	schemas := []value.Schema{
		pair,
		option,
		value.BoolSchema,
		value.Signed{Width: 16},
		value.Data{Size: 20},
	}

	for _, s := range schemas {
		w := wire.NewWriter()
		value.WriteSchema(w, s)
		buf, err := w.Result()
		r.NoError(err)

		rd := wire.NewReader(buf, 0)
		got := value.ReadSchema(rd)
		r.NoError(rd.Done())
		r.True(value.SchemaEqual(s, got), "%s != %v", s, got)
	}

	rd := wire.NewReader([]byte{2, 3}, 0)
	value.ReadSchema(rd)
	r.ErrorIs(rd.Err(), failure.ErrMalformed)

	r.False(value.SchemaEqual(value.Unsigned{Width: 1}, value.Signed{Width: 1}))
}
