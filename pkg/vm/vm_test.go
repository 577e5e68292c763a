package vm_test

import (
	"context"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/rhino1998/sanskrit/pkg/arena"
	"github.com/rhino1998/sanskrit/pkg/bytecode"
	"github.com/rhino1998/sanskrit/pkg/extern"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/value"
	"github.com/rhino1998/sanskrit/pkg/vm"
	"github.com/stretchr/testify/require"
)

var u8 = value.Unsigned{Width: 1}

func descriptor(funcs ...bytecode.Function) *bytecode.Descriptor {
	root := funcs[0].(*bytecode.Exp)
	return &bytecode.Descriptor{
		MaxStack:  64,
		MaxFrames: 16,
		MaxHeap:   4096,
		Params:    make([]bytecode.Param, root.Params),
		Returns:   make([]bytecode.ReturnSpec, root.Results),
		Functions: funcs,
	}
}

func run(t *testing.T, d *bytecode.Descriptor, params ...value.Entry) ([]value.Entry, error) {
	t.Helper()
	r := require.New(t)

	r.NoError(bytecode.Validate(d, 0))

	heap := arena.New(arena.NewHeap(1<<16), int(d.MaxHeap))
	stacks := arena.New(arena.NewHeap(1<<16), 1<<16)

	rt, err := vm.New(slogt.New(t), d, extern.DefaultFuncs(), stacks, heap, vm.Config{})
	r.NoError(err)

	for _, p := range params {
		r.NoError(rt.Push(p))
	}

	return rt.Run(context.Background())
}

func lit(k bytecode.Kind, b ...byte) bytecode.SpecialLit {
	return bytecode.SpecialLit{Kind: k, Data: b}
}

func TestOrU8(t *testing.T) {
	r := require.New(t)

	d := descriptor(&bytecode.Exp{
		Params:  1,
		Results: 1,
		Ops: []bytecode.Op{
			bytecode.Copy{Ref: 0},
			bytecode.Binary{Op: bytecode.Or, Kind: bytecode.U8, A: 0, B: 1},
		},
	})

	out, err := run(t, d, value.Uint(0x0F))
	r.NoError(err)
	r.Len(out, 1)

	line, err := value.Format(u8, out[0])
	r.NoError(err)
	r.Equal("u8 = 0x0F", line)
}

func TestPackUnpack(t *testing.T) {
	r := require.New(t)

	d := descriptor(&bytecode.Exp{
		Params:  1,
		Results: 1,
		Ops: []bytecode.Op{
			bytecode.Copy{Ref: 0},
			bytecode.Pack{Tag: 0, Refs: []bytecode.Ref{1, 0}},
			bytecode.Unpack{Ref: 0, Fields: 2},
			bytecode.Return{Refs: []bytecode.Ref{0}},
		},
	})

	out, err := run(t, d, value.Uint(0x2A))
	r.NoError(err)
	r.Equal(uint64(0x2A), out[0].Uint64())

	d.Functions[0].(*bytecode.Exp).Ops[2] = bytecode.Unpack{Ref: 0, Fields: 3}
	_, err = run(t, d, value.Uint(0x2A))
	r.ErrorIs(err, failure.ErrTagMismatch)
}

func TestTryDivision(t *testing.T) {
	tests := []struct {
		name    string
		divisor byte
		want    uint64
	}{
		{name: "division by zero rolls back", divisor: 0, want: 1},
		{name: "success handler sees the quotient", divisor: 2, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := require.New(t)

			d := descriptor(&bytecode.Exp{
				Params:  1,
				Results: 1,
				Ops: []bytecode.Op{
					bytecode.Try{
						Body: &bytecode.Exp{Results: 1, Ops: []bytecode.Op{
							lit(bytecode.U8, tt.divisor),
							bytecode.Binary{Op: bytecode.Div, Kind: bytecode.U8, A: 1, B: 0},
						}},
						Success: &bytecode.Exp{Params: 1, Results: 1},
						Failure: &bytecode.Exp{Results: 1, Ops: []bytecode.Op{lit(bytecode.U8, 1)}},
					},
				},
			})

			out, err := run(t, d, value.Uint(5))
			r.NoError(err)
			r.Len(out, 1)
			r.Equal(tt.want, out[0].Uint64())
		})
	}
}

func TestUncaughtRollback(t *testing.T) {
	r := require.New(t)

	d := descriptor(&bytecode.Exp{Ops: []bytecode.Op{bytecode.Rollback{}}})
	_, err := run(t, d)
	r.ErrorIs(err, failure.ErrRollback)
	r.True(failure.IsRollback(err))
}

func TestArithmetic(t *testing.T) {
	i128Min := value.Wide(0, 1<<63)
	i128Max := value.Wide(^uint64(0), ^uint64(0)>>1)
	u128Max := value.Wide(^uint64(0), ^uint64(0))

	tests := []struct {
		name string
		op   bytecode.Operator
		kind bytecode.Kind
		a, b value.Entry
		want value.Entry
		err  error
	}{
		{name: "u8 add overflow", op: bytecode.Add, kind: bytecode.U8, a: value.Uint(200), b: value.Uint(100), err: failure.ErrOverflow},
		{name: "u8 sub underflow", op: bytecode.Sub, kind: bytecode.U8, a: value.Uint(1), b: value.Uint(2), err: failure.ErrOverflow},
		{name: "u8 mul overflow", op: bytecode.Mul, kind: bytecode.U8, a: value.Uint(16), b: value.Uint(16), err: failure.ErrOverflow},
		{name: "u8 mul", op: bytecode.Mul, kind: bytecode.U8, a: value.Uint(15), b: value.Uint(17), want: value.Uint(255)},
		{name: "u8 div by zero", op: bytecode.Div, kind: bytecode.U8, a: value.Uint(1), b: value.Uint(0), err: failure.ErrDivideByZero},
		{name: "u128 carry", op: bytecode.Add, kind: bytecode.U128, a: value.Uint(^uint64(0)), b: value.Uint(1), want: value.Wide(0, 1)},
		{name: "u128 add overflow", op: bytecode.Add, kind: bytecode.U128, a: u128Max, b: value.Uint(1), err: failure.ErrOverflow},
		{name: "u128 sub underflow", op: bytecode.Sub, kind: bytecode.U128, a: value.Uint(0), b: value.Uint(1), err: failure.ErrOverflow},
		{name: "u128 mul overflow", op: bytecode.Mul, kind: bytecode.U128, a: value.Wide(0, 1), b: value.Wide(0, 1), err: failure.ErrOverflow},
		{name: "i128 add overflow", op: bytecode.Add, kind: bytecode.I128, a: i128Max, b: value.Int(1), err: failure.ErrOverflow},
		{name: "i128 sub underflow", op: bytecode.Sub, kind: bytecode.I128, a: i128Min, b: value.Int(1), err: failure.ErrOverflow},
		{name: "i128 min div minus one", op: bytecode.Div, kind: bytecode.I128, a: i128Min, b: value.Int(-1), err: failure.ErrOverflow},
		{name: "i128 min plus max", op: bytecode.Add, kind: bytecode.I128, a: i128Min, b: i128Max, want: value.Int(-1)},
		{name: "i8 div truncates", op: bytecode.Div, kind: bytecode.I8, a: value.Int(-7), b: value.Int(2), want: value.Int(-3)},
		{name: "i8 rem keeps sign", op: bytecode.Rem, kind: bytecode.I8, a: value.Int(-7), b: value.Int(2), want: value.Int(-1)},
		{name: "i8 mul overflow", op: bytecode.Mul, kind: bytecode.I8, a: value.Int(-128), b: value.Int(-1), err: failure.ErrOverflow},
		{name: "i64 mul", op: bytecode.Mul, kind: bytecode.I64, a: value.Int(-3), b: value.Int(4), want: value.Int(-12)},
		{name: "i8 lt", op: bytecode.Lt, kind: bytecode.I8, a: value.Int(-1), b: value.Int(1), want: value.True},
		{name: "u8 lt", op: bytecode.Lt, kind: bytecode.U8, a: value.Uint(255), b: value.Uint(1), want: value.False},
		{name: "u16 gte", op: bytecode.Gte, kind: bytecode.U16, a: value.Uint(2), b: value.Uint(2), want: value.True},
		{name: "i16 lte", op: bytecode.Lte, kind: bytecode.I16, a: value.Int(3), b: value.Int(-3), want: value.False},
		{name: "u32 eq", op: bytecode.Eq, kind: bytecode.U32, a: value.Uint(7), b: value.Uint(7), want: value.True},
		{name: "i16 xor", op: bytecode.Xor, kind: bytecode.I16, a: value.Int(-1), b: value.Int(1), want: value.Int(-2)},
		{name: "data xor", op: bytecode.Xor, kind: bytecode.Data, a: value.Bytes([]byte{0xF0, 0x0F}), b: value.Bytes([]byte{0xFF, 0xFF}), want: value.Bytes([]byte{0x0F, 0xF0})},
		{name: "data length mismatch", op: bytecode.And, kind: bytecode.Data, a: value.Bytes([]byte{1}), b: value.Bytes([]byte{1, 2}), err: failure.ErrTypeMismatch},
		{name: "data lt", op: bytecode.Lt, kind: bytecode.Data, a: value.Bytes([]byte{1, 2}), b: value.Bytes([]byte{1, 3}), want: value.True},
		{name: "bool and", op: bytecode.And, kind: bytecode.Bool, a: value.True, b: value.False, want: value.False},
		{name: "bool or", op: bytecode.Or, kind: bytecode.Bool, a: value.True, b: value.False, want: value.True},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := require.New(t)

			d := descriptor(&bytecode.Exp{
				Params:  2,
				Results: 1,
				Ops: []bytecode.Op{
					bytecode.Binary{Op: tt.op, Kind: tt.kind, A: 1, B: 0},
				},
			})

			out, err := run(t, d, tt.a, tt.b)
			if tt.err != nil {
				r.ErrorIs(err, tt.err)
				r.True(failure.IsRollback(err) || failure.KindOf(err) == failure.KindType)
				return
			}
			r.NoError(err)
			r.True(value.Equal(tt.want, out[0]), "got %+v", out[0])
		})
	}
}

func TestUnary(t *testing.T) {
	tests := []struct {
		name string
		op   bytecode.Operator
		kind bytecode.Kind
		a    value.Entry
		want value.Entry
		err  error
	}{
		{name: "u8 not", op: bytecode.Not, kind: bytecode.U8, a: value.Uint(0x0F), want: value.Uint(0xF0)},
		{name: "u64 not", op: bytecode.Not, kind: bytecode.U64, a: value.Uint(0), want: value.Uint(^uint64(0))},
		{name: "i32 not", op: bytecode.Not, kind: bytecode.I32, a: value.Int(0), want: value.Int(-1)},
		{name: "bool not", op: bytecode.Not, kind: bytecode.Bool, a: value.False, want: value.True},
		{name: "data not", op: bytecode.Not, kind: bytecode.Data, a: value.Bytes([]byte{0x0F}), want: value.Bytes([]byte{0xF0})},
		{name: "i8 neg", op: bytecode.Neg, kind: bytecode.I8, a: value.Int(5), want: value.Int(-5)},
		{name: "i8 neg min", op: bytecode.Neg, kind: bytecode.I8, a: value.Int(-128), err: failure.ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := require.New(t)

			d := descriptor(&bytecode.Exp{
				Params:  1,
				Results: 1,
				Ops:     []bytecode.Op{bytecode.Unary{Op: tt.op, Kind: tt.kind, A: 0}},
			})

			out, err := run(t, d, tt.a)
			if tt.err != nil {
				r.ErrorIs(err, tt.err)
				return
			}
			r.NoError(err)
			r.True(value.Equal(tt.want, out[0]), "got %+v", out[0])
		})
	}
}

func TestConversions(t *testing.T) {
	r := require.New(t)

	d := descriptor(&bytecode.Exp{
		Params:  1,
		Results: 2,
		Ops: []bytecode.Op{
			bytecode.ToData{Kind: bytecode.U16, Ref: 0},
			bytecode.FromData{Kind: bytecode.U16, Ref: 0},
		},
	})

	out, err := run(t, d, value.Uint(0x1234))
	r.NoError(err)
	r.Equal([]byte{0x12, 0x34}, out[0].Data())
	r.Equal(uint64(0x1234), out[1].Uint64())

	tests := []struct {
		from, to bytecode.Kind
		in       value.Entry
		want     value.Entry
		err      error
	}{
		{from: bytecode.U16, to: bytecode.U8, in: value.Uint(0x1234), err: failure.ErrConversion},
		{from: bytecode.I8, to: bytecode.U8, in: value.Int(-1), err: failure.ErrConversion},
		{from: bytecode.U128, to: bytecode.I128, in: value.Wide(0, 1<<63), err: failure.ErrConversion},
		{from: bytecode.U8, to: bytecode.I8, in: value.Uint(200), err: failure.ErrConversion},
		{from: bytecode.U8, to: bytecode.I16, in: value.Uint(200), want: value.Uint(200)},
		{from: bytecode.I16, to: bytecode.I8, in: value.Int(-100), want: value.Int(-100)},
	}

	for _, tt := range tests {
		d := descriptor(&bytecode.Exp{
			Params:  1,
			Results: 1,
			Ops:     []bytecode.Op{bytecode.Convert{From: tt.from, To: tt.to, Ref: 0}},
		})

		out, err := run(t, d, tt.in)
		if tt.err != nil {
			r.ErrorIs(err, tt.err)
			continue
		}
		r.NoError(err)
		r.True(value.Equal(tt.want, out[0]))
	}
}

func TestSwitch(t *testing.T) {
	r := require.New(t)

	d := descriptor(&bytecode.Exp{
		Params:  1,
		Results: 1,
		Ops: []bytecode.Op{
			bytecode.Switch{Ref: 0, Branches: []*bytecode.Exp{
				{Results: 1, Ops: []bytecode.Op{lit(bytecode.U8, 0)}},
				{Params: 1, Results: 1},
			}},
		},
	})

	out, err := run(t, d, value.Tagged(1, []value.Entry{value.Uint(0x2A)}))
	r.NoError(err)
	r.Equal(uint64(0x2A), out[0].Uint64())

	out, err = run(t, d, value.Tagged(0, nil))
	r.NoError(err)
	r.Equal(uint64(0), out[0].Uint64())

	_, err = run(t, d, value.Tagged(2, nil))
	r.ErrorIs(err, failure.ErrTagMismatch)
}

func TestLet(t *testing.T) {
	r := require.New(t)

	d := descriptor(&bytecode.Exp{
		Params:  1,
		Results: 1,
		Ops: []bytecode.Op{
			bytecode.Let{Exp: &bytecode.Exp{Results: 1, Ops: []bytecode.Op{
				bytecode.Copy{Ref: 0},
				bytecode.Binary{Op: bytecode.Add, Kind: bytecode.U8, A: 0, B: 1},
			}}},
		},
	})

	out, err := run(t, d, value.Uint(21))
	r.NoError(err)
	r.Equal(uint64(42), out[0].Uint64())
}

func adder() *bytecode.Exp {
	return &bytecode.Exp{
		Params:  2,
		Results: 1,
		Ops:     []bytecode.Op{bytecode.Binary{Op: bytecode.Add, Kind: bytecode.U8, A: 1, B: 0}},
	}
}

func TestTailInvoke(t *testing.T) {
	r := require.New(t)

	root := &bytecode.Exp{
		Params:  1,
		Results: 1,
		Ops: []bytecode.Op{
			lit(bytecode.U8, 1),
			bytecode.Invoke{Func: 1, Refs: []bytecode.Ref{1, 0}, Tail: true},
		},
	}

	d := descriptor(root, adder())
	d.MaxFrames = 0

	out, err := run(t, d, value.Uint(41))
	r.NoError(err)
	r.Len(out, 1)
	r.Equal(uint64(42), out[0].Uint64())

	root.Ops[1] = bytecode.Invoke{Func: 1, Refs: []bytecode.Ref{1, 0}}
	_, err = run(t, d, value.Uint(41))
	r.ErrorIs(err, failure.ErrFrameOverflow)
}

func TestSignatures(t *testing.T) {
	r := require.New(t)

	d := descriptor(&bytecode.Exp{
		Params:  1,
		Results: 1,
		Ops: []bytecode.Op{
			bytecode.CreateSig{Func: 1, Refs: []bytecode.Ref{0}},
			lit(bytecode.U8, 3),
			bytecode.InvokeSig{Ref: 1, Refs: []bytecode.Ref{0}, Results: 1},
		},
	}, adder())

	out, err := run(t, d, value.Uint(5))
	r.NoError(err)
	r.Equal(uint64(8), out[0].Uint64())
}

func counter() *bytecode.Exp {
	return &bytecode.Exp{
		Params:  2,
		Results: 2,
		Ops: []bytecode.Op{
			lit(bytecode.U8, 1),
			bytecode.Binary{Op: bytecode.Add, Kind: bytecode.U8, A: 1, B: 0},
			lit(bytecode.U8, 3),
			bytecode.Binary{Op: bytecode.Lt, Kind: bytecode.U8, A: 1, B: 0},
			bytecode.Return{Refs: []bytecode.Ref{0, 2}},
		},
	}
}

func TestRepeatedInvoke(t *testing.T) {
	tests := []struct {
		name  string
		count uint16
		want  uint64
	}{
		{name: "stops on tag", count: 10, want: 3},
		{name: "stops on count", count: 2, want: 2},
		{name: "zero count", count: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := require.New(t)

			d := descriptor(&bytecode.Exp{
				Results: 1,
				Ops: []bytecode.Op{
					lit(bytecode.Bool, 1),
					lit(bytecode.U8, 0),
					bytecode.RepeatedInvoke{Func: 1, Refs: []bytecode.Ref{1, 0}, Ctr: 0, Tag: 1, Count: tt.count},
					bytecode.Return{Refs: []bytecode.Ref{0}},
				},
			}, counter())

			out, err := run(t, d)
			r.NoError(err)
			r.Equal(tt.want, out[0].Uint64())
		})
	}
}

func TestRepeatedInvokeRollbackUnwindsLoop(t *testing.T) {
	r := require.New(t)

	failing := &bytecode.Exp{Params: 2, Results: 2, Ops: []bytecode.Op{bytecode.Rollback{}}}

	d := descriptor(&bytecode.Exp{
		Results: 1,
		Ops: []bytecode.Op{
			lit(bytecode.Bool, 1),
			lit(bytecode.U8, 0),
			bytecode.Try{
				Body: &bytecode.Exp{Results: 2, Ops: []bytecode.Op{
					bytecode.RepeatedInvoke{Func: 1, Refs: []bytecode.Ref{1, 0}, Ctr: 0, Tag: 1, Count: 5},
				}},
				Success: &bytecode.Exp{Params: 2, Results: 1, Ops: []bytecode.Op{bytecode.Return{Refs: []bytecode.Ref{0}}}},
				Failure: &bytecode.Exp{Results: 1, Ops: []bytecode.Op{lit(bytecode.U8, 0xEE)}},
			},
		},
	}, failing)

	out, err := run(t, d)
	r.NoError(err)
	r.Len(out, 1)
	r.Equal(uint64(0xEE), out[0].Uint64())
}

func TestExternalHash(t *testing.T) {
	r := require.New(t)

	d := descriptor(&bytecode.Exp{
		Params:  1,
		Results: 2,
		Ops: []bytecode.Op{
			bytecode.Invoke{Func: 1, Refs: []bytecode.Ref{0}},
			bytecode.Hash{Schema: u8, Ref: 1},
		},
	}, bytecode.External{Module: extern.SystemModule, ID: extern.IDHash, Params: 1, Results: 1, Schema: u8})

	out, err := run(t, d, value.Uint(0x2A))
	r.NoError(err)

	want := hash.Sum([]byte{0x2A})
	r.Equal(want[:], out[0].Data())
	r.Equal(want[:], out[1].Data())
}

func TestUnknownExternal(t *testing.T) {
	r := require.New(t)

	d := descriptor(&bytecode.Exp{
		Params:  1,
		Results: 1,
		Ops:     []bytecode.Op{bytecode.Invoke{Func: 1, Refs: []bytecode.Ref{0}}},
	}, bytecode.External{Module: hash.Sum([]byte("nowhere")), ID: 9, Params: 1, Results: 1})

	_, err := run(t, d, value.Uint(1))
	r.ErrorIs(err, failure.ErrUnknownExtern)
}

func TestLimits(t *testing.T) {
	r := require.New(t)

	d := descriptor(&bytecode.Exp{
		Ops: []bytecode.Op{lit(bytecode.U8, 1), lit(bytecode.U8, 2), lit(bytecode.U8, 3)},
	})
	d.MaxStack = 2
	_, err := run(t, d)
	r.ErrorIs(err, failure.ErrStackOverflow)

	loop := &bytecode.Exp{Ops: []bytecode.Op{bytecode.Invoke{Func: 1}}}
	d = descriptor(loop, loop)
	_, err = run(t, d)
	r.ErrorIs(err, failure.ErrFrameOverflow)

	d = descriptor(&bytecode.Exp{
		Results: 1,
		Ops:     []bytecode.Op{lit(bytecode.Data, make([]byte, 64)...)},
	})
	d.MaxHeap = 32
	_, err = run(t, d)
	r.ErrorIs(err, failure.ErrVirtualBytes)
}
