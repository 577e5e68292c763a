package bytecode_test

import (
	"bytes"
	"testing"

	"github.com/rhino1998/sanskrit/pkg/bytecode"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/types"
	"github.com/rhino1998/sanskrit/pkg/value"
	"github.com/stretchr/testify/require"
)

var u8 = value.Unsigned{Width: 1}

func orDescriptor() *bytecode.Descriptor {
	return &bytecode.Descriptor{
		MaxStack:  4,
		MaxFrames: 2,
		MaxHeap:   64,
		GasCost:   10,
		Params: []bytecode.Param{
			{Schema: u8, Type: hash.Sum([]byte("u8")), Caps: types.LitCaps},
		},
		Returns: []bytecode.ReturnSpec{
			{Schema: u8, Type: hash.Sum([]byte("u8")), Caps: types.LitCaps},
		},
		Functions: []bytecode.Function{
			&bytecode.Exp{
				Params:  1,
				Results: 1,
				Ops: []bytecode.Op{
					bytecode.Binary{Op: bytecode.Or, Kind: bytecode.U8, A: 0, B: 0},
				},
			},
		},
	}
}

func fullDescriptor() *bytecode.Descriptor {
	pair := value.Adt{Cases: [][]value.Schema{{u8, u8}}}

	helper := &bytecode.Exp{
		Params:  2,
		Results: 2,
		Ops: []bytecode.Op{
			bytecode.Return{Refs: []bytecode.Ref{1, 0}},
		},
	}

	root := &bytecode.Exp{
		Params:  1,
		Results: 1,
		Ops: []bytecode.Op{
			bytecode.Lit{Schema: pair, Data: []byte{1, 2}},
			bytecode.SpecialLit{Kind: bytecode.U16, Data: []byte{0, 7}},
			bytecode.Let{Exp: &bytecode.Exp{Results: 1, Ops: []bytecode.Op{bytecode.Copy{Ref: 0}}}},
			bytecode.Id{Ref: 0},
			bytecode.Pack{Tag: 1, Refs: []bytecode.Ref{0, 1}},
			bytecode.Unpack{Ref: 0, Fields: 2},
			bytecode.Get{Ref: 6, Field: 1},
			bytecode.Switch{Ref: 2, Branches: []*bytecode.Exp{
				{Params: 2, Results: 1, Ops: []bytecode.Op{bytecode.Copy{Ref: 1}}},
			}},
			bytecode.Invoke{Func: 1, Refs: []bytecode.Ref{0, 1}},
			bytecode.RepeatedInvoke{Func: 1, Refs: []bytecode.Ref{0, 1}, Ctr: 0, Tag: 1, Count: 3},
			bytecode.Try{
				Body:    &bytecode.Exp{Results: 1, Ops: []bytecode.Op{bytecode.Rollback{}}},
				Success: &bytecode.Exp{Params: 1, Results: 1, Ops: []bytecode.Op{bytecode.Copy{Ref: 0}}},
				Failure: &bytecode.Exp{Results: 1, Ops: []bytecode.Op{bytecode.SpecialLit{Kind: bytecode.Bool, Data: []byte{1}}}},
			},
			bytecode.CreateSig{Func: 1, Refs: []bytecode.Ref{0}},
			bytecode.InvokeSig{Ref: 0, Refs: []bytecode.Ref{1}, Results: 2},
			bytecode.Binary{Op: bytecode.Add, Kind: bytecode.U8, A: 0, B: 1},
			bytecode.Unary{Op: bytecode.Not, Kind: bytecode.U8, A: 0},
			bytecode.ToData{Kind: bytecode.U8, Ref: 0},
			bytecode.FromData{Kind: bytecode.U8, Ref: 0},
			bytecode.Convert{From: bytecode.U8, To: bytecode.I16, Ref: 0},
			bytecode.Hash{Schema: u8, Ref: 1},
			bytecode.Serialize{Schema: u8, Ref: 1},
			bytecode.Return{Refs: []bytecode.Ref{3}},
		},
	}

	d := orDescriptor()
	d.Functions = []bytecode.Function{
		root,
		helper,
		bytecode.External{Module: hash.Zero, ID: 0, Params: 1, Results: 1, Schema: u8},
	}
	return d
}

func TestDescriptorRoundTrip(t *testing.T) {
	r := require.New(t)

	for _, d := range []*bytecode.Descriptor{orDescriptor(), fullDescriptor()} {
		r.NoError(bytecode.Validate(d, 0))

		buf, err := bytecode.Encode(d)
		r.NoError(err)
		r.Equal([]byte("SKD\x01"), buf[:4])

		got, err := bytecode.Decode(buf, 0)
		r.NoError(err)

		d.ByteSize = len(buf)
		r.Equal(d, got)
	}
}

func TestDecodeErrors(t *testing.T) {
	r := require.New(t)

	buf, err := bytecode.Encode(orDescriptor())
	r.NoError(err)

	_, err = bytecode.Decode(buf[:len(buf)-1], 0)
	r.ErrorIs(err, failure.ErrMalformed)

	_, err = bytecode.Decode(append(bytes.Clone(buf), 0), 0)
	r.ErrorIs(err, failure.ErrTrailingBytes)

	bad := bytes.Clone(buf)
	bad[3] = 2
	_, err = bytecode.Decode(bad, 0)
	r.ErrorIs(err, failure.ErrBadMagic)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *bytecode.Descriptor)
		err    error
	}{
		{
			name: "ref out of range",
			mutate: func(d *bytecode.Descriptor) {
				d.Functions[0].(*bytecode.Exp).Ops[0] = bytecode.Copy{Ref: 1}
			},
			err: failure.ErrRefOutOfRange,
		},
		{
			name: "root arity",
			mutate: func(d *bytecode.Descriptor) {
				d.Returns = nil
			},
			err: failure.ErrArity,
		},
		{
			name: "missing root",
			mutate: func(d *bytecode.Descriptor) {
				d.Root = 4
			},
			err: failure.ErrInvalidDescriptor,
		},
		{
			name: "invoke arity",
			mutate: func(d *bytecode.Descriptor) {
				d.Functions = append(d.Functions, &bytecode.Exp{Params: 2})
				d.Functions[0].(*bytecode.Exp).Ops = []bytecode.Op{bytecode.Invoke{Func: 1, Refs: []bytecode.Ref{0}}}
			},
			err: failure.ErrArity,
		},
		{
			name: "return before end",
			mutate: func(d *bytecode.Descriptor) {
				exp := d.Functions[0].(*bytecode.Exp)
				exp.Ops = []bytecode.Op{bytecode.Return{Refs: []bytecode.Ref{0}}, bytecode.Copy{Ref: 0}}
			},
			err: failure.ErrMalformed,
		},
		{
			name: "unsupported operator",
			mutate: func(d *bytecode.Descriptor) {
				d.Functions[0].(*bytecode.Exp).Ops[0] = bytecode.Binary{Op: bytecode.Add, Kind: bytecode.Data}
			},
			err: failure.ErrUnsupportedKind,
		},
		{
			name: "bad literal",
			mutate: func(d *bytecode.Descriptor) {
				d.Functions[0].(*bytecode.Exp).Ops[0] = bytecode.Lit{Schema: u8, Data: []byte{1, 2}}
			},
			err: failure.ErrTrailingBytes,
		},
		{
			name: "too few results",
			mutate: func(d *bytecode.Descriptor) {
				d.Functions[0].(*bytecode.Exp).Params = 0
				d.Params = nil
				d.Functions[0].(*bytecode.Exp).Ops = nil
			},
			err: failure.ErrArity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := require.New(t)

			d := orDescriptor()
			tt.mutate(d)
			r.ErrorIs(bytecode.Validate(d, 0), tt.err)
		})
	}
}

func TestDump(t *testing.T) {
	r := require.New(t)

	var buf bytes.Buffer
	r.NoError(bytecode.Dump(&buf, fullDescriptor()))

	out := buf.String()
	r.Contains(out, "f0 (root) (1) -> 1")
	r.Contains(out, "U8 $0 + $1")
	r.Contains(out, "rollback:")
	r.Contains(out, "param 0")
}

func TestOperation(t *testing.T) {
	r := require.New(t)

	r.Equal("U|U", bytecode.Or.Operation(bytecode.U8))
	r.Equal("I<I", bytecode.Lt.Operation(bytecode.I128))
	r.Equal("!B", bytecode.Not.Operation(bytecode.Bool))
	r.Equal("D^D", bytecode.Xor.Operation(bytecode.Data))
	r.False(bytecode.Neg.Supports(bytecode.U8))
	r.True(bytecode.Neg.Supports(bytecode.I8))
}
