package vm

import (
	"bytes"

	"github.com/holiman/uint256"
	"github.com/rhino1998/sanskrit/pkg/bytecode"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/value"
)

type binaryOperatorFunc func(r *Runtime, k bytecode.Kind, a, b value.Entry) (value.Entry, error)

type unaryOperatorFunc func(r *Runtime, k bytecode.Kind, a value.Entry) (value.Entry, error)

func binaryOp(r *Runtime, op bytecode.Operator, k bytecode.Kind, a, b value.Entry) (value.Entry, error) {
	f, ok := binaryOperatorFuncs[op.Operation(k)]
	if !ok {
		return value.Entry{}, failure.Wrapf(failure.ErrUnsupportedKind, "invalid binary operation %q", op.Operation(k))
	}
	return f(r, k, a, b)
}

func unaryOp(r *Runtime, op bytecode.Operator, k bytecode.Kind, a value.Entry) (value.Entry, error) {
	f, ok := unaryOperatorFuncs[op.Operation(k)]
	if !ok {
		return value.Entry{}, failure.Wrapf(failure.ErrUnsupportedKind, "invalid unary operation %q", op.Operation(k))
	}
	return f(r, k, a)
}

var binaryOperatorFuncs = map[string]binaryOperatorFunc{
	"U+U": arith((*uint256.Int).Add),
	"I+I": arith((*uint256.Int).Add),

	"U-U": arith((*uint256.Int).Sub),
	"I-I": arith((*uint256.Int).Sub),

	"U*U": arith((*uint256.Int).Mul),
	"I*I": arith((*uint256.Int).Mul),

	"U/U": division((*uint256.Int).Div),
	"I/I": division((*uint256.Int).SDiv),

	"U%U": division((*uint256.Int).Mod),
	"I%I": division((*uint256.Int).SMod),

	"U&U": bitwise(func(x, y uint64) uint64 { return x & y }),
	"I&I": bitwise(func(x, y uint64) uint64 { return x & y }),
	"D&D": dataBitwise(func(x, y byte) byte { return x & y }),
	"B&B": logical(func(x, y bool) bool { return x && y }),

	"U|U": bitwise(func(x, y uint64) uint64 { return x | y }),
	"I|I": bitwise(func(x, y uint64) uint64 { return x | y }),
	"D|D": dataBitwise(func(x, y byte) byte { return x | y }),
	"B|B": logical(func(x, y bool) bool { return x || y }),

	"U^U": bitwise(func(x, y uint64) uint64 { return x ^ y }),
	"I^I": bitwise(func(x, y uint64) uint64 { return x ^ y }),
	"D^D": dataBitwise(func(x, y byte) byte { return x ^ y }),
	"B^B": logical(func(x, y bool) bool { return x != y }),

	"U==U": compare((*uint256.Int).Eq),
	"I==I": compare((*uint256.Int).Eq),
	"D==D": dataCompare(func(c int) bool { return c == 0 }),
	"B==B": logical(func(x, y bool) bool { return x == y }),

	"U<U": compare((*uint256.Int).Lt),
	"I<I": compare((*uint256.Int).Slt),
	"D<D": dataCompare(func(c int) bool { return c < 0 }),

	"U<=U": compare(func(x, y *uint256.Int) bool { return !x.Gt(y) }),
	"I<=I": compare(func(x, y *uint256.Int) bool { return !x.Sgt(y) }),
	"D<=D": dataCompare(func(c int) bool { return c <= 0 }),

	"U>U": compare((*uint256.Int).Gt),
	"I>I": compare((*uint256.Int).Sgt),
	"D>D": dataCompare(func(c int) bool { return c > 0 }),

	"U>=U": compare(func(x, y *uint256.Int) bool { return !x.Lt(y) }),
	"I>=I": compare(func(x, y *uint256.Int) bool { return !x.Slt(y) }),
	"D>=D": dataCompare(func(c int) bool { return c >= 0 }),
}

var unaryOperatorFuncs = map[string]unaryOperatorFunc{
	"!U": func(_ *Runtime, k bytecode.Kind, a value.Entry) (value.Entry, error) {
		lo, hi := a.Wide()
		return truncate(k, ^lo, ^hi), nil
	},
	"!I": func(_ *Runtime, _ bytecode.Kind, a value.Entry) (value.Entry, error) {
		lo, hi := a.Wide()
		return value.Wide(^lo, ^hi), nil
	},
	"!D": func(r *Runtime, _ bytecode.Kind, a value.Entry) (value.Entry, error) {
		out, err := r.heap.Bytes(len(a.Data()))
		if err != nil {
			return value.Entry{}, err
		}
		for i, b := range a.Data() {
			out[i] = ^b
		}
		return value.Bytes(out), nil
	},
	"!B": func(_ *Runtime, _ bytecode.Kind, a value.Entry) (value.Entry, error) {
		return value.Bool(!a.IsTrue()), nil
	},
	"negI": func(_ *Runtime, k bytecode.Kind, a value.Entry) (value.Entry, error) {
		return fromWord(k, new(uint256.Int).Neg(toWord(k, a)))
	},
}

// toWord widens an entry to 256 bits, sign extending signed kinds.
func toWord(k bytecode.Kind, e value.Entry) *uint256.Int {
	lo, hi := e.Wide()
	z := &uint256.Int{lo, hi, 0, 0}
	if k.IsSigned() && hi>>63 == 1 {
		z[2], z[3] = ^uint64(0), ^uint64(0)
	}
	return z
}

// fromWord narrows a 256-bit result to kind k, failing with an overflow
// when it does not fit.
func fromWord(k bytecode.Kind, z *uint256.Int) (value.Entry, error) {
	var ext uint64
	if k.IsSigned() && z[1]>>63 == 1 {
		ext = ^uint64(0)
	}
	if z[2] != ext || z[3] != ext {
		return value.Entry{}, failure.Wrapf(failure.ErrOverflow, "%s", k)
	}

	e := value.Wide(z[0], z[1])
	if !value.Fits(e, k.Width(), k.IsSigned()) {
		return value.Entry{}, failure.Wrapf(failure.ErrOverflow, "%s", k)
	}
	return e, nil
}

func truncate(k bytecode.Kind, lo, hi uint64) value.Entry {
	switch w := k.Width(); {
	case w >= 16:
		return value.Wide(lo, hi)
	case w == 8:
		return value.Uint(lo)
	default:
		return value.Uint(lo & (1<<(uint(w)*8) - 1))
	}
}

type wordOp func(z, x, y *uint256.Int) *uint256.Int

func arith(f wordOp) binaryOperatorFunc {
	return func(_ *Runtime, k bytecode.Kind, a, b value.Entry) (value.Entry, error) {
		return fromWord(k, f(new(uint256.Int), toWord(k, a), toWord(k, b)))
	}
}

func division(f wordOp) binaryOperatorFunc {
	return func(_ *Runtime, k bytecode.Kind, a, b value.Entry) (value.Entry, error) {
		y := toWord(k, b)
		if y.IsZero() {
			return value.Entry{}, failure.Wrapf(failure.ErrDivideByZero, "%s", k)
		}
		return fromWord(k, f(new(uint256.Int), toWord(k, a), y))
	}
}

func bitwise(f func(x, y uint64) uint64) binaryOperatorFunc {
	return func(_ *Runtime, _ bytecode.Kind, a, b value.Entry) (value.Entry, error) {
		alo, ahi := a.Wide()
		blo, bhi := b.Wide()
		return value.Wide(f(alo, blo), f(ahi, bhi)), nil
	}
}

func compare(f func(x, y *uint256.Int) bool) binaryOperatorFunc {
	return func(_ *Runtime, k bytecode.Kind, a, b value.Entry) (value.Entry, error) {
		return value.Bool(f(toWord(k, a), toWord(k, b))), nil
	}
}

func logical(f func(x, y bool) bool) binaryOperatorFunc {
	return func(_ *Runtime, _ bytecode.Kind, a, b value.Entry) (value.Entry, error) {
		return value.Bool(f(a.IsTrue(), b.IsTrue())), nil
	}
}

func dataBitwise(f func(x, y byte) byte) binaryOperatorFunc {
	return func(r *Runtime, _ bytecode.Kind, a, b value.Entry) (value.Entry, error) {
		x, y := a.Data(), b.Data()
		if len(x) != len(y) {
			return value.Entry{}, failure.Wrapf(failure.ErrTypeMismatch, "data of %d and %d bytes", len(x), len(y))
		}

		out, err := r.heap.Bytes(len(x))
		if err != nil {
			return value.Entry{}, err
		}
		for i := range out {
			out[i] = f(x[i], y[i])
		}
		return value.Bytes(out), nil
	}
}

func dataCompare(f func(c int) bool) binaryOperatorFunc {
	return func(_ *Runtime, _ bytecode.Kind, a, b value.Entry) (value.Entry, error) {
		return value.Bool(f(bytes.Compare(a.Data(), b.Data()))), nil
	}
}

// convert checks that e, read as kind from, is representable as kind to.
func convert(from, to bytecode.Kind, e value.Entry) (value.Entry, error) {
	_, hi := e.Wide()
	negative := hi>>63 == 1

	switch {
	case !from.IsSigned() && negative && to.IsSigned():
		return value.Entry{}, failure.Wrapf(failure.ErrConversion, "%s to %s", from, to)
	case from.IsSigned() && negative && !to.IsSigned():
		return value.Entry{}, failure.Wrapf(failure.ErrConversion, "%s to %s", from, to)
	case !value.Fits(e, to.Width(), to.IsSigned()):
		return value.Entry{}, failure.Wrapf(failure.ErrConversion, "%s to %s", from, to)
	}
	return e, nil
}
