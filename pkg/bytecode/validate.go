package bytecode

import (
	"fmt"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/value"
)

// Validate checks the structure of a descriptor: function indices, the
// arity of every call, that refs stay inside the visible stack, literal
// encodings and the result counts of nested expressions.
func Validate(d *Descriptor, maxDepth int) error {
	root, err := d.RootExp()
	if err != nil {
		return failure.Wrapf(failure.ErrInvalidDescriptor, "%v", err)
	}

	if int(root.Params) != len(d.Params) || int(root.Results) != len(d.Returns) {
		return failure.Wrapf(failure.ErrArity, "root takes %d and returns %d, descriptor declares %d and %d",
			root.Params, root.Results, len(d.Params), len(d.Returns))
	}

	v := validator{d: d, maxDepth: maxDepth}
	for i, f := range d.Functions {
		switch f := f.(type) {
		case *Exp:
			if err := v.exp(f, 0, 0); err != nil {
				return fmt.Errorf("function %d: %w", i, err)
			}
		case External:
			if f.Schema != nil && f.Params == 0 {
				return failure.Wrapf(failure.ErrInvalidDescriptor, "function %d: typed external without params", i)
			}
		}
	}

	return nil
}

type validator struct {
	d        *Descriptor
	maxDepth int
}

func (v *validator) refs(refs []Ref, height int) error {
	for _, r := range refs {
		if int(r) >= height {
			return failure.Wrapf(failure.ErrRefOutOfRange, "%v with %d visible", r, height)
		}
	}
	return nil
}

func (v *validator) function(idx uint16) (Function, error) {
	if int(idx) >= len(v.d.Functions) {
		return nil, failure.Wrapf(failure.ErrRefOutOfRange, "function %d of %d", idx, len(v.d.Functions))
	}
	return v.d.Functions[idx], nil
}

func (v *validator) literal(s value.Schema, data []byte) error {
	if s == nil {
		return failure.Wrapf(failure.ErrMalformed, "literal without schema")
	}
	_, err := value.RuntimeSize(s, data, v.maxDepth)
	return err
}

// exp checks e given outer entries visible below its frame. depth bounds the
// nesting of expressions.
func (v *validator) exp(e *Exp, outer, depth int) error {
	if e == nil {
		return failure.Wrapf(failure.ErrMalformed, "missing expression")
	}

	depth++
	if v.maxDepth > 0 && depth > v.maxDepth {
		return failure.Wrapf(failure.ErrTooDeep, "expression nesting %d", depth)
	}

	local := int(e.Params)
	for i, op := range e.Ops {
		height := outer + local
		last := i == len(e.Ops)-1

		push, err := v.op(e, op, height, last, depth)
		if err != nil {
			return err
		}
		local += push
	}

	if local < int(e.Results) {
		return failure.Wrapf(failure.ErrArity, "expression leaves %d of %d results", local, e.Results)
	}

	return nil
}

// op validates one opcode and returns how many entries it pushes.
func (v *validator) op(e *Exp, op Op, height int, last bool, depth int) (int, error) {
	switch op := op.(type) {
	case Lit:
		return 1, v.literal(op.Schema, op.Data)
	case SpecialLit:
		switch {
		case op.Kind.IsInt():
			if len(op.Data) != int(op.Kind.Width()) {
				return 0, failure.Wrapf(failure.ErrMalformed, "%s literal of %d bytes", op.Kind, len(op.Data))
			}
		case op.Kind == Bool:
			if len(op.Data) != 1 || op.Data[0] > 1 {
				return 0, failure.Wrapf(failure.ErrMalformed, "bool literal 0x%X", op.Data)
			}
		case op.Kind != Data:
			return 0, failure.Wrapf(failure.ErrUnsupportedKind, "literal of kind %d", op.Kind)
		}
		return 1, nil
	case Let:
		if op.Exp == nil || op.Exp.Params != 0 {
			return 0, failure.Wrapf(failure.ErrArity, "let expression takes no params")
		}
		return int(op.Exp.Results), v.exp(op.Exp, height, depth)
	case Copy:
		return 1, v.refs([]Ref{op.Ref}, height)
	case Id:
		return 1, v.refs([]Ref{op.Ref}, height)
	case Pack:
		return 1, v.refs(op.Refs, height)
	case Unpack:
		return int(op.Fields), v.refs([]Ref{op.Ref}, height)
	case Get:
		return 1, v.refs([]Ref{op.Ref}, height)
	case Switch:
		if err := v.refs([]Ref{op.Ref}, height); err != nil {
			return 0, err
		}
		if len(op.Branches) == 0 {
			return 0, failure.Wrapf(failure.ErrArity, "switch without branches")
		}
		results := -1
		for _, b := range op.Branches {
			if b == nil {
				return 0, failure.Wrapf(failure.ErrMalformed, "missing branch")
			}
			if results >= 0 && int(b.Results) != results {
				return 0, failure.Wrapf(failure.ErrArity, "branches return %d and %d", results, b.Results)
			}
			results = int(b.Results)
			if err := v.exp(b, height, depth); err != nil {
				return 0, err
			}
		}
		return results, nil
	case Invoke:
		if err := v.refs(op.Refs, height); err != nil {
			return 0, err
		}
		f, err := v.function(op.Func)
		if err != nil {
			return 0, err
		}
		params, results := f.Arity()
		if int(params) != len(op.Refs) {
			return 0, failure.Wrapf(failure.ErrArity, "f%d takes %d, given %d", op.Func, params, len(op.Refs))
		}
		if op.Tail {
			if !last {
				return 0, failure.Wrapf(failure.ErrMalformed, "tail invoke before the end of an expression")
			}
			if results != e.Results {
				return 0, failure.Wrapf(failure.ErrArity, "tail invoke of f%d returns %d, expression returns %d", op.Func, results, e.Results)
			}
		}
		return int(results), nil
	case RepeatedInvoke:
		if err := v.refs(op.Refs, height); err != nil {
			return 0, err
		}
		f, err := v.function(op.Func)
		if err != nil {
			return 0, err
		}
		params, results := f.Arity()
		if int(params) != len(op.Refs) || int(results) != len(op.Refs) {
			return 0, failure.Wrapf(failure.ErrArity, "repeated f%d must map %d entries to %d", op.Func, len(op.Refs), len(op.Refs))
		}
		if int(op.Ctr) >= len(op.Refs) {
			return 0, failure.Wrapf(failure.ErrRefOutOfRange, "loop counter %d of %d", op.Ctr, len(op.Refs))
		}
		return len(op.Refs), nil
	case Try:
		if op.Body == nil || op.Success == nil || op.Failure == nil {
			return 0, failure.Wrapf(failure.ErrMalformed, "incomplete try")
		}
		if op.Body.Params != 0 || op.Failure.Params != 0 || op.Success.Params != op.Body.Results {
			return 0, failure.Wrapf(failure.ErrArity, "try handlers do not match the body")
		}
		if op.Success.Results != op.Failure.Results {
			return 0, failure.Wrapf(failure.ErrArity, "try handlers return %d and %d", op.Success.Results, op.Failure.Results)
		}
		for _, sub := range []*Exp{op.Body, op.Success, op.Failure} {
			if err := v.exp(sub, height, depth); err != nil {
				return 0, err
			}
		}
		return int(op.Success.Results), nil
	case Rollback:
		if !last {
			return 0, failure.Wrapf(failure.ErrMalformed, "rollback before the end of an expression")
		}
		// Never completes; count as producing the results.
		return int(e.Results), nil
	case Return:
		if !last {
			return 0, failure.Wrapf(failure.ErrMalformed, "return before the end of an expression")
		}
		if len(op.Refs) != int(e.Results) {
			return 0, failure.Wrapf(failure.ErrArity, "return of %d, expression returns %d", len(op.Refs), e.Results)
		}
		return len(op.Refs), v.refs(op.Refs, height)
	case CreateSig:
		if err := v.refs(op.Refs, height); err != nil {
			return 0, err
		}
		f, err := v.function(op.Func)
		if err != nil {
			return 0, err
		}
		if params, _ := f.Arity(); len(op.Refs) > int(params) {
			return 0, failure.Wrapf(failure.ErrArity, "f%d takes %d, captures %d", op.Func, params, len(op.Refs))
		}
		return 1, nil
	case InvokeSig:
		return int(op.Results), v.refs(append([]Ref{op.Ref}, op.Refs...), height)
	case Binary:
		if !op.Kind.Valid() || !op.Op.IsBinary() || !op.Op.Supports(op.Kind) {
			return 0, failure.Wrapf(failure.ErrUnsupportedKind, "%s on %s", op.Op, op.Kind)
		}
		return 1, v.refs([]Ref{op.A, op.B}, height)
	case Unary:
		if !op.Kind.Valid() || !op.Op.IsUnary() || !op.Op.Supports(op.Kind) {
			return 0, failure.Wrapf(failure.ErrUnsupportedKind, "%s on %s", op.Op, op.Kind)
		}
		return 1, v.refs([]Ref{op.A}, height)
	case ToData:
		if !op.Kind.IsInt() {
			return 0, failure.Wrapf(failure.ErrUnsupportedKind, "to data of %s", op.Kind)
		}
		return 1, v.refs([]Ref{op.Ref}, height)
	case FromData:
		if !op.Kind.IsInt() {
			return 0, failure.Wrapf(failure.ErrUnsupportedKind, "from data to %s", op.Kind)
		}
		return 1, v.refs([]Ref{op.Ref}, height)
	case Convert:
		if !op.From.IsInt() || !op.To.IsInt() {
			return 0, failure.Wrapf(failure.ErrUnsupportedKind, "convert %s to %s", op.From, op.To)
		}
		return 1, v.refs([]Ref{op.Ref}, height)
	case Hash:
		if op.Schema == nil {
			return 0, failure.Wrapf(failure.ErrMalformed, "hash without schema")
		}
		return 1, v.refs([]Ref{op.Ref}, height)
	case Serialize:
		if op.Schema == nil {
			return 0, failure.Wrapf(failure.ErrMalformed, "serialize without schema")
		}
		return 1, v.refs([]Ref{op.Ref}, height)
	default:
		return 0, failure.Wrapf(failure.ErrMalformed, "unknown opcode %T", op)
	}
}
