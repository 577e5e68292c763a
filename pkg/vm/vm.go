// Package vm implements the interpreter for transaction descriptors.
//
// The interpreter is a single dispatch loop over three bounded stacks: the
// value stack, the frame stack and a return stack used to move results
// across frame boundaries. Calls never recurse on the host stack, so the
// descriptor's frame limit bounds all nesting.
package vm

import (
	"context"
	"log/slog"

	"github.com/rhino1998/sanskrit/pkg/arena"
	"github.com/rhino1998/sanskrit/pkg/bytecode"
	"github.com/rhino1998/sanskrit/pkg/extern"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/value"
)

// FrameSize is the virtual size charged per frame stack slot.
const FrameSize = 16

const DefaultReturnStackSize = 256

type Config struct {
	ReturnStackSize int
	MaxDepth        int
}

type frameKind uint8

const (
	frameLet frameKind = iota
	frameCall
	frameTry
	frameRepeat
)

// frame saves the caller's registers while a nested expression runs. mark is
// the value stack height at which the nested activation began.
type frame struct {
	kind frameKind

	exp     *bytecode.Exp
	pc      int
	base    int
	results int

	mark      int
	op        bytecode.Op
	remaining int
}

type Runtime struct {
	logger  *slog.Logger
	desc    *bytecode.Descriptor
	externs extern.Funcs
	heap    *arena.Arena
	cfg     Config

	values  *arena.Stack[value.Entry]
	frames  *arena.Stack[frame]
	returns *arena.Stack[value.Entry]

	debug bool

	exp     *bytecode.Exp
	pc      int
	base    int
	results int
}

// New prepares a runtime for desc. The stacks are reserved from stacks;
// values created while running are allocated from heap.
func New(logger *slog.Logger, desc *bytecode.Descriptor, externs extern.Funcs, stacks, heap *arena.Arena, cfg Config) (*Runtime, error) {
	if cfg.ReturnStackSize <= 0 {
		cfg.ReturnStackSize = DefaultReturnStackSize
	}

	values, err := arena.NewStack[value.Entry](stacks, int(desc.MaxStack), value.EntrySize)
	if err != nil {
		return nil, err
	}

	frames, err := arena.NewStack[frame](stacks, int(desc.MaxFrames), FrameSize)
	if err != nil {
		return nil, err
	}

	returns, err := arena.NewStack[value.Entry](stacks, cfg.ReturnStackSize, value.EntrySize)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		logger:  logger,
		desc:    desc,
		externs: externs,
		heap:    heap,
		cfg:     cfg,
		values:  values,
		frames:  frames,
		returns: returns,
	}, nil
}

// Push places a parameter on the value stack before Run.
func (r *Runtime) Push(e value.Entry) error {
	return r.values.Push(e)
}

// Run executes the root function on the pushed parameters and returns its
// results. The returned slice is only valid until the stacks are released.
func (r *Runtime) Run(ctx context.Context) ([]value.Entry, error) {
	root, err := r.desc.RootExp()
	if err != nil {
		return nil, failure.Wrapf(failure.ErrInvalidDescriptor, "%v", err)
	}

	if r.values.Len() != int(root.Params) {
		return nil, failure.Wrapf(failure.ErrArity, "root takes %d params, %d pushed", root.Params, r.values.Len())
	}

	r.debug = r.logger.Enabled(ctx, slog.LevelDebug)
	r.exp = root
	r.pc = 0
	r.base = 0
	r.results = int(root.Results)

	for r.exp != nil {
		if r.pc >= len(r.exp.Ops) {
			err = r.finish(ctx)
		} else {
			op := r.exp.Ops[r.pc]
			r.pc++

			if r.debug {
				r.logger.Debug("step",
					slog.String("op", op.String()),
					slog.Int("pc", r.pc-1),
					slog.Int("stack", r.values.Len()),
					slog.Int("frames", r.frames.Len()),
				)
			}

			err = r.step(ctx, op)
		}

		if err != nil {
			if !failure.IsRollback(err) {
				return nil, err
			}
			if err := r.rollback(err); err != nil {
				return nil, err
			}
		}
	}

	return r.values.AsSlice(), nil
}

// enter starts exp in a new activation whose frame begins at base.
func (r *Runtime) enter(kind frameKind, exp *bytecode.Exp, base int, op bytecode.Op, remaining int) error {
	if r.frames.Len() == r.frames.Cap() {
		return failure.Wrapf(failure.ErrFrameOverflow, "%d frames", r.frames.Cap())
	}

	err := r.frames.Push(frame{
		kind:      kind,
		exp:       r.exp,
		pc:        r.pc,
		base:      r.base,
		results:   r.results,
		mark:      base,
		op:        op,
		remaining: remaining,
	})
	if err != nil {
		return err
	}

	r.exp = exp
	r.pc = 0
	r.base = base
	r.results = int(exp.Results)
	return nil
}

// collapse moves the top n entries down to base, discarding the entries
// between.
func (r *Runtime) collapse(base, n int) error {
	if n > r.returns.Cap() {
		return failure.Wrapf(failure.ErrReturnOverflow, "%d results, capacity %d", n, r.returns.Cap())
	}
	if r.values.Len()-n < base {
		return failure.Wrapf(failure.ErrStackUnderflow, "%d results above frame base %d", n, base)
	}

	if err := r.returns.TransferFrom(r.values, n); err != nil {
		return err
	}
	if err := r.values.RewindTo(base); err != nil {
		return err
	}
	return r.values.TransferFrom(r.returns, n)
}

// finish completes the current expression and resumes its caller.
func (r *Runtime) finish(ctx context.Context) error {
	if err := r.collapse(r.base, r.results); err != nil {
		return err
	}

	if r.frames.Len() == 0 {
		r.exp = nil
		return nil
	}

	f, err := r.frames.Pop()
	if err != nil {
		return err
	}

	r.exp, r.pc, r.base, r.results = f.exp, f.pc, f.base, f.results

	switch f.kind {
	case frameTry:
		try := f.op.(bytecode.Try)
		return r.enter(frameCall, try.Success, f.mark, nil, 0)
	case frameRepeat:
		return r.repeat(ctx, f.op.(bytecode.RepeatedInvoke), f.mark, f.remaining)
	default:
		return nil
	}
}

// rollback unwinds to the innermost Try whose body is running and starts
// its failure handler. Without one the rollback fails the transaction.
func (r *Runtime) rollback(cause error) error {
	frames := r.frames.AsSlice()
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if f.kind != frameTry {
			continue
		}

		if r.debug {
			r.logger.Debug("rollback caught", slog.Int("frame", i), slog.Any("cause", cause))
		}

		if err := r.values.RewindTo(f.mark); err != nil {
			return err
		}
		if err := r.frames.RewindTo(i); err != nil {
			return err
		}

		r.exp, r.pc, r.base, r.results = f.exp, f.pc, f.base, f.results

		try := f.op.(bytecode.Try)
		return r.enter(frameCall, try.Failure, f.mark, nil, 0)
	}

	return cause
}

func (r *Runtime) peek(ref bytecode.Ref) (value.Entry, error) {
	return r.values.Peek(int(ref))
}

// pushRefs pushes copies of the referenced entries. All refs are resolved
// against the stack as it was before the first push.
func (r *Runtime) pushRefs(refs []bytecode.Ref) error {
	top := r.values.Len()
	for _, ref := range refs {
		e, err := r.values.Get(top - 1 - int(ref))
		if err != nil {
			return err
		}
		if err := r.values.Push(e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) gather(refs []bytecode.Ref) ([]value.Entry, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	out, err := arena.Slice[value.Entry](r.heap, len(refs), value.EntrySize)
	if err != nil {
		return nil, err
	}

	for i, ref := range refs {
		out[i], err = r.peek(ref)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Runtime) function(idx uint16) (bytecode.Function, error) {
	if int(idx) >= len(r.desc.Functions) {
		return nil, failure.Wrapf(failure.ErrRefOutOfRange, "function %d of %d", idx, len(r.desc.Functions))
	}
	return r.desc.Functions[idx], nil
}

// call invokes fn on the top params entries, which start at mark.
func (r *Runtime) call(ctx context.Context, fn bytecode.Function, mark int, tail bool) error {
	switch fn := fn.(type) {
	case *bytecode.Exp:
		if !tail {
			return r.enter(frameCall, fn, mark, nil, 0)
		}

		if err := r.collapse(r.base, r.values.Len()-mark); err != nil {
			return err
		}
		r.exp = fn
		r.pc = 0
		return nil
	case bytecode.External:
		return r.callExternal(ctx, fn, mark)
	default:
		return failure.Wrapf(failure.ErrInvalidDescriptor, "unknown function %T", fn)
	}
}

func (r *Runtime) callExternal(ctx context.Context, fn bytecode.External, mark int) error {
	entry, err := r.externs.Lookup(fn.Module, fn.ID)
	if err != nil {
		return err
	}

	if entry.Params != fn.Params || entry.Results != fn.Results || entry.Typed != (fn.Schema != nil) {
		return failure.Wrapf(failure.ErrArity, "%s does not match the registered host function", fn)
	}

	args := r.values.AsSlice()[mark:]
	if len(args) != int(fn.Params) {
		return failure.Wrapf(failure.ErrArity, "%s takes %d, given %d", fn, fn.Params, len(args))
	}

	out, err := entry.Func(ctx, &extern.Call{
		Args:   args,
		Schema: fn.Schema,
		Arena:  r.heap,
	})
	if err != nil {
		return err
	}

	if len(out) != int(fn.Results) {
		return failure.Wrapf(failure.ErrArity, "%s returned %d of %d", fn, len(out), fn.Results)
	}

	if err := r.values.RewindTo(mark); err != nil {
		return err
	}
	for _, e := range out {
		if err := r.values.Push(e); err != nil {
			return err
		}
	}
	return nil
}

// repeat continues a RepeatedInvoke whose state starts at mark.
func (r *Runtime) repeat(ctx context.Context, op bytecode.RepeatedInvoke, mark, remaining int) error {
	fn, err := r.function(op.Func)
	if err != nil {
		return err
	}

	for ; remaining > 0; remaining-- {
		ctr, err := r.values.Get(mark + int(op.Ctr))
		if err != nil {
			return err
		}
		if ctr.Tag() != op.Tag {
			return nil
		}

		switch fn := fn.(type) {
		case *bytecode.Exp:
			return r.enter(frameRepeat, fn, mark, op, remaining-1)
		case bytecode.External:
			if err := r.callExternal(ctx, fn, mark); err != nil {
				return err
			}
		}
	}

	return nil
}

func (r *Runtime) step(ctx context.Context, op bytecode.Op) error {
	switch op := op.(type) {
	case bytecode.Lit:
		e, err := value.Decode(op.Schema, op.Data, r.heap, r.cfg.MaxDepth)
		if err != nil {
			return err
		}
		return r.values.Push(e)
	case bytecode.SpecialLit:
		e, err := r.specialLit(op)
		if err != nil {
			return err
		}
		return r.values.Push(e)
	case bytecode.Let:
		return r.enter(frameLet, op.Exp, r.values.Len(), nil, 0)
	case bytecode.Copy:
		return r.pushRefs([]bytecode.Ref{op.Ref})
	case bytecode.Id:
		return r.pushRefs([]bytecode.Ref{op.Ref})
	case bytecode.Pack:
		fields, err := r.gather(op.Refs)
		if err != nil {
			return err
		}
		return r.values.Push(value.Tagged(op.Tag, fields))
	case bytecode.Unpack:
		e, err := r.peek(op.Ref)
		if err != nil {
			return err
		}
		if len(e.Fields()) != int(op.Fields) {
			return failure.Wrapf(failure.ErrTagMismatch, "unpack of %d fields, value has %d", op.Fields, len(e.Fields()))
		}
		for _, f := range e.Fields() {
			if err := r.values.Push(f); err != nil {
				return err
			}
		}
		return nil
	case bytecode.Get:
		e, err := r.peek(op.Ref)
		if err != nil {
			return err
		}
		if int(op.Field) >= len(e.Fields()) {
			return failure.Wrapf(failure.ErrFieldOutOfRange, "field %d of %d", op.Field, len(e.Fields()))
		}
		return r.values.Push(e.Fields()[op.Field])
	case bytecode.Switch:
		e, err := r.peek(op.Ref)
		if err != nil {
			return err
		}
		tag := int(e.Tag())
		if tag >= len(op.Branches) {
			return failure.Wrapf(failure.ErrTagMismatch, "tag %d of %d branches", tag, len(op.Branches))
		}
		branch := op.Branches[tag]
		if len(e.Fields()) != int(branch.Params) {
			return failure.Wrapf(failure.ErrTagMismatch, "branch %d takes %d fields, value has %d", tag, branch.Params, len(e.Fields()))
		}

		mark := r.values.Len()
		for _, f := range e.Fields() {
			if err := r.values.Push(f); err != nil {
				return err
			}
		}
		return r.enter(frameLet, branch, mark, nil, 0)
	case bytecode.Invoke:
		fn, err := r.function(op.Func)
		if err != nil {
			return err
		}
		mark := r.values.Len()
		if err := r.pushRefs(op.Refs); err != nil {
			return err
		}
		return r.call(ctx, fn, mark, op.Tail)
	case bytecode.RepeatedInvoke:
		mark := r.values.Len()
		if err := r.pushRefs(op.Refs); err != nil {
			return err
		}
		return r.repeat(ctx, op, mark, int(op.Count))
	case bytecode.Try:
		return r.enter(frameTry, op.Body, r.values.Len(), op, 0)
	case bytecode.Rollback:
		return failure.ErrRollback
	case bytecode.Return:
		if err := r.pushRefs(op.Refs); err != nil {
			return err
		}
		r.pc = len(r.exp.Ops)
		return nil
	case bytecode.CreateSig:
		if _, err := r.function(op.Func); err != nil {
			return err
		}
		captures, err := r.gather(op.Refs)
		if err != nil {
			return err
		}
		return r.values.Push(value.Closure(op.Func, captures))
	case bytecode.InvokeSig:
		sig, err := r.peek(op.Ref)
		if err != nil {
			return err
		}
		fn, err := r.function(sig.Func())
		if err != nil {
			return err
		}
		params, results := fn.Arity()
		if int(params) != len(sig.Fields())+len(op.Refs) || results != op.Results {
			return failure.Wrapf(failure.ErrArity, "signature f%d is (%d) -> %d, called with %d captures and %d args for %d results",
				sig.Func(), params, results, len(sig.Fields()), len(op.Refs), op.Results)
		}

		mark := r.values.Len()
		for _, c := range sig.Fields() {
			if err := r.values.Push(c); err != nil {
				return err
			}
		}
		for _, ref := range op.Refs {
			e, err := r.values.Get(mark - 1 - int(ref))
			if err != nil {
				return err
			}
			if err := r.values.Push(e); err != nil {
				return err
			}
		}
		return r.call(ctx, fn, mark, false)
	case bytecode.Binary:
		a, err := r.peek(op.A)
		if err != nil {
			return err
		}
		b, err := r.peek(op.B)
		if err != nil {
			return err
		}
		res, err := binaryOp(r, op.Op, op.Kind, a, b)
		if err != nil {
			return err
		}
		return r.values.Push(res)
	case bytecode.Unary:
		a, err := r.peek(op.A)
		if err != nil {
			return err
		}
		res, err := unaryOp(r, op.Op, op.Kind, a)
		if err != nil {
			return err
		}
		return r.values.Push(res)
	case bytecode.ToData:
		e, err := r.peek(op.Ref)
		if err != nil {
			return err
		}
		raw, err := value.Encode(op.Kind.Schema(), e)
		if err != nil {
			return err
		}
		out, err := r.heap.CopyBytes(raw)
		if err != nil {
			return err
		}
		return r.values.Push(value.Bytes(out))
	case bytecode.FromData:
		e, err := r.peek(op.Ref)
		if err != nil {
			return err
		}
		if len(e.Data()) != int(op.Kind.Width()) {
			return failure.Wrapf(failure.ErrConversion, "%d bytes to %s", len(e.Data()), op.Kind)
		}
		res, err := value.Decode(op.Kind.Schema(), e.Data(), r.heap, r.cfg.MaxDepth)
		if err != nil {
			return err
		}
		return r.values.Push(res)
	case bytecode.Convert:
		e, err := r.peek(op.Ref)
		if err != nil {
			return err
		}
		res, err := convert(op.From, op.To, e)
		if err != nil {
			return err
		}
		return r.values.Push(res)
	case bytecode.Hash:
		e, err := r.peek(op.Ref)
		if err != nil {
			return err
		}
		h, err := extern.HashValue(op.Schema, e)
		if err != nil {
			return err
		}
		out, err := r.heap.CopyBytes(h[:])
		if err != nil {
			return err
		}
		return r.values.Push(value.Bytes(out))
	case bytecode.Serialize:
		e, err := r.peek(op.Ref)
		if err != nil {
			return err
		}
		raw, err := value.Encode(op.Schema, e)
		if err != nil {
			return err
		}
		out, err := r.heap.CopyBytes(raw)
		if err != nil {
			return err
		}
		return r.values.Push(value.Bytes(out))
	default:
		return failure.Wrapf(failure.ErrInvalidDescriptor, "unknown opcode %T", op)
	}
}

func (r *Runtime) specialLit(op bytecode.SpecialLit) (value.Entry, error) {
	switch {
	case op.Kind.IsInt():
		return value.Decode(op.Kind.Schema(), op.Data, r.heap, r.cfg.MaxDepth)
	case op.Kind == bytecode.Data:
		out, err := r.heap.CopyBytes(op.Data)
		if err != nil {
			return value.Entry{}, err
		}
		return value.Bytes(out), nil
	case op.Kind == bytecode.Bool:
		if len(op.Data) != 1 {
			return value.Entry{}, failure.Wrapf(failure.ErrMalformed, "bool literal of %d bytes", len(op.Data))
		}
		return value.Bool(op.Data[0] == 1), nil
	default:
		return value.Entry{}, failure.Wrapf(failure.ErrUnsupportedKind, "literal of kind %d", op.Kind)
	}
}
