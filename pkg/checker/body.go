package checker

import (
	"fmt"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/linear"
	"github.com/rhino1998/sanskrit/pkg/module"
	"github.com/rhino1998/sanskrit/pkg/types"
)

// body simulates typed code over a linear stack of resolved types.
type body struct {
	s             *scope
	stack         *linear.Stack[*types.Type]
	transactional bool
}

func sameType(a, b *types.Type) bool {
	return a == b
}

func (s *scope) checkBody(params []param, returns []*types.Type, transactional bool, blk *module.Block) error {
	b := &body{
		s:             s,
		stack:         linear.New[*types.Type](),
		transactional: transactional,
	}

	for _, p := range params {
		b.stack.Provide(p.typ)
		if !p.consumes {
			if err := b.stack.Pin(0); err != nil {
				return err
			}
		}
	}

	base := len(params)
	diverges, err := b.block(blk, base)
	if err != nil {
		return err
	}
	if diverges {
		return nil
	}

	if b.stack.Len() != base+len(returns) {
		return failure.Wrapf(failure.ErrArity, "body returns %d values, expected %d", b.stack.Len()-base, len(returns))
	}
	for i, r := range returns {
		if got := b.stack.At(base + i).Value; got != r {
			return failure.Wrapf(failure.ErrTypeMismatch, "return %d is %s, expected %s", i, got, r)
		}
	}

	for i, p := range params {
		if p.consumes && !b.stack.At(i).Status.Consumed {
			return failure.Wrapf(failure.ErrLinearity, "param %d is not consumed", i)
		}
	}

	return nil
}

// block checks a block whose frame starts at base. It reports whether the
// block rolls back instead of returning.
func (b *body) block(blk *module.Block, base int) (bool, error) {
	if blk == nil || len(blk.Ops) == 0 {
		return false, failure.Wrapf(failure.ErrTypeMismatch, "empty block")
	}

	for i, op := range blk.Ops {
		done, diverges, err := b.op(op, base)
		if err != nil {
			return false, fmt.Errorf("op %d (%v): %w", i, op, err)
		}

		if done || diverges {
			if i != len(blk.Ops)-1 {
				return false, failure.Wrapf(failure.ErrTypeMismatch, "op %d: unreachable ops follow", i)
			}
			return diverges, nil
		}
	}

	return false, failure.Wrapf(failure.ErrTypeMismatch, "block does not end in return or rollback")
}

func (b *body) value(ref module.Ref) (*types.Type, error) {
	e, err := b.stack.Get(uint16(ref))
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

func (b *body) hasCaps(t *types.Type, want types.CapSet) error {
	caps, err := b.s.caps(t)
	if err != nil {
		return err
	}
	if !caps.Has(want) {
		return failure.Wrapf(failure.ErrCapabilityMissing, "%s has %s, needs %s", t, caps, want)
	}
	return nil
}

func (b *body) typePerm(idx uint8, want types.PermSet, t *types.Type) error {
	p, err := b.s.perm(idx, want)
	if err != nil {
		return err
	}
	if p.typ != t {
		return failure.Wrapf(failure.ErrPermissionMissing, "permission %d does not cover %s", idx, t)
	}
	return nil
}

func (b *body) callablePerm(idx uint8, o order) (*callable, error) {
	p, err := b.s.perm(idx, types.Call)
	if err != nil {
		return nil, err
	}
	if p.callable == nil || p.callable.info.pos.order != o {
		return nil, failure.Wrapf(failure.ErrPermissionMissing, "permission %d is not a %s call", idx, o)
	}
	return p.callable, nil
}

func (b *body) projections(ts []*types.Type) []*types.Type {
	out := make([]*types.Type, len(ts))
	for i, t := range ts {
		out[i] = b.s.l.types.Projection(t)
	}
	return out
}

// inputs matches refs against a callee's params.
func (b *body) inputs(params []param, refs []module.Ref) ([]linear.Input, error) {
	if len(refs) != len(params) {
		return nil, failure.Wrapf(failure.ErrArity, "%d arguments for %d params", len(refs), len(params))
	}

	inputs := make([]linear.Input, len(refs))
	for i, ref := range refs {
		t, err := b.value(ref)
		if err != nil {
			return nil, err
		}
		if t != params[i].typ {
			return nil, failure.Wrapf(failure.ErrTypeMismatch, "argument %d is %s, expected %s", i, t, params[i].typ)
		}
		inputs[i] = linear.Input{Ref: uint16(ref), Consume: params[i].consumes}
	}
	return inputs, nil
}

// outputs makes every projection result borrow the inputs the call did not
// consume.
func outputs(returns []*types.Type, inputs []linear.Input) []linear.Output[*types.Type] {
	var reads []int
	for i, in := range inputs {
		if !in.Consume {
			reads = append(reads, i)
		}
	}

	outs := make([]linear.Output[*types.Type], len(returns))
	for i, r := range returns {
		outs[i] = linear.Output[*types.Type]{Value: r}
		if r.Kind == types.KindProjection {
			outs[i].Borrows = reads
		}
	}
	return outs
}

func owned(ts []*types.Type) []linear.Output[*types.Type] {
	outs := make([]linear.Output[*types.Type], len(ts))
	for i, t := range ts {
		outs[i] = linear.Output[*types.Type]{Value: t}
	}
	return outs
}

type branch struct {
	stack *linear.Stack[*types.Type]
	base  int
	block *module.Block
}

// merge checks branches and adopts their common result. It reports whether
// every branch rolls back.
func (b *body) merge(branches []branch) (bool, error) {
	var merged *linear.Stack[*types.Type]
	for i, br := range branches {
		sub := &body{s: b.s, stack: br.stack, transactional: b.transactional}
		diverges, err := sub.block(br.block, br.base)
		if err != nil {
			return false, fmt.Errorf("branch %d: %w", i, err)
		}
		if diverges {
			continue
		}

		if merged == nil {
			merged = br.stack
		} else if !merged.Compatible(br.stack, sameType) {
			return false, failure.Wrapf(failure.ErrTypeMismatch, "branch %d leaves an incompatible stack", i)
		}
	}

	if merged == nil {
		return true, nil
	}

	b.stack.Replace(merged)
	return false, nil
}

func (b *body) op(op module.Op, base int) (done, diverges bool, err error) {
	st := b.stack

	switch op := op.(type) {
	case module.Return:
		refs := make([]uint16, len(op.Refs))
		for i, r := range op.Refs {
			refs[i] = uint16(r)
		}
		return true, false, st.Ret(base, refs)

	case module.Rollback:
		if !b.transactional {
			return false, false, failure.Wrapf(failure.ErrPermissionMissing, "rollback outside a transactional function")
		}
		st.Discard(base)
		return false, true, nil

	case module.Let:
		diverges, err := b.block(op.Block, st.Len())
		return false, diverges, err

	case module.Lit:
		p, err := b.s.perm(op.Perm, types.Create)
		if err != nil {
			return false, false, err
		}
		if p.typ == nil || p.typ.Kind != types.KindLit {
			return false, false, failure.Wrapf(failure.ErrTypeMismatch, "literal of non-literal type")
		}
		if len(op.Data) != int(p.typ.Size) {
			return false, false, failure.Wrapf(failure.ErrTypeMismatch, "literal of %d bytes for %s", len(op.Data), p.typ)
		}
		st.Provide(p.typ)

	case module.Copy:
		t, err := b.value(op.Ref)
		if err != nil {
			return false, false, err
		}
		if err := b.hasCaps(t, types.Copy); err != nil {
			return false, false, err
		}
		return false, false, st.CopyFetch(uint16(op.Ref))

	case module.Move:
		t, err := b.value(op.Ref)
		if err != nil {
			return false, false, err
		}
		if err := st.Consume(uint16(op.Ref)); err != nil {
			return false, false, err
		}
		st.Provide(t)

	case module.Borrow:
		t, err := b.value(op.Ref)
		if err != nil {
			return false, false, err
		}
		return false, false, st.BorrowFetch(uint16(op.Ref), b.s.l.types.Projection(t))

	case module.Discard:
		borrow, err := st.IsBorrow(uint16(op.Ref))
		if err != nil {
			return false, false, err
		}
		if borrow {
			return false, false, st.Free(uint16(op.Ref))
		}
		t, err := b.value(op.Ref)
		if err != nil {
			return false, false, err
		}
		if err := b.hasCaps(t, types.Drop); err != nil {
			return false, false, err
		}
		return false, false, st.Drop(uint16(op.Ref))

	case module.Pack:
		return false, false, b.pack(op)

	case module.Unpack:
		return false, false, b.unpack(op)

	case module.Field:
		return false, false, b.field(op)

	case module.Switch:
		diverges, err := b.branchOn(op)
		return false, diverges, err

	case module.Invoke:
		c, err := b.callablePerm(op.Perm, orderFunction)
		if err != nil {
			return false, false, err
		}
		if c.info.transactional && !b.transactional {
			return false, false, failure.Wrapf(failure.ErrPermissionMissing, "transactional function invoked without try")
		}
		inputs, err := b.inputs(c.params, op.Refs)
		if err != nil {
			return false, false, err
		}
		return false, false, st.Apply(inputs, outputs(c.returns, inputs))

	case module.TryInvoke:
		diverges, err := b.tryInvoke(op)
		return false, diverges, err

	case module.CreateSig:
		c, err := b.callablePerm(op.Perm, orderImpl)
		if err != nil {
			return false, false, err
		}
		captured := make([]param, len(c.info.captures))
		for i, idx := range c.info.captures {
			captured[i] = param{typ: c.params[idx].typ, consumes: true}
		}
		inputs, err := b.inputs(captured, op.Refs)
		if err != nil {
			return false, false, err
		}
		return false, false, st.Apply(inputs, owned([]*types.Type{c.sig}))

	case module.InvokeSig:
		p, err := b.s.perm(op.Perm, types.Call)
		if err != nil {
			return false, false, err
		}
		if p.typ == nil {
			return false, false, failure.Wrapf(failure.ErrPermissionMissing, "permission %d is not a signature call", op.Perm)
		}
		t, err := b.value(op.Ref)
		if err != nil {
			return false, false, err
		}
		if t != p.typ {
			return false, false, failure.Wrapf(failure.ErrTypeMismatch, "invoked value is %s, permission covers %s", t, p.typ)
		}
		sig, err := b.s.sigOf(t)
		if err != nil {
			return false, false, err
		}
		if sig.info.transactional && !b.transactional {
			return false, false, failure.Wrapf(failure.ErrPermissionMissing, "transactional signature invoked outside a transactional function")
		}
		args, err := b.inputs(sig.params, op.Refs)
		if err != nil {
			return false, false, err
		}
		inputs := append([]linear.Input{{Ref: uint16(op.Ref), Consume: true}}, args...)
		return false, false, st.Apply(inputs, outputs(sig.returns, inputs))

	default:
		return false, false, failure.Wrapf(failure.ErrMalformed, "unknown op %T", op)
	}

	return false, false, nil
}

func (b *body) pack(op module.Pack) error {
	p, err := b.s.perm(op.Perm, types.Create)
	if err != nil {
		return err
	}
	if p.typ == nil {
		return failure.Wrapf(failure.ErrPermissionMissing, "permission %d is not a type permission", op.Perm)
	}

	ctrs, err := b.s.ctrs(p.typ)
	if err != nil {
		return err
	}
	if int(op.Tag) >= len(ctrs) {
		return failure.Wrapf(failure.ErrTagOutOfRange, "ctr %d of %d", op.Tag, len(ctrs))
	}

	fields := ctrs[op.Tag]
	params := make([]param, len(fields))
	for i, f := range fields {
		params[i] = param{typ: f, consumes: op.Mode == module.FetchConsume}
		if op.Mode == module.FetchCopy {
			if err := b.hasCaps(f, types.Copy); err != nil {
				return err
			}
		}
	}

	inputs, err := b.inputs(params, op.Refs)
	if err != nil {
		return err
	}

	if op.Mode == module.FetchBorrow {
		refs := make([]uint16, len(op.Refs))
		for i, r := range op.Refs {
			refs[i] = uint16(r)
		}
		return b.stack.PackBorrow(refs, b.s.l.types.Projection(p.typ))
	}

	return b.stack.Apply(inputs, owned([]*types.Type{p.typ}))
}

// inspected resolves the data type behind ref and checks the permission
// the fetch mode needs.
func (b *body) inspected(perm uint8, ref module.Ref, mode module.FetchMode) (*types.Type, [][]*types.Type, error) {
	v, err := b.value(ref)
	if err != nil {
		return nil, nil, err
	}

	d := v.Unprojected()
	want := types.Inspect
	if mode == module.FetchConsume {
		if v.Kind == types.KindProjection {
			return nil, nil, failure.Wrapf(failure.ErrTypeMismatch, "cannot consume projection %s", v)
		}
		want = types.Consume
	}

	if err := b.typePerm(perm, want, d); err != nil {
		return nil, nil, err
	}

	ctrs, err := b.s.ctrs(d)
	if err != nil {
		return nil, nil, err
	}
	return d, ctrs, nil
}

// fetchFields pushes fields of the value at ref according to mode.
func (b *body) fetchFields(st *linear.Stack[*types.Type], ref module.Ref, fields []*types.Type, mode module.FetchMode) error {
	switch mode {
	case module.FetchConsume:
		return st.Unpack(uint16(ref), fields, false)
	case module.FetchBorrow:
		return st.Unpack(uint16(ref), b.projections(fields), true)
	default:
		for _, f := range fields {
			if err := b.hasCaps(f, types.Copy); err != nil {
				return err
			}
		}
		return st.Apply([]linear.Input{{Ref: uint16(ref)}}, owned(fields))
	}
}

func (b *body) unpack(op module.Unpack) error {
	_, ctrs, err := b.inspected(op.Perm, op.Ref, op.Mode)
	if err != nil {
		return err
	}
	if len(ctrs) != 1 {
		return failure.Wrapf(failure.ErrTypeMismatch, "unpack of a type with %d ctrs", len(ctrs))
	}
	return b.fetchFields(b.stack, op.Ref, ctrs[0], op.Mode)
}

func (b *body) field(op module.Field) error {
	_, ctrs, err := b.inspected(op.Perm, op.Ref, op.Mode)
	if err != nil {
		return err
	}
	if len(ctrs) != 1 {
		return failure.Wrapf(failure.ErrTypeMismatch, "field of a type with %d ctrs", len(ctrs))
	}

	fields := ctrs[0]
	if int(op.Field) >= len(fields) {
		return failure.Wrapf(failure.ErrFieldOutOfRange, "field %d of %d", op.Field, len(fields))
	}
	f := fields[op.Field]

	switch op.Mode {
	case module.FetchConsume:
		for i, other := range fields {
			if i == int(op.Field) {
				continue
			}
			if err := b.hasCaps(other, types.Drop); err != nil {
				return fmt.Errorf("discarded field %d: %w", i, err)
			}
		}
		return b.stack.Apply([]linear.Input{{Ref: uint16(op.Ref), Consume: true}}, owned([]*types.Type{f}))
	case module.FetchBorrow:
		return b.stack.BorrowFetch(uint16(op.Ref), b.s.l.types.Projection(f))
	default:
		if err := b.hasCaps(f, types.Copy); err != nil {
			return err
		}
		return b.stack.Apply([]linear.Input{{Ref: uint16(op.Ref)}}, owned([]*types.Type{f}))
	}
}

func (b *body) branchOn(op module.Switch) (bool, error) {
	_, ctrs, err := b.inspected(op.Perm, op.Ref, op.Mode)
	if err != nil {
		return false, err
	}
	if len(op.Branches) != len(ctrs) {
		return false, failure.Wrapf(failure.ErrArity, "%d branches for %d ctrs", len(op.Branches), len(ctrs))
	}

	branches := make([]branch, len(ctrs))
	for i, fields := range ctrs {
		st := b.stack.Clone()
		base := st.Len()
		if err := b.fetchFields(st, op.Ref, fields, op.Mode); err != nil {
			return false, fmt.Errorf("branch %d: %w", i, err)
		}
		branches[i] = branch{stack: st, base: base, block: op.Branches[i]}
	}

	return b.merge(branches)
}

func (b *body) tryInvoke(op module.TryInvoke) (bool, error) {
	c, err := b.callablePerm(op.Perm, orderFunction)
	if err != nil {
		return false, err
	}
	if !c.info.transactional {
		return false, failure.Wrapf(failure.ErrTypeMismatch, "try invoke of a function that cannot roll back")
	}

	inputs, err := b.inputs(c.params, op.Refs)
	if err != nil {
		return false, err
	}

	base := b.stack.Len()

	failed := b.stack.Clone()
	if err := failed.Apply(inputs, nil); err != nil {
		return false, err
	}

	succeeded := b.stack.Clone()
	if err := succeeded.Apply(inputs, outputs(c.returns, inputs)); err != nil {
		return false, err
	}

	return b.merge([]branch{
		{stack: succeeded, base: base, block: op.Success},
		{stack: failed, base: base, block: op.Failure},
	})
}
