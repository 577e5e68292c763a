package module

import (
	"bytes"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/types"
	"github.com/rhino1998/sanskrit/pkg/wire"
)

const (
	Magic   = "SKM"
	Version = 1
)

const (
	opLit byte = iota
	opLet
	opCopy
	opMove
	opBorrow
	opDiscard
	opReturn
	opRollback
	opPack
	opUnpack
	opField
	opSwitch
	opInvoke
	opTryInvoke
	opCreateSig
	opInvokeSig
)

func Encode(m *Module) ([]byte, error) {
	w := wire.NewWriter()
	w.Magic(Magic, Version)

	w.Len8(len(m.Data))
	w.Len8(len(m.Lits))
	w.Len8(len(m.Sigs))
	w.Len8(len(m.Functions))
	w.Len8(len(m.Impls))

	for _, d := range m.Data {
		writeShared(w, &d.Shared)
		w.U8(uint8(d.Caps))
		writeVisibility(w, d.Create)
		writeVisibility(w, d.Consume)
		writeVisibility(w, d.Inspect)
		w.Len8(len(d.Ctrs))
		for _, ctr := range d.Ctrs {
			writeTypeRefs(w, ctr)
		}
	}

	for _, l := range m.Lits {
		writeShared(w, &l.Shared)
		w.U8(uint8(l.Caps))
		w.U16(l.Size)
		writeVisibility(w, l.Create)
		writeVisibility(w, l.Consume)
		writeVisibility(w, l.Inspect)
	}

	for _, s := range m.Sigs {
		writeShared(w, &s.Shared)
		w.U8(uint8(s.Caps))
		writeVisibility(w, s.Call)
		writeVisibility(w, s.Implement)
		w.Bool(s.Transactional)
		writeParams(w, s.Params)
		writeTypeRefs(w, s.Returns)
	}

	for _, f := range m.Functions {
		writeShared(w, &f.Shared)
		writeVisibility(w, f.Call)
		w.Bits([]bool{f.Transactional, f.External})
		writeParams(w, f.Params)
		writeTypeRefs(w, f.Returns)
		if f.External {
			w.U8(f.ExternalID)
		} else {
			writeBlock(w, f.Body)
		}
	}

	for _, i := range m.Impls {
		writeShared(w, &i.Shared)
		writeVisibility(w, i.Call)
		writeTypeRef(w, i.Sig)
		w.Bytes8(i.Captures)
		w.Bool(i.Transactional)
		writeParams(w, i.Params)
		writeTypeRefs(w, i.Returns)
		writeBlock(w, i.Body)
	}

	return w.Result()
}

func writeShared(w *wire.Writer, s *Shared) {
	w.Len8(len(s.Generics))
	phantoms := make([]bool, len(s.Generics))
	for i, g := range s.Generics {
		w.U8(uint8(g.Caps))
		phantoms[i] = g.Phantom
	}
	w.Bits(phantoms)

	imp := &s.Imports
	w.Len8(len(imp.Modules))
	for _, h := range imp.Modules {
		w.Hash(h)
	}

	w.Len8(len(imp.Types))
	for _, t := range imp.Types {
		w.U8(uint8(t.Kind))
		w.U8(t.Module)
		w.U8(t.Offset)
		writeTypeRefs(w, t.Applies)
	}

	w.Len8(len(imp.Callables))
	for _, c := range imp.Callables {
		w.U8(uint8(c.Kind))
		w.U8(c.Module)
		w.U8(c.Offset)
		writeTypeRefs(w, c.Applies)
	}

	w.Len8(len(imp.Perms))
	for _, p := range imp.Perms {
		w.U8(uint8(p.Perm))
		w.Bool(p.Callable)
		w.U8(p.Index)
	}
}

func writeVisibility(w *wire.Writer, v Visibility) {
	w.U8(uint8(v.Kind))
	w.Bytes8(v.Guards)
}

func writeTypeRef(w *wire.Writer, t TypeRef) {
	w.U8(uint8(t.Kind))
	if t.Kind == RefProjection {
		if t.Inner == nil {
			w.Fail(failure.Wrapf(failure.ErrMalformed, "projection without inner type"))
			return
		}
		writeTypeRef(w, *t.Inner)
		return
	}
	w.U8(t.Index)
}

func writeTypeRefs(w *wire.Writer, ts []TypeRef) {
	w.Len8(len(ts))
	for _, t := range ts {
		writeTypeRef(w, t)
	}
}

func writeParams(w *wire.Writer, ps []Param) {
	w.Len8(len(ps))
	for _, p := range ps {
		writeTypeRef(w, p.Type)
		w.Bool(p.Consumes)
	}
}

func writeRefs(w *wire.Writer, refs []Ref) {
	w.Len8(len(refs))
	for _, r := range refs {
		w.U16(uint16(r))
	}
}

func writeBlock(w *wire.Writer, b *Block) {
	if b == nil {
		w.Fail(failure.Wrapf(failure.ErrMalformed, "missing block"))
		return
	}

	w.Len16(len(b.Ops))
	for _, op := range b.Ops {
		writeOp(w, op)
	}
}

func writeOp(w *wire.Writer, op Op) {
	switch op := op.(type) {
	case Lit:
		w.U8(opLit)
		w.U8(op.Perm)
		w.Bytes16(op.Data)
	case Let:
		w.U8(opLet)
		writeBlock(w, op.Block)
	case Copy:
		w.U8(opCopy)
		w.U16(uint16(op.Ref))
	case Move:
		w.U8(opMove)
		w.U16(uint16(op.Ref))
	case Borrow:
		w.U8(opBorrow)
		w.U16(uint16(op.Ref))
	case Discard:
		w.U8(opDiscard)
		w.U16(uint16(op.Ref))
	case Return:
		w.U8(opReturn)
		writeRefs(w, op.Refs)
	case Rollback:
		w.U8(opRollback)
	case Pack:
		w.U8(opPack)
		w.U8(op.Perm)
		w.U8(op.Tag)
		w.U8(uint8(op.Mode))
		writeRefs(w, op.Refs)
	case Unpack:
		w.U8(opUnpack)
		w.U8(op.Perm)
		w.U16(uint16(op.Ref))
		w.U8(uint8(op.Mode))
	case Field:
		w.U8(opField)
		w.U8(op.Perm)
		w.U16(uint16(op.Ref))
		w.U8(op.Field)
		w.U8(uint8(op.Mode))
	case Switch:
		w.U8(opSwitch)
		w.U8(op.Perm)
		w.U16(uint16(op.Ref))
		w.U8(uint8(op.Mode))
		w.Len8(len(op.Branches))
		for _, b := range op.Branches {
			writeBlock(w, b)
		}
	case Invoke:
		w.U8(opInvoke)
		w.U8(op.Perm)
		writeRefs(w, op.Refs)
	case TryInvoke:
		w.U8(opTryInvoke)
		w.U8(op.Perm)
		writeRefs(w, op.Refs)
		writeBlock(w, op.Success)
		writeBlock(w, op.Failure)
	case CreateSig:
		w.U8(opCreateSig)
		w.U8(op.Perm)
		writeRefs(w, op.Refs)
	case InvokeSig:
		w.U8(opInvokeSig)
		w.U8(op.Perm)
		w.U16(uint16(op.Ref))
		writeRefs(w, op.Refs)
	default:
		w.Fail(failure.Wrapf(failure.ErrMalformed, "unknown op %T", op))
	}
}

// Decode parses an encoded module. Structural checks beyond the wire format
// are left to the checker.
func Decode(buf []byte, maxDepth int) (*Module, error) {
	r := wire.NewReader(buf, maxDepth)
	r.Magic(Magic, Version)

	m := &Module{
		Data:      make([]*Data, r.U8()),
		Lits:      make([]*LitType, r.U8()),
		Sigs:      make([]*Sig, r.U8()),
		Functions: make([]*Function, r.U8()),
		Impls:     make([]*Impl, r.U8()),
	}

	for i := range m.Data {
		d := &Data{Shared: readShared(r)}
		d.Caps = types.CapSet(r.U8())
		d.Create = readVisibility(r)
		d.Consume = readVisibility(r)
		d.Inspect = readVisibility(r)
		d.Ctrs = make([][]TypeRef, r.U8())
		for c := range d.Ctrs {
			d.Ctrs[c] = readTypeRefs(r)
		}
		m.Data[i] = d
	}

	for i := range m.Lits {
		l := &LitType{Shared: readShared(r)}
		l.Caps = types.CapSet(r.U8())
		l.Size = r.U16()
		l.Create = readVisibility(r)
		l.Consume = readVisibility(r)
		l.Inspect = readVisibility(r)
		m.Lits[i] = l
	}

	for i := range m.Sigs {
		s := &Sig{Shared: readShared(r)}
		s.Caps = types.CapSet(r.U8())
		s.Call = readVisibility(r)
		s.Implement = readVisibility(r)
		s.Transactional = r.Bool()
		s.Params = readParams(r)
		s.Returns = readTypeRefs(r)
		m.Sigs[i] = s
	}

	for i := range m.Functions {
		f := &Function{Shared: readShared(r)}
		f.Call = readVisibility(r)
		if flags := r.Bits(2); flags != nil {
			f.Transactional, f.External = flags[0], flags[1]
		}
		f.Params = readParams(r)
		f.Returns = readTypeRefs(r)
		if f.External {
			f.ExternalID = r.U8()
		} else {
			f.Body = readBlock(r)
		}
		m.Functions[i] = f
	}

	for i := range m.Impls {
		im := &Impl{Shared: readShared(r)}
		im.Call = readVisibility(r)
		im.Sig = readTypeRef(r)
		im.Captures = bytes.Clone(r.Bytes8())
		im.Transactional = r.Bool()
		im.Params = readParams(r)
		im.Returns = readTypeRefs(r)
		im.Body = readBlock(r)
		m.Impls[i] = im
	}

	if err := r.Done(); err != nil {
		return nil, err
	}

	return m, nil
}

func readShared(r *wire.Reader) Shared {
	var s Shared

	s.Generics = make([]Generic, r.U8())
	for i := range s.Generics {
		s.Generics[i].Caps = types.CapSet(r.U8())
	}
	if phantoms := r.Bits(len(s.Generics)); phantoms != nil {
		for i, p := range phantoms {
			s.Generics[i].Phantom = p
		}
	}

	imp := &s.Imports
	imp.Modules = make([]hash.Hash, r.U8())
	for i := range imp.Modules {
		imp.Modules[i] = r.Hash()
	}

	imp.Types = make([]TypeImport, r.U8())
	for i := range imp.Types {
		imp.Types[i] = TypeImport{
			Kind:    TypeKind(r.U8()),
			Module:  r.U8(),
			Offset:  r.U8(),
			Applies: readTypeRefs(r),
		}
	}

	imp.Callables = make([]CallableImport, r.U8())
	for i := range imp.Callables {
		imp.Callables[i] = CallableImport{
			Kind:    CallableKind(r.U8()),
			Module:  r.U8(),
			Offset:  r.U8(),
			Applies: readTypeRefs(r),
		}
	}

	imp.Perms = make([]PermImport, r.U8())
	for i := range imp.Perms {
		imp.Perms[i] = PermImport{
			Perm:     types.PermSet(r.U8()),
			Callable: r.Bool(),
			Index:    r.U8(),
		}
	}

	return s
}

func readVisibility(r *wire.Reader) Visibility {
	kind := VisibilityKind(r.U8())
	if kind > Global {
		r.Fail(failure.Wrapf(failure.ErrTagOutOfRange, "visibility %d", kind))
	}
	return Visibility{Kind: kind, Guards: bytes.Clone(r.Bytes8())}
}

func readTypeRef(r *wire.Reader) TypeRef {
	if !r.Enter() {
		return TypeRef{}
	}
	defer r.Exit()

	switch kind := RefKind(r.U8()); kind {
	case RefGeneric, RefImport:
		return TypeRef{Kind: kind, Index: r.U8()}
	case RefProjection:
		inner := readTypeRef(r)
		return TypeRef{Kind: kind, Inner: &inner}
	default:
		r.Fail(failure.Wrapf(failure.ErrTagOutOfRange, "type ref %d", kind))
		return TypeRef{}
	}
}

func readTypeRefs(r *wire.Reader) []TypeRef {
	n := int(r.U8())
	var ts []TypeRef
	for i := 0; i < n && r.Err() == nil; i++ {
		ts = append(ts, readTypeRef(r))
	}
	return ts
}

func readParams(r *wire.Reader) []Param {
	n := int(r.U8())
	var ps []Param
	for i := 0; i < n && r.Err() == nil; i++ {
		t := readTypeRef(r)
		ps = append(ps, Param{Type: t, Consumes: r.Bool()})
	}
	return ps
}

func readRefs(r *wire.Reader) []Ref {
	refs := make([]Ref, r.U8())
	for i := range refs {
		refs[i] = Ref(r.U16())
	}
	return refs
}

func readBlock(r *wire.Reader) *Block {
	if !r.Enter() {
		return nil
	}
	defer r.Exit()

	b := &Block{}
	n := int(r.U16())
	for i := 0; i < n && r.Err() == nil; i++ {
		if op := readOp(r); op != nil {
			b.Ops = append(b.Ops, op)
		}
	}
	return b
}

func readMode(r *wire.Reader) FetchMode {
	m := FetchMode(r.U8())
	if m > FetchBorrow {
		r.Fail(failure.Wrapf(failure.ErrTagOutOfRange, "fetch mode %d", m))
	}
	return m
}

func readOp(r *wire.Reader) Op {
	switch tag := r.U8(); tag {
	case opLit:
		perm := r.U8()
		return Lit{Perm: perm, Data: bytes.Clone(r.Bytes16())}
	case opLet:
		return Let{Block: readBlock(r)}
	case opCopy:
		return Copy{Ref: Ref(r.U16())}
	case opMove:
		return Move{Ref: Ref(r.U16())}
	case opBorrow:
		return Borrow{Ref: Ref(r.U16())}
	case opDiscard:
		return Discard{Ref: Ref(r.U16())}
	case opReturn:
		return Return{Refs: readRefs(r)}
	case opRollback:
		return Rollback{}
	case opPack:
		perm, t, mode := r.U8(), r.U8(), readMode(r)
		return Pack{Perm: perm, Tag: t, Mode: mode, Refs: readRefs(r)}
	case opUnpack:
		perm, ref := r.U8(), Ref(r.U16())
		return Unpack{Perm: perm, Ref: ref, Mode: readMode(r)}
	case opField:
		perm, ref, field := r.U8(), Ref(r.U16()), r.U8()
		return Field{Perm: perm, Ref: ref, Field: field, Mode: readMode(r)}
	case opSwitch:
		op := Switch{Perm: r.U8(), Ref: Ref(r.U16()), Mode: readMode(r)}
		n := int(r.U8())
		for i := 0; i < n && r.Err() == nil; i++ {
			op.Branches = append(op.Branches, readBlock(r))
		}
		return op
	case opInvoke:
		perm := r.U8()
		return Invoke{Perm: perm, Refs: readRefs(r)}
	case opTryInvoke:
		perm := r.U8()
		refs := readRefs(r)
		success := readBlock(r)
		return TryInvoke{Perm: perm, Refs: refs, Success: success, Failure: readBlock(r)}
	case opCreateSig:
		perm := r.U8()
		return CreateSig{Perm: perm, Refs: readRefs(r)}
	case opInvokeSig:
		perm, ref := r.U8(), Ref(r.U16())
		return InvokeSig{Perm: perm, Ref: ref, Refs: readRefs(r)}
	default:
		r.Fail(failure.Wrapf(failure.ErrTagOutOfRange, "op %d", tag))
		return nil
	}
}
