package bytecode

import (
	"bytes"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/types"
	"github.com/rhino1998/sanskrit/pkg/value"
	"github.com/rhino1998/sanskrit/pkg/wire"
)

const (
	Magic   = "SKD"
	Version = 1
)

const (
	opLit byte = iota
	opSpecialLit
	opLet
	opCopy
	opId
	opPack
	opUnpack
	opGet
	opSwitch
	opInvoke
	opRepeatedInvoke
	opTry
	opRollback
	opReturn
	opCreateSig
	opInvokeSig
	opBinary
	opUnary
	opToData
	opFromData
	opConvert
	opHash
	opSerialize
)

const (
	funcExp      = 0
	funcExternal = 1
)

func Encode(d *Descriptor) ([]byte, error) {
	w := wire.NewWriter()
	w.Magic(Magic, Version)

	w.U16(d.MaxStack)
	w.U16(d.MaxFrames)
	w.U32(d.MaxHeap)
	w.U64(d.GasCost)

	w.Len8(len(d.Params))
	for _, p := range d.Params {
		value.WriteSchema(w, p.Schema)
		w.Hash(p.Type)
		w.U8(uint8(p.Caps))
		w.Bool(p.Consumes)
	}

	w.Len8(len(d.Returns))
	for _, ret := range d.Returns {
		value.WriteSchema(w, ret.Schema)
		w.Hash(ret.Type)
		w.U8(uint8(ret.Caps))
	}

	w.Len16(len(d.Functions))
	for _, f := range d.Functions {
		switch f := f.(type) {
		case *Exp:
			w.U8(funcExp)
			writeExp(w, f)
		case External:
			w.U8(funcExternal)
			w.Hash(f.Module)
			w.U8(f.ID)
			w.U8(f.Params)
			w.U8(f.Results)
			w.Bool(f.Schema != nil)
			if f.Schema != nil {
				value.WriteSchema(w, f.Schema)
			}
		default:
			w.Fail(failure.Wrapf(failure.ErrMalformed, "unknown function %T", f))
		}
	}

	w.U16(d.Root)

	return w.Result()
}

func writeRefs(w *wire.Writer, refs []Ref) {
	w.Len8(len(refs))
	for _, r := range refs {
		w.U16(uint16(r))
	}
}

func writeExp(w *wire.Writer, e *Exp) {
	if e == nil {
		w.Fail(failure.Wrapf(failure.ErrMalformed, "missing expression"))
		return
	}

	w.U8(e.Params)
	w.U8(e.Results)
	w.Len16(len(e.Ops))
	for _, op := range e.Ops {
		writeOp(w, op)
	}
}

func writeOp(w *wire.Writer, op Op) {
	switch op := op.(type) {
	case Lit:
		w.U8(opLit)
		value.WriteSchema(w, op.Schema)
		w.Bytes16(op.Data)
	case SpecialLit:
		w.U8(opSpecialLit)
		w.U8(uint8(op.Kind))
		w.Bytes16(op.Data)
	case Let:
		w.U8(opLet)
		writeExp(w, op.Exp)
	case Copy:
		w.U8(opCopy)
		w.U16(uint16(op.Ref))
	case Id:
		w.U8(opId)
		w.U16(uint16(op.Ref))
	case Pack:
		w.U8(opPack)
		w.U8(op.Tag)
		writeRefs(w, op.Refs)
	case Unpack:
		w.U8(opUnpack)
		w.U16(uint16(op.Ref))
		w.U8(op.Fields)
	case Get:
		w.U8(opGet)
		w.U16(uint16(op.Ref))
		w.U8(op.Field)
	case Switch:
		w.U8(opSwitch)
		w.U16(uint16(op.Ref))
		w.Len8(len(op.Branches))
		for _, b := range op.Branches {
			writeExp(w, b)
		}
	case Invoke:
		w.U8(opInvoke)
		w.U16(op.Func)
		writeRefs(w, op.Refs)
		w.Bool(op.Tail)
	case RepeatedInvoke:
		w.U8(opRepeatedInvoke)
		w.U16(op.Func)
		writeRefs(w, op.Refs)
		w.U8(op.Ctr)
		w.U8(op.Tag)
		w.U16(op.Count)
	case Try:
		w.U8(opTry)
		writeExp(w, op.Body)
		writeExp(w, op.Success)
		writeExp(w, op.Failure)
	case Rollback:
		w.U8(opRollback)
	case Return:
		w.U8(opReturn)
		writeRefs(w, op.Refs)
	case CreateSig:
		w.U8(opCreateSig)
		w.U16(op.Func)
		writeRefs(w, op.Refs)
	case InvokeSig:
		w.U8(opInvokeSig)
		w.U16(uint16(op.Ref))
		writeRefs(w, op.Refs)
		w.U8(op.Results)
	case Binary:
		w.U8(opBinary)
		w.U8(uint8(op.Op))
		w.U8(uint8(op.Kind))
		w.U16(uint16(op.A))
		w.U16(uint16(op.B))
	case Unary:
		w.U8(opUnary)
		w.U8(uint8(op.Op))
		w.U8(uint8(op.Kind))
		w.U16(uint16(op.A))
	case ToData:
		w.U8(opToData)
		w.U8(uint8(op.Kind))
		w.U16(uint16(op.Ref))
	case FromData:
		w.U8(opFromData)
		w.U8(uint8(op.Kind))
		w.U16(uint16(op.Ref))
	case Convert:
		w.U8(opConvert)
		w.U8(uint8(op.From))
		w.U8(uint8(op.To))
		w.U16(uint16(op.Ref))
	case Hash:
		w.U8(opHash)
		value.WriteSchema(w, op.Schema)
		w.U16(uint16(op.Ref))
	case Serialize:
		w.U8(opSerialize)
		value.WriteSchema(w, op.Schema)
		w.U16(uint16(op.Ref))
	default:
		w.Fail(failure.Wrapf(failure.ErrMalformed, "unknown opcode %T", op))
	}
}

// Decode parses an encoded descriptor. It does not validate it; see
// Validate.
func Decode(buf []byte, maxDepth int) (*Descriptor, error) {
	r := wire.NewReader(buf, maxDepth)
	r.Magic(Magic, Version)

	d := &Descriptor{
		ByteSize:  len(buf),
		MaxStack:  r.U16(),
		MaxFrames: r.U16(),
		MaxHeap:   r.U32(),
		GasCost:   r.U64(),
	}

	d.Params = make([]Param, r.U8())
	for i := range d.Params {
		d.Params[i] = Param{
			Schema:   value.ReadSchema(r),
			Type:     r.Hash(),
			Caps:     types.CapSet(r.U8()),
			Consumes: r.Bool(),
		}
	}

	d.Returns = make([]ReturnSpec, r.U8())
	for i := range d.Returns {
		d.Returns[i] = ReturnSpec{
			Schema: value.ReadSchema(r),
			Type:   r.Hash(),
			Caps:   types.CapSet(r.U8()),
		}
	}

	nfuncs := int(r.U16())
	for i := 0; i < nfuncs && r.Err() == nil; i++ {
		switch tag := r.U8(); tag {
		case funcExp:
			d.Functions = append(d.Functions, readExp(r))
		case funcExternal:
			ext := External{
				Module:  r.Hash(),
				ID:      r.U8(),
				Params:  r.U8(),
				Results: r.U8(),
			}
			if r.Bool() {
				ext.Schema = value.ReadSchema(r)
			}
			d.Functions = append(d.Functions, ext)
		default:
			r.Fail(failure.Wrapf(failure.ErrTagOutOfRange, "function tag %d", tag))
		}
	}

	d.Root = r.U16()

	if err := r.Done(); err != nil {
		return nil, err
	}

	return d, nil
}

func readRefs(r *wire.Reader) []Ref {
	refs := make([]Ref, r.U8())
	for i := range refs {
		refs[i] = Ref(r.U16())
	}
	return refs
}

func readExp(r *wire.Reader) *Exp {
	if !r.Enter() {
		return nil
	}
	defer r.Exit()

	e := &Exp{
		Params:  r.U8(),
		Results: r.U8(),
	}

	n := int(r.U16())
	for i := 0; i < n && r.Err() == nil; i++ {
		if op := readOp(r); op != nil {
			e.Ops = append(e.Ops, op)
		}
	}

	return e
}

func readOp(r *wire.Reader) Op {
	switch tag := r.U8(); tag {
	case opLit:
		s := value.ReadSchema(r)
		return Lit{Schema: s, Data: bytes.Clone(r.Bytes16())}
	case opSpecialLit:
		k := Kind(r.U8())
		return SpecialLit{Kind: k, Data: bytes.Clone(r.Bytes16())}
	case opLet:
		return Let{Exp: readExp(r)}
	case opCopy:
		return Copy{Ref: Ref(r.U16())}
	case opId:
		return Id{Ref: Ref(r.U16())}
	case opPack:
		tag := r.U8()
		return Pack{Tag: tag, Refs: readRefs(r)}
	case opUnpack:
		ref := Ref(r.U16())
		return Unpack{Ref: ref, Fields: r.U8()}
	case opGet:
		ref := Ref(r.U16())
		return Get{Ref: ref, Field: r.U8()}
	case opSwitch:
		ref := Ref(r.U16())
		branches := make([]*Exp, r.U8())
		for i := range branches {
			branches[i] = readExp(r)
		}
		return Switch{Ref: ref, Branches: branches}
	case opInvoke:
		fn := r.U16()
		refs := readRefs(r)
		return Invoke{Func: fn, Refs: refs, Tail: r.Bool()}
	case opRepeatedInvoke:
		fn := r.U16()
		refs := readRefs(r)
		ctr := r.U8()
		tag := r.U8()
		return RepeatedInvoke{Func: fn, Refs: refs, Ctr: ctr, Tag: tag, Count: r.U16()}
	case opTry:
		body := readExp(r)
		success := readExp(r)
		return Try{Body: body, Success: success, Failure: readExp(r)}
	case opRollback:
		return Rollback{}
	case opReturn:
		return Return{Refs: readRefs(r)}
	case opCreateSig:
		fn := r.U16()
		return CreateSig{Func: fn, Refs: readRefs(r)}
	case opInvokeSig:
		ref := Ref(r.U16())
		refs := readRefs(r)
		return InvokeSig{Ref: ref, Refs: refs, Results: r.U8()}
	case opBinary:
		op := Operator(r.U8())
		k := Kind(r.U8())
		a := Ref(r.U16())
		return Binary{Op: op, Kind: k, A: a, B: Ref(r.U16())}
	case opUnary:
		op := Operator(r.U8())
		k := Kind(r.U8())
		return Unary{Op: op, Kind: k, A: Ref(r.U16())}
	case opToData:
		k := Kind(r.U8())
		return ToData{Kind: k, Ref: Ref(r.U16())}
	case opFromData:
		k := Kind(r.U8())
		return FromData{Kind: k, Ref: Ref(r.U16())}
	case opConvert:
		from := Kind(r.U8())
		to := Kind(r.U8())
		return Convert{From: from, To: to, Ref: Ref(r.U16())}
	case opHash:
		s := value.ReadSchema(r)
		return Hash{Schema: s, Ref: Ref(r.U16())}
	case opSerialize:
		s := value.ReadSchema(r)
		return Serialize{Schema: s, Ref: Ref(r.U16())}
	default:
		r.Fail(failure.Wrapf(failure.ErrTagOutOfRange, "opcode %d", tag))
		return nil
	}
}
