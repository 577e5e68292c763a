package bytecode

import (
	"fmt"
	"strings"

	"github.com/rhino1998/sanskrit/pkg/value"
)

// Ref addresses a stack entry by its offset from the top of the stack, 0
// being the topmost. All refs of an opcode are resolved before it pushes.
type Ref uint16

func (r Ref) String() string {
	return fmt.Sprintf("$%d", uint16(r))
}

func refsString(refs []Ref) string {
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}

type Op interface {
	op()
	String() string
}

// Lit pushes a value parsed from Data by Schema.
type Lit struct {
	Schema value.Schema
	Data   []byte
}

// SpecialLit pushes a primitive literal: big-endian integer bytes, raw data,
// or a single boolean byte.
type SpecialLit struct {
	Kind Kind
	Data []byte
}

// Let runs Exp in a fresh frame; its results stay on the stack.
type Let struct {
	Exp *Exp
}

type Copy struct {
	Ref Ref
}

// Id behaves as Copy. It is never folded away so benchmarks can observe it.
type Id struct {
	Ref Ref
}

type Pack struct {
	Tag  uint8
	Refs []Ref
}

type Unpack struct {
	Ref    Ref
	Fields uint8
}

type Get struct {
	Ref   Ref
	Field uint8
}

// Switch pushes the fields of the ADT at Ref and runs the branch selected
// by its tag. The fields are scoped to the branch frame.
type Switch struct {
	Ref      Ref
	Branches []*Exp
}

type Invoke struct {
	Func uint16
	Refs []Ref
	Tail bool
}

// RepeatedInvoke copies Refs as a loop state and invokes Func on it while
// the ADT at state offset Ctr has tag Tag, at most Count times.
type RepeatedInvoke struct {
	Func  uint16
	Refs  []Ref
	Ctr   uint8
	Tag   uint8
	Count uint16
}

// Try runs Body. Success runs on the body results; Failure runs after a
// rollback inside Body.
type Try struct {
	Body    *Exp
	Success *Exp
	Failure *Exp
}

type Rollback struct{}

type Return struct {
	Refs []Ref
}

// CreateSig captures Refs into a signature value calling Func.
type CreateSig struct {
	Func uint16
	Refs []Ref
}

// InvokeSig calls the signature value at Ref with its captures followed by
// Refs. The callee must return Results entries.
type InvokeSig struct {
	Ref     Ref
	Refs    []Ref
	Results uint8
}

type Binary struct {
	Op   Operator
	Kind Kind
	A    Ref
	B    Ref
}

type Unary struct {
	Op   Operator
	Kind Kind
	A    Ref
}

type ToData struct {
	Kind Kind
	Ref  Ref
}

type FromData struct {
	Kind Kind
	Ref  Ref
}

type Convert struct {
	From Kind
	To   Kind
	Ref  Ref
}

type Hash struct {
	Schema value.Schema
	Ref    Ref
}

type Serialize struct {
	Schema value.Schema
	Ref    Ref
}

func (Lit) op()            {}
func (SpecialLit) op()     {}
func (Let) op()            {}
func (Copy) op()           {}
func (Id) op()             {}
func (Pack) op()           {}
func (Unpack) op()         {}
func (Get) op()            {}
func (Switch) op()         {}
func (Invoke) op()         {}
func (RepeatedInvoke) op() {}
func (Try) op()            {}
func (Rollback) op()       {}
func (Return) op()         {}
func (CreateSig) op()      {}
func (InvokeSig) op()      {}
func (Binary) op()         {}
func (Unary) op()          {}
func (ToData) op()         {}
func (FromData) op()       {}
func (Convert) op()        {}
func (Hash) op()           {}
func (Serialize) op()      {}

func (o Lit) String() string {
	return fmt.Sprintf("LIT %s 0x%X", o.Schema, o.Data)
}

func (o SpecialLit) String() string {
	return fmt.Sprintf("LIT(%s) 0x%X", o.Kind, o.Data)
}

func (o Let) String() string {
	return fmt.Sprintf("LET -> %d", o.Exp.Results)
}

func (o Copy) String() string {
	return fmt.Sprintf("COPY %v", o.Ref)
}

func (o Id) String() string {
	return fmt.Sprintf("ID %v", o.Ref)
}

func (o Pack) String() string {
	return fmt.Sprintf("PACK #%d(%s)", o.Tag, refsString(o.Refs))
}

func (o Unpack) String() string {
	return fmt.Sprintf("UNPACK %v -> %d", o.Ref, o.Fields)
}

func (o Get) String() string {
	return fmt.Sprintf("GET %v.%d", o.Ref, o.Field)
}

func (o Switch) String() string {
	return fmt.Sprintf("SWITCH %v [%d]", o.Ref, len(o.Branches))
}

func (o Invoke) String() string {
	if o.Tail {
		return fmt.Sprintf("TAIL INVOKE f%d(%s)", o.Func, refsString(o.Refs))
	}
	return fmt.Sprintf("INVOKE f%d(%s)", o.Func, refsString(o.Refs))
}

func (o RepeatedInvoke) String() string {
	return fmt.Sprintf("REPEAT f%d(%s) while $%d is #%d, at most %d", o.Func, refsString(o.Refs), o.Ctr, o.Tag, o.Count)
}

func (o Try) String() string {
	return fmt.Sprintf("TRY -> %d", o.Success.Results)
}

func (Rollback) String() string {
	return "ROLLBACK"
}

func (o Return) String() string {
	return fmt.Sprintf("RETURN %s", refsString(o.Refs))
}

func (o CreateSig) String() string {
	return fmt.Sprintf("SIG f%d(%s)", o.Func, refsString(o.Refs))
}

func (o InvokeSig) String() string {
	return fmt.Sprintf("INVOKE SIG %v(%s) -> %d", o.Ref, refsString(o.Refs), o.Results)
}

func (o Binary) String() string {
	return fmt.Sprintf("%s %v %v %v", strings.ToUpper(o.Kind.String()), o.A, o.Op, o.B)
}

func (o Unary) String() string {
	return fmt.Sprintf("%s %v %v", strings.ToUpper(o.Kind.String()), o.Op, o.A)
}

func (o ToData) String() string {
	return fmt.Sprintf("TO DATA(%s) %v", o.Kind, o.Ref)
}

func (o FromData) String() string {
	return fmt.Sprintf("FROM DATA(%s) %v", o.Kind, o.Ref)
}

func (o Convert) String() string {
	return fmt.Sprintf("CONVERT %s -> %s %v", o.From, o.To, o.Ref)
}

func (o Hash) String() string {
	return fmt.Sprintf("HASH %s %v", o.Schema, o.Ref)
}

func (o Serialize) String() string {
	return fmt.Sprintf("SERIALIZE %s %v", o.Schema, o.Ref)
}
