package module

import (
	"fmt"
	"strings"
)

// Ref addresses a value by its offset from the top of the stack.
type Ref uint16

type FetchMode uint8

const (
	FetchConsume FetchMode = iota
	FetchCopy
	FetchBorrow
)

func (m FetchMode) String() string {
	switch m {
	case FetchConsume:
		return "consume"
	case FetchCopy:
		return "copy"
	case FetchBorrow:
		return "borrow"
	default:
		return fmt.Sprintf("fetch(%d)", uint8(m))
	}
}

// Block is a sequence of typed ops ending in Return or Rollback.
type Block struct {
	Ops []Op
}

type Op interface {
	op()
}

// Lit creates a value of the literal type named by the Create permission
// at Perm.
type Lit struct {
	Perm uint8
	Data []byte
}

type Let struct {
	Block *Block
}

type Copy struct{ Ref Ref }

type Move struct{ Ref Ref }

type Borrow struct{ Ref Ref }

type Discard struct{ Ref Ref }

type Return struct{ Refs []Ref }

type Rollback struct{}

type Pack struct {
	Perm uint8
	Tag  uint8
	Mode FetchMode
	Refs []Ref
}

type Unpack struct {
	Perm uint8
	Ref  Ref
	Mode FetchMode
}

type Field struct {
	Perm  uint8
	Ref   Ref
	Field uint8
	Mode  FetchMode
}

type Switch struct {
	Perm     uint8
	Ref      Ref
	Mode     FetchMode
	Branches []*Block
}

type Invoke struct {
	Perm uint8
	Refs []Ref
}

// TryInvoke calls a transactional function. Success starts with the call's
// results on the stack; Failure starts without them.
type TryInvoke struct {
	Perm    uint8
	Refs    []Ref
	Success *Block
	Failure *Block
}

type CreateSig struct {
	Perm uint8
	Refs []Ref
}

type InvokeSig struct {
	Perm uint8
	Ref  Ref
	Refs []Ref
}

func (Lit) op()       {}
func (Let) op()       {}
func (Copy) op()      {}
func (Move) op()      {}
func (Borrow) op()    {}
func (Discard) op()   {}
func (Return) op()    {}
func (Rollback) op()  {}
func (Pack) op()      {}
func (Unpack) op()    {}
func (Field) op()     {}
func (Switch) op()    {}
func (Invoke) op()    {}
func (TryInvoke) op() {}
func (CreateSig) op() {}
func (InvokeSig) op() {}

func refs(rs []Ref) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = fmt.Sprintf("$%d", r)
	}
	return strings.Join(parts, ", ")
}

func (o Lit) String() string {
	return fmt.Sprintf("lit p%d 0x%X", o.Perm, o.Data)
}

func (o Let) String() string {
	if o.Block == nil {
		return "let ()"
	}
	return fmt.Sprintf("let (%d ops)", len(o.Block.Ops))
}

func (o Copy) String() string {
	return fmt.Sprintf("copy $%d", o.Ref)
}

func (o Move) String() string {
	return fmt.Sprintf("move $%d", o.Ref)
}

func (o Borrow) String() string {
	return fmt.Sprintf("borrow $%d", o.Ref)
}

func (o Discard) String() string {
	return fmt.Sprintf("discard $%d", o.Ref)
}

func (o Return) String() string {
	return fmt.Sprintf("return (%s)", refs(o.Refs))
}

func (Rollback) String() string {
	return "rollback"
}

func (o Pack) String() string {
	return fmt.Sprintf("pack %s p%d #%d (%s)", o.Mode, o.Perm, o.Tag, refs(o.Refs))
}

func (o Unpack) String() string {
	return fmt.Sprintf("unpack %s p%d $%d", o.Mode, o.Perm, o.Ref)
}

func (o Field) String() string {
	return fmt.Sprintf("field %s p%d $%d.%d", o.Mode, o.Perm, o.Ref, o.Field)
}

func (o Switch) String() string {
	return fmt.Sprintf("switch %s p%d $%d", o.Mode, o.Perm, o.Ref)
}

func (o Invoke) String() string {
	return fmt.Sprintf("invoke p%d (%s)", o.Perm, refs(o.Refs))
}

func (o TryInvoke) String() string {
	return fmt.Sprintf("try invoke p%d (%s)", o.Perm, refs(o.Refs))
}

func (o CreateSig) String() string {
	return fmt.Sprintf("sig p%d (%s)", o.Perm, refs(o.Refs))
}

func (o InvokeSig) String() string {
	return fmt.Sprintf("invoke sig p%d $%d (%s)", o.Perm, o.Ref, refs(o.Refs))
}
