// Package module describes deployable modules: data types, literal types,
// signatures, functions and implementations, together with the imports and
// typed code they are checked against.
package module

import (
	"fmt"

	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/types"
)

// Module is a deployed unit. Components reference each other through their
// import tables; module index 0 is always the module itself.
type Module struct {
	Data      []*Data
	Lits      []*LitType
	Sigs      []*Sig
	Functions []*Function
	Impls     []*Impl
}

type Generic struct {
	Caps    types.CapSet
	Phantom bool
}

type VisibilityKind uint8

const (
	Local VisibilityKind = iota
	Guarded
	Global
)

func (k VisibilityKind) String() string {
	switch k {
	case Local:
		return "local"
	case Guarded:
		return "guarded"
	case Global:
		return "global"
	default:
		return fmt.Sprintf("visibility(%d)", uint8(k))
	}
}

// Visibility gates who may hold a permission. Guards lists the generics a
// caller must instantiate with its own types under Guarded visibility.
type Visibility struct {
	Kind   VisibilityKind
	Guards []uint8
}

type RefKind uint8

const (
	RefGeneric RefKind = iota
	RefProjection
	RefImport
)

// TypeRef names a type inside a component: one of its generics, a
// projection, or an entry of its type imports.
type TypeRef struct {
	Kind  RefKind
	Index uint8
	Inner *TypeRef
}

func GenericRef(i uint8) TypeRef {
	return TypeRef{Kind: RefGeneric, Index: i}
}

func ImportRef(i uint8) TypeRef {
	return TypeRef{Kind: RefImport, Index: i}
}

func ProjectionRef(inner TypeRef) TypeRef {
	return TypeRef{Kind: RefProjection, Inner: &inner}
}

func (t TypeRef) String() string {
	switch t.Kind {
	case RefGeneric:
		return fmt.Sprintf("G%d", t.Index)
	case RefProjection:
		return "&" + t.Inner.String()
	default:
		return fmt.Sprintf("T%d", t.Index)
	}
}

type TypeKind uint8

const (
	TypeData TypeKind = iota
	TypeLit
	TypeSig
)

// TypeImport names a type component. Module 0 is the importing module;
// other values index Imports.Modules offset by one. Applies may only refer
// to earlier type imports.
type TypeImport struct {
	Kind    TypeKind
	Module  uint8
	Offset  uint8
	Applies []TypeRef
}

type CallableKind uint8

const (
	CallFunction CallableKind = iota
	CallImpl
)

type CallableImport struct {
	Kind    CallableKind
	Module  uint8
	Offset  uint8
	Applies []TypeRef
}

// PermImport requests one permission on a type import or, for Call and
// Implement on callables, a callable import.
type PermImport struct {
	Perm     types.PermSet
	Callable bool
	Index    uint8
}

type Imports struct {
	Modules   []hash.Hash
	Types     []TypeImport
	Callables []CallableImport
	Perms     []PermImport
}

// Shared is the prefix common to every component.
type Shared struct {
	Generics []Generic
	Imports  Imports
}

type Param struct {
	Type     TypeRef
	Consumes bool
}

// Data is an algebraic data type.
type Data struct {
	Shared
	Caps    types.CapSet
	Create  Visibility
	Consume Visibility
	Inspect Visibility
	Ctrs    [][]TypeRef
}

// LitType is an opaque type of fixed byte size whose values are created
// from literals.
type LitType struct {
	Shared
	Caps    types.CapSet
	Size    uint16
	Create  Visibility
	Consume Visibility
	Inspect Visibility
}

// Sig is a function type.
type Sig struct {
	Shared
	Caps          types.CapSet
	Call          Visibility
	Implement     Visibility
	Transactional bool
	Params        []Param
	Returns       []TypeRef
}

// Function is either a body checked by the checker or, when External is
// set, a system call implemented by the host under ExternalID.
type Function struct {
	Shared
	Call          Visibility
	Transactional bool
	Params        []Param
	Returns       []TypeRef
	External      bool
	ExternalID    uint8
	Body          *Block
}

// Impl implements a signature. Params lists the captured values at the
// indices in Captures, the signature's params at the remaining ones.
type Impl struct {
	Shared
	Call          Visibility
	Sig           TypeRef
	Captures      []uint8
	Transactional bool
	Params        []Param
	Returns       []TypeRef
	Body          *Block
}

// Hash is the module's content hash.
func (m *Module) Hash() (hash.Hash, error) {
	buf, err := Encode(m)
	if err != nil {
		return hash.Zero, err
	}
	return hash.Sum(buf), nil
}

// Dependencies lists the modules m imports, without duplicates.
func (m *Module) Dependencies() []hash.Hash {
	seen := make(map[hash.Hash]bool)
	var deps []hash.Hash
	add := func(s *Shared) {
		for _, h := range s.Imports.Modules {
			if !seen[h] {
				seen[h] = true
				deps = append(deps, h)
			}
		}
	}

	for _, d := range m.Data {
		add(&d.Shared)
	}
	for _, l := range m.Lits {
		add(&l.Shared)
	}
	for _, s := range m.Sigs {
		add(&s.Shared)
	}
	for _, f := range m.Functions {
		add(&f.Shared)
	}
	for _, i := range m.Impls {
		add(&i.Shared)
	}

	return deps
}
