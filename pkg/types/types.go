// Package types holds the resolved types the checker works with, their
// capability and permission sets, and an interner that deduplicates them.
package types

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/wire"
)

type Kind uint8

const (
	KindGeneric Kind = iota
	KindProjection
	KindData
	KindLit
	KindSig
	KindVirtual
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindProjection:
		return "projection"
	case KindData:
		return "data"
	case KindLit:
		return "lit"
	case KindSig:
		return "sig"
	case KindVirtual:
		return "virtual"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Type is a resolved type. Types are created by an Interner and compared by
// pointer.
type Type struct {
	Kind Kind

	// Module and Offset identify the defining component of data, lit and
	// sig types. Offset is the generic index for generic types.
	Module  hash.Hash
	Offset  uint8
	Applies []*Type

	Phantom bool
	Depth   uint8
	Inner   *Type
	Size    uint16
	Virtual hash.Hash

	enc []byte
}

// Component reports the module and offset of the component defining t.
func (t *Type) Component() (hash.Hash, uint8) {
	return t.Module, t.Offset
}

// Hash is the type hash recorded with stored entries and descriptor params.
func (t *Type) Hash() hash.Hash {
	return hash.Domain("sanskrit/type", t.enc)
}

// Unprojected strips any projection.
func (t *Type) Unprojected() *Type {
	if t.Kind == KindProjection {
		return t.Inner
	}
	return t
}

func (t *Type) String() string {
	var b strings.Builder
	t.format(&b)
	return b.String()
}

func (t *Type) format(b *strings.Builder) {
	switch t.Kind {
	case KindGeneric:
		if t.Phantom {
			fmt.Fprintf(b, "phantom G%d", t.Offset)
		} else {
			fmt.Fprintf(b, "G%d", t.Offset)
		}
		return
	case KindProjection:
		b.WriteString(strings.Repeat("&", int(t.Depth)))
		t.Inner.format(b)
		return
	case KindVirtual:
		fmt.Fprintf(b, "virtual %s", t.Virtual.String()[:8])
		return
	}

	fmt.Fprintf(b, "%s %s#%d", t.Kind, t.Module.String()[:8], t.Offset)
	if t.Kind == KindLit {
		fmt.Fprintf(b, "(%d)", t.Size)
	}
	if len(t.Applies) > 0 {
		b.WriteString("[")
		for i, a := range t.Applies {
			if i > 0 {
				b.WriteString(", ")
			}
			a.format(b)
		}
		b.WriteString("]")
	}
}

// Interner deduplicates structurally equal types. It is safe for
// concurrent use.
type Interner struct {
	mu    sync.Mutex
	types map[string]*Type
}

func NewInterner() *Interner {
	return &Interner{types: make(map[string]*Type)}
}

func (in *Interner) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()

	return len(in.types)
}

func (in *Interner) intern(t *Type) *Type {
	w := wire.NewWriter()
	w.U8(uint8(t.Kind))
	switch t.Kind {
	case KindGeneric:
		w.U8(t.Offset)
		w.Bool(t.Phantom)
	case KindProjection:
		w.U8(t.Depth)
		w.Bytes(t.Inner.enc)
	case KindVirtual:
		w.Hash(t.Virtual)
	default:
		w.Hash(t.Module)
		w.U8(t.Offset)
		w.U16(t.Size)
		w.Len8(len(t.Applies))
		for _, a := range t.Applies {
			w.Bytes(a.enc)
		}
	}
	// applies are capped by the module format; the writer cannot fail here
	enc, _ := w.Result()

	in.mu.Lock()
	defer in.mu.Unlock()

	if existing, ok := in.types[string(enc)]; ok {
		return existing
	}
	t.enc = enc
	in.types[string(enc)] = t
	return t
}

func (in *Interner) Generic(offset uint8, phantom bool) *Type {
	return in.intern(&Type{Kind: KindGeneric, Offset: offset, Phantom: phantom})
}

// Projection wraps inner in one more level of projection.
func (in *Interner) Projection(inner *Type) *Type {
	if inner.Kind == KindProjection {
		return in.intern(&Type{Kind: KindProjection, Depth: inner.Depth + 1, Inner: inner.Inner})
	}
	return in.intern(&Type{Kind: KindProjection, Depth: 1, Inner: inner})
}

func (in *Interner) Data(module hash.Hash, offset uint8, applies []*Type) *Type {
	return in.intern(&Type{Kind: KindData, Module: module, Offset: offset, Applies: applies})
}

func (in *Interner) Lit(module hash.Hash, offset uint8, applies []*Type, size uint16) *Type {
	return in.intern(&Type{Kind: KindLit, Module: module, Offset: offset, Applies: applies, Size: size})
}

func (in *Interner) Sig(module hash.Hash, offset uint8, applies []*Type) *Type {
	return in.intern(&Type{Kind: KindSig, Module: module, Offset: offset, Applies: applies})
}

func (in *Interner) Virtual(h hash.Hash) *Type {
	return in.intern(&Type{Kind: KindVirtual, Virtual: h})
}

// Substitute replaces generic types in t with the matching entries of
// applies.
func (in *Interner) Substitute(t *Type, applies []*Type) (*Type, error) {
	switch t.Kind {
	case KindGeneric:
		if int(t.Offset) >= len(applies) {
			return nil, failure.Wrapf(failure.ErrUnresolved, "generic %d of %d", t.Offset, len(applies))
		}
		return applies[t.Offset], nil
	case KindProjection:
		inner, err := in.Substitute(t.Inner, applies)
		if err != nil {
			return nil, err
		}
		for range t.Depth {
			inner = in.Projection(inner)
		}
		return inner, nil
	case KindVirtual:
		return t, nil
	}

	if len(t.Applies) == 0 {
		return t, nil
	}

	subs := make([]*Type, len(t.Applies))
	for i, a := range t.Applies {
		s, err := in.Substitute(a, applies)
		if err != nil {
			return nil, err
		}
		subs[i] = s
	}

	return in.intern(&Type{Kind: t.Kind, Module: t.Module, Offset: t.Offset, Applies: subs, Size: t.Size}), nil
}

// Applied computes the capabilities of a component declaring base when it
// is applied to arguments with the given capabilities. Phantom arguments
// must not be passed.
func Applied(base CapSet, args []CapSet) CapSet {
	caps := base
	for _, a := range args {
		caps &= a | ^RecursiveCaps
	}
	return caps
}

// ProjectionCaps are the capabilities of a read-only view of a type with
// the given capabilities.
func ProjectionCaps(inner CapSet) CapSet {
	return Drop | Copy | inner&(Primitive|Value)
}

// ProjectionPerms strips the permissions a projection erases.
func ProjectionPerms(p PermSet) PermSet {
	return p &^ (Create | Consume)
}
