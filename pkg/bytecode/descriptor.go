// Package bytecode defines the compiled form of transactions: runtime
// opcodes, expressions, function tables and transaction descriptors.
package bytecode

import (
	"fmt"

	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/types"
	"github.com/rhino1998/sanskrit/pkg/value"
)

// Exp is an ordered sequence of opcodes. When it completes, the topmost
// Results entries of its frame are its results.
//
// Params is the number of entries the frame starts with: arguments for
// function bodies, fields for switch branches, body results for the
// success handler of a Try.
type Exp struct {
	Params  uint8
	Results uint8
	Ops     []Op
}

// Function is an entry of a descriptor's function table.
type Function interface {
	Arity() (params, results uint8)
}

func (e *Exp) Arity() (uint8, uint8) {
	return e.Params, e.Results
}

// External is a function implemented by the host, addressed by the module
// that declares it and its system call id. Typed calls carry the schema of
// their input.
type External struct {
	Module  hash.Hash
	ID      uint8
	Params  uint8
	Results uint8
	Schema  value.Schema
}

func (e External) Arity() (uint8, uint8) {
	return e.Params, e.Results
}

func (e External) String() string {
	if e.Schema != nil {
		return fmt.Sprintf("extern %s#%d[%s]", e.Module, e.ID, e.Schema)
	}
	return fmt.Sprintf("extern %s#%d", e.Module, e.ID)
}

type Param struct {
	Schema   value.Schema
	Type     hash.Hash
	Caps     types.CapSet
	Consumes bool
}

type ReturnSpec struct {
	Schema value.Schema
	Type   hash.Hash
	Caps   types.CapSet
}

// Descriptor is a compiled transaction.
type Descriptor struct {
	// ByteSize is the size of the encoded descriptor; it is set by Decode.
	ByteSize int

	MaxStack  uint16
	MaxFrames uint16
	MaxHeap   uint32
	GasCost   uint64

	Params    []Param
	Returns   []ReturnSpec
	Functions []Function
	Root      uint16
}

// RootExp is the expression the executor invokes.
func (d *Descriptor) RootExp() (*Exp, error) {
	if int(d.Root) >= len(d.Functions) {
		return nil, fmt.Errorf("root function %d of %d", d.Root, len(d.Functions))
	}

	exp, ok := d.Functions[d.Root].(*Exp)
	if !ok {
		return nil, fmt.Errorf("root function %d is external", d.Root)
	}

	return exp, nil
}

// Hash is the content hash under which the descriptor is stored.
func (d *Descriptor) Hash() (hash.Hash, error) {
	buf, err := Encode(d)
	if err != nil {
		return hash.Zero, err
	}
	return hash.Sum(buf), nil
}
