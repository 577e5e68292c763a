// Package extern holds the host functions reachable from bytecode through
// external function table entries.
package extern

import (
	"context"
	"crypto/ed25519"
	"maps"

	"github.com/rhino1998/sanskrit/pkg/arena"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/value"
)

// SystemModule is the module hash under which the default system calls are
// registered.
var SystemModule = hash.Zero

const (
	IDHash   uint8 = 0
	IDDerive uint8 = 1
	IDVerify uint8 = 2
)

type Key struct {
	Module hash.Hash
	ID     uint8
}

// Call carries the arguments of one external invocation. Schema is set for
// typed calls. Results must be allocated from Arena.
type Call struct {
	Args   []value.Entry
	Schema value.Schema
	Arena  *arena.Arena
}

type Func func(ctx context.Context, call *Call) ([]value.Entry, error)

type Entry struct {
	Params  uint8
	Results uint8
	Typed   bool
	Func    Func
}

// Funcs is a registry of host functions. Each executor owns its own copy.
type Funcs map[Key]Entry

func (f Funcs) Register(module hash.Hash, id uint8, entry Entry) {
	f[Key{Module: module, ID: id}] = entry
}

func (f Funcs) Lookup(module hash.Hash, id uint8) (Entry, error) {
	entry, ok := f[Key{Module: module, ID: id}]
	if !ok {
		return Entry{}, failure.Wrapf(failure.ErrUnknownExtern, "%s#%d", module, id)
	}
	return entry, nil
}

func (f Funcs) Clone() Funcs {
	return maps.Clone(f)
}

func DefaultFuncs() Funcs {
	return Funcs{
		{Module: SystemModule, ID: IDHash}: {
			Params:  1,
			Results: 1,
			Typed:   true,
			Func: func(_ context.Context, call *Call) ([]value.Entry, error) {
				h, err := HashValue(call.Schema, call.Args[0])
				if err != nil {
					return nil, err
				}
				return dataResult(call.Arena, h[:])
			},
		},
		{Module: SystemModule, ID: IDDerive}: {
			Params:  2,
			Results: 1,
			Func: func(_ context.Context, call *Call) ([]value.Entry, error) {
				a, b := call.Args[0].Data(), call.Args[1].Data()
				if len(a) != hash.Size || len(b) != hash.Size {
					return nil, failure.Wrapf(failure.ErrTypeMismatch, "derive needs two %d byte hashes", hash.Size)
				}
				h := hash.Domain("sanskrit/derive", a, b)
				return dataResult(call.Arena, h[:])
			},
		},
		{Module: SystemModule, ID: IDVerify}: {
			Params:  3,
			Results: 1,
			Func: func(_ context.Context, call *Call) ([]value.Entry, error) {
				pk, sig, msg := call.Args[0].Data(), call.Args[1].Data(), call.Args[2].Data()
				if len(pk) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
					return []value.Entry{value.False}, nil
				}
				return []value.Entry{value.Bool(ed25519.Verify(pk, msg, sig))}, nil
			},
		},
	}
}

// HashValue is the content hash of a value: the hash of its serialization.
func HashValue(s value.Schema, e value.Entry) (hash.Hash, error) {
	buf, err := value.Encode(s, e)
	if err != nil {
		return hash.Zero, err
	}
	return hash.Sum(buf), nil
}

func dataResult(a *arena.Arena, b []byte) ([]value.Entry, error) {
	out, err := a.CopyBytes(b)
	if err != nil {
		return nil, err
	}
	return []value.Entry{value.Bytes(out)}, nil
}
