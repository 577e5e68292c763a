package executor

import (
	"context"
	"fmt"

	"github.com/rhino1998/sanskrit/pkg/bundle"
	"github.com/rhino1998/sanskrit/pkg/bytecode"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/gas"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/store"
	"github.com/rhino1998/sanskrit/pkg/value"
)

type loaded struct {
	typ      hash.Hash
	entry    value.Entry
	consumed bool
}

type parsed struct {
	schema value.Schema
	entry  value.Entry
}

// inputs resolves the parameter sources of one transaction. Each stored
// entry, literal and witness is fetched and charged for once.
type inputs struct {
	x       *execution
	section int
	txn     int
	meter   *gas.Meter

	loaded    map[hash.Hash]loaded
	literals  map[uint16]parsed
	witnesses map[uint16]parsed

	deletes []hash.Hash
}

func (in *inputs) param(ctx context.Context, p bytecode.Param, src bundle.Param) (value.Entry, error) {
	switch src.Kind {
	case bundle.ParamLoad:
		return in.load(ctx, p, src)
	case bundle.ParamLiteral:
		return in.parse(in.literals, in.x.p.bundle.Literals[src.Index], p, src.Index)
	case bundle.ParamWitness:
		return in.parse(in.witnesses, in.x.p.bundle.Witnesses[src.Index], p, src.Index)
	case bundle.ParamProvided:
		return in.provided(src.Provided)
	default:
		return value.Entry{}, failure.Wrapf(failure.ErrTagOutOfRange, "param kind %d", src.Kind)
	}
}

func (in *inputs) load(ctx context.Context, p bytecode.Param, src bundle.Param) (value.Entry, error) {
	key := in.x.p.bundle.StoredKeys[src.Index]

	prev, seen := in.loaded[key]
	switch {
	case seen && prev.consumed:
		return value.Entry{}, failure.Wrapf(failure.ErrLinearStore, "%s already consumed", key)
	case seen && src.Mode == bundle.Consume:
		return value.Entry{}, failure.Wrapf(failure.ErrLinearStore, "%s consumed after it was loaded", key)
	case seen:
		if prev.typ != p.Type {
			return value.Entry{}, failure.Wrapf(failure.ErrTypeMismatch, "%s loaded as %s and %s", key, prev.typ, p.Type)
		}
		return prev.entry, nil
	}

	if in.x.consumed[key] {
		return value.Entry{}, failure.Wrapf(failure.ErrMissingEntry, "%s was consumed earlier in this section", key)
	}

	record, err := in.x.e.store.Get(ctx, store.EntryValue, key)
	if err != nil {
		return value.Entry{}, err
	}

	profiles := in.x.e.profiles()
	cost := profiles.Load(len(record))
	if src.Mode == bundle.Consume {
		cost = gas.Add(cost, profiles.Write(0))
	}
	if err := in.meter.Charge(cost); err != nil {
		return value.Entry{}, err
	}

	if len(record) < hash.Size {
		return value.Entry{}, failure.Wrapf(failure.ErrMalformed, "record of %d bytes", len(record))
	}

	typ, _ := hash.FromBytes(record[:hash.Size])
	if typ != p.Type {
		return value.Entry{}, failure.Wrapf(failure.ErrTypeMismatch, "entry has type %s, param wants %s", typ, p.Type)
	}

	e, err := value.Decode(p.Schema, record[hash.Size:], in.x.params, in.x.e.config.MaxStructuralDepth)
	if err != nil {
		return value.Entry{}, fmt.Errorf("entry %s: %w", key, err)
	}

	consumed := src.Mode == bundle.Consume
	if consumed {
		in.deletes = append(in.deletes, key)
	}
	in.loaded[key] = loaded{typ: typ, entry: e, consumed: consumed}

	return e, nil
}

func (in *inputs) parse(cache map[uint16]parsed, buf []byte, p bytecode.Param, idx uint16) (value.Entry, error) {
	prev, seen := cache[idx]
	if seen && value.SchemaEqual(prev.schema, p.Schema) {
		return prev.entry, nil
	}

	depth := in.x.e.config.MaxStructuralDepth
	if !seen {
		size, err := value.RuntimeSize(p.Schema, buf, depth)
		if err != nil {
			return value.Entry{}, err
		}
		if err := in.meter.Charge(in.x.e.profiles().Parse(size)); err != nil {
			return value.Entry{}, err
		}
	}

	e, err := value.Decode(p.Schema, buf, in.x.params, depth)
	if err != nil {
		return value.Entry{}, err
	}

	cache[idx] = parsed{schema: p.Schema, entry: e}
	return e, nil
}

func (in *inputs) provided(kind bundle.ProvidedKind) (value.Entry, error) {
	var id hash.Hash
	switch kind {
	case bundle.ProvidedBundleHash:
		id = in.x.p.hash
	case bundle.ProvidedUniqueID:
		id = UniqueID(in.x.p.hash, in.section, in.txn)
	case bundle.ProvidedBlockNumber:
		return value.Uint(in.x.p.block), nil
	case bundle.ProvidedSectionNumber:
		return value.Uint(uint64(in.section)), nil
	case bundle.ProvidedTxnNumber:
		return value.Uint(uint64(in.txn)), nil
	default:
		return value.Entry{}, failure.Wrapf(failure.ErrTagOutOfRange, "provided kind %d", kind)
	}

	data, err := in.x.params.CopyBytes(id[:])
	if err != nil {
		return value.Entry{}, err
	}
	return value.Bytes(data), nil
}
