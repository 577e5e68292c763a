package executor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rhino1998/sanskrit/pkg/arena"
	"github.com/rhino1998/sanskrit/pkg/bundle"
	"github.com/rhino1998/sanskrit/pkg/bytecode"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/gas"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/store"
	"github.com/rhino1998/sanskrit/pkg/value"
	"github.com/rhino1998/sanskrit/pkg/vm"
)

// arenaSlack covers alignment padding in the physical buffers.
const arenaSlack = 256

// execution is the state of one bundle run. Its arenas are sized from the
// bundle's declared limits and reused by every transaction.
type execution struct {
	e       *Executor
	p       *plan
	tracker Tracker

	stacks *arena.Arena
	heap   *arena.Arena
	params *arena.Arena

	// consumed holds the keys consumed earlier in the current section.
	// Their deletions are only staged, so the store still serves them.
	consumed map[hash.Hash]bool

	gasUsed uint64
}

func (e *Executor) newExecution(p *plan, tracker Tracker) (*execution, error) {
	lim := p.bundle.Limits
	factor := e.config.PhysicalHeapFactor

	stackBytes := int(lim.MaxStack)*value.EntrySize +
		int(lim.MaxFrames)*vm.FrameSize +
		e.config.ReturnStackSize*value.EntrySize

	return &execution{
		e:        e,
		p:        p,
		tracker:  tracker,
		stacks:   newArena(stackBytes, factor),
		heap:     newArena(int(lim.MaxHeap), factor),
		params:   newArena(int(lim.ParamHeap), factor),
		consumed: make(map[hash.Hash]bool),
		gasUsed:  p.gas.Parse,
	}, nil
}

func newArena(virt, factor int) *arena.Arena {
	return arena.New(arena.NewHeap(virt*factor+arenaSlack), virt)
}

func (x *execution) run(ctx context.Context) error {
	var block [8]byte
	binary.BigEndian.PutUint64(block[:], x.p.block)

	// Recorded with the first section's writes: a bundle that committed
	// anything can never run again.
	if err := x.e.store.Set(ctx, store.Transaction, x.p.hash, block[:]); err != nil {
		return err
	}

	for s, sec := range x.p.bundle.Sections {
		if err := x.section(ctx, s, sec); err != nil {
			return fmt.Errorf("section %d: %w", s, err)
		}
	}

	return nil
}

func (x *execution) section(ctx context.Context, s int, sec bundle.Section) error {
	meter := gas.NewMeter(x.p.gas.Sections[s])
	clear(x.consumed)

	err := x.txns(ctx, s, sec, meter)
	if err == nil {
		err = store.CommitAll(ctx, x.e.store)
	}
	if err != nil {
		if rbErr := store.RollbackAll(ctx, x.e.store); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
	}

	x.gasUsed = gas.Add(x.gasUsed, meter.Used())
	x.tracker.SectionFinish(s, meter.Used(), err)

	x.e.logger.Debug("section finished",
		slog.Int("section", s),
		slog.String("type", sec.Type.String()),
		slog.Uint64("gas", meter.Used()),
		slog.Bool("success", err == nil),
	)

	return err
}

func (x *execution) txns(ctx context.Context, s int, sec bundle.Section, meter *gas.Meter) error {
	for t, txn := range sec.Txns {
		if err := x.txn(ctx, s, t, txn, meter); err != nil {
			return fmt.Errorf("txn %d: %w", t, err)
		}
	}
	return nil
}

func (x *execution) reuse() {
	x.stacks.Reuse()
	x.heap.Reuse()
	x.params.Reuse()
}

func (x *execution) txn(ctx context.Context, s, t int, txn bundle.Txn, meter *gas.Meter) (err error) {
	defer func() {
		x.tracker.TransactionFinish(s, t, err)
	}()
	defer x.reuse()

	desc := x.p.descs[txn.Descriptor]
	if err := meter.Charge(desc.GasCost); err != nil {
		return err
	}

	restore := x.heap.Limit(int(desc.MaxHeap))
	defer restore()

	rt, err := vm.New(x.e.logger, desc, x.e.externs, x.stacks, x.heap, vm.Config{
		ReturnStackSize: x.e.config.ReturnStackSize,
		MaxDepth:        x.e.config.MaxStructuralDepth,
	})
	if err != nil {
		return err
	}

	in := &inputs{
		x:         x,
		section:   s,
		txn:       t,
		meter:     meter,
		loaded:    make(map[hash.Hash]loaded),
		literals:  make(map[uint16]parsed),
		witnesses: make(map[uint16]parsed),
	}

	for i, src := range txn.Params {
		e, err := in.param(ctx, desc.Params[i], src)
		if err != nil {
			return fmt.Errorf("param %d (%s): %w", i, src, err)
		}
		if err := rt.Push(e); err != nil {
			return err
		}
	}

	results, err := rt.Run(ctx)
	if err != nil {
		return err
	}

	if len(results) != len(desc.Returns) {
		return failure.Wrapf(failure.ErrArity, "descriptor returned %d values, declares %d", len(results), len(desc.Returns))
	}

	for _, key := range in.deletes {
		if err := x.delete(ctx, key); err != nil {
			return err
		}
		x.consumed[key] = true
	}

	for i, sink := range txn.Returns {
		if err := x.route(ctx, s, t, i, desc.Returns[i], sink, results[i], meter); err != nil {
			return fmt.Errorf("return %d (%s): %w", i, sink, err)
		}
	}

	x.e.logger.Debug("transaction finished",
		slog.Int("section", s),
		slog.Int("txn", t),
		slog.Int("params", len(txn.Params)),
		slog.Int("results", len(results)),
	)

	return nil
}

func (x *execution) delete(ctx context.Context, key hash.Hash) error {
	if err := x.e.store.Delete(ctx, store.EntryValue, key); err != nil {
		return err
	}
	return x.e.store.Delete(ctx, store.EntryHash, key)
}

// EntryKey is the key the return at position ret of a transaction is stored
// under.
func EntryKey(bundleHash hash.Hash, section, txn, ret int) hash.Hash {
	return hash.Domain("sanskrit/entry", bundleHash[:], []byte{byte(section), byte(txn), byte(ret)})
}

// UniqueID is the provided unique id of a transaction.
func UniqueID(bundleHash hash.Hash, section, txn int) hash.Hash {
	return hash.Domain("sanskrit/unique", bundleHash[:], []byte{byte(section), byte(txn)})
}

// Record is the stored form of an entry: its type hash followed by the
// serialized value.
func Record(typ hash.Hash, schema value.Schema, e value.Entry) ([]byte, error) {
	enc, err := value.Encode(schema, e)
	if err != nil {
		return nil, err
	}

	record := make([]byte, 0, hash.Size+len(enc))
	record = append(record, typ[:]...)
	return append(record, enc...), nil
}

func (x *execution) route(ctx context.Context, s, t, i int, ret bytecode.ReturnSpec, sink bundle.ReturnKind, e value.Entry, meter *gas.Meter) error {
	switch sink {
	case bundle.ReturnStore:
		record, err := Record(ret.Type, ret.Schema, e)
		if err != nil {
			return err
		}

		if err := meter.Charge(x.e.profiles().Write(len(record))); err != nil {
			return err
		}

		key := EntryKey(x.p.hash, s, t, i)
		if err := x.e.store.Set(ctx, store.EntryValue, key, record); err != nil {
			return err
		}
		digest := hash.Sum(record)
		if err := x.e.store.Set(ctx, store.EntryHash, key, digest[:]); err != nil {
			return err
		}

		x.tracker.Stored(s, t, key)
	case bundle.ReturnLog:
		line, err := value.Format(ret.Schema, e)
		if err != nil {
			return err
		}

		x.e.logger.Debug("log", slog.Int("section", s), slog.Int("txn", t), slog.String("line", line))
		x.tracker.Log(s, t, line)
	case bundle.ReturnDrop:
	}

	return nil
}
