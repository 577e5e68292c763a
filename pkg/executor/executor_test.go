package executor_test

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/rhino1998/sanskrit/pkg/bundle"
	"github.com/rhino1998/sanskrit/pkg/bytecode"
	"github.com/rhino1998/sanskrit/pkg/executor"
	"github.com/rhino1998/sanskrit/pkg/extern"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/store"
	"github.com/rhino1998/sanskrit/pkg/types"
	"github.com/rhino1998/sanskrit/pkg/value"
	"github.com/stretchr/testify/require"
)

var (
	u8      = value.Unsigned{Width: 1}
	counter = hash.Sum([]byte("counter type"))
)

type recorder struct {
	logs     []string
	stored   []hash.Hash
	txns     []error
	sections []error
}

func (r *recorder) Log(_, _ int, line string)                { r.logs = append(r.logs, line) }
func (r *recorder) Stored(_, _ int, key hash.Hash)           { r.stored = append(r.stored, key) }
func (r *recorder) TransactionFinish(_, _ int, err error)    { r.txns = append(r.txns, err) }
func (r *recorder) SectionFinish(_ int, _ uint64, err error) { r.sections = append(r.sections, err) }

type harness struct {
	t   *testing.T
	mem *store.Memory
	st  *store.Overlay
	ex  *executor.Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mem := store.NewMemory()
	st := store.NewOverlay(mem)

	ex, err := executor.New(slogt.New(t), executor.DefaultConfig(), st, extern.DefaultFuncs())
	require.NoError(t, err)

	return &harness{t: t, mem: mem, st: st, ex: ex}
}

func (h *harness) descriptor(root *bytecode.Exp, params []bytecode.Param, returns []bytecode.ReturnSpec) hash.Hash {
	h.t.Helper()
	r := require.New(h.t)

	d := &bytecode.Descriptor{
		MaxStack:  32,
		MaxFrames: 8,
		MaxHeap:   1024,
		GasCost:   100,
		Params:    params,
		Returns:   returns,
		Functions: []bytecode.Function{root},
	}

	buf, err := bytecode.Encode(d)
	r.NoError(err)

	dh := hash.Sum(buf)
	r.NoError(h.st.Set(context.Background(), store.Descriptor, dh, buf))
	r.NoError(h.st.Commit(context.Background(), store.Descriptor))
	return dh
}

func (h *harness) put(key hash.Hash, e value.Entry) {
	h.t.Helper()
	r := require.New(h.t)
	ctx := context.Background()

	record, err := executor.Record(counter, u8, e)
	r.NoError(err)
	r.NoError(h.st.Set(ctx, store.EntryValue, key, record))
	r.NoError(h.st.Commit(ctx, store.EntryValue))
}

func (h *harness) get(key hash.Hash) (value.Entry, error) {
	record, err := h.st.Get(context.Background(), store.EntryValue, key)
	if err != nil {
		return value.Entry{}, err
	}
	return value.Decode(u8, record[hash.Size:], nil, 0)
}

func newBundle(descs []hash.Hash, sections ...bundle.Section) *bundle.Bundle {
	return &bundle.Bundle{Core: bundle.Core{
		EarliestBlock: 10,
		EssentialGas:  math.MaxUint64,
		TotalGas:      math.MaxUint64,
		Limits:        bundle.Limits{MaxStack: 32, MaxFrames: 8, MaxHeap: 1024, ParamHeap: 1024},
		Descriptors:   descs,
		Sections:      sections,
	}}
}

func encode(t *testing.T, b *bundle.Bundle) ([]byte, hash.Hash) {
	t.Helper()
	r := require.New(t)

	buf, err := bundle.Encode(b)
	r.NoError(err)
	h, err := b.Hash()
	r.NoError(err)
	return buf, h
}

func normal(txns ...bundle.Txn) bundle.Section {
	return bundle.Section{Type: bundle.Normal, Txns: txns}
}

// orDescriptor ORs its u8 parameter with a copy of itself.
func (h *harness) orDescriptor() hash.Hash {
	return h.descriptor(
		&bytecode.Exp{Params: 1, Results: 1, Ops: []bytecode.Op{
			bytecode.Copy{Ref: 0},
			bytecode.Binary{Op: bytecode.Or, Kind: bytecode.U8, A: 0, B: 1},
		}},
		[]bytecode.Param{{Schema: u8, Caps: types.LitCaps, Consumes: true}},
		[]bytecode.ReturnSpec{{Schema: u8, Caps: types.LitCaps}},
	)
}

// incrementDescriptor consumes a stored counter and returns it plus one.
func (h *harness) incrementDescriptor() hash.Hash {
	return h.descriptor(
		&bytecode.Exp{Params: 1, Results: 1, Ops: []bytecode.Op{
			bytecode.SpecialLit{Kind: bytecode.U8, Data: []byte{1}},
			bytecode.Binary{Op: bytecode.Add, Kind: bytecode.U8, A: 1, B: 0},
		}},
		[]bytecode.Param{{Schema: u8, Type: counter, Caps: types.Drop | types.Persist | types.Value, Consumes: true}},
		[]bytecode.ReturnSpec{{Schema: u8, Type: counter, Caps: types.Drop | types.Persist | types.Value}},
	)
}

// peekDescriptor copies a stored counter for logging.
func (h *harness) peekDescriptor() hash.Hash {
	return h.descriptor(
		&bytecode.Exp{Params: 1, Results: 1, Ops: []bytecode.Op{
			bytecode.Copy{Ref: 0},
		}},
		[]bytecode.Param{{Schema: u8, Type: counter, Caps: types.Drop | types.Copy | types.Value}},
		[]bytecode.ReturnSpec{{Schema: u8, Caps: types.Drop}},
	)
}

func TestOrLiteral(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)

	b := newBundle([]hash.Hash{h.orDescriptor()}, normal(bundle.Txn{
		Params:  []bundle.Param{bundle.Literal(0)},
		Returns: []bundle.ReturnKind{bundle.ReturnLog},
	}))
	b.Literals = [][]byte{{0x0F}}
	buf, bh := encode(t, b)

	var rec recorder
	res, err := h.ex.Execute(context.Background(), buf, 10, &rec)
	r.NoError(err)
	r.Equal(bh, res.Bundle)
	r.NotZero(res.GasUsed)

	r.Equal([]string{"u8 = 0x0F"}, rec.logs)
	r.Equal([]error{nil}, rec.txns)
	r.Equal([]error{nil}, rec.sections)

	_, err = h.ex.Execute(context.Background(), buf, 11, nil)
	r.ErrorIs(err, failure.ErrReplay)
}

func TestBlockWindow(t *testing.T) {
	tests := []struct {
		block uint64
		err   error
	}{
		{block: 9, err: failure.ErrBlockWindow},
		{block: 10},
		{block: 109},
		{block: 110, err: failure.ErrBlockWindow},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.block), func(t *testing.T) {
			r := require.New(t)
			h := newHarness(t)

			b := newBundle([]hash.Hash{h.orDescriptor()}, normal(bundle.Txn{
				Params:  []bundle.Param{bundle.Literal(0)},
				Returns: []bundle.ReturnKind{bundle.ReturnDrop},
			}))
			b.Literals = [][]byte{{1}}
			buf, _ := encode(t, b)

			err := h.ex.Verify(context.Background(), buf, tt.block)
			if tt.err == nil {
				r.NoError(err)
			} else {
				r.ErrorIs(err, tt.err)
			}
		})
	}
}

func TestConsumeThenStore(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	key := hash.Sum([]byte("counter"))
	h.put(key, value.Uint(7))

	inc := h.incrementDescriptor()
	peek := h.peekDescriptor()

	b := newBundle([]hash.Hash{inc, peek}, normal(bundle.Txn{
		Descriptor: 0,
		Params:     []bundle.Param{bundle.Load(bundle.Consume, 0)},
		Returns:    []bundle.ReturnKind{bundle.ReturnStore},
	}))
	b.StoredKeys = []hash.Hash{key}
	buf, bh := encode(t, b)

	var rec recorder
	_, err := h.ex.Execute(ctx, buf, 10, &rec)
	r.NoError(err)

	stored := executor.EntryKey(bh, 0, 0, 0)
	r.Equal([]hash.Hash{stored}, rec.stored)

	_, err = h.get(key)
	r.ErrorIs(err, failure.ErrMissingEntry)

	e, err := h.get(stored)
	r.NoError(err)
	r.Equal(uint64(8), e.Uint64())

	digest, err := h.st.Get(ctx, store.EntryHash, stored)
	r.NoError(err)
	record, err := h.st.Get(ctx, store.EntryValue, stored)
	r.NoError(err)
	want := hash.Sum(record)
	r.Equal(want[:], digest)

	// The stored value is visible to a later bundle.
	next := newBundle([]hash.Hash{peek}, normal(bundle.Txn{
		Params:  []bundle.Param{bundle.Load(bundle.Copy, 0)},
		Returns: []bundle.ReturnKind{bundle.ReturnLog},
	}))
	next.StoredKeys = []hash.Hash{stored}
	buf, _ = encode(t, next)

	rec = recorder{}
	_, err = h.ex.Execute(ctx, buf, 10, &rec)
	r.NoError(err)
	r.Equal([]string{"u8 = 0x08"}, rec.logs)
}

func TestConsumedWithinSection(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)

	key := hash.Sum([]byte("counter"))
	h.put(key, value.Uint(1))

	consume := bundle.Txn{
		Params:  []bundle.Param{bundle.Load(bundle.Consume, 0)},
		Returns: []bundle.ReturnKind{bundle.ReturnDrop},
	}
	b := newBundle([]hash.Hash{h.incrementDescriptor()}, normal(consume, consume))
	b.StoredKeys = []hash.Hash{key}
	buf, _ := encode(t, b)

	var rec recorder
	_, err := h.ex.Execute(context.Background(), buf, 10, &rec)
	r.ErrorIs(err, failure.ErrMissingEntry)
	r.Len(rec.txns, 2)
	r.NoError(rec.txns[0])
	r.Error(rec.sections[0])

	e, err := h.get(key)
	r.NoError(err, "the section rolled back")
	r.Equal(uint64(1), e.Uint64())
	r.Equal(0, h.mem.Len(store.Transaction))
}

func TestSectionRollback(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)

	key := hash.Sum([]byte("counter"))
	h.put(key, value.Uint(1))

	fail := h.descriptor(
		&bytecode.Exp{Ops: []bytecode.Op{bytecode.Rollback{}}},
		nil, nil,
	)

	b := newBundle([]hash.Hash{h.incrementDescriptor(), fail},
		normal(bundle.Txn{
			Descriptor: 0,
			Params:     []bundle.Param{bundle.Load(bundle.Consume, 0)},
			Returns:    []bundle.ReturnKind{bundle.ReturnStore},
		}),
		normal(bundle.Txn{Descriptor: 1}),
	)
	b.StoredKeys = []hash.Hash{key}
	buf, bh := encode(t, b)

	var rec recorder
	_, err := h.ex.Execute(context.Background(), buf, 10, &rec)
	r.ErrorIs(err, failure.ErrRollback)
	r.Len(rec.sections, 2)
	r.NoError(rec.sections[0])
	r.ErrorIs(rec.sections[1], failure.ErrRollback)

	e, err := h.get(executor.EntryKey(bh, 0, 0, 0))
	r.NoError(err, "the first section stays committed")
	r.Equal(uint64(2), e.Uint64())

	_, err = h.ex.Execute(context.Background(), buf, 10, nil)
	r.ErrorIs(err, failure.ErrReplay)
}

func TestDoubleLoadAfterConsume(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)

	key := hash.Sum([]byte("counter"))
	h.put(key, value.Uint(1))

	d := h.descriptor(
		&bytecode.Exp{Params: 2},
		[]bytecode.Param{
			{Schema: u8, Type: counter, Caps: types.Drop | types.Copy, Consumes: true},
			{Schema: u8, Type: counter, Caps: types.Drop | types.Copy},
		},
		nil,
	)

	b := newBundle([]hash.Hash{d}, normal(bundle.Txn{
		Params: []bundle.Param{bundle.Load(bundle.Consume, 0), bundle.Load(bundle.Copy, 0)},
	}))
	b.StoredKeys = []hash.Hash{key}
	buf, _ := encode(t, b)

	_, err := h.ex.Execute(context.Background(), buf, 10, nil)
	r.ErrorIs(err, failure.ErrLinearStore)

	_, err = h.get(key)
	r.NoError(err)
}

func TestDuplicateStoredKey(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)

	key := hash.Sum([]byte("counter"))
	h.put(key, value.Uint(7))

	persist := types.Drop | types.Persist | types.Value
	d := h.descriptor(
		&bytecode.Exp{Params: 2, Results: 2},
		[]bytecode.Param{
			{Schema: u8, Type: counter, Caps: persist, Consumes: true},
			{Schema: u8, Type: counter, Caps: persist, Consumes: true},
		},
		[]bytecode.ReturnSpec{
			{Schema: u8, Type: counter, Caps: persist},
			{Schema: u8, Type: counter, Caps: persist},
		},
	)

	b := newBundle([]hash.Hash{d}, normal(bundle.Txn{
		Params:  []bundle.Param{bundle.Load(bundle.Consume, 0), bundle.Load(bundle.Consume, 1)},
		Returns: []bundle.ReturnKind{bundle.ReturnStore, bundle.ReturnStore},
	}))
	b.StoredKeys = []hash.Hash{key, key}
	buf, _ := encode(t, b)

	_, err := h.ex.Execute(context.Background(), buf, 10, nil)
	r.ErrorIs(err, failure.ErrInvalidBundle)

	r.Equal(1, h.mem.Len(store.EntryValue))
	r.Equal(0, h.mem.Len(store.Transaction))
	e, err := h.get(key)
	r.NoError(err)
	r.Equal(uint64(7), e.Uint64())
}

func TestGasUnderestimate(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)

	key := hash.Sum([]byte("counter"))
	h.put(key, value.Uint(1))

	b := newBundle([]hash.Hash{h.incrementDescriptor()}, normal(bundle.Txn{
		Params:  []bundle.Param{bundle.Load(bundle.Consume, 0)},
		Returns: []bundle.ReturnKind{bundle.ReturnStore},
	}))
	b.StoredKeys = []hash.Hash{key}
	b.TotalGas = 1
	buf, _ := encode(t, b)

	_, err := h.ex.Execute(context.Background(), buf, 10, nil)
	r.ErrorIs(err, failure.ErrGasExceeded)

	r.Equal(1, h.mem.Len(store.EntryValue))
	r.Equal(0, h.mem.Len(store.Transaction))
	_, err = h.get(key)
	r.NoError(err)
}

func TestRouting(t *testing.T) {
	tests := []struct {
		name string
		txn  bundle.Txn
		err  error
	}{
		{
			name: "store without persist",
			txn: bundle.Txn{
				Descriptor: 1,
				Params:     []bundle.Param{bundle.Load(bundle.Copy, 0)},
				Returns:    []bundle.ReturnKind{bundle.ReturnStore},
			},
			err: failure.ErrCapabilityMissing,
		},
		{
			name: "borrow into consuming param",
			txn: bundle.Txn{
				Descriptor: 0,
				Params:     []bundle.Param{bundle.Load(bundle.Borrow, 0)},
				Returns:    []bundle.ReturnKind{bundle.ReturnStore},
			},
			err: failure.ErrTypeMismatch,
		},
		{
			name: "copy without copy",
			txn: bundle.Txn{
				Descriptor: 0,
				Params:     []bundle.Param{bundle.Load(bundle.Copy, 0)},
				Returns:    []bundle.ReturnKind{bundle.ReturnStore},
			},
			err: failure.ErrCapabilityMissing,
		},
		{
			name: "provided block number as u8",
			txn: bundle.Txn{
				Descriptor: 1,
				Params:     []bundle.Param{bundle.Provided(bundle.ProvidedBlockNumber)},
				Returns:    []bundle.ReturnKind{bundle.ReturnDrop},
			},
			err: failure.ErrTypeMismatch,
		},
		{
			name: "arity",
			txn: bundle.Txn{
				Descriptor: 1,
				Returns:    []bundle.ReturnKind{bundle.ReturnDrop},
			},
			err: failure.ErrArity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := require.New(t)
			h := newHarness(t)

			b := newBundle([]hash.Hash{h.incrementDescriptor(), h.peekDescriptor()}, normal(tt.txn))
			b.StoredKeys = []hash.Hash{hash.Sum([]byte("counter"))}
			buf, _ := encode(t, b)

			r.ErrorIs(h.ex.Verify(context.Background(), buf, 10), tt.err)
		})
	}
}

func TestLimits(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)

	b := newBundle([]hash.Hash{h.orDescriptor()}, normal(bundle.Txn{
		Params:  []bundle.Param{bundle.Literal(0)},
		Returns: []bundle.ReturnKind{bundle.ReturnDrop},
	}))
	b.Literals = [][]byte{{1}}
	b.Limits.MaxFrames = 4
	buf, _ := encode(t, b)

	r.ErrorIs(h.ex.Verify(context.Background(), buf, 10), failure.ErrLimitExceeded)
}

func TestProvided(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)

	d := h.descriptor(
		&bytecode.Exp{Params: 3, Results: 3},
		[]bytecode.Param{
			{Schema: value.Data{Size: hash.Size}, Caps: types.LitCaps},
			{Schema: value.Unsigned{Width: 8}, Caps: types.LitCaps},
			{Schema: u8, Caps: types.LitCaps},
		},
		[]bytecode.ReturnSpec{
			{Schema: value.Data{Size: hash.Size}, Caps: types.LitCaps},
			{Schema: value.Unsigned{Width: 8}, Caps: types.LitCaps},
			{Schema: u8, Caps: types.LitCaps},
		},
	)

	txn := bundle.Txn{
		Params: []bundle.Param{
			bundle.Provided(bundle.ProvidedUniqueID),
			bundle.Provided(bundle.ProvidedBlockNumber),
			bundle.Provided(bundle.ProvidedTxnNumber),
		},
		Returns: []bundle.ReturnKind{bundle.ReturnLog, bundle.ReturnLog, bundle.ReturnLog},
	}
	b := newBundle([]hash.Hash{d}, bundle.Section{Type: bundle.Essential, Txns: []bundle.Txn{txn, txn}})
	buf, bh := encode(t, b)

	var rec recorder
	_, err := h.ex.Execute(context.Background(), buf, 12, &rec)
	r.NoError(err)

	id0 := executor.UniqueID(bh, 0, 0)
	id1 := executor.UniqueID(bh, 0, 1)
	r.Equal([]string{
		fmt.Sprintf("data[20] = 0x%X", id0[:]),
		"u64 = 0x000000000000000C",
		"u8 = 0x00",
		fmt.Sprintf("data[20] = 0x%X", id1[:]),
		"u64 = 0x000000000000000C",
		"u8 = 0x01",
	}, rec.logs)
}

func TestVerifyAll(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)

	var bufs [][]byte
	for i := range 4 {
		b := newBundle([]hash.Hash{h.orDescriptor()}, normal(bundle.Txn{
			Params:  []bundle.Param{bundle.Literal(0)},
			Returns: []bundle.ReturnKind{bundle.ReturnDrop},
		}))
		b.Literals = [][]byte{{byte(i)}}
		buf, _ := encode(t, b)
		bufs = append(bufs, buf)
	}

	r.NoError(h.ex.VerifyAll(context.Background(), bufs, 10))

	bufs = append(bufs, []byte("junk"))
	err := h.ex.VerifyAll(context.Background(), bufs, 10)
	r.ErrorIs(err, failure.ErrBadMagic)
	r.ErrorContains(err, "bundle 4")
}

func TestMissingDescriptor(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)

	b := newBundle([]hash.Hash{hash.Sum([]byte("nope"))}, normal(bundle.Txn{}))
	buf, _ := encode(t, b)

	r.ErrorIs(h.ex.Verify(context.Background(), buf, 10), failure.ErrMissingEntry)
}

func TestLoadConfig(t *testing.T) {
	r := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "sanskrit.toml")
	r.NoError(os.WriteFile(path, []byte(`
block_inclusion_window = 5
max_bundle_size = 4096

[gas.store_write]
constant = 7
multiplier = 2
divisor = 3
`), 0o644))

	cfg, err := executor.LoadConfig(path)
	r.NoError(err)
	r.Equal(uint64(5), cfg.BlockInclusionWindow)
	r.Equal(4096, cfg.MaxBundleSize)
	r.Equal(uint64(7), cfg.Gas.StoreWrite.Constant)
	r.Equal(executor.DefaultConfig().Gas.StoreLoad, cfg.Gas.StoreLoad)
	r.NoError(cfg.Validate(slogt.New(t)))

	r.NoError(os.WriteFile(path, []byte("unknown_key = 1\n"), 0o644))
	_, err = executor.LoadConfig(path)
	r.ErrorContains(err, "unknown_key")

	cfg.Gas.Encoding.Divisor = 0
	_, err = executor.New(slogt.New(t), cfg, store.NewOverlay(store.NewMemory()), extern.DefaultFuncs())
	r.ErrorContains(err, "failed to validate executor config")
}
