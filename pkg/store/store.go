// Package store is the content-addressed key-value store bundles execute
// against.
//
// Writes are staged per namespace and only become visible once the
// namespace is committed. Reads always observe committed state, so a value
// written during a section is invisible until that section commits.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
)

type Namespace uint8

const (
	Module Namespace = iota
	Transaction
	Descriptor
	EntryValue
	EntryHash

	namespaceCount
)

// Namespaces lists every namespace in commit order.
var Namespaces = []Namespace{Module, Transaction, Descriptor, EntryValue, EntryHash}

func (ns Namespace) String() string {
	switch ns {
	case Module:
		return "module"
	case Transaction:
		return "transaction"
	case Descriptor:
		return "descriptor"
	case EntryValue:
		return "entry-value"
	case EntryHash:
		return "entry-hash"
	default:
		return fmt.Sprintf("namespace(%d)", uint8(ns))
	}
}

func (ns Namespace) valid() bool {
	return ns < namespaceCount
}

type Store interface {
	Contains(ctx context.Context, ns Namespace, key hash.Hash) (bool, error)
	// Get fails with failure.ErrMissingEntry when key is absent.
	Get(ctx context.Context, ns Namespace, key hash.Hash) ([]byte, error)
	Set(ctx context.Context, ns Namespace, key hash.Hash, val []byte) error
	Delete(ctx context.Context, ns Namespace, key hash.Hash) error
	Commit(ctx context.Context, ns Namespace) error
	Rollback(ctx context.Context, ns Namespace) error
}

// Write is one staged mutation. A nil Value deletes the key.
type Write struct {
	Key   hash.Hash
	Value []byte
}

// Backend holds committed state.
type Backend interface {
	// Read fails with failure.ErrMissingEntry when key is absent.
	Read(ctx context.Context, ns Namespace, key hash.Hash) ([]byte, error)
	// Apply writes batch atomically.
	Apply(ctx context.Context, ns Namespace, batch []Write) error
}

// Overlay stages writes over a Backend.
type Overlay struct {
	backend Backend

	mu      sync.Mutex
	pending [namespaceCount]staged
}

type staged struct {
	order  []hash.Hash
	writes map[hash.Hash][]byte
}

func NewOverlay(backend Backend) *Overlay {
	return &Overlay{backend: backend}
}

var _ Store = (*Overlay)(nil)

func (o *Overlay) Contains(ctx context.Context, ns Namespace, key hash.Hash) (bool, error) {
	_, err := o.Get(ctx, ns, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, failure.ErrMissingEntry):
		return false, nil
	default:
		return false, err
	}
}

func (o *Overlay) Get(ctx context.Context, ns Namespace, key hash.Hash) ([]byte, error) {
	if !ns.valid() {
		return nil, failure.Wrapf(failure.ErrStore, "unknown %s", ns)
	}
	val, err := o.backend.Read(ctx, ns, key)
	if err != nil && !errors.Is(err, failure.ErrMissingEntry) {
		return nil, failure.System(err)
	}
	return val, err
}

func (o *Overlay) Set(ctx context.Context, ns Namespace, key hash.Hash, val []byte) error {
	if val == nil {
		val = []byte{}
	}
	return o.stage(ns, key, val)
}

func (o *Overlay) Delete(ctx context.Context, ns Namespace, key hash.Hash) error {
	return o.stage(ns, key, nil)
}

func (o *Overlay) stage(ns Namespace, key hash.Hash, val []byte) error {
	if !ns.valid() {
		return failure.Wrapf(failure.ErrStore, "unknown %s", ns)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	p := &o.pending[ns]
	if p.writes == nil {
		p.writes = make(map[hash.Hash][]byte)
	}
	if _, ok := p.writes[key]; !ok {
		p.order = append(p.order, key)
	}
	p.writes[key] = val
	return nil
}

// Pending reports how many keys of ns have staged writes.
func (o *Overlay) Pending(ns Namespace) int {
	if !ns.valid() {
		return 0
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending[ns].order)
}

func (o *Overlay) Commit(ctx context.Context, ns Namespace) error {
	if !ns.valid() {
		return failure.Wrapf(failure.ErrStore, "unknown %s", ns)
	}

	o.mu.Lock()
	p := o.pending[ns]
	o.pending[ns] = staged{}
	o.mu.Unlock()

	if len(p.order) == 0 {
		return nil
	}

	batch := make([]Write, len(p.order))
	for i, key := range p.order {
		batch[i] = Write{Key: key, Value: p.writes[key]}
	}

	if err := o.backend.Apply(ctx, ns, batch); err != nil {
		return failure.System(fmt.Errorf("commit %s: %w", ns, err))
	}
	return nil
}

func (o *Overlay) Rollback(ctx context.Context, ns Namespace) error {
	if !ns.valid() {
		return failure.Wrapf(failure.ErrStore, "unknown %s", ns)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[ns] = staged{}
	return nil
}

// CommitAll commits every namespace.
func CommitAll(ctx context.Context, s Store) error {
	for _, ns := range Namespaces {
		if err := s.Commit(ctx, ns); err != nil {
			return err
		}
	}
	return nil
}

// RollbackAll drops the staged writes of every namespace.
func RollbackAll(ctx context.Context, s Store) error {
	for _, ns := range Namespaces {
		if err := s.Rollback(ctx, ns); err != nil {
			return err
		}
	}
	return nil
}
