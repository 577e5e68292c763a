// Package executor admits transaction bundles and runs them against a store.
//
// Execution has two phases. Verification decodes the bundle, loads its
// descriptors and checks block window, replay, declared limits, parameter
// routing and gas without touching the store's staged state. Execution then
// runs every section in order, committing the store after each section that
// succeeds and rolling it back and aborting on the first that fails.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rhino1998/sanskrit/pkg/bundle"
	"github.com/rhino1998/sanskrit/pkg/bytecode"
	"github.com/rhino1998/sanskrit/pkg/extern"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/gas"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/store"
)

type Executor struct {
	logger  *slog.Logger
	config  Config
	store   store.Store
	externs extern.Funcs

	descs *lru.Cache[hash.Hash, *bytecode.Descriptor]
}

// New creates an executor over st. externs is cloned, so registrations made
// after New do not affect it.
func New(logger *slog.Logger, config Config, st store.Store, externs extern.Funcs) (*Executor, error) {
	err := config.Validate(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to validate executor config: %w", err)
	}

	descs, err := lru.New[hash.Hash, *bytecode.Descriptor](config.DescriptorCacheSize)
	if err != nil {
		return nil, err
	}

	return &Executor{
		logger:  logger,
		config:  config,
		store:   st,
		externs: externs.Clone(),
		descs:   descs,
	}, nil
}

// Result summarizes a bundle that executed completely.
type Result struct {
	Bundle  hash.Hash
	Block   uint64
	GasUsed uint64
}

// Verify runs every admission check on buf without executing it.
func (e *Executor) Verify(ctx context.Context, buf []byte, block uint64) error {
	_, err := e.prepare(ctx, buf, block)
	return err
}

// VerifyAll verifies independent bundles concurrently and returns the first
// failure.
func (e *Executor) VerifyAll(ctx context.Context, bufs [][]byte, block uint64) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, buf := range bufs {
		g.Go(func() error {
			if err := e.Verify(ctx, buf, block); err != nil {
				return fmt.Errorf("bundle %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Execute verifies buf and runs it at block. Sections that completed before
// a failing one stay committed.
func (e *Executor) Execute(ctx context.Context, buf []byte, block uint64, tracker Tracker) (*Result, error) {
	if tracker == nil {
		tracker = nopTracker{}
	}

	p, err := e.prepare(ctx, buf, block)
	if err != nil {
		return nil, err
	}

	x, err := e.newExecution(p, tracker)
	if err != nil {
		return nil, err
	}

	if err := x.run(ctx); err != nil {
		e.logger.Info("bundle failed",
			slog.String("bundle", p.hash.String()),
			slog.Uint64("block", block),
			slog.Any("error", err),
		)
		return nil, err
	}

	e.logger.Info("bundle executed",
		slog.String("bundle", p.hash.String()),
		slog.Uint64("block", block),
		slog.Uint64("gas", x.gasUsed),
	)

	return &Result{
		Bundle:  p.hash,
		Block:   block,
		GasUsed: x.gasUsed,
	}, nil
}

func (e *Executor) descriptor(ctx context.Context, h hash.Hash) (*bytecode.Descriptor, error) {
	if d, ok := e.descs.Get(h); ok {
		return d, nil
	}

	buf, err := e.store.Get(ctx, store.Descriptor, h)
	if err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", h, err)
	}

	d, err := bytecode.Decode(buf, e.config.MaxStructuralDepth)
	if err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", h, err)
	}

	if err := bytecode.Validate(d, e.config.MaxStructuralDepth); err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", h, err)
	}

	e.descs.Add(h, d)
	return d, nil
}

// Forget drops a cached descriptor.
func (e *Executor) Forget(h hash.Hash) {
	e.descs.Remove(h)
}

func (e *Executor) profiles() gas.Profiles {
	return e.config.Gas
}

func checkBlock(b *bundle.Bundle, block, window uint64) error {
	if block < b.EarliestBlock || block-b.EarliestBlock >= window {
		return failure.Wrapf(failure.ErrBlockWindow, "block %d, window [%d, %d+%d)", block, b.EarliestBlock, b.EarliestBlock, window)
	}
	return nil
}
