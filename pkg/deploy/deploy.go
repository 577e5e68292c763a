// Package deploy admits modules and transaction descriptors into the store.
//
// Modules are type checked against the modules already deployed before
// they are written; descriptors are structurally validated.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rhino1998/sanskrit/pkg/bytecode"
	"github.com/rhino1998/sanskrit/pkg/checker"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/module"
	"github.com/rhino1998/sanskrit/pkg/store"
	"github.com/rhino1998/sanskrit/pkg/topological"
	"github.com/rhino1998/sanskrit/pkg/wire"
)

type Config struct {
	MaxStructuralDepth int
	Checker            checker.Config
}

func DefaultConfig() Config {
	return Config{
		MaxStructuralDepth: wire.DefaultMaxDepth,
		Checker:            checker.DefaultConfig(),
	}
}

func (c *Config) Validate(logger *slog.Logger) error {
	if c.MaxStructuralDepth <= 0 {
		return fmt.Errorf("max structural depth must be positive, got %d", c.MaxStructuralDepth)
	}
	return c.Checker.Validate(logger)
}

type Deployer struct {
	logger *slog.Logger
	config Config
	store  store.Store
	loader *checker.Loader
}

func New(logger *slog.Logger, st store.Store, config Config) (*Deployer, error) {
	err := config.Validate(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to validate deploy config: %w", err)
	}

	d := &Deployer{
		logger: logger,
		config: config,
		store:  st,
	}

	d.loader, err = checker.New(logger, Resolver{Store: st, MaxDepth: config.MaxStructuralDepth}, config.Checker)
	if err != nil {
		return nil, err
	}

	return d, nil
}

// Resolver reads deployed modules from a store.
type Resolver struct {
	Store    store.Store
	MaxDepth int
}

func (r Resolver) Module(ctx context.Context, h hash.Hash) (*module.Module, error) {
	buf, err := r.Store.Get(ctx, store.Module, h)
	if errors.Is(err, failure.ErrMissingEntry) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return module.Decode(buf, r.MaxDepth)
}

// Module checks and stores an encoded module. Deploying a module that is
// already stored is a no-op.
func (d *Deployer) Module(ctx context.Context, buf []byte) (hash.Hash, error) {
	m, err := module.Decode(buf, d.config.MaxStructuralDepth)
	if err != nil {
		return hash.Zero, fmt.Errorf("failed to decode module: %w", err)
	}
	return d.deploy(ctx, buf, m)
}

func (d *Deployer) deploy(ctx context.Context, buf []byte, m *module.Module) (hash.Hash, error) {
	h := hash.Sum(buf)

	exists, err := d.store.Contains(ctx, store.Module, h)
	if err != nil {
		return hash.Zero, err
	}
	if exists {
		d.logger.Debug("module already deployed", slog.String("module", h.String()))
		return h, nil
	}

	if err := d.loader.Check(ctx, h, m); err != nil {
		return hash.Zero, fmt.Errorf("module %s: %w", h, err)
	}

	if err := d.store.Set(ctx, store.Module, h, buf); err != nil {
		return hash.Zero, err
	}
	if err := d.store.Commit(ctx, store.Module); err != nil {
		return hash.Zero, err
	}

	d.loader.Deployed(h, m)
	d.logger.Info("module deployed", slog.String("module", h.String()), slog.Int("bytes", len(buf)))

	return h, nil
}

// Modules deploys a batch of encoded modules, each after the batch members
// it imports. It stops at the first module that fails.
func (d *Deployer) Modules(ctx context.Context, bufs [][]byte) ([]hash.Hash, error) {
	type pending struct {
		hash hash.Hash
		buf  []byte
		mod  *module.Module
	}

	batch := make([]pending, len(bufs))
	for i, buf := range bufs {
		m, err := module.Decode(buf, d.config.MaxStructuralDepth)
		if err != nil {
			return nil, fmt.Errorf("module %d: failed to decode: %w", i, err)
		}
		batch[i] = pending{hash: hash.Sum(buf), buf: buf, mod: m}
	}

	ordered, err := topological.SortFunc(
		batch,
		func(p pending) hash.Hash { return p.hash },
		func(p pending) []hash.Hash { return p.mod.Dependencies() },
		hash.Compare,
	)
	if err != nil {
		return nil, fmt.Errorf("module imports: %w", err)
	}

	hashes := make([]hash.Hash, 0, len(ordered))
	for _, p := range ordered {
		h, err := d.deploy(ctx, p.buf, p.mod)
		if err != nil {
			return hashes, err
		}
		hashes = append(hashes, h)
	}

	return hashes, nil
}

// Descriptor validates and stores an encoded transaction descriptor.
func (d *Deployer) Descriptor(ctx context.Context, buf []byte) (hash.Hash, error) {
	desc, err := bytecode.Decode(buf, d.config.MaxStructuralDepth)
	if err != nil {
		return hash.Zero, fmt.Errorf("failed to decode descriptor: %w", err)
	}

	if err := bytecode.Validate(desc, d.config.MaxStructuralDepth); err != nil {
		return hash.Zero, fmt.Errorf("invalid descriptor: %w", err)
	}

	h := hash.Sum(buf)
	if err := d.store.Set(ctx, store.Descriptor, h, buf); err != nil {
		return hash.Zero, err
	}
	if err := d.store.Commit(ctx, store.Descriptor); err != nil {
		return hash.Zero, err
	}

	d.logger.Info("descriptor deployed",
		slog.String("descriptor", h.String()),
		slog.Int("params", len(desc.Params)),
		slog.Int("returns", len(desc.Returns)),
		slog.Uint64("gas", desc.GasCost),
	)

	return h, nil
}
