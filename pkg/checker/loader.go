// Package checker verifies modules before they are deployed: imports,
// visibility, capabilities and the linear typing of function bodies.
package checker

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/module"
	"github.com/rhino1998/sanskrit/pkg/types"
)

// Resolver fetches deployed modules by hash.
type Resolver interface {
	Module(ctx context.Context, h hash.Hash) (*module.Module, error)
}

type Config struct {
	// ModuleCacheSize bounds the number of decoded modules kept in memory.
	ModuleCacheSize int
	// InfoCacheSize bounds the number of resolved components kept in memory.
	InfoCacheSize int
}

func DefaultConfig() Config {
	return Config{
		ModuleCacheSize: 256,
		InfoCacheSize:   4096,
	}
}

func (c *Config) Validate(logger *slog.Logger) error {
	if c.ModuleCacheSize <= 0 {
		return fmt.Errorf("module cache size must be positive, got %d", c.ModuleCacheSize)
	}
	if c.InfoCacheSize <= 0 {
		return fmt.Errorf("info cache size must be positive, got %d", c.InfoCacheSize)
	}
	return nil
}

// Loader resolves and checks modules. Resolved types are interned per
// loader; deployed modules and their resolved components are cached.
type Loader struct {
	logger   *slog.Logger
	resolver Resolver
	types    *types.Interner

	modules *lru.Cache[hash.Hash, *module.Module]
	infos   *lru.Cache[infoKey, *info]
}

func New(logger *slog.Logger, resolver Resolver, config Config) (*Loader, error) {
	err := config.Validate(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to validate checker config: %w", err)
	}

	modules, err := lru.New[hash.Hash, *module.Module](config.ModuleCacheSize)
	if err != nil {
		return nil, err
	}

	infos, err := lru.New[infoKey, *info](config.InfoCacheSize)
	if err != nil {
		return nil, err
	}

	return &Loader{
		logger:   logger,
		resolver: resolver,
		types:    types.NewInterner(),
		modules:  modules,
		infos:    infos,
	}, nil
}

func (l *Loader) Types() *types.Interner {
	return l.types
}

// Load returns a deployed module.
func (l *Loader) Load(ctx context.Context, h hash.Hash) (*module.Module, error) {
	if m, ok := l.modules.Get(h); ok {
		return m, nil
	}

	m, err := l.resolver.Module(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to load module %s: %w", h, err)
	}
	if m == nil {
		return nil, failure.Wrapf(failure.ErrUnresolved, "module %s is not deployed", h)
	}

	l.modules.Add(h, m)
	return m, nil
}

// Check verifies every component of m, which will be deployed under h. All
// broken components are reported together.
func (l *Loader) Check(ctx context.Context, h hash.Hash, m *module.Module) error {
	run := &checkRun{
		self:   h,
		mod:    m,
		failed: make(map[position]bool),
	}

	errs := failure.NewErrorSet()
	for order := orderLit; order <= orderImpl; order++ {
		for i := range componentCount(m, order) {
			pos := position{order: order, index: i}

			err := l.checkComponent(ctx, run, pos)
			if err != nil {
				run.failed[pos] = true
				errs.Add(failure.ComponentError{Component: pos.String(), Err: err})
				continue
			}

			l.logger.Debug("checked component", slog.String("module", h.String()), slog.String("component", pos.String()))
		}
	}

	return errs.Err()
}

// Deployed caches a module that was just checked and stored.
func (l *Loader) Deployed(h hash.Hash, m *module.Module) {
	l.modules.Add(h, m)
}

// checkRun is the state of checking one module.
type checkRun struct {
	self   hash.Hash
	mod    *module.Module
	failed map[position]bool
}

type order int

const (
	orderLit order = iota
	orderData
	orderSig
	orderFunction
	orderImpl
)

func (o order) String() string {
	switch o {
	case orderLit:
		return "lit"
	case orderData:
		return "data"
	case orderSig:
		return "sig"
	case orderFunction:
		return "function"
	case orderImpl:
		return "impl"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// position orders the components of a module for partial loading: a
// component may only reference local components at lower positions.
type position struct {
	order order
	index int
}

func (p position) less(other position) bool {
	if p.order != other.order {
		return p.order < other.order
	}
	return p.index < other.index
}

func (p position) String() string {
	return fmt.Sprintf("%s %d", p.order, p.index)
}

func componentCount(m *module.Module, o order) int {
	switch o {
	case orderLit:
		return len(m.Lits)
	case orderData:
		return len(m.Data)
	case orderSig:
		return len(m.Sigs)
	case orderFunction:
		return len(m.Functions)
	case orderImpl:
		return len(m.Impls)
	default:
		return 0
	}
}

func shared(m *module.Module, pos position) (*module.Shared, error) {
	if pos.index >= componentCount(m, pos.order) {
		return nil, failure.Wrapf(failure.ErrUnresolved, "no %s", pos)
	}

	switch pos.order {
	case orderLit:
		return &m.Lits[pos.index].Shared, nil
	case orderData:
		return &m.Data[pos.index].Shared, nil
	case orderSig:
		return &m.Sigs[pos.index].Shared, nil
	case orderFunction:
		return &m.Functions[pos.index].Shared, nil
	default:
		return &m.Impls[pos.index].Shared, nil
	}
}
