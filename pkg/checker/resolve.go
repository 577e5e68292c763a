package checker

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/module"
	"github.com/rhino1998/sanskrit/pkg/types"
)

type infoKey struct {
	module hash.Hash
	pos    position
}

type param struct {
	typ      *types.Type
	consumes bool
}

// info is a component resolved in terms of its own generics.
type info struct {
	module   hash.Hash
	pos      position
	generics []module.Generic
	caps     types.CapSet
	vis      map[types.PermSet]module.Visibility

	size uint16
	ctrs [][]*types.Type

	params        []param
	returns       []*types.Type
	transactional bool
	external      bool
	externalID    uint8

	sig      *types.Type
	captures []uint8
}

// callable is a function or implementation applied to concrete generics.
type callable struct {
	info    *info
	applies []*types.Type
	params  []param
	returns []*types.Type
	sig     *types.Type
}

type permission struct {
	perm     types.PermSet
	typ      *types.Type
	callable *callable
}

// scope resolves the imports of one component.
type scope struct {
	l   *Loader
	ctx context.Context
	run *checkRun

	self   hash.Hash
	mod    *module.Module
	pos    position
	shared *module.Shared
	guards map[uint8]bool

	// assumeRecursive treats generics as holding every recursive
	// capability, which is how data fields are checked.
	assumeRecursive bool

	generics  []*types.Type
	types     []*types.Type
	callables []*callable
	perms     []*permission
}

func guardsOf(vis ...module.Visibility) map[uint8]bool {
	guards := make(map[uint8]bool)
	for _, v := range vis {
		if v.Kind != module.Guarded {
			continue
		}
		for _, g := range v.Guards {
			guards[g] = true
		}
	}
	return guards
}

func componentGuards(m *module.Module, pos position) map[uint8]bool {
	switch pos.order {
	case orderLit:
		c := m.Lits[pos.index]
		return guardsOf(c.Create, c.Consume, c.Inspect)
	case orderData:
		c := m.Data[pos.index]
		return guardsOf(c.Create, c.Consume, c.Inspect)
	case orderSig:
		c := m.Sigs[pos.index]
		return guardsOf(c.Call, c.Implement)
	case orderFunction:
		return guardsOf(m.Functions[pos.index].Call)
	default:
		return guardsOf(m.Impls[pos.index].Call)
	}
}

// newScope resolves every import of the component at pos in mod, which is
// stored under self.
func (l *Loader) newScope(ctx context.Context, run *checkRun, self hash.Hash, mod *module.Module, pos position) (*scope, error) {
	sh, err := shared(mod, pos)
	if err != nil {
		return nil, err
	}

	s := &scope{
		l:      l,
		ctx:    ctx,
		run:    run,
		self:   self,
		mod:    mod,
		pos:    pos,
		shared: sh,
		guards: componentGuards(mod, pos),
	}

	for i, g := range sh.Generics {
		s.generics = append(s.generics, l.types.Generic(uint8(i), g.Phantom))
	}

	for i, ti := range sh.Imports.Types {
		t, err := s.typeImport(ti)
		if err != nil {
			return nil, fmtImport("type import", i, err)
		}
		s.types = append(s.types, t)
	}

	for i, ci := range sh.Imports.Callables {
		c, err := s.callableImport(ci)
		if err != nil {
			return nil, fmtImport("callable import", i, err)
		}
		s.callables = append(s.callables, c)
	}

	for i, pi := range sh.Imports.Perms {
		p, err := s.permImport(pi)
		if err != nil {
			return nil, fmtImport("permission import", i, err)
		}
		s.perms = append(s.perms, p)
	}

	return s, nil
}

func fmtImport(what string, i int, err error) error {
	return fmt.Errorf("%s %d: %w", what, i, err)
}

// module returns the module behind an import index.
func (s *scope) module(idx uint8) (hash.Hash, *module.Module, error) {
	if idx == 0 {
		return s.self, s.mod, nil
	}

	mods := s.shared.Imports.Modules
	if int(idx) > len(mods) {
		return hash.Zero, nil, failure.Wrapf(failure.ErrUnresolved, "module import %d of %d", idx, len(mods))
	}

	h := mods[idx-1]
	if h == s.self {
		return hash.Zero, nil, failure.Wrapf(failure.ErrUnresolved, "module imports itself")
	}

	m, err := s.l.Load(s.ctx, h)
	if err != nil {
		return hash.Zero, nil, err
	}
	return h, m, nil
}

// info resolves a component, enforcing partial loading for components of
// the module being checked.
func (s *scope) info(owner hash.Hash, mod *module.Module, pos position) (*info, error) {
	checking := s.run != nil && owner == s.run.self
	if checking {
		if !pos.less(s.pos) || owner != s.self {
			return nil, failure.Wrapf(failure.ErrUnresolved, "%s is not loaded before %s", pos, s.pos)
		}
		if s.run.failed[pos] {
			return nil, failure.Wrapf(failure.ErrUnresolved, "%s is invalid", pos)
		}
	} else if owner == s.self && !pos.less(s.pos) {
		return nil, failure.Wrapf(failure.ErrUnresolved, "%s is not loaded before %s", pos, s.pos)
	}

	key := infoKey{module: owner, pos: pos}
	if !checking {
		if inf, ok := s.l.infos.Get(key); ok {
			return inf, nil
		}
	}

	inf, err := s.l.resolveInfo(s.ctx, s.run, owner, mod, pos)
	if err != nil {
		return nil, err
	}

	if !checking {
		s.l.infos.Add(key, inf)
	}
	return inf, nil
}

func (l *Loader) resolveInfo(ctx context.Context, run *checkRun, owner hash.Hash, mod *module.Module, pos position) (*info, error) {
	s, err := l.newScope(ctx, run, owner, mod, pos)
	if err != nil {
		return nil, err
	}

	inf := &info{
		module:   owner,
		pos:      pos,
		generics: s.shared.Generics,
	}

	switch pos.order {
	case orderLit:
		c := mod.Lits[pos.index]
		inf.caps = c.Caps
		inf.size = c.Size
		inf.vis = map[types.PermSet]module.Visibility{types.Create: c.Create, types.Consume: c.Consume, types.Inspect: c.Inspect}
	case orderData:
		c := mod.Data[pos.index]
		inf.caps = c.Caps
		inf.vis = map[types.PermSet]module.Visibility{types.Create: c.Create, types.Consume: c.Consume, types.Inspect: c.Inspect}
		for _, ctr := range c.Ctrs {
			fields, err := s.typeRefs(ctr)
			if err != nil {
				return nil, err
			}
			inf.ctrs = append(inf.ctrs, fields)
		}
	case orderSig:
		c := mod.Sigs[pos.index]
		inf.caps = c.Caps
		inf.vis = map[types.PermSet]module.Visibility{types.Call: c.Call, types.Implement: c.Implement}
		inf.transactional = c.Transactional
		if inf.params, err = s.params(c.Params); err != nil {
			return nil, err
		}
		if inf.returns, err = s.typeRefs(c.Returns); err != nil {
			return nil, err
		}
	case orderFunction:
		c := mod.Functions[pos.index]
		inf.vis = map[types.PermSet]module.Visibility{types.Call: c.Call}
		inf.transactional = c.Transactional
		inf.external = c.External
		inf.externalID = c.ExternalID
		if inf.params, err = s.params(c.Params); err != nil {
			return nil, err
		}
		if inf.returns, err = s.typeRefs(c.Returns); err != nil {
			return nil, err
		}
	case orderImpl:
		c := mod.Impls[pos.index]
		inf.vis = map[types.PermSet]module.Visibility{types.Call: c.Call}
		inf.transactional = c.Transactional
		inf.captures = c.Captures
		if inf.sig, err = s.typeRef(c.Sig); err != nil {
			return nil, err
		}
		if inf.params, err = s.params(c.Params); err != nil {
			return nil, err
		}
		if inf.returns, err = s.typeRefs(c.Returns); err != nil {
			return nil, err
		}
	}

	return inf, nil
}

func (s *scope) typeRef(t module.TypeRef) (*types.Type, error) {
	switch t.Kind {
	case module.RefGeneric:
		if int(t.Index) >= len(s.generics) {
			return nil, failure.Wrapf(failure.ErrUnresolved, "generic %d of %d", t.Index, len(s.generics))
		}
		return s.generics[t.Index], nil
	case module.RefProjection:
		if t.Inner == nil {
			return nil, failure.Wrapf(failure.ErrUnresolved, "projection without inner type")
		}
		inner, err := s.typeRef(*t.Inner)
		if err != nil {
			return nil, err
		}
		return s.l.types.Projection(inner), nil
	case module.RefImport:
		if int(t.Index) >= len(s.types) {
			return nil, failure.Wrapf(failure.ErrUnresolved, "type import %d of %d", t.Index, len(s.types))
		}
		return s.types[t.Index], nil
	default:
		return nil, failure.Wrapf(failure.ErrUnresolved, "type ref kind %d", t.Kind)
	}
}

func (s *scope) typeRefs(ts []module.TypeRef) ([]*types.Type, error) {
	out := make([]*types.Type, len(ts))
	for i, t := range ts {
		r, err := s.typeRef(t)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (s *scope) params(ps []module.Param) ([]param, error) {
	out := make([]param, len(ps))
	for i, p := range ps {
		t, err := s.typeRef(p.Type)
		if err != nil {
			return nil, err
		}
		out[i] = param{typ: t, consumes: p.Consumes}
	}
	return out, nil
}

// applies resolves and checks the generic arguments of an import against
// the target's generics.
func (s *scope) applies(target []module.Generic, refs []module.TypeRef) ([]*types.Type, error) {
	if len(refs) != len(target) {
		return nil, failure.Wrapf(failure.ErrArity, "%d generic arguments for %d generics", len(refs), len(target))
	}

	out, err := s.typeRefs(refs)
	if err != nil {
		return nil, err
	}

	for i, t := range out {
		if !target[i].Phantom && isPhantom(t) {
			return nil, failure.Wrapf(failure.ErrPhantom, "generic argument %d", i)
		}

		caps, err := s.caps(t)
		if err != nil {
			return nil, err
		}
		if !caps.Has(target[i].Caps) {
			return nil, failure.Wrapf(failure.ErrCapabilityMissing, "generic argument %d has %s, needs %s", i, caps, target[i].Caps)
		}
	}

	return out, nil
}

func isPhantom(t *types.Type) bool {
	t = t.Unprojected()
	return t.Kind == types.KindGeneric && t.Phantom
}

func typeOrder(k module.TypeKind) (order, bool) {
	switch k {
	case module.TypeData:
		return orderData, true
	case module.TypeLit:
		return orderLit, true
	case module.TypeSig:
		return orderSig, true
	default:
		return 0, false
	}
}

func (s *scope) typeImport(ti module.TypeImport) (*types.Type, error) {
	ord, ok := typeOrder(ti.Kind)
	if !ok {
		return nil, failure.Wrapf(failure.ErrUnresolved, "type kind %d", ti.Kind)
	}

	owner, mod, err := s.module(ti.Module)
	if err != nil {
		return nil, err
	}

	inf, err := s.info(owner, mod, position{order: ord, index: int(ti.Offset)})
	if err != nil {
		return nil, err
	}

	applies, err := s.applies(inf.generics, ti.Applies)
	if err != nil {
		return nil, err
	}

	switch ord {
	case orderData:
		return s.l.types.Data(owner, ti.Offset, applies), nil
	case orderLit:
		return s.l.types.Lit(owner, ti.Offset, applies, inf.size), nil
	default:
		return s.l.types.Sig(owner, ti.Offset, applies), nil
	}
}

func (s *scope) callableImport(ci module.CallableImport) (*callable, error) {
	var ord order
	switch ci.Kind {
	case module.CallFunction:
		ord = orderFunction
	case module.CallImpl:
		ord = orderImpl
	default:
		return nil, failure.Wrapf(failure.ErrUnresolved, "callable kind %d", ci.Kind)
	}

	owner, mod, err := s.module(ci.Module)
	if err != nil {
		return nil, err
	}

	inf, err := s.info(owner, mod, position{order: ord, index: int(ci.Offset)})
	if err != nil {
		return nil, err
	}

	applies, err := s.applies(inf.generics, ci.Applies)
	if err != nil {
		return nil, err
	}

	return s.l.apply(inf, applies)
}

// apply substitutes concrete generics into a callable's signature.
func (l *Loader) apply(inf *info, applies []*types.Type) (*callable, error) {
	c := &callable{info: inf, applies: applies}

	for _, p := range inf.params {
		t, err := l.types.Substitute(p.typ, applies)
		if err != nil {
			return nil, err
		}
		c.params = append(c.params, param{typ: t, consumes: p.consumes})
	}

	for _, r := range inf.returns {
		t, err := l.types.Substitute(r, applies)
		if err != nil {
			return nil, err
		}
		c.returns = append(c.returns, t)
	}

	if inf.sig != nil {
		t, err := l.types.Substitute(inf.sig, applies)
		if err != nil {
			return nil, err
		}
		c.sig = t
	}

	return c, nil
}

func (s *scope) permImport(pi module.PermImport) (*permission, error) {
	if bits.OnesCount8(uint8(pi.Perm)) != 1 {
		return nil, failure.Wrapf(failure.ErrPermissionMissing, "permission import must name one permission, got %s", pi.Perm)
	}

	if pi.Callable {
		if int(pi.Index) >= len(s.callables) {
			return nil, failure.Wrapf(failure.ErrUnresolved, "callable import %d of %d", pi.Index, len(s.callables))
		}
		c := s.callables[pi.Index]
		if err := s.visible(c.info, pi.Perm, c.applies); err != nil {
			return nil, err
		}
		return &permission{perm: pi.Perm, callable: c}, nil
	}

	if int(pi.Index) >= len(s.types) {
		return nil, failure.Wrapf(failure.ErrUnresolved, "type import %d of %d", pi.Index, len(s.types))
	}

	t := s.types[pi.Index]
	inf, err := s.typeInfo(t)
	if err != nil {
		return nil, err
	}
	if err := s.visible(inf, pi.Perm, t.Applies); err != nil {
		return nil, err
	}

	return &permission{perm: pi.Perm, typ: t}, nil
}

// visible checks that the component of inf grants perm to this scope.
func (s *scope) visible(inf *info, perm types.PermSet, applies []*types.Type) error {
	vis, ok := inf.vis[perm]
	if !ok {
		return failure.Wrapf(failure.ErrPermissionMissing, "%s has no %s permission", inf.pos, perm)
	}

	if inf.module == s.self {
		return nil
	}

	switch vis.Kind {
	case module.Global:
		return nil
	case module.Guarded:
		for _, g := range vis.Guards {
			if int(g) >= len(applies) {
				return failure.Wrapf(failure.ErrVisibility, "guard %d of %d generics", g, len(applies))
			}
			if !s.guarded(applies[g]) {
				return failure.Wrapf(failure.ErrVisibility, "%s %s requires generic %d to be a local type", inf.pos, perm, g)
			}
		}
		return nil
	default:
		return failure.Wrapf(failure.ErrVisibility, "%s %s is local to %s", inf.pos, perm, inf.module)
	}
}

// guarded reports whether t satisfies a guard: it is defined in this module
// or is a generic this component guards itself.
func (s *scope) guarded(t *types.Type) bool {
	switch t.Kind {
	case types.KindData, types.KindLit, types.KindSig:
		return t.Module == s.self
	case types.KindGeneric:
		return s.guards[t.Offset]
	default:
		return false
	}
}

// typeInfo returns the component defining a data, lit or sig type.
func (s *scope) typeInfo(t *types.Type) (*info, error) {
	var ord order
	switch t.Kind {
	case types.KindData:
		ord = orderData
	case types.KindLit:
		ord = orderLit
	case types.KindSig:
		ord = orderSig
	default:
		return nil, failure.Wrapf(failure.ErrTypeMismatch, "%s has no defining component", t)
	}

	mod := s.mod
	if t.Module != s.self {
		m, err := s.l.Load(s.ctx, t.Module)
		if err != nil {
			return nil, err
		}
		mod = m
	}

	return s.info(t.Module, mod, position{order: ord, index: int(t.Offset)})
}

// caps computes the capabilities of a type expressed in this scope.
func (s *scope) caps(t *types.Type) (types.CapSet, error) {
	switch t.Kind {
	case types.KindGeneric:
		if int(t.Offset) >= len(s.shared.Generics) {
			return types.NoCaps, failure.Wrapf(failure.ErrUnresolved, "generic %d", t.Offset)
		}
		caps := s.shared.Generics[t.Offset].Caps
		if s.assumeRecursive {
			caps |= types.RecursiveCaps
		}
		return caps, nil
	case types.KindProjection:
		inner, err := s.caps(t.Inner)
		if err != nil {
			return types.NoCaps, err
		}
		return types.ProjectionCaps(inner), nil
	case types.KindVirtual:
		return types.NoCaps, nil
	}

	inf, err := s.typeInfo(t)
	if err != nil {
		return types.NoCaps, err
	}

	var args []types.CapSet
	for i, a := range t.Applies {
		if i < len(inf.generics) && inf.generics[i].Phantom {
			continue
		}
		c, err := s.caps(a)
		if err != nil {
			return types.NoCaps, err
		}
		args = append(args, c)
	}

	return types.Applied(inf.caps, args), nil
}

// ctrs returns the constructors of a data type with its generics applied.
func (s *scope) ctrs(t *types.Type) ([][]*types.Type, error) {
	if t.Kind != types.KindData {
		return nil, failure.Wrapf(failure.ErrTypeMismatch, "%s is not a data type", t)
	}

	inf, err := s.typeInfo(t)
	if err != nil {
		return nil, err
	}

	out := make([][]*types.Type, len(inf.ctrs))
	for i, ctr := range inf.ctrs {
		out[i] = make([]*types.Type, len(ctr))
		for j, f := range ctr {
			sub, err := s.l.types.Substitute(f, t.Applies)
			if err != nil {
				return nil, err
			}
			out[i][j] = sub
		}
	}
	return out, nil
}

// sigOf returns the signature of a sig type with its generics applied.
func (s *scope) sigOf(t *types.Type) (*callable, error) {
	if t.Kind != types.KindSig {
		return nil, failure.Wrapf(failure.ErrTypeMismatch, "%s is not a signature", t)
	}

	inf, err := s.typeInfo(t)
	if err != nil {
		return nil, err
	}
	return s.l.apply(inf, t.Applies)
}

func (s *scope) perm(idx uint8, want types.PermSet) (*permission, error) {
	if int(idx) >= len(s.perms) {
		return nil, failure.Wrapf(failure.ErrUnresolved, "permission %d of %d", idx, len(s.perms))
	}

	p := s.perms[idx]
	if p.perm != want {
		return nil, failure.Wrapf(failure.ErrPermissionMissing, "permission %d is %s, needs %s", idx, p.perm, want)
	}
	return p, nil
}
