package checker

import (
	"context"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/module"
	"github.com/rhino1998/sanskrit/pkg/types"
)

func (l *Loader) checkComponent(ctx context.Context, run *checkRun, pos position) error {
	s, err := l.newScope(ctx, run, run.self, run.mod, pos)
	if err != nil {
		return err
	}

	m := run.mod
	switch pos.order {
	case orderLit:
		c := m.Lits[pos.index]
		return s.checkVisibility(c.Create, c.Consume, c.Inspect)
	case orderData:
		return s.checkData(m.Data[pos.index])
	case orderSig:
		return s.checkSig(m.Sigs[pos.index])
	case orderFunction:
		return s.checkFunction(m.Functions[pos.index])
	default:
		return s.checkImpl(m.Impls[pos.index])
	}
}

func (s *scope) checkVisibility(vis ...module.Visibility) error {
	for _, v := range vis {
		if v.Kind > module.Global {
			return failure.Wrapf(failure.ErrMalformed, "visibility %s", v.Kind)
		}
		for _, g := range v.Guards {
			if int(g) >= len(s.generics) {
				return failure.Wrapf(failure.ErrUnresolved, "guard %d of %d generics", g, len(s.generics))
			}
		}
	}
	return nil
}

func (s *scope) checkData(d *module.Data) error {
	err := s.checkVisibility(d.Create, d.Consume, d.Inspect)
	if err != nil {
		return err
	}

	s.assumeRecursive = true
	defer func() { s.assumeRecursive = false }()

	required := d.Caps & types.RecursiveCaps
	for c, ctr := range d.Ctrs {
		for f, ref := range ctr {
			t, err := s.typeRef(ref)
			if err != nil {
				return err
			}

			if t.Kind == types.KindProjection {
				return failure.Wrapf(failure.ErrTypeMismatch, "ctr %d field %d: projections cannot be embedded", c, f)
			}
			if isPhantom(t) {
				return failure.Wrapf(failure.ErrPhantom, "ctr %d field %d", c, f)
			}

			caps, err := s.caps(t)
			if err != nil {
				return err
			}
			if !caps.Has(required) {
				return failure.Wrapf(failure.ErrCapabilityMissing, "ctr %d field %d has %s, needs %s", c, f, caps, required)
			}
		}
	}

	return nil
}

func (s *scope) checkSig(sig *module.Sig) error {
	err := s.checkVisibility(sig.Call, sig.Implement)
	if err != nil {
		return err
	}

	if _, err := s.params(sig.Params); err != nil {
		return err
	}
	_, err = s.typeRefs(sig.Returns)
	return err
}

func (s *scope) signature(ps []module.Param, rs []module.TypeRef) ([]param, []*types.Type, error) {
	params, err := s.params(ps)
	if err != nil {
		return nil, nil, err
	}
	for i, p := range params {
		if isPhantom(p.typ) {
			return nil, nil, failure.Wrapf(failure.ErrPhantom, "param %d", i)
		}
	}

	returns, err := s.typeRefs(rs)
	if err != nil {
		return nil, nil, err
	}
	for i, r := range returns {
		if isPhantom(r) {
			return nil, nil, failure.Wrapf(failure.ErrPhantom, "return %d", i)
		}
	}

	return params, returns, nil
}

func (s *scope) checkFunction(f *module.Function) error {
	err := s.checkVisibility(f.Call)
	if err != nil {
		return err
	}

	params, returns, err := s.signature(f.Params, f.Returns)
	if err != nil {
		return err
	}

	if f.External {
		if f.Body != nil {
			return failure.Wrapf(failure.ErrMalformed, "external function has a body")
		}
		return nil
	}

	return s.checkBody(params, returns, f.Transactional, f.Body)
}

func (s *scope) checkImpl(im *module.Impl) error {
	err := s.checkVisibility(im.Call)
	if err != nil {
		return err
	}

	sigType, err := s.typeRef(im.Sig)
	if err != nil {
		return err
	}

	sig, err := s.sigOf(sigType)
	if err != nil {
		return err
	}
	if err := s.visible(sig.info, types.Implement, sigType.Applies); err != nil {
		return err
	}

	params, returns, err := s.signature(im.Params, im.Returns)
	if err != nil {
		return err
	}

	if im.Transactional != sig.info.transactional {
		return failure.Wrapf(failure.ErrTypeMismatch, "transactional flag differs from signature")
	}

	if len(params) != len(im.Captures)+len(sig.params) {
		return failure.Wrapf(failure.ErrArity, "%d params for %d captures and %d signature params", len(params), len(im.Captures), len(sig.params))
	}

	sigCaps, err := s.caps(sigType)
	if err != nil {
		return err
	}

	captured := make(map[int]bool, len(im.Captures))
	for i, c := range im.Captures {
		if int(c) >= len(params) || (i > 0 && c <= im.Captures[i-1]) {
			return failure.Wrapf(failure.ErrMalformed, "captures must be ordered param indices")
		}
		captured[int(c)] = true
	}

	next := 0
	for i, p := range params {
		if captured[i] {
			caps, err := s.caps(p.typ)
			if err != nil {
				return err
			}
			if !p.consumes && !caps.Has(types.Drop) {
				return failure.Wrapf(failure.ErrCapabilityMissing, "captured param %d is neither consumed nor droppable", i)
			}
			if need := sigCaps & types.RecursiveCaps; !caps.Has(need) {
				return failure.Wrapf(failure.ErrCapabilityMissing, "captured param %d has %s, signature needs %s", i, caps, need)
			}
			continue
		}

		want := sig.params[next]
		next++
		if p.typ != want.typ || p.consumes != want.consumes {
			return failure.Wrapf(failure.ErrTypeMismatch, "param %d does not match the signature", i)
		}
	}

	if len(returns) != len(sig.returns) {
		return failure.Wrapf(failure.ErrArity, "%d returns, signature has %d", len(returns), len(sig.returns))
	}
	for i := range returns {
		if returns[i] != sig.returns[i] {
			return failure.Wrapf(failure.ErrTypeMismatch, "return %d does not match the signature", i)
		}
	}

	return s.checkBody(params, returns, im.Transactional, im.Body)
}
