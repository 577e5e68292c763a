package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rhino1998/sanskrit/pkg/bundle"
	"github.com/rhino1998/sanskrit/pkg/bytecode"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/gas"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/store"
	"github.com/rhino1998/sanskrit/pkg/types"
	"github.com/rhino1998/sanskrit/pkg/value"
)

// plan is a bundle that passed verification.
type plan struct {
	bundle *bundle.Bundle
	hash   hash.Hash
	block  uint64
	descs  []*bytecode.Descriptor
	gas    *gas.Estimate
}

func (e *Executor) prepare(ctx context.Context, buf []byte, block uint64) (*plan, error) {
	if len(buf) > e.config.MaxBundleSize {
		return nil, failure.Wrapf(failure.ErrTooLarge, "bundle of %d bytes exceeds %d", len(buf), e.config.MaxBundleSize)
	}

	b, err := bundle.Decode(buf, e.config.MaxStructuralDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}

	if err := bundle.Validate(b); err != nil {
		return nil, err
	}

	if err := checkBlock(b, block, e.config.BlockInclusionWindow); err != nil {
		return nil, err
	}

	h, err := b.Hash()
	if err != nil {
		return nil, err
	}

	seen, err := e.store.Contains(ctx, store.Transaction, h)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, failure.Wrapf(failure.ErrReplay, "%s", h)
	}

	descs := make([]*bytecode.Descriptor, len(b.Descriptors))
	for i, dh := range b.Descriptors {
		descs[i], err = e.descriptor(ctx, dh)
		if err != nil {
			return nil, err
		}
	}

	for s, sec := range b.Sections {
		for t, txn := range sec.Txns {
			if err := checkTxn(b, descs[txn.Descriptor], txn); err != nil {
				return nil, fmt.Errorf("section %d txn %d: %w", s, t, err)
			}
		}
	}

	est, err := e.profiles().EstimateBundle(b, descs)
	if err != nil {
		return nil, err
	}

	if err := est.Check(b); err != nil {
		return nil, err
	}

	e.logger.Debug("bundle verified",
		slog.String("bundle", h.String()),
		slog.Uint64("essential_gas", est.Essential),
		slog.Uint64("total_gas", est.Total),
	)

	return &plan{
		bundle: b,
		hash:   h,
		block:  block,
		descs:  descs,
		gas:    est,
	}, nil
}

var providedSchemas = map[bundle.ProvidedKind]value.Schema{
	bundle.ProvidedBundleHash:    value.Data{Size: hash.Size},
	bundle.ProvidedBlockNumber:   value.Unsigned{Width: 8},
	bundle.ProvidedUniqueID:      value.Data{Size: hash.Size},
	bundle.ProvidedSectionNumber: value.Unsigned{Width: 1},
	bundle.ProvidedTxnNumber:     value.Unsigned{Width: 1},
}

// checkTxn checks a transaction against its descriptor's declared
// resources, parameter sources and return sinks.
func checkTxn(b *bundle.Bundle, d *bytecode.Descriptor, txn bundle.Txn) error {
	lim := b.Limits
	if d.MaxStack > lim.MaxStack {
		return failure.Wrapf(failure.ErrLimitExceeded, "descriptor needs stack %d, bundle reserves %d", d.MaxStack, lim.MaxStack)
	}
	if d.MaxFrames > lim.MaxFrames {
		return failure.Wrapf(failure.ErrLimitExceeded, "descriptor needs %d frames, bundle reserves %d", d.MaxFrames, lim.MaxFrames)
	}
	if d.MaxHeap > lim.MaxHeap {
		return failure.Wrapf(failure.ErrLimitExceeded, "descriptor needs heap %d, bundle reserves %d", d.MaxHeap, lim.MaxHeap)
	}

	if len(txn.Params) != len(d.Params) {
		return failure.Wrapf(failure.ErrArity, "descriptor takes %d params, %d given", len(d.Params), len(txn.Params))
	}
	if len(txn.Returns) != len(d.Returns) {
		return failure.Wrapf(failure.ErrArity, "descriptor returns %d values, %d routed", len(d.Returns), len(txn.Returns))
	}

	for i, src := range txn.Params {
		if err := checkParam(d.Params[i], src); err != nil {
			return fmt.Errorf("param %d (%s): %w", i, src, err)
		}
	}

	for i, sink := range txn.Returns {
		want := types.Drop
		if sink == bundle.ReturnStore {
			want = types.Persist
		}
		if caps := d.Returns[i].Caps; !caps.Has(want) {
			return failure.Wrapf(failure.ErrCapabilityMissing, "return %d routed to %s has %s", i, sink, caps)
		}
	}

	return nil
}

func checkParam(p bytecode.Param, src bundle.Param) error {
	switch src.Kind {
	case bundle.ParamLoad:
		switch src.Mode {
		case bundle.Consume:
			if !p.Consumes {
				return failure.Wrapf(failure.ErrTypeMismatch, "consuming load into a borrowed param")
			}
		case bundle.Copy:
			if !p.Caps.Has(types.Copy) {
				return failure.Wrapf(failure.ErrCapabilityMissing, "copy load of %s", p.Caps)
			}
		case bundle.Borrow:
			if p.Consumes {
				return failure.Wrapf(failure.ErrTypeMismatch, "borrowed load into a consuming param")
			}
		}
	case bundle.ParamLiteral, bundle.ParamWitness:
		if !p.Caps.Has(types.Value) {
			return failure.Wrapf(failure.ErrCapabilityMissing, "literal of %s", p.Caps)
		}
	case bundle.ParamProvided:
		if want := providedSchemas[src.Provided]; !value.SchemaEqual(want, p.Schema) {
			return failure.Wrapf(failure.ErrTypeMismatch, "provided %s is %s, param is %s", src.Provided, want, p.Schema)
		}
	}
	return nil
}
