package gas

import (
	"fmt"

	"github.com/rhino1998/sanskrit/pkg/bundle"
	"github.com/rhino1998/sanskrit/pkg/bytecode"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/value"
)

// Estimate is the price of a bundle, split by section.
type Estimate struct {
	// Parse is the cost of decoding the bundle itself. It is charged to the
	// essential budget as well as the total.
	Parse     uint64
	Sections  []uint64
	Essential uint64
	Total     uint64

	// ParamHeap is the largest parameter heap any transaction needs.
	ParamHeap int
}

// Check compares the estimate with the bundle's declared budgets.
func (e *Estimate) Check(b *bundle.Bundle) error {
	if e.Essential > b.EssentialGas {
		return failure.Wrapf(failure.ErrGasExceeded, "essential sections need %d, %d declared", e.Essential, b.EssentialGas)
	}
	if e.Total > b.TotalGas {
		return failure.Wrapf(failure.ErrGasExceeded, "bundle needs %d, %d declared", e.Total, b.TotalGas)
	}
	if e.ParamHeap > int(b.Limits.ParamHeap) {
		return failure.Wrapf(failure.ErrLimitExceeded, "parameters need %d heap bytes, %d declared", e.ParamHeap, b.Limits.ParamHeap)
	}
	return nil
}

// EstimateBundle prices b. descs holds the decoded descriptor for each of
// b.Descriptors.
//
// Loads pay for the largest record the parameter's schema admits. Copy and
// borrow loads, literals and witnesses are charged on their first use per
// index within a transaction; consuming loads are charged every time
// together with the deletion they imply.
func (p Profiles) EstimateBundle(b *bundle.Bundle, descs []*bytecode.Descriptor) (*Estimate, error) {
	if len(descs) != len(b.Descriptors) {
		return nil, failure.Wrapf(failure.ErrInvalidBundle, "%d descriptors for %d hashes", len(descs), len(b.Descriptors))
	}

	est := &Estimate{
		Parse:    p.Parse(b.ByteSize),
		Sections: make([]uint64, len(b.Sections)),
	}
	est.Essential = est.Parse
	est.Total = est.Parse

	for s, sec := range b.Sections {
		var cost uint64
		for t, txn := range sec.Txns {
			c, heap, err := p.txn(b, descs[txn.Descriptor], txn)
			if err != nil {
				return nil, fmt.Errorf("section %d txn %d: %w", s, t, err)
			}
			cost = Add(cost, c)
			est.ParamHeap = max(est.ParamHeap, heap)
		}

		est.Sections[s] = cost
		est.Total = Add(est.Total, cost)
		if sec.Type == bundle.Essential {
			est.Essential = Add(est.Essential, cost)
		}
	}

	return est, nil
}

func (p Profiles) txn(b *bundle.Bundle, desc *bytecode.Descriptor, txn bundle.Txn) (uint64, int, error) {
	if len(txn.Params) != len(desc.Params) {
		return 0, 0, failure.Wrapf(failure.ErrArity, "descriptor takes %d params, %d given", len(desc.Params), len(txn.Params))
	}
	if len(txn.Returns) != len(desc.Returns) {
		return 0, 0, failure.Wrapf(failure.ErrArity, "descriptor returns %d values, %d routed", len(desc.Returns), len(txn.Returns))
	}

	cost := desc.GasCost
	heap := 0

	loaded := make(map[uint16]bool)
	literals := make(map[uint16]bool)
	witnesses := make(map[uint16]bool)

	for i, src := range txn.Params {
		schema := desc.Params[i].Schema
		switch src.Kind {
		case bundle.ParamLoad:
			size := hash.Size + value.MaxSerializedSize(schema)
			heap += value.MaxRuntimeSize(schema)
			switch {
			case src.Mode == bundle.Consume:
				cost = Add(cost, Add(p.Load(size), p.Write(0)))
			case !loaded[src.Index]:
				cost = Add(cost, p.Load(size))
			}
			loaded[src.Index] = true
		case bundle.ParamLiteral, bundle.ParamWitness:
			seen := literals
			if src.Kind == bundle.ParamWitness {
				seen = witnesses
			}
			heap += value.MaxRuntimeSize(schema)
			if !seen[src.Index] {
				cost = Add(cost, p.Parse(value.MaxRuntimeSize(schema)))
				seen[src.Index] = true
			}
		case bundle.ParamProvided:
			if src.Provided == bundle.ProvidedBundleHash || src.Provided == bundle.ProvidedUniqueID {
				heap += hash.Size
			}
		}
	}

	for i, ret := range txn.Returns {
		if ret == bundle.ReturnStore {
			size := hash.Size + value.MaxSerializedSize(desc.Returns[i].Schema)
			cost = Add(cost, p.Write(size))
		}
	}

	return cost, heap, nil
}
