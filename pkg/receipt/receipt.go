// Package receipt records what a bundle execution did and encodes it as
// canonical CBOR, so equal executions produce byte-identical receipts.
package receipt

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/rhino1998/sanskrit/pkg/hash"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("receipt: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

type Txn struct {
	Index   int      `cbor:"1,keyasint"`
	Success bool     `cbor:"2,keyasint"`
	Error   string   `cbor:"3,keyasint,omitempty"`
	Logs    []string `cbor:"4,keyasint,omitempty"`
	Stored  [][]byte `cbor:"5,keyasint,omitempty"`
}

type Section struct {
	Index   int    `cbor:"1,keyasint"`
	Success bool   `cbor:"2,keyasint"`
	Error   string `cbor:"3,keyasint,omitempty"`
	GasUsed uint64 `cbor:"4,keyasint"`
	Txns    []Txn  `cbor:"5,keyasint"`
}

type Receipt struct {
	Bundle   []byte    `cbor:"1,keyasint"`
	Block    uint64    `cbor:"2,keyasint"`
	GasUsed  uint64    `cbor:"3,keyasint"`
	Success  bool      `cbor:"4,keyasint"`
	Sections []Section `cbor:"5,keyasint"`
}

func Marshal(r *Receipt) ([]byte, error) {
	return encMode.Marshal(r)
}

func Unmarshal(data []byte) (*Receipt, error) {
	var r Receipt
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("receipt: unmarshal: %w", err)
	}
	return &r, nil
}

// Recorder collects tracker hooks into a Receipt. Logs and stored keys of a
// section that fails are left out.
type Recorder struct {
	mu       sync.Mutex
	sections []Section
	pending  []Txn
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// txn returns the receipt of txn in the section being recorded.
func (r *Recorder) txn(idx int) *Txn {
	for len(r.pending) <= idx {
		r.pending = append(r.pending, Txn{Index: len(r.pending)})
	}
	return &r.pending[idx]
}

func (r *Recorder) Log(_, txn int, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.txn(txn)
	t.Logs = append(t.Logs, line)
}

func (r *Recorder) Stored(_, txn int, key hash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.txn(txn)
	t.Stored = append(t.Stored, key[:])
}

func (r *Recorder) TransactionFinish(_, txn int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.txn(txn)
	t.Success = err == nil
	if err != nil {
		t.Error = err.Error()
	}
}

func (r *Recorder) SectionFinish(section int, gasUsed uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Section{
		Index:   section,
		Success: err == nil,
		GasUsed: gasUsed,
		Txns:    r.pending,
	}
	if err != nil {
		s.Error = err.Error()

		// The section's writes were reverted.
		for i := range s.Txns {
			s.Txns[i].Logs = nil
			s.Txns[i].Stored = nil
		}
	}

	r.sections = append(r.sections, s)
	r.pending = nil
}

// Receipt assembles the recorded sections. A bundle succeeded when every
// section it declared finished successfully.
func (r *Recorder) Receipt(bundle hash.Hash, block uint64, sections int) *Receipt {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &Receipt{
		Bundle:   bundle[:],
		Block:    block,
		Success:  len(r.sections) == sections,
		Sections: append([]Section(nil), r.sections...),
	}

	for _, s := range r.sections {
		rec.GasUsed += s.GasUsed
		rec.Success = rec.Success && s.Success
	}

	return rec
}
