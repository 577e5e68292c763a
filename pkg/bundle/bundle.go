// Package bundle defines transaction bundles: the unit the executor admits
// and runs against the store.
//
// A bundle is a core, which is what its hash commits to, plus witness blobs
// that only essential sections may read.
package bundle

import (
	"fmt"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
)

type SectionType uint8

const (
	Essential SectionType = iota
	Normal
)

func (t SectionType) String() string {
	switch t {
	case Essential:
		return "essential"
	case Normal:
		return "normal"
	default:
		return fmt.Sprintf("section(%d)", uint8(t))
	}
}

// LoadMode selects how a stored entry is handed to a transaction.
type LoadMode uint8

const (
	Consume LoadMode = iota
	Copy
	Borrow
)

func (m LoadMode) String() string {
	switch m {
	case Consume:
		return "consume"
	case Copy:
		return "copy"
	case Borrow:
		return "borrow"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

type ParamKind uint8

const (
	ParamLoad ParamKind = iota
	ParamLiteral
	ParamWitness
	ParamProvided
)

// ProvidedKind names a value the executor generates for a transaction.
type ProvidedKind uint8

const (
	ProvidedBundleHash ProvidedKind = iota
	ProvidedBlockNumber
	ProvidedUniqueID
	ProvidedSectionNumber
	ProvidedTxnNumber
)

func (k ProvidedKind) String() string {
	switch k {
	case ProvidedBundleHash:
		return "bundle-hash"
	case ProvidedBlockNumber:
		return "block-number"
	case ProvidedUniqueID:
		return "unique-id"
	case ProvidedSectionNumber:
		return "section-number"
	case ProvidedTxnNumber:
		return "txn-number"
	default:
		return fmt.Sprintf("provided(%d)", uint8(k))
	}
}

// Param is the source of one descriptor parameter. Index addresses
// Core.StoredKeys for loads, Core.Literals for literals and
// Bundle.Witnesses for witnesses.
type Param struct {
	Kind     ParamKind
	Mode     LoadMode
	Index    uint16
	Provided ProvidedKind
}

func Load(mode LoadMode, i uint16) Param {
	return Param{Kind: ParamLoad, Mode: mode, Index: i}
}

func Literal(i uint16) Param {
	return Param{Kind: ParamLiteral, Index: i}
}

func Witness(i uint16) Param {
	return Param{Kind: ParamWitness, Index: i}
}

func Provided(k ProvidedKind) Param {
	return Param{Kind: ParamProvided, Provided: k}
}

func (p Param) String() string {
	switch p.Kind {
	case ParamLoad:
		return fmt.Sprintf("load(%s, %d)", p.Mode, p.Index)
	case ParamLiteral:
		return fmt.Sprintf("literal(%d)", p.Index)
	case ParamWitness:
		return fmt.Sprintf("witness(%d)", p.Index)
	case ParamProvided:
		return fmt.Sprintf("provided(%s)", p.Provided)
	default:
		return fmt.Sprintf("param(%d)", uint8(p.Kind))
	}
}

// ReturnKind routes one descriptor result.
type ReturnKind uint8

const (
	ReturnStore ReturnKind = iota
	ReturnDrop
	ReturnLog
)

func (k ReturnKind) String() string {
	switch k {
	case ReturnStore:
		return "store"
	case ReturnDrop:
		return "drop"
	case ReturnLog:
		return "log"
	default:
		return fmt.Sprintf("return(%d)", uint8(k))
	}
}

type Txn struct {
	Descriptor uint16
	Params     []Param
	Returns    []ReturnKind
}

type Section struct {
	Type SectionType
	Txns []Txn
}

// Limits are the resources the sender reserves. Every descriptor the bundle
// runs must fit within them.
type Limits struct {
	MaxStack  uint16
	MaxFrames uint16
	MaxHeap   uint32
	ParamHeap uint32
}

type Core struct {
	EarliestBlock uint64
	EssentialGas  uint64
	TotalGas      uint64
	Limits        Limits

	StoredKeys  []hash.Hash
	Literals    [][]byte
	Descriptors []hash.Hash
	Sections    []Section
}

type Bundle struct {
	// ByteSize is the size of the encoded bundle; it is set by Decode.
	ByteSize int

	Core
	Witnesses [][]byte
}

// Hash commits to the core. Witnesses are excluded so they can be pruned
// once the bundle has executed.
func (b *Bundle) Hash() (hash.Hash, error) {
	buf, err := EncodeCore(&b.Core)
	if err != nil {
		return hash.Zero, err
	}
	return hash.Domain("sanskrit/bundle", buf), nil
}

// Validate checks the structural rules the wire format cannot express:
// indices in range, distinct stored keys, essential sections forming a
// prefix, witnesses used only by essential sections and at most one unique
// id per transaction.
func Validate(b *Bundle) error {
	if len(b.Sections) == 0 {
		return failure.Wrapf(failure.ErrInvalidBundle, "no sections")
	}

	keys := make(map[hash.Hash]int, len(b.StoredKeys))
	for i, k := range b.StoredKeys {
		if j, dup := keys[k]; dup {
			return failure.Wrapf(failure.ErrInvalidBundle, "stored key %d repeats key %d (%s)", i, j, k)
		}
		keys[k] = i
	}

	normal := false
	for s, sec := range b.Sections {
		switch sec.Type {
		case Essential:
			if normal {
				return failure.Wrapf(failure.ErrInvalidBundle, "section %d: essential section after a normal one", s)
			}
		case Normal:
			normal = true
		default:
			return failure.Wrapf(failure.ErrTagOutOfRange, "section %d: type %d", s, sec.Type)
		}

		for t, txn := range sec.Txns {
			if err := validateTxn(b, sec.Type, txn); err != nil {
				return fmt.Errorf("section %d txn %d: %w", s, t, err)
			}
		}
	}

	return nil
}

func validateTxn(b *Bundle, typ SectionType, txn Txn) error {
	if int(txn.Descriptor) >= len(b.Descriptors) {
		return failure.Wrapf(failure.ErrInvalidBundle, "descriptor %d of %d", txn.Descriptor, len(b.Descriptors))
	}

	unique := false
	for i, p := range txn.Params {
		switch p.Kind {
		case ParamLoad:
			if p.Mode > Borrow {
				return failure.Wrapf(failure.ErrTagOutOfRange, "param %d: load mode %d", i, p.Mode)
			}
			if int(p.Index) >= len(b.StoredKeys) {
				return failure.Wrapf(failure.ErrInvalidBundle, "param %d: stored key %d of %d", i, p.Index, len(b.StoredKeys))
			}
		case ParamLiteral:
			if int(p.Index) >= len(b.Literals) {
				return failure.Wrapf(failure.ErrInvalidBundle, "param %d: literal %d of %d", i, p.Index, len(b.Literals))
			}
		case ParamWitness:
			if typ != Essential {
				return failure.Wrapf(failure.ErrInvalidBundle, "param %d: witness outside an essential section", i)
			}
			if int(p.Index) >= len(b.Witnesses) {
				return failure.Wrapf(failure.ErrInvalidBundle, "param %d: witness %d of %d", i, p.Index, len(b.Witnesses))
			}
		case ParamProvided:
			if p.Provided > ProvidedTxnNumber {
				return failure.Wrapf(failure.ErrTagOutOfRange, "param %d: provided kind %d", i, p.Provided)
			}
			if p.Provided == ProvidedUniqueID {
				if unique {
					return failure.Wrapf(failure.ErrInvalidBundle, "param %d: second unique id", i)
				}
				unique = true
			}
		default:
			return failure.Wrapf(failure.ErrTagOutOfRange, "param %d: kind %d", i, p.Kind)
		}
	}

	for i, r := range txn.Returns {
		if r > ReturnLog {
			return failure.Wrapf(failure.ErrTagOutOfRange, "return %d: kind %d", i, r)
		}
	}

	return nil
}
