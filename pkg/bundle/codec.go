package bundle

import (
	"bytes"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
	"github.com/rhino1998/sanskrit/pkg/wire"
)

const (
	Magic   = "SKB"
	Version = 1
)

func Encode(b *Bundle) ([]byte, error) {
	w := wire.NewWriter()
	w.Magic(Magic, Version)
	writeCore(w, &b.Core)

	w.Len16(len(b.Witnesses))
	for _, wit := range b.Witnesses {
		w.Bytes16(wit)
	}

	return w.Result()
}

// EncodeCore encodes the hashed part of a bundle.
func EncodeCore(c *Core) ([]byte, error) {
	w := wire.NewWriter()
	writeCore(w, c)
	return w.Result()
}

func writeCore(w *wire.Writer, c *Core) {
	w.U64(c.EarliestBlock)
	w.U64(c.EssentialGas)
	w.U64(c.TotalGas)
	w.U16(c.Limits.MaxStack)
	w.U16(c.Limits.MaxFrames)
	w.U32(c.Limits.MaxHeap)
	w.U32(c.Limits.ParamHeap)

	writeHashes(w, c.StoredKeys)

	w.Len16(len(c.Literals))
	for _, lit := range c.Literals {
		w.Bytes16(lit)
	}

	writeHashes(w, c.Descriptors)

	w.Len8(len(c.Sections))
	for _, sec := range c.Sections {
		w.U8(uint8(sec.Type))
		w.Len8(len(sec.Txns))
		for _, txn := range sec.Txns {
			writeTxn(w, txn)
		}
	}
}

func writeHashes(w *wire.Writer, hs []hash.Hash) {
	w.Len16(len(hs))
	for _, h := range hs {
		w.Hash(h)
	}
}

func writeTxn(w *wire.Writer, txn Txn) {
	w.U16(txn.Descriptor)

	w.Len8(len(txn.Params))
	for _, p := range txn.Params {
		w.U8(uint8(p.Kind))
		switch p.Kind {
		case ParamLoad:
			w.U8(uint8(p.Mode))
			w.U16(p.Index)
		case ParamLiteral, ParamWitness:
			w.U16(p.Index)
		case ParamProvided:
			w.U8(uint8(p.Provided))
		default:
			w.Fail(failure.Wrapf(failure.ErrTagOutOfRange, "param kind %d", p.Kind))
		}
	}

	w.Len8(len(txn.Returns))
	for _, r := range txn.Returns {
		w.U8(uint8(r))
	}
}

// Decode parses an encoded bundle. Validate applies the structural rules.
func Decode(buf []byte, maxDepth int) (*Bundle, error) {
	r := wire.NewReader(buf, maxDepth)
	r.Magic(Magic, Version)

	b := &Bundle{ByteSize: len(buf)}
	c := &b.Core
	c.EarliestBlock = r.U64()
	c.EssentialGas = r.U64()
	c.TotalGas = r.U64()
	c.Limits.MaxStack = r.U16()
	c.Limits.MaxFrames = r.U16()
	c.Limits.MaxHeap = r.U32()
	c.Limits.ParamHeap = r.U32()

	c.StoredKeys = readHashes(r)
	c.Literals = readBlobs(r)
	c.Descriptors = readHashes(r)

	n := int(r.U8())
	for i := 0; i < n && r.Err() == nil; i++ {
		c.Sections = append(c.Sections, readSection(r))
	}

	b.Witnesses = readBlobs(r)

	if err := r.Done(); err != nil {
		return nil, err
	}

	return b, nil
}

func readHashes(r *wire.Reader) []hash.Hash {
	n := int(r.U16())
	var hs []hash.Hash
	for i := 0; i < n && r.Err() == nil; i++ {
		hs = append(hs, r.Hash())
	}
	return hs
}

func readBlobs(r *wire.Reader) [][]byte {
	n := int(r.U16())
	var bs [][]byte
	for i := 0; i < n && r.Err() == nil; i++ {
		bs = append(bs, bytes.Clone(r.Bytes16()))
	}
	return bs
}

func readSection(r *wire.Reader) Section {
	if !r.Enter() {
		return Section{}
	}
	defer r.Exit()

	sec := Section{Type: SectionType(r.U8())}
	n := int(r.U8())
	for i := 0; i < n && r.Err() == nil; i++ {
		sec.Txns = append(sec.Txns, readTxn(r))
	}
	return sec
}

func readTxn(r *wire.Reader) Txn {
	if !r.Enter() {
		return Txn{}
	}
	defer r.Exit()

	txn := Txn{Descriptor: r.U16()}

	n := int(r.U8())
	for i := 0; i < n && r.Err() == nil; i++ {
		p := Param{Kind: ParamKind(r.U8())}
		switch p.Kind {
		case ParamLoad:
			p.Mode = LoadMode(r.U8())
			p.Index = r.U16()
		case ParamLiteral, ParamWitness:
			p.Index = r.U16()
		case ParamProvided:
			p.Provided = ProvidedKind(r.U8())
		default:
			r.Fail(failure.Wrapf(failure.ErrTagOutOfRange, "param kind %d", p.Kind))
		}
		txn.Params = append(txn.Params, p)
	}

	n = int(r.U8())
	for i := 0; i < n && r.Err() == nil; i++ {
		txn.Returns = append(txn.Returns, ReturnKind(r.U8()))
	}

	return txn
}
