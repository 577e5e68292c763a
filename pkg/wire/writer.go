package wire

import (
	"encoding/binary"
	"math"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
)

type Writer struct {
	buf []byte
	err error
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) Fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Result returns the encoded bytes or the first error.
func (w *Writer) Result() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) U8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) U16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *Writer) U32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) U64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}

func (w *Writer) Bytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *Writer) Bytes8(b []byte) {
	if len(b) > math.MaxUint8 {
		w.Fail(failure.Wrapf(failure.ErrTooLarge, "blob of %d bytes needs a u8 length", len(b)))
		return
	}
	w.U8(uint8(len(b)))
	w.Bytes(b)
}

func (w *Writer) Bytes16(b []byte) {
	if len(b) > math.MaxUint16 {
		w.Fail(failure.Wrapf(failure.ErrTooLarge, "blob of %d bytes needs a u16 length", len(b)))
		return
	}
	w.U16(uint16(len(b)))
	w.Bytes(b)
}

// Len8 writes a one byte collection count.
func (w *Writer) Len8(n int) {
	if n > math.MaxUint8 {
		w.Fail(failure.Wrapf(failure.ErrTooLarge, "collection of %d needs a u8 count", n))
		return
	}
	w.U8(uint8(n))
}

// Len16 writes a two byte collection count.
func (w *Writer) Len16(n int) {
	if n > math.MaxUint16 {
		w.Fail(failure.Wrapf(failure.ErrTooLarge, "collection of %d needs a u16 count", n))
		return
	}
	w.U16(uint16(n))
}

func (w *Writer) Hash(h hash.Hash) {
	w.Bytes(h[:])
}

func (w *Writer) Bits(bits []bool) {
	packed := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	w.Bytes(packed)
}

func (w *Writer) Magic(magic string, version byte) {
	w.Bytes([]byte(magic))
	w.U8(version)
}
