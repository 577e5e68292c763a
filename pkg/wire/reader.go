// Package wire implements the big-endian framing shared by the bundle,
// module, descriptor and value encodings.
//
// Reader and Writer latch the first error they encounter; subsequent calls
// become no-ops returning zero values, so decoders check Err once at the end
// of a record instead of after every field.
package wire

import (
	"encoding/binary"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
)

const DefaultMaxDepth = 64

type Reader struct {
	buf []byte
	pos int

	depth    int
	maxDepth int

	err error
}

func NewReader(buf []byte, maxDepth int) *Reader {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	return &Reader{
		buf:      buf,
		maxDepth: maxDepth,
	}
}

func (r *Reader) Err() error {
	return r.err
}

// Fail latches err unless an earlier error is already latched.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) Pos() int {
	return r.pos
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}

	if n < 0 || r.pos+n > len(r.buf) {
		r.Fail(failure.Wrapf(failure.ErrMalformed, "need %d bytes at offset %d, have %d", n, r.pos, len(r.buf)-r.pos))
		return nil
	}

	b := r.buf[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) Bool() bool {
	switch v := r.U8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.Fail(failure.Wrapf(failure.ErrMalformed, "invalid bool byte 0x%02x", v))
		return false
	}
}

// Bytes returns the next n bytes without copying.
func (r *Reader) Bytes(n int) []byte {
	return r.take(n)
}

// Bytes8 reads a blob with a one byte length prefix.
func (r *Reader) Bytes8() []byte {
	return r.take(int(r.U8()))
}

// Bytes16 reads a blob with a two byte length prefix.
func (r *Reader) Bytes16() []byte {
	return r.take(int(r.U16()))
}

func (r *Reader) Hash() hash.Hash {
	var h hash.Hash
	copy(h[:], r.take(hash.Size))
	return h
}

// Bits reads n flags packed eight per byte, least significant bit first.
func (r *Reader) Bits(n int) []bool {
	packed := r.take((n + 7) / 8)
	if packed == nil && n > 0 {
		return nil
	}

	bits := make([]bool, n)
	for i := range bits {
		bits[i] = packed[i/8]&(1<<(i%8)) != 0
	}
	return bits
}

// Enter records one level of structural nesting.
func (r *Reader) Enter() bool {
	if r.err != nil {
		return false
	}

	r.depth++
	if r.depth > r.maxDepth {
		r.Fail(failure.Wrapf(failure.ErrTooDeep, "depth %d exceeds %d", r.depth, r.maxDepth))
		return false
	}
	return true
}

func (r *Reader) Exit() {
	r.depth--
}

func (r *Reader) Magic(magic string, version byte) {
	got := r.take(len(magic) + 1)
	if got == nil {
		return
	}

	if string(got[:len(magic)]) != magic || got[len(magic)] != version {
		r.Fail(failure.Wrapf(failure.ErrBadMagic, "expected %q v%d", magic, version))
	}
}

// Done reports the latched error, or an error if input remains unread.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}

	if r.pos != len(r.buf) {
		return failure.Wrapf(failure.ErrTrailingBytes, "%d bytes left", len(r.buf)-r.pos)
	}

	return nil
}
