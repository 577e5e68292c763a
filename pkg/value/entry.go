// Package value implements the runtime entry cell and the schemas that
// describe how entries are encoded.
package value

import (
	"bytes"
)

// EntrySize is the virtual size of one entry cell.
const EntrySize = 16

// Entry is a fixed-size cell holding one runtime value. Which part of the
// cell is meaningful is decided externally, by a schema or by the numeric
// kind of the opcode reading it.
//
// Integers are stored as 128-bit two's complement; signed kinds are sign
// extended. ADTs keep their tag in the low word.
type Entry struct {
	lo, hi uint64
	data   []byte
	fields []Entry
}

func Uint(v uint64) Entry {
	return Entry{lo: v}
}

func Int(v int64) Entry {
	e := Entry{lo: uint64(v)}
	if v < 0 {
		e.hi = ^uint64(0)
	}
	return e
}

// Wide builds an entry from the two 64-bit halves of a 128-bit integer.
func Wide(lo, hi uint64) Entry {
	return Entry{lo: lo, hi: hi}
}

func Bytes(b []byte) Entry {
	return Entry{data: b}
}

func Tagged(tag uint8, fields []Entry) Entry {
	return Entry{lo: uint64(tag), fields: fields}
}

// Closure builds a signature value: the function index it calls and the
// values it captured.
func Closure(fn uint16, captures []Entry) Entry {
	return Entry{lo: uint64(fn), fields: captures}
}

var (
	False = Tagged(0, nil)
	True  = Tagged(1, nil)
)

func Bool(b bool) Entry {
	if b {
		return True
	}
	return False
}

func (e Entry) Uint64() uint64 {
	return e.lo
}

func (e Entry) Int64() int64 {
	return int64(e.lo)
}

// Wide returns the low and high halves of the 128-bit payload.
func (e Entry) Wide() (lo, hi uint64) {
	return e.lo, e.hi
}

func (e Entry) Data() []byte {
	return e.data
}

func (e Entry) Tag() uint8 {
	return uint8(e.lo)
}

// Func is the function index of a signature value.
func (e Entry) Func() uint16 {
	return uint16(e.lo)
}

func (e Entry) Fields() []Entry {
	return e.fields
}

func (e Entry) IsTrue() bool {
	return e.Tag() == 1
}

// Equal compares entries structurally. Nil and empty slices are equal.
func Equal(a, b Entry) bool {
	if a.lo != b.lo || a.hi != b.hi || !bytes.Equal(a.data, b.data) || len(a.fields) != len(b.fields) {
		return false
	}

	for i := range a.fields {
		if !Equal(a.fields[i], b.fields[i]) {
			return false
		}
	}

	return true
}
