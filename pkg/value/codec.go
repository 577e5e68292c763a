package value

import (
	"encoding/binary"

	"github.com/rhino1998/sanskrit/pkg/arena"
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/wire"
)

// Decode parses a complete serialized value. Data and field slices are
// allocated from a.
func Decode(s Schema, buf []byte, a *arena.Arena, maxDepth int) (Entry, error) {
	r := wire.NewReader(buf, maxDepth)
	e, err := Parse(s, r, a)
	if err != nil {
		return Entry{}, err
	}
	return e, r.Done()
}

// Parse reads one value described by s from r.
func Parse(s Schema, r *wire.Reader, a *arena.Arena) (Entry, error) {
	if !r.Enter() {
		return Entry{}, r.Err()
	}
	defer r.Exit()

	switch s := s.(type) {
	case Adt:
		if len(s.Cases) == 0 {
			return Entry{}, failure.Wrapf(failure.ErrTypeMismatch, "adt schema without cases")
		}

		var tag uint8
		if len(s.Cases) > 1 {
			tag = r.U8()
			if err := r.Err(); err != nil {
				return Entry{}, err
			}
			if int(tag) >= len(s.Cases) {
				err := failure.Wrapf(failure.ErrTagOutOfRange, "tag %d of %d cases", tag, len(s.Cases))
				r.Fail(err)
				return Entry{}, err
			}
		}

		ctor := s.Cases[tag]
		if len(ctor) == 0 {
			return Tagged(tag, nil), nil
		}

		fields, err := arena.Slice[Entry](a, len(ctor), EntrySize)
		if err != nil {
			return Entry{}, err
		}
		for i, fs := range ctor {
			fields[i], err = Parse(fs, r, a)
			if err != nil {
				return Entry{}, err
			}
		}
		return Tagged(tag, fields), nil
	case Data:
		raw := r.Bytes(int(s.Size))
		if err := r.Err(); err != nil {
			return Entry{}, err
		}
		b, err := a.CopyBytes(raw)
		if err != nil {
			return Entry{}, err
		}
		return Bytes(b), nil
	case Unsigned:
		raw := r.Bytes(int(s.Width))
		if err := r.Err(); err != nil {
			return Entry{}, err
		}
		return intFromBytes(raw, false), nil
	case Signed:
		raw := r.Bytes(int(s.Width))
		if err := r.Err(); err != nil {
			return Entry{}, err
		}
		return intFromBytes(raw, true), nil
	default:
		return Entry{}, failure.Wrapf(failure.ErrTypeMismatch, "unknown schema %T", s)
	}
}

// Encode serializes e according to s.
func Encode(s Schema, e Entry) ([]byte, error) {
	w := wire.NewWriter()
	if err := Serialize(s, e, w); err != nil {
		return nil, err
	}
	return w.Result()
}

// Serialize writes e to w. The entry must have the shape s describes.
func Serialize(s Schema, e Entry, w *wire.Writer) error {
	switch s := s.(type) {
	case Adt:
		tag := int(e.Tag())
		if tag >= len(s.Cases) {
			return failure.Wrapf(failure.ErrTagOutOfRange, "tag %d of %d cases", tag, len(s.Cases))
		}
		ctor := s.Cases[tag]
		if len(ctor) != len(e.fields) {
			return failure.Wrapf(failure.ErrTypeMismatch, "case %d has %d fields, entry has %d", tag, len(ctor), len(e.fields))
		}

		if len(s.Cases) > 1 {
			w.U8(uint8(tag))
		}
		for i, fs := range ctor {
			if err := Serialize(fs, e.fields[i], w); err != nil {
				return err
			}
		}
	case Data:
		if len(e.data) != int(s.Size) {
			return failure.Wrapf(failure.ErrTypeMismatch, "data of %d bytes for %s", len(e.data), s)
		}
		w.Bytes(e.data)
	case Unsigned:
		b, err := intToBytes(e, s.Width, false)
		if err != nil {
			return err
		}
		w.Bytes(b)
	case Signed:
		b, err := intToBytes(e, s.Width, true)
		if err != nil {
			return err
		}
		w.Bytes(b)
	default:
		return failure.Wrapf(failure.ErrTypeMismatch, "unknown schema %T", s)
	}

	return w.Err()
}

func intFromBytes(raw []byte, signed bool) Entry {
	var full [16]byte
	if signed && len(raw) > 0 && raw[0]&0x80 != 0 {
		for i := range full {
			full[i] = 0xFF
		}
	}
	copy(full[16-len(raw):], raw)

	return Wide(binary.BigEndian.Uint64(full[8:]), binary.BigEndian.Uint64(full[:8]))
}

func intToBytes(e Entry, width uint8, signed bool) ([]byte, error) {
	if !validWidth(width) {
		return nil, failure.Wrapf(failure.ErrTypeMismatch, "invalid integer width %d", width)
	}

	var full [16]byte
	binary.BigEndian.PutUint64(full[:8], e.hi)
	binary.BigEndian.PutUint64(full[8:], e.lo)

	out := full[16-int(width):]
	if !Fits(e, width, signed) {
		return nil, failure.Wrapf(failure.ErrNumericOutOfDomain, "value does not fit %d bytes", width)
	}
	return out, nil
}

// Fits reports whether the 128-bit payload of e is representable in width
// bytes with the given signedness.
func Fits(e Entry, width uint8, signed bool) bool {
	if width >= 16 {
		return true
	}

	var full [16]byte
	binary.BigEndian.PutUint64(full[:8], e.hi)
	binary.BigEndian.PutUint64(full[8:], e.lo)

	var ext byte
	if signed && full[16-int(width)]&0x80 != 0 {
		ext = 0xFF
	}
	for _, b := range full[:16-int(width)] {
		if b != ext {
			return false
		}
	}
	return true
}
