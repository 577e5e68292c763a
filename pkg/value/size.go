package value

import (
	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/wire"
)

// MaxSerializedSize is the largest encoding any value of s can have.
func MaxSerializedSize(s Schema) int {
	switch s := s.(type) {
	case Adt:
		var largest int
		for _, c := range s.Cases {
			var n int
			for _, f := range c {
				n += MaxSerializedSize(f)
			}
			largest = max(largest, n)
		}
		if len(s.Cases) > 1 {
			largest++
		}
		return largest
	case Data:
		return int(s.Size)
	case Unsigned:
		return int(s.Width)
	case Signed:
		return int(s.Width)
	default:
		return 0
	}
}

// MaxRuntimeSize is the largest number of virtual heap bytes parsing a value
// of s can allocate. The cell holding the value itself is not included.
func MaxRuntimeSize(s Schema) int {
	switch s := s.(type) {
	case Adt:
		var largest int
		for _, c := range s.Cases {
			if len(c) == 0 {
				continue
			}
			n := len(c) * EntrySize
			for _, f := range c {
				n += MaxRuntimeSize(f)
			}
			largest = max(largest, n)
		}
		return largest
	case Data:
		return int(s.Size)
	default:
		return 0
	}
}

// RuntimeSize is the number of virtual heap bytes parsing buf as s would
// allocate, computed without materializing the value.
func RuntimeSize(s Schema, buf []byte, maxDepth int) (int, error) {
	r := wire.NewReader(buf, maxDepth)
	n, err := runtimeSize(s, r)
	if err != nil {
		return 0, err
	}
	return n, r.Done()
}

func runtimeSize(s Schema, r *wire.Reader) (int, error) {
	if !r.Enter() {
		return 0, r.Err()
	}
	defer r.Exit()

	switch s := s.(type) {
	case Adt:
		if len(s.Cases) == 0 {
			return 0, failure.Wrapf(failure.ErrTypeMismatch, "adt schema without cases")
		}

		var tag uint8
		if len(s.Cases) > 1 {
			tag = r.U8()
			if err := r.Err(); err != nil {
				return 0, err
			}
			if int(tag) >= len(s.Cases) {
				return 0, failure.Wrapf(failure.ErrTagOutOfRange, "tag %d of %d cases", tag, len(s.Cases))
			}
		}

		ctor := s.Cases[tag]
		n := len(ctor) * EntrySize
		for _, f := range ctor {
			fn, err := runtimeSize(f, r)
			if err != nil {
				return 0, err
			}
			n += fn
		}
		return n, nil
	case Data:
		r.Bytes(int(s.Size))
		return int(s.Size), r.Err()
	case Unsigned:
		r.Bytes(int(s.Width))
		return 0, r.Err()
	case Signed:
		r.Bytes(int(s.Width))
		return 0, r.Err()
	default:
		return 0, failure.Wrapf(failure.ErrTypeMismatch, "unknown schema %T", s)
	}
}
