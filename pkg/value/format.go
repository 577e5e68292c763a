package value

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// Format renders e as described by s, e.g. "u8 = 0x0F" or
// "adt#1{u8 = 0x2A, data[2] = 0xABCD}".
func Format(s Schema, e Entry) (string, error) {
	var buf bytes.Buffer
	if err := format(&buf, s, e); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func format(w io.Writer, s Schema, e Entry) error {
	switch s := s.(type) {
	case Adt:
		tag := int(e.Tag())
		if tag >= len(s.Cases) {
			return fmt.Errorf("tag %d out of range for %s", tag, s)
		}
		ctor := s.Cases[tag]
		if len(ctor) != len(e.fields) {
			return fmt.Errorf("case %d has %d fields, entry has %d", tag, len(ctor), len(e.fields))
		}

		_, _ = fmt.Fprintf(w, "adt#%d{", tag)
		for i, fs := range ctor {
			if i > 0 {
				_, _ = io.WriteString(w, ", ")
			}
			if err := format(w, fs, e.fields[i]); err != nil {
				return fmt.Errorf("failed to format field %d: %w", i, err)
			}
		}
		_, _ = io.WriteString(w, "}")
	case Data:
		_, _ = fmt.Fprintf(w, "data[%d] = 0x%X", s.Size, e.data)
	case Unsigned:
		b, err := intToBytes(e, s.Width, false)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "%s = 0x%X", s, b)
	case Signed:
		if _, err := intToBytes(e, s.Width, true); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "%s = %s", s, signedString(e))
	default:
		return fmt.Errorf("unhandled schema %T", s)
	}

	return nil
}

func signedString(e Entry) string {
	if e.hi == 0 && int64(e.lo) >= 0 || e.hi == ^uint64(0) && int64(e.lo) < 0 {
		return fmt.Sprintf("%d", int64(e.lo))
	}

	var full [16]byte
	binary.BigEndian.PutUint64(full[:8], e.hi)
	binary.BigEndian.PutUint64(full[8:], e.lo)

	n := new(big.Int).SetBytes(full[:])
	if e.hi>>63 == 1 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	return n.String()
}

// FormatAll renders a list of values, one per line.
func FormatAll(schemas []Schema, entries []Entry) (string, error) {
	if len(schemas) != len(entries) {
		return "", fmt.Errorf("%d schemas for %d values", len(schemas), len(entries))
	}

	lines := make([]string, len(entries))
	for i := range entries {
		line, err := Format(schemas[i], entries[i])
		if err != nil {
			return "", err
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n"), nil
}
