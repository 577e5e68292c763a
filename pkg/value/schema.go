package value

import (
	"fmt"
	"strings"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/wire"
)

type Schema interface {
	schema()
	String() string
}

type Adt struct {
	Cases [][]Schema
}

type Data struct {
	Size uint16
}

type Unsigned struct {
	Width uint8
}

type Signed struct {
	Width uint8
}

func (Adt) schema()      {}
func (Data) schema()     {}
func (Unsigned) schema() {}
func (Signed) schema()   {}

func (s Adt) String() string {
	cases := make([]string, len(s.Cases))
	for i, c := range s.Cases {
		fields := make([]string, len(c))
		for j, f := range c {
			fields[j] = f.String()
		}
		cases[i] = strings.Join(fields, ", ")
	}
	return fmt.Sprintf("adt(%s)", strings.Join(cases, " | "))
}

func (s Data) String() string {
	return fmt.Sprintf("data[%d]", s.Size)
}

func (s Unsigned) String() string {
	return fmt.Sprintf("u%d", int(s.Width)*8)
}

func (s Signed) String() string {
	return fmt.Sprintf("i%d", int(s.Width)*8)
}

// BoolSchema is the schema of the tag-only boolean ADT.
var BoolSchema = Adt{Cases: [][]Schema{{}, {}}}

func validWidth(w uint8) bool {
	switch w {
	case 1, 2, 4, 8, 16:
		return true
	default:
		return false
	}
}

const (
	schemaAdt      = 0
	schemaData     = 1
	schemaUnsigned = 2
	schemaSigned   = 3
)

func WriteSchema(w *wire.Writer, s Schema) {
	switch s := s.(type) {
	case Adt:
		w.U8(schemaAdt)
		w.Len8(len(s.Cases))
		for _, c := range s.Cases {
			w.Len8(len(c))
			for _, f := range c {
				WriteSchema(w, f)
			}
		}
	case Data:
		w.U8(schemaData)
		w.U16(s.Size)
	case Unsigned:
		w.U8(schemaUnsigned)
		w.U8(s.Width)
	case Signed:
		w.U8(schemaSigned)
		w.U8(s.Width)
	default:
		w.Fail(failure.Wrapf(failure.ErrMalformed, "unknown schema %T", s))
	}
}

func ReadSchema(r *wire.Reader) Schema {
	if !r.Enter() {
		return nil
	}
	defer r.Exit()

	switch tag := r.U8(); tag {
	case schemaAdt:
		cases := make([][]Schema, r.U8())
		for i := range cases {
			fields := make([]Schema, r.U8())
			for j := range fields {
				fields[j] = ReadSchema(r)
			}
			cases[i] = fields
		}
		return Adt{Cases: cases}
	case schemaData:
		return Data{Size: r.U16()}
	case schemaUnsigned, schemaSigned:
		width := r.U8()
		if !validWidth(width) {
			r.Fail(failure.Wrapf(failure.ErrMalformed, "invalid integer width %d", width))
			return nil
		}
		if tag == schemaSigned {
			return Signed{Width: width}
		}
		return Unsigned{Width: width}
	default:
		r.Fail(failure.Wrapf(failure.ErrTagOutOfRange, "schema tag %d", tag))
		return nil
	}
}

// SchemaEqual compares schemas structurally.
func SchemaEqual(a, b Schema) bool {
	switch a := a.(type) {
	case Adt:
		b, ok := b.(Adt)
		if !ok || len(a.Cases) != len(b.Cases) {
			return false
		}
		for i := range a.Cases {
			if len(a.Cases[i]) != len(b.Cases[i]) {
				return false
			}
			for j := range a.Cases[i] {
				if !SchemaEqual(a.Cases[i][j], b.Cases[i][j]) {
					return false
				}
			}
		}
		return true
	case Data:
		b, ok := b.(Data)
		return ok && a == b
	case Unsigned:
		b, ok := b.(Unsigned)
		return ok && a == b
	case Signed:
		b, ok := b.(Signed)
		return ok && a == b
	default:
		return false
	}
}
