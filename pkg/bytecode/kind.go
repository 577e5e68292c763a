package bytecode

import (
	"fmt"

	"github.com/rhino1998/sanskrit/pkg/value"
)

// Kind is the operand type an opcode is parameterised over.
type Kind uint8

const (
	U8 Kind = iota
	U16
	U32
	U64
	U128
	I8
	I16
	I32
	I64
	I128
	Data
	Bool
)

func (k Kind) Valid() bool {
	return k <= Bool
}

func (k Kind) IsInt() bool {
	return k <= I128
}

func (k Kind) IsSigned() bool {
	return k >= I8 && k <= I128
}

// Width is the byte width of an integer kind.
func (k Kind) Width() uint8 {
	switch k {
	case U8, I8:
		return 1
	case U16, I16:
		return 2
	case U32, I32:
		return 4
	case U64, I64:
		return 8
	case U128, I128:
		return 16
	default:
		return 0
	}
}

// Schema is the value schema of an integer or boolean kind.
func (k Kind) Schema() value.Schema {
	switch {
	case k.IsSigned():
		return value.Signed{Width: k.Width()}
	case k.IsInt():
		return value.Unsigned{Width: k.Width()}
	case k == Bool:
		return value.BoolSchema
	default:
		return nil
	}
}

func (k Kind) String() string {
	switch {
	case k.IsSigned():
		return fmt.Sprintf("i%d", int(k.Width())*8)
	case k.IsInt():
		return fmt.Sprintf("u%d", int(k.Width())*8)
	case k == Data:
		return "data"
	case k == Bool:
		return "bool"
	default:
		return "<unknown>"
	}
}

// Short is the one-letter class of a kind used to key operator tables.
func (k Kind) Short() string {
	switch {
	case k.IsSigned():
		return "I"
	case k.IsInt():
		return "U"
	case k == Data:
		return "D"
	case k == Bool:
		return "B"
	default:
		return "?"
	}
}
