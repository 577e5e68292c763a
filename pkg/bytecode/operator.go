package bytecode

type Operator uint8

const (
	Add Operator = iota
	Sub
	Mul
	Div
	Rem
	And
	Or
	Xor
	Eq
	Lt
	Lte
	Gt
	Gte
	Not
	Neg
)

func (o Operator) String() string {
	switch o {
	case Add:
		return "+"
	case Sub:
		return "-"
	case Mul:
		return "*"
	case Div:
		return "/"
	case Rem:
		return "%"
	case And:
		return "&"
	case Or:
		return "|"
	case Xor:
		return "^"
	case Eq:
		return "=="
	case Lt:
		return "<"
	case Lte:
		return "<="
	case Gt:
		return ">"
	case Gte:
		return ">="
	case Not:
		return "!"
	case Neg:
		return "neg"
	default:
		return "<unknown>"
	}
}

func (o Operator) IsBinary() bool {
	return o <= Gte
}

func (o Operator) IsUnary() bool {
	return o == Not || o == Neg
}

func (o Operator) IsComparison() bool {
	switch o {
	case Eq, Lt, Lte, Gt, Gte:
		return true
	default:
		return false
	}
}

// Supports reports whether the operator is defined on operands of kind k.
func (o Operator) Supports(k Kind) bool {
	switch {
	case k.IsSigned():
		return true
	case k.IsInt():
		return o != Neg
	case k == Data:
		return o == And || o == Or || o == Xor || o == Not || o.IsComparison()
	case k == Bool:
		return o == And || o == Or || o == Xor || o == Not || o == Eq
	default:
		return false
	}
}

// Operation is the key of an operator in the interpreter's dispatch tables,
// e.g. "U+U" or "!B".
func (o Operator) Operation(k Kind) string {
	if o.IsUnary() {
		return o.String() + k.Short()
	}
	return k.Short() + o.String() + k.Short()
}
