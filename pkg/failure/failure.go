// Package failure defines the error kinds reported by the runtime core.
//
// Every error produced by the core wraps exactly one of the sentinels below,
// so callers can classify any error with KindOf and compare specific causes
// with errors.Is.
package failure

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindParse
	KindResource
	KindType
	KindRuntime
	KindRollback
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindResource:
		return "resource"
	case KindType:
		return "type"
	case KindRuntime:
		return "runtime"
	case KindRollback:
		return "rollback"
	case KindSystem:
		return "system"
	default:
		return "<unknown>"
	}
}

type Error struct {
	Kind Kind
	Msg  string
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func (e *Error) Error() string {
	return e.Msg
}

var (
	ErrMalformed     = New(KindParse, "malformed input")
	ErrBadMagic      = New(KindParse, "bad magic or version")
	ErrTooDeep       = New(KindParse, "structural depth exceeded")
	ErrTagOutOfRange = New(KindParse, "tag out of range")
	ErrTrailingBytes = New(KindParse, "trailing bytes")
	ErrTooLarge      = New(KindParse, "input too large")

	ErrVirtualBytes   = New(KindResource, "virtual bytes exhausted")
	ErrHeapExhausted  = New(KindResource, "physical heap exhausted")
	ErrStackOverflow  = New(KindResource, "stack overflow")
	ErrStackUnderflow = New(KindResource, "stack underflow")
	ErrFrameOverflow  = New(KindResource, "frame overflow")
	ErrReturnOverflow = New(KindResource, "return stack overflow")
	ErrGasExceeded    = New(KindResource, "gas exceeded")
	ErrLimitExceeded  = New(KindResource, "declared limit exceeded")
	ErrArenaLocked    = New(KindResource, "arena is locked by a temporary arena")

	ErrTypeMismatch      = New(KindType, "type mismatch")
	ErrCapabilityMissing = New(KindType, "capability missing")
	ErrPermissionMissing = New(KindType, "permission missing")
	ErrLinearity         = New(KindType, "linearity violation")
	ErrVisibility        = New(KindType, "component not visible")
	ErrPhantom           = New(KindType, "phantom generic in value position")
	ErrArity             = New(KindType, "arity mismatch")
	ErrUnresolved        = New(KindType, "unresolved reference")

	ErrTagMismatch        = New(KindRuntime, "adt tag mismatch")
	ErrFieldOutOfRange    = New(KindRuntime, "field index out of range")
	ErrRefOutOfRange      = New(KindRuntime, "value reference out of range")
	ErrMissingEntry       = New(KindRuntime, "missing store entry")
	ErrLinearStore        = New(KindRuntime, "store entry already consumed")
	ErrUnknownExtern      = New(KindRuntime, "unknown external call")
	ErrInvalidBundle      = New(KindRuntime, "invalid bundle")
	ErrInvalidDescriptor  = New(KindRuntime, "invalid descriptor")
	ErrBlockWindow        = New(KindRuntime, "block outside inclusion window")
	ErrReplay             = New(KindRuntime, "bundle already executed")
	ErrUnsupportedKind    = New(KindRuntime, "operation not supported for kind")
	ErrNumericOutOfDomain = New(KindRuntime, "value does not fit kind")

	ErrRollback     = New(KindRollback, "rollback")
	ErrOverflow     = New(KindRollback, "numeric overflow")
	ErrDivideByZero = New(KindRollback, "divide by zero")
	ErrConversion   = New(KindRollback, "conversion out of range")

	ErrStore = New(KindSystem, "store failure")
)

// Wrapf annotates a sentinel with formatted context while keeping it
// matchable with errors.Is.
func Wrapf(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// System wraps a store back-end error verbatim.
func System(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStore, err)
}

func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func IsRollback(err error) bool {
	return KindOf(err) == KindRollback
}
