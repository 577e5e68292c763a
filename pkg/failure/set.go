package failure

import (
	"errors"
	"fmt"
)

// ComponentError ties an error to the module component that produced it.
type ComponentError struct {
	Component string
	Err       error
}

func (e ComponentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Component, e.Err)
}

func (e ComponentError) Unwrap() error {
	return e.Err
}

// ErrorSet collects the errors of every component of a module so a failed
// check reports all of them. Nested sets are flattened.
type ErrorSet struct {
	Errs []error
}

func NewErrorSet() *ErrorSet {
	return new(ErrorSet)
}

func (s *ErrorSet) Add(err error) {
	if err == nil {
		return
	}

	if nested, ok := err.(*ErrorSet); ok {
		s.Errs = append(s.Errs, nested.Errs...)
		return
	}

	s.Errs = append(s.Errs, err)
}

// Err is nil when nothing was collected and the set otherwise.
func (s *ErrorSet) Err() error {
	if len(s.Errs) == 0 {
		return nil
	}
	return s
}

func (s *ErrorSet) Error() string {
	return errors.Join(s.Errs...).Error()
}

func (s *ErrorSet) Unwrap() []error {
	return s.Errs
}
