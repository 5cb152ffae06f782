package unwind

import "fmt"

// ExhaustedStackError is returned when the search phase reaches the end
// of the stack without any frame accepting the exception. Equivalent to
// an uncaught exception: the driver terminates after reporting it.
type ExhaustedStackError struct {
	Class  Class
	Frames int
}

func (err *ExhaustedStackError) Error() string {
	return fmt.Sprintf("uncaught %s exception: no handler in %d frames", err.Class, err.Frames)
}

// ForeignExceptionError reports an exception from another runtime
// reaching a frame that must consume it but declares no interop rule.
type ForeignExceptionError struct {
	Class Class
}

func (err *ForeignExceptionError) Error() string {
	return fmt.Sprintf("foreign %s exception with no interop rule", err.Class)
}

// PhaseMismatchError reports that the cleanup phase observed a stack
// that differs from the one the search phase walked. The stack and the
// registry entries for it must not change between phases; this is a
// caller contract violation surfaced instead of silently continuing.
type PhaseMismatchError struct {
	FrameIndex int
	Detail     string
}

func (err *PhaseMismatchError) Error() string {
	return fmt.Sprintf("stack changed between unwind phases at frame %d: %s", err.FrameIndex, err.Detail)
}
