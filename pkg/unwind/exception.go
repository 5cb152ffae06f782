package unwind

import "fmt"

// Class tags an in-flight exception with the runtime that threw it.
// The high four bytes identify the vendor, the low four the language,
// mirroring the eight character class convention of native unwinders.
// Vendor equality is what separates "ours" from a foreign exception
// raised by a different runtime sharing the call stack.
type Class uint64

// MakeClass packs vendor and language identifiers (at most four bytes
// each) into a class tag.
func MakeClass(vendor, lang string) Class {
	var c uint64
	for i := 0; i < 4; i++ {
		c <<= 8
		if i < len(vendor) {
			c |= uint64(vendor[i])
		}
	}
	for i := 0; i < 4; i++ {
		c <<= 8
		if i < len(lang) {
			c |= uint64(lang[i])
		}
	}
	return Class(c)
}

// SameVendor reports whether both classes were minted by the same
// runtime vendor.
func (c Class) SameVendor(other Class) bool {
	return uint64(c)>>32 == uint64(other)>>32
}

func (c Class) String() string {
	raw := make([]byte, 0, 8)
	for shift := 56; shift >= 0; shift -= 8 {
		b := byte(uint64(c) >> uint(shift))
		if b != 0 {
			raw = append(raw, b)
		}
	}
	if len(raw) == 0 {
		return "<none>"
	}
	return string(raw)
}

// CleanupReason tells an exception's cleanup callback why the driver is
// relinquishing the object.
type CleanupReason int

const (
	// ReasonCaught: a handler frame took ownership.
	ReasonCaught CleanupReason = iota
	// ReasonSuperseded: a nested throw replaced this exception.
	ReasonSuperseded
	// ReasonFatal: the unwind terminated without a handler.
	ReasonFatal
)

func (r CleanupReason) String() string {
	switch r {
	case ReasonCaught:
		return "caught"
	case ReasonSuperseded:
		return "superseded"
	case ReasonFatal:
		return "fatal"
	}
	return fmt.Sprintf("CleanupReason(%d)", int(r))
}

// Exception is the in-flight exception object. The thrower creates it
// and hands ownership to the driver for the duration of the unwind; the
// catching frame's handler takes final ownership, or the driver destroys
// it through Cleanup if the unwind ends without one.
type Exception struct {
	// Class identifies the originating runtime.
	Class Class
	// Payload is the thrower's exception value. The core never
	// inspects it.
	Payload interface{}
	// Cleanup, if set, is invoked when the driver disposes of the
	// object without a handler taking ownership.
	Cleanup func(reason CleanupReason, exc *Exception)
	// Chained holds the exception this one superseded when the nested
	// throw policy is PolicyChain.
	Chained *Exception

	// Driver bookkeeping.
	phase        Phase
	handlerCFA   int64
	cleanupCount int
}

// CleanupCount returns how many cleanup-phase personality calls ran
// destructors on behalf of this exception.
func (e *Exception) CleanupCount() int {
	return e.cleanupCount
}

// NestedThrow is returned as the dispatch error of a cleanup-phase
// personality call to signal that running cleanup code raised a new
// exception. The driver abandons the current unwind and starts a new
// one for the nested exception from the throwing frame.
type NestedThrow struct {
	Exception *Exception
}

func (nt *NestedThrow) Error() string {
	return fmt.Sprintf("nested throw of %s exception during cleanup", nt.Exception.Class)
}
