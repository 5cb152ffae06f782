// Package leb128 provides encoders and decoders for the variable length
// integer encoding used by the call frame instruction stream and the
// unwind table format.
package leb128
