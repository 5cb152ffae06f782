package cfi

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// CommonInfo holds the interpretation parameters shared by a group of
// frame entries: alignment factors, the register holding the return
// address and the instructions establishing the initial rule row.
type CommonInfo struct {
	Version             uint8
	CodeAlignmentFactor uint64
	DataAlignmentFactor int64
	RetAddrReg          uint64
	InitialInstructions []byte

	staticBase uint64
}

// FrameEntry describes the unwind metadata for one contiguous code
// range: the instructions that build the register recovery table, an
// optional personality routine name and an optional language specific
// data area consumed by that personality. Entries are immutable once
// they have been handed to a registry.
type FrameEntry struct {
	Common       *CommonInfo
	Instructions []byte

	// Personality names the handler routine for frames in this range,
	// empty for pure pass-through frames.
	Personality string
	// LSDA is the auxiliary data table interpreted by the personality
	// routine, typically a class tag match table.
	LSDA []byte

	begin, size uint64
	order       binary.ByteOrder
}

// NewFrameEntry returns an entry covering [begin, begin+size).
func NewFrameEntry(common *CommonInfo, begin, size uint64, instructions []byte, order binary.ByteOrder) *FrameEntry {
	return &FrameEntry{
		Common:       common,
		Instructions: instructions,
		begin:        begin,
		size:         size,
		order:        order,
	}
}

// Cover returns whether addr is within the bounds of this entry.
func (fe *FrameEntry) Cover(addr uint64) bool {
	return (addr - fe.begin) < fe.size
}

// Begin returns the first address covered by this entry.
func (fe *FrameEntry) Begin() uint64 {
	return fe.begin
}

// End returns the address one past the last covered by this entry.
func (fe *FrameEntry) End() uint64 {
	return fe.begin + fe.size
}

// EstablishFrame runs the entry's call frame program up to pc and
// returns the register recovery rules in effect there.
func (fe *FrameEntry) EstablishFrame(pc uint64) (*FrameContext, error) {
	return executeFrameProgramUntilPC(fe, pc)
}

// FrameEntries is a list of frame entries sorted by begin address.
type FrameEntries []*FrameEntry

// NewFrameIndex returns an empty frame entry index.
func NewFrameIndex() FrameEntries {
	return make(FrameEntries, 0, 64)
}

// ErrNoEntryForPC is returned when no frame entry covers a PC.
type ErrNoEntryForPC struct {
	PC uint64
}

func (err *ErrNoEntryForPC) Error() string {
	return fmt.Sprintf("could not find unwind entry for PC %#x", err.PC)
}

// EntryForPC returns the frame entry covering the given PC.
func (fes FrameEntries) EntryForPC(pc uint64) (*FrameEntry, error) {
	idx := sort.Search(len(fes), func(i int) bool {
		return fes[i].Cover(pc) || fes[i].Begin() >= pc
	})
	if idx == len(fes) || !fes[idx].Cover(pc) {
		return nil, &ErrNoEntryForPC{pc}
	}
	return fes[idx], nil
}
