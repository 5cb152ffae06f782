package unwind

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-unwind/unwind/pkg/cfi"
	"github.com/go-unwind/unwind/pkg/leb128"
	"github.com/go-unwind/unwind/pkg/op"
)

// Phase is the bitset passed to a personality routine describing what
// the driver is asking of it.
type Phase uint8

const (
	// PhaseSearch asks only "would this frame catch the exception";
	// the routine must not run cleanup code or mutate the context.
	PhaseSearch Phase = 1 << iota
	// PhaseCleanup asks the frame to run its destructors.
	PhaseCleanup
	// PhaseHandlerFrame is set together with PhaseCleanup on the frame
	// that accepted the exception in the search phase. The routine must
	// take ownership and set the landing pad in the register context.
	PhaseHandlerFrame
)

func (p Phase) String() string {
	switch {
	case p&PhaseSearch != 0:
		return "search"
	case p&PhaseHandlerFrame != 0:
		return "cleanup+handler"
	case p&PhaseCleanup != 0:
		return "cleanup"
	}
	return fmt.Sprintf("Phase(%#x)", uint8(p))
}

// Verdict is a personality routine's answer for one frame.
type Verdict int

const (
	// ContinueUnwind: nothing to do in this frame, keep walking.
	ContinueUnwind Verdict = iota
	// HandlerFound: search phase, this frame will catch; cleanup
	// phase on the handler frame, the landing pad has been installed.
	HandlerFound
	// CleanupRan: cleanup phase, destructors were executed.
	CleanupRan
	// Fatal: the routine cannot proceed; the driver aborts the unwind
	// and the process.
	Fatal
)

func (v Verdict) String() string {
	switch v {
	case ContinueUnwind:
		return "continue-unwind"
	case HandlerFound:
		return "handler-found"
	case CleanupRan:
		return "cleanup-ran"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Personality decides the fate of one frame during unwinding. Concrete
// implementations exist per source language runtime; the driver only
// sees this interface.
//
// In the cleanup phase the routine may mutate regs to select the exact
// resume address within the frame. On the handler frame it must.
type Personality interface {
	Dispatch(phase Phase, exc *Exception, entry *cfi.FrameEntry, regs *op.Registers) (Verdict, error)
}

// PersonalityTable resolves the personality names carried by frame
// entries to registered routines. Registration happens at runtime
// initialization; lookups may run concurrently.
type PersonalityTable struct {
	mu       sync.RWMutex
	routines map[string]Personality
}

// NewPersonalityTable returns an empty table.
func NewPersonalityTable() *PersonalityTable {
	return &PersonalityTable{routines: make(map[string]Personality)}
}

// Register binds name to a personality routine.
func (pt *PersonalityTable) Register(name string, p Personality) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, ok := pt.routines[name]; ok {
		return fmt.Errorf("personality %q already registered", name)
	}
	pt.routines[name] = p
	return nil
}

// Lookup returns the personality registered under name.
func (pt *PersonalityTable) Lookup(name string) (Personality, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p, ok := pt.routines[name]
	return p, ok
}

// lsda is the decoded form of the auxiliary data table consumed by
// ClassPersonality: an optional cleanup landing pad and a class tag
// match table. Landing pads are offsets from the entry's begin address.
type lsda struct {
	hasCleanup bool
	cleanupPad uint64
	matches    []lsdaMatch
}

type lsdaMatch struct {
	class Class
	pad   uint64
}

const lsdaFlagCleanup = 0x01

// EncodeLSDA serializes a class match table for ClassPersonality.
// Passing hasCleanup records a cleanup landing pad that runs even when
// the frame does not catch. A match with class 0 is a catch-all for
// exceptions of the personality's own vendor.
func EncodeLSDA(hasCleanup bool, cleanupPad uint64, matches map[Class]uint64) []byte {
	var buf bytes.Buffer
	var flags byte
	if hasCleanup {
		flags |= lsdaFlagCleanup
	}
	buf.WriteByte(flags)
	if hasCleanup {
		leb128.EncodeUnsigned(&buf, cleanupPad)
	}
	leb128.EncodeUnsigned(&buf, uint64(len(matches)))
	for class, pad := range matches {
		var raw [8]byte
		binary.LittleEndian.PutUint64(raw[:], uint64(class))
		buf.Write(raw[:])
		leb128.EncodeUnsigned(&buf, pad)
	}
	return buf.Bytes()
}

func parseLSDA(data []byte) (*lsda, error) {
	if len(data) == 0 {
		return &lsda{}, nil
	}
	buf := bytes.NewBuffer(data)
	flags, err := buf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("truncated language specific data")
	}

	out := &lsda{}
	if flags&lsdaFlagCleanup != 0 {
		out.hasCleanup = true
		pad, n := leb128.DecodeUnsigned(buf)
		if n == 0 {
			return nil, fmt.Errorf("truncated cleanup landing pad")
		}
		out.cleanupPad = pad
	}

	count, n := leb128.DecodeUnsigned(buf)
	if n == 0 {
		return nil, fmt.Errorf("truncated match table")
	}
	for i := uint64(0); i < count; i++ {
		raw := buf.Next(8)
		if len(raw) != 8 {
			return nil, fmt.Errorf("truncated match table entry")
		}
		pad, n := leb128.DecodeUnsigned(buf)
		if n == 0 {
			return nil, fmt.Errorf("truncated match table entry")
		}
		out.matches = append(out.matches, lsdaMatch{
			class: Class(binary.LittleEndian.Uint64(raw)),
			pad:   pad,
		})
	}
	return out, nil
}

// ClassPersonality is the standard personality routine: it matches the
// exception's class tag against the frame's match table and runs a
// cleanup callback for frames that declared one. Runtimes with richer
// semantics implement Personality directly.
type ClassPersonality struct {
	// Class is the tag of the runtime this personality belongs to.
	Class Class
	// Interop lists foreign classes this personality has explicitly
	// agreed to catch. Foreign exceptions outside the list pass
	// through cleanup untouched and are never caught.
	Interop map[Class]bool
	// OnCleanup runs the frame's destructors during the cleanup
	// phase. It may return a *NestedThrow to raise a new exception.
	OnCleanup func(exc *Exception, entry *cfi.FrameEntry, regs *op.Registers) error
}

// Dispatch implements Personality.
func (p *ClassPersonality) Dispatch(phase Phase, exc *Exception, entry *cfi.FrameEntry, regs *op.Registers) (Verdict, error) {
	table, err := parseLSDA(entry.LSDA)
	if err != nil {
		return Fatal, err
	}

	foreign := !p.Class.SameVendor(exc.Class)

	if phase&PhaseSearch != 0 {
		if p.match(table, exc, foreign) != nil {
			return HandlerFound, nil
		}
		return ContinueUnwind, nil
	}

	if phase&PhaseHandlerFrame != 0 {
		m := p.match(table, exc, foreign)
		if m == nil {
			if foreign {
				return Fatal, &ForeignExceptionError{Class: exc.Class}
			}
			return Fatal, fmt.Errorf("handler frame at %#x no longer matches class %s", entry.Begin(), exc.Class)
		}
		if table.hasCleanup && p.OnCleanup != nil {
			if err := p.OnCleanup(exc, entry, regs); err != nil {
				return Fatal, err
			}
		}
		regs.SetPC(entry.Begin() + m.pad)
		return HandlerFound, nil
	}

	// Plain cleanup frame. Foreign exceptions pass through cleanup
	// like any other: destructors still run.
	if table.hasCleanup {
		if p.OnCleanup != nil {
			if err := p.OnCleanup(exc, entry, regs); err != nil {
				return Fatal, err
			}
		}
		return CleanupRan, nil
	}
	return ContinueUnwind, nil
}

func (p *ClassPersonality) match(table *lsda, exc *Exception, foreign bool) *lsdaMatch {
	if foreign && !p.Interop[exc.Class] {
		return nil
	}
	for i := range table.matches {
		m := &table.matches[i]
		if m.class == exc.Class || (m.class == 0 && !foreign) {
			return m
		}
	}
	return nil
}
