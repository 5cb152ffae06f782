// Package unwind implements the two-phase call-frame unwinding
// protocol: a search phase that walks the stack looking for a frame
// willing to catch the in-flight exception, and a cleanup phase that
// re-walks the same frames running destructors before transferring
// control to the handler's landing pad.
package unwind

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/go-unwind/unwind/pkg/cfi"
	"github.com/go-unwind/unwind/pkg/logflags"
	"github.com/go-unwind/unwind/pkg/op"
	"github.com/go-unwind/unwind/pkg/registry"
	"github.com/go-unwind/unwind/pkg/symbol"
)

// State is the driver's position in the unwind protocol.
type State int

const (
	// Searching: phase 1, walking the stack for a willing handler.
	Searching State = iota
	// Found: phase 1 accepted a handler frame.
	Found
	// Unwinding: phase 2, running cleanup up to the handler frame.
	Unwinding
	// Resumed: control has been handed to the handler's landing pad.
	Resumed
	// Exhausted: no handler anywhere on the stack; fatal.
	Exhausted
	// Aborted: malformed metadata, a fatal personality verdict or a
	// phase mismatch stopped the unwind; fatal.
	Aborted
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case Found:
		return "found"
	case Unwinding:
		return "unwinding"
	case Resumed:
		return "resumed"
	case Exhausted:
		return "exhausted"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// NestedPolicy decides the fate of an exception superseded by a nested
// throw during cleanup.
type NestedPolicy int

const (
	// PolicyReplace drops the superseded exception after running its
	// Cleanup callback. The default.
	PolicyReplace NestedPolicy = iota
	// PolicyChain links the superseded exception onto the new one's
	// Chained field; ownership follows the new exception.
	PolicyChain
)

// ParseNestedPolicy converts a configuration string to a NestedPolicy.
func ParseNestedPolicy(s string) (NestedPolicy, error) {
	switch s {
	case "", "replace":
		return PolicyReplace, nil
	case "chain":
		return PolicyChain, nil
	}
	return PolicyReplace, fmt.Errorf("unknown nested throw policy %q", s)
}

// TransferFunc performs the actual control transfer into a handler
// frame. It belongs to the platform layer and must not return.
type TransferFunc func(regs op.Registers)

// TerminateFunc is invoked on any fatal unwind outcome after
// diagnostics have been reported.
type TerminateFunc func(err error)

// Options configures an Unwinder.
type Options struct {
	// NestedPolicy for exceptions superseded during cleanup.
	NestedPolicy NestedPolicy
	// PtrSize of the target, 8 if zero.
	PtrSize int
	// Transfer jumps into the handler frame; required by Throw.
	Transfer TransferFunc
	// Terminate replaces the default fatal handler (log and exit).
	Terminate TerminateFunc
	// Symbols, if set, are used to describe addresses in fatal
	// diagnostics.
	Symbols *symbol.Table
}

// Unwinder drives the two-phase protocol over one thread's stack. It is
// not safe for concurrent use; each unwinding thread owns its Unwinder.
type Unwinder struct {
	src           registry.Source
	mem           Memory
	personalities *PersonalityTable
	opts          Options
	state         State
	log           *logrus.Entry
}

// New returns an Unwinder resolving metadata through src and reading
// stack memory through mem.
func New(src registry.Source, mem Memory, personalities *PersonalityTable, opts Options) *Unwinder {
	if opts.PtrSize == 0 {
		opts.PtrSize = 8
	}
	if opts.Terminate == nil {
		opts.Terminate = func(err error) {
			fmt.Fprintf(os.Stderr, "fatal unwind error: %v\n", err)
			os.Exit(134)
		}
	}
	if personalities == nil {
		personalities = NewPersonalityTable()
	}
	return &Unwinder{
		src:           src,
		mem:           mem,
		personalities: personalities,
		opts:          opts,
		state:         Searching,
		log:           logflags.UnwinderLogger(),
	}
}

// State returns the driver's current protocol state.
func (u *Unwinder) State() State {
	return u.state
}

// nestedState carries a nested throw out of the cleanup phase: the new
// exception and the register context of the frame that threw it.
type nestedState struct {
	exc  *Exception
	regs op.Registers
}

// Raise runs the two-phase protocol for exc starting from regs. On
// success it returns the handler frame's register context with the
// landing pad installed; performing the jump is the caller's platform
// layer's job. All error returns are fatal to the unwind: no partial
// resume is ever attempted.
//
// Ownership of exc passes to the driver until a handler frame takes it.
func (u *Unwinder) Raise(exc *Exception, regs op.Registers) (op.Registers, error) {
	for {
		resume, nested, err := u.raiseOnce(exc, regs)
		if err != nil {
			return op.Registers{}, err
		}
		if nested == nil {
			return resume, nil
		}

		// A cleanup-phase personality threw. The new unwind
		// supersedes the old one and starts from the throwing frame;
		// frames already cleaned are not revisited.
		u.log.Debugf("nested throw of %s superseding %s", nested.exc.Class, exc.Class)
		switch u.opts.NestedPolicy {
		case PolicyChain:
			nested.exc.Chained = exc
		default:
			if exc.Cleanup != nil {
				exc.Cleanup(ReasonSuperseded, exc)
			}
		}
		exc = nested.exc
		regs = nested.regs
		u.state = Searching
	}
}

func (u *Unwinder) raiseOnce(exc *Exception, regs op.Registers) (op.Registers, *nestedState, error) {
	handlerIdx, visited, err := u.search(exc, regs)
	if err != nil {
		return op.Registers{}, nil, err
	}

	u.state = Found
	exc.handlerCFA = visited[handlerIdx]
	u.log.Debugf("handler accepted at frame %d, CFA %#x", handlerIdx, exc.handlerCFA)

	return u.cleanup(exc, regs, handlerIdx, visited)
}

// search is phase 1: find a frame willing to catch exc. It returns the
// index of the handler frame and the CFA of every frame visited up to
// and including it.
func (u *Unwinder) search(exc *Exception, regs op.Registers) (int, []int64, error) {
	u.state = Searching
	exc.phase = PhaseSearch

	it := newStackIterator(u.src, u.mem, regs, u.opts.PtrSize)
	visited := make([]int64, 0, 16)

	for it.Next() {
		frame := it.Frame()
		visited = append(visited, frame.Regs.CFA)
		u.log.Debugf("search: frame %d PC %s CFA %#x", len(visited)-1, u.describe(frame.PC()), frame.Regs.CFA)

		p, ok, err := u.personality(frame.Entry)
		if err != nil {
			u.state = Aborted
			return 0, nil, err
		}
		if !ok {
			continue
		}

		// The search phase must not mutate the frame context; hand
		// the routine a throwaway copy.
		searchRegs := frame.Regs.Clone()
		verdict, err := p.Dispatch(PhaseSearch, exc, frame.Entry, &searchRegs)
		if err != nil {
			u.state = Aborted
			return 0, nil, err
		}

		switch verdict {
		case ContinueUnwind:
		case HandlerFound:
			return len(visited) - 1, visited, nil
		default:
			u.state = Aborted
			return 0, nil, fmt.Errorf("personality returned %s in search phase at %s", verdict, u.describe(frame.PC()))
		}
	}

	if err := it.Err(); err != nil {
		u.state = Aborted
		return 0, nil, err
	}

	u.state = Exhausted
	return 0, nil, &ExhaustedStackError{Class: exc.Class, Frames: len(visited)}
}

// cleanup is phase 2: re-walk the frames phase 1 visited, running each
// frame's cleanup, and transfer ownership at the handler frame.
func (u *Unwinder) cleanup(exc *Exception, regs op.Registers, handlerIdx int, visited []int64) (op.Registers, *nestedState, error) {
	u.state = Unwinding
	exc.phase = PhaseCleanup

	it := newStackIterator(u.src, u.mem, regs, u.opts.PtrSize)

	for i := 0; it.Next(); i++ {
		frame := it.Frame()

		// Phase 2 must observe the exact frame sequence phase 1 saw.
		if i > handlerIdx || frame.Regs.CFA != visited[i] {
			u.state = Aborted
			return op.Registers{}, nil, &PhaseMismatchError{
				FrameIndex: i,
				Detail:     fmt.Sprintf("CFA %#x not visited by search phase", frame.Regs.CFA),
			}
		}

		isHandler := i == handlerIdx
		p, ok, err := u.personality(frame.Entry)
		if err != nil {
			u.state = Aborted
			return op.Registers{}, nil, err
		}
		if !ok {
			if isHandler {
				u.state = Aborted
				return op.Registers{}, nil, &PhaseMismatchError{FrameIndex: i, Detail: "handler frame lost its personality"}
			}
			// Pass-through frame with no cleanup to run.
			continue
		}

		phase := PhaseCleanup
		if isHandler {
			phase |= PhaseHandlerFrame
		}
		u.log.Debugf("cleanup: frame %d PC %s phase %s", i, u.describe(frame.PC()), phase)

		verdict, err := p.Dispatch(phase, exc, frame.Entry, &frame.Regs)
		if err != nil {
			var nt *NestedThrow
			if errors.As(err, &nt) {
				return op.Registers{}, &nestedState{exc: nt.Exception, regs: frame.Regs}, nil
			}
			u.state = Aborted
			return op.Registers{}, nil, err
		}

		switch verdict {
		case ContinueUnwind:
			if isHandler {
				u.state = Aborted
				return op.Registers{}, nil, &PhaseMismatchError{FrameIndex: i, Detail: "handler frame declined in cleanup phase"}
			}
		case CleanupRan:
			if isHandler {
				u.state = Aborted
				return op.Registers{}, nil, &PhaseMismatchError{FrameIndex: i, Detail: "handler frame ran cleanup without installing a landing pad"}
			}
			exc.cleanupCount++
		case HandlerFound:
			if !isHandler {
				u.state = Aborted
				return op.Registers{}, nil, &PhaseMismatchError{FrameIndex: i, Detail: "non-handler frame claimed the exception"}
			}
			u.state = Resumed
			u.log.Debugf("resuming at %s", u.describe(frame.Regs.PC()))
			return frame.Regs, nil, nil
		default:
			u.state = Aborted
			return op.Registers{}, nil, fmt.Errorf("personality returned %s in cleanup phase at %s", verdict, u.describe(frame.PC()))
		}
	}

	u.state = Aborted
	if err := it.Err(); err != nil {
		return op.Registers{}, nil, err
	}
	return op.Registers{}, nil, &PhaseMismatchError{FrameIndex: handlerIdx, Detail: "stack ended before reaching the handler frame"}
}

// Throw is the throw entry point: it raises exc from regs and never
// returns. Successful unwinds transfer control through the configured
// TransferFunc; every other outcome terminates through the configured
// terminate hook after best-effort diagnostics.
func (u *Unwinder) Throw(exc *Exception, regs op.Registers) {
	resume, err := u.Raise(exc, regs)
	if err != nil {
		u.fatal(exc, regs, err)
		return
	}
	if u.opts.Transfer == nil {
		u.fatal(exc, regs, errors.New("no transfer function configured"))
		return
	}
	u.opts.Transfer(resume)
	u.fatal(exc, regs, errors.New("transfer function returned"))
}

func (u *Unwinder) fatal(exc *Exception, regs op.Registers, err error) {
	u.log.Errorf("unwind of %s exception from %s failed in state %s: %v",
		exc.Class, u.describe(regs.PC()), u.state, err)
	if exc.Cleanup != nil {
		exc.Cleanup(ReasonFatal, exc)
	}
	u.opts.Terminate(err)
}

// personality resolves the routine named by entry. A frame naming a
// routine that was never registered is a table consistency error, not a
// pass-through frame.
func (u *Unwinder) personality(entry *cfi.FrameEntry) (Personality, bool, error) {
	if entry.Personality == "" {
		return nil, false, nil
	}
	p, ok := u.personalities.Lookup(entry.Personality)
	if !ok {
		return nil, false, fmt.Errorf("frame entry at %#x names unregistered personality %q", entry.Begin(), entry.Personality)
	}
	return p, true, nil
}

func (u *Unwinder) describe(pc uint64) string {
	return u.opts.Symbols.Describe(pc)
}
