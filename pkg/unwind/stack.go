package unwind

import (
	"errors"
	"fmt"

	"github.com/go-unwind/unwind/pkg/cfi"
	"github.com/go-unwind/unwind/pkg/op"
	"github.com/go-unwind/unwind/pkg/registry"
)

// Frame is one stack frame produced by the iterator: the frame's own
// register context (with its canonical frame address resolved) and the
// unwind metadata covering its program counter.
type Frame struct {
	// Regs is the register context of this frame. Personality routines
	// receive it and, in the cleanup phase, may set the landing pad in
	// it.
	Regs op.Registers
	// Entry is the unwind metadata covering the frame's PC.
	Entry *cfi.FrameEntry
	// Ret is the caller's resume address as recovered from the frame.
	Ret uint64

	// Address the return address was read from, zero if the return
	// address was not stored in memory.
	addrret uint64
}

// PC returns the frame's program counter.
func (f Frame) PC() uint64 {
	return f.Regs.PC()
}

// stackIterator walks a stack one frame at a time. Each step performs
// one registry lookup and one rule table interpretation, producing the
// caller's register context as a fresh value.
type stackIterator struct {
	pc      uint64
	regs    op.Registers
	top     bool
	atend   bool
	frame   Frame
	src     registry.Source
	mem     Memory
	ptrSize int
	err     error
}

func newStackIterator(src registry.Source, mem Memory, regs op.Registers, ptrSize int) *stackIterator {
	return &stackIterator{
		pc:      regs.PC(),
		regs:    regs.Clone(),
		top:     true,
		src:     src,
		mem:     mem,
		ptrSize: ptrSize,
	}
}

// Next points the iterator to the next stack frame.
func (it *stackIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}

	entry, err := it.src.EntryForPC(it.pc)
	if err != nil {
		it.err = err
		return false
	}

	callFrameRegs, ret, retaddr, retDefined, err := it.advanceRegs(entry)
	if err != nil {
		it.err = err
		return false
	}

	it.frame = Frame{Regs: it.regs, Entry: entry, Ret: ret, addrret: retaddr}

	// An undefined return address rule marks the outermost frame.
	if !retDefined || ret == 0 {
		it.atend = true
		return true
	}

	it.top = false
	it.regs = callFrameRegs
	it.pc = ret
	return true
}

// Frame returns the frame the iterator is pointing at.
func (it *stackIterator) Frame() Frame {
	return it.frame
}

// Err returns the error encountered during stack iteration.
func (it *stackIterator) Err() error {
	return it.err
}

// advanceRegs computes the caller's register context from it.regs and
// the rule row of entry active at the current PC. it.regs.CFA is
// updated as a side effect.
func (it *stackIterator) advanceRegs(entry *cfi.FrameEntry) (callFrameRegs op.Registers, ret uint64, retaddr uint64, retDefined bool, err error) {
	framectx, err := entry.EstablishFrame(it.pc)
	if err != nil {
		return op.Registers{}, 0, 0, false, err
	}

	cfareg, err := it.executeCFARule(framectx.CFA)
	if err != nil {
		return op.Registers{}, 0, 0, false, err
	}
	if cfareg == nil {
		return op.Registers{}, 0, 0, false, fmt.Errorf("CFA becomes undefined at PC %#x", it.pc)
	}
	it.regs.CFA = int64(cfareg.Uint64Val)

	callFrameRegs = op.NewRegisters(it.regs.ByteOrder, it.regs.PCRegNum, it.regs.SPRegNum, it.regs.BPRegNum)

	// The metadata rarely carries an explicit rule for the stack
	// pointer; by convention the caller's SP is the CFA.
	callFrameRegs.AddReg(callFrameRegs.SPRegNum, cfareg)

	for regnum, rule := range framectx.Regs {
		reg, err := it.executeFrameRegRule(regnum, rule, it.regs.CFA)
		if err != nil {
			return op.Registers{}, 0, 0, false, err
		}
		if regnum == framectx.RetAddrReg {
			if reg == nil {
				// No rule for the return address register: the
				// stack ends here.
				return op.Registers{}, 0, 0, false, nil
			}
			ret = reg.Uint64Val
			if rule.Rule == cfi.RuleOffset {
				retaddr = uint64(it.regs.CFA + rule.Offset)
			}
			retDefined = true
		}
		if reg != nil {
			callFrameRegs.AddReg(regnum, reg)
		}
	}

	callFrameRegs.SetPC(ret)
	return callFrameRegs, ret, retaddr, retDefined, nil
}

// executeCFARule resolves the canonical frame address. Unlike register
// rules, an expression here computes the CFA value itself, not an
// address it is stored at.
func (it *stackIterator) executeCFARule(rule cfi.RegRule) (*op.Register, error) {
	switch rule.Rule {
	case cfi.RuleCFA:
		reg := it.regs.Reg(rule.Reg)
		if reg == nil {
			return nil, nil
		}
		return op.RegisterFromUint64(uint64(int64(reg.Uint64Val) + rule.Offset)), nil
	case cfi.RuleExpression:
		v, err := op.ExecuteStackProgram(it.regs, rule.Expression, it.ptrSize, it.mem.ReadMemory)
		if err != nil {
			return nil, err
		}
		return op.RegisterFromUint64(uint64(v)), nil
	case cfi.RuleUndefined:
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported CFA rule %d at PC %#x", rule.Rule, it.pc)
}

func (it *stackIterator) executeFrameRegRule(regnum uint64, rule cfi.RegRule, cfa int64) (*op.Register, error) {
	switch rule.Rule {
	default:
		fallthrough
	case cfi.RuleUndefined:
		return nil, nil
	case cfi.RuleSameVal:
		reg := it.regs.Reg(regnum)
		if reg == nil {
			return nil, nil
		}
		v := *reg
		return &v, nil
	case cfi.RuleOffset:
		return it.readRegisterAt(uint64(cfa + rule.Offset))
	case cfi.RuleValOffset:
		return op.RegisterFromUint64(uint64(cfa + rule.Offset)), nil
	case cfi.RuleRegister:
		reg := it.regs.Reg(rule.Reg)
		if reg == nil {
			return nil, nil
		}
		v := *reg
		return &v, nil
	case cfi.RuleExpression:
		v, err := op.ExecuteStackProgram(it.regs, rule.Expression, it.ptrSize, it.mem.ReadMemory)
		if err != nil {
			return nil, err
		}
		return it.readRegisterAt(uint64(v))
	case cfi.RuleValExpression:
		v, err := op.ExecuteStackProgram(it.regs, rule.Expression, it.ptrSize, it.mem.ReadMemory)
		if err != nil {
			return nil, err
		}
		return op.RegisterFromUint64(uint64(v)), nil
	case cfi.RuleCFA:
		reg := it.regs.Reg(rule.Reg)
		if reg == nil {
			return nil, nil
		}
		return op.RegisterFromUint64(uint64(int64(reg.Uint64Val) + rule.Offset)), nil
	}
}

func (it *stackIterator) readRegisterAt(addr uint64) (*op.Register, error) {
	v, err := readUintRaw(it.mem, addr, it.ptrSize, it.regs.ByteOrder)
	if err != nil {
		return nil, err
	}
	return op.RegisterFromUint64(v), nil
}

// Stacktrace walks the stack described by src, mem and regs without
// raising anything, collecting at most depth+1 frames. Tooling uses it
// to preview a recorded stack before replaying an unwind over it.
func Stacktrace(src registry.Source, mem Memory, regs op.Registers, ptrSize, depth int) ([]Frame, error) {
	return newStackIterator(src, mem, regs, ptrSize).stacktrace(depth)
}

// stacktrace collects up to depth frames.
func (it *stackIterator) stacktrace(depth int) ([]Frame, error) {
	if depth < 0 {
		return nil, errors.New("negative maximum stack depth")
	}
	frames := make([]Frame, 0, depth+1)
	for it.Next() {
		frames = append(frames, it.Frame())
		if len(frames) >= depth+1 {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}
