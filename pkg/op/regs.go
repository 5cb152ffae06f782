package op

import "encoding/binary"

// Registers holds the register file of one stack frame: the machine word
// value of every known register, the canonical frame address computed for
// the frame and the identity of the program counter, stack pointer and
// frame pointer registers.
type Registers struct {
	CFA       int64
	FrameBase int64

	ByteOrder binary.ByteOrder
	PCRegNum  uint64
	SPRegNum  uint64
	BPRegNum  uint64

	Regs []*Register
}

// Register is the value of a single register.
type Register struct {
	Uint64Val uint64
}

// NewRegisters returns a Registers value with the given designated
// register numbers.
func NewRegisters(byteOrder binary.ByteOrder, pcRegNum, spRegNum, bpRegNum uint64) Registers {
	return Registers{
		ByteOrder: byteOrder,
		PCRegNum:  pcRegNum,
		SPRegNum:  spRegNum,
		BPRegNum:  bpRegNum,
	}
}

// Reg returns register idx or nil if the register is not defined.
func (regs *Registers) Reg(idx uint64) *Register {
	if idx >= uint64(len(regs.Regs)) {
		return nil
	}
	return regs.Regs[idx]
}

// Uint64Val returns the value of register idx, zero if it is undefined.
func (regs *Registers) Uint64Val(idx uint64) uint64 {
	reg := regs.Reg(idx)
	if reg == nil {
		return 0
	}
	return reg.Uint64Val
}

// AddReg adds register idx to regs.
func (regs *Registers) AddReg(idx uint64, reg *Register) {
	if idx >= uint64(len(regs.Regs)) {
		newRegs := make([]*Register, idx+1)
		copy(newRegs, regs.Regs)
		regs.Regs = newRegs
	}
	regs.Regs[idx] = reg
}

// PC returns the value of the program counter register.
func (regs *Registers) PC() uint64 {
	return regs.Uint64Val(regs.PCRegNum)
}

// SetPC sets the program counter register.
func (regs *Registers) SetPC(pc uint64) {
	regs.AddReg(regs.PCRegNum, RegisterFromUint64(pc))
}

// SP returns the value of the stack pointer register.
func (regs *Registers) SP() uint64 {
	return regs.Uint64Val(regs.SPRegNum)
}

// BP returns the value of the frame pointer register.
func (regs *Registers) BP() uint64 {
	return regs.Uint64Val(regs.BPRegNum)
}

// Clone returns a copy of regs that shares no register storage with the
// original. Frame traversal steps produce new contexts, they never alias
// the context they started from.
func (regs *Registers) Clone() Registers {
	r := *regs
	r.Regs = make([]*Register, len(regs.Regs))
	for i := range regs.Regs {
		if regs.Regs[i] != nil {
			v := *regs.Regs[i]
			r.Regs[i] = &v
		}
	}
	return r
}

// RegisterFromUint64 returns a Register holding v.
func RegisterFromUint64(v uint64) *Register {
	return &Register{Uint64Val: v}
}
