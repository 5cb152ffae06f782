package cfi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-unwind/unwind/pkg/leb128"
)

// RegRule describes how to recover one register of the caller from the
// callee's frame.
type RegRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

// Rule is the kind of a register recovery rule.
type Rule byte

const (
	// RuleUndefined means the register cannot be recovered. For the
	// return address register this marks the end of the stack.
	RuleUndefined Rule = iota
	// RuleSameVal means the register was not touched by this frame.
	RuleSameVal
	// RuleOffset means the register is saved at CFA+Offset.
	RuleOffset
	// RuleValOffset means the register's value is CFA+Offset itself.
	RuleValOffset
	// RuleRegister means the register is saved in another register.
	RuleRegister
	// RuleExpression means an expression computes the address the
	// register is saved at.
	RuleExpression
	// RuleValExpression means an expression computes the register's
	// value directly.
	RuleValExpression
	// RuleCFA means the value is Reg+Offset, used for the canonical
	// frame address itself.
	RuleCFA
)

// MalformedError reports call frame instructions that cannot be
// interpreted: unknown opcodes, truncated operands or an underflowing
// state stack. Register recovery cannot proceed past one of these.
type MalformedError struct {
	Reason string
}

func (err *MalformedError) Error() string {
	return "malformed call frame metadata: " + err.Reason
}

func malformedf(format string, args ...interface{}) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}

// FrameContext is a row of the register recovery table: the rules in
// effect at one program counter within a frame entry.
type FrameContext struct {
	loc     uint64
	order   binary.ByteOrder
	address uint64

	CFA        RegRule
	Regs       map[uint64]RegRule
	RetAddrReg uint64

	initialRegs     map[uint64]RegRule
	buf             *bytes.Buffer
	common          *CommonInfo
	codeAlignment   uint64
	dataAlignment   int64
	rememberedState *stateStack
}

type rowState struct {
	cfa  RegRule
	regs map[uint64]RegRule
}

// stateStack holds rows pushed by the remember-state instruction and
// popped by restore-state.
type stateStack struct {
	items []rowState
}

func (stack *stateStack) push(state rowState) {
	stack.items = append(stack.items, state)
}

func (stack *stateStack) pop() (rowState, bool) {
	if len(stack.items) == 0 {
		return rowState{}, false
	}
	restored := stack.items[len(stack.items)-1]
	stack.items = stack.items[:len(stack.items)-1]
	return restored, true
}

// Call frame instruction opcodes. The top two bits of the primary
// opcodes encode the operation, the low six bits its operand.
const (
	cfaNop              byte = 0x00
	cfaSetLoc           byte = 0x01 // op1: address
	cfaAdvanceLoc1      byte = 0x02 // op1: 1-byte delta
	cfaAdvanceLoc2      byte = 0x03 // op1: 2-byte delta
	cfaAdvanceLoc4      byte = 0x04 // op1: 4-byte delta
	cfaOffsetExtended   byte = 0x05 // op1: ULEB128 register, op2: ULEB128 offset
	cfaRestoreExtended  byte = 0x06 // op1: ULEB128 register
	cfaUndefined        byte = 0x07 // op1: ULEB128 register
	cfaSameValue        byte = 0x08 // op1: ULEB128 register
	cfaRegister         byte = 0x09 // op1: ULEB128 register, op2: ULEB128 register
	cfaRememberState    byte = 0x0a
	cfaRestoreState     byte = 0x0b
	cfaDefCFA           byte = 0x0c // op1: ULEB128 register, op2: ULEB128 offset
	cfaDefCFARegister   byte = 0x0d // op1: ULEB128 register
	cfaDefCFAOffset     byte = 0x0e // op1: ULEB128 offset
	cfaDefCFAExpression byte = 0x0f // op1: BLOCK
	cfaExpression       byte = 0x10 // op1: ULEB128 register, op2: BLOCK
	cfaOffsetExtendedSF byte = 0x11 // op1: ULEB128 register, op2: SLEB128 offset
	cfaDefCFASF         byte = 0x12 // op1: ULEB128 register, op2: SLEB128 offset
	cfaDefCFAOffsetSF   byte = 0x13 // op1: SLEB128 offset
	cfaValOffset        byte = 0x14 // op1: ULEB128 register, op2: ULEB128 offset
	cfaValOffsetSF      byte = 0x15 // op1: ULEB128 register, op2: SLEB128 offset
	cfaValExpression    byte = 0x16 // op1: ULEB128 register, op2: BLOCK

	cfaAdvanceLoc byte = 0x1 << 6 // low 6 bits: delta
	cfaOffset     byte = 0x2 << 6 // low 6 bits: register, op1: ULEB128 offset
	cfaRestore    byte = 0x3 << 6 // low 6 bits: register
)

const low6Mask = 0x3f

type instruction func(frame *FrameContext) error

var fnlookup = map[byte]instruction{
	cfaAdvanceLoc:       advanceloc,
	cfaOffset:           offset,
	cfaRestore:          restore,
	cfaSetLoc:           setloc,
	cfaAdvanceLoc1:      advanceloc1,
	cfaAdvanceLoc2:      advanceloc2,
	cfaAdvanceLoc4:      advanceloc4,
	cfaOffsetExtended:   offsetextended,
	cfaRestoreExtended:  restoreextended,
	cfaUndefined:        undefined,
	cfaSameValue:        samevalue,
	cfaRegister:         register,
	cfaRememberState:    rememberstate,
	cfaRestoreState:     restorestate,
	cfaDefCFA:           defcfa,
	cfaDefCFARegister:   defcfaregister,
	cfaDefCFAOffset:     defcfaoffset,
	cfaDefCFAExpression: defcfaexpression,
	cfaExpression:       expression,
	cfaOffsetExtendedSF: offsetextendedsf,
	cfaDefCFASF:         defcfasf,
	cfaDefCFAOffsetSF:   defcfaoffsetsf,
	cfaValOffset:        valoffset,
	cfaValOffsetSF:      valoffsetsf,
	cfaValExpression:    valexpression,
}

func executeCommonInstructions(common *CommonInfo) (*FrameContext, error) {
	initialInstructions := make([]byte, len(common.InitialInstructions))
	copy(initialInstructions, common.InitialInstructions)
	frame := &FrameContext{
		common:          common,
		Regs:            make(map[uint64]RegRule),
		RetAddrReg:      common.RetAddrReg,
		initialRegs:     make(map[uint64]RegRule),
		codeAlignment:   common.CodeAlignmentFactor,
		dataAlignment:   common.DataAlignmentFactor,
		buf:             bytes.NewBuffer(initialInstructions),
		rememberedState: &stateStack{},
	}

	for frame.buf.Len() > 0 {
		if err := executeFrameInstruction(frame); err != nil {
			return nil, err
		}
	}

	for reg, rule := range frame.Regs {
		frame.initialRegs[reg] = rule
	}
	return frame, nil
}

func executeFrameProgramUntilPC(fe *FrameEntry, pc uint64) (*FrameContext, error) {
	frame, err := executeCommonInstructions(fe.Common)
	if err != nil {
		return nil, err
	}
	frame.order = fe.order
	frame.loc = fe.Begin()
	frame.address = pc

	frame.buf.Truncate(0)
	frame.buf.Write(fe.Instructions)

	// Execute only until the row location advances past the address we
	// want the rules for.
	for frame.address >= frame.loc && frame.buf.Len() > 0 {
		if err := executeFrameInstruction(frame); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func executeFrameInstruction(frame *FrameContext) error {
	instr, err := frame.buf.ReadByte()
	if err != nil {
		return malformedf("instruction stream exhausted")
	}

	if instr == cfaNop {
		return nil
	}

	fn, err := lookupFunc(instr, frame.buf)
	if err != nil {
		return err
	}

	return fn(frame)
}

func lookupFunc(instr byte, buf *bytes.Buffer) (instruction, error) {
	const high2Mask = 0xc0
	var embedded bool

	// The three primary opcodes carry their first operand in the low
	// six bits of the opcode byte itself.
	switch instr & high2Mask {
	case cfaAdvanceLoc, cfaOffset, cfaRestore:
		instr = instr & high2Mask
		embedded = true
	}

	if embedded {
		if err := buf.UnreadByte(); err != nil {
			return nil, malformedf("could not unread instruction byte")
		}
	}

	fn, ok := fnlookup[instr]
	if !ok {
		return nil, malformedf("unknown call frame instruction %#x", instr)
	}
	return fn, nil
}

func readUleb(frame *FrameContext) (uint64, error) {
	v, n := leb128.DecodeUnsigned(frame.buf)
	if n == 0 {
		return 0, malformedf("truncated ULEB128 operand")
	}
	return v, nil
}

func readSleb(frame *FrameContext) (int64, error) {
	v, n := leb128.DecodeSigned(frame.buf)
	if n == 0 {
		return 0, malformedf("truncated SLEB128 operand")
	}
	return v, nil
}

func readBlock(frame *FrameContext) ([]byte, error) {
	l, err := readUleb(frame)
	if err != nil {
		return nil, err
	}
	block := frame.buf.Next(int(l))
	if uint64(len(block)) != l {
		return nil, malformedf("truncated expression block, want %d bytes have %d", l, len(block))
	}
	return block, nil
}

func advanceloc(frame *FrameContext) error {
	b, err := frame.buf.ReadByte()
	if err != nil {
		return malformedf("truncated advance_loc")
	}
	delta := b & low6Mask
	frame.loc += uint64(delta) * frame.codeAlignment
	return nil
}

func advanceloc1(frame *FrameContext) error {
	delta, err := frame.buf.ReadByte()
	if err != nil {
		return malformedf("truncated advance_loc1")
	}
	frame.loc += uint64(delta) * frame.codeAlignment
	return nil
}

func advanceloc2(frame *FrameContext) error {
	var delta uint16
	if err := binary.Read(frame.buf, frame.order, &delta); err != nil {
		return malformedf("truncated advance_loc2")
	}
	frame.loc += uint64(delta) * frame.codeAlignment
	return nil
}

func advanceloc4(frame *FrameContext) error {
	var delta uint32
	if err := binary.Read(frame.buf, frame.order, &delta); err != nil {
		return malformedf("truncated advance_loc4")
	}
	frame.loc += uint64(delta) * frame.codeAlignment
	return nil
}

func offset(frame *FrameContext) error {
	b, err := frame.buf.ReadByte()
	if err != nil {
		return malformedf("truncated offset")
	}
	reg := uint64(b & low6Mask)
	off, err := readUleb(frame)
	if err != nil {
		return err
	}
	frame.Regs[reg] = RegRule{Offset: int64(off) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func restore(frame *FrameContext) error {
	b, err := frame.buf.ReadByte()
	if err != nil {
		return malformedf("truncated restore")
	}
	reg := uint64(b & low6Mask)
	frame.restoreInitial(reg)
	return nil
}

func restoreextended(frame *FrameContext) error {
	reg, err := readUleb(frame)
	if err != nil {
		return err
	}
	frame.restoreInitial(reg)
	return nil
}

func (frame *FrameContext) restoreInitial(reg uint64) {
	oldrule, ok := frame.initialRegs[reg]
	if ok {
		frame.Regs[reg] = oldrule
	} else {
		frame.Regs[reg] = RegRule{Rule: RuleUndefined}
	}
}

func setloc(frame *FrameContext) error {
	var loc uint64
	if err := binary.Read(frame.buf, frame.order, &loc); err != nil {
		return malformedf("truncated set_loc")
	}
	frame.loc = loc + frame.common.staticBase
	return nil
}

func offsetextended(frame *FrameContext) error {
	reg, err := readUleb(frame)
	if err != nil {
		return err
	}
	off, err := readUleb(frame)
	if err != nil {
		return err
	}
	frame.Regs[reg] = RegRule{Offset: int64(off) * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func offsetextendedsf(frame *FrameContext) error {
	reg, err := readUleb(frame)
	if err != nil {
		return err
	}
	off, err := readSleb(frame)
	if err != nil {
		return err
	}
	frame.Regs[reg] = RegRule{Offset: off * frame.dataAlignment, Rule: RuleOffset}
	return nil
}

func undefined(frame *FrameContext) error {
	reg, err := readUleb(frame)
	if err != nil {
		return err
	}
	frame.Regs[reg] = RegRule{Rule: RuleUndefined}
	return nil
}

func samevalue(frame *FrameContext) error {
	reg, err := readUleb(frame)
	if err != nil {
		return err
	}
	frame.Regs[reg] = RegRule{Rule: RuleSameVal}
	return nil
}

func register(frame *FrameContext) error {
	reg1, err := readUleb(frame)
	if err != nil {
		return err
	}
	reg2, err := readUleb(frame)
	if err != nil {
		return err
	}
	frame.Regs[reg1] = RegRule{Reg: reg2, Rule: RuleRegister}
	return nil
}

func rememberstate(frame *FrameContext) error {
	clonedRegs := make(map[uint64]RegRule, len(frame.Regs))
	for k, v := range frame.Regs {
		clonedRegs[k] = v
	}
	frame.rememberedState.push(rowState{cfa: frame.CFA, regs: clonedRegs})
	return nil
}

func restorestate(frame *FrameContext) error {
	restored, ok := frame.rememberedState.pop()
	if !ok {
		return malformedf("restore_state without matching remember_state")
	}
	frame.CFA = restored.cfa
	frame.Regs = restored.regs
	return nil
}

func defcfa(frame *FrameContext) error {
	reg, err := readUleb(frame)
	if err != nil {
		return err
	}
	off, err := readUleb(frame)
	if err != nil {
		return err
	}
	frame.CFA = RegRule{Rule: RuleCFA, Reg: reg, Offset: int64(off)}
	return nil
}

func defcfaregister(frame *FrameContext) error {
	reg, err := readUleb(frame)
	if err != nil {
		return err
	}
	if frame.CFA.Rule != RuleCFA {
		return malformedf("def_cfa_register without an established CFA rule")
	}
	frame.CFA.Reg = reg
	return nil
}

func defcfaoffset(frame *FrameContext) error {
	off, err := readUleb(frame)
	if err != nil {
		return err
	}
	if frame.CFA.Rule != RuleCFA {
		return malformedf("def_cfa_offset without an established CFA rule")
	}
	frame.CFA.Offset = int64(off)
	return nil
}

func defcfasf(frame *FrameContext) error {
	reg, err := readUleb(frame)
	if err != nil {
		return err
	}
	off, err := readSleb(frame)
	if err != nil {
		return err
	}
	frame.CFA = RegRule{Rule: RuleCFA, Reg: reg, Offset: off * frame.dataAlignment}
	return nil
}

func defcfaoffsetsf(frame *FrameContext) error {
	off, err := readSleb(frame)
	if err != nil {
		return err
	}
	if frame.CFA.Rule != RuleCFA {
		return malformedf("def_cfa_offset_sf without an established CFA rule")
	}
	frame.CFA.Offset = off * frame.dataAlignment
	return nil
}

func defcfaexpression(frame *FrameContext) error {
	expr, err := readBlock(frame)
	if err != nil {
		return err
	}
	frame.CFA = RegRule{Rule: RuleExpression, Expression: expr}
	return nil
}

func expression(frame *FrameContext) error {
	reg, err := readUleb(frame)
	if err != nil {
		return err
	}
	expr, err := readBlock(frame)
	if err != nil {
		return err
	}
	frame.Regs[reg] = RegRule{Rule: RuleExpression, Expression: expr}
	return nil
}

func valoffset(frame *FrameContext) error {
	reg, err := readUleb(frame)
	if err != nil {
		return err
	}
	off, err := readUleb(frame)
	if err != nil {
		return err
	}
	frame.Regs[reg] = RegRule{Offset: int64(off), Rule: RuleValOffset}
	return nil
}

func valoffsetsf(frame *FrameContext) error {
	reg, err := readUleb(frame)
	if err != nil {
		return err
	}
	off, err := readSleb(frame)
	if err != nil {
		return err
	}
	frame.Regs[reg] = RegRule{Offset: off * frame.dataAlignment, Rule: RuleValOffset}
	return nil
}

func valexpression(frame *FrameContext) error {
	reg, err := readUleb(frame)
	if err != nil {
		return err
	}
	expr, err := readBlock(frame)
	if err != nil {
		return err
	}
	frame.Regs[reg] = RegRule{Rule: RuleValExpression, Expression: expr}
	return nil
}
