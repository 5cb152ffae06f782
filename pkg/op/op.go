// Package op implements the location expression evaluator used by call
// frame metadata, along with the register context it evaluates against.
// Expressions are small stack programs: opcodes push constants and
// register values, combine them arithmetically and dereference target
// memory to produce the address or value of a saved register.
package op

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-unwind/unwind/pkg/leb128"
)

// Opcode represents a single expression instruction.
type Opcode byte

const (
	OpAddr       Opcode = 0x03 // operand: pointer-sized address
	OpDeref      Opcode = 0x06 // pop address, push word at address
	OpConstu     Opcode = 0x10 // operand: ULEB128 constant
	OpConsts     Opcode = 0x11 // operand: SLEB128 constant
	OpDup        Opcode = 0x12
	OpDrop       Opcode = 0x13
	OpSwap       Opcode = 0x16
	OpMinus      Opcode = 0x1c
	OpMul        Opcode = 0x1e
	OpPlus       Opcode = 0x22
	OpPlusUconst Opcode = 0x23 // operand: ULEB128 addend
	OpBregBase   Opcode = 0x70 // OpBregBase+n: push register n plus SLEB128 offset
	OpBregEnd    Opcode = 0x8f
	OpBregx      Opcode = 0x92 // operands: ULEB128 register, SLEB128 offset
	OpFrameCFA   Opcode = 0x9c // push the canonical frame address
)

type stackfn func(Opcode, *context) error

type context struct {
	buf     *bytes.Buffer
	stack   []int64
	ptrSize int

	readMemory ReadMemoryFunc

	Registers
}

// ReadMemoryFunc reads len(buf) bytes of target memory starting at addr.
type ReadMemoryFunc func(buf []byte, addr uint64) (int, error)

var oplut = map[Opcode]stackfn{
	OpAddr:       addr,
	OpDeref:      deref,
	OpConstu:     constu,
	OpConsts:     consts,
	OpDup:        dup,
	OpDrop:       drop,
	OpSwap:       swap,
	OpMinus:      minus,
	OpMul:        mul,
	OpPlus:       plus,
	OpPlusUconst: plusuconst,
	OpBregx:      bregx,
	OpFrameCFA:   framecfa,
}

// ExecuteStackProgram evaluates the expression in instructions against
// regs and returns the value left on top of the stack. The readMemory
// argument may be nil if the expression does not dereference target
// memory.
func ExecuteStackProgram(regs Registers, instructions []byte, ptrSize int, readMemory ReadMemoryFunc) (int64, error) {
	ctxt := &context{
		buf:        bytes.NewBuffer(instructions),
		stack:      make([]int64, 0, 3),
		ptrSize:    ptrSize,
		readMemory: readMemory,
		Registers:  regs,
	}

	for {
		opcodeByte, err := ctxt.buf.ReadByte()
		if err != nil {
			break
		}
		opcode := Opcode(opcodeByte)

		fn, ok := oplut[opcode]
		if !ok {
			if opcode >= OpBregBase && opcode <= OpBregEnd {
				fn = breg
			} else {
				return 0, fmt.Errorf("invalid instruction %#x", opcodeByte)
			}
		}

		if err := fn(opcode, ctxt); err != nil {
			return 0, err
		}
	}

	if len(ctxt.stack) == 0 {
		return 0, ErrStackUnderflow
	}

	return ctxt.stack[len(ctxt.stack)-1], nil
}

// ErrStackUnderflow is returned when an expression pops or reads more
// operands than were pushed.
var ErrStackUnderflow = fmt.Errorf("expression stack underflow")

func (ctxt *context) pop() (int64, error) {
	if len(ctxt.stack) == 0 {
		return 0, ErrStackUnderflow
	}
	v := ctxt.stack[len(ctxt.stack)-1]
	ctxt.stack = ctxt.stack[:len(ctxt.stack)-1]
	return v, nil
}

func (ctxt *context) pop2() (int64, int64, error) {
	b, err := ctxt.pop()
	if err != nil {
		return 0, 0, err
	}
	a, err := ctxt.pop()
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func addr(opcode Opcode, ctxt *context) error {
	buf := ctxt.buf.Next(ctxt.ptrSize)
	if len(buf) < ctxt.ptrSize {
		return fmt.Errorf("truncated operand for %#x", byte(opcode))
	}
	v, err := ReadUintRaw(bytes.NewReader(buf), ctxt.ByteOrder, ctxt.ptrSize)
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, int64(v))
	return nil
}

func deref(opcode Opcode, ctxt *context) error {
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	if ctxt.readMemory == nil {
		return fmt.Errorf("expression dereferences memory but no memory is available")
	}
	buf := make([]byte, ctxt.ptrSize)
	if _, err := ctxt.readMemory(buf, uint64(a)); err != nil {
		return err
	}
	v, err := ReadUintRaw(bytes.NewReader(buf), ctxt.ByteOrder, ctxt.ptrSize)
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, int64(v))
	return nil
}

func constu(opcode Opcode, ctxt *context) error {
	num, _ := leb128.DecodeUnsigned(ctxt.buf)
	ctxt.stack = append(ctxt.stack, int64(num))
	return nil
}

func consts(opcode Opcode, ctxt *context) error {
	num, _ := leb128.DecodeSigned(ctxt.buf)
	ctxt.stack = append(ctxt.stack, num)
	return nil
}

func dup(opcode Opcode, ctxt *context) error {
	v, err := ctxt.pop()
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, v, v)
	return nil
}

func drop(opcode Opcode, ctxt *context) error {
	_, err := ctxt.pop()
	return err
}

func swap(opcode Opcode, ctxt *context) error {
	a, b, err := ctxt.pop2()
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, b, a)
	return nil
}

func minus(opcode Opcode, ctxt *context) error {
	a, b, err := ctxt.pop2()
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, a-b)
	return nil
}

func mul(opcode Opcode, ctxt *context) error {
	a, b, err := ctxt.pop2()
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, a*b)
	return nil
}

func plus(opcode Opcode, ctxt *context) error {
	a, b, err := ctxt.pop2()
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, a+b)
	return nil
}

func plusuconst(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) == 0 {
		return ErrStackUnderflow
	}
	num, _ := leb128.DecodeUnsigned(ctxt.buf)
	ctxt.stack[len(ctxt.stack)-1] += int64(num)
	return nil
}

func breg(opcode Opcode, ctxt *context) error {
	offset, _ := leb128.DecodeSigned(ctxt.buf)
	regnum := uint64(opcode - OpBregBase)
	reg := ctxt.Reg(regnum)
	if reg == nil {
		return fmt.Errorf("undefined register %d in expression", regnum)
	}
	ctxt.stack = append(ctxt.stack, int64(reg.Uint64Val)+offset)
	return nil
}

func bregx(opcode Opcode, ctxt *context) error {
	regnum, _ := leb128.DecodeUnsigned(ctxt.buf)
	offset, _ := leb128.DecodeSigned(ctxt.buf)
	reg := ctxt.Reg(regnum)
	if reg == nil {
		return fmt.Errorf("undefined register %d in expression", regnum)
	}
	ctxt.stack = append(ctxt.stack, int64(reg.Uint64Val)+offset)
	return nil
}

func framecfa(opcode Opcode, ctxt *context) error {
	if ctxt.CFA == 0 {
		return fmt.Errorf("could not retrieve CFA for current PC")
	}
	ctxt.stack = append(ctxt.stack, ctxt.CFA)
	return nil
}

// ReadUintRaw reads an unsigned integer of size bytes from reader.
func ReadUintRaw(reader *bytes.Reader, order binary.ByteOrder, size int) (uint64, error) {
	switch size {
	case 1:
		var n uint8
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 2:
		var n uint16
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("pointer size %d not supported", size)
}
