package cfi

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/go-unwind/unwind/pkg/leb128"
)

// Builder constructs unwind tables programmatically. Loaders use it to
// assemble tables for generated code, tooling uses it to turn scenario
// descriptions into tables and tests use it to build golden programs.
//
// Register offsets passed to rule methods are factored: the interpreter
// multiplies them by the data alignment factor of the common record.
type Builder struct {
	order   binary.ByteOrder
	ptrSize int

	common  *CommonInfo
	entries FrameEntries
	current *entryProgram
}

type entryProgram struct {
	entry *FrameEntry
	buf   bytes.Buffer
}

// NewBuilder returns a Builder producing tables with the given byte
// order and pointer size.
func NewBuilder(order binary.ByteOrder, ptrSize int) *Builder {
	return &Builder{order: order, ptrSize: ptrSize, entries: NewFrameIndex()}
}

// Common establishes the common information record for all subsequent
// frame entries.
func (b *Builder) Common(codeAlignment uint64, dataAlignment int64, retAddrReg uint64) {
	b.flush()
	b.common = &CommonInfo{
		Version:             1,
		CodeAlignmentFactor: codeAlignment,
		DataAlignmentFactor: dataAlignment,
		RetAddrReg:          retAddrReg,
	}
}

// AddEntry starts a frame entry covering [begin, begin+size). Rule
// methods called afterwards append to this entry's program until the
// next AddEntry call.
func (b *Builder) AddEntry(begin, size uint64, personality string, lsda []byte) {
	b.flush()
	b.current = &entryProgram{
		entry: &FrameEntry{
			Common:      b.common,
			Personality: personality,
			LSDA:        lsda,
			begin:       begin,
			size:        size,
			order:       b.order,
		},
	}
}

func (b *Builder) flush() {
	if b.current == nil {
		return
	}
	b.current.entry.Instructions = b.current.buf.Bytes()
	b.entries = append(b.entries, b.current.entry)
	b.current = nil
}

// Entries returns all completed frame entries sorted by begin address.
func (b *Builder) Entries() FrameEntries {
	b.flush()
	sort.SliceStable(b.entries, func(i, j int) bool {
		return b.entries[i].Begin() < b.entries[j].Begin()
	})
	return b.entries
}

// Bytes serializes the table to the format understood by Parse.
func (b *Builder) Bytes() []byte {
	entries := b.Entries()
	var out bytes.Buffer

	if b.common != nil {
		var body bytes.Buffer
		body.WriteByte(b.common.Version)
		leb128.EncodeUnsigned(&body, b.common.CodeAlignmentFactor)
		leb128.EncodeSigned(&body, b.common.DataAlignmentFactor)
		leb128.EncodeUnsigned(&body, b.common.RetAddrReg)
		body.Write(b.common.InitialInstructions)
		writeRecord(&out, b.order, commonMarker, body.Bytes())
	}

	for _, fe := range entries {
		var body bytes.Buffer
		writePtr(&body, b.order, b.ptrSize, fe.begin)
		writePtr(&body, b.order, b.ptrSize, fe.size)
		leb128.EncodeUnsigned(&body, uint64(len(fe.Personality)))
		body.WriteString(fe.Personality)
		leb128.EncodeUnsigned(&body, uint64(len(fe.LSDA)))
		body.Write(fe.LSDA)
		body.Write(fe.Instructions)
		writeRecord(&out, b.order, []byte{0, 0, 0, 0}, body.Bytes())
	}

	return out.Bytes()
}

func writeRecord(out *bytes.Buffer, order binary.ByteOrder, marker, body []byte) {
	var length [4]byte
	order.PutUint32(length[:], uint32(len(body)+4))
	out.Write(length[:])
	out.Write(marker)
	out.Write(body)
}

func writePtr(out *bytes.Buffer, order binary.ByteOrder, ptrSize int, v uint64) {
	switch ptrSize {
	case 4:
		var raw [4]byte
		order.PutUint32(raw[:], uint32(v))
		out.Write(raw[:])
	default:
		var raw [8]byte
		order.PutUint64(raw[:], v)
		out.Write(raw[:])
	}
}

// DefCFA sets the canonical frame address rule to register+offset.
func (b *Builder) DefCFA(reg uint64, offset uint64) {
	b.current.buf.WriteByte(cfaDefCFA)
	leb128.EncodeUnsigned(&b.current.buf, reg)
	leb128.EncodeUnsigned(&b.current.buf, offset)
}

// DefCFARegister changes the register of the current CFA rule.
func (b *Builder) DefCFARegister(reg uint64) {
	b.current.buf.WriteByte(cfaDefCFARegister)
	leb128.EncodeUnsigned(&b.current.buf, reg)
}

// DefCFAOffset changes the offset of the current CFA rule.
func (b *Builder) DefCFAOffset(offset uint64) {
	b.current.buf.WriteByte(cfaDefCFAOffset)
	leb128.EncodeUnsigned(&b.current.buf, offset)
}

// DefCFAExpression sets the CFA rule to an expression program.
func (b *Builder) DefCFAExpression(expr []byte) {
	b.current.buf.WriteByte(cfaDefCFAExpression)
	leb128.EncodeUnsigned(&b.current.buf, uint64(len(expr)))
	b.current.buf.Write(expr)
}

// Offset records reg as saved at CFA plus the factored offset.
func (b *Builder) Offset(reg uint64, factored uint64) {
	if reg <= low6Mask && factored <= 0xffff {
		b.current.buf.WriteByte(cfaOffset | byte(reg))
		leb128.EncodeUnsigned(&b.current.buf, factored)
		return
	}
	b.current.buf.WriteByte(cfaOffsetExtended)
	leb128.EncodeUnsigned(&b.current.buf, reg)
	leb128.EncodeUnsigned(&b.current.buf, factored)
}

// OffsetSF records reg as saved at CFA plus the signed factored offset.
func (b *Builder) OffsetSF(reg uint64, factored int64) {
	b.current.buf.WriteByte(cfaOffsetExtendedSF)
	leb128.EncodeUnsigned(&b.current.buf, reg)
	leb128.EncodeSigned(&b.current.buf, factored)
}

// ValOffset records reg's value as CFA plus offset.
func (b *Builder) ValOffset(reg uint64, offset uint64) {
	b.current.buf.WriteByte(cfaValOffset)
	leb128.EncodeUnsigned(&b.current.buf, reg)
	leb128.EncodeUnsigned(&b.current.buf, offset)
}

// Register records reg1 as saved in reg2.
func (b *Builder) Register(reg1, reg2 uint64) {
	b.current.buf.WriteByte(cfaRegister)
	leb128.EncodeUnsigned(&b.current.buf, reg1)
	leb128.EncodeUnsigned(&b.current.buf, reg2)
}

// Undefined records reg as unrecoverable.
func (b *Builder) Undefined(reg uint64) {
	b.current.buf.WriteByte(cfaUndefined)
	leb128.EncodeUnsigned(&b.current.buf, reg)
}

// SameValue records reg as untouched by this frame.
func (b *Builder) SameValue(reg uint64) {
	b.current.buf.WriteByte(cfaSameValue)
	leb128.EncodeUnsigned(&b.current.buf, reg)
}

// Expression records an expression computing the address reg is saved
// at.
func (b *Builder) Expression(reg uint64, expr []byte) {
	b.current.buf.WriteByte(cfaExpression)
	leb128.EncodeUnsigned(&b.current.buf, reg)
	leb128.EncodeUnsigned(&b.current.buf, uint64(len(expr)))
	b.current.buf.Write(expr)
}

// ValExpression records an expression computing reg's value.
func (b *Builder) ValExpression(reg uint64, expr []byte) {
	b.current.buf.WriteByte(cfaValExpression)
	leb128.EncodeUnsigned(&b.current.buf, reg)
	leb128.EncodeUnsigned(&b.current.buf, uint64(len(expr)))
	b.current.buf.Write(expr)
}

// AdvanceLoc advances the current row location by delta code units.
func (b *Builder) AdvanceLoc(delta uint64) {
	switch {
	case delta < 0x40:
		b.current.buf.WriteByte(cfaAdvanceLoc | byte(delta))
	case delta <= 0xff:
		b.current.buf.WriteByte(cfaAdvanceLoc1)
		b.current.buf.WriteByte(byte(delta))
	case delta <= 0xffff:
		b.current.buf.WriteByte(cfaAdvanceLoc2)
		var raw [2]byte
		b.order.PutUint16(raw[:], uint16(delta))
		b.current.buf.Write(raw[:])
	default:
		b.current.buf.WriteByte(cfaAdvanceLoc4)
		var raw [4]byte
		b.order.PutUint32(raw[:], uint32(delta))
		b.current.buf.Write(raw[:])
	}
}

// RememberState pushes the current rule row on the state stack.
func (b *Builder) RememberState() {
	b.current.buf.WriteByte(cfaRememberState)
}

// RestoreState pops the most recently remembered rule row.
func (b *Builder) RestoreState() {
	b.current.buf.WriteByte(cfaRestoreState)
}

// Restore resets reg to its rule from the initial instructions.
func (b *Builder) Restore(reg uint64) {
	if reg <= low6Mask {
		b.current.buf.WriteByte(cfaRestore | byte(reg))
		return
	}
	b.current.buf.WriteByte(cfaRestoreExtended)
	leb128.EncodeUnsigned(&b.current.buf, reg)
}

// RawInstructions appends raw instruction bytes to the current entry,
// used by tests exercising malformed programs.
func (b *Builder) RawInstructions(raw []byte) {
	b.current.buf.Write(raw)
}
