// Package cfi implements the call frame metadata interpreter: the
// instruction stream describing, for every program counter, how to
// recover the caller's registers from the current frame. It also
// implements the table format those instructions are stored in within a
// process image, a parser for it and a programmatic builder used by
// loaders, tooling and tests.
package cfi

import (
	"bytes"
	"encoding/binary"

	"github.com/go-unwind/unwind/pkg/leb128"
	"github.com/go-unwind/unwind/pkg/logflags"
)

// commonMarker introduces a CommonInfo record in the serialized table.
var commonMarker = []byte{0xff, 0xff, 0xff, 0xff}

type parsefunc func(*parseContext) (parsefunc, error)

type parseContext struct {
	staticBase uint64

	buf     *bytes.Buffer
	entries FrameEntries
	common  *CommonInfo
	frame   *FrameEntry
	length  uint32
	ptrSize int
	order   binary.ByteOrder
}

// Parse decodes a serialized unwind table. Frame entry records bind to
// the closest preceding common information record. The staticBase is
// added to every code address, supporting position independent images.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int) (FrameEntries, error) {
	pctx := &parseContext{
		buf:        bytes.NewBuffer(data),
		entries:    NewFrameIndex(),
		staticBase: staticBase,
		ptrSize:    ptrSize,
		order:      order,
	}

	for fn := parselength; pctx.buf.Len() != 0; {
		var err error
		fn, err = fn(pctx)
		if err != nil {
			return nil, err
		}
	}

	for i := range pctx.entries {
		pctx.entries[i].order = order
	}

	logflags.CFILogger().Debugf("parsed %d frame entries from %d bytes", len(pctx.entries), len(data))
	return pctx.entries, nil
}

func parselength(ctx *parseContext) (parsefunc, error) {
	if err := binary.Read(ctx.buf, ctx.order, &ctx.length); err != nil {
		return nil, malformedf("truncated record length")
	}

	if ctx.length == 0 {
		// Zero terminator, skip.
		return parselength, nil
	}

	marker := ctx.buf.Next(4)
	if len(marker) != 4 {
		return nil, malformedf("truncated record marker")
	}
	ctx.length -= 4

	if bytes.Equal(marker, commonMarker) {
		ctx.common = &CommonInfo{staticBase: ctx.staticBase}
		return parseCommon, nil
	}

	if ctx.common == nil {
		return nil, malformedf("frame entry record before any common information record")
	}
	ctx.frame = &FrameEntry{Common: ctx.common}
	return parseEntry, nil
}

func parseCommon(ctx *parseContext) (parsefunc, error) {
	data := ctx.buf.Next(int(ctx.length))
	if uint32(len(data)) != ctx.length {
		return nil, malformedf("truncated common information record")
	}
	buf := bytes.NewBuffer(data)

	var err error
	ctx.common.Version, err = buf.ReadByte()
	if err != nil {
		return nil, malformedf("truncated common information record")
	}

	var n uint32
	if ctx.common.CodeAlignmentFactor, n = leb128.DecodeUnsigned(buf); n == 0 {
		return nil, malformedf("truncated code alignment factor")
	}
	if ctx.common.DataAlignmentFactor, n = leb128.DecodeSigned(buf); n == 0 {
		return nil, malformedf("truncated data alignment factor")
	}
	if ctx.common.RetAddrReg, n = leb128.DecodeUnsigned(buf); n == 0 {
		return nil, malformedf("truncated return address register")
	}
	if ctx.common.CodeAlignmentFactor == 0 {
		return nil, malformedf("zero code alignment factor")
	}

	// Everything left is the initial instruction program.
	ctx.common.InitialInstructions = buf.Bytes()
	ctx.length = 0

	return parselength, nil
}

func parseEntry(ctx *parseContext) (parsefunc, error) {
	data := ctx.buf.Next(int(ctx.length))
	if uint32(len(data)) != ctx.length {
		return nil, malformedf("truncated frame entry record")
	}
	buf := bytes.NewBuffer(data)

	begin, err := readPtr(buf, ctx.order, ctx.ptrSize)
	if err != nil {
		return nil, malformedf("truncated frame entry range")
	}
	size, err := readPtr(buf, ctx.order, ctx.ptrSize)
	if err != nil {
		return nil, malformedf("truncated frame entry range")
	}
	ctx.frame.begin = begin + ctx.staticBase
	ctx.frame.size = size

	persLen, n := leb128.DecodeUnsigned(buf)
	if n == 0 {
		return nil, malformedf("truncated personality name")
	}
	pers := buf.Next(int(persLen))
	if uint64(len(pers)) != persLen {
		return nil, malformedf("truncated personality name")
	}
	ctx.frame.Personality = string(pers)

	lsdaLen, n := leb128.DecodeUnsigned(buf)
	if n == 0 {
		return nil, malformedf("truncated language specific data")
	}
	lsda := buf.Next(int(lsdaLen))
	if uint64(len(lsda)) != lsdaLen {
		return nil, malformedf("truncated language specific data")
	}
	if lsdaLen > 0 {
		ctx.frame.LSDA = lsda
	}

	// The rest of the record is the instruction program.
	ctx.frame.Instructions = buf.Bytes()
	ctx.entries = append(ctx.entries, ctx.frame)
	ctx.length = 0

	return parselength, nil
}

func readPtr(buf *bytes.Buffer, order binary.ByteOrder, ptrSize int) (uint64, error) {
	raw := buf.Next(ptrSize)
	if len(raw) != ptrSize {
		return 0, malformedf("truncated pointer")
	}
	switch ptrSize {
	case 4:
		return uint64(order.Uint32(raw)), nil
	case 8:
		return order.Uint64(raw), nil
	}
	return 0, malformedf("pointer size %d not supported", ptrSize)
}
