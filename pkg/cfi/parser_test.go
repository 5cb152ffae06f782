package cfi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	b := NewBuilder(binary.LittleEndian, 8)
	b.Common(1, -8, testRetReg)
	b.AddEntry(0x1000, 0x100, "lang0", []byte{0x01, 0x02})
	b.DefCFA(testSPReg, 8)
	b.Offset(testRetReg, 1)
	b.AddEntry(0x1100, 0x80, "", nil)
	b.DefCFA(testSPReg, 8)
	b.Offset(testRetReg, 1)

	data := b.Bytes()

	entries, err := Parse(data, binary.LittleEndian, 0, 8)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first, err := entries.EntryForPC(0x1050)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), first.Begin())
	require.Equal(t, uint64(0x1100), first.End())
	require.Equal(t, "lang0", first.Personality)
	require.Equal(t, []byte{0x01, 0x02}, first.LSDA)

	second, err := entries.EntryForPC(0x1100)
	require.NoError(t, err)
	require.Equal(t, "", second.Personality)
	require.Nil(t, second.LSDA)

	// Parsed instructions must produce the same rows the builder's
	// in-memory entries do.
	fctx, err := first.EstablishFrame(0x1050)
	require.NoError(t, err)
	require.Equal(t, RuleCFA, fctx.CFA.Rule)
	require.Equal(t, uint64(testSPReg), fctx.CFA.Reg)
	require.Equal(t, int64(8), fctx.CFA.Offset)
	require.Equal(t, int64(-8), fctx.Regs[testRetReg].Offset)
}

func TestParseStaticBase(t *testing.T) {
	b := NewBuilder(binary.LittleEndian, 8)
	b.Common(1, -8, testRetReg)
	b.AddEntry(0x1000, 0x100, "", nil)
	b.DefCFA(testSPReg, 8)

	entries, err := Parse(b.Bytes(), binary.LittleEndian, 0x400000, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0x401000), entries[0].Begin())
}

func TestParseMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"truncated length", []byte{0x04, 0x00}},
		{"truncated marker", []byte{0x04, 0x00, 0x00, 0x00, 0xff}},
		{"entry before common", []byte{0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}},
	} {
		_, err := Parse(tc.data, binary.LittleEndian, 0, 8)
		require.Error(t, err, tc.name)
	}
}
