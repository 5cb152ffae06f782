package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-unwind/unwind/pkg/cfi"
	"github.com/go-unwind/unwind/pkg/op"
)

func TestMakeClass(t *testing.T) {
	c := MakeClass("TEST", "LNG0")
	require.Equal(t, "TESTLNG0", c.String())
	require.True(t, c.SameVendor(MakeClass("TEST", "XXXX")))
	require.False(t, c.SameVendor(MakeClass("OTHR", "LNG0")))
	require.Equal(t, "<none>", Class(0).String())

	// Short identifiers pad with zero bytes and stay vendor-comparable.
	require.True(t, MakeClass("AB", "x").SameVendor(MakeClass("AB", "y")))
}

func TestLSDARoundTrip(t *testing.T) {
	matches := map[Class]uint64{
		MakeClass("TEST", "LNG0"): 0x42,
		MakeClass("TEST", "LNG1"): 0x100,
	}
	table, err := parseLSDA(EncodeLSDA(true, 0x18, matches))
	require.NoError(t, err)
	require.True(t, table.hasCleanup)
	require.Equal(t, uint64(0x18), table.cleanupPad)
	require.Len(t, table.matches, 2)
	for _, m := range table.matches {
		require.Equal(t, matches[m.class], m.pad)
	}

	table, err = parseLSDA(nil)
	require.NoError(t, err)
	require.False(t, table.hasCleanup)
	require.Empty(t, table.matches)
}

func TestLSDAMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"cleanup pad missing", []byte{lsdaFlagCleanup}},
		{"count missing", []byte{0x00}},
		{"truncated class", []byte{0x00, 0x01, 0xaa, 0xbb}},
		{"pad missing", append([]byte{0x00, 0x01}, make([]byte, 8)...)},
	} {
		_, err := parseLSDA(tc.data)
		require.Error(t, err, tc.name)
	}
}

func lsdaEntry(begin uint64, lsda []byte) *cfi.FrameEntry {
	common := &cfi.CommonInfo{Version: 1, CodeAlignmentFactor: 1, DataAlignmentFactor: -8, RetAddrReg: testPCReg}
	fe := cfi.NewFrameEntry(common, begin, 0x100, nil, binary.LittleEndian)
	fe.LSDA = lsda
	return fe
}

func TestClassPersonalitySearch(t *testing.T) {
	p := &ClassPersonality{Class: classTest, Interop: map[Class]bool{classForeign: true}}
	otherForeign := MakeClass("OTHR", "LNG9")

	for _, tc := range []struct {
		name string
		exc  Class
		lsda []byte
		want Verdict
	}{
		{"match", classTest, EncodeLSDA(false, 0, map[Class]uint64{classTest: 1}), HandlerFound},
		{"no match", classTest, EncodeLSDA(false, 0, nil), ContinueUnwind},
		{"catch-all own vendor", MakeClass("TEST", "ANY0"), EncodeLSDA(false, 0, map[Class]uint64{0: 1}), HandlerFound},
		{"catch-all rejects foreign", classForeign, EncodeLSDA(false, 0, map[Class]uint64{0: 1}), ContinueUnwind},
		{"interop class", classForeign, EncodeLSDA(false, 0, map[Class]uint64{classForeign: 1}), HandlerFound},
		{"foreign without interop", otherForeign, EncodeLSDA(false, 0, map[Class]uint64{otherForeign: 1}), ContinueUnwind},
	} {
		regs := startRegs(0x1000, 0x7000)
		verdict, err := p.Dispatch(PhaseSearch, &Exception{Class: tc.exc}, lsdaEntry(0x1000, tc.lsda), &regs)
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want, verdict, tc.name)
	}
}

func TestClassPersonalityHandlerFrame(t *testing.T) {
	var cleanups int
	p := &ClassPersonality{
		Class: classTest,
		OnCleanup: func(exc *Exception, entry *cfi.FrameEntry, regs *op.Registers) error {
			cleanups++
			return nil
		},
	}

	// Handler frame with a cleanup landing pad: destructors run before
	// the handler pad is installed.
	regs := startRegs(0x1000, 0x7000)
	entry := lsdaEntry(0x2000, EncodeLSDA(true, 0x10, map[Class]uint64{classTest: 0x42}))
	verdict, err := p.Dispatch(PhaseCleanup|PhaseHandlerFrame, &Exception{Class: classTest}, entry, &regs)
	require.NoError(t, err)
	require.Equal(t, HandlerFound, verdict)
	require.Equal(t, 1, cleanups)
	require.Equal(t, uint64(0x2042), regs.PC())

	// A foreign exception reaching a handler frame with no interop rule
	// cannot be consumed.
	regs = startRegs(0x1000, 0x7000)
	entry = lsdaEntry(0x2000, EncodeLSDA(false, 0, map[Class]uint64{classTest: 0x42}))
	verdict, err = p.Dispatch(PhaseCleanup|PhaseHandlerFrame, &Exception{Class: classForeign}, entry, &regs)
	require.Equal(t, Fatal, verdict)
	var fee *ForeignExceptionError
	require.ErrorAs(t, err, &fee)
}

func TestClassPersonalityCleanup(t *testing.T) {
	var cleanups int
	p := &ClassPersonality{
		Class: classTest,
		OnCleanup: func(exc *Exception, entry *cfi.FrameEntry, regs *op.Registers) error {
			cleanups++
			return nil
		},
	}

	regs := startRegs(0x1000, 0x7000)
	verdict, err := p.Dispatch(PhaseCleanup, &Exception{Class: classTest}, lsdaEntry(0x1000, EncodeLSDA(true, 0x10, nil)), &regs)
	require.NoError(t, err)
	require.Equal(t, CleanupRan, verdict)
	require.Equal(t, 1, cleanups)

	verdict, err = p.Dispatch(PhaseCleanup, &Exception{Class: classTest}, lsdaEntry(0x1000, nil), &regs)
	require.NoError(t, err)
	require.Equal(t, ContinueUnwind, verdict)
	require.Equal(t, 1, cleanups)
}

func TestPersonalityTable(t *testing.T) {
	pt := NewPersonalityTable()
	require.NoError(t, pt.Register("main", &ClassPersonality{Class: classTest}))
	require.Error(t, pt.Register("main", &ClassPersonality{Class: classTest}))

	_, ok := pt.Lookup("main")
	require.True(t, ok)
	_, ok = pt.Lookup("nosuch")
	require.False(t, ok)
}
