package symbol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testTable() *Table {
	return NewTable([]Sym{
		{Name: "main.main", Addr: 0x1000, Size: 0x100},
		{Name: "main.work", Addr: 0x1100, Size: 0x80},
		{Name: "runtime.throwInit", Addr: 0x2000, Size: 0x40},
	})
}

func TestPCToName(t *testing.T) {
	tbl := testTable()

	for _, tc := range []struct {
		pc   uint64
		name string
		ok   bool
	}{
		{0x1000, "main.main", true},
		{0x10ff, "main.main", true},
		{0x1100, "main.work", true},
		{0x1180, "", false},
		{0x2020, "runtime.throwInit", true},
		{0x3000, "", false},
	} {
		name, ok := tbl.PCToName(tc.pc)
		require.Equal(t, tc.ok, ok, "pc %#x", tc.pc)
		require.Equal(t, tc.name, name, "pc %#x", tc.pc)
	}
}

func TestDescribe(t *testing.T) {
	tbl := testTable()
	require.Equal(t, "0x1040 (main.main)", tbl.Describe(0x1040))
	require.Equal(t, "0x9000", tbl.Describe(0x9000))

	var nilTable *Table
	require.Equal(t, "0x9000", nilTable.Describe(0x9000))
}

func TestLookupAndFuzzySearch(t *testing.T) {
	tbl := testTable()

	sym, ok := tbl.Lookup("main.work")
	require.True(t, ok)
	require.Equal(t, uint64(0x1100), sym.Addr)

	_, ok = tbl.Lookup("main.missing")
	require.False(t, ok)

	names := tbl.FuzzySearch("main")
	require.Contains(t, names, "main.main")
	require.Contains(t, names, "main.work")
}
