// Package symbol provides best-effort symbolication of code addresses
// for diagnostics: fatal unwind reports and table inspection tooling.
// It is not a traversal feature; the unwinder works without it.
package symbol

import (
	"fmt"
	"sort"

	"github.com/derekparker/trie"
)

// Sym names one code range.
type Sym struct {
	Name string
	Addr uint64
	Size uint64
}

// Table maps addresses to symbol names and supports fuzzy search by
// name. Immutable after construction.
type Table struct {
	syms   []Sym
	byName *trie.Trie
}

// NewTable builds a table from syms.
func NewTable(syms []Sym) *Table {
	sorted := make([]Sym, len(syms))
	copy(sorted, syms)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Addr < sorted[j].Addr
	})

	byName := trie.New()
	for i := range sorted {
		byName.Add(sorted[i].Name, sorted[i])
	}

	return &Table{syms: sorted, byName: byName}
}

// PCToName returns the name of the symbol covering pc.
func (t *Table) PCToName(pc uint64) (string, bool) {
	idx := sort.Search(len(t.syms), func(i int) bool {
		return t.syms[i].Addr+t.syms[i].Size > pc
	})
	if idx == len(t.syms) || pc < t.syms[idx].Addr {
		return "", false
	}
	return t.syms[idx].Name, true
}

// Describe formats pc for diagnostics, falling back to the bare address
// when no symbol covers it.
func (t *Table) Describe(pc uint64) string {
	if t == nil {
		return fmt.Sprintf("%#x", pc)
	}
	if name, ok := t.PCToName(pc); ok {
		return fmt.Sprintf("%#x (%s)", pc, name)
	}
	return fmt.Sprintf("%#x", pc)
}

// Lookup returns the symbol with the exact given name.
func (t *Table) Lookup(name string) (Sym, bool) {
	node, ok := t.byName.Find(name)
	if !ok {
		return Sym{}, false
	}
	return node.Meta().(Sym), true
}

// FuzzySearch returns the names of symbols fuzzily matching the query,
// for interactive lookup in tooling.
func (t *Table) FuzzySearch(query string) []string {
	return t.byName.FuzzySearch(query)
}
