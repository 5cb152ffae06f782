// Package registry maintains the process-wide mapping from code ranges
// to their unwind metadata. Two backends are provided: a Static table
// built once from a parsed image, and a Dynamic table mutated at module
// load and unload time. Both serve lookups through the Source interface
// so the unwinder never depends on ambient global state.
package registry

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/go-unwind/unwind/pkg/cfi"
	"github.com/go-unwind/unwind/pkg/logflags"
)

// Source resolves the frame entry covering a program counter. Lookups
// must be safe for concurrent use.
type Source interface {
	EntryForPC(pc uint64) (*cfi.FrameEntry, error)
}

// OverlapError is returned when a registration intersects a range that
// is already registered. Registered ranges must partition code space.
type OverlapError struct {
	Begin, End uint64
	Existing   *cfi.FrameEntry
}

func (err *OverlapError) Error() string {
	return fmt.Sprintf("range [%#x, %#x) overlaps registered range [%#x, %#x)",
		err.Begin, err.End, err.Existing.Begin(), err.Existing.End())
}

// ErrNotRegistered is returned by Unregister when no entry matches the
// given range exactly.
type ErrNotRegistered struct {
	Begin uint64
}

func (err *ErrNotRegistered) Error() string {
	return fmt.Sprintf("no entry registered at %#x", err.Begin)
}

// Static is an immutable lookup table, the backend for images whose
// unwind tables are fixed at build time. It performs no locking.
type Static struct {
	entries cfi.FrameEntries
}

// NewStatic builds a static table from entries. Returns an OverlapError
// if any two entries intersect.
func NewStatic(entries cfi.FrameEntries) (*Static, error) {
	sorted := make(cfi.FrameEntries, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Begin() < sorted[j].Begin()
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Begin() < sorted[i-1].End() {
			return nil, &OverlapError{Begin: sorted[i].Begin(), End: sorted[i].End(), Existing: sorted[i-1]}
		}
	}
	return &Static{entries: sorted}, nil
}

// EntryForPC returns the frame entry covering pc.
func (s *Static) EntryForPC(pc uint64) (*cfi.FrameEntry, error) {
	return s.entries.EntryForPC(pc)
}

// Dynamic is a mutable lookup table for environments with runtime
// loaded code. Lookups may run concurrently from many threads;
// registration and unregistration are mutually exclusive with lookups.
//
// Unregistering a range while an unwind that references it is in
// progress is a caller contract violation: the unwinder holds plain
// pointers into the table and the resulting behavior is undefined.
type Dynamic struct {
	mu      sync.RWMutex
	entries cfi.FrameEntries
	cache   *lru.Cache

	log *logrus.Entry
}

// DefaultCacheSize is the lookup cache size used when NewDynamic is
// given a non-positive size.
const DefaultCacheSize = 128

// NewDynamic returns an empty dynamic table with a lookup cache of the
// given size.
func NewDynamic(cacheSize int) *Dynamic {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New(cacheSize)
	return &Dynamic{
		entries: cfi.NewFrameIndex(),
		cache:   cache,
		log:     logflags.RegistryLogger(),
	}
}

// Register adds entries to the table. It fails with an OverlapError if
// any entry intersects a registered range; in that case no entry from
// this call is added.
func (d *Dynamic) Register(entries ...*cfi.FrameEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	merged := make(cfi.FrameEntries, len(d.entries), len(d.entries)+len(entries))
	copy(merged, d.entries)
	for _, fe := range entries {
		idx := sort.Search(len(merged), func(i int) bool {
			return merged[i].Begin() >= fe.Begin()
		})
		if idx < len(merged) && merged[idx].Begin() < fe.End() {
			return &OverlapError{Begin: fe.Begin(), End: fe.End(), Existing: merged[idx]}
		}
		if idx > 0 && merged[idx-1].End() > fe.Begin() {
			return &OverlapError{Begin: fe.Begin(), End: fe.End(), Existing: merged[idx-1]}
		}
		merged = append(merged, nil)
		copy(merged[idx+1:], merged[idx:])
		merged[idx] = fe
	}

	d.entries = merged
	d.cache.Purge()
	d.log.Debugf("registered %d entries, table size %d", len(entries), len(d.entries))
	return nil
}

// Unregister removes the entry beginning exactly at begin. The caller
// must guarantee no in-flight unwind references the removed range.
func (d *Dynamic) Unregister(begin uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := sort.Search(len(d.entries), func(i int) bool {
		return d.entries[i].Begin() >= begin
	})
	if idx == len(d.entries) || d.entries[idx].Begin() != begin {
		return &ErrNotRegistered{Begin: begin}
	}

	d.entries = append(d.entries[:idx], d.entries[idx+1:]...)
	d.cache.Purge()
	d.log.Debugf("unregistered entry at %#x, table size %d", begin, len(d.entries))
	return nil
}

// EntryForPC returns the frame entry covering pc.
func (d *Dynamic) EntryForPC(pc uint64) (*cfi.FrameEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// The cache is consulted under the read lock so that Purge, which
	// runs under the write lock, cannot race a stale re-insertion.
	if fe, ok := d.cache.Get(pc); ok {
		return fe.(*cfi.FrameEntry), nil
	}

	fe, err := d.entries.EntryForPC(pc)
	if err != nil {
		return nil, err
	}

	d.cache.Add(pc, fe)
	return fe, nil
}
