package registry

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-unwind/unwind/pkg/cfi"
)

func testEntries(ranges ...[2]uint64) cfi.FrameEntries {
	common := &cfi.CommonInfo{Version: 1, CodeAlignmentFactor: 1, DataAlignmentFactor: -8, RetAddrReg: 16}
	entries := cfi.NewFrameIndex()
	for _, r := range ranges {
		entries = append(entries, cfi.NewFrameEntry(common, r[0], r[1], nil, binary.LittleEndian))
	}
	return entries
}

func TestDynamicRegisterOverlap(t *testing.T) {
	d := NewDynamic(0)
	base := testEntries([2]uint64{0x1000, 0x100}, [2]uint64{0x1100, 0x100})
	require.NoError(t, d.Register(base...))

	for _, r := range [][2]uint64{
		{0x1000, 0x100}, // identical
		{0x10f0, 0x20},  // straddles two entries
		{0x1080, 0x10},  // inside an entry
		{0x0ff0, 0x20},  // overlaps the start
	} {
		err := d.Register(testEntries(r)...)
		require.Error(t, err, "range %#x+%#x", r[0], r[1])
		var oerr *OverlapError
		require.ErrorAs(t, err, &oerr)
	}

	// Adjacent ranges share a boundary without overlapping.
	require.NoError(t, d.Register(testEntries([2]uint64{0x1200, 0x100})...))
	require.NoError(t, d.Register(testEntries([2]uint64{0x0f00, 0x100})...))

	for _, pc := range []uint64{0x0f00, 0x1000, 0x11ff, 0x12ff} {
		_, err := d.EntryForPC(pc)
		require.NoError(t, err, "pc %#x", pc)
	}
}

func TestDynamicFailedRegisterAddsNothing(t *testing.T) {
	d := NewDynamic(0)
	require.NoError(t, d.Register(testEntries([2]uint64{0x2000, 0x100})...))

	// Second entry overlaps, so the first must not be added either.
	err := d.Register(testEntries([2]uint64{0x3000, 0x100}, [2]uint64{0x2080, 0x10})...)
	require.Error(t, err)

	_, err = d.EntryForPC(0x3050)
	require.Error(t, err)
}

func TestDynamicUnregister(t *testing.T) {
	d := NewDynamic(0)
	require.NoError(t, d.Register(testEntries([2]uint64{0x1000, 0x100}, [2]uint64{0x1100, 0x100})...))

	// Populate the cache, then make sure unregistration invalidates it.
	_, err := d.EntryForPC(0x1050)
	require.NoError(t, err)

	require.NoError(t, d.Unregister(0x1000))
	_, err = d.EntryForPC(0x1050)
	require.Error(t, err)

	_, err = d.EntryForPC(0x1150)
	require.NoError(t, err)

	err = d.Unregister(0x1000)
	var nerr *ErrNotRegistered
	require.ErrorAs(t, err, &nerr)
}

func TestStaticLookup(t *testing.T) {
	s, err := NewStatic(testEntries([2]uint64{0x1100, 0x100}, [2]uint64{0x1000, 0x100}))
	require.NoError(t, err)

	fe, err := s.EntryForPC(0x1180)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1100), fe.Begin())

	_, err = s.EntryForPC(0x900)
	require.Error(t, err)

	_, err = NewStatic(testEntries([2]uint64{0x1000, 0x100}, [2]uint64{0x1080, 0x100}))
	var oerr *OverlapError
	require.ErrorAs(t, err, &oerr)
}

func TestConcurrentLookups(t *testing.T) {
	d := NewDynamic(16)
	require.NoError(t, d.Register(testEntries(
		[2]uint64{0x1000, 0x100},
		[2]uint64{0x1100, 0x100},
		[2]uint64{0x1200, 0x100},
		[2]uint64{0x1300, 0x100})...))

	const goroutines = 16
	const lookups = 1000

	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < lookups; i++ {
				pc := 0x1000 + uint64((g*lookups+i)%0x400)
				fe, err := d.EntryForPC(pc)
				if err != nil {
					errs <- err
					return
				}
				if !fe.Cover(pc) {
					errs <- &ErrNotRegistered{Begin: pc}
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
