package cfi

import (
	"testing"
)

func TestEntryForPC(t *testing.T) {
	frames := NewFrameIndex()
	frames = append(frames,
		&FrameEntry{begin: 10, size: 40},
		&FrameEntry{begin: 50, size: 50},
		&FrameEntry{begin: 100, size: 100},
		&FrameEntry{begin: 300, size: 10})

	for _, test := range []struct {
		pc    uint64
		entry *FrameEntry
	}{
		{0, nil},
		{9, nil},
		{10, frames[0]},
		{35, frames[0]},
		{49, frames[0]},
		{50, frames[1]},
		{75, frames[1]},
		{100, frames[2]},
		{199, frames[2]},
		{200, nil},
		{299, nil},
		{300, frames[3]},
		{309, frames[3]},
		{310, nil},
		{400, nil}} {

		out, err := frames.EntryForPC(test.pc)
		if test.entry != nil {
			if err != nil {
				t.Fatal(err)
			}
			if out != test.entry {
				t.Errorf("[pc = %#x] got incorrect entry\noutput:\t%#v\nexpected:\t%#v", test.pc, out, test.entry)
			}
		} else {
			if err == nil {
				t.Errorf("[pc = %#x] expected error got entry %#v", test.pc, out)
			}
			var nfe *ErrNoEntryForPC
			if nfe, _ = err.(*ErrNoEntryForPC); nfe == nil {
				t.Errorf("[pc = %#x] expected *ErrNoEntryForPC got %T", test.pc, err)
			}
		}
	}
}
