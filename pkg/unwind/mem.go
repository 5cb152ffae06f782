package unwind

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-unwind/unwind/pkg/op"
)

// Memory reads words of the stack being unwound. The unwinder only ever
// reads: saved registers and return addresses are point-in-time facts of
// the frame, never written back.
type Memory interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
}

func readUintRaw(mem Memory, addr uint64, size int, order binary.ByteOrder) (uint64, error) {
	buf := make([]byte, size)
	if _, err := mem.ReadMemory(buf, addr); err != nil {
		return 0, err
	}
	return op.ReadUintRaw(bytes.NewReader(buf), order, size)
}

// MapMemory is a sparse memory image backed by a map, used by tests and
// by tooling that replays recorded stacks.
type MapMemory struct {
	order binary.ByteOrder
	data  map[uint64]byte
}

// NewMapMemory returns an empty sparse memory image.
func NewMapMemory(order binary.ByteOrder) *MapMemory {
	return &MapMemory{order: order, data: make(map[uint64]byte)}
}

// SetUint64 stores an 8-byte word at addr.
func (m *MapMemory) SetUint64(addr, v uint64) {
	var raw [8]byte
	m.order.PutUint64(raw[:], v)
	for i, b := range raw {
		m.data[addr+uint64(i)] = b
	}
}

// ReadMemory implements Memory. Reading an address that was never
// written fails, mirroring a fault on a real target.
func (m *MapMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		b, ok := m.data[addr+uint64(i)]
		if !ok {
			return i, fmt.Errorf("unmapped memory at %#x", addr+uint64(i))
		}
		buf[i] = b
	}
	return len(buf), nil
}
