package leb128

import "io"

// EncodeUnsigned writes v to out using unsigned Little Endian Base 128
// encoding.
func EncodeUnsigned(out io.ByteWriter, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out.WriteByte(b)
		if v == 0 {
			break
		}
	}
}

// EncodeSigned writes v to out using signed Little Endian Base 128
// encoding.
func EncodeSigned(out io.ByteWriter, v int64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out.WriteByte(b)
		if done {
			break
		}
	}
}
