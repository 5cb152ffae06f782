package leb128

import (
	"bytes"
	"testing"
)

func TestDecodeUnsigned(t *testing.T) {
	leb128 := bytes.NewBuffer([]byte{0xE5, 0x8E, 0x26})

	n, c := DecodeUnsigned(leb128)
	if n != 624485 {
		t.Fatal("expected 624485, got", n)
	}
	if c != 3 {
		t.Fatal("expected 3 bytes read, got", c)
	}
}

func TestDecodeSigned(t *testing.T) {
	sleb128 := bytes.NewBuffer([]byte{0x9b, 0xf1, 0x59})

	n, c := DecodeSigned(sleb128)
	if n != -624485 {
		t.Fatal("expected -624485, got", n)
	}
	if c != 3 {
		t.Fatal("expected 3 bytes read, got", c)
	}
}

func TestDecodeEmptyBuffer(t *testing.T) {
	if n, c := DecodeUnsigned(new(bytes.Buffer)); n != 0 || c != 0 {
		t.Fatalf("expected 0, 0 on empty buffer, got %d, %d", n, c)
	}
	if n, c := DecodeSigned(new(bytes.Buffer)); n != 0 || c != 0 {
		t.Fatalf("expected 0, 0 on empty buffer, got %d, %d", n, c)
	}
}
