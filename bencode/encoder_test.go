package bencode

import (
	"bytes"
	"errors"
	"testing"
)

func encodeAndAssert(t *testing.T, n *Node, expected string) {
	t.Helper()
	encoded, err := Encode(n)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if string(encoded) != expected {
		t.Errorf("Encode = %q, want %q", encoded, expected)
	}
}

func TestEncodeValues(t *testing.T) {
	encodeAndAssert(t, NewInt(42), "i42e")
	encodeAndAssert(t, NewInt(-3), "i-3e")
	encodeAndAssert(t, NewInt(0), "i0e")
	encodeAndAssert(t, NewString("spam"), "4:spam")
	encodeAndAssert(t, NewBytes([]byte{0, 0xff}), "2:\x00\xff")
	encodeAndAssert(t, NewList(NewInt(1), NewString("a")), "li1e1:ae")
	encodeAndAssert(t, NewDict(), "de")
}

func TestEncodeCanonicalOrder(t *testing.T) {
	d := NewDict()
	d.Set("zebra", NewInt(1))
	d.Set("apple", NewInt(2))
	d.Set("mango", NewList())
	d.Set("apple", NewInt(3))

	encodeAndAssert(t, d, "d5:applei3e5:mangole5:zebrai1ee")
}

func TestEncodeByteOrderKeys(t *testing.T) {
	d := NewDict()
	d.Set("b", NewInt(1))
	d.Set("B", NewInt(2))
	d.Set("\xff", NewInt(3))
	d.Set("", NewInt(4))

	encodeAndAssert(t, d, "d0:i4e1:Bi2e1:bi1e1:\xffi3ee")
}

func TestRoundTrip(t *testing.T) {
	info := NewDict()
	info.Set("length", NewInt(1<<40))
	info.Set("name", NewString("file.iso"))
	info.Set("pieces", NewBytes(bytes.Repeat([]byte{0xab}, 40)))

	root := NewDict()
	root.Set("announce", NewString("http://tracker.example/announce"))
	root.Set("info", info)
	root.Set("announce-list", NewList(NewList(NewString("udp://a")), NewList()))

	encoded, err := Encode(root)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	decoded, err := DecodeAll(encoded)
	if err != nil {
		t.Fatalf("DecodeAll error: %v", err)
	}
	if !Equal(root, decoded) {
		t.Errorf("round trip mismatch:\n%s\nwant\n%s", decoded, root)
	}

	again, err := Encode(decoded)
	if err != nil {
		t.Fatalf("second Encode error: %v", err)
	}
	if !bytes.Equal(encoded, again) {
		t.Errorf("re-encoding differs: %q vs %q", again, encoded)
	}
}

func TestEncodeTo(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeTo(&buf, NewList(NewString("x"))); err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if buf.String() != "l1:xe" {
		t.Errorf("EncodeTo wrote %q, want %q", buf.String(), "l1:xe")
	}
}

func TestEncodeInvalidNode(t *testing.T) {
	if _, err := Encode(nil); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Encode(nil) error = %v, want ErrTypeMismatch", err)
	}
	if _, err := Encode(NewList(NewInt(1), nil)); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Encode(list with nil) error = %v, want ErrTypeMismatch", err)
	}
}
