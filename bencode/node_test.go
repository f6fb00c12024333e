package bencode

import (
	"errors"
	"strings"
	"testing"
)

func TestAccessorsTypeMismatch(t *testing.T) {
	n := NewInt(7)

	if _, err := n.Bytes(); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Bytes() error = %v, want ErrTypeMismatch", err)
	}
	if _, err := n.Str(); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Str() error = %v, want ErrTypeMismatch", err)
	}
	if _, err := n.List(); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("List() error = %v, want ErrTypeMismatch", err)
	}
	if _, err := n.Dict(); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Dict() error = %v, want ErrTypeMismatch", err)
	}
	if err := n.Set("k", NewInt(1)); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Set() error = %v, want ErrTypeMismatch", err)
	}
	if _, err := NewString("7").Int(); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Int() error = %v, want ErrTypeMismatch", err)
	}

	var missing *Node
	if _, err := missing.Int(); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("nil Int() error = %v, want ErrTypeMismatch", err)
	}
}

func TestPredicates(t *testing.T) {
	if !NewInt(1).IsInt() || !NewString("").IsBytes() || !NewList().IsList() || !NewDict().IsDict() {
		t.Error("predicate does not match constructor kind")
	}
	if NewInt(1).IsDict() {
		t.Error("integer reported as dictionary")
	}
}

func TestGet(t *testing.T) {
	d := NewDict()
	d.Set("b", NewInt(2))
	d.Set("a", NewInt(1))

	v, ok := d.Get("a")
	if !ok {
		t.Fatal("Get(a) missing")
	}
	if i, _ := v.Int(); i != 1 {
		t.Errorf("Get(a) = %d, want 1", i)
	}
	if _, ok := d.Get("c"); ok {
		t.Error("Get(c) reported a value")
	}
	if _, ok := NewList().Get("a"); ok {
		t.Error("Get on a list reported a value")
	}
	if d.Len() != 2 {
		t.Errorf("Len() = %d, want 2", d.Len())
	}
}

func TestFind(t *testing.T) {
	n, err := DecodeAll([]byte("d1:ad1:xi1ee1:bld1:yi2eeee"))
	if err != nil {
		t.Fatalf("DecodeAll error: %v", err)
	}

	y, ok := n.Find("y")
	if !ok {
		t.Fatal("Find(y) missing")
	}
	if v, _ := y.Int(); v != 2 {
		t.Errorf("Find(y) = %d, want 2", v)
	}
	x, ok := n.Find("x")
	if !ok {
		t.Fatal("Find(x) missing")
	}
	if v, _ := x.Int(); v != 1 {
		t.Errorf("Find(x) = %d, want 1", v)
	}
	if _, ok := n.Find("z"); ok {
		t.Error("Find(z) reported a value")
	}
}

func TestDump(t *testing.T) {
	info := NewDict()
	info.Set("name", NewString("file"))
	info.Set("pieces", NewBytes(make([]byte, 40)))

	root := NewDict()
	root.Set("info", info)
	root.Set("peers", NewBytes([]byte{127, 0, 0, 1, 0x1a, 0xe1}))
	root.Set("id", NewBytes([]byte{0x00, 0x01}))

	out := root.String()
	for _, want := range []string{
		`"name": "file"`,
		"... (2 hashes)",
		"127.0.0.1:6881",
		`"id": 0001`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}
