package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrMalformedEncoding is returned when input does not match the bencode grammar.
	ErrMalformedEncoding = errors.New("bencode: malformed encoding")
	// ErrTypeMismatch is returned when a node is accessed as the wrong kind.
	ErrTypeMismatch = errors.New("bencode: type mismatch")
)

// Kind identifies which variant a Node holds.
type Kind uint8

const (
	Invalid Kind = iota
	Integer
	ByteString
	List
	Dictionary
)

func (k Kind) String() string {
	switch k {
	case Integer:
		return "integer"
	case ByteString:
		return "byte string"
	case List:
		return "list"
	case Dictionary:
		return "dictionary"
	default:
		return "invalid"
	}
}

// Entry is one key/value pair of a dictionary.
type Entry struct {
	Key   []byte
	Value *Node
}

// Node is a bencode value: an integer, a byte string, a list or a dictionary.
//
// Dictionary entries are always kept sorted by raw key bytes, so encoding a
// dictionary is canonical no matter in which order keys were added.
type Node struct {
	kind    Kind
	integer int64
	str     []byte
	list    []*Node
	dict    []Entry

	// raw is the exact input span this node was decoded from.
	raw []byte
}

func NewInt(v int64) *Node {
	return &Node{kind: Integer, integer: v}
}

func NewBytes(b []byte) *Node {
	return &Node{kind: ByteString, str: bytes.Clone(b)}
}

func NewString(s string) *Node {
	return &Node{kind: ByteString, str: []byte(s)}
}

func NewList(items ...*Node) *Node {
	return &Node{kind: List, list: append(make([]*Node, 0, len(items)), items...)}
}

func NewDict() *Node {
	return &Node{kind: Dictionary, dict: make([]Entry, 0)}
}

// Set adds or replaces key in a dictionary node, keeping keys sorted.
func (n *Node) Set(key string, value *Node) error {
	if n.Kind() != Dictionary {
		return n.mismatch(Dictionary)
	}
	n.set([]byte(key), value)
	return nil
}

func (n *Node) set(key []byte, value *Node) {
	i, found := slices.BinarySearchFunc(n.dict, key, func(e Entry, k []byte) int {
		return bytes.Compare(e.Key, k)
	})
	if found {
		n.dict[i].Value = value
		return
	}
	n.dict = slices.Insert(n.dict, i, Entry{Key: key, Value: value})
}

func (n *Node) Kind() Kind {
	if n == nil {
		return Invalid
	}
	return n.kind
}

func (n *Node) IsInt() bool   { return n.Kind() == Integer }
func (n *Node) IsBytes() bool { return n.Kind() == ByteString }
func (n *Node) IsList() bool  { return n.Kind() == List }
func (n *Node) IsDict() bool  { return n.Kind() == Dictionary }

func (n *Node) Int() (int64, error) {
	if n.Kind() != Integer {
		return 0, n.mismatch(Integer)
	}
	return n.integer, nil
}

// Bytes returns the contents of a byte string. The slice must not be modified.
func (n *Node) Bytes() ([]byte, error) {
	if n.Kind() != ByteString {
		return nil, n.mismatch(ByteString)
	}
	return n.str, nil
}

func (n *Node) Str() (string, error) {
	b, err := n.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (n *Node) List() ([]*Node, error) {
	if n.Kind() != List {
		return nil, n.mismatch(List)
	}
	return n.list, nil
}

// Dict returns the dictionary entries in ascending key order.
func (n *Node) Dict() ([]Entry, error) {
	if n.Kind() != Dictionary {
		return nil, n.mismatch(Dictionary)
	}
	return n.dict, nil
}

// Get looks up key in a dictionary node. It reports false for missing keys
// and for nodes that are not dictionaries.
func (n *Node) Get(key string) (*Node, bool) {
	if n.Kind() != Dictionary {
		return nil, false
	}
	i, found := slices.BinarySearchFunc(n.dict, key, func(e Entry, k string) int {
		return bytes.Compare(e.Key, []byte(k))
	})
	if !found {
		return nil, false
	}
	return n.dict[i].Value, true
}

// Keys returns the dictionary keys in ascending byte order.
func (n *Node) Keys() []string {
	if n.Kind() != Dictionary {
		return nil
	}
	keys := make([]string, len(n.dict))
	for i, e := range n.dict {
		keys[i] = string(e.Key)
	}
	return keys
}

// Len is the number of items of a list or dictionary, or the byte length of a string.
func (n *Node) Len() int {
	switch n.Kind() {
	case ByteString:
		return len(n.str)
	case List:
		return len(n.list)
	case Dictionary:
		return len(n.dict)
	}
	return 0
}

// Raw returns the bytes this node was decoded from, or nil for built nodes.
func (n *Node) Raw() []byte {
	if n == nil {
		return nil
	}
	return n.raw
}

// Find searches the tree depth-first for a dictionary key and returns the
// first matching value.
func (n *Node) Find(key string) (*Node, bool) {
	switch n.Kind() {
	case List:
		for _, item := range n.list {
			if v, ok := item.Find(key); ok {
				return v, true
			}
		}
	case Dictionary:
		for _, e := range n.dict {
			if string(e.Key) == key {
				return e.Value, true
			}
			if v, ok := e.Value.Find(key); ok {
				return v, true
			}
		}
	}
	return nil, false
}

// Equal reports whether a and b hold the same logical value.
func Equal(a, b *Node) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	switch a.Kind() {
	case Integer:
		return a.integer == b.integer
	case ByteString:
		return bytes.Equal(a.str, b.str)
	case List:
		return slices.EqualFunc(a.list, b.list, Equal)
	case Dictionary:
		return slices.EqualFunc(a.dict, b.dict, func(x, y Entry) bool {
			return bytes.Equal(x.Key, y.Key) && Equal(x.Value, y.Value)
		})
	}
	return true
}

func (n *Node) mismatch(want Kind) error {
	return fmt.Errorf("%w: want %s, have %s", ErrTypeMismatch, want, n.Kind())
}
