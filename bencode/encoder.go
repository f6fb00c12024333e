package bencode

import (
	"fmt"
	"io"
	"strconv"
)

// Encode returns the canonical encoding of n. Dictionaries are always
// written in ascending key order.
func Encode(n *Node) ([]byte, error) {
	return appendNode(nil, n)
}

func EncodeTo(w io.Writer, n *Node) error {
	buf, err := Encode(n)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("error while writing encoded value: %w", err)
	}
	return nil
}

func appendNode(b []byte, n *Node) ([]byte, error) {
	switch n.Kind() {
	case Integer:
		b = append(b, 'i')
		b = strconv.AppendInt(b, n.integer, 10)
		return append(b, 'e'), nil
	case ByteString:
		return appendString(b, n.str), nil
	case List:
		b = append(b, 'l')
		for _, item := range n.list {
			var err error
			if b, err = appendNode(b, item); err != nil {
				return nil, err
			}
		}
		return append(b, 'e'), nil
	case Dictionary:
		b = append(b, 'd')
		for _, e := range n.dict {
			b = appendString(b, e.Key)
			var err error
			if b, err = appendNode(b, e.Value); err != nil {
				return nil, fmt.Errorf("key %q: %w", e.Key, err)
			}
		}
		return append(b, 'e'), nil
	}
	return nil, fmt.Errorf("%w: cannot encode %s node", ErrTypeMismatch, n.Kind())
}

func appendString(b, s []byte) []byte {
	b = strconv.AppendInt(b, int64(len(s)), 10)
	b = append(b, ':')
	return append(b, s...)
}
