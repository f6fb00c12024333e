package bencode

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// DefaultMaxDepth bounds list/dictionary nesting for decoders built without WithMaxDepth.
const DefaultMaxDepth = 64

// Decoder holds decoding options. The zero value is not usable; use NewDecoder.
type Decoder struct {
	maxDepth int
	strict   bool
}

type Option func(*Decoder)

// WithMaxDepth limits container nesting. A value <= 0 disables the limit.
func WithMaxDepth(depth int) Option {
	return func(d *Decoder) {
		d.maxDepth = depth
	}
}

// WithStrictKeys controls whether dictionary keys must appear in strictly
// increasing order. When disabled, unsorted keys are accepted and the last
// duplicate wins.
func WithStrictKeys(strict bool) Option {
	return func(d *Decoder) {
		d.strict = strict
	}
}

func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{maxDepth: DefaultMaxDepth, strict: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode decodes the value at the start of buf with default options and
// returns it together with the number of bytes consumed.
func Decode(buf []byte) (*Node, int, error) {
	return NewDecoder().Decode(buf)
}

// DecodeAll is like Decode but rejects trailing bytes.
func DecodeAll(buf []byte) (*Node, error) {
	return NewDecoder().DecodeAll(buf)
}

// DecodeReader reads r to EOF and decodes exactly one value from it.
func DecodeReader(r io.Reader) (*Node, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error while reading bencode input: %w", err)
	}
	return DecodeAll(buf)
}

func (d *Decoder) Decode(buf []byte) (*Node, int, error) {
	// The tree keeps references into its input for Raw, so it gets its own copy.
	p := &parser{buf: bytes.Clone(buf), dec: d}
	n, err := p.value()
	if err != nil {
		return nil, 0, err
	}
	return n, p.pos, nil
}

func (d *Decoder) DecodeAll(buf []byte) (*Node, error) {
	n, used, err := d.Decode(buf)
	if err != nil {
		return nil, err
	}
	if used != len(buf) {
		return nil, fmt.Errorf("%w at offset %d: %d trailing bytes", ErrMalformedEncoding, used, len(buf)-used)
	}
	return n, nil
}

type parser struct {
	buf   []byte
	pos   int
	depth int
	dec   *Decoder
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrMalformedEncoding, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) value() (*Node, error) {
	if p.pos >= len(p.buf) {
		return nil, p.errorf("unexpected end of input")
	}

	start := p.pos
	var (
		n   *Node
		err error
	)
	switch c := p.buf[p.pos]; {
	case c == 'i':
		n, err = p.integer()
	case c >= '0' && c <= '9':
		n, err = p.byteString()
	case c == 'l':
		n, err = p.list()
	case c == 'd':
		n, err = p.dict()
	default:
		return nil, p.errorf("invalid bencode type %q", c)
	}
	if err != nil {
		return nil, err
	}

	n.raw = p.buf[start:p.pos:p.pos]
	return n, nil
}

func (p *parser) integer() (*Node, error) {
	end := bytes.IndexByte(p.buf[p.pos+1:], 'e')
	if end < 0 {
		return nil, p.errorf("unterminated integer")
	}

	v, err := parseInt(p.buf[p.pos+1 : p.pos+1+end])
	if err != nil {
		return nil, p.errorf("%v", err)
	}
	p.pos += end + 2
	return &Node{kind: Integer, integer: v}, nil
}

func parseInt(digits []byte) (int64, error) {
	body := digits
	negative := len(body) > 0 && body[0] == '-'
	if negative {
		body = body[1:]
	}
	if len(body) == 0 {
		return 0, fmt.Errorf("empty integer %q", digits)
	}
	if !allDigits(body) {
		return 0, fmt.Errorf("invalid integer %q", digits)
	}
	if body[0] == '0' && (len(body) > 1 || negative) {
		return 0, fmt.Errorf("non-canonical integer %q", digits)
	}

	v, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("integer %q out of range", digits)
	}
	return v, nil
}

func (p *parser) byteString() (*Node, error) {
	colon := bytes.IndexByte(p.buf[p.pos:], ':')
	if colon < 0 {
		return nil, p.errorf("missing ':' after string length")
	}

	digits := p.buf[p.pos : p.pos+colon]
	if !allDigits(digits) || (digits[0] == '0' && len(digits) > 1) {
		return nil, p.errorf("invalid string length %q", digits)
	}
	length, err := strconv.Atoi(string(digits))
	if err != nil {
		return nil, p.errorf("string length %q out of range", digits)
	}

	p.pos += colon + 1
	if remaining := len(p.buf) - p.pos; length > remaining {
		return nil, p.errorf("string length %d exceeds %d remaining bytes", length, remaining)
	}

	data := p.buf[p.pos : p.pos+length : p.pos+length]
	p.pos += length
	return &Node{kind: ByteString, str: data}, nil
}

func (p *parser) list() (*Node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	n := &Node{kind: List, list: make([]*Node, 0)}
	for {
		if p.pos >= len(p.buf) {
			return nil, p.errorf("unterminated list")
		}
		if p.buf[p.pos] == 'e' {
			p.pos++
			return n, nil
		}

		item, err := p.value()
		if err != nil {
			return nil, err
		}
		n.list = append(n.list, item)
	}
}

func (p *parser) dict() (*Node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	n := &Node{kind: Dictionary, dict: make([]Entry, 0)}
	var prev []byte
	for {
		if p.pos >= len(p.buf) {
			return nil, p.errorf("unterminated dictionary")
		}
		c := p.buf[p.pos]
		if c == 'e' {
			p.pos++
			return n, nil
		}
		if c < '0' || c > '9' {
			return nil, p.errorf("dictionary key must be a byte string")
		}

		keyPos := p.pos
		key, err := p.byteString()
		if err != nil {
			return nil, err
		}
		if p.dec.strict && prev != nil && bytes.Compare(prev, key.str) >= 0 {
			p.pos = keyPos
			return nil, p.errorf("dictionary key %q not in ascending order", key.str)
		}
		prev = key.str

		value, err := p.value()
		if err != nil {
			return nil, err
		}
		if p.dec.strict {
			n.dict = append(n.dict, Entry{Key: key.str, Value: value})
		} else {
			n.set(key.str, value)
		}
	}
}

func (p *parser) enter() error {
	p.depth++
	if p.dec.maxDepth > 0 && p.depth > p.dec.maxDepth {
		return p.errorf("nesting deeper than %d", p.dec.maxDepth)
	}
	p.pos++
	return nil
}

func (p *parser) leave() {
	p.depth--
}

func allDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
