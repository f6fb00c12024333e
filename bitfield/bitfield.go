// Package bitfield implements the piece bitmap exchanged by peers. Bit 0 is the
// most significant bit of the first byte.
package bitfield

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

var (
	ErrOutOfRange        = errors.New("bitfield: index out of range")
	ErrMalformedBitfield = errors.New("bitfield: malformed")
)

// Bitfield is not safe for concurrent use; its owner serializes access.
type Bitfield struct {
	bits []byte
	n    int
}

func New(nrPieces int) *Bitfield {
	if nrPieces < 0 {
		nrPieces = 0
	}
	return &Bitfield{bits: make([]byte, (nrPieces+7)/8), n: nrPieces}
}

// FromBytes imports a bitfield received from the wire. The length must be
// exactly ceil(nrPieces/8) and the padding bits after nrPieces must be clear.
func FromBytes(b []byte, nrPieces int) (*Bitfield, error) {
	bf := New(nrPieces)
	if len(b) != len(bf.bits) {
		return nil, fmt.Errorf("%w: got %d bytes, want %d for %d pieces", ErrMalformedBitfield, len(b), len(bf.bits), nrPieces)
	}
	copy(bf.bits, b)
	if spare := nrPieces % 8; spare != 0 {
		if bf.bits[len(bf.bits)-1]&(0xff>>spare) != 0 {
			return nil, fmt.Errorf("%w: padding bits set", ErrMalformedBitfield)
		}
	}
	return bf, nil
}

func (bf *Bitfield) Get(index int) (bool, error) {
	if index < 0 || index >= bf.n {
		return false, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, index, bf.n)
	}
	return bf.bits[index/8]>>(7-index%8)&1 != 0, nil
}

func (bf *Bitfield) Set(index int) error {
	if index < 0 || index >= bf.n {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, index, bf.n)
	}
	bf.bits[index/8] |= 1 << (7 - index%8)
	return nil
}

// Has is Get without the error; out of range indexes report false.
func (bf *Bitfield) Has(index int) bool {
	ok, _ := bf.Get(index)
	return ok
}

func (bf *Bitfield) Len() int {
	return bf.n
}

func (bf *Bitfield) Count() int {
	count := 0
	for _, b := range bf.bits {
		count += bits.OnesCount8(b)
	}
	return count
}

func (bf *Bitfield) Complete() bool {
	return bf.Count() == bf.n
}

// Bytes returns a copy of the wire form.
func (bf *Bitfield) Bytes() []byte {
	out := make([]byte, len(bf.bits))
	copy(out, bf.bits)
	return out
}

func (bf *Bitfield) Clone() *Bitfield {
	return &Bitfield{bits: bf.Bytes(), n: bf.n}
}

// String renders the bits as 0/1 in groups of eight.
func (bf *Bitfield) String() string {
	var sb strings.Builder
	for i := 0; i < bf.n; i++ {
		if i > 0 && i%8 == 0 {
			sb.WriteByte(' ')
		}
		if bf.Has(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
