package torrent

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
)

var ErrPieceHashMismatch = errors.New("piece hash mismatch")

type PieceWork struct {
	Index  int
	Hash   [20]byte
	Length int
}

func (pw *PieceWork) Verify(buf []byte) error {
	if sum := sha1.Sum(buf); !bytes.Equal(sum[:], pw.Hash[:]) {
		return fmt.Errorf("%w: piece %d", ErrPieceHashMismatch, pw.Index)
	}
	return nil
}

type blockState uint8

const (
	blockMissing blockState = iota
	blockRequested
	blockDone
)

// pieceProgress assembles one piece from blocks of a fixed size.
type pieceProgress struct {
	work       *PieceWork
	blockSize  int
	buf        []byte
	blocks     []blockState
	downloaded int
	backlog    int
}

func newPieceProgress(pw *PieceWork, blockSize int) *pieceProgress {
	return &pieceProgress{
		work:      pw,
		blockSize: blockSize,
		buf:       make([]byte, pw.Length),
		blocks:    make([]blockState, (pw.Length+blockSize-1)/blockSize),
	}
}

func (p *pieceProgress) done() bool {
	return p.downloaded == p.work.Length
}

// nextMissing returns the next block to request, or -1.
func (p *pieceProgress) nextMissing() int {
	for i, s := range p.blocks {
		if s == blockMissing {
			return i
		}
	}
	return -1
}

func (p *pieceProgress) blockRange(i int) (begin, length int) {
	begin = i * p.blockSize
	return begin, min(p.blockSize, p.work.Length-begin)
}

func (p *pieceProgress) markRequested(i int) {
	p.blocks[i] = blockRequested
	p.backlog++
}

// store copies a received block in. Blocks that do not line up with a
// requested block are ignored.
func (p *pieceProgress) store(begin int, data []byte) bool {
	if begin%p.blockSize != 0 {
		return false
	}
	i := begin / p.blockSize
	if i >= len(p.blocks) || p.blocks[i] != blockRequested {
		return false
	}
	if _, length := p.blockRange(i); length != len(data) {
		return false
	}

	copy(p.buf[begin:], data)
	p.blocks[i] = blockDone
	p.downloaded += len(data)
	p.backlog--
	return true
}

// resetRequested forgets outstanding requests after a choke.
func (p *pieceProgress) resetRequested() {
	for i, s := range p.blocks {
		if s == blockRequested {
			p.blocks[i] = blockMissing
		}
	}
	p.backlog = 0
}
