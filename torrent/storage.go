package torrent

import (
	"errors"
	"fmt"
	"sync"
)

var ErrOutOfBounds = errors.New("block outside torrent data")

// MemoryStorage keeps the whole torrent in one buffer.
type MemoryStorage struct {
	mu          sync.RWMutex
	buf         []byte
	pieceLength int64
}

func NewMemoryStorage(totalLength, pieceLength int64) *MemoryStorage {
	return &MemoryStorage{buf: make([]byte, totalLength), pieceLength: pieceLength}
}

func (s *MemoryStorage) offset(index, begin, length int) (int64, error) {
	off := int64(index)*s.pieceLength + int64(begin)
	if index < 0 || begin < 0 || length < 0 || off+int64(length) > int64(len(s.buf)) {
		return 0, fmt.Errorf("%w: piece %d begin %d length %d", ErrOutOfBounds, index, begin, length)
	}
	return off, nil
}

func (s *MemoryStorage) WriteBlock(index, begin int, data []byte) error {
	off, err := s.offset(index, begin, len(data))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.buf[off:], data)
	return nil
}

func (s *MemoryStorage) ReadBlock(index, begin, length int) ([]byte, error) {
	off, err := s.offset(index, begin, length)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, length)
	copy(out, s.buf[off:])
	return out, nil
}

// Bytes returns a copy of the stored data.
func (s *MemoryStorage) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.buf...)
}
