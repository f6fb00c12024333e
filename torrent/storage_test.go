package torrent

import (
	"bytes"
	"errors"
	"testing"
)

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage(20, 8)

	if err := s.WriteBlock(1, 2, []byte("abcd")); err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadBlock(1, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcd" {
		t.Errorf("expected 'abcd', got %q", got)
	}

	// last piece is short
	if err := s.WriteBlock(2, 0, []byte("wxyz")); err != nil {
		t.Fatal(err)
	}
	if b := s.Bytes(); !bytes.Equal(b[16:], []byte("wxyz")) {
		t.Errorf("unexpected tail %q", b[16:])
	}

	tests := []struct {
		name                 string
		index, begin, length int
	}{
		{"past the end", 2, 0, 5},
		{"negative index", -1, 0, 1},
		{"negative begin", 0, -1, 1},
		{"index past the end", 3, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.ReadBlock(tt.index, tt.begin, tt.length); !errors.Is(err, ErrOutOfBounds) {
				t.Errorf("expected ErrOutOfBounds, got %v", err)
			}
			if err := s.WriteBlock(tt.index, tt.begin, make([]byte, max(tt.length, 0))); !errors.Is(err, ErrOutOfBounds) {
				t.Errorf("expected ErrOutOfBounds on write, got %v", err)
			}
		})
	}

	// reads are copies
	got[0] = 'Z'
	if again, _ := s.ReadBlock(1, 2, 4); string(again) != "abcd" {
		t.Errorf("read block aliases storage: %q", again)
	}
}
