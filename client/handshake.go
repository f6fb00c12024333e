package client

import (
	"fmt"
	"io"
)

const protocolID = "BitTorrent protocol"

// HandshakeLength is the size of a handshake carrying the standard protocol string.
const HandshakeLength = 49 + len(protocolID)

type Handshake struct {
	Pstr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstr:     protocolID,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 49+len(h.Pstr))
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], h.Reserved[:])
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

// ReadHandshake reads a handshake and rejects any protocol other than BitTorrent.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	lengthBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}
	pstrlen := int(lengthBuf[0])
	if pstrlen == 0 {
		return nil, fmt.Errorf("%w: empty protocol string", ErrHandshakeRejected)
	}

	buf := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Handshake{Pstr: string(buf[:pstrlen])}
	if h.Pstr != protocolID {
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrHandshakeRejected, h.Pstr)
	}
	curr := pstrlen
	curr += copy(h.Reserved[:], buf[curr:])
	curr += copy(h.InfoHash[:], buf[curr:])
	copy(h.PeerID[:], buf[curr:])
	return h, nil
}
