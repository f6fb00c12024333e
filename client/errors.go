package client

import (
	"errors"
	"fmt"
)

var (
	ErrConnectFailed     = errors.New("connect failed")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTimeout           = errors.New("idle timeout")
	ErrClosed            = errors.New("connection closed")
	ErrChoked            = errors.New("peer is choking us")
	ErrPieceUnavailable  = errors.New("peer does not have piece")
)

// PeerError is the reason a connection closed, tagged with the peer address
// and the state the connection was in.
type PeerError struct {
	Addr  string
	State State
	Err   error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %s (%s): %v", e.Addr, e.State, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}
