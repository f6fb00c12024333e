package peers

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

var ErrMalformedPeers = errors.New("malformed peers")

// Peer is the address of a remote peer as learned from a tracker.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// AddrPort converts p to a comparable address. IPv4-mapped addresses are unmapped.
func (p Peer) AddrPort() netip.AddrPort {
	addr, _ := netip.AddrFromSlice(p.IP)
	return netip.AddrPortFrom(addr.Unmap(), p.Port)
}

func FromAddrPort(ap netip.AddrPort) Peer {
	return Peer{IP: net.IP(ap.Addr().AsSlice()), Port: ap.Port()}
}

// UnmarshalCompact parses the compact IPv4 form: 4 address bytes then a
// big-endian port, per peer.
func UnmarshalCompact(peersBin []byte) ([]Peer, error) {
	return unmarshalCompact(peersBin, net.IPv4len)
}

// UnmarshalCompact6 parses the compact IPv6 form used by the peers6 key.
func UnmarshalCompact6(peersBin []byte) ([]Peer, error) {
	return unmarshalCompact(peersBin, net.IPv6len)
}

func unmarshalCompact(peersBin []byte, ipLen int) ([]Peer, error) {
	peerSize := ipLen + 2
	if len(peersBin)%peerSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedPeers, len(peersBin), peerSize)
	}

	numPeers := len(peersBin) / peerSize
	peers := make([]Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * peerSize
		peers[i].IP = net.IP(append([]byte(nil), peersBin[offset:offset+ipLen]...))
		peers[i].Port = binary.BigEndian.Uint16(peersBin[offset+ipLen : offset+peerSize])
	}
	return peers, nil
}
