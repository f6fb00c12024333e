package peers

import (
	"fmt"
	"net"

	"bitTorrentPeer/bencode"
)

// Unmarshal reads the peers value of a tracker response, which is either a
// compact byte string or a list of {ip, port} dictionaries.
func Unmarshal(node *bencode.Node) ([]Peer, error) {
	switch node.Kind() {

	// Compact model, what nearly every tracker sends.
	case bencode.ByteString:
		peersBin, _ := node.Bytes()
		return UnmarshalCompact(peersBin)

	case bencode.List:
		items, _ := node.List()
		peers := make([]Peer, 0, len(items))
		for _, item := range items {
			peer, ok := dictPeer(item)
			if !ok {
				// Skip malformed entries
				continue
			}
			peers = append(peers, peer)
		}
		return peers, nil
	}

	return nil, fmt.Errorf("%w: peers field is a %s", ErrMalformedPeers, node.Kind())
}

func dictPeer(item *bencode.Node) (Peer, bool) {
	ipNode, ipOk := item.Get("ip")
	portNode, portOk := item.Get("port")
	if !ipOk || !portOk {
		return Peer{}, false
	}

	ipStr, err := ipNode.Str()
	if err != nil {
		return Peer{}, false
	}
	port, err := portNode.Int()
	if err != nil || port <= 0 || port > 65535 {
		return Peer{}, false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return Peer{}, false
	}

	return Peer{IP: ip, Port: uint16(port)}, true
}
