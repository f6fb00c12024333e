package torrentFile

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bitTorrentPeer/bencode"
	"bitTorrentPeer/peers"
)

var (
	ErrNoTracker       = errors.New("no http tracker")
	ErrTrackerFailure  = errors.New("tracker failure")
	ErrInvalidResponse = errors.New("invalid tracker response")
)

type TrackerResponse struct {
	Interval       time.Duration
	MinInterval    time.Duration
	Complete       int64
	Incomplete     int64
	Peers          []peers.Peer
	WarningMessage string
}

// BuildTrackerURL returns the announce request for this torrent. When the
// main announce URL is not HTTP, the first HTTP tracker of announce-list is used.
func (mi *MetaInfo) BuildTrackerURL(peerID [20]byte, port uint16, uploaded, downloaded, left int64, event string) (string, error) {
	announce := mi.Announce
	if !strings.HasPrefix(announce, "http") {
		announce = mi.getAnnounceUrl()
	}
	if announce == "" {
		return "", ErrNoTracker
	}

	base, err := url.Parse(announce)
	if err != nil {
		return "", fmt.Errorf("error while parsing announce url %q: %w", announce, err)
	}

	params := url.Values{}
	params.Add("info_hash", string(mi.InfoHash[:]))
	params.Add("peer_id", string(peerID[:]))
	params.Add("port", strconv.Itoa(int(port)))
	params.Add("uploaded", strconv.FormatInt(uploaded, 10))
	params.Add("downloaded", strconv.FormatInt(downloaded, 10))
	params.Add("left", strconv.FormatInt(left, 10))
	params.Add("compact", "1")
	if event != "" {
		params.Add("event", event)
	}

	// Some trackers carry their own query parameters (passkeys).
	for k, vs := range base.Query() {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	base.RawQuery = params.Encode()
	return base.String(), nil
}

func (mi *MetaInfo) getAnnounceUrl() string {
	for _, tier := range mi.AnnounceList {
		for _, item := range tier {
			if strings.HasPrefix(item, "http") {
				return item
			}
		}
	}
	return ""
}

// ParseTrackerResponse decodes an announce response body. opts tune the
// decoder the same way as for Parse.
func ParseTrackerResponse(buf []byte, opts ...bencode.Option) (*TrackerResponse, error) {
	root, err := bencode.NewDecoder(opts...).DecodeAll(buf)
	if err != nil {
		return nil, err
	}
	if !root.IsDict() {
		return nil, fmt.Errorf("%w: top level is a %s", ErrInvalidResponse, root.Kind())
	}

	if n, ok := root.Get("failure reason"); ok {
		reason, _ := n.Str()
		return nil, fmt.Errorf("%w: %s", ErrTrackerFailure, reason)
	}

	resp := &TrackerResponse{}
	if n, ok := root.Get("warning message"); ok {
		resp.WarningMessage, _ = n.Str()
	}

	for key, dst := range map[string]*int64{"complete": &resp.Complete, "incomplete": &resp.Incomplete} {
		if n, ok := root.Get(key); ok {
			if *dst, err = n.Int(); err != nil {
				return nil, fmt.Errorf("%w: %q: %w", ErrInvalidResponse, key, err)
			}
		}
	}

	interval, err := requireInt(root, "interval")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	resp.Interval = time.Duration(interval) * time.Second
	if n, ok := root.Get("min interval"); ok {
		v, err := n.Int()
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidResponse, "min interval", err)
		}
		resp.MinInterval = time.Duration(v) * time.Second
	}

	peersNode, ok := root.Get("peers")
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrInvalidResponse, "peers")
	}
	if resp.Peers, err = peers.Unmarshal(peersNode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	if n, ok := root.Get("peers6"); ok {
		b, err := n.Bytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidResponse, "peers6", err)
		}
		v6, err := peers.UnmarshalCompact6(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
		}
		resp.Peers = append(resp.Peers, v6...)
	}
	return resp, nil
}
