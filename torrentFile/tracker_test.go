package torrentFile

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"bitTorrentPeer/bencode"
)

func TestBuildTrackerURL(t *testing.T) {
	mi := &MetaInfo{
		Announce: "http://tracker.example/announce?passkey=abc",
		InfoHash: [20]byte{0xde, 0xad},
	}
	peerID := [20]byte{'-', 'B', 'P'}

	raw, err := mi.BuildTrackerURL(peerID, 6881, 10, 20, 30, "started")
	if err != nil {
		t.Fatalf("BuildTrackerURL error: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse error: %v", err)
	}
	q := u.Query()
	checks := map[string]string{
		"info_hash":  string(mi.InfoHash[:]),
		"peer_id":    string(peerID[:]),
		"port":       "6881",
		"uploaded":   "10",
		"downloaded": "20",
		"left":       "30",
		"compact":    "1",
		"event":      "started",
		"passkey":    "abc",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if u.Host != "tracker.example" || u.Path != "/announce" {
		t.Errorf("url = %s", raw)
	}
}

func TestBuildTrackerURLFallsBackToAnnounceList(t *testing.T) {
	mi := &MetaInfo{
		Announce: "udp://tracker.example:1337",
		AnnounceList: [][]string{
			{"udp://a.example:80"},
			{"https://b.example/announce", "http://c.example/announce"},
		},
	}

	raw, err := mi.BuildTrackerURL([20]byte{}, 1, 0, 0, 0, "")
	if err != nil {
		t.Fatalf("BuildTrackerURL error: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Host != "b.example" {
		t.Errorf("host = %s, want b.example", u.Host)
	}
	if u.Query().Has("event") {
		t.Error("empty event should not be sent")
	}

	mi.AnnounceList = nil
	if _, err := mi.BuildTrackerURL([20]byte{}, 1, 0, 0, 0, ""); !errors.Is(err, ErrNoTracker) {
		t.Errorf("error = %v, want ErrNoTracker", err)
	}
}

func TestParseTrackerResponse(t *testing.T) {
	t.Run("compact", func(t *testing.T) {
		body := "d8:completei5e10:incompletei2e8:intervali1800e5:peers12:" +
			"\x7f\x00\x00\x01\x1a\xe1\x0a\x00\x00\x02\x00\x50e"
		resp, err := ParseTrackerResponse([]byte(body))
		if err != nil {
			t.Fatalf("ParseTrackerResponse error: %v", err)
		}
		if resp.Interval != 30*time.Minute {
			t.Errorf("Interval = %s, want 30m", resp.Interval)
		}
		if resp.Complete != 5 || resp.Incomplete != 2 {
			t.Errorf("Complete/Incomplete = %d/%d", resp.Complete, resp.Incomplete)
		}
		if len(resp.Peers) != 2 || resp.Peers[0].String() != "127.0.0.1:6881" {
			t.Errorf("Peers = %v", resp.Peers)
		}
	})

	t.Run("dictionary", func(t *testing.T) {
		p := bencode.NewDict()
		p.Set("ip", bencode.NewString("10.0.0.9"))
		p.Set("port", bencode.NewInt(6881))
		root := bencode.NewDict()
		root.Set("interval", bencode.NewInt(60))
		root.Set("min interval", bencode.NewInt(30))
		root.Set("peers", bencode.NewList(p))

		resp, err := ParseTrackerResponse(encode(t, root))
		if err != nil {
			t.Fatalf("ParseTrackerResponse error: %v", err)
		}
		if resp.MinInterval != 30*time.Second {
			t.Errorf("MinInterval = %s, want 30s", resp.MinInterval)
		}
		if len(resp.Peers) != 1 || resp.Peers[0].String() != "10.0.0.9:6881" {
			t.Errorf("Peers = %v", resp.Peers)
		}
	})

	t.Run("failure reason", func(t *testing.T) {
		_, err := ParseTrackerResponse([]byte("d14:failure reason12:unregisterede"))
		if !errors.Is(err, ErrTrackerFailure) {
			t.Errorf("error = %v, want ErrTrackerFailure", err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseTrackerResponse([]byte("d8:intervali1800e5:peers7:abc"))
		if !errors.Is(err, bencode.ErrMalformedEncoding) {
			t.Errorf("error = %v, want ErrMalformedEncoding", err)
		}
	})

	t.Run("missing peers", func(t *testing.T) {
		_, err := ParseTrackerResponse([]byte("d8:intervali1800ee"))
		if !errors.Is(err, ErrInvalidResponse) {
			t.Errorf("error = %v, want ErrInvalidResponse", err)
		}
	})

	t.Run("unsorted keys need a lenient decoder", func(t *testing.T) {
		body := []byte("d5:peers0:8:intervali60ee")
		if _, err := ParseTrackerResponse(body); !errors.Is(err, bencode.ErrMalformedEncoding) {
			t.Errorf("strict error = %v, want ErrMalformedEncoding", err)
		}
		resp, err := ParseTrackerResponse(body, bencode.WithStrictKeys(false))
		if err != nil {
			t.Fatalf("lenient error: %v", err)
		}
		if resp.Interval != time.Minute || len(resp.Peers) != 0 {
			t.Errorf("unexpected response %+v", resp)
		}
	})
}
