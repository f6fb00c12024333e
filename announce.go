package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"bitTorrentPeer/bencode"
	"bitTorrentPeer/torrent"
	"bitTorrentPeer/torrentFile"
)

const (
	trackerTimeout = 15 * time.Second
	// used when a tracker asks for no delay at all
	defaultAnnounceInterval = 30 * time.Minute
)

// announcer reports our counters to the torrent's HTTP tracker.
type announcer struct {
	mi     *torrentFile.MetaInfo
	peerID [20]byte
	opts   []bencode.Option
	client *http.Client
	log    zerolog.Logger
}

func newAnnouncer(mi *torrentFile.MetaInfo, peerID [20]byte, opts []bencode.Option, log zerolog.Logger) *announcer {
	return &announcer{
		mi:     mi,
		peerID: peerID,
		opts:   opts,
		client: &http.Client{Timeout: trackerTimeout},
		log:    log,
	}
}

func (a *announcer) announce(ctx context.Context, stats torrent.Stats, event string) (*torrentFile.TrackerResponse, error) {
	trackerURL, err := a.mi.BuildTrackerURL(a.peerID, a.mi.Port, stats.Uploaded, stats.Downloaded, stats.Left, event)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trackerURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting tracker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker answered %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading tracker response: %w", err)
	}

	tr, err := torrentFile.ParseTrackerResponse(body, a.opts...)
	if err != nil {
		return nil, err
	}
	if tr.WarningMessage != "" {
		a.log.Warn().Str("warning", tr.WarningMessage).Msg("tracker warning")
	}
	return tr, nil
}

// loop re-announces on the tracker's interval until ctx is done and hands
// every new peer to t.
func (a *announcer) loop(ctx context.Context, t *torrent.Torrent, interval time.Duration) {
	for {
		if interval <= 0 {
			interval = defaultAnnounceInterval
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		resp, err := a.announce(ctx, t.Stats(), "")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn().Err(err).Msg("re-announce failed")
			continue
		}
		added := t.AddPeers(resp.Peers)
		a.log.Debug().Int("new_peers", added).Dur("interval", resp.Interval).Msg("re-announced")
		interval = max(resp.Interval, resp.MinInterval)
	}
}

// stop tells the tracker we are leaving. ctx is usually already cancelled,
// so it gets a fresh deadline.
func (a *announcer) stop(t *torrent.Torrent) {
	ctx, cancel := context.WithTimeout(context.Background(), trackerTimeout)
	defer cancel()
	if _, err := a.announce(ctx, t.Stats(), "stopped"); err != nil {
		a.log.Debug().Err(err).Msg("stopped announce failed")
	}
}
