package torrent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitTorrentPeer/bitfield"
	"bitTorrentPeer/client"
)

type eventKind uint8

const (
	evBlock eventKind = iota
	evChoked
	evUnchoked
	evHave
)

type peerEvent struct {
	kind  eventKind
	block client.Block
}

// worker drives one peer connection. The connection's reader goroutine
// pushes events; the worker goroutine owns all piece state.
type worker struct {
	t      *Torrent
	events chan peerEvent
	quit   chan struct{}

	mu    sync.Mutex
	owned *bitfield.Bitfield
}

func newWorker(t *Torrent) *worker {
	return &worker{
		t:      t,
		events: make(chan peerEvent, 16),
		quit:   make(chan struct{}),
		owned:  bitfield.New(len(t.PieceHashes)),
	}
}

func (w *worker) notify(ev peerEvent) {
	select {
	case w.events <- ev:
	case <-w.quit:
	}
}

// WriteBlock hands a received block to the worker goroutine.
func (w *worker) WriteBlock(index, begin int, data []byte) error {
	w.notify(peerEvent{kind: evBlock, block: client.Block{Index: index, Begin: begin, Data: data}})
	return nil
}

func (w *worker) hooks() client.Hooks {
	t := w.t
	return client.Hooks{
		OnChoked: func(*client.Client) {
			w.notify(peerEvent{kind: evChoked})
		},
		OnUnchoked: func(*client.Client) {
			w.notify(peerEvent{kind: evUnchoked})
		},
		OnHave: func(_ *client.Client, index int) {
			w.mu.Lock()
			isNew := !w.owned.Has(index) && w.owned.Set(index) == nil
			w.mu.Unlock()
			if isNew {
				t.avail.AddOwner(index)
			}
			w.notify(peerEvent{kind: evHave})
		},
		OnBitfield: func(_ *client.Client, bf *bitfield.Bitfield) {
			w.mu.Lock()
			w.owned = bf.Clone()
			w.mu.Unlock()
			t.avail.AddOwners(bf)
			w.notify(peerEvent{kind: evHave})
		},
		OnUpload: func(_ *client.Client, n int) {
			t.uploaded.Add(int64(n))
		},
	}
}

func (w *worker) ownedSnapshot() *bitfield.Bitfield {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.owned.Clone()
}

// run serves pieces from the work queue over c until the connection fails
// or ctx is cancelled.
func (w *worker) run(ctx context.Context, c *client.Client) error {
	t := w.t
	if err := t.addConn(c); err != nil {
		c.Close()
		return err
	}
	defer func() {
		close(w.quit)
		c.Close()
		t.removeConn(c)
		t.avail.RemoveOwners(w.ownedSnapshot())
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- c.Run(ctx)
	}()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErr:
			return err
		case <-w.events:
			misses = 0
		case pw := <-t.WorkQueue:
			if !c.PeerHas(pw.Index) {
				t.WorkQueue <- pw
				misses++
				if misses > cap(t.WorkQueue) {
					misses = 0
					if err := w.idle(ctx, c); err != nil {
						return err
					}
				}
				continue
			}
			misses = 0

			if err := w.attempt(ctx, c, pw); err != nil {
				t.WorkQueue <- pw
				return err
			}
		}
	}
}

// idle waits until the peer announces something or a retry is due.
func (w *worker) idle(ctx context.Context, c *client.Client) error {
	timer := time.NewTimer(retryInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.Done():
		return c.Err()
	case <-w.events:
	case <-timer.C:
	}
	return nil
}

func (w *worker) attempt(ctx context.Context, c *client.Client, pw *PieceWork) error {
	t := w.t
	buf, err := w.download(ctx, c, pw)
	if err != nil {
		return err
	}

	if err := pw.Verify(buf); err != nil {
		t.log.Warn().Str("peer", c.Addr()).Int("piece", pw.Index).Msg("piece failed verification")
		t.report(c.Addr(), pw.Index, err)
		t.WorkQueue <- pw
		return nil
	}
	return t.complete(pw, buf)
}

// download pipelines block requests for one piece. A choke drops the
// outstanding requests; they are sent again after the next unchoke.
func (w *worker) download(ctx context.Context, c *client.Client, pw *PieceWork) ([]byte, error) {
	t := w.t
	p := newPieceProgress(pw, t.cfg.BlockSize)

	timeout := time.NewTimer(t.cfg.RequestTimeout)
	defer timeout.Stop()

	for !p.done() {
		if !c.Choked() {
			for p.backlog < t.cfg.MaxBacklog {
				i := p.nextMissing()
				if i < 0 {
					break
				}
				begin, length := p.blockRange(i)
				err := c.SendRequest(pw.Index, begin, length)
				if errors.Is(err, client.ErrChoked) {
					break
				}
				if err != nil {
					return nil, err
				}
				p.markRequested(i)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.Done():
			return nil, c.Err()
		case <-timeout.C:
			return nil, fmt.Errorf("%w: piece %d after %s", ErrStalled, pw.Index, t.cfg.RequestTimeout)
		case ev := <-w.events:
			switch ev.kind {
			case evBlock:
				if ev.block.Index == pw.Index && p.store(ev.block.Begin, ev.block.Data) {
					timeout.Reset(t.cfg.RequestTimeout)
				}
			case evChoked:
				p.resetRequested()
			}
		}
	}
	return p.buf, nil
}
