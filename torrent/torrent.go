package torrent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"bitTorrentPeer/client"
	"bitTorrentPeer/peers"
	"bitTorrentPeer/torrentFile"
)

const (
	DefaultMaxBacklog     = 5
	DefaultRequestTimeout = 30 * time.Second

	retryInterval = time.Second
)

var (
	ErrNoPeers = errors.New("no peers left")
	ErrStalled = errors.New("peer stopped sending blocks")
)

type Config struct {
	PeerID [20]byte
	// MaxBacklog is the number of block requests kept in flight per peer.
	MaxBacklog     int
	BlockSize      int
	IdleTimeout    time.Duration
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	// UploadRate caps served bytes per second across all peers; 0 is unlimited.
	UploadRate int
	// Events receives per-peer failures. Sends never block; events are
	// dropped when the channel is full.
	Events chan<- Event
	Logger *zerolog.Logger
}

// Event reports a failure that affected one peer. Piece is -1 when the
// failure is not about a particular piece.
type Event struct {
	Peer  string
	Piece int
	Err   error
}

type Stats struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

type Torrent struct {
	Peers       []peers.Peer
	PeerID      [20]byte
	InfoHash    [20]byte
	PieceHashes [][20]byte
	PieceLength int64
	TotalLength int64
	Name        string
	// WorkQueue hands pieces to peer workers. A worker puts back any piece it
	// could not finish.
	WorkQueue chan *PieceWork

	cfg     Config
	log     zerolog.Logger
	avail   *Availability
	storage *MemoryStorage
	limiter *rate.Limiter

	uploaded   atomic.Int64
	downloaded atomic.Int64
	left       atomic.Int64

	mu sync.Mutex
	// conns holds every live connection by remote peer id.
	conns map[[20]byte]*client.Client
	known *peers.Set
	// spawn starts a worker for a peer while Download runs; nil otherwise.
	spawn  func(peers.Peer)
	active int

	completeOnce sync.Once
	completed    chan struct{}
}

func New(mi *torrentFile.MetaInfo, cfg Config) *Torrent {
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = DefaultMaxBacklog
	}
	if cfg.BlockSize <= 0 || cfg.BlockSize > client.MaxRequestLength {
		cfg.BlockSize = client.BlockSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	t := &Torrent{
		PeerID:      cfg.PeerID,
		InfoHash:    mi.InfoHash,
		PieceHashes: mi.PieceHashes,
		PieceLength: mi.PieceLength,
		TotalLength: mi.TotalLength,
		Name:        mi.Name,
		WorkQueue:   make(chan *PieceWork, len(mi.PieceHashes)),
		cfg:         cfg,
		log:         logger.With().Str("torrent", mi.Name).Logger(),
		avail:       NewAvailability(len(mi.PieceHashes)),
		storage:     NewMemoryStorage(mi.TotalLength, mi.PieceLength),
		conns:       make(map[[20]byte]*client.Client),
		known:       peers.NewSet(),
		completed:   make(chan struct{}),
	}
	if mi.Peers != nil {
		t.Peers = mi.Peers.Slice()
		t.known.Add(t.Peers...)
	}
	if cfg.UploadRate > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.UploadRate), max(cfg.UploadRate, client.MaxRequestLength))
	}
	t.left.Store(mi.TotalLength)
	return t
}

func (t *Torrent) pieceSize(index int) int64 {
	if index < 0 || index >= len(t.PieceHashes) {
		return 0
	}
	return min(t.PieceLength, t.TotalLength-int64(index)*t.PieceLength)
}

// Load fills storage from data we already have, verifying every piece.
func (t *Torrent) Load(data []byte) error {
	if int64(len(data)) != t.TotalLength {
		return fmt.Errorf("data is %d bytes, want %d", len(data), t.TotalLength)
	}

	for i, hash := range t.PieceHashes {
		pw := &PieceWork{Index: i, Hash: hash, Length: int(t.pieceSize(i))}
		begin := int64(i) * t.PieceLength
		piece := data[begin : begin+int64(pw.Length)]
		if err := pw.Verify(piece); err != nil {
			return err
		}
		if err := t.storage.WriteBlock(i, 0, piece); err != nil {
			return err
		}
		if t.avail.MarkComplete(i) {
			t.left.Add(-int64(pw.Length))
		}
	}
	t.checkComplete()
	return nil
}

// Download fetches every missing piece from t.Peers, one worker per peer,
// and returns once all pieces are verified. Peers given to AddPeers while it
// runs get workers too. A failing peer never stops the others. Download must
// not be called more than once.
func (t *Torrent) Download(ctx context.Context) error {
	for i, hash := range t.PieceHashes {
		if !t.avail.Has(i) {
			t.WorkQueue <- &PieceWork{Index: i, Hash: hash, Length: int(t.pieceSize(i))}
		}
	}
	t.checkComplete()
	if t.avail.Complete() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	exited := make(chan struct{}, 1)
	// spawn runs with t.mu held.
	spawn := func(p peers.Peer) {
		t.active++
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.report(p.String(), -1, t.dialPeer(ctx, p))

			t.mu.Lock()
			t.active--
			idle := t.active == 0
			t.mu.Unlock()
			if idle {
				select {
				case exited <- struct{}{}:
				default:
				}
			}
		}()
	}

	t.mu.Lock()
	if len(t.Peers) == 0 {
		t.mu.Unlock()
		return ErrNoPeers
	}
	t.log.Info().Int("peers", len(t.Peers)).Int("pieces", len(t.WorkQueue)).Msg("starting download")
	for _, p := range t.Peers {
		spawn(p)
	}
	t.spawn = spawn
	t.mu.Unlock()

	stop := func() {
		t.mu.Lock()
		t.spawn = nil
		t.mu.Unlock()
		cancel()
		wg.Wait()
	}

	for {
		select {
		case <-t.completed:
			stop()
			t.log.Info().Int64("downloaded", t.downloaded.Load()).Msg("download complete")
			return nil
		case <-exited:
			t.mu.Lock()
			idle := t.active == 0
			if idle {
				t.spawn = nil
			}
			t.mu.Unlock()
			if !idle {
				continue
			}
			wg.Wait()
			if t.avail.Complete() {
				return nil
			}
			return fmt.Errorf("%w: %d of %d pieces", ErrNoPeers, t.avail.Count(), len(t.PieceHashes))
		case <-ctx.Done():
			stop()
			return ctx.Err()
		}
	}
}

// AddPeers records peers learned after New, typically from a re-announce,
// and returns how many were new. During Download each new peer is dialed
// right away.
func (t *Torrent) AddPeers(list []peers.Peer) int {
	var fresh []peers.Peer
	for _, p := range list {
		if t.known.Add(p) == 1 {
			fresh = append(fresh, p)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.Peers = append(t.Peers, fresh...)
	if t.spawn != nil {
		for _, p := range fresh {
			t.spawn(p)
		}
	}
	return len(fresh)
}

func (t *Torrent) dialPeer(ctx context.Context, p peers.Peer) error {
	w := newWorker(t)
	c, err := client.Dial(ctx, p.String(), t.clientConfig(w))
	if err != nil {
		return err
	}
	return w.run(ctx, c)
}

// Serve accepts incoming peers on ln until ctx is cancelled.
func (t *Torrent) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	t.log.Info().Str("addr", ln.Addr().String()).Msg("accepting peers")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("error while accepting peer: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			w := newWorker(t)
			c := client.NewFromConn(conn, t.clientConfig(w))
			if err := c.Handshake(ctx); err != nil {
				t.report(c.Addr(), -1, err)
				return
			}
			t.report(c.Addr(), -1, w.run(ctx, c))
		}()
	}
}

func (t *Torrent) clientConfig(w *worker) client.Config {
	return client.Config{
		InfoHash:      t.InfoHash,
		PeerID:        t.PeerID,
		NumPieces:     len(t.PieceHashes),
		PieceSize:     t.pieceSize,
		Local:         t.avail,
		Source:        t.storage,
		Sink:          w,
		Hooks:         w.hooks(),
		IdleTimeout:   t.cfg.IdleTimeout,
		DialTimeout:   t.cfg.DialTimeout,
		UploadLimiter: t.limiter,
		Logger:        &t.log,
	}
}

// complete stores a verified piece and tells every connected peer about it.
func (t *Torrent) complete(pw *PieceWork, buf []byte) error {
	if err := t.storage.WriteBlock(pw.Index, 0, buf); err != nil {
		return err
	}
	if !t.avail.MarkComplete(pw.Index) {
		return nil
	}

	t.downloaded.Add(int64(len(buf)))
	t.left.Add(-int64(len(buf)))
	t.log.Debug().Int("piece", pw.Index).Int("done", t.avail.Count()).Int("total", len(t.PieceHashes)).Msg("piece complete")

	t.broadcastHave(pw.Index)
	t.checkComplete()
	return nil
}

func (t *Torrent) checkComplete() {
	if t.avail.Complete() {
		t.completeOnce.Do(func() {
			close(t.completed)
		})
	}
}

func (t *Torrent) broadcastHave(index int) {
	t.mu.Lock()
	conns := make([]*client.Client, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		if err := c.SendHave(index); err != nil && !errors.Is(err, client.ErrClosed) {
			t.log.Debug().Err(err).Str("peer", c.Addr()).Msg("sending have")
		}
	}
}

// addConn registers a connection that finished its handshake. A second
// connection from a peer id that is already connected is rejected.
func (t *Torrent) addConn(c *client.Client) error {
	id := c.PeerID()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[id]; ok {
		return fmt.Errorf("%w: peer id %x already connected", client.ErrHandshakeRejected, id)
	}
	t.conns[id] = c
	return nil
}

func (t *Torrent) removeConn(c *client.Client) {
	id := c.PeerID()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[id] == c {
		delete(t.conns, id)
	}
}

func (t *Torrent) report(peer string, piece int, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	t.log.Debug().Err(err).Str("peer", peer).Int("piece", piece).Msg("peer error")

	if t.cfg.Events == nil {
		return
	}
	select {
	case t.cfg.Events <- Event{Peer: peer, Piece: piece, Err: err}:
	default:
	}
}

func (t *Torrent) Stats() Stats {
	return Stats{
		Uploaded:   t.uploaded.Load(),
		Downloaded: t.downloaded.Load(),
		Left:       t.left.Load(),
	}
}

// KnownPeers is the number of distinct peer addresses seen so far.
func (t *Torrent) KnownPeers() int {
	return t.known.Len()
}

func (t *Torrent) Availability() *Availability {
	return t.avail
}

// Data returns a copy of the downloaded content.
func (t *Torrent) Data() []byte {
	return t.storage.Bytes()
}
