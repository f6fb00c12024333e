package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"bitTorrentPeer/bitfield"
)

const (
	DefaultIdleTimeout = 2 * time.Minute
	DefaultDialTimeout = 5 * time.Second

	outboxSize = 64
)

type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// BlockSink receives blocks that answered one of our requests.
type BlockSink interface {
	WriteBlock(index, begin int, data []byte) error
}

// BlockSource supplies the data for blocks a peer asks us for.
type BlockSource interface {
	ReadBlock(index, begin, length int) ([]byte, error)
}

// Availability is the read view of the pieces we hold.
type Availability interface {
	Has(index int) bool
	Bitfield() *bitfield.Bitfield
}

// Hooks are invoked from the connection's own goroutines. They must return
// quickly and must not call Close synchronously.
type Hooks struct {
	OnChoked   func(c *Client)
	OnUnchoked func(c *Client)
	OnHave     func(c *Client, index int)
	OnBitfield func(c *Client, bf *bitfield.Bitfield)
	OnUpload   func(c *Client, n int)
}

type Config struct {
	InfoHash  [20]byte
	PeerID    [20]byte
	NumPieces int
	// PieceSize bounds served requests; nil skips the check.
	PieceSize func(index int) int64

	Local  Availability
	Source BlockSource
	Sink   BlockSink
	Hooks  Hooks

	IdleTimeout      time.Duration
	DialTimeout      time.Duration
	KeepAlive        time.Duration
	MaxMessageLength uint32
	UploadLimiter    *rate.Limiter
	Logger           *zerolog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = cfg.IdleTimeout / 2
	}
	if cfg.MaxMessageLength == 0 {
		cfg.MaxMessageLength = max(MaxMessageLength, uint32((cfg.NumPieces+7)/8+1))
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return cfg
}

type Flags struct {
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
}

type outgoing struct {
	msg    *Message
	upload *BlockRequest
}

// Client is one connection to a remote peer.
type Client struct {
	cfg      Config
	addr     string
	outbound bool
	log      zerolog.Logger

	mu          sync.Mutex
	conn        net.Conn
	state       State
	running     bool
	peerID      [20]byte
	bitfield    *bitfield.Bitfield
	flags       Flags
	seenMessage bool
	// pending are our requests awaiting a piece; peerRequests are theirs awaiting upload.
	pending      map[BlockRequest]struct{}
	peerRequests map[BlockRequest]struct{}

	outbox    chan outgoing
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newClient(conn net.Conn, addr string, cfg Config, outbound bool) *Client {
	cfg = cfg.withDefaults()
	state := StateConnecting
	if conn != nil {
		state = StateHandshaking
	}
	return &Client{
		cfg:          cfg,
		addr:         addr,
		outbound:     outbound,
		log:          cfg.Logger.With().Str("peer", addr).Logger(),
		conn:         conn,
		state:        state,
		bitfield:     bitfield.New(cfg.NumPieces),
		flags:        Flags{AmChoking: true, PeerChoking: true},
		pending:      make(map[BlockRequest]struct{}),
		peerRequests: make(map[BlockRequest]struct{}),
		outbox:       make(chan outgoing, outboxSize),
		closed:       make(chan struct{}),
	}
}

// Dial connects to addr and completes the handshake.
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	c := newClient(nil, addr, cfg, true)

	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, c.closeWithError(fmt.Errorf("%w: %w", ErrConnectFailed, err))
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return nil, c.Err()
	}
	c.conn = conn
	c.state = StateHandshaking
	c.mu.Unlock()

	if err := c.Handshake(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFromConn wraps a connection accepted from a remote peer. The remote side
// speaks first during Handshake.
func NewFromConn(conn net.Conn, cfg Config) *Client {
	return newClient(conn, conn.RemoteAddr().String(), cfg, false)
}

// Handshake exchanges handshakes and moves the connection to StateReady. Any
// failure closes the connection.
func (c *Client) Handshake(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateClosed {
		return c.Err()
	}
	if state != StateHandshaking {
		return fmt.Errorf("handshake in state %s", state)
	}

	stop := context.AfterFunc(ctx, func() {
		c.closeWithError(ctx.Err())
	})
	defer stop()

	theirs, err := c.exchangeHandshake()
	if err != nil {
		return c.closeWithError(err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return c.Err()
	}
	c.state = StateReady
	c.peerID = theirs.PeerID
	c.mu.Unlock()

	c.log.Debug().Hex("peer_id", theirs.PeerID[:]).Msg("handshake complete")
	c.greet()
	return nil
}

func (c *Client) exchangeHandshake() (*Handshake, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
		return nil, c.handshakeError(err)
	}

	ours := NewHandshake(c.cfg.InfoHash, c.cfg.PeerID).Serialize()
	if c.outbound {
		if _, err := c.conn.Write(ours); err != nil {
			return nil, c.handshakeError(err)
		}
	}

	theirs, err := ReadHandshake(c.conn)
	if err != nil {
		return nil, c.handshakeError(err)
	}
	if theirs.InfoHash != c.cfg.InfoHash {
		return nil, fmt.Errorf("%w: info hash %x, want %x", ErrHandshakeRejected, theirs.InfoHash, c.cfg.InfoHash)
	}
	if theirs.PeerID == c.cfg.PeerID {
		return nil, fmt.Errorf("%w: connected to ourselves", ErrHandshakeRejected)
	}

	if !c.outbound {
		if _, err := c.conn.Write(ours); err != nil {
			return nil, c.handshakeError(err)
		}
	}

	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return nil, c.handshakeError(err)
	}
	return theirs, nil
}

func (c *Client) handshakeError(err error) error {
	err = c.classify(err)
	if errors.Is(err, ErrHandshakeRejected) || errors.Is(err, ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrHandshakeRejected, err)
}

// greet queues our bitfield, if we hold anything, then unchoke and interested.
func (c *Client) greet() {
	if c.cfg.Local != nil {
		if bf := c.cfg.Local.Bitfield(); bf.Count() > 0 {
			c.send(FormatBitfield(bf.Bytes()))
		}
	}
	c.SendUnchoke()
	c.SendInterested()
}

// Run reads and dispatches messages until the connection closes, and returns
// the reason it closed. Cancelling ctx closes the connection.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	state, running := c.state, c.running
	c.running = true
	c.mu.Unlock()
	switch {
	case state == StateClosed:
		return c.Err()
	case state != StateReady:
		return fmt.Errorf("run in state %s", state)
	case running:
		return errors.New("connection already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		c.closeWithError(ctx.Err())
	})
	defer stop()

	go c.writeLoop(ctx)

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
			return c.closeWithError(c.classify(err))
		}
		msg, err := Read(c.conn, c.cfg.MaxMessageLength)
		if err != nil {
			return c.closeWithError(c.classify(err))
		}
		if err := c.dispatch(msg); err != nil {
			return c.closeWithError(err)
		}
	}
}

func (c *Client) dispatch(m *Message) error {
	if m == nil {
		c.log.Trace().Msg("keep-alive")
		return nil
	}
	c.log.Trace().Stringer("msg", m).Msg("recv")

	c.mu.Lock()
	first := !c.seenMessage
	c.seenMessage = true
	c.mu.Unlock()

	hooks := c.cfg.Hooks
	switch m.ID {
	case MsgChoke:
		c.mu.Lock()
		c.flags.PeerChoking = true
		dropped := len(c.pending)
		clear(c.pending)
		c.mu.Unlock()
		c.log.Debug().Int("dropped", dropped).Msg("choked")
		if hooks.OnChoked != nil {
			hooks.OnChoked(c)
		}

	case MsgUnchoke:
		c.mu.Lock()
		c.flags.PeerChoking = false
		c.mu.Unlock()
		c.log.Debug().Msg("unchoked")
		if hooks.OnUnchoked != nil {
			hooks.OnUnchoked(c)
		}

	case MsgInterested, MsgNotInterested:
		c.mu.Lock()
		c.flags.PeerInterested = m.ID == MsgInterested
		c.mu.Unlock()

	case MsgHave:
		index, err := ParseHave(m)
		if err != nil {
			return err
		}
		c.mu.Lock()
		err = c.bitfield.Set(index)
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: have: %w", ErrProtocolViolation, err)
		}
		if hooks.OnHave != nil {
			hooks.OnHave(c, index)
		}

	case MsgBitfield:
		if !first {
			return fmt.Errorf("%w: bitfield after first message", ErrProtocolViolation)
		}
		bf, err := bitfield.FromBytes(m.Payload, c.cfg.NumPieces)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		c.mu.Lock()
		c.bitfield = bf
		c.mu.Unlock()
		c.log.Debug().Int("pieces", bf.Count()).Msg("bitfield")
		if hooks.OnBitfield != nil {
			hooks.OnBitfield(c, bf.Clone())
		}

	case MsgRequest:
		req, err := ParseRequest(m)
		if err != nil {
			return err
		}
		return c.handleRequest(req)

	case MsgPiece:
		block, err := ParsePiece(m)
		if err != nil {
			return err
		}
		c.handlePiece(block)

	case MsgCancel:
		req, err := ParseRequest(m)
		if err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.peerRequests, req)
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) handleRequest(req BlockRequest) error {
	if req.Index < 0 || req.Index >= c.cfg.NumPieces {
		return fmt.Errorf("%w: request for piece %d of %d", ErrProtocolViolation, req.Index, c.cfg.NumPieces)
	}

	var reason string
	switch {
	case req.Length <= 0 || req.Length > MaxRequestLength:
		reason = "bad length"
	case c.cfg.Local == nil || c.cfg.Source == nil || !c.cfg.Local.Has(req.Index):
		reason = "piece not held"
	case c.cfg.PieceSize != nil && int64(req.Begin)+int64(req.Length) > c.cfg.PieceSize(req.Index):
		reason = "block outside piece"
	}

	c.mu.Lock()
	if reason == "" && c.flags.AmChoking {
		reason = "peer is choked"
	}
	if reason == "" {
		c.peerRequests[req] = struct{}{}
	}
	c.mu.Unlock()

	if reason != "" {
		c.log.Debug().Int("piece", req.Index).Int("begin", req.Begin).Int("length", req.Length).
			Str("reason", reason).Msg("ignoring request")
		return nil
	}
	return c.enqueue(outgoing{upload: &req})
}

func (c *Client) handlePiece(b Block) {
	key := BlockRequest{Index: b.Index, Begin: b.Begin, Length: len(b.Data)}

	c.mu.Lock()
	_, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Int("piece", b.Index).Int("begin", b.Begin).Msg("dropping unrequested block")
		return
	}
	if c.cfg.Sink == nil {
		return
	}
	if err := c.cfg.Sink.WriteBlock(b.Index, b.Begin, b.Data); err != nil {
		c.log.Warn().Err(err).Int("piece", b.Index).Int("begin", b.Begin).Msg("storing block")
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	keepAlive := time.NewTicker(c.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		var out outgoing
		select {
		case <-c.closed:
			return
		case <-keepAlive.C:
		case out = <-c.outbox:
		}

		msg := out.msg
		if out.upload != nil {
			if msg = c.prepareUpload(ctx, *out.upload); msg == nil {
				continue
			}
		}
		if err := c.write(msg); err != nil {
			c.closeWithError(c.classify(err))
			return
		}
		keepAlive.Reset(c.cfg.KeepAlive)

		if out.upload != nil && c.cfg.Hooks.OnUpload != nil {
			c.cfg.Hooks.OnUpload(c, out.upload.Length)
		}
	}
}

// prepareUpload reads a block the peer asked for. It returns nil when the
// request was cancelled or choked in the meantime.
func (c *Client) prepareUpload(ctx context.Context, req BlockRequest) *Message {
	c.mu.Lock()
	_, ok := c.peerRequests[req]
	delete(c.peerRequests, req)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	data, err := c.cfg.Source.ReadBlock(req.Index, req.Begin, req.Length)
	if err != nil {
		c.log.Warn().Err(err).Int("piece", req.Index).Int("begin", req.Begin).Msg("reading block")
		return nil
	}
	if c.cfg.UploadLimiter != nil {
		if err := c.cfg.UploadLimiter.WaitN(ctx, len(data)); err != nil {
			return nil
		}
	}
	return FormatPiece(req.Index, req.Begin, data)
}

func (c *Client) write(m *Message) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
		return err
	}
	c.log.Trace().Stringer("msg", m).Msg("send")
	_, err := c.conn.Write(m.Serialize())
	return err
}

func (c *Client) enqueue(out outgoing) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.outbox <- out:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

func (c *Client) send(m *Message) error {
	return c.enqueue(outgoing{msg: m})
}

// SendRequest asks the peer for a block. It fails without sending anything if
// the peer is choking us or has not announced the piece.
func (c *Client) SendRequest(index, begin, length int) error {
	c.mu.Lock()
	err := c.canRequest(index, length)
	if err == nil {
		c.pending[BlockRequest{Index: index, Begin: begin, Length: length}] = struct{}{}
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.send(FormatRequest(index, begin, length))
}

func (c *Client) canRequest(index, length int) error {
	switch {
	case c.state == StateClosed:
		return ErrClosed
	case c.state != StateReady:
		return fmt.Errorf("request in state %s", c.state)
	case c.flags.PeerChoking:
		return ErrChoked
	case !c.bitfield.Has(index):
		return fmt.Errorf("%w: %d", ErrPieceUnavailable, index)
	case length <= 0 || length > MaxRequestLength:
		return fmt.Errorf("invalid block length %d", length)
	}
	return nil
}

func (c *Client) SendCancel(index, begin, length int) error {
	c.mu.Lock()
	delete(c.pending, BlockRequest{Index: index, Begin: begin, Length: length})
	c.mu.Unlock()
	return c.send(FormatCancel(index, begin, length))
}

func (c *Client) SendHave(index int) error {
	return c.send(FormatHave(index))
}

func (c *Client) SendInterested() error {
	c.mu.Lock()
	c.flags.AmInterested = true
	c.mu.Unlock()
	return c.send(&Message{ID: MsgInterested})
}

func (c *Client) SendNotInterested() error {
	c.mu.Lock()
	c.flags.AmInterested = false
	c.mu.Unlock()
	return c.send(&Message{ID: MsgNotInterested})
}

// SendChoke chokes the peer and drops its queued requests.
func (c *Client) SendChoke() error {
	c.mu.Lock()
	c.flags.AmChoking = true
	clear(c.peerRequests)
	c.mu.Unlock()
	return c.send(&Message{ID: MsgChoke})
}

func (c *Client) SendUnchoke() error {
	c.mu.Lock()
	c.flags.AmChoking = false
	c.mu.Unlock()
	return c.send(&Message{ID: MsgUnchoke})
}

func (c *Client) SendKeepAlive() error {
	return c.send(nil)
}

// Close closes the connection. It is safe to call from any goroutine and more than once.
func (c *Client) Close() error {
	c.closeWithError(ErrClosed)
	return nil
}

// closeWithError closes the connection once and returns the first recorded cause.
func (c *Client) closeWithError(err error) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.state = StateClosed
		conn := c.conn
		c.bitfield = bitfield.New(c.cfg.NumPieces)
		clear(c.pending)
		clear(c.peerRequests)
		c.mu.Unlock()

		c.closeErr = &PeerError{Addr: c.addr, State: prev, Err: err}
		close(c.closed)
		if conn != nil {
			conn.Close()
		}
		c.log.Debug().Err(err).Stringer("state", prev).Msg("connection closed")
	})
	return c.closeErr
}

func (c *Client) classify(err error) error {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: no traffic for %s", ErrTimeout, c.cfg.IdleTimeout)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) PeerID() [20]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Bitfield returns a copy of the pieces the peer has announced.
func (c *Client) Bitfield() *bitfield.Bitfield {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitfield.Clone()
}

func (c *Client) PeerHas(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitfield.Has(index)
}

func (c *Client) Flags() Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// Choked reports whether the peer is choking us.
func (c *Client) Choked() bool {
	return c.Flags().PeerChoking
}

// Done is closed once the connection is closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns the reason the connection closed, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}
