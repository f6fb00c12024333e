package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"bitTorrentPeer/bencode"
	"bitTorrentPeer/torrent"
	"bitTorrentPeer/torrentFile"
)

var version = "dev"

const peerIDPrefix = "-BP0001-"

type config struct {
	torrentPath string
	out         string
	seedPath    string
	port        int
	timeout     time.Duration
	uploadRate  int
	dump        bool
	lenient     bool
	debug       bool
	showVersion bool
}

// parseFlags parses command-line flags and returns configuration.
// Default values are read from environment variables:
//   - TORRENT_PEER__PORT: listening port (must be > 0)
//   - TORRENT_PEER__OUT: output file, defaults to the torrent name
//   - TORRENT_PEER__TIMEOUT: peer idle timeout
//   - TORRENT_PEER__UPLOAD_RATE: upload cap in bytes per second
//   - TORRENT_PEER__LENIENT: accept unsorted dictionary keys if set
//   - DEBUG: enables debug logs if set
func parseFlags(args []string) config {
	defaultPort := 6881
	if p, err := strconv.Atoi(os.Getenv("TORRENT_PEER__PORT")); err == nil && p > 0 && p < 65536 {
		defaultPort = p
	}

	defaultOut := os.Getenv("TORRENT_PEER__OUT")

	defaultTimeout := 2 * time.Minute
	if d, err := time.ParseDuration(os.Getenv("TORRENT_PEER__TIMEOUT")); err == nil && d > 0 {
		defaultTimeout = d
	}

	defaultRate := 0
	if r, err := strconv.Atoi(os.Getenv("TORRENT_PEER__UPLOAD_RATE")); err == nil && r > 0 {
		defaultRate = r
	}

	lenientDefault := os.Getenv("TORRENT_PEER__LENIENT") != ""

	debugDefault := os.Getenv("DEBUG") != ""

	fs := flag.NewFlagSet("bittorrent-peer", flag.ExitOnError)
	port := fs.Int("port", defaultPort, "port to accept peers on [env TORRENT_PEER__PORT]")
	fs.IntVar(port, "p", defaultPort, "alias to -port")

	out := fs.String("out", defaultOut, "where to save the download [env TORRENT_PEER__OUT]")
	fs.StringVar(out, "o", defaultOut, "alias to -out")

	timeout := fs.Duration("timeout", defaultTimeout, "peer idle timeout [env TORRENT_PEER__TIMEOUT]")

	uploadRate := fs.Int("upload-rate", defaultRate, "upload limit in bytes/s, 0 is unlimited [env TORRENT_PEER__UPLOAD_RATE]")

	seed := fs.String("seed", "", "seed this file instead of downloading")

	dump := fs.Bool("dump", false, "print the torrent structure and exit")

	lenient := fs.Bool("lenient", lenientDefault,
		"accept torrents and tracker replies with unsorted keys [env TORRENT_PEER__LENIENT]")

	debug := fs.Bool("debug", debugDefault, "enable debug logs [env DEBUG]")
	fs.BoolVar(debug, "d", debugDefault, "alias to -debug")

	showVersion := fs.Bool("version", false, "print version")
	fs.BoolVar(showVersion, "v", false, "alias to -version")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "\nBitTorrent peer: %s\nusage: bittorrent-peer [flags] <file.torrent>\n\n", version)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
	}

	//nolint:errcheck // ExitOnError exits on bad flags
	_ = fs.Parse(args)

	if *port <= 0 || *port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port %d, using %d\n", *port, defaultPort)
		*port = defaultPort
	}

	return config{
		torrentPath: fs.Arg(0),
		out:         *out,
		seedPath:    *seed,
		port:        *port,
		timeout:     *timeout,
		uploadRate:  *uploadRate,
		dump:        *dump,
		lenient:     *lenient,
		debug:       *debug,
		showVersion: *showVersion,
	}
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

func newPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	if _, err := rand.Read(id[len(peerIDPrefix):]); err != nil {
		return id, fmt.Errorf("generating peer id: %w", err)
	}
	return id, nil
}

func (cfg config) decoderOptions() []bencode.Option {
	if cfg.lenient {
		return []bencode.Option{bencode.WithStrictKeys(false)}
	}
	return nil
}

func logTorrent(log zerolog.Logger, mi *torrentFile.MetaInfo) {
	ev := log.Info().
		Str("name", mi.Name).
		Int("pieces", mi.NumPieces()).
		Int64("piece_length", mi.PieceLength).
		Int64("size", mi.TotalLength).
		Str("info_hash", hex.EncodeToString(mi.InfoHash[:]))
	if mi.Comment != "" {
		ev = ev.Str("comment", mi.Comment)
	}
	if mi.CreatedBy != "" {
		ev = ev.Str("created_by", mi.CreatedBy)
	}
	if mi.CreationDate > 0 {
		ev = ev.Time("created", time.Unix(mi.CreationDate, 0).UTC())
	}
	ev.Msg("loaded torrent")
}

func run(ctx context.Context, cfg config, log zerolog.Logger) error {
	if cfg.torrentPath == "" {
		return errors.New("missing torrent file argument")
	}

	mi, err := torrentFile.Open(cfg.torrentPath, uint16(cfg.port), cfg.decoderOptions()...)
	if err != nil {
		return err
	}

	if cfg.dump {
		return bencode.Dump(os.Stdout, mi.Root)
	}
	logTorrent(log, mi)

	peerID, err := newPeerID()
	if err != nil {
		return err
	}

	t := torrent.New(mi, torrent.Config{
		PeerID:      peerID,
		IdleTimeout: cfg.timeout,
		UploadRate:  cfg.uploadRate,
		Logger:      &log,
	})

	seeding := cfg.seedPath != ""
	if seeding {
		data, err := os.ReadFile(cfg.seedPath)
		if err != nil {
			return err
		}
		if err := t.Load(data); err != nil {
			return err
		}
	}

	tracker := newAnnouncer(mi, peerID, cfg.decoderOptions(), log)
	resp, err := tracker.announce(ctx, t.Stats(), "started")
	if err != nil {
		return err
	}
	defer tracker.stop(t)

	added := t.AddPeers(resp.Peers)
	log.Info().Int("peers", added).Dur("interval", resp.Interval).Msg("tracker answered")

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	go tracker.loop(loopCtx, t, max(resp.Interval, resp.MinInterval))

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.port)))
	if err != nil {
		return fmt.Errorf("listening for peers: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- t.Serve(loopCtx, ln)
	}()

	if seeding {
		log.Info().Msg("seeding")
		return <-serveErr
	}

	if err := t.Download(ctx); err != nil {
		return err
	}
	if _, err := tracker.announce(ctx, t.Stats(), "completed"); err != nil {
		log.Warn().Err(err).Msg("completed announce failed")
	}

	out := cfg.out
	if out == "" {
		out = mi.Name
	}
	if err := os.WriteFile(out, t.Data(), 0o644); err != nil {
		return fmt.Errorf("saving download: %w", err)
	}
	stats := t.Stats()
	log.Info().Str("file", out).Int64("downloaded", stats.Downloaded).Int64("uploaded", stats.Uploaded).Msg("saved")
	return nil
}

func main() {
	cfg := parseFlags(os.Args[1:])

	if cfg.showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	log := newLogger(cfg.debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("exiting")
		stop()
		os.Exit(1)
	}
}
