package torrentFile

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"

	jackpal "github.com/jackpal/bencode-go"

	"bitTorrentPeer/bencode"
	"bitTorrentPeer/peers"
)

var ErrInvalidMetaInfo = errors.New("invalid metainfo")

// TorrentFile holds the optional descriptive fields of a .torrent file.
type TorrentFile struct {
	CreationDate int64  `bencode:"creation date"`
	Comment      string `bencode:"comment"`
	CreatedBy    string `bencode:"created by"`
	Encoding     string `bencode:"encoding"`
}

type FileInfo struct {
	Length int64
	Path   []string
}

// MetaInfo is everything derived from a .torrent file that a download needs.
type MetaInfo struct {
	TorrentFile

	Announce     string
	AnnounceList [][]string
	Name         string
	PieceLength  int64
	TotalLength  int64
	Files        []FileInfo
	PieceHashes  [][20]byte

	// InfoHash is the SHA-1 of the info dictionary exactly as it appeared in the file.
	InfoHash [20]byte
	// Port is the local listening port announced to trackers.
	Port  uint16
	Peers *peers.Set
	Root  *bencode.Node
}

func Open(path string, port uint16, opts ...bencode.Option) (*MetaInfo, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error while reading torrent file: %w", err)
	}

	mi, err := Parse(buf, port, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mi, nil
}

// Parse decodes a .torrent file and derives its metadata. Nothing is returned
// unless every required field is present and consistent. opts tune the
// decoder, e.g. bencode.WithStrictKeys(false) for files with unsorted keys.
func Parse(buf []byte, port uint16, opts ...bencode.Option) (*MetaInfo, error) {
	root, err := bencode.NewDecoder(opts...).DecodeAll(buf)
	if err != nil {
		return nil, err
	}
	if !root.IsDict() {
		return nil, fmt.Errorf("%w: top level is a %s, want dictionary", ErrInvalidMetaInfo, root.Kind())
	}

	mi := &MetaInfo{Port: port, Peers: peers.NewSet(), Root: root}
	if err := jackpal.Unmarshal(bytes.NewReader(buf), &mi.TorrentFile); err != nil {
		return nil, fmt.Errorf("%w: descriptive fields: %w", ErrInvalidMetaInfo, err)
	}

	if mi.Announce, err = optionalString(root, "announce"); err != nil {
		return nil, err
	}
	if mi.AnnounceList, err = announceList(root); err != nil {
		return nil, err
	}

	info, ok := root.Get("info")
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrInvalidMetaInfo, "info")
	}
	if !info.IsDict() {
		return nil, fmt.Errorf("%w: %q is a %s, want dictionary", ErrInvalidMetaInfo, "info", info.Kind())
	}
	if err := mi.parseInfo(info); err != nil {
		return nil, err
	}

	mi.InfoHash = sha1.Sum(info.Raw())
	return mi, nil
}

func (mi *MetaInfo) parseInfo(info *bencode.Node) error {
	var err error
	if mi.Name, err = optionalString(info, "name"); err != nil {
		return err
	}

	if mi.PieceLength, err = requireInt(info, "piece length"); err != nil {
		return err
	}
	if mi.PieceLength <= 0 {
		return fmt.Errorf("%w: piece length %d", ErrInvalidMetaInfo, mi.PieceLength)
	}

	pieces, err := requireBytes(info, "pieces")
	if err != nil {
		return err
	}
	if len(pieces)%sha1.Size != 0 {
		return fmt.Errorf("%w: pieces length %d is not a multiple of %d", ErrInvalidMetaInfo, len(pieces), sha1.Size)
	}
	mi.PieceHashes = make([][20]byte, len(pieces)/sha1.Size)
	for i := range mi.PieceHashes {
		copy(mi.PieceHashes[i][:], pieces[i*sha1.Size:])
	}

	if err := mi.parseLength(info); err != nil {
		return err
	}

	want := (mi.TotalLength + mi.PieceLength - 1) / mi.PieceLength
	if int64(len(mi.PieceHashes)) != want {
		return fmt.Errorf("%w: %d piece hashes for %d bytes at piece length %d, want %d",
			ErrInvalidMetaInfo, len(mi.PieceHashes), mi.TotalLength, mi.PieceLength, want)
	}
	return nil
}

// parseLength handles both the single-file length and the multi-file files list.
func (mi *MetaInfo) parseLength(info *bencode.Node) error {
	if _, ok := info.Get("length"); ok {
		length, err := requireInt(info, "length")
		if err != nil {
			return err
		}
		if length < 0 {
			return fmt.Errorf("%w: negative length %d", ErrInvalidMetaInfo, length)
		}
		mi.TotalLength = length
		return nil
	}

	filesNode, ok := info.Get("files")
	if !ok {
		return fmt.Errorf("%w: missing both %q and %q", ErrInvalidMetaInfo, "length", "files")
	}
	files, err := filesNode.List()
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidMetaInfo, "files", err)
	}

	for i, f := range files {
		length, err := requireInt(f, "length")
		if err != nil {
			return fmt.Errorf("file %d: %w", i, err)
		}
		if length < 0 {
			return fmt.Errorf("%w: file %d: negative length %d", ErrInvalidMetaInfo, i, length)
		}
		pathNode, ok := f.Get("path")
		if !ok {
			return fmt.Errorf("%w: file %d: missing %q", ErrInvalidMetaInfo, i, "path")
		}
		path, err := stringList(pathNode)
		if err != nil {
			return fmt.Errorf("%w: file %d path: %w", ErrInvalidMetaInfo, i, err)
		}

		mi.Files = append(mi.Files, FileInfo{Length: length, Path: path})
		mi.TotalLength += length
	}
	return nil
}

func (mi *MetaInfo) NumPieces() int {
	return len(mi.PieceHashes)
}

// PieceSize is the length of piece index; only the last piece may be short.
func (mi *MetaInfo) PieceSize(index int) int64 {
	if index < 0 || index >= len(mi.PieceHashes) {
		return 0
	}
	begin := int64(index) * mi.PieceLength
	return min(mi.PieceLength, mi.TotalLength-begin)
}

// CanonicalInfoHash hashes the canonical re-encoding of the info dictionary.
// It differs from InfoHash only for files that were not canonically encoded.
func (mi *MetaInfo) CanonicalInfoHash() ([20]byte, error) {
	info, ok := mi.Root.Get("info")
	if !ok {
		return [20]byte{}, fmt.Errorf("%w: missing %q", ErrInvalidMetaInfo, "info")
	}

	var buf bytes.Buffer
	if err := bencode.EncodeTo(&buf, info); err != nil {
		return [20]byte{}, err
	}
	return sha1.Sum(buf.Bytes()), nil
}

// AddPeers records tracker-supplied peers and returns how many were new.
func (mi *MetaInfo) AddPeers(list []peers.Peer) int {
	return mi.Peers.Add(list...)
}

func requireInt(dict *bencode.Node, key string) (int64, error) {
	n, ok := dict.Get(key)
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrInvalidMetaInfo, key)
	}
	v, err := n.Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidMetaInfo, key, err)
	}
	return v, nil
}

func requireBytes(dict *bencode.Node, key string) ([]byte, error) {
	n, ok := dict.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrInvalidMetaInfo, key)
	}
	b, err := n.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidMetaInfo, key, err)
	}
	return b, nil
}

func optionalString(dict *bencode.Node, key string) (string, error) {
	n, ok := dict.Get(key)
	if !ok {
		return "", nil
	}
	s, err := n.Str()
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidMetaInfo, key, err)
	}
	return s, nil
}

func announceList(root *bencode.Node) ([][]string, error) {
	n, ok := root.Get("announce-list")
	if !ok {
		return nil, nil
	}
	tiers, err := n.List()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidMetaInfo, "announce-list", err)
	}

	out := make([][]string, 0, len(tiers))
	for _, tier := range tiers {
		urls, err := stringList(tier)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidMetaInfo, "announce-list", err)
		}
		out = append(out, urls)
	}
	return out, nil
}

func stringList(n *bencode.Node) ([]string, error) {
	items, err := n.List()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, item := range items {
		if out[i], err = item.Str(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
