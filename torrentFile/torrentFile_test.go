package torrentFile

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"bitTorrentPeer/bencode"
)

// buildTorrent returns a minimal single-file torrent and its info dictionary.
func buildTorrent(t *testing.T, length, pieceLength int64, numHashes int) (*bencode.Node, *bencode.Node) {
	t.Helper()

	info := bencode.NewDict()
	info.Set("name", bencode.NewString("sample.bin"))
	info.Set("piece length", bencode.NewInt(pieceLength))
	info.Set("length", bencode.NewInt(length))
	info.Set("pieces", bencode.NewBytes(bytes.Repeat([]byte{0x11}, 20*numHashes)))

	root := bencode.NewDict()
	root.Set("announce", bencode.NewString("http://tracker.example/announce"))
	root.Set("comment", bencode.NewString("test torrent"))
	root.Set("created by", bencode.NewString("mktorrent 1.1"))
	root.Set("creation date", bencode.NewInt(1700000000))
	root.Set("info", info)
	return root, info
}

func encode(t *testing.T, n *bencode.Node) []byte {
	t.Helper()
	buf, err := bencode.Encode(n)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	return buf
}

func TestParse(t *testing.T) {
	root, info := buildTorrent(t, 40000, 16384, 3)

	mi, err := Parse(encode(t, root), 6881)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if mi.Name != "sample.bin" {
		t.Errorf("Name = %q, want sample.bin", mi.Name)
	}
	if mi.Announce != "http://tracker.example/announce" {
		t.Errorf("Announce = %q", mi.Announce)
	}
	if mi.TotalLength != 40000 || mi.PieceLength != 16384 {
		t.Errorf("TotalLength/PieceLength = %d/%d, want 40000/16384", mi.TotalLength, mi.PieceLength)
	}
	if mi.NumPieces() != 3 {
		t.Errorf("NumPieces() = %d, want 3", mi.NumPieces())
	}
	if got := mi.PieceSize(2); got != 40000-2*16384 {
		t.Errorf("PieceSize(2) = %d, want %d", got, 40000-2*16384)
	}
	if got := mi.PieceSize(0); got != 16384 {
		t.Errorf("PieceSize(0) = %d, want 16384", got)
	}
	if mi.Port != 6881 {
		t.Errorf("Port = %d, want 6881", mi.Port)
	}

	if want := sha1.Sum(encode(t, info)); mi.InfoHash != want {
		t.Errorf("InfoHash = %x, want %x", mi.InfoHash, want)
	}
	canonical, err := mi.CanonicalInfoHash()
	if err != nil {
		t.Fatalf("CanonicalInfoHash error: %v", err)
	}
	if canonical != mi.InfoHash {
		t.Errorf("CanonicalInfoHash = %x, want raw hash %x for canonical input", canonical, mi.InfoHash)
	}

	if mi.Comment != "test torrent" || mi.CreatedBy != "mktorrent 1.1" || mi.CreationDate != 1700000000 {
		t.Errorf("descriptive fields = %+v", mi.TorrentFile)
	}
}

func TestParseMultiFile(t *testing.T) {
	file := func(length int64, path ...string) *bencode.Node {
		parts := make([]*bencode.Node, len(path))
		for i, p := range path {
			parts[i] = bencode.NewString(p)
		}
		f := bencode.NewDict()
		f.Set("length", bencode.NewInt(length))
		f.Set("path", bencode.NewList(parts...))
		return f
	}

	info := bencode.NewDict()
	info.Set("name", bencode.NewString("album"))
	info.Set("piece length", bencode.NewInt(10))
	info.Set("files", bencode.NewList(file(15, "a.flac"), file(6, "cd2", "b.flac")))
	info.Set("pieces", bencode.NewBytes(make([]byte, 60)))
	root := bencode.NewDict()
	root.Set("info", info)
	root.Set("announce-list", bencode.NewList(
		bencode.NewList(bencode.NewString("udp://a.example:80")),
		bencode.NewList(bencode.NewString("http://b.example/announce")),
	))

	mi, err := Parse(encode(t, root), 0)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if mi.TotalLength != 21 {
		t.Errorf("TotalLength = %d, want 21", mi.TotalLength)
	}
	if len(mi.Files) != 2 || mi.Files[1].Path[0] != "cd2" {
		t.Errorf("Files = %+v", mi.Files)
	}
	if len(mi.AnnounceList) != 2 {
		t.Errorf("AnnounceList = %v", mi.AnnounceList)
	}
}

func TestParseRawInfoHash(t *testing.T) {
	// The info hash covers the exact bytes of the info dictionary.
	raw := []byte("d4:infod6:lengthi3e4:name1:x12:piece lengthi4e6:pieces20:" +
		"aaaaaaaaaaaaaaaaaaaae" + "e")
	mi, err := Parse(raw, 0)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	infoRaw := raw[len("d4:info") : len(raw)-1]
	if want := sha1.Sum(infoRaw); mi.InfoHash != want {
		t.Errorf("InfoHash = %x, want %x", mi.InfoHash, want)
	}
}

func TestParseInvalid(t *testing.T) {
	t.Run("malformed encoding", func(t *testing.T) {
		if _, err := Parse([]byte("d4:info"), 0); !errors.Is(err, bencode.ErrMalformedEncoding) {
			t.Errorf("error = %v, want ErrMalformedEncoding", err)
		}
	})

	t.Run("piece count mismatch", func(t *testing.T) {
		root, _ := buildTorrent(t, 40000, 16384, 2)
		if _, err := Parse(encode(t, root), 0); !errors.Is(err, ErrInvalidMetaInfo) {
			t.Errorf("error = %v, want ErrInvalidMetaInfo", err)
		}
	})

	t.Run("pieces not a multiple of 20", func(t *testing.T) {
		root, info := buildTorrent(t, 10, 16384, 1)
		info.Set("pieces", bencode.NewBytes(make([]byte, 19)))
		if _, err := Parse(encode(t, root), 0); !errors.Is(err, ErrInvalidMetaInfo) {
			t.Errorf("error = %v, want ErrInvalidMetaInfo", err)
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		root, info := buildTorrent(t, 10, 16384, 1)
		info.Set("piece length", bencode.NewString("16384"))
		_, err := Parse(encode(t, root), 0)
		if !errors.Is(err, ErrInvalidMetaInfo) || !errors.Is(err, bencode.ErrTypeMismatch) {
			t.Errorf("error = %v, want ErrInvalidMetaInfo wrapping ErrTypeMismatch", err)
		}
	})

	t.Run("missing info", func(t *testing.T) {
		root := bencode.NewDict()
		root.Set("announce", bencode.NewString("http://x"))
		if _, err := Parse(encode(t, root), 0); !errors.Is(err, ErrInvalidMetaInfo) {
			t.Errorf("error = %v, want ErrInvalidMetaInfo", err)
		}
	})

	t.Run("missing length", func(t *testing.T) {
		info := bencode.NewDict()
		info.Set("piece length", bencode.NewInt(1))
		info.Set("pieces", bencode.NewBytes(nil))
		root := bencode.NewDict()
		root.Set("info", info)
		if _, err := Parse(encode(t, root), 0); !errors.Is(err, ErrInvalidMetaInfo) {
			t.Errorf("error = %v, want ErrInvalidMetaInfo", err)
		}
	})
}

func TestOpen(t *testing.T) {
	root, _ := buildTorrent(t, 100, 100, 1)
	path := filepath.Join(t.TempDir(), "sample.torrent")
	if err := os.WriteFile(path, encode(t, root), 0o644); err != nil {
		t.Fatal(err)
	}

	mi, err := Open(path, 51413)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if mi.NumPieces() != 1 || mi.Port != 51413 {
		t.Errorf("NumPieces/Port = %d/%d", mi.NumPieces(), mi.Port)
	}

	if _, err := Open(filepath.Join(t.TempDir(), "missing.torrent"), 0); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v, want os.ErrNotExist", err)
	}
}

func TestParseUnsortedKeys(t *testing.T) {
	// "info" comes before "announce"
	raw := []byte("d4:infod6:lengthi3e4:name1:a12:piece lengthi4e6:pieces20:aaaaaaaaaaaaaaaaaaaae" +
		"8:announce17:http://t/announcee")

	if _, err := Parse(raw, 0); !errors.Is(err, bencode.ErrMalformedEncoding) {
		t.Errorf("strict Parse error = %v, want ErrMalformedEncoding", err)
	}

	mi, err := Parse(raw, 0, bencode.WithStrictKeys(false))
	if err != nil {
		t.Fatalf("lenient Parse error: %v", err)
	}
	if mi.Announce != "http://t/announce" || mi.Name != "a" || mi.NumPieces() != 1 {
		t.Errorf("unexpected metainfo %+v", mi)
	}
}
