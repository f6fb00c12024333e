package bencode

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxDumpBytes = 32

// Dump writes an indented, human-readable rendering of n to w.
func Dump(w io.Writer, n *Node) error {
	bw := bufio.NewWriter(w)
	dump(bw, n, "", 0)
	return bw.Flush()
}

func (n *Node) String() string {
	var sb strings.Builder
	_ = Dump(&sb, n)
	return sb.String()
}

func dump(w *bufio.Writer, n *Node, key string, depth int) {
	indent := strings.Repeat("  ", depth)
	switch n.Kind() {
	case Integer:
		fmt.Fprintf(w, "%s%d\n", indent, n.integer)
	case ByteString:
		switch {
		case key == "pieces" && len(n.str) >= 20 && len(n.str)%20 == 0:
			fmt.Fprintf(w, "%s%s... (%d hashes)\n", indent, hex.EncodeToString(n.str[:20]), len(n.str)/20)
		case key == "peers" && len(n.str)%6 == 0:
			for i := 0; i < len(n.str); i += 6 {
				ip := net.IP(n.str[i : i+4])
				port := binary.BigEndian.Uint16(n.str[i+4 : i+6])
				fmt.Fprintf(w, "%s%s\n", indent, net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
			}
		default:
			fmt.Fprintf(w, "%s%s\n", indent, formatBytes(n.str))
		}
	case List:
		fmt.Fprintf(w, "%s[\n", indent)
		for _, item := range n.list {
			dump(w, item, "", depth+1)
		}
		fmt.Fprintf(w, "%s]\n", indent)
	case Dictionary:
		fmt.Fprintf(w, "%s{\n", indent)
		for _, e := range n.dict {
			k := string(e.Key)
			if e.Value.Kind() == List || e.Value.Kind() == Dictionary || k == "peers" {
				fmt.Fprintf(w, "%s  %s:\n", indent, formatBytes(e.Key))
				dump(w, e.Value, k, depth+1)
				continue
			}
			fmt.Fprintf(w, "%s  %s: ", indent, formatBytes(e.Key))
			dump(w, e.Value, k, 0)
		}
		fmt.Fprintf(w, "%s}\n", indent)
	default:
		fmt.Fprintf(w, "%s<invalid>\n", indent)
	}
}

func formatBytes(b []byte) string {
	if printable(b) {
		return strconv.Quote(string(b))
	}
	if len(b) > maxDumpBytes {
		return fmt.Sprintf("%s... (%d bytes)", hex.EncodeToString(b[:maxDumpBytes]), len(b))
	}
	return hex.EncodeToString(b)
}

func printable(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
