package client

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// BlockSize is the request size used when downloading a piece.
	BlockSize = 16 * 1024
	// MaxRequestLength is the largest block we request or serve.
	MaxRequestLength = 128 * 1024
	// MaxMessageLength bounds a frame unless the bitfield of a large torrent needs more.
	MaxMessageLength = MaxRequestLength + 9
)

type messageID uint8

const (
	MsgChoke         messageID = 0
	MsgUnchoke       messageID = 1
	MsgInterested    messageID = 2
	MsgNotInterested messageID = 3
	MsgHave          messageID = 4
	MsgBitfield      messageID = 5
	MsgRequest       messageID = 6
	MsgPiece         messageID = 7
	MsgCancel        messageID = 8
)

func (id messageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// Message is one length-prefixed frame. A nil *Message is a keep-alive.
type Message struct {
	ID      messageID
	Payload []byte
}

// BlockRequest identifies a block within a piece, as carried by request and cancel.
type BlockRequest struct {
	Index  int
	Begin  int
	Length int
}

// Block is the payload of a piece message.
type Block struct {
	Index int
	Begin int
	Data  []byte
}

func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}

	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

func (m *Message) String() string {
	if m == nil {
		return "keep-alive"
	}
	return fmt.Sprintf("%s [%d]", m.ID, len(m.Payload))
}

// Read reads one frame. It returns (nil, nil) for a keep-alive. Frames longer
// than maxLength, unknown ids and payloads of the wrong size are protocol
// violations; a maxLength of 0 means MaxMessageLength.
func Read(r io.Reader, maxLength uint32) (*Message, error) {
	if maxLength == 0 {
		maxLength = MaxMessageLength
	}

	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf)

	if length == 0 {
		return nil, nil
	}
	if length > maxLength {
		return nil, fmt.Errorf("%w: frame length %d exceeds %d", ErrProtocolViolation, length, maxLength)
	}

	messageBuf := make([]byte, length)
	if _, err := io.ReadFull(r, messageBuf); err != nil {
		return nil, err
	}

	m := &Message{
		ID:      messageID(messageBuf[0]),
		Payload: messageBuf[1:],
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) validate() error {
	var want int
	switch m.ID {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		want = 0
	case MsgHave:
		want = 4
	case MsgRequest, MsgCancel:
		want = 12
	case MsgBitfield:
		if len(m.Payload) == 0 {
			return fmt.Errorf("%w: empty bitfield", ErrProtocolViolation)
		}
		return nil
	case MsgPiece:
		if len(m.Payload) < 8 {
			return fmt.Errorf("%w: piece payload of %d bytes", ErrProtocolViolation, len(m.Payload))
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown message id %d", ErrProtocolViolation, uint8(m.ID))
	}

	if len(m.Payload) != want {
		return fmt.Errorf("%w: %s payload of %d bytes, want %d", ErrProtocolViolation, m.ID, len(m.Payload), want)
	}
	return nil
}

func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

func FormatRequest(index, begin, length int) *Message {
	return formatBlockRequest(MsgRequest, index, begin, length)
}

func FormatCancel(index, begin, length int) *Message {
	return formatBlockRequest(MsgCancel, index, begin, length)
}

func formatBlockRequest(id messageID, index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: id, Payload: payload}
}

func FormatPiece(index, begin int, data []byte) *Message {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], data)
	return &Message{ID: MsgPiece, Payload: payload}
}

func FormatBitfield(bits []byte) *Message {
	return &Message{ID: MsgBitfield, Payload: append([]byte(nil), bits...)}
}

func ParseHave(m *Message) (int, error) {
	if m.ID != MsgHave || len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: malformed have", ErrProtocolViolation)
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParseRequest decodes a request or cancel payload.
func ParseRequest(m *Message) (BlockRequest, error) {
	if (m.ID != MsgRequest && m.ID != MsgCancel) || len(m.Payload) != 12 {
		return BlockRequest{}, fmt.Errorf("%w: malformed %s", ErrProtocolViolation, m.ID)
	}
	return BlockRequest{
		Index:  int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(m.Payload[4:8])),
		Length: int(binary.BigEndian.Uint32(m.Payload[8:12])),
	}, nil
}

func ParsePiece(m *Message) (Block, error) {
	if m.ID != MsgPiece || len(m.Payload) < 8 {
		return Block{}, fmt.Errorf("%w: malformed piece", ErrProtocolViolation)
	}
	return Block{
		Index: int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin: int(binary.BigEndian.Uint32(m.Payload[4:8])),
		Data:  m.Payload[8:],
	}, nil
}
