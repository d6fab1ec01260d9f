package core

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MessageID identifies a peer wire protocol message. Values match the
// BitTorrent base protocol; ids outside this set decode to MsgInvalid.
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgExtended      MessageID = 20
	MsgInvalid       MessageID = 255
)

// MaxMessageLength bounds a single frame's declared length; callers reject
// any frame whose length exceeds Config.MaxMessageLength before reading it.
const MaxMessageLength = 1 << 17

// Message is one peer wire protocol frame: an id plus its payload. A
// Message whose Id is MsgInvalid and whose payload is empty represents a
// keep-alive when serialized (only the 4-byte zero length is written); a
// zero-value Message has Id 0 and encodes as a Choke.
type Message struct {
	Id      MessageID
	Payload []byte
}

// NewKeepAlive returns the sentinel keep-alive message.
func NewKeepAlive() Message {
	return Message{Id: MsgInvalid, Payload: nil}
}

// Int reads the big-endian uint32 at payload offset i*4, mirroring the
// original implementation's templated get_int<T>(index) accessor.
func (m Message) Int(i int) uint32 {
	off := i * 4
	if off+4 > len(m.Payload) {
		return 0
	}
	return binary.BigEndian.Uint32(m.Payload[off : off+4])
}

// PutInt writes v as a big-endian uint32 at payload offset i*4. The
// payload must already be sized to hold it.
func (m Message) PutInt(i int, v uint32) {
	off := i * 4
	binary.BigEndian.PutUint32(m.Payload[off:off+4], v)
}

// Encode serializes the message into a wire frame: u32 big-endian length,
// then id byte, then payload. A keep-alive is encoded as a bare 4-byte
// zero length.
func (m Message) Encode() []byte {
	if m.Id == MsgInvalid && len(m.Payload) == 0 {
		return []byte{0, 0, 0, 0}
	}

	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(m.Payload)))
	buf[4] = byte(m.Id)
	copy(buf[5:], m.Payload)
	return buf
}

// NewHaveMessage builds a Have(piece_index) message.
func NewHaveMessage(pieceIndex uint32) Message {
	m := Message{Id: MsgHave, Payload: make([]byte, 4)}
	m.PutInt(0, pieceIndex)
	return m
}

// NewBitfieldMessage builds a Bitfield message carrying the packed bits.
func NewBitfieldMessage(bits []byte) Message {
	payload := make([]byte, len(bits))
	copy(payload, bits)
	return Message{Id: MsgBitfield, Payload: payload}
}

// NewRequestMessage builds a Request(index, begin, length) message.
func NewRequestMessage(index, begin, length uint32) Message {
	m := Message{Id: MsgRequest, Payload: make([]byte, 12)}
	m.PutInt(0, index)
	m.PutInt(1, begin)
	m.PutInt(2, length)
	return m
}

// NewCancelMessage builds a Cancel(index, begin, length) message; the wire
// shape is identical to Request.
func NewCancelMessage(index, begin, length uint32) Message {
	m := NewRequestMessage(index, begin, length)
	m.Id = MsgCancel
	return m
}

// NewPieceMessage builds a Piece(index, begin, block) message.
func NewPieceMessage(index, begin uint32, block []byte) Message {
	payload := make([]byte, 8+len(block))
	m := Message{Id: MsgPiece, Payload: payload}
	m.PutInt(0, index)
	m.PutInt(1, begin)
	copy(payload[8:], block)
	return m
}

// DecodeMessageBody decodes a frame's id byte plus body (the bytes after
// the 4-byte length prefix) into a Message. Unknown ids become MsgInvalid
// with the raw body retained, rather than an error, matching the base
// protocol's "unknown messages are dropped, not fatal" rule.
func DecodeMessageBody(body []byte) (Message, error) {
	if len(body) == 0 {
		return Message{}, errors.New("message: empty frame body")
	}
	id := MessageID(body[0])
	payload := body[1:]

	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested,
		MsgHave, MsgBitfield, MsgRequest, MsgPiece, MsgCancel, MsgExtended:
		return Message{Id: id, Payload: payload}, nil
	default:
		return Message{Id: MsgInvalid, Payload: payload}, nil
	}
}

// ReadFrameLength decodes the 4-byte big-endian length prefix.
func ReadFrameLength(b [4]byte) uint32 {
	return binary.BigEndian.Uint32(b[:])
}
