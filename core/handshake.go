package core

import (
	"bytes"

	"github.com/pkg/errors"
)

const (
	// Protocol is the fixed pstr of the BitTorrent wire handshake.
	Protocol = "BitTorrent protocol"

	// HandshakeLength is the fixed size of a handshake message:
	// 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info_hash) + 20 (peer_id).
	HandshakeLength = 68

	// extensionProtocolBit is reserved[5] & 0x10, advertising BEP10 support.
	extensionProtocolBit = 0x10
)

// Handshake is the parsed 68-byte peer wire handshake.
type Handshake struct {
	Pstr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerId   [20]byte
}

// BuildHandshake lays out the 68-byte handshake buffer. infoHash and peerId
// must each be exactly 20 bytes. extensionProtocol sets reserved[5]&0x10
// per BEP10; the base implementation never sets any other reserved bit.
func BuildHandshake(infoHash, peerId []byte, extensionProtocol bool) ([]byte, error) {
	if len(infoHash) != 20 {
		return nil, errors.Errorf("handshake: info hash must be 20 bytes, got %d", len(infoHash))
	}
	if len(peerId) != 20 {
		return nil, errors.Errorf("handshake: peer id must be 20 bytes, got %d", len(peerId))
	}

	buf := make([]byte, HandshakeLength)
	buf[0] = byte(len(Protocol))
	copy(buf[1:20], Protocol)
	if extensionProtocol {
		buf[20+5] = extensionProtocolBit
	}
	copy(buf[28:48], infoHash)
	copy(buf[48:68], peerId)
	return buf, nil
}

// ParseHandshake decodes a 68-byte handshake buffer.
func ParseHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLength {
		return Handshake{}, errors.Errorf("handshake: expected %d bytes, got %d", HandshakeLength, len(buf))
	}

	var h Handshake
	pstrlen := int(buf[0])
	if pstrlen > 19 || 1+pstrlen > len(buf) {
		return Handshake{}, errors.New("handshake: invalid pstrlen")
	}
	h.Pstr = string(buf[1 : 1+pstrlen])
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerId[:], buf[48:68])
	return h, nil
}

// SupportsExtensionProtocol reports BEP10 support per the reserved bit.
func (h Handshake) SupportsExtensionProtocol() bool {
	return h.Reserved[5]&extensionProtocolBit != 0
}

// Verify checks the handshake's protocol string and info hash against what
// we expect, returning a descriptive error on mismatch.
func (h Handshake) Verify(wantInfoHash []byte) error {
	if h.Pstr != Protocol {
		return errors.Errorf("handshake: unexpected protocol string %q", h.Pstr)
	}
	if !bytes.Equal(h.InfoHash[:], wantInfoHash) {
		return errors.Errorf("handshake: info hash mismatch, want %x got %x", wantInfoHash, h.InfoHash)
	}
	return nil
}
