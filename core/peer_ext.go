package core

// BEP10 Extension Protocol support. The base handshake's reserved[5]&0x10
// bit is parsed and reported (Peer.SupportsExtensionProtocol), and an
// extended handshake is sent so well-behaved remote peers see us
// correctly as LTEP-capable, but the "m" dictionary we advertise is empty:
// no extension message (ut_metadata, ut_pex, …) is implemented on top of
// it.

const clientVersionString = "gotorrent 1.0"

// NewExtendedHandshakeMessage builds the BEP10 handshake payload: an
// Extended message (id 20) whose first payload byte is the extension
// message id 0, followed by the bencoded handshake dictionary.
func NewExtendedHandshakeMessage(listenPort uint16) (Message, error) {
	dict := map[string]interface{}{
		"m": map[string]interface{}{},
		"v": clientVersionString,
		"p": int64(listenPort),
	}
	encoded, err := BEncode(dict)
	if err != nil {
		return Message{}, err
	}

	payload := make([]byte, 1+len(encoded))
	payload[0] = 0
	copy(payload[1:], encoded)
	return Message{Id: MsgExtended, Payload: payload}, nil
}

// SendExtendedHandshake sends the extended handshake if both sides
// advertised BEP10 support during the base handshake. A no-op otherwise.
func (p *Peer) SendExtendedHandshake() error {
	if !p.SupportsExtensionProtocol() || !p.config.ExtensionProtocol {
		return nil
	}
	msg, err := NewExtendedHandshakeMessage(p.config.Port)
	if err != nil {
		return err
	}
	return p.sendMessage(msg)
}
