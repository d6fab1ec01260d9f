package core

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PeerManager owns every live Peer connection for one torrent: it dials
// out to endpoints discovered via trackers, accepts incoming connections
// on the client's listen port, and performs the base handshake both
// ways before handing a verified connection off to a Peer.
type PeerManager struct {
	metadata *Metadata
	pieces   *Pieces
	config   Config
	peerId   []byte

	mu    sync.RWMutex
	peers map[string]*Peer

	listener net.Listener
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPeerManager constructs a PeerManager for one torrent's metadata and
// piece engine, identifying this client as peerId on the wire.
func NewPeerManager(metadata *Metadata, pieces *Pieces, config Config, peerId []byte) *PeerManager {
	return &PeerManager{
		metadata: metadata,
		pieces:   pieces,
		config:   config,
		peerId:   peerId,
		peers:    make(map[string]*Peer),
		stopped:  make(chan struct{}),
	}
}

// Count returns the number of currently connected peers.
func (pm *PeerManager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.peers)
}

// Peers returns a snapshot slice of every connected peer, for broadcast
// operations like Have notifications.
func (pm *PeerManager) Peers() []*Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]*Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		out = append(out, p)
	}
	return out
}

// BroadcastHave sends a Have(index) message to every connected peer,
// called once the piece engine confirms a piece.
func (pm *PeerManager) BroadcastHave(index int) {
	msg := NewHaveMessage(uint32(index))
	for _, p := range pm.Peers() {
		if err := p.sendMessage(msg); err != nil {
			logrus.WithError(err).WithField("peer", p.endpoint).Debug("peer_manager: have broadcast failed")
		}
	}
}

// Connect dials ip:port, performs the base handshake, and on success
// registers and starts the resulting Peer on its own goroutine. Returns
// immediately after the handshake completes (or fails); Peer.Run keeps
// going in the background.
func (pm *PeerManager) Connect(ip net.IP, port uint16) error {
	endpoint := GeneratePeerKey(ip, port)

	pm.mu.RLock()
	_, exists := pm.peers[endpoint]
	pm.mu.RUnlock()
	if exists {
		return nil
	}

	addr := net.JoinHostPort(ip.String(), formatPort(port))
	conn, err := net.DialTimeout("tcp", addr, pm.config.DialTimeout)
	if err != nil {
		return errors.Wrapf(err, "dial peer %s", endpoint)
	}

	handshake, err := pm.performOutboundHandshake(conn)
	if err != nil {
		conn.Close()
		return err
	}

	pm.register(conn, endpoint, handshake)
	return nil
}

func (pm *PeerManager) performOutboundHandshake(conn net.Conn) (Handshake, error) {
	out, err := BuildHandshake(pm.metadata.InfoHash(), pm.peerId, pm.config.ExtensionProtocol)
	if err != nil {
		return Handshake{}, err
	}
	conn.SetWriteDeadline(time.Now().Add(pm.config.DialTimeout))
	if err := SendNBytes(conn, out); err != nil {
		return Handshake{}, errors.Wrap(err, "send handshake")
	}

	conn.SetReadDeadline(time.Now().Add(pm.config.DialTimeout))
	in := make([]byte, HandshakeLength)
	if err := RecvNBytes(conn, in); err != nil {
		return Handshake{}, errors.Wrap(err, "receive handshake")
	}

	handshake, err := ParseHandshake(in)
	if err != nil {
		return Handshake{}, err
	}
	if err := handshake.Verify(pm.metadata.InfoHash()); err != nil {
		return Handshake{}, err
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	return handshake, nil
}

// Listen binds config.Port (0 picks an ephemeral port) and returns once
// the socket is ready to accept; ListenAddr reports the bound address
// afterward. Call Serve to run the accept loop.
func (pm *PeerManager) Listen() error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", formatPort(pm.config.Port)))
	if err != nil {
		return errors.Wrap(err, "listen for peers")
	}
	pm.mu.Lock()
	pm.listener = ln
	pm.mu.Unlock()
	return nil
}

// ListenAddr reports the address Listen bound, or "" if Listen has not
// been called yet.
func (pm *PeerManager) ListenAddr() string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.listener == nil {
		return ""
	}
	return pm.listener.Addr().String()
}

// Serve runs the accept loop against the listener bound by Listen. It
// blocks; call it on its own goroutine.
func (pm *PeerManager) Serve() error {
	pm.mu.Lock()
	ln := pm.listener
	pm.mu.Unlock()
	if ln == nil {
		return errors.New("peer_manager: Serve called before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-pm.stopped:
				return nil
			default:
				logrus.WithError(err).Warn("peer_manager: accept failed")
				continue
			}
		}
		go pm.acceptConnection(conn)
	}
}

func (pm *PeerManager) acceptConnection(conn net.Conn) {
	handshake, err := pm.performInboundHandshake(conn)
	if err != nil {
		logrus.WithError(err).WithField("addr", conn.RemoteAddr()).Debug("peer_manager: inbound handshake failed")
		conn.Close()
		return
	}

	host, port := splitHostPort(conn.RemoteAddr())
	endpoint := net.JoinHostPort(host, port)
	pm.register(conn, endpoint, handshake)
}

func (pm *PeerManager) performInboundHandshake(conn net.Conn) (Handshake, error) {
	conn.SetReadDeadline(time.Now().Add(pm.config.DialTimeout))
	in := make([]byte, HandshakeLength)
	if err := RecvNBytes(conn, in); err != nil {
		return Handshake{}, errors.Wrap(err, "receive handshake")
	}

	handshake, err := ParseHandshake(in)
	if err != nil {
		return Handshake{}, err
	}
	if err := handshake.Verify(pm.metadata.InfoHash()); err != nil {
		return Handshake{}, err
	}

	out, err := BuildHandshake(pm.metadata.InfoHash(), pm.peerId, pm.config.ExtensionProtocol)
	if err != nil {
		return Handshake{}, err
	}
	conn.SetWriteDeadline(time.Now().Add(pm.config.DialTimeout))
	if err := SendNBytes(conn, out); err != nil {
		return Handshake{}, errors.Wrap(err, "send handshake")
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	return handshake, nil
}

func (pm *PeerManager) register(conn net.Conn, endpoint string, handshake Handshake) {
	peer := NewPeer(conn, endpoint, handshake, pm.metadata, pm.pieces, pm.config)
	peer.OnDisconnect(func(p *Peer) {
		pm.mu.Lock()
		delete(pm.peers, p.endpoint)
		pm.mu.Unlock()
	})

	pm.mu.Lock()
	pm.peers[endpoint] = peer
	pm.mu.Unlock()

	go peer.Run()
}

// Stop closes the listener and every connected peer.
func (pm *PeerManager) Stop() {
	pm.stopOnce.Do(func() {
		close(pm.stopped)
		pm.mu.Lock()
		ln := pm.listener
		pm.mu.Unlock()
		if ln != nil {
			ln.Close()
		}
		for _, p := range pm.Peers() {
			p.Close()
		}
	})
}

func formatPort(port uint16) string {
	return strconv.Itoa(int(port))
}

func splitHostPort(addr net.Addr) (host, port string) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), "0"
	}
	return host, port
}
