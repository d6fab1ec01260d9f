package core

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Client orchestrates one torrent's whole lifecycle: metadata, the piece
// engine, the peer swarm, and the tracker announce loop.
type Client struct {
	metadata *Metadata
	pieces   *Pieces
	peers    *PeerManager
	trackers *TrackerManager
	config   Config
	peerId   []byte

	mu       sync.Mutex
	started  bool
	stopped  bool
	fatalErr error
}

// NewClientFromTorrentFile builds a Client for a .torrent file, ready to
// Start once a download directory is chosen.
func NewClientFromTorrentFile(path string, config Config) (*Client, error) {
	metadata, err := NewMetadataFromTorrentFile(path)
	if err != nil {
		return nil, err
	}
	return newClient(metadata, config), nil
}

// NewClientFromMagnet builds a Client for a magnet URI. The returned
// Client's metadata is not ready until a peer supplies the info
// dictionary (see Metadata.LoadInfo); Start blocks on that internally.
func NewClientFromMagnet(uri string, config Config) (*Client, error) {
	metadata, err := NewMetadataFromMagnet(uri)
	if err != nil {
		return nil, err
	}
	return newClient(metadata, config), nil
}

func newClient(metadata *Metadata, config Config) *Client {
	return &Client{
		metadata: metadata,
		config:   config,
		peerId:   GeneratePeerId(),
	}
}

// Metadata exposes the client's torrent description, useful for
// progress reporting before or after Start.
func (c *Client) Metadata() *Metadata {
	return c.metadata
}

// PeerId returns this client's self-generated 20-byte peer id.
func (c *Client) PeerId() []byte {
	return c.peerId
}

// Downloaded, Uploaded, and Left read straight through to Metadata's
// counters, so progress reporting reflects the real transfer instead of
// a stand-in value.
func (c *Client) Downloaded() int64 {
	return c.metadata.Downloaded()
}

func (c *Client) Uploaded() int64 {
	return c.metadata.Uploaded()
}

func (c *Client) Left() int64 {
	return c.metadata.Left()
}

// Start waits for metadata to be ready (immediate for a .torrent-sourced
// client; this implementation never performs the BEP9 metadata exchange
// on a magnet-sourced one, so magnet clients block here until something
// else supplies the info dictionary via LoadInfo), then initializes the
// piece engine, starts accepting inbound peer connections, and begins
// the tracker announce loop. It returns once everything is running; the
// download itself continues on background goroutines until Wait or Stop.
func (c *Client) Start(downloadDir string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("client: already started")
	}
	c.started = true
	c.mu.Unlock()

	c.metadata.Wait()
	if !c.metadata.IsReady() {
		return errors.New("client: metadata never became ready")
	}

	c.trackers = NewTrackerManager(c.metadata, c.config, c.peerId)

	c.pieces = NewPieces(c.metadata, c.config, downloadDir)
	c.pieces.SetOnFatal(c.onFatal)
	c.pieces.SetOnPieceDone(func(index int) {
		if c.peers != nil {
			c.peers.BroadcastHave(index)
		}
		if c.metadata.FileComplete() {
			c.trackers.Stop(c.config.Port, c.peerId)
		}
	})
	if err := c.pieces.InitFile(); err != nil {
		return errors.Wrap(err, "init working file")
	}

	c.peers = NewPeerManager(c.metadata, c.pieces, c.config, c.peerId)
	if err := c.peers.Listen(); err != nil {
		return errors.Wrap(err, "listen for peers")
	}
	go c.peers.Serve()

	c.trackers.OnNewPeer(func(ep PeerEndpoint) {
		ip := net.IPv4(ep.IP[0], ep.IP[1], ep.IP[2], ep.IP[3])
		if err := c.peers.Connect(ip, ep.Port); err != nil {
			logrus.WithError(err).WithField("peer", ep).Debug("client: connect from tracker peer failed")
		}
	})
	go c.trackers.Run(c.config.Port, c.peerId)

	logrus.WithFields(logrus.Fields{
		"name":   c.metadata.Name(),
		"pieces": c.metadata.PieceCount(),
	}).Info("client: started")
	return nil
}

func (c *Client) onFatal(err error) {
	c.mu.Lock()
	c.fatalErr = err
	c.mu.Unlock()
	logrus.WithError(err).Error("client: fatal condition, stopping")
	c.Stop()
}

// Wait blocks until the download completes.
func (c *Client) Wait() {
	if c.pieces != nil {
		c.pieces.Wait()
	}
}

// FatalErr returns the error that triggered an automatic Stop, if any.
func (c *Client) FatalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// Stop tears down the peer swarm, tracker loop, and piece engine.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	if c.trackers != nil {
		c.trackers.Stop(c.config.Port, c.peerId)
	}
	if c.peers != nil {
		c.peers.Stop()
	}
	if c.pieces != nil {
		c.pieces.Stop()
	}
	c.metadata.Stop()
}
