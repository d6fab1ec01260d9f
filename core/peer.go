package core

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// peerState tracks where a Peer sits in the base-protocol lifecycle.
// A Peer starts in Handshook (the handshake is done before NewPeer),
// leaves it for Idle on the first Unchoke received, then moves between
// Idle and DownloadingPiece (a Choke leaves the state as it is) until it
// ends in Disconnected.
type peerState int

const (
	StateDisconnected peerState = iota
	StateConnected
	StateHandshook
	StateIdle
	StateDownloadingPiece
)

func (s peerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateHandshook:
		return "handshook"
	case StateIdle:
		return "idle"
	case StateDownloadingPiece:
		return "downloading"
	default:
		return "unknown"
	}
}

// Peer drives the base wire protocol state machine for one connection:
// handshake already completed by the caller, request pipelining, choke
// accounting, and serving the remote end's own requests. One goroutine
// (Run) owns the connection's read side; writes go through sendMu so the
// keepalive ticker and the read loop never interleave a frame. Block
// writes complete on a goroutine spawned by Pieces.WriteBlockAsync, not
// on Run's goroutine, so piece/batch bookkeeping lives behind its own
// mutex (pieceMu) rather than piggybacking on mu.
type Peer struct {
	conn     net.Conn
	endpoint string
	peerId   [20]byte
	reserved [8]byte

	metadata *Metadata
	pieces   *Pieces
	config   Config

	mu             sync.Mutex
	state          peerState
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	remoteBitfield *Bitfield

	// pieceMu guards the one piece this peer has reserved from the
	// shared Bitfield at a time, and the current request batch within
	// it. currentPieceIndex is -1 when nothing is reserved.
	pieceMu           sync.Mutex
	currentPieceIndex int
	currentBlock      int // next block index to request within the piece
	blockCount        int // total blocks in the piece being downloaded
	batchStart        int // block index the active batch started at
	batchOutstanding  int // blocks requested in the active batch, not yet acked
	batchFailed       bool

	sendMu sync.Mutex

	downloaded int64
	uploaded   int64

	lastAssignAttempt time.Time

	onDisconnect func(*Peer)

	closeOnce sync.Once
	done      chan struct{}
}

// NewPeer wraps an already-handshook connection. handshake is the
// remote's parsed handshake, already verified against our info hash.
func NewPeer(conn net.Conn, endpoint string, handshake Handshake, metadata *Metadata, pieces *Pieces, config Config) *Peer {
	p := &Peer{
		conn:              conn,
		endpoint:          endpoint,
		metadata:          metadata,
		pieces:            pieces,
		config:            config,
		state:             StateHandshook,
		amChoking:         true,
		peerChoking:       true,
		remoteBitfield:    NewBitfield(int(metadata.PieceCount())),
		currentPieceIndex: -1,
		done:              make(chan struct{}),
	}
	p.peerId = handshake.PeerId
	p.reserved = handshake.Reserved
	return p
}

// OnDisconnect installs the callback fired exactly once when Run returns,
// used by PeerManager to drop the peer from its registry.
func (p *Peer) OnDisconnect(f func(*Peer)) {
	p.onDisconnect = f
}

func (p *Peer) Endpoint() string { return p.endpoint }

// SupportsExtensionProtocol reports BEP10 support from the handshake's
// reserved bits.
func (p *Peer) SupportsExtensionProtocol() bool {
	return p.reserved[5]&extensionProtocolBit != 0
}

func (p *Peer) setState(s peerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Peer) State() peerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run drives the peer until the connection closes or a protocol error
// occurs. It blocks; callers invoke it on its own goroutine.
func (p *Peer) Run() {
	defer p.disconnect()

	if p.pieces != nil {
		if err := p.sendMessage(p.pieces.Bitfield().AsMessage()); err != nil {
			logrus.WithError(err).WithField("peer", p.endpoint).Debug("peer: failed to send initial bitfield")
			return
		}
	}
	if err := p.SendExtendedHandshake(); err != nil {
		logrus.WithError(err).WithField("peer", p.endpoint).Debug("peer: failed to send extended handshake")
	}

	// No tit-for-tat choking algorithm is implemented: every peer
	// unchokes every connection as soon as it is established, trading
	// upload fairness for a far simpler peer loop.
	if err := p.sendMessage(Message{Id: MsgUnchoke}); err == nil {
		p.mu.Lock()
		p.amChoking = false
		p.mu.Unlock()
	}

	keepaliveStop := make(chan struct{})
	go p.keepaliveLoop(keepaliveStop)
	defer close(keepaliveStop)

	for {
		select {
		case <-p.done:
			return
		default:
		}

		p.conn.SetReadDeadline(time.Now().Add(p.config.KeepAliveInterval * 2))

		var lenBuf [4]byte
		if err := RecvNBytes(p.conn, lenBuf[:]); err != nil {
			if !isTimeout(err) {
				logrus.WithError(err).WithField("peer", p.endpoint).Debug("peer: frame length read failed")
				return
			}
			continue
		}

		frameLen := ReadFrameLength(lenBuf)
		if frameLen == 0 {
			continue // keep-alive
		}
		if int(frameLen) > p.config.MaxMessageLength {
			logrus.WithFields(logrus.Fields{"peer": p.endpoint, "length": frameLen}).Warn("peer: oversized frame, disconnecting")
			return
		}

		body := make([]byte, frameLen)
		if err := RecvNBytes(p.conn, body); err != nil {
			logrus.WithError(err).WithField("peer", p.endpoint).Debug("peer: frame body read failed")
			return
		}

		msg, err := DecodeMessageBody(body)
		if err != nil {
			logrus.WithError(err).WithField("peer", p.endpoint).Debug("peer: malformed frame")
			return
		}

		if err := p.handleMessage(msg); err != nil {
			logrus.WithError(err).WithField("peer", p.endpoint).Debug("peer: message handling failed")
			return
		}

		p.fillRequestPipeline()
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (p *Peer) keepaliveLoop(stop chan struct{}) {
	ticker := time.NewTicker(p.config.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.sendMessage(NewKeepAlive()); err != nil {
				return
			}
		}
	}
}

func (p *Peer) handleMessage(msg Message) error {
	switch msg.Id {
	case MsgChoke:
		p.mu.Lock()
		p.peerChoking = true
		p.mu.Unlock()
		p.releaseCurrentPiece()

	case MsgUnchoke:
		p.mu.Lock()
		p.peerChoking = false
		if p.state == StateHandshook {
			p.state = StateIdle
		}
		p.mu.Unlock()

	case MsgInterested:
		p.mu.Lock()
		p.peerInterested = true
		p.mu.Unlock()

	case MsgNotInterested:
		p.mu.Lock()
		p.peerInterested = false
		p.mu.Unlock()

	case MsgHave:
		p.remoteBitfield.Set(int(msg.Int(0)))

	case MsgBitfield:
		return p.handleBitfield(msg)

	case MsgRequest:
		return p.handleRequest(msg)

	case MsgPiece:
		return p.handlePiece(msg)

	case MsgCancel:
		// Best effort: nothing queued server-side survives long enough to
		// need explicit cancellation bookkeeping here.

	case MsgExtended:
		p.handleExtended(msg)

	case MsgInvalid:
		// Unknown message id; base protocol says drop, not disconnect.
	}
	return nil
}

// handleBitfield replaces remoteBitfield wholesale, as the base protocol
// allows only once per connection right after the handshake. It rejects
// (disconnects) a bitfield sent before Metadata is ready, since there is
// no local piece count yet to validate it against, and one shorter than
// our own bitfield's byte length, since that can only mean a
// mismatched or malformed peer.
func (p *Peer) handleBitfield(msg Message) error {
	if !p.metadata.IsReady() || p.pieces == nil {
		return errors.New("peer: received bitfield before metadata is ready")
	}
	localLen := len(p.pieces.Bitfield().Bytes())
	if len(msg.Payload) < localLen {
		return errors.Errorf("peer: bitfield payload length %d shorter than expected %d", len(msg.Payload), localLen)
	}
	p.remoteBitfield = NewBitfieldFromBytes(msg.Payload)
	return nil
}

func (p *Peer) handleRequest(msg Message) error {
	p.mu.Lock()
	choking := p.amChoking
	p.mu.Unlock()
	if choking || p.pieces == nil {
		return nil
	}

	index := int(msg.Int(0))
	begin := msg.Int(1)
	length := msg.Int(2)
	if length > uint32(p.config.MaxMessageLength) {
		return errors.Errorf("peer: request length %d exceeds MaxMessageLength %d", length, p.config.MaxMessageLength)
	}

	p.pieces.ReadBlockAsync(index, begin, length, func(piece Message, err error) {
		if err != nil {
			logrus.WithError(err).WithField("peer", p.endpoint).Debug("peer: failed to serve request")
			return
		}
		if sendErr := p.sendMessage(piece); sendErr != nil {
			logrus.WithError(sendErr).WithField("peer", p.endpoint).Debug("peer: failed to send piece")
			return
		}
		p.mu.Lock()
		p.uploaded += int64(length)
		p.mu.Unlock()
		p.metadata.IncreaseUploaded(int64(length))
	})
	return nil
}

func (p *Peer) handlePiece(msg Message) error {
	if len(msg.Payload) < 8 {
		return errors.New("peer: malformed piece message")
	}
	index := int(msg.Int(0))
	begin := msg.Int(1)
	block := msg.Payload[8:]

	p.pieceMu.Lock()
	assigned := p.currentPieceIndex == index
	p.pieceMu.Unlock()
	if !assigned {
		// No current reservation for this piece: already completed,
		// released on choke/disconnect, or never requested. Drop it
		// rather than write stray bytes over verified data on disk.
		return nil
	}

	p.mu.Lock()
	p.downloaded += int64(len(block))
	p.mu.Unlock()
	p.metadata.IncreaseDownloaded(int64(len(block)))

	if p.pieces == nil {
		return nil
	}
	p.pieces.WriteBlockAsync(index, begin, block, func(err error, complete bool) {
		p.onBlockWritten(index, err, complete)
	})
	return nil
}

// onBlockWritten runs on WriteBlockAsync's own goroutine, not Run's read
// loop. It advances the current batch, rewinds to the batch start to
// retry on a write error, and on piece completion clears the reservation
// and drops back to StateIdle before pulling the next piece.
func (p *Peer) onBlockWritten(index int, err error, complete bool) {
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"peer": p.endpoint, "piece": index}).Debug("peer: block write failed")
	}

	p.pieceMu.Lock()
	if p.currentPieceIndex != index {
		// Stale callback for a piece we are no longer downloading: we
		// disconnected, choked, or the reservation otherwise moved on.
		p.pieceMu.Unlock()
		return
	}
	if err != nil {
		p.batchFailed = true
	}
	if p.batchOutstanding > 0 {
		p.batchOutstanding--
	}
	drained := p.batchOutstanding == 0
	if drained && p.batchFailed {
		p.currentBlock = p.batchStart
		p.batchFailed = false
	}
	if complete {
		p.currentPieceIndex = -1
	}
	p.pieceMu.Unlock()

	if complete {
		p.setState(StateIdle)
		p.fillRequestPipeline()
		return
	}
	if drained {
		p.requestNextBatch()
	}
}

func (p *Peer) handleExtended(msg Message) {
	if len(msg.Payload) == 0 {
		return
	}
	extType := msg.Payload[0]
	if extType != 0 {
		return // only the handshake (type 0) is understood.
	}

	dec, err := BDecode(msg.Payload[1:])
	if err != nil {
		logrus.WithError(err).WithField("peer", p.endpoint).Debug("peer: malformed extended handshake")
		return
	}
	payload, ok := dec.(map[string]interface{})
	if !ok {
		return
	}
	logrus.WithFields(logrus.Fields{"peer": p.endpoint, "handshake": ToJSON(payload)}).Debug("peer: received extended handshake")
}

// fillRequestPipeline ensures this peer has exactly one piece reserved
// from the shared Pieces.Bitfield and its current batch of up to
// Config.RequestsPerCall block requests on the wire. A peer that is
// choking us gets no requests until it unchokes. Once Assign finds
// nothing this peer can offer, further Assign attempts are skipped until
// Config.BackoffInterval has passed; no timer re-runs the attempt, so the
// next one happens only when this method runs again (after the next
// incoming message or completed piece).
func (p *Peer) fillRequestPipeline() {
	if p.pieces == nil {
		return
	}
	p.mu.Lock()
	choking := p.peerChoking
	p.mu.Unlock()
	if choking {
		return
	}

	if !p.isInterested() {
		if err := p.sendMessage(Message{Id: MsgInterested}); err == nil {
			p.mu.Lock()
			p.amInterested = true
			p.mu.Unlock()
		}
	}

	if !p.ensurePieceAssigned() {
		return
	}
	p.requestNextBatch()
}

func (p *Peer) isInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amInterested
}

// ensurePieceAssigned reports whether this peer currently holds a piece
// reservation, assigning one from the shared Bitfield if not. The
// check-then-assign runs under pieceMu so a concurrent call racing in
// from onBlockWritten's completion goroutine can never double-assign.
func (p *Peer) ensurePieceAssigned() bool {
	p.pieceMu.Lock()
	if p.currentPieceIndex >= 0 {
		p.pieceMu.Unlock()
		return true
	}

	p.mu.Lock()
	sinceBackoff := time.Since(p.lastAssignAttempt)
	p.mu.Unlock()
	if !p.lastAssignAttempt.IsZero() && sinceBackoff < p.config.BackoffInterval {
		p.pieceMu.Unlock()
		return false
	}

	index, ok := p.pieces.Bitfield().Assign(p.remoteBitfield)
	if !ok {
		p.pieceMu.Unlock()
		p.mu.Lock()
		p.lastAssignAttempt = time.Now()
		p.mu.Unlock()
		return false
	}

	blockLength := int64(p.config.BlockLength)
	length := p.pieces.pieceLength(index)
	p.currentPieceIndex = index
	p.currentBlock = 0
	p.blockCount = int((length + blockLength - 1) / blockLength)
	p.batchStart = 0
	p.batchOutstanding = 0
	p.batchFailed = false
	p.pieceMu.Unlock()

	p.setState(StateDownloadingPiece)
	return true
}

// requestNextBatch sends up to Config.RequestsPerCall Request messages
// for the current piece's next unrequested blocks. It is a no-op while
// a batch is still outstanding; onBlockWritten calls back in once the
// batch drains.
func (p *Peer) requestNextBatch() {
	p.pieceMu.Lock()
	if p.currentPieceIndex < 0 || p.batchOutstanding > 0 {
		p.pieceMu.Unlock()
		return
	}
	index := p.currentPieceIndex
	start := p.currentBlock
	if start >= p.blockCount {
		p.pieceMu.Unlock()
		return
	}
	end := start + p.config.RequestsPerCall
	if end > p.blockCount {
		end = p.blockCount
	}
	p.batchStart = start
	p.batchFailed = false
	p.pieceMu.Unlock()

	blockLength := int64(p.config.BlockLength)
	pieceLength := p.pieces.pieceLength(index)

	sent := 0
	for b := start; b < end; b++ {
		begin := int64(b) * blockLength
		length := blockLength
		if begin+length > pieceLength {
			length = pieceLength - begin
		}
		if err := p.sendMessage(NewRequestMessage(uint32(index), uint32(begin), uint32(length))); err != nil {
			logrus.WithError(err).WithField("peer", p.endpoint).Debug("peer: failed to send request")
			break
		}
		sent++
	}

	p.pieceMu.Lock()
	p.currentBlock = start + sent
	p.batchOutstanding = sent
	p.pieceMu.Unlock()
}

// releaseCurrentPiece returns the peer's reserved piece (if any) to the
// shared Bitfield and clears local tracking, used on a Choke or a
// disconnect so the piece does not strand assigned to a peer that will
// never finish it.
func (p *Peer) releaseCurrentPiece() {
	p.pieceMu.Lock()
	index := p.currentPieceIndex
	p.currentPieceIndex = -1
	p.currentBlock = 0
	p.blockCount = 0
	p.batchOutstanding = 0
	p.batchFailed = false
	p.pieceMu.Unlock()

	if index >= 0 && p.pieces != nil {
		p.pieces.Bitfield().PieceFailed(index)
	}
}

func (p *Peer) sendMessage(msg Message) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(p.config.DialTimeout))
	return SendNBytes(p.conn, msg.Encode())
}

func (p *Peer) disconnect() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.releaseCurrentPiece()
		p.setState(StateDisconnected)
		p.conn.Close()
		if p.onDisconnect != nil {
			p.onDisconnect(p)
		}
	})
}

// Close forces the peer's read loop to exit on its next iteration.
func (p *Peer) Close() {
	p.disconnect()
}

func (p *Peer) Downloaded() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloaded
}

func (p *Peer) Uploaded() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploaded
}
