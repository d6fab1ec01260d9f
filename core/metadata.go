package core

import (
	"bytes"
	"crypto/sha1"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Metadata is the shared, lazily-completed description of one torrent. A
// .torrent-sourced Metadata is ready immediately; a magnet-sourced one
// latches ready only once LoadInfo supplies the info dictionary (normally
// fetched from a peer via the BEP10/BEP9 metadata-exchange extension,
// which this implementation does not itself perform). All fields are
// guarded by one mutex.
type Metadata struct {
	mu sync.Mutex

	infoHash []byte
	trackers []string
	webSeeds []string

	name     string
	fileName string

	pieceLength int64
	totalLength int64
	files       []FileInfo
	pieces      []byte

	downloaded int64
	uploaded   int64
	left       int64
	piecesDone int64

	ready      bool
	readyCond  *sync.Cond
	onReady    func()
	stopped    bool
}

func newMetadata() *Metadata {
	m := &Metadata{}
	m.readyCond = sync.NewCond(&m.mu)
	return m
}

// NewMetadataFromTorrentFile parses a .torrent file and returns an
// immediately-ready Metadata.
func NewMetadataFromTorrentFile(path string) (*Metadata, error) {
	rt, err := parseTorrentFile(path)
	if err != nil {
		return nil, err
	}

	m := newMetadata()
	m.infoHash = rt.InfoHash
	m.webSeeds = rt.WebSeeds
	if rt.Announce != "" {
		m.trackers = append(m.trackers, rt.Announce)
	}
	m.trackers = append(m.trackers, rt.AnnounceList...)
	m.name = rt.Name
	m.fileName = rt.Name
	m.pieceLength = rt.PieceLength
	m.totalLength = rt.TotalLength
	m.files = rt.Files
	m.pieces = rt.Pieces
	m.left = rt.TotalLength
	m.ready = true
	return m, nil
}

// NewMetadataFromMagnet parses a magnet URI and returns a not-yet-ready
// Metadata; LoadInfo must be called once the info dictionary is known.
func NewMetadataFromMagnet(uri string) (*Metadata, error) {
	rm, err := parseMagnetLink(uri)
	if err != nil {
		return nil, err
	}

	m := newMetadata()
	m.infoHash = rm.InfoHash
	m.name = rm.DisplayName
	m.fileName = rm.DisplayName
	m.totalLength = rm.ExactLength
	m.left = rm.ExactLength
	m.trackers = rm.Trackers
	m.ready = false
	return m, nil
}

// LoadInfo validates SHA1(bencode(infoElement)) == infoHash, then
// populates the remaining fields (piece length, pieces, files) and
// latches ready. Used by the magnet flow once a peer supplies the info
// dictionary.
func (m *Metadata) LoadInfo(infoElement map[string]interface{}, infoHash []byte) error {
	encoded, err := BEncode(infoElement)
	if err != nil {
		return errors.Wrap(err, "re-encode info element")
	}
	got := sha1.Sum(encoded)
	if !bytes.Equal(got[:], infoHash) {
		return errors.Errorf("metadata: info hash mismatch, want %x got %x", infoHash, got[:])
	}

	rt := &rawTorrent{}
	if err := parseInfoDict(rt, infoElement); err != nil {
		return err
	}

	m.mu.Lock()
	m.name = rt.Name
	m.fileName = rt.Name
	m.pieceLength = rt.PieceLength
	m.totalLength = rt.TotalLength
	m.files = rt.Files
	m.pieces = rt.Pieces
	m.left = rt.TotalLength
	m.ready = true
	fire := m.onReady
	m.readyCond.Broadcast()
	m.mu.Unlock()

	if fire != nil {
		fire()
	}
	return nil
}

// OnReady installs the callback fired once Metadata latches ready. If
// Metadata is already ready, the callback fires immediately.
func (m *Metadata) OnReady(f func()) {
	m.mu.Lock()
	already := m.ready
	m.onReady = f
	m.mu.Unlock()
	if already {
		f()
	}
}

// Wait blocks until Metadata becomes ready or Stop is called.
func (m *Metadata) Wait() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.ready && !m.stopped {
		m.readyCond.Wait()
	}
}

// Stop force-releases any callers blocked in Wait.
func (m *Metadata) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.readyCond.Broadcast()
}

func (m *Metadata) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *Metadata) InfoHash() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.infoHash))
	copy(out, m.infoHash)
	return out
}

func (m *Metadata) Trackers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.trackers))
	copy(out, m.trackers)
	return out
}

func (m *Metadata) WebSeeds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.webSeeds))
	copy(out, m.webSeeds)
	return out
}

func (m *Metadata) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *Metadata) FileName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileName
}

func (m *Metadata) PieceLength() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pieceLength
}

func (m *Metadata) TotalLength() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLength
}

func (m *Metadata) Files() []FileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FileInfo, len(m.files))
	copy(out, m.files)
	return out
}

func (m *Metadata) IsMultiFile() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files) > 1
}

// PieceHash returns the 20-byte expected SHA-1 for piece index i.
func (m *Metadata) PieceHash(index int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := index * 20
	if start < 0 || start+20 > len(m.pieces) {
		return nil
	}
	return m.pieces[start : start+20]
}

func (m *Metadata) PieceCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pieceCountLocked()
}

func (m *Metadata) pieceCountLocked() int64 {
	count := m.totalLength / m.pieceLength
	if m.totalLength%m.pieceLength != 0 {
		count++
	}
	return count
}

func (m *Metadata) Downloaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloaded
}

func (m *Metadata) Uploaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploaded
}

func (m *Metadata) Left() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.left
}

func (m *Metadata) PiecesDone() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.piecesDone
}

func (m *Metadata) IncreaseDownloaded(n int64) {
	m.mu.Lock()
	m.downloaded += n
	m.mu.Unlock()
}

func (m *Metadata) IncreaseUploaded(n int64) {
	m.mu.Lock()
	m.uploaded += n
	m.mu.Unlock()
}

// OnPieceComplete decrements left by the piece's contribution to the total
// length and increments pieces_done. The last piece's contribution is
// total_length - (piece_count-1)*piece_length, since the last piece is
// commonly shorter than piece_length.
func (m *Metadata) OnPieceComplete(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pieceCount := m.pieceCountLocked()
	var contribution int64
	if int64(index) == pieceCount-1 {
		contribution = m.totalLength - (pieceCount-1)*m.pieceLength
	} else {
		contribution = m.pieceLength
	}

	m.left -= contribution
	m.piecesDone++

	logrus.WithFields(logrus.Fields{
		"piece": index,
		"left":  m.left,
		"done":  m.piecesDone,
	}).Debug("metadata: piece complete")
}

// FileComplete reports whether every piece has been verified.
func (m *Metadata) FileComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.piecesDone >= m.pieceCountLocked()
}
