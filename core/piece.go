package core

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Pieces is the piece engine: block I/O, SHA-1 verification and final
// file extraction for one torrent. It owns the local Bitfield and the
// open working file, and is shared read-write across every Peer
// downloading or seeding this torrent.
type Pieces struct {
	metadata    *Metadata
	config      Config
	downloadDir string

	bitfield *Bitfield

	mu   sync.Mutex
	cond *sync.Cond
	file *os.File
	running bool

	failureMu    sync.Mutex
	failureCount map[int]int

	onFatal     func(error)
	onPieceDone func(index int)
}

// NewPieces constructs a Pieces engine for metadata, whose working file
// and extracted output live under downloadDir. metadata must already be
// ready (see Metadata.Wait).
func NewPieces(metadata *Metadata, config Config, downloadDir string) *Pieces {
	p := &Pieces{
		metadata:     metadata,
		config:       config,
		downloadDir:  downloadDir,
		failureCount: make(map[int]int),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetOnFatal installs the callback fired when the same piece index fails
// SHA-1 verification Config.MaxPieceFailures times in a row, promoting a
// systematic disk or peer problem to a fatal client condition.
func (p *Pieces) SetOnFatal(f func(error)) {
	p.onFatal = f
}

// SetOnPieceDone installs a callback fired after a piece is confirmed by
// SHA-1, in addition to (and after) the engine's own bookkeeping — used
// to broadcast Have messages to the swarm.
func (p *Pieces) SetOnPieceDone(f func(index int)) {
	p.onPieceDone = f
}

func (p *Pieces) workingFilePath() string {
	return filepath.Join(p.downloadDir, p.metadata.FileName()+".tmp")
}

// InitFile opens (creating if necessary) the working file, sizes it to
// the torrent's total length, and — if the file already existed — runs a
// parallel SHA-1 sweep to recover whatever pieces are already correct.
func (p *Pieces) InitFile() error {
	if !p.metadata.IsReady() {
		return errors.New("pieces: InitFile called before metadata is ready")
	}

	pieceCount := int(p.metadata.PieceCount())
	p.bitfield = NewBitfield(pieceCount)
	p.bitfield.SetOnPieceComplete(func(index int) {
		p.metadata.OnPieceComplete(index)
		if p.onPieceDone != nil {
			p.onPieceDone(index)
		}
		if p.metadata.FileComplete() {
			p.finish()
		}
	})

	if err := os.MkdirAll(p.downloadDir, 0o755); err != nil {
		return errors.Wrap(err, "create download directory")
	}

	path := p.workingFilePath()
	_, statErr := os.Stat(path)
	existed := statErr == nil

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open working file %q", path)
	}
	if err := file.Truncate(p.metadata.TotalLength()); err != nil {
		file.Close()
		return errors.Wrap(err, "resize working file")
	}

	p.mu.Lock()
	p.file = file
	p.running = true
	p.mu.Unlock()

	if existed {
		p.runSHA1Sweep()
	}

	if p.metadata.FileComplete() {
		return p.finish()
	}
	return nil
}

// runSHA1Sweep splits the piece range across runtime.NumCPU() workers,
// each sequentially reading and verifying its own range, marking
// already-correct pieces done in the shared bitfield.
func (p *Pieces) runSHA1Sweep() {
	pieceCount := int(p.metadata.PieceCount())
	if pieceCount == 0 {
		return
	}

	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	if workers > pieceCount {
		workers = pieceCount
	}

	chunk := (pieceCount + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > pieceCount {
			end = pieceCount
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			p.checkPiecesSHA1(start, end)
		}(start, end)
	}
	wg.Wait()
}

func (p *Pieces) checkPiecesSHA1(start, end int) {
	for i := start; i < end; i++ {
		ok, err := p.verifyPiece(i)
		if err != nil {
			logrus.WithError(err).WithField("piece", i).Warn("pieces: sweep read failed")
			continue
		}
		if ok {
			p.bitfield.Set(i)
		}
	}
}

func (p *Pieces) pieceLength(index int) int64 {
	pieceLength := p.metadata.PieceLength()
	pieceCount := p.metadata.PieceCount()
	if int64(index) == pieceCount-1 {
		return p.metadata.TotalLength() - (pieceCount-1)*pieceLength
	}
	return pieceLength
}

// verifyPiece reads piece index back from the working file and compares
// its SHA-1 against the expected hash from the info dictionary.
func (p *Pieces) verifyPiece(index int) (bool, error) {
	length := p.pieceLength(index)
	buf := make([]byte, length)

	p.mu.Lock()
	file := p.file
	p.mu.Unlock()
	if file == nil {
		return false, errors.New("pieces: file not open")
	}

	offset := int64(index) * p.metadata.PieceLength()
	if _, err := file.ReadAt(buf, offset); err != nil {
		return false, errors.Wrapf(err, "read piece %d", index)
	}

	sum := sha1.Sum(buf)
	want := p.metadata.PieceHash(index)
	if want == nil {
		return false, errors.Errorf("pieces: no expected hash for piece %d", index)
	}
	return bytes.Equal(sum[:], want), nil
}

// WriteBlockAsync writes a Piece message's block at pieceIndex's file
// offset plus begin, on its own goroutine. onFinish is invoked with
// (err, pieceComplete); pieceComplete is true whenever SHA-1 confirms
// the whole piece after this write, so a piece written and verified
// twice reports true twice. The Bitfield's completion hook still fires
// only once per piece.
func (p *Pieces) WriteBlockAsync(pieceIndex int, begin uint32, block []byte, onFinish func(error, bool)) {
	pieceCount := int(p.metadata.PieceCount())
	if pieceIndex < 0 || pieceIndex >= pieceCount || int64(begin) > p.metadata.PieceLength() {
		onFinish(errors.Errorf("pieces: invalid write parameters (index=%d begin=%d)", pieceIndex, begin), false)
		return
	}

	go func() {
		offset := int64(pieceIndex)*p.metadata.PieceLength() + int64(begin)

		p.mu.Lock()
		file := p.file
		p.mu.Unlock()
		if file == nil {
			onFinish(errors.New("pieces: file not open"), false)
			return
		}

		if _, err := file.WriteAt(block, offset); err != nil {
			onFinish(errors.Wrapf(err, "write piece %d", pieceIndex), false)
			return
		}

		length := p.pieceLength(pieceIndex)
		isFinal := int64(begin)+int64(len(block)) >= length
		if !isFinal {
			onFinish(nil, false)
			return
		}

		ok, err := p.verifyPiece(pieceIndex)
		if err != nil {
			onFinish(err, false)
			return
		}
		if !ok {
			p.recordFailure(pieceIndex)
			onFinish(nil, false)
			return
		}

		p.resetFailures(pieceIndex)
		// A piece written without a prior Assign (seeding a file
		// directly) has no local bit yet; Set marks it present.
		p.bitfield.Set(pieceIndex)
		p.bitfield.PieceSuccess(pieceIndex)
		onFinish(nil, true)
	}()
}

func (p *Pieces) recordFailure(index int) {
	p.failureMu.Lock()
	p.failureCount[index]++
	count := p.failureCount[index]
	p.failureMu.Unlock()

	if count >= p.config.MaxPieceFailures && p.onFatal != nil {
		p.onFatal(errors.Errorf("pieces: %d consecutive SHA-1 failures on piece %d", count, index))
	}
}

func (p *Pieces) resetFailures(index int) {
	p.failureMu.Lock()
	delete(p.failureCount, index)
	p.failureMu.Unlock()
}

// ReadBlockAsync reads length bytes at pieceIndex's file offset plus
// begin and hands back a ready-to-send Piece message, used to serve a
// peer's Request.
func (p *Pieces) ReadBlockAsync(pieceIndex int, begin, length uint32, onFinish func(Message, error)) {
	go func() {
		p.mu.Lock()
		file := p.file
		p.mu.Unlock()
		if file == nil {
			onFinish(Message{}, errors.New("pieces: file not open"))
			return
		}

		buf := make([]byte, length)
		offset := int64(pieceIndex)*p.metadata.PieceLength() + int64(begin)
		if _, err := file.ReadAt(buf, offset); err != nil {
			onFinish(Message{}, errors.Wrapf(err, "read block piece %d begin %d", pieceIndex, begin))
			return
		}

		onFinish(NewPieceMessage(uint32(pieceIndex), begin, buf), nil)
	}()
}

// Bitfield returns the local bitfield; valid only after InitFile returns.
func (p *Pieces) Bitfield() *Bitfield {
	return p.bitfield
}

func (p *Pieces) finish() error {
	if err := p.extractTorrent(); err != nil {
		logrus.WithError(err).Error("pieces: extraction failed")
	}

	p.mu.Lock()
	p.running = false
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

// extractTorrent copies the contiguous working file into its final
// on-disk layout: a straight rename-equivalent copy for single-file
// torrents, or a directory of per-file slices for multi-file torrents.
func (p *Pieces) extractTorrent() error {
	p.mu.Lock()
	file := p.file
	p.mu.Unlock()
	if file == nil {
		return errors.New("pieces: file not open")
	}

	if !p.metadata.IsMultiFile() {
		dst := filepath.Join(p.downloadDir, p.metadata.Name())
		return extractSlice(file, 0, p.metadata.TotalLength(), dst)
	}

	root := filepath.Join(p.downloadDir, p.metadata.Name())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}

	var offset int64
	for _, f := range p.metadata.Files() {
		dst := filepath.Join(root, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return errors.Wrapf(err, "create directory for %q", dst)
		}
		if err := extractSlice(file, offset, f.Length, dst); err != nil {
			return err
		}
		offset += f.Length
	}
	return nil
}

func extractSlice(src *os.File, offset, length int64, dst string) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create output file %q", dst)
	}
	defer out.Close()

	buf := make([]byte, 1<<20)
	var written int64
	for written < length {
		n := int64(len(buf))
		if remaining := length - written; remaining < n {
			n = remaining
		}
		read, err := src.ReadAt(buf[:n], offset+written)
		if read > 0 {
			if _, werr := out.Write(buf[:read]); werr != nil {
				return errors.Wrapf(werr, "write output file %q", dst)
			}
			written += int64(read)
		}
		if err != nil {
			return errors.Wrapf(err, "read source slice for %q", dst)
		}
	}
	return nil
}

// Wait blocks until the download completes (the bitfield's hook observes
// the final piece and extraction finishes).
func (p *Pieces) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.running {
		p.cond.Wait()
	}
}

// Stop forcibly releases any Wait callers and closes the working file.
func (p *Pieces) Stop() {
	p.mu.Lock()
	p.running = false
	file := p.file
	p.file = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	if file != nil {
		file.Close()
	}
}
