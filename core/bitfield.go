package core

import (
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// Bitfield is a thread-safe packed bit set, most-significant-bit-first
// (bit i lives in byte i/8, masked by 1<<(7-i%8)). One instance tracks the
// local download progress; one per-peer instance mirrors what the remote
// end has advertised.
//
// Piece assignment is deliberately first-fit: Assign scans for the first
// index the caller lacks and the remote has. Swapping in a rarest-first or
// other picker means replacing only the unexported pick function below.
type Bitfield struct {
	mu     sync.Mutex
	length int    // number of valid bits
	bits   []byte // ceil(length/8) bytes

	onPieceComplete func(index int)
	completed       map[int]bool // pieces for which the hook already fired
}

// NewBitfield allocates a Bitfield sized to hold length bits.
func NewBitfield(length int) *Bitfield {
	return &Bitfield{
		length:    length,
		bits:      make([]byte, (length+7)/8),
		completed: make(map[int]bool),
	}
}

// NewBitfieldFromBytes wraps an existing packed byte slice (e.g. a
// Bitfield message payload received from a peer) without copying
// assign/complete bookkeeping semantics onto it.
func NewBitfieldFromBytes(bits []byte) *Bitfield {
	bf := &Bitfield{
		length:    len(bits) * 8,
		bits:      make([]byte, len(bits)),
		completed: make(map[int]bool),
	}
	copy(bf.bits, bits)
	return bf
}

// Len returns the number of bits this Bitfield can represent.
func (b *Bitfield) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Bytes returns a copy of the packed representation, suitable for framing
// into a Bitfield message.
func (b *Bitfield) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.bits))
	copy(out, b.bits)
	return out
}

// SetOnPieceComplete installs the callback fired exactly once per piece
// index the first time Set or PieceSuccess observes it. The callback runs
// outside the internal lock.
func (b *Bitfield) SetOnPieceComplete(f func(index int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPieceComplete = f
}

// Has reports whether bit i is set. Reading past the end returns false
// and logs rather than panicking.
func (b *Bitfield) Has(i int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasLocked(i)
}

func (b *Bitfield) hasLocked(i int) bool {
	if i < 0 || i >= b.length {
		logrus.WithField("index", i).Debug("bitfield: has() out of range")
		return false
	}
	byteIdx, bit := i>>3, i&7
	return (b.bits[byteIdx]>>(7-bit))&1 == 1
}

// Set marks bit i. Writing past the end is a no-op (logged at debug
// level). Fires the
// completion hook exactly once for this index, outside the lock.
func (b *Bitfield) Set(i int) {
	b.mu.Lock()
	if i < 0 || i >= b.length {
		b.mu.Unlock()
		logrus.WithField("index", i).Debug("bitfield: set() out of range")
		return
	}
	already := b.hasLocked(i)
	byteIdx, bit := i>>3, i&7
	b.bits[byteIdx] |= 1 << (7 - bit)

	var fire func(int)
	if !already && !b.completed[i] {
		b.completed[i] = true
		fire = b.onPieceComplete
	}
	b.mu.Unlock()

	if fire != nil {
		fire(i)
	}
}

// Unset clears bit i. Used only by PieceFailed to re-expose a piece that
// was reserved but never completed.
func (b *Bitfield) Unset(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= b.length {
		return
	}
	byteIdx, bit := i>>3, i&7
	b.bits[byteIdx] &^= 1 << (7 - bit)
}

// Assign atomically finds the first index this Bitfield lacks but remote
// has, reserves it locally (sets the bit, without firing the completion
// hook — the piece is not yet done, merely claimed), and returns it. The
// second return value is false if no matching index exists.
//
// Both Bitfields' locks are held for the scan; to avoid deadlocking
// against a hypothetical concurrent Assign running the other direction,
// locks are always acquired in pointer-address order.
func (b *Bitfield) Assign(remote *Bitfield) (int, bool) {
	first, second := b, remote
	if bitfieldLess(remote, b) {
		first, second = remote, b
	}

	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	index, ok := pick(b.bits, remote.bits, b.length)
	if !ok {
		return 0, false
	}

	byteIdx, bit := index>>3, index&7
	b.bits[byteIdx] |= 1 << (7 - bit)
	return index, true
}

// pick scans byte-by-byte for the first bit set in remote but not in
// local: (^local[i] & remote[i]) != 0. This is the seam an implementer
// swaps out to add rarest-first or endgame piece selection.
func pick(local, remote []byte, length int) (int, bool) {
	n := len(local)
	if len(remote) < n {
		n = len(remote)
	}
	for byteIdx := 0; byteIdx < n; byteIdx++ {
		avail := ^local[byteIdx] & remote[byteIdx]
		if avail == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if avail&(1<<(7-bit)) != 0 {
				index := byteIdx*8 + bit
				if index < length {
					return index, true
				}
			}
		}
	}
	return 0, false
}

func bitfieldLess(a, b *Bitfield) bool {
	return uintptr(unsafe.Pointer(a)) < uintptr(unsafe.Pointer(b))
}

// PieceFailed re-exposes a piece that was reserved via Assign but never
// completed (write failure, disconnect mid-download). It clears the bit
// without touching the completion bookkeeping.
func (b *Bitfield) PieceFailed(index int) {
	b.Unset(index)
}

// PieceSuccess is called once SHA-1 verification confirms a piece. The
// bit is already set (Assign set it); this only fires the completion
// hook, exactly once, outside the lock.
func (b *Bitfield) PieceSuccess(index int) {
	b.mu.Lock()
	var fire func(int)
	if !b.completed[index] {
		b.completed[index] = true
		fire = b.onPieceComplete
	}
	b.mu.Unlock()

	if fire != nil {
		fire(index)
	}
}

// AsMessage packages the current bit set as a Bitfield wire message.
func (b *Bitfield) AsMessage() Message {
	return NewBitfieldMessage(b.Bytes())
}
