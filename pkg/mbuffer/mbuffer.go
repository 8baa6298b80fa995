// Package mbuffer implements MBuffer, the growable byte buffer with three
// monotonic cursors (read, message-start, write) that the wire codecs parse
// out of and the egress chunk chain writes into.
//
// Grounded on the three-cursor discipline used by the teacher's in-memory
// ring buffers (internal/memorystore/buffer.go): a writer-side cursor that
// only ever advances, a reader-side cursor that trails it, and geometric
// growth instead of per-write reallocation.
package mbuffer

import "github.com/oml-collect/oml/pkg/omlerr"

// NotFound is returned by Find when the byte does not occur after the read
// cursor.
const NotFound = -1

// DefaultCap is the growth ceiling used when none is specified.
const DefaultCap = 64 * 1024 * 1024

// MBuffer is a byte buffer with three cursors satisfying
// 0 <= read <= messageStart <= write <= len(data).
type MBuffer struct {
	data         []byte
	read         int
	messageStart int
	write        int
	maxCap       int
}

// New creates an MBuffer with an initial capacity hint and a hard ceiling on
// how large it may grow before Write starts failing.
func New(initial, maxCap int) *MBuffer {
	if initial <= 0 {
		initial = 256
	}
	if maxCap <= 0 {
		maxCap = DefaultCap
	}
	return &MBuffer{data: make([]byte, 0, initial), maxCap: maxCap}
}

// Len returns the number of unread bytes available (write - read).
func (b *MBuffer) Len() int { return b.write - b.read }

// ReadCursor, MessageStartCursor, WriteCursor expose the raw offsets, mostly
// for tests asserting the invariant in §4.1.
func (b *MBuffer) ReadCursor() int         { return b.read }
func (b *MBuffer) MessageStartCursor() int { return b.messageStart }
func (b *MBuffer) WriteCursor() int        { return b.write }

// checkInvariant panics (a ProgrammerError) if cursor ordering is violated.
// Only called defensively around mutation; never on the hot decode path.
func (b *MBuffer) checkInvariant() {
	if !(0 <= b.read && b.read <= b.messageStart && b.messageStart <= b.write && b.write <= len(b.data)) {
		omlerr.ProgrammerError("mbuffer", "cursor ordering violated")
	}
}

// Write appends bytes to the buffer, growing geometrically (doubling) up to
// maxCap. Returns an error (ResourceExhaustion) instead of panicking when
// the ceiling would be exceeded, so callers such as the egress worker can
// fall back to dropping data.
func (b *MBuffer) Write(p []byte) error {
	need := b.write + len(p)
	if need > b.maxCap {
		return omlerr.New(omlerr.KindResourceExhaustion, "mbuffer.Write", errCapExceeded(need, b.maxCap))
	}
	if need > cap(b.data) {
		newCap := cap(b.data)
		if newCap == 0 {
			newCap = 256
		}
		for newCap < need {
			newCap *= 2
		}
		if newCap > b.maxCap {
			newCap = b.maxCap
		}
		grown := make([]byte, len(b.data), newCap)
		copy(grown, b.data)
		b.data = grown
	}
	b.data = b.data[:need]
	copy(b.data[b.write:need], p)
	b.write = need
	return nil
}

type capExceededError struct {
	need, max int
}

func (e capExceededError) Error() string {
	return "mbuffer: would exceed capacity"
}

func errCapExceeded(need, max int) error { return capExceededError{need, max} }

// Unread returns a view of the unread bytes (read..write). The slice aliases
// internal storage and is only valid until the next mutating call.
func (b *MBuffer) Unread() []byte { return b.data[b.read:b.write] }

// Read advances the read cursor by n bytes and returns the consumed slice.
// Fails if n exceeds the bytes available up to the write cursor, matching
// §4.1 (reading past message-start is allowed; past write is not).
func (b *MBuffer) Read(n int) ([]byte, error) {
	if n < 0 || b.read+n > b.write {
		return nil, omlerr.New(omlerr.KindProtocol, "mbuffer.Read", errShortRead(n, b.write-b.read))
	}
	p := b.data[b.read : b.read+n]
	b.read += n
	b.checkInvariant()
	return p, nil
}

type shortReadError struct{ want, have int }

func (e shortReadError) Error() string { return "mbuffer: short read" }

func errShortRead(want, have int) error { return shortReadError{want, have} }

// Find returns the offset from the read cursor of the next occurrence of c
// within the unread region, or NotFound.
func (b *MBuffer) Find(c byte) int {
	for i := b.read; i < b.write; i++ {
		if b.data[i] == c {
			return i - b.read
		}
	}
	return NotFound
}

// BeginMessage marks the current write position as the start of a new
// in-progress message. Nothing to record beyond the invariant: messageStart
// always trails write until ConsumeMessage commits.
func (b *MBuffer) BeginMessage() {
	b.messageStart = b.write
	b.checkInvariant()
}

// ConsumeMessage commits the bytes between the previous message-start and
// the current write cursor as one complete message by advancing
// message-start to write; the read cursor is left where it is. If reclaim
// is true and the buffer is now fully drained (read == write), both
// cursors are rewound to zero to reclaim space.
func (b *MBuffer) ConsumeMessage(reclaim bool) {
	b.messageStart = b.write
	if reclaim && b.read == b.write {
		b.data = b.data[:0]
		b.read, b.messageStart, b.write = 0, 0, 0
	}
	b.checkInvariant()
}

// ResetRead rewinds the read cursor back to the last committed
// message-start, so a partial parse can be retried once more bytes arrive.
func (b *MBuffer) ResetRead() {
	b.read = b.messageStart
	b.checkInvariant()
}

// Repack moves the tail of a partially-written message (from messageStart to
// write) down to offset zero, preserving message contiguity across a
// drop-tail chunk advance (§4.3). Returns the number of bytes preserved.
func (b *MBuffer) Repack() int {
	n := b.write - b.messageStart
	if n > 0 {
		copy(b.data[:n], b.data[b.messageStart:b.write])
	}
	b.data = b.data[:n]
	b.read = 0
	b.messageStart = 0
	b.write = n
	b.checkInvariant()
	return n
}

// Reset clears the buffer entirely, for reuse from a pool.
func (b *MBuffer) Reset() {
	b.data = b.data[:0]
	b.read, b.messageStart, b.write = 0, 0, 0
}

// CutTail removes and returns the bytes of an in-progress, not-yet-committed
// message (the region from messageStart to write), trimming the buffer back
// to its committed prefix. Used when a chunk-chain advance needs to move a
// partial message to the head of the next chunk (§4.3) without disturbing
// the already-committed messages still waiting to be drained.
func (b *MBuffer) CutTail() []byte {
	tail := append([]byte(nil), b.data[b.messageStart:b.write]...)
	b.data = b.data[:b.messageStart]
	b.write = b.messageStart
	b.checkInvariant()
	return tail
}

// SeedPartial resets the buffer and loads data as an already-written but
// uncommitted message: read and messageStart both at zero, write at
// len(data). A subsequent ConsumeMessage will commit exactly this data.
func (b *MBuffer) SeedPartial(data []byte) error {
	b.Reset()
	if err := b.Write(data); err != nil {
		return err
	}
	b.messageStart = 0
	return nil
}
