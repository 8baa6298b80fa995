// Package chunkchain implements the circular chain of buffer chunks behind
// the client-side buffered egress (§3 ChunkChain, §4.3).
//
// The original design used a circular linked list of raw pointers with a
// "reading" flag on the node currently being drained to keep the writer from
// mutating it. Per the redesign note in spec §9, this is re-architected as
// an arena of chunk slots addressed by integer index, with a single
// "draining" index recording which slot is exclusively owned by the reader.
// The writer-advance rule becomes an index comparison instead of a pointer
// dereference plus flag check.
package chunkchain

import (
	"sync"

	"github.com/oml-collect/oml/pkg/mbuffer"
	"github.com/oml-collect/oml/pkg/omlerr"
)

type slot struct {
	buf  *mbuffer.MBuffer
	next int
}

// Chain is a circular arena of BufferChunks. It always contains at least two
// slots. writer is the slot currently receiving appends; reader is the
// oldest slot not yet fully drained; draining, when >= 0, is the slot the
// worker currently holds exclusive ownership of via BeginDrain.
type Chain struct {
	mu          sync.Mutex
	slots       []slot
	writer      int
	reader      int
	draining    int
	chunkTarget int
	unallocated int
	maxTotal    int
	dropped     int64
}

// New creates a chain sized so that roughly totalCap bytes are held across
// chunkSize-byte chunks, with at least two chunks always present (§4.3).
func New(totalCap, chunkSize int) *Chain {
	if chunkSize <= 0 {
		chunkSize = 1024
	}
	nchunks := totalCap / chunkSize
	if nchunks < 2 {
		nchunks = 2
	}

	c := &Chain{
		chunkTarget: chunkSize,
		maxTotal:    totalCap,
		draining:    -1,
	}
	c.slots = append(c.slots, slot{buf: mbuffer.New(chunkSize, chunkSize*4), next: 1})
	c.slots = append(c.slots, slot{buf: mbuffer.New(chunkSize, chunkSize*4), next: 0})
	c.writer, c.reader = 0, 0
	c.unallocated = nchunks - 2
	return c
}

// DroppedBytes returns the running total of bytes discarded by
// self-overwrite, for the accounting property in spec §8.
func (c *Chain) DroppedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// BeginMessage marks the start of a new in-progress message in the current
// writer chunk.
func (c *Chain) BeginMessage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[c.writer].buf.BeginMessage()
}

// ConsumeMessage commits the in-progress message in the current writer
// chunk, without MBuffer.ConsumeMessage's space-reclaiming option.
func (c *Chain) ConsumeMessage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[c.writer].buf.ConsumeMessage(false)
}

// Push appends data to the writer chunk, advancing to (or allocating, or
// overwriting) the next chunk first if it would not fit within the target
// chunk size. Returns the number of bytes dropped by this call (0 unless an
// overwrite occurred).
func (c *Chain) Push(data []byte) (dropped int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &c.slots[c.writer]
	if w.buf.Len()+len(data) > c.chunkTarget && w.buf.Len() > 0 {
		d, aerr := c.advanceWriter()
		if aerr != nil {
			return 0, aerr
		}
		dropped = d
		w = &c.slots[c.writer]
	}

	w.buf.BeginMessage()
	if err := w.buf.Write(data); err != nil {
		return dropped, err
	}
	w.buf.ConsumeMessage(false)
	return dropped, nil
}

// advanceWriter implements the chunk-advance rule of §4.3. Caller must hold
// c.mu.
func (c *Chain) advanceWriter() (dropped int64, err error) {
	cur := c.writer
	next := c.slots[cur].next

	switch {
	case c.slots[next].buf.Len() == 0 && next != c.draining:
		// Next chunk already fully drained; reuse it in place.
	case c.unallocated > 0:
		// Splice a freshly allocated chunk between cur and next.
		idx := len(c.slots)
		c.slots = append(c.slots, slot{buf: mbuffer.New(c.chunkTarget, c.chunkTarget*4), next: next})
		c.slots[cur].next = idx
		c.unallocated--
		next = idx
	default:
		if next == c.draining {
			omlerr.ProgrammerError("chunkchain.advanceWriter", "cannot overwrite chunk currently draining")
		}
		dropped = int64(c.slots[next].buf.Len())
		c.dropped += dropped
		c.slots[next].buf.Reset()
	}

	// Move the tail of an in-progress message from the old writer chunk to
	// the head of the new one, so the message stays contiguous across the
	// chunk boundary.
	tail := c.slots[cur].buf.CutTail()
	c.writer = next
	if len(tail) > 0 {
		if err := c.slots[next].buf.SeedPartial(tail); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// BeginDrain marks idx as exclusively owned by the reader, forbidding the
// writer from overwriting it via self-overwrite. If idx is still the active
// writer chunk, the writer is forced to advance off it first: otherwise a
// concurrent Push could keep appending to the same buffer the reader is
// draining outside the chain lock. This is also what lets a single buffered
// message drain without waiting for a second Push to rotate the chunk.
func (c *Chain) BeginDrain(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx == c.writer {
		if _, err := c.advanceWriter(); err != nil {
			omlerr.ProgrammerError("chunkchain.BeginDrain", "forced writer advance failed")
		}
	}
	c.draining = idx
}

// EndDrain releases exclusive ownership of idx. If the chunk is now fully
// drained and is not the writer chunk, the reader cursor advances past it.
func (c *Chain) EndDrain(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draining = -1
	if idx == c.reader && c.slots[idx].buf.Len() == 0 && idx != c.writer {
		c.reader = c.slots[idx].next
	}
}

// NextReadable returns the chunk index the worker should drain next, and
// whether one exists. This is usually the oldest chunk the writer has
// already rotated past, but when the chain holds only the single chunk
// currently receiving writes, that chunk is still readable as long as it
// holds committed bytes: BeginDrain forces the writer off it before the
// reader touches it, so a lone buffered message never waits on a second
// Push to become drainable.
func (c *Chain) NextReadable() (idx int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == c.writer && c.slots[c.reader].buf.Len() == 0 {
		return 0, false
	}
	return c.reader, true
}

// Buffer returns the MBuffer for slot idx. Only safe to call between
// BeginDrain(idx) and EndDrain(idx), or under external synchronization (the
// producer side never touches a slot other than the current writer chunk).
func (c *Chain) Buffer(idx int) *mbuffer.MBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[idx].buf
}

// ResetReadCursor rewinds slot idx's read cursor to its last committed
// message-start, for the resync-after-write-failure policy of §4.3.
func (c *Chain) ResetReadCursor(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[idx].buf.ResetRead()
}
