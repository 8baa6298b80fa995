// Package client implements the client-side half of the pipeline: MP/MS
// registration, the injection API, the filter chain, the per-stream writer,
// and the buffered self-draining egress (spec §3, §4.2, §4.3).
package client

import (
	"net"
	"sync"
	"time"

	"github.com/oml-collect/oml/internal/telemetry"
	"github.com/oml-collect/oml/pkg/chunkchain"
	"github.com/oml-collect/oml/pkg/log"
	"github.com/oml-collect/oml/pkg/omlerr"
)

const maxBackoffSeconds = 255

// Dialer opens the underlying transport. Supplied by the caller so tests can
// substitute an in-memory pipe instead of a real TCP dial.
type Dialer func() (net.Conn, error)

// Egress is the buffered, self-draining FIFO queue of §4.3: producer
// threads call Push/PushMeta without ever touching the network; a single
// worker goroutine drains the chunk chain to the transport, with backoff on
// write failure and resync on reconnect.
type Egress struct {
	mu   sync.Mutex
	cond *sync.Cond

	chain   *chunkchain.Chain
	metaBuf []byte

	dial   Dialer
	conn   net.Conn
	active bool

	backoff       int
	lastFailure   time.Time
	connectedOnce bool
	senderTag     string
	shutdownDone  chan struct{}
}

// NewEgress creates an egress with total byte capacity totalCap split into
// chunkSize-byte chunks (at least two chunks always exist, per §4.3), and
// starts its worker goroutine. senderTag is only used to label telemetry
// events.
func NewEgress(totalCap, chunkSize int, dial Dialer, senderTag string) *Egress {
	e := &Egress{
		chain:        chunkchain.New(totalCap, chunkSize),
		dial:         dial,
		active:       true,
		backoff:      1, // forces a "connected" message on the first successful write
		senderTag:    senderTag,
		shutdownDone: make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Push appends data (one fully framed wire message) to the chunk chain and
// wakes the worker. Safe to call from any goroutine without holding any
// other lock.
func (e *Egress) Push(data []byte) (dropped int64, err error) {
	dropped, err = e.chain.Push(data)
	e.mu.Lock()
	e.cond.Signal()
	e.mu.Unlock()
	if dropped > 0 {
		log.Warnf("client/egress: dropped %d bytes, chain at capacity", dropped)
		telemetry.Publish(telemetry.Event{Kind: telemetry.KindBytesDropped, SenderID: e.senderTag, Bytes: dropped})
	}
	return dropped, err
}

// PushMeta appends data to the sidecar meta buffer, resent in full at the
// head of every (re)connection so headers precede data (§4.3). While a
// connection is open, data is also queued on the chunk chain so it reaches
// that connection ahead of any later Push.
func (e *Egress) PushMeta(data []byte) {
	e.mu.Lock()
	e.metaBuf = append(e.metaBuf, data...)
	if e.conn != nil {
		e.chain.Push(data)
	}
	e.cond.Signal()
	e.mu.Unlock()
}

// DroppedBytes returns the running total of bytes discarded by
// self-overwrite.
func (e *Egress) DroppedBytes() int64 { return e.chain.DroppedBytes() }

// Close requests shutdown, waits for the worker to drain what it can and
// exit, and closes the underlying connection.
func (e *Egress) Close() {
	e.mu.Lock()
	e.active = false
	e.cond.Signal()
	e.mu.Unlock()
	<-e.shutdownDone
}

func (e *Egress) run() {
	defer close(e.shutdownDone)
	for {
		e.mu.Lock()
		for e.active && !e.hasWorkLocked() {
			e.cond.Wait()
		}
		active := e.active
		e.mu.Unlock()

		e.drainRound()

		if !active && (!e.hasWork() || e.conn == nil) {
			if e.conn != nil {
				e.conn.Close()
			}
			return
		}
	}
}

func (e *Egress) hasWorkLocked() bool {
	_, ok := e.chain.NextReadable()
	return ok || (e.conn == nil && len(e.metaBuf) > 0)
}

func (e *Egress) hasWork() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasWorkLocked()
}

// drainRound ensures a connection, resends the meta buffer if this is a
// fresh connection, then drains every readable chunk it can.
func (e *Egress) drainRound() {
	if !e.ensureConnected() {
		return
	}

	for {
		idx, ok := e.chain.NextReadable()
		if !ok {
			return
		}
		e.chain.BeginDrain(idx)
		buf := e.chain.Buffer(idx)
		unread := buf.Unread()
		if len(unread) == 0 {
			e.chain.EndDrain(idx)
			return
		}
		n, err := e.conn.Write(unread)
		if n > 0 {
			if _, rerr := buf.Read(n); rerr != nil {
				omlerr.ProgrammerError("client/egress", "read past write cursor while draining")
			}
			buf.ConsumeMessage(true)
		}
		if err != nil || n == 0 {
			e.chain.EndDrain(idx)
			e.onWriteFailure(idx)
			return
		}
		e.onWriteSuccess()
		e.chain.EndDrain(idx)
	}
}

// ensureConnected dials if necessary, honoring backoff, and replays the meta
// buffer on a fresh connection. Returns false if no connection attempt
// should be made this round.
func (e *Egress) ensureConnected() bool {
	e.mu.Lock()
	if e.conn != nil {
		e.mu.Unlock()
		return true
	}
	if !e.lastFailure.IsZero() && time.Since(e.lastFailure) < time.Duration(e.backoff)*time.Second {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	conn, err := e.dial()
	if err != nil {
		e.onWriteFailure(-1)
		return false
	}

	e.mu.Lock()
	e.conn = conn
	meta := append([]byte(nil), e.metaBuf...)
	e.mu.Unlock()

	if len(meta) > 0 {
		if _, err := conn.Write(meta); err != nil {
			e.onWriteFailure(-1)
			return false
		}
	}
	return true
}

func (e *Egress) onWriteFailure(idx int) {
	if idx >= 0 {
		e.chain.ResetReadCursor(idx)
	}
	e.mu.Lock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	prev := e.backoff
	next := prev * 2
	if next <= 0 || next > maxBackoffSeconds {
		next = maxBackoffSeconds
	}
	if next < 1 {
		next = 1
	}
	e.backoff = next
	e.lastFailure = time.Now()
	e.connectedOnce = false
	e.mu.Unlock()

	log.Warnf("client/egress: write failed, backing off %ds", next)
	telemetry.Publish(telemetry.Event{Kind: telemetry.KindEgressBackoff, SenderID: e.senderTag, BackoffSec: next})
}

func (e *Egress) onWriteSuccess() {
	e.mu.Lock()
	first := !e.connectedOnce
	e.backoff = 1
	e.lastFailure = time.Time{}
	e.connectedOnce = true
	e.mu.Unlock()

	if first {
		log.Infof("client/egress: connected")
		telemetry.Publish(telemetry.Event{Kind: telemetry.KindEgressConnected, SenderID: e.senderTag})
	}
}
