// Package wire implements the two OML message encodings (text and binary)
// that share one framing invariant: (stream-index, sequence-number,
// timestamp, N typed values) where N matches the schema declared for
// stream-index (§4.5).
//
// Both codecs speak the same Decoder contract used by the server session
// state machine (§4.4): a non-negative return is bytes consumed (0 meaning
// "need more bytes"), and -1 signals an unrecoverable protocol error.
package wire

import "github.com/oml-collect/oml/pkg/omlvalue"

// NeedMoreBytes is returned by Decode when the buffer does not yet hold a
// complete message.
const NeedMoreBytes = 0

// ProtocolErrorLen is returned (as n == -1) when a message cannot be parsed at
// all and recovery is not possible for this encoding.
const ProtocolErrorLen = -1

// Message is one parsed (or to-be-encoded) row: a stream index, a
// monotonic per-stream sequence number, a client timestamp, and the field
// values in schema order.
type Message struct {
	StreamIndex uint16
	Seq         uint64
	Timestamp   float64
	Fields      []omlvalue.Value
}

// SchemaLookup resolves a stream index to the Schema bound to it within the
// current session, so a decoder knows how many fields to expect and of what
// type. Returns ok=false for an undeclared stream index.
type SchemaLookup func(streamIndex uint16) (omlvalue.Schema, bool)

// Decoder parses one message at a time from an MBuffer's unread region.
type Decoder interface {
	// Decode attempts to parse exactly one message, consuming the bytes it
	// accounts for from buf itself (via Read/BeginMessage/ConsumeMessage) in
	// every case except NeedMoreBytes. The returned n mirrors how many bytes
	// that was, for callers that only want to log progress: NeedMoreBytes
	// (0) if incomplete (nothing consumed), ProtocolErrorLen (-1) with err
	// set if unrecoverable, or a positive byte length on success or on a
	// recoverable resync skip. msg is nil whenever no message was produced
	// (NeedMoreBytes, a protocol error, or a resync skip) — callers must
	// check msg != nil rather than inspect its zero value.
	Decode(buf Reader, lookup SchemaLookup) (n int, msg *Message, err error)
}

// Encoder serializes one message. It takes no schema: field count, order
// and types are taken from msg as given and assumed correct.
type Encoder interface {
	Encode(msg Message) []byte
}

// Reader is the subset of *mbuffer.MBuffer the codecs need, so this package
// does not import mbuffer's concrete type into its exported surface.
type Reader interface {
	Unread() []byte
	Find(c byte) int
	Read(n int) ([]byte, error)
	BeginMessage()
	ConsumeMessage(reclaim bool)
	ResetRead()
}
