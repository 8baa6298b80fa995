package client

import (
	"fmt"

	"github.com/oml-collect/oml/pkg/omlvalue"
	"github.com/oml-collect/oml/pkg/wire"
)

// Writer is the per-MS encoder of §3/§4.2: it brackets one row with
// RowStart/RowEnd, encodes it with the session's chosen wire codec, and
// hands the framed bytes to the egress. WriteHeader declares the stream's
// schema as a stream-0 metadata row, encoded with the same codec as every
// other message and pushed onto the egress's meta buffer so it precedes
// data after every reconnect (spec §4.4: schema declarations arriving as
// stream-0 metadata, not a raw header line, since by the time the first
// sample fires the session's header block has long since gone out).
type Writer struct {
	streamIndex uint16
	encoder     wire.Encoder
	egress      *Egress
	seq         uint64
	metaSeq     uint64

	building bool
	cur      wire.Message
}

func newWriter(streamIndex uint16, encoder wire.Encoder, egress *Egress) *Writer {
	return &Writer{streamIndex: streamIndex, encoder: encoder, egress: egress}
}

// WriteHeader encodes a stream-0 "schema" metadata message carrying
// schema's "<index> <name> <field>:<type>..." meta-string (spec §4.4,
// §4.6) and pushes it onto the egress's meta buffer. Uses a sequence
// number separate from the stream's own row sequence, per spec §3's "a
// separate metadata sequence number" per MS.
func (w *Writer) WriteHeader(schema omlvalue.Schema) {
	w.metaSeq++
	msg := wire.Message{
		StreamIndex: 0,
		Seq:         w.metaSeq,
		Fields: []omlvalue.Value{
			omlvalue.String("schema"),
			omlvalue.String(schema.HeaderString()),
		},
	}
	w.egress.PushMeta(w.encoder.Encode(msg))
}

// RowStart begins a new row at timestamp ts, assigning it the stream's next
// monotonically increasing sequence number.
func (w *Writer) RowStart(ts float64) {
	w.seq++
	w.cur = wire.Message{StreamIndex: w.streamIndex, Seq: w.seq, Timestamp: ts}
	w.building = true
}

// Out appends field values, in order, to the row currently being built.
func (w *Writer) Out(values ...omlvalue.Value) {
	if !w.building {
		return
	}
	w.cur.Fields = append(w.cur.Fields, values...)
}

// RowEnd encodes the completed row and pushes it to the egress.
func (w *Writer) RowEnd() error {
	if !w.building {
		return fmt.Errorf("client: RowEnd without matching RowStart")
	}
	data := w.encoder.Encode(w.cur)
	w.building = false
	_, err := w.egress.Push(data)
	return err
}
