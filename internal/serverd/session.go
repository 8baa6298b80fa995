package serverd

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/oml-collect/oml/internal/backend"
	"github.com/oml-collect/oml/internal/telemetry"
	"github.com/oml-collect/oml/pkg/log"
	"github.com/oml-collect/oml/pkg/mbuffer"
	"github.com/oml-collect/oml/pkg/omlvalue"
	"github.com/oml-collect/oml/pkg/wire"
)

// State is one of the four session states of spec §4.4.
type State int

const (
	StateHeader State = iota
	StateConfigure
	StateData
	StateProtocolError
)

func (s State) String() string {
	switch s {
	case StateHeader:
		return "Header"
	case StateConfigure:
		return "Configure"
	case StateData:
		return "Data"
	case StateProtocolError:
		return "ProtocolError"
	default:
		return "Unknown"
	}
}

// metadataSchema is the fixed (key, value) schema every session's stream 0
// decodes against (spec §3, §4.2).
var metadataSchema = omlvalue.Schema{
	Name:  "_metadata",
	Index: 0,
	Fields: []omlvalue.FieldDef{
		{Name: "key", Typ: omlvalue.TypeString},
		{Name: "value", Typ: omlvalue.TypeString},
	},
}

const metadataDroppedBytesKey = "_dropped_bytes"

// streamBinding is what a session remembers about one declared stream:
// the proposed schema as the client declared it, and the (possibly
// renamed) table it was reconciled to.
type streamBinding struct {
	schema omlvalue.Schema
	table  string
}

// Session is one TCP connection's server-side state (spec §3, §4.4).
type Session struct {
	conn    net.Conn
	recv    *mbuffer.MBuffer
	reg     *TableRegistry
	be      backend.Backend
	metrics *Metrics

	state   State
	headers *headerSet

	experimentID string
	senderName   string
	senderID     int
	content      ContentMode
	decoder      wire.Decoder

	startTime time.Time
	streams   map[uint16]streamBinding

	release func()
	closed  bool
}

// NewSession creates a session in the Header state for a freshly accepted
// connection.
func NewSession(conn net.Conn, reg *TableRegistry, be backend.Backend, metrics *Metrics) *Session {
	s := &Session{
		conn:    conn,
		recv:    mbuffer.New(4096, 64*1024*1024),
		reg:     reg,
		be:      be,
		metrics: metrics,
		state:   StateHeader,
		headers: newHeaderSet(),
		streams: make(map[uint16]streamBinding),
	}
	metrics.sessionOpened()
	return s
}

// Feed appends newly received bytes and drives the state machine as far as
// it can go. Returns an error only when the session has transitioned to
// ProtocolError; the caller should then close the connection.
func (s *Session) Feed(data []byte) error {
	if err := s.recv.Write(data); err != nil {
		return s.fail(fmt.Errorf("serverd: receive buffer: %w", err))
	}
	return s.run()
}

func (s *Session) run() error {
	for {
		switch s.state {
		case StateHeader:
			if !s.stepHeader() {
				return nil
			}
		case StateConfigure:
			if err := s.stepConfigure(); err != nil {
				return s.fail(err)
			}
		case StateData:
			cont, err := s.stepData()
			if err != nil {
				return s.fail(err)
			}
			if !cont {
				return nil
			}
		case StateProtocolError:
			return nil
		}
	}
}

// stepHeader parses as many complete header lines as are buffered. Returns
// false when it needs more bytes before it can make further progress.
func (s *Session) stepHeader() bool {
	for {
		off := s.recv.Find('\n')
		if off == mbuffer.NotFound {
			return false
		}
		s.recv.BeginMessage()
		line, err := s.recv.Read(off + 1)
		if err != nil {
			s.state = StateProtocolError
			return true
		}
		line = line[:off]
		s.recv.ConsumeMessage(true)

		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			s.state = StateConfigure
			return true
		}

		hdr, ok := parseHeaderLine(string(line))
		if !ok {
			s.state = StateProtocolError
			return true
		}
		s.headers.add(hdr)
	}
}

func (s *Session) stepConfigure() error {
	expID, ok := s.headers.first("experiment-id")
	if !ok {
		return fmt.Errorf("serverd: missing required experiment-id/domain header")
	}
	contentStr, ok := s.headers.first("content")
	if !ok {
		return fmt.Errorf("serverd: missing required content header")
	}
	content, err := parseContentMode(contentStr)
	if err != nil {
		return err
	}
	senderName, _ := s.headers.first("sender-id")
	if senderName == "" {
		senderName = "default"
	}

	release, err := s.reg.Acquire(expID)
	if err != nil {
		return err
	}

	s.experimentID = expID
	s.content = content
	s.senderName = senderName
	s.release = release
	s.startTime = time.Now()

	switch content {
	case ContentText:
		s.decoder = wire.TextCodec{}
	case ContentBinary:
		s.decoder = wire.BinaryCodec{}
	}

	senderID, err := s.reg.SenderID(expID, senderName)
	if err != nil {
		return err
	}
	s.senderID = senderID

	for _, hdr := range s.headers.allOf("schema") {
		if err := s.declareSchema(hdr.Value); err != nil {
			return err
		}
	}

	telemetry.Publish(telemetry.Event{
		Kind:       telemetry.KindSessionConnected,
		SenderID:   s.senderName,
		Experiment: s.experimentID,
	})

	s.state = StateData
	return nil
}

func (s *Session) declareSchema(value string) error {
	decl, err := parseSchemaDecl(value)
	if err != nil {
		return err
	}
	table, err := s.reg.Reconcile(s.experimentID, decl.Schema)
	if err != nil {
		return err
	}
	if table != decl.Schema.Name {
		s.metrics.schemaRenamed()
		publishRename(s.senderName, decl.Schema.Name, table)
	}
	s.streams[decl.StreamIndex] = streamBinding{schema: decl.Schema, table: table}
	return nil
}

func (s *Session) lookupSchema(streamIndex uint16) (omlvalue.Schema, bool) {
	if streamIndex == 0 {
		return metadataSchema, true
	}
	b, ok := s.streams[streamIndex]
	if !ok {
		return omlvalue.Schema{}, false
	}
	return b.schema, true
}

// stepData decodes and ingests as many complete messages as are buffered,
// returning cont=false when more bytes are needed.
func (s *Session) stepData() (cont bool, err error) {
	n, msg, derr := s.decoder.Decode(s.recv, s.lookupSchema)
	switch {
	case n == wire.NeedMoreBytes && derr == nil:
		return false, nil
	case n == wire.ProtocolErrorLen:
		return false, derr
	default:
		if msg != nil {
			if err := s.ingest(*msg); err != nil {
				return false, err
			}
		}
		return true, nil
	}
}

func (s *Session) ingest(msg wire.Message) error {
	if msg.StreamIndex == 0 {
		return s.ingestMetadata(msg)
	}

	b, ok := s.streams[msg.StreamIndex]
	if !ok {
		return fmt.Errorf("serverd: data on undeclared stream %d", msg.StreamIndex)
	}

	row := backend.Row{
		SenderID: s.senderID,
		Seq:      msg.Seq,
		ClientTS: msg.Timestamp,
		ServerTS: time.Since(s.startTime).Seconds(),
		Fields:   msg.Fields,
	}
	if err := s.be.InsertRow(s.experimentID, b.table, row); err != nil {
		return fmt.Errorf("serverd: insert into %q: %w", b.table, err)
	}
	s.metrics.rowInserted()
	return nil
}

func (s *Session) ingestMetadata(msg wire.Message) error {
	if len(msg.Fields) != 2 {
		return fmt.Errorf("serverd: malformed metadata row (want 2 fields, got %d)", len(msg.Fields))
	}
	key, value := msg.Fields[0].Str, msg.Fields[1].Str

	if key == "schema" {
		return s.declareSchema(value)
	}
	if key == metadataDroppedBytesKey {
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			s.metrics.bytesDropped(n)
		}
		return nil
	}

	return s.be.SetMetadata(s.experimentID, key, value)
}

func (s *Session) fail(err error) error {
	s.state = StateProtocolError
	s.metrics.protocolError()
	log.Warnf("serverd: session %s entering ProtocolError: %v", s.senderName, err)
	s.Close()
	return err
}

// Close releases the session's reference on its experiment database and
// its metrics gauge. Safe to call more than once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.release != nil {
		s.release()
		s.release = nil
		telemetry.Publish(telemetry.Event{
			Kind:       telemetry.KindSessionClosed,
			SenderID:   s.senderName,
			Experiment: s.experimentID,
		})
	}
	s.metrics.sessionClosed()
}
