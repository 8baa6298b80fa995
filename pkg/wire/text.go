package wire

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/oml-collect/oml/pkg/omlvalue"
)

// TextCodec implements the tab-separated text encoding: one message per
// line, terminated by '\n'. The first three fields are timestamp (decimal
// double), stream index (unsigned decimal), sequence number (unsigned
// decimal); the rest are field values in schema order.
type TextCodec struct{}

var _ Decoder = TextCodec{}
var _ Encoder = TextCodec{}

// Decode locates the next '\n' without copying the line, then parses its
// tab-separated fields. Returns NeedMoreBytes if no newline is present yet.
func (TextCodec) Decode(buf Reader, lookup SchemaLookup) (int, *Message, error) {
	off := buf.Find('\n')
	if off == -1 {
		return NeedMoreBytes, nil, nil
	}

	buf.BeginMessage()
	line, err := buf.Read(off + 1) // include the '\n'
	if err != nil {
		return ProtocolErrorLen, nil, err
	}
	line = line[:off] // drop the trailing '\n'

	fields := bytes.Split(line, []byte{'\t'})
	if len(fields) < 3 {
		buf.ResetRead()
		return ProtocolErrorLen, nil, fmt.Errorf("wire/text: malformed line, want at least 3 fields, got %d", len(fields))
	}

	ts, err := strconv.ParseFloat(string(fields[0]), 64)
	if err != nil {
		return ProtocolErrorLen, nil, fmt.Errorf("wire/text: timestamp: %w", err)
	}
	streamIdx, err := strconv.ParseUint(string(fields[1]), 10, 16)
	if err != nil {
		return ProtocolErrorLen, nil, fmt.Errorf("wire/text: stream index: %w", err)
	}
	seq, err := strconv.ParseUint(string(fields[2]), 10, 64)
	if err != nil {
		return ProtocolErrorLen, nil, fmt.Errorf("wire/text: sequence number: %w", err)
	}

	schema, ok := lookup(uint16(streamIdx))
	if !ok {
		return ProtocolErrorLen, nil, fmt.Errorf("wire/text: undeclared stream index %d", streamIdx)
	}

	rest := fields[3:]
	if len(rest) != len(schema.Fields) {
		return ProtocolErrorLen, nil, fmt.Errorf("wire/text: stream %d expects %d fields, got %d", streamIdx, len(schema.Fields), len(rest))
	}

	values := make([]omlvalue.Value, len(rest))
	for i, raw := range rest {
		v, err := parseTextField(schema.Fields[i].Typ, raw)
		if err != nil {
			return ProtocolErrorLen, nil, fmt.Errorf("wire/text: field %q: %w", schema.Fields[i].Name, err)
		}
		values[i] = v
	}

	buf.ConsumeMessage(true)
	return off + 1, &Message{
		StreamIndex: uint16(streamIdx),
		Seq:         seq,
		Timestamp:   ts,
		Fields:      values,
	}, nil
}

func parseTextField(t omlvalue.Type, raw []byte) (omlvalue.Value, error) {
	s := string(raw)
	switch t {
	case omlvalue.TypeInt32:
		n, err := strconv.ParseInt(s, 10, 32)
		return omlvalue.Int32(int32(n)), err
	case omlvalue.TypeUInt32:
		n, err := strconv.ParseUint(s, 10, 32)
		return omlvalue.UInt32(uint32(n)), err
	case omlvalue.TypeInt64, omlvalue.TypeLong:
		n, err := strconv.ParseInt(s, 10, 64)
		return omlvalue.Int64(n), err
	case omlvalue.TypeUInt64:
		n, err := strconv.ParseUint(s, 10, 64)
		return omlvalue.UInt64(n), err
	case omlvalue.TypeDouble:
		n, err := strconv.ParseFloat(s, 64)
		return omlvalue.Double(n), err
	case omlvalue.TypeString:
		return omlvalue.String(s), nil
	case omlvalue.TypeBlob:
		return omlvalue.BlobValue(raw), nil
	default:
		return omlvalue.Value{}, fmt.Errorf("unsupported field type %v", t)
	}
}

// Encode renders msg as one tab-separated line, terminated by '\n'.
func (TextCodec) Encode(msg Message) []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.FormatFloat(msg.Timestamp, 'f', -1, 64))
	buf.WriteByte('\t')
	buf.WriteString(strconv.FormatUint(uint64(msg.StreamIndex), 10))
	buf.WriteByte('\t')
	buf.WriteString(strconv.FormatUint(msg.Seq, 10))
	for _, v := range msg.Fields {
		buf.WriteByte('\t')
		writeTextField(&buf, v)
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

func writeTextField(buf *bytes.Buffer, v omlvalue.Value) {
	switch v.Typ {
	case omlvalue.TypeInt32:
		buf.WriteString(strconv.FormatInt(int64(v.I32), 10))
	case omlvalue.TypeUInt32:
		buf.WriteString(strconv.FormatUint(uint64(v.U32), 10))
	case omlvalue.TypeInt64, omlvalue.TypeLong:
		buf.WriteString(strconv.FormatInt(v.I64, 10))
	case omlvalue.TypeUInt64:
		buf.WriteString(strconv.FormatUint(v.U64, 10))
	case omlvalue.TypeDouble:
		buf.WriteString(strconv.FormatFloat(v.F64, 'f', -1, 64))
	case omlvalue.TypeString:
		buf.WriteString(v.Str)
	case omlvalue.TypeBlob:
		buf.Write(v.Blob)
	}
}
