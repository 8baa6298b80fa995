package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/oml-collect/oml/pkg/omlvalue"
)

// Binary packet types (§4.5): the length prefix following the sync bytes is
// either 2 bytes (short form, payload up to 65535 bytes) or 4 bytes (long
// form), selected by this type tag.
const (
	packetShort byte = 0x1
	packetLong  byte = 0x2
)

// Binary field type tags (§4.5). tagDouble is always the scaled form: an
// inner scale tag doubleScaleTag, a 4-byte big-endian mantissa, and a 1-byte
// signed exponent, with value = mantissa * 2^exponent / 2^30.
const (
	tagInt32  byte = 0x01
	tagDouble byte = 0x02
	tagInt64  byte = 0x03
	tagString byte = 0x04
	tagBlob   byte = 0x05
	tagUInt32 byte = 0x06
	tagUInt64 byte = 0x07

	// doubleScaleTag is the fixed inner byte that precedes every scaled
	// double's mantissa/exponent pair (§4.5).
	doubleScaleTag byte = 0x54

	// doubleScaleBits is the fixed-point scale: value = mantissa * 2^exp / 2^doubleScaleBits.
	doubleScaleBits = 30
)

const (
	syncByte = 0xAA
)

// BinaryCodec implements the sync-framed binary encoding.
type BinaryCodec struct{}

var _ Decoder = BinaryCodec{}
var _ Encoder = BinaryCodec{}

// Decode scans for the two-byte sync marker, then parses one packet: a
// 1-byte packet type selecting a 2- or 4-byte big-endian payload length,
// followed by a 1-byte field count, a 1-byte stream index, a tagged
// sequence number, a tagged timestamp, and exactly count tagged values
// matching the stream's schema (§4.5; ground truth in server/binary.c: the
// count byte excludes the seqno/timestamp pair, which always precede the
// schema fields).
func (BinaryCodec) Decode(buf Reader, lookup SchemaLookup) (int, *Message, error) {
	unread := buf.Unread()
	syncOff := findSync(unread)
	if syncOff == -1 {
		// No sync pair anywhere in the buffered data; drop everything except
		// a possible lone trailing 0xAA that might start a new pair.
		keep := 0
		if n := len(unread); n > 0 && unread[n-1] == syncByte {
			keep = 1
		}
		n := len(unread) - keep
		if n > 0 {
			buf.BeginMessage()
			if _, err := buf.Read(n); err != nil {
				return ProtocolErrorLen, nil, err
			}
			buf.ConsumeMessage(true)
		}
		return n, nil, nil
	}
	if syncOff > 0 {
		// Resynchronize: discard the garbage preceding the sync marker.
		buf.BeginMessage()
		if _, err := buf.Read(syncOff); err != nil {
			return ProtocolErrorLen, nil, err
		}
		buf.ConsumeMessage(true)
		return syncOff, nil, nil
	}

	if len(unread) < 3 {
		return NeedMoreBytes, nil, nil
	}
	ptype := unread[2]

	var lenFieldSize int
	switch ptype {
	case packetShort:
		lenFieldSize = 2
	case packetLong:
		lenFieldSize = 4
	default:
		// The sync bytes were a coincidental match in non-frame data. Skip
		// past them and let the next call scan for a real sync pair.
		buf.BeginMessage()
		if _, err := buf.Read(2); err != nil {
			return ProtocolErrorLen, nil, err
		}
		buf.ConsumeMessage(true)
		return 2, nil, nil
	}

	headerLen := 3 + lenFieldSize
	if len(unread) < headerLen {
		return NeedMoreBytes, nil, nil
	}

	var payloadLen int
	if lenFieldSize == 2 {
		payloadLen = int(binary.BigEndian.Uint16(unread[3:5]))
	} else {
		payloadLen = int(binary.BigEndian.Uint32(unread[3:7]))
	}

	total := headerLen + payloadLen
	if len(unread) < total {
		return NeedMoreBytes, nil, nil
	}

	buf.BeginMessage()
	if _, err := buf.Read(headerLen); err != nil {
		return ProtocolErrorLen, nil, err
	}
	payload, err := buf.Read(payloadLen)
	if err != nil {
		return ProtocolErrorLen, nil, err
	}

	p := binParser{data: payload}
	if p.remaining() < 2 {
		buf.ResetRead()
		return ProtocolErrorLen, nil, fmt.Errorf("wire/binary: short payload")
	}
	count := int(p.byte())
	streamIdx := uint16(p.byte())

	seqVal, err := p.readTagged()
	if err != nil {
		buf.ResetRead()
		return ProtocolErrorLen, nil, fmt.Errorf("wire/binary: sequence number: %w", err)
	}
	seq, err := asUint64(seqVal)
	if err != nil {
		buf.ResetRead()
		return ProtocolErrorLen, nil, fmt.Errorf("wire/binary: sequence number: %w", err)
	}

	tsVal, err := p.readTagged()
	if err != nil {
		buf.ResetRead()
		return ProtocolErrorLen, nil, fmt.Errorf("wire/binary: timestamp: %w", err)
	}
	ts, err := asFloat64(tsVal)
	if err != nil {
		buf.ResetRead()
		return ProtocolErrorLen, nil, fmt.Errorf("wire/binary: timestamp: %w", err)
	}

	schema, ok := lookup(streamIdx)
	if !ok {
		buf.ResetRead()
		return ProtocolErrorLen, nil, fmt.Errorf("wire/binary: undeclared stream index %d", streamIdx)
	}
	if count != len(schema.Fields) {
		buf.ResetRead()
		return ProtocolErrorLen, nil, fmt.Errorf("wire/binary: stream %d expects %d fields, got %d", streamIdx, len(schema.Fields), count)
	}

	values := make([]omlvalue.Value, count)
	for i := 0; i < count; i++ {
		v, err := p.readTagged()
		if err != nil {
			buf.ResetRead()
			return ProtocolErrorLen, nil, fmt.Errorf("wire/binary: field %q: %w", schema.Fields[i].Name, err)
		}
		values[i] = v
	}

	buf.ConsumeMessage(true)
	return total, &Message{
		StreamIndex: streamIdx,
		Seq:         seq,
		Timestamp:   ts,
		Fields:      values,
	}, nil
}

// findSync returns the offset of the first 0xAA 0xAA pair in b, or -1.
func findSync(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == syncByte && b[i+1] == syncByte {
			return i
		}
	}
	return -1
}

func asUint64(v omlvalue.Value) (uint64, error) {
	switch v.Typ {
	case omlvalue.TypeUInt64:
		return v.U64, nil
	case omlvalue.TypeInt64, omlvalue.TypeLong:
		return uint64(v.I64), nil
	case omlvalue.TypeUInt32:
		return uint64(v.U32), nil
	case omlvalue.TypeInt32:
		return uint64(v.I32), nil
	default:
		return 0, fmt.Errorf("unexpected type %v for integer field", v.Typ)
	}
}

func asFloat64(v omlvalue.Value) (float64, error) {
	if v.Typ != omlvalue.TypeDouble {
		return 0, fmt.Errorf("unexpected type %v for double field", v.Typ)
	}
	return v.F64, nil
}

// binParser walks a decoded payload's tagged values.
type binParser struct {
	data []byte
	off  int
}

func (p *binParser) remaining() int { return len(p.data) - p.off }

func (p *binParser) byte() byte {
	b := p.data[p.off]
	p.off++
	return b
}

func (p *binParser) bytes(n int) ([]byte, error) {
	if p.remaining() < n {
		return nil, fmt.Errorf("short read: want %d, have %d", n, p.remaining())
	}
	b := p.data[p.off : p.off+n]
	p.off += n
	return b, nil
}

func (p *binParser) readTagged() (omlvalue.Value, error) {
	if p.remaining() < 1 {
		return omlvalue.Value{}, fmt.Errorf("missing type tag")
	}
	tag := p.byte()
	switch tag {
	case tagInt32:
		b, err := p.bytes(4)
		if err != nil {
			return omlvalue.Value{}, err
		}
		return omlvalue.Int32(int32(binary.BigEndian.Uint32(b))), nil
	case tagUInt32:
		b, err := p.bytes(4)
		if err != nil {
			return omlvalue.Value{}, err
		}
		return omlvalue.UInt32(binary.BigEndian.Uint32(b)), nil
	case tagInt64:
		b, err := p.bytes(8)
		if err != nil {
			return omlvalue.Value{}, err
		}
		return omlvalue.Int64(int64(binary.BigEndian.Uint64(b))), nil
	case tagUInt64:
		b, err := p.bytes(8)
		if err != nil {
			return omlvalue.Value{}, err
		}
		return omlvalue.UInt64(binary.BigEndian.Uint64(b)), nil
	case tagDouble:
		if p.remaining() < 1 {
			return omlvalue.Value{}, fmt.Errorf("missing double scale tag")
		}
		scale := p.byte()
		if scale != doubleScaleTag {
			return omlvalue.Value{}, fmt.Errorf("unexpected double scale tag 0x%x", scale)
		}
		b, err := p.bytes(5)
		if err != nil {
			return omlvalue.Value{}, err
		}
		mantissa := int32(binary.BigEndian.Uint32(b[0:4]))
		exp := int8(b[4])
		return omlvalue.Double(float64(mantissa) * math.Pow(2, float64(exp)) / (1 << doubleScaleBits)), nil
	case tagString:
		if p.remaining() < 1 {
			return omlvalue.Value{}, fmt.Errorf("missing string length")
		}
		n := int(p.byte())
		b, err := p.bytes(n)
		if err != nil {
			return omlvalue.Value{}, err
		}
		return omlvalue.String(string(b)), nil
	case tagBlob:
		if p.remaining() < 4 {
			return omlvalue.Value{}, fmt.Errorf("missing blob length")
		}
		lb, err := p.bytes(4)
		if err != nil {
			return omlvalue.Value{}, err
		}
		n := int(binary.BigEndian.Uint32(lb))
		b, err := p.bytes(n)
		if err != nil {
			return omlvalue.Value{}, err
		}
		return omlvalue.BlobValue(b), nil
	default:
		return omlvalue.Value{}, fmt.Errorf("unknown field type tag 0x%x", tag)
	}
}

// Encode renders msg in the binary wire format, choosing the short packet
// form when the payload fits in 65535 bytes and the long form otherwise.
func (BinaryCodec) Encode(msg Message) []byte {
	var payload []byte
	payload = append(payload, byte(len(msg.Fields)), byte(msg.StreamIndex))
	payload = appendTagged(payload, omlvalue.Int64(int64(msg.Seq)))
	payload = appendTagged(payload, omlvalue.Double(msg.Timestamp))
	for _, v := range msg.Fields {
		payload = appendTagged(payload, v)
	}

	out := make([]byte, 0, len(payload)+8)
	out = append(out, syncByte, syncByte)
	if len(payload) <= 0xFFFF {
		out = append(out, packetShort)
		var lb [2]byte
		binary.BigEndian.PutUint16(lb[:], uint16(len(payload)))
		out = append(out, lb[:]...)
	} else {
		out = append(out, packetLong)
		var lb [4]byte
		binary.BigEndian.PutUint32(lb[:], uint32(len(payload)))
		out = append(out, lb[:]...)
	}
	out = append(out, payload...)
	return out
}

func appendTagged(dst []byte, v omlvalue.Value) []byte {
	switch v.Typ {
	case omlvalue.TypeInt32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.I32))
		return append(append(dst, tagInt32), b[:]...)
	case omlvalue.TypeUInt32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v.U32)
		return append(append(dst, tagUInt32), b[:]...)
	case omlvalue.TypeInt64, omlvalue.TypeLong:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.I64))
		return append(append(dst, tagInt64), b[:]...)
	case omlvalue.TypeUInt64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.U64)
		return append(append(dst, tagUInt64), b[:]...)
	case omlvalue.TypeDouble:
		mantissa, exp := scaleDouble(v.F64)
		dst = append(dst, tagDouble, doubleScaleTag)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(mantissa))
		dst = append(dst, b[:]...)
		return append(dst, byte(exp))
	case omlvalue.TypeString:
		s := v.Str
		if len(s) > 0xFF {
			s = s[:0xFF]
		}
		dst = append(dst, tagString, byte(len(s)))
		return append(dst, s...)
	case omlvalue.TypeBlob:
		var lb [4]byte
		binary.BigEndian.PutUint32(lb[:], uint32(len(v.Blob)))
		dst = append(dst, tagBlob)
		dst = append(dst, lb[:]...)
		return append(dst, v.Blob...)
	default:
		return dst
	}
}

// scaleDouble normalizes v into the mantissa/exponent pair of the scaled
// double wire form (§4.5): value = mantissa * 2^exp / 2^doubleScaleBits.
// math.Frexp splits v into a fraction in [0.5, 1) and a base-2 exponent;
// scaling the fraction by 2^doubleScaleBits keeps the mantissa within
// int32 range while using the full available precision.
func scaleDouble(v float64) (mantissa int32, exp int8) {
	if v == 0 {
		return 0, 0
	}
	frac, e2 := math.Frexp(v)
	return int32(math.Round(frac * (1 << doubleScaleBits))), int8(e2)
}
