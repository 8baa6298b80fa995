package wire

import (
	"testing"

	"github.com/oml-collect/oml/pkg/mbuffer"
	"github.com/oml-collect/oml/pkg/omlvalue"
	"github.com/stretchr/testify/require"
)

func testSchema() omlvalue.Schema {
	return omlvalue.Schema{
		Name:  "sin",
		Index: 1,
		Fields: []omlvalue.FieldDef{
			{Name: "label", Typ: omlvalue.TypeString},
			{Name: "angle", Typ: omlvalue.TypeDouble},
			{Name: "value", Typ: omlvalue.TypeDouble},
		},
	}
}

func lookupFor(s omlvalue.Schema) SchemaLookup {
	return func(idx uint16) (omlvalue.Schema, bool) {
		if idx == s.Index {
			return s, true
		}
		return omlvalue.Schema{}, false
	}
}

func TestTextRoundTrip(t *testing.T) {
	schema := testSchema()
	msg := Message{
		StreamIndex: 1,
		Seq:         1,
		Timestamp:   1234.5,
		Fields: []omlvalue.Value{
			omlvalue.String("s-1"),
			omlvalue.Double(0.0),
			omlvalue.Double(0.0),
		},
	}

	var codec TextCodec
	encoded := codec.Encode(msg)

	buf := mbuffer.New(256, 4096)
	require.NoError(t, buf.Write(encoded))

	n, got, err := codec.Decode(buf, lookupFor(schema))
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.Equal(t, msg.StreamIndex, got.StreamIndex)
	require.Equal(t, msg.Seq, got.Seq)
	require.InDelta(t, msg.Timestamp, got.Timestamp, 1e-9)
	require.Len(t, got.Fields, 3)
	for i := range msg.Fields {
		require.True(t, msg.Fields[i].Equal(got.Fields[i]))
	}
}

func TestTextNeedMoreBytes(t *testing.T) {
	buf := mbuffer.New(256, 4096)
	require.NoError(t, buf.Write([]byte("1234.5\t1\t1\tpartial")))

	var codec TextCodec
	n, _, err := codec.Decode(buf, lookupFor(testSchema()))
	require.NoError(t, err)
	require.Equal(t, NeedMoreBytes, n)
}

func TestBinaryRoundTrip(t *testing.T) {
	schema := testSchema()
	msg := Message{
		StreamIndex: 1,
		Seq:         42,
		Timestamp:   9999.125,
		Fields: []omlvalue.Value{
			omlvalue.String("s-1"),
			omlvalue.Double(1.5),
			omlvalue.Double(-2.25),
		},
	}

	var codec BinaryCodec
	encoded := codec.Encode(msg)

	buf := mbuffer.New(256, 4096)
	require.NoError(t, buf.Write(encoded))

	n, got, err := codec.Decode(buf, lookupFor(schema))
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.Equal(t, msg.StreamIndex, got.StreamIndex)
	require.Equal(t, msg.Seq, got.Seq)
	require.InDelta(t, msg.Timestamp, got.Timestamp, 1e-9)
	for i := range msg.Fields {
		require.True(t, msg.Fields[i].Equal(got.Fields[i]))
	}
}

func TestBinarySyncRecovery(t *testing.T) {
	schema := testSchema()
	msg := Message{
		StreamIndex: 1,
		Seq:         1,
		Timestamp:   1.0,
		Fields: []omlvalue.Value{
			omlvalue.String("x"),
			omlvalue.Double(0),
			omlvalue.Double(0),
		},
	}
	var codec BinaryCodec
	frame := codec.Encode(msg)

	junk := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	buf := mbuffer.New(256, 4096)
	require.NoError(t, buf.Write(append(append([]byte(nil), junk...), frame...)))

	// First decode call skips and consumes the junk prefix internally.
	n, _, err := codec.Decode(buf, lookupFor(schema))
	require.NoError(t, err)
	require.Equal(t, len(junk), n)

	n2, got, err := codec.Decode(buf, lookupFor(schema))
	require.NoError(t, err)
	require.Equal(t, len(frame), n2)
	require.Equal(t, msg.Seq, got.Seq)
}

func TestBinaryNeedMoreBytes(t *testing.T) {
	var codec BinaryCodec
	buf := mbuffer.New(256, 4096)
	require.NoError(t, buf.Write([]byte{0xAA, 0xAA, packetShort, 0x00}))

	n, _, err := codec.Decode(buf, lookupFor(testSchema()))
	require.NoError(t, err)
	require.Equal(t, NeedMoreBytes, n)
}
