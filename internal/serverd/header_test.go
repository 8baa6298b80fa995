package serverd

import (
	"testing"

	"github.com/oml-collect/oml/pkg/omlvalue"
	"github.com/stretchr/testify/require"
)

func TestParseHeaderLineSplitsTagValue(t *testing.T) {
	hdr, ok := parseHeaderLine("content: binary")
	require.True(t, ok)
	require.Equal(t, "content", hdr.Tag)
	require.Equal(t, "binary", hdr.Value)
}

func TestParseHeaderLineRejectsNoColon(t *testing.T) {
	_, ok := parseHeaderLine("not a header")
	require.False(t, ok)
}

func TestCanonicalTagResolvesAliases(t *testing.T) {
	require.Equal(t, "experiment-id", canonicalTag("domain"))
	require.Equal(t, "experiment-id", canonicalTag("experiment-id"))
	require.Equal(t, "start-time", canonicalTag("start_time"))
	require.Equal(t, "start-time", canonicalTag("start-time"))
	require.Equal(t, "sender-id", canonicalTag("sender-id"))
}

func TestParseContentMode(t *testing.T) {
	m, err := parseContentMode("text")
	require.NoError(t, err)
	require.Equal(t, ContentText, m)

	m, err = parseContentMode("binary")
	require.NoError(t, err)
	require.Equal(t, ContentBinary, m)

	_, err = parseContentMode("json")
	require.Error(t, err)
}

func TestParseSchemaDecl(t *testing.T) {
	decl, err := parseSchemaDecl("1 sin label:string angle:double value:double")
	require.NoError(t, err)
	require.Equal(t, uint16(1), decl.StreamIndex)
	require.Equal(t, "sin", decl.Schema.Name)
	require.Equal(t, []omlvalue.FieldDef{
		{Name: "label", Typ: omlvalue.TypeString},
		{Name: "angle", Typ: omlvalue.TypeDouble},
		{Name: "value", Typ: omlvalue.TypeDouble},
	}, decl.Schema.Fields)
}

func TestParseSchemaDeclRejectsMalformed(t *testing.T) {
	_, err := parseSchemaDecl("1")
	require.Error(t, err)

	_, err = parseSchemaDecl("1 sin label_no_type")
	require.Error(t, err)

	_, err = parseSchemaDecl("1 sin label:unknowntype")
	require.Error(t, err)

	_, err = parseSchemaDecl("notanumber sin label:string")
	require.Error(t, err)
}

func TestHeaderSetAddAndLookup(t *testing.T) {
	hs := newHeaderSet()
	hs.add(Header{Tag: "domain", Value: "exp1"})
	hs.add(Header{Tag: "content", Value: "text"})

	v, ok := hs.first("experiment-id")
	require.True(t, ok)
	require.Equal(t, "exp1", v)

	v, ok = hs.first("content")
	require.True(t, ok)
	require.Equal(t, "text", v)

	_, ok = hs.first("missing")
	require.False(t, ok)

	require.Len(t, hs.all, 2)
}
