// Package serverd implements the server-side per-connection session state
// machine, header parsing, and table/schema registry with reconciliation
// (spec §4.4, §4.6).
package serverd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oml-collect/oml/pkg/omlvalue"
)

// ContentMode selects which wire codec a session uses for its Data state.
type ContentMode int

const (
	ContentUnknown ContentMode = iota
	ContentText
	ContentBinary
)

func parseContentMode(v string) (ContentMode, error) {
	switch v {
	case "text":
		return ContentText, nil
	case "binary":
		return ContentBinary, nil
	default:
		return ContentUnknown, fmt.Errorf("serverd: unrecognized content mode %q", v)
	}
}

// Header is one parsed "tag: value" header line.
type Header struct {
	Tag   string
	Value string
}

// parseHeaderLine splits one CRLF/LF-stripped line into a tag/value pair on
// the first ": " or ":" separator. Returns ok=false for a line that is not
// a recognizable header (callers treat this as a protocol error).
func parseHeaderLine(line string) (Header, bool) {
	line = strings.TrimRight(line, "\r")
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return Header{}, false
	}
	tag := line[:idx]
	value := strings.TrimSpace(line[idx+1:])
	return Header{Tag: tag, Value: value}, true
}

// canonicalTag resolves header aliases (domain/experiment-id,
// start-time/start_time) to one canonical name.
func canonicalTag(tag string) string {
	switch tag {
	case "domain", "experiment-id":
		return "experiment-id"
	case "start-time", "start_time":
		return "start-time"
	default:
		return tag
	}
}

// SchemaDecl is one parsed "schema" header value:
// "<stream-index> <name> <field>:<type>[ <field>:<type>]*".
type SchemaDecl struct {
	StreamIndex uint16
	Schema      omlvalue.Schema
}

func parseSchemaDecl(value string) (SchemaDecl, error) {
	parts := strings.Fields(value)
	if len(parts) < 2 {
		return SchemaDecl{}, fmt.Errorf("serverd: malformed schema declaration %q", value)
	}
	idx, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return SchemaDecl{}, fmt.Errorf("serverd: schema stream index: %w", err)
	}
	name := parts[1]
	if !omlvalue.ValidIdent(name) {
		return SchemaDecl{}, fmt.Errorf("serverd: invalid schema name %q", name)
	}

	var fields []omlvalue.FieldDef
	for _, spec := range parts[2:] {
		fname, ftype, ok := strings.Cut(spec, ":")
		if !ok {
			return SchemaDecl{}, fmt.Errorf("serverd: malformed field spec %q", spec)
		}
		if !omlvalue.ValidIdent(fname) {
			return SchemaDecl{}, fmt.Errorf("serverd: invalid field name %q", fname)
		}
		typ, err := omlvalue.ParseType(ftype)
		if err != nil {
			return SchemaDecl{}, err
		}
		fields = append(fields, omlvalue.FieldDef{Name: fname, Typ: typ})
	}

	schema := omlvalue.Schema{Name: name, Index: uint16(idx), Fields: fields}
	if err := schema.Validate(); err != nil {
		return SchemaDecl{}, err
	}
	return SchemaDecl{StreamIndex: uint16(idx), Schema: schema}, nil
}

// headerSet accumulates parsed headers for one session during the Header
// state, both as an ordered list and a by-tag index (spec §4.4: "added to a
// list and, if recognized, indexed by tag").
type headerSet struct {
	all   []Header
	byTag map[string][]Header
}

func newHeaderSet() *headerSet {
	return &headerSet{byTag: make(map[string][]Header)}
}

func (h *headerSet) add(hdr Header) {
	h.all = append(h.all, hdr)
	tag := canonicalTag(hdr.Tag)
	h.byTag[tag] = append(h.byTag[tag], hdr)
}

func (h *headerSet) first(tag string) (string, bool) {
	vs, ok := h.byTag[tag]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0].Value, true
}

func (h *headerSet) allOf(tag string) []Header {
	return h.byTag[tag]
}
