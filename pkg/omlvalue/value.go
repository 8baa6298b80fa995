// Package omlvalue defines the typed value union carried on the wire and
// through the client-side filter chain, along with the FieldDef/Schema
// types that describe a stream's shape.
package omlvalue

import (
	"fmt"
	"regexp"
	"strings"
)

// Type tags the concrete kind held by a Value. The zero value, TypeInvalid,
// never appears on a constructed Value and is used to detect
// zero-initialized values that were never assigned.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeInt32
	TypeUInt32
	TypeInt64
	TypeUInt64
	TypeDouble
	TypeString
	TypeBlob
	// TypeLong is a platform-long alias kept only for wire compatibility
	// with older senders; new code should prefer Int64/UInt64 explicitly.
	TypeLong
)

func (t Type) String() string {
	switch t {
	case TypeInt32:
		return "int32"
	case TypeUInt32:
		return "uint32"
	case TypeInt64:
		return "int64"
	case TypeUInt64:
		return "uint64"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeBlob:
		return "blob"
	case TypeLong:
		return "long"
	default:
		return "invalid"
	}
}

// ParseType maps the wire/schema-language type name to a Type.
func ParseType(name string) (Type, error) {
	switch name {
	case "int32":
		return TypeInt32, nil
	case "uint32":
		return TypeUInt32, nil
	case "int64":
		return TypeInt64, nil
	case "uint64":
		return TypeUInt64, nil
	case "double":
		return TypeDouble, nil
	case "string":
		return TypeString, nil
	case "blob":
		return TypeBlob, nil
	case "long":
		return TypeLong, nil
	default:
		return TypeInvalid, fmt.Errorf("omlvalue: unknown type %q", name)
	}
}

// Ownership distinguishes strings that merely point into storage the caller
// does not own (BorrowedConst, e.g. a string literal or a slice of a decode
// buffer) from strings that this Value privately owns (Owned). Decoders must
// never let a BorrowedConst escape the lifetime of the buffer it points
// into; TextCodec.Decode and BinaryCodec.Decode in package wire always
// return Owned strings for this reason.
type Ownership uint8

const (
	BorrowedConst Ownership = iota
	Owned
)

// Value is a tagged union over the primitive set. Only the field matching
// Typ is meaningful; the others are zero.
type Value struct {
	Typ  Type
	I32  int32
	U32  uint32
	I64  int64
	U64  uint64
	F64  float64
	Str  string
	Blob []byte
	// Own records how Str/Blob are owned. Irrelevant for numeric types.
	Own Ownership
}

func Int32(v int32) Value   { return Value{Typ: TypeInt32, I32: v} }
func UInt32(v uint32) Value { return Value{Typ: TypeUInt32, U32: v} }
func Int64(v int64) Value   { return Value{Typ: TypeInt64, I64: v} }
func UInt64(v uint64) Value { return Value{Typ: TypeUInt64, U64: v} }
func Double(v float64) Value { return Value{Typ: TypeDouble, F64: v} }

// String constructs an Owned string value. Use StringBorrowed for literals
// that are known to outlive every consumer (e.g. compile-time constants).
func String(v string) Value { return Value{Typ: TypeString, Str: v, Own: Owned} }

// StringBorrowed constructs a BorrowedConst string value. Callers must
// guarantee v outlives the Value; CloneIfBorrowed converts it to Owned.
func StringBorrowed(v string) Value { return Value{Typ: TypeString, Str: v, Own: BorrowedConst} }

func BlobValue(v []byte) Value {
	cp := append([]byte(nil), v...)
	return Value{Typ: TypeBlob, Blob: cp, Own: Owned}
}

// CloneIfBorrowed returns a Value guaranteed not to alias external storage:
// for a BorrowedConst string it copies into a fresh Go string (which, being
// immutable and GC-owned, is safe to retain indefinitely).
func (v Value) CloneIfBorrowed() Value {
	if v.Typ == TypeString && v.Own == BorrowedConst {
		b := make([]byte, len(v.Str))
		copy(b, v.Str)
		v.Str = string(b)
		v.Own = Owned
	}
	return v
}

// SameType reports whether two values carry the same Type tag.
func (v Value) SameType(o Value) bool { return v.Typ == o.Typ }

// Equal compares two values for equality of type and content.
func (v Value) Equal(o Value) bool {
	if v.Typ != o.Typ {
		return false
	}
	switch v.Typ {
	case TypeInt32:
		return v.I32 == o.I32
	case TypeUInt32:
		return v.U32 == o.U32
	case TypeInt64, TypeLong:
		return v.I64 == o.I64
	case TypeUInt64:
		return v.U64 == o.U64
	case TypeDouble:
		return v.F64 == o.F64
	case TypeString:
		return v.Str == o.Str
	case TypeBlob:
		if len(v.Blob) != len(o.Blob) {
			return false
		}
		for i := range v.Blob {
			if v.Blob[i] != o.Blob[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// identRegexp is the shared name grammar for schema, field, MP and MS names.
var identRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether name matches the identifier grammar shared by
// schema names and field names.
func ValidIdent(name string) bool {
	return identRegexp.MatchString(name)
}

// FieldDef names one column of a Schema.
type FieldDef struct {
	Name string
	Typ  Type
}

// Schema is an ordered, named list of fields bound to a wire stream index.
// Index 0 is reserved for the key/value metadata stream (§3).
type Schema struct {
	Name   string
	Index  uint16
	Fields []FieldDef
}

// Validate checks the name grammar and field-name uniqueness invariants.
func (s Schema) Validate() error {
	if !ValidIdent(s.Name) {
		return fmt.Errorf("omlvalue: invalid schema name %q", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if !ValidIdent(f.Name) {
			return fmt.Errorf("omlvalue: invalid field name %q in schema %q", f.Name, s.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("omlvalue: duplicate field name %q in schema %q", f.Name, s.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// HeaderString renders the schema as the "<index> <name> <field>:<type>..."
// meta-string shared by the schema wire header and the backend's
// table_<name> bookkeeping row (spec §4.4, §4.6, §6).
func (s Schema) HeaderString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s", s.Index, s.Name)
	for _, f := range s.Fields {
		fmt.Fprintf(&b, " %s:%s", f.Name, f.Typ.String())
	}
	return b.String()
}

// Equal reports value-equality: same name and field list, in order.
func (s Schema) Equal(o Schema) bool {
	if s.Name != o.Name || len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// DiffResult is the outcome of comparing a proposed schema against a stored
// one, per the reconciliation algorithm of §4.6.
type DiffResult int

const (
	// DiffEqual: schemas match exactly.
	DiffEqual DiffResult = -2
	// DiffInvalid: structurally incompatible (field count mismatch, or a
	// column mismatch where at least one side is neither uint64 nor blob).
	DiffInvalid DiffResult = -1
	// Any non-negative value is the zero-based index of the first
	// differing column, when the uint64/blob compatibility exception
	// applies.
)

// Diff compares proposed against stored and returns DiffEqual, DiffInvalid,
// or the first differing column index. The uint64/blob compatibility
// exception in §4.6 tolerates a single-column type mismatch only when
// *both* sides' types are uint64 or blob; a mismatch involving any other
// type requires a rename.
func Diff(stored, proposed Schema) DiffResult {
	if stored.Equal(proposed) {
		return DiffEqual
	}
	if len(stored.Fields) != len(proposed.Fields) {
		return DiffInvalid
	}
	for i := range stored.Fields {
		a, b := stored.Fields[i], proposed.Fields[i]
		if a.Name != b.Name || a.Typ != b.Typ {
			aCompat := a.Typ == TypeUInt64 || a.Typ == TypeBlob
			bCompat := b.Typ == TypeUInt64 || b.Typ == TypeBlob
			if aCompat && bCompat {
				return DiffResult(i)
			}
			return DiffInvalid
		}
	}
	return DiffEqual
}
