package omlvalue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidIdent(t *testing.T) {
	require.True(t, ValidIdent("angle"))
	require.True(t, ValidIdent("_private"))
	require.True(t, ValidIdent("a1_2"))
	require.False(t, ValidIdent("1angle"))
	require.False(t, ValidIdent("has space"))
	require.False(t, ValidIdent(""))
}

func TestParseTypeRoundTrip(t *testing.T) {
	for _, name := range []string{"int32", "uint32", "int64", "uint64", "double", "string", "blob", "long"} {
		typ, err := ParseType(name)
		require.NoError(t, err)
		require.Equal(t, name, typ.String())
	}
	_, err := ParseType("nonsense")
	require.Error(t, err)
}

func TestSchemaValidateRejectsDuplicateFields(t *testing.T) {
	s := Schema{Name: "s", Fields: []FieldDef{
		{Name: "a", Typ: TypeInt32},
		{Name: "a", Typ: TypeDouble},
	}}
	require.Error(t, s.Validate())
}

func TestSchemaValidateRejectsBadNames(t *testing.T) {
	s := Schema{Name: "1bad", Fields: []FieldDef{{Name: "a", Typ: TypeInt32}}}
	require.Error(t, s.Validate())

	s2 := Schema{Name: "ok", Fields: []FieldDef{{Name: "1bad", Typ: TypeInt32}}}
	require.Error(t, s2.Validate())
}

func TestSchemaEqual(t *testing.T) {
	a := Schema{Name: "s", Fields: []FieldDef{{Name: "a", Typ: TypeInt32}}}
	b := Schema{Name: "s", Fields: []FieldDef{{Name: "a", Typ: TypeInt32}}}
	c := Schema{Name: "s", Fields: []FieldDef{{Name: "a", Typ: TypeDouble}}}
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestSchemaHeaderString(t *testing.T) {
	s := Schema{Name: "sin", Index: 1, Fields: []FieldDef{
		{Name: "label", Typ: TypeString},
		{Name: "value", Typ: TypeDouble},
	}}
	require.Equal(t, "1 sin label:string value:double", s.HeaderString())
}

func TestDiffEqualSchemas(t *testing.T) {
	a := Schema{Name: "t", Fields: []FieldDef{{Name: "id", Typ: TypeInt32}}}
	b := Schema{Name: "t", Fields: []FieldDef{{Name: "id", Typ: TypeInt32}}}
	require.Equal(t, DiffEqual, Diff(a, b))
}

func TestDiffInvalidOnFieldCountMismatch(t *testing.T) {
	a := Schema{Name: "t", Fields: []FieldDef{{Name: "id", Typ: TypeInt32}}}
	b := Schema{Name: "t", Fields: []FieldDef{{Name: "id", Typ: TypeInt32}, {Name: "extra", Typ: TypeInt32}}}
	require.Equal(t, DiffInvalid, Diff(a, b))
}

func TestDiffInvalidOnIncompatibleTypeMismatch(t *testing.T) {
	a := Schema{Name: "t", Fields: []FieldDef{{Name: "id", Typ: TypeInt32}}}
	b := Schema{Name: "t", Fields: []FieldDef{{Name: "id", Typ: TypeString}}}
	require.Equal(t, DiffInvalid, Diff(a, b))
}

func TestDiffUint64BlobExceptionReturnsColumnIndex(t *testing.T) {
	// Both sides uint64/blob: the exception applies, so Diff reports the
	// differing column instead of DiffInvalid.
	a := Schema{Name: "t", Fields: []FieldDef{{Name: "id", Typ: TypeUInt64}}}
	c := Schema{Name: "t", Fields: []FieldDef{{Name: "id", Typ: TypeBlob}}}
	require.Equal(t, DiffResult(0), Diff(a, c))
}

func TestDiffOneSidedUint64MismatchIsInvalid(t *testing.T) {
	// Only one side is uint64/blob (the other is int64): the exception does
	// not apply, per §4.6's "at least one side is neither uint64 nor blob".
	a := Schema{Name: "t", Fields: []FieldDef{{Name: "id", Typ: TypeUInt64}}}
	b := Schema{Name: "t", Fields: []FieldDef{{Name: "id", Typ: TypeInt64}}}
	require.Equal(t, DiffInvalid, Diff(a, b))
}

func TestCloneIfBorrowedCopiesString(t *testing.T) {
	src := "abc"
	v := StringBorrowed(src)
	require.Equal(t, BorrowedConst, v.Own)
	cloned := v.CloneIfBorrowed()
	require.Equal(t, Owned, cloned.Own)
	require.Equal(t, "abc", cloned.Str)
}

func TestValueEqual(t *testing.T) {
	require.True(t, Int32(5).Equal(Int32(5)))
	require.False(t, Int32(5).Equal(Int32(6)))
	require.False(t, Int32(5).Equal(Double(5)))
	require.True(t, BlobValue([]byte{1, 2, 3}).Equal(BlobValue([]byte{1, 2, 3})))
	require.False(t, BlobValue([]byte{1, 2}).Equal(BlobValue([]byte{1, 2, 3})))
}
