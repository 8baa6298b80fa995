package serverd

import (
	"fmt"
	"testing"

	"github.com/oml-collect/oml/internal/backend"
	"github.com/oml-collect/oml/pkg/omlvalue"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory backend.Backend sufficient to exercise the
// registry's reconciliation logic without a real SQL driver.
type fakeBackend struct {
	tables  map[string]map[string]omlvalue.Schema
	meta    map[string]map[string]string
	senders map[string]map[string]int
	rows    map[string][]backend.Row
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tables:  make(map[string]map[string]omlvalue.Schema),
		meta:    make(map[string]map[string]string),
		senders: make(map[string]map[string]int),
		rows:    make(map[string][]backend.Row),
	}
}

func (f *fakeBackend) CreateTable(db, table string, schema omlvalue.Schema) error {
	if f.tables[db] == nil {
		f.tables[db] = make(map[string]omlvalue.Schema)
	}
	f.tables[db][table] = schema
	return nil
}

func (f *fakeBackend) CreateMetaTable(db string) error {
	if f.meta[db] == nil {
		f.meta[db] = make(map[string]string)
	}
	if f.senders[db] == nil {
		f.senders[db] = make(map[string]int)
	}
	return nil
}

func (f *fakeBackend) FreeTable(db, table string) error { return nil }

func (f *fakeBackend) InsertRow(db, table string, row backend.Row) error {
	key := db + "/" + table
	f.rows[key] = append(f.rows[key], row)
	return nil
}

func (f *fakeBackend) GetMetadata(db, key string) (string, bool, error) {
	v, ok := f.meta[db][key]
	return v, ok, nil
}

func (f *fakeBackend) SetMetadata(db, key, value string) error {
	if f.meta[db] == nil {
		f.meta[db] = make(map[string]string)
	}
	f.meta[db][key] = value
	return nil
}

func (f *fakeBackend) AddSender(db, name string) (int, error) {
	if f.senders[db] == nil {
		f.senders[db] = make(map[string]int)
	}
	if id, ok := f.senders[db][name]; ok {
		return id, nil
	}
	id := len(f.senders[db]) + 1
	f.senders[db][name] = id
	return id, nil
}

func (f *fakeBackend) ListTables(db string) ([]string, error) {
	names := make([]string, 0, len(f.tables[db]))
	for n := range f.tables[db] {
		names = append(names, n)
	}
	return names, nil
}

func (f *fakeBackend) Release(db string) error { return nil }

func schemaInt32(name, field string) omlvalue.Schema {
	return omlvalue.Schema{Name: name, Fields: []omlvalue.FieldDef{{Name: field, Typ: omlvalue.TypeInt32}}}
}

func schemaString(name, field string) omlvalue.Schema {
	return omlvalue.Schema{Name: name, Fields: []omlvalue.FieldDef{{Name: field, Typ: omlvalue.TypeString}}}
}

func TestReconcileCreatesNewTable(t *testing.T) {
	be := newFakeBackend()
	r := NewTableRegistry(be)
	release, err := r.Acquire("exp1")
	require.NoError(t, err)
	defer release()

	name, err := r.Reconcile("exp1", schemaInt32("t", "id"))
	require.NoError(t, err)
	require.Equal(t, "t", name)
	require.Contains(t, be.meta["exp1"], "table_t")
}

func TestReconcileIdenticalSchemaRebinds(t *testing.T) {
	be := newFakeBackend()
	r := NewTableRegistry(be)
	release, err := r.Acquire("exp1")
	require.NoError(t, err)
	defer release()

	_, err = r.Reconcile("exp1", schemaInt32("t", "id"))
	require.NoError(t, err)

	name, err := r.Reconcile("exp1", schemaInt32("t", "id"))
	require.NoError(t, err)
	require.Equal(t, "t", name)
}

// TestReconcileRenamesOnConflict mirrors spec §8 scenario 2: a second client
// declares an incompatible schema for the same table name and gets renamed
// to "t_2" while the first table is untouched.
func TestReconcileRenamesOnConflict(t *testing.T) {
	be := newFakeBackend()
	r := NewTableRegistry(be)
	release, err := r.Acquire("exp1")
	require.NoError(t, err)
	defer release()

	name1, err := r.Reconcile("exp1", schemaInt32("t", "id"))
	require.NoError(t, err)
	require.Equal(t, "t", name1)

	name2, err := r.Reconcile("exp1", schemaString("t", "id"))
	require.NoError(t, err)
	require.Equal(t, "t_2", name2)

	require.Equal(t, omlvalue.TypeInt32, be.tables["exp1"]["t"].Fields[0].Typ)
	require.Equal(t, omlvalue.TypeString, be.tables["exp1"]["t_2"].Fields[0].Typ)
}

// TestReconcileUint64BlobExceptionBindsWithoutRename checks the documented
// compatibility exception: a column mismatch binds to the existing table
// without renaming only when *both* sides are uint64 or blob (§4.6); a
// mismatch involving any other type is not covered by the exception.
func TestReconcileUint64BlobExceptionBindsWithoutRename(t *testing.T) {
	be := newFakeBackend()
	r := NewTableRegistry(be)
	release, err := r.Acquire("exp1")
	require.NoError(t, err)
	defer release()

	stored := omlvalue.Schema{Name: "t", Fields: []omlvalue.FieldDef{{Name: "id", Typ: omlvalue.TypeUInt64}}}
	proposed := omlvalue.Schema{Name: "t", Fields: []omlvalue.FieldDef{{Name: "id", Typ: omlvalue.TypeBlob}}}

	_, err = r.Reconcile("exp1", stored)
	require.NoError(t, err)

	name, err := r.Reconcile("exp1", proposed)
	require.NoError(t, err)
	require.Equal(t, "t", name)
}

// TestReconcileOneSidedUint64MismatchRenames checks that a mismatch where
// only one side is uint64/blob (e.g. a plain int32 on the other) is NOT
// covered by the compatibility exception and renames instead, per §4.6:
// "if unequal at column k and at least one side is neither uint64 nor blob,
// rename".
func TestReconcileOneSidedUint64MismatchRenames(t *testing.T) {
	be := newFakeBackend()
	r := NewTableRegistry(be)
	release, err := r.Acquire("exp1")
	require.NoError(t, err)
	defer release()

	stored := omlvalue.Schema{Name: "t", Fields: []omlvalue.FieldDef{{Name: "id", Typ: omlvalue.TypeInt32}}}
	proposed := omlvalue.Schema{Name: "t", Fields: []omlvalue.FieldDef{{Name: "id", Typ: omlvalue.TypeUInt64}}}

	_, err = r.Reconcile("exp1", stored)
	require.NoError(t, err)

	name, err := r.Reconcile("exp1", proposed)
	require.NoError(t, err)
	require.Equal(t, "t_2", name)
}

func TestReconcileExhaustsRenameLimit(t *testing.T) {
	be := newFakeBackend()
	r := NewTableRegistry(be)
	release, err := r.Acquire("exp1")
	require.NoError(t, err)
	defer release()

	_, err = r.Reconcile("exp1", schemaInt32("t", "id"))
	require.NoError(t, err)

	for i := 2; i <= NMaxTableRename; i++ {
		name := fmt.Sprintf("t_%d", i)
		require.NoError(t, be.CreateTable("exp1", name, schemaInt32(name, "id")))
		r.db["exp1"].tables[name] = &boundTable{schema: schemaInt32(name, "id"), table: name}
	}

	_, err = r.Reconcile("exp1", schemaString("t", "id"))
	require.Error(t, err)
}

func TestSenderIDAssignsAndCaches(t *testing.T) {
	be := newFakeBackend()
	r := NewTableRegistry(be)
	release, err := r.Acquire("exp1")
	require.NoError(t, err)
	defer release()

	id1, err := r.SenderID("exp1", "clientA")
	require.NoError(t, err)
	require.Equal(t, 1, id1)

	id2, err := r.SenderID("exp1", "clientB")
	require.NoError(t, err)
	require.Equal(t, 2, id2)

	id1Again, err := r.SenderID("exp1", "clientA")
	require.NoError(t, err)
	require.Equal(t, id1, id1Again)
}

func TestAcquireReleaseRefcounts(t *testing.T) {
	be := newFakeBackend()
	r := NewTableRegistry(be)

	release1, err := r.Acquire("exp1")
	require.NoError(t, err)
	release2, err := r.Acquire("exp1")
	require.NoError(t, err)

	release1()
	require.Contains(t, r.db, "exp1")

	release2()
	require.NotContains(t, r.db, "exp1")
}
