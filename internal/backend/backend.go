// Package backend defines the storage-capability interface the core
// depends on (spec §6): a struct-of-function-pointers in the original C,
// expressed here as a Go interface the server session and table registry
// consume without knowing which concrete store implements it.
package backend

import "github.com/oml-collect/oml/pkg/omlvalue"

// Row is one accepted measurement row ready for insertion, positioned per
// spec §4.6's insert path: sender index, sequence number, client and
// server timestamps, then the schema's field values in order.
type Row struct {
	SenderID int
	Seq      uint64
	ClientTS float64
	ServerTS float64
	Fields   []omlvalue.Value
}

// Backend is the capability interface consumed by the core (spec §6). The
// core owns no state inside a Backend and expects every operation to be
// blocking and total; a Backend implementation owns its own connection
// pooling, transactions, and error mapping.
type Backend interface {
	// CreateTable creates a data table named table in database db with
	// columns matching schema, preceded by the fixed bookkeeping columns
	// (oml_sender_id, oml_seq, oml_ts_client, oml_ts_server).
	CreateTable(db, table string, schema omlvalue.Schema) error
	// CreateMetaTable ensures db's _experiment_metadata and _senders
	// bookkeeping tables exist.
	CreateMetaTable(db string) error
	// FreeTable releases any backend-side resources held for table (does
	// not drop it).
	FreeTable(db, table string) error
	// InsertRow appends one row to table.
	InsertRow(db, table string, row Row) error
	// GetMetadata looks up key in db's _experiment_metadata table.
	GetMetadata(db, key string) (value string, ok bool, err error)
	// SetMetadata upserts key -> value in db's _experiment_metadata table.
	SetMetadata(db, key, value string) error
	// AddSender returns the stable integer id for sender name in db,
	// assigning a new one (max(existing)+1, starting at 1) on first sight.
	AddSender(db, name string) (id int, err error)
	// ListTables returns the names of all data tables currently known in
	// db (for diagnostics and schema rediscovery after restart).
	ListTables(db string) ([]string, error)
	// Release lets the backend drop any per-database resources (e.g. a
	// connection) once the registry's refcount for db reaches zero.
	Release(db string) error
}
