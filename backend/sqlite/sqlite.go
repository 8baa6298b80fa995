// Package sqlite is the reference storage backend (spec §6): one SQLite
// file per experiment database, opened lazily and kept open for as long as
// the table registry holds a reference on it. It implements
// internal/backend.Backend the way the teacher's internal/repository
// package wraps database/sql: sqlx for scanning convenience, sqlhooks for
// query logging, golang-migrate for the bookkeeping tables.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/oml-collect/oml/internal/backend"
	"github.com/oml-collect/oml/pkg/omlvalue"
)

var registerDriverOnce sync.Once

const driverName = "sqlite3-oml"

func registerDriver() {
	registerDriverOnce.Do(func() {
		sql.Register(driverName, sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, queryHooks{}))
	})
}

// Backend is a filesystem directory of one SQLite file per experiment,
// opened on Acquire and closed on Release (spec §4.6's reference-counted
// database lifecycle, here at the storage layer rather than the registry).
type Backend struct {
	baseDir string

	mu   sync.Mutex
	open map[string]*sqlx.DB
}

var _ backend.Backend = (*Backend)(nil)

// New creates a Backend rooted at baseDir, creating the directory if it
// does not already exist.
func New(baseDir string) (*Backend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create base dir %q: %w", baseDir, err)
	}
	registerDriver()
	return &Backend{baseDir: baseDir, open: make(map[string]*sqlx.DB)}, nil
}

func (b *Backend) path(db string) string {
	return filepath.Join(b.baseDir, db+".sqlite3")
}

// handle returns the cached *sqlx.DB for db, opening and migrating it on
// first use. SQLite does not benefit from more than one open connection
// per file (it would just serialize on the file lock anyway), so every
// handle is capped at one, matching the teacher's own sqlite3 connection.
func (b *Backend) handle(db string) (*sqlx.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.open[db]; ok {
		return h, nil
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on", b.path(db))
	h, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", db, err)
	}
	h.SetMaxOpenConns(1)

	if err := runMigrations(h.DB); err != nil {
		h.Close()
		return nil, err
	}

	b.open[db] = h
	return h, nil
}

func (b *Backend) CreateMetaTable(db string) error {
	_, err := b.handle(db)
	return err
}

func columnType(t omlvalue.Type) string {
	switch t {
	case omlvalue.TypeInt32, omlvalue.TypeUInt32, omlvalue.TypeInt64, omlvalue.TypeUInt64, omlvalue.TypeLong:
		return "INTEGER"
	case omlvalue.TypeDouble:
		return "REAL"
	case omlvalue.TypeBlob:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// CreateTable creates table in db with the fixed bookkeeping columns
// followed by schema's fields in order, idempotently.
func (b *Backend) CreateTable(db, table string, schema omlvalue.Schema) error {
	if !omlvalue.ValidIdent(table) {
		return fmt.Errorf("sqlite: invalid table name %q", table)
	}
	h, err := b.handle(db)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (`+
			`oml_sender_id INTEGER NOT NULL, `+
			`oml_seq INTEGER NOT NULL, `+
			`oml_ts_client REAL NOT NULL, `+
			`oml_ts_server REAL NOT NULL`, table)
	for _, f := range schema.Fields {
		if !omlvalue.ValidIdent(f.Name) {
			return fmt.Errorf("sqlite: invalid column name %q", f.Name)
		}
		stmt += fmt.Sprintf(`, %q %s`, f.Name, columnType(f.Typ))
	}
	stmt += ")"

	if _, err := h.Exec(stmt); err != nil {
		return fmt.Errorf("sqlite: create table %q: %w", table, err)
	}
	return nil
}

// FreeTable is a no-op: this backend holds no per-table resource beyond
// the shared database handle that Release closes.
func (b *Backend) FreeTable(db, table string) error { return nil }

func fieldArg(v omlvalue.Value) interface{} {
	switch v.Typ {
	case omlvalue.TypeInt32:
		return v.I32
	case omlvalue.TypeUInt32:
		return v.U32
	case omlvalue.TypeInt64, omlvalue.TypeLong:
		return v.I64
	case omlvalue.TypeUInt64:
		// SQLite INTEGER is a signed 64-bit column; values above
		// math.MaxInt64 round-trip via their two's-complement bit pattern,
		// matching the uint64/blob compatibility exception of spec §4.6.
		return int64(v.U64)
	case omlvalue.TypeDouble:
		return v.F64
	case omlvalue.TypeString:
		return v.Str
	case omlvalue.TypeBlob:
		return v.Blob
	default:
		return nil
	}
}

// InsertRow appends one row to table, in bookkeeping-then-schema column
// order.
func (b *Backend) InsertRow(db, table string, row backend.Row) error {
	if !omlvalue.ValidIdent(table) {
		return fmt.Errorf("sqlite: invalid table name %q", table)
	}
	h, err := b.handle(db)
	if err != nil {
		return err
	}

	placeholders := "?, ?, ?, ?"
	args := []interface{}{row.SenderID, row.Seq, row.ClientTS, row.ServerTS}
	for _, f := range row.Fields {
		placeholders += ", ?"
		args = append(args, fieldArg(f))
	}
	// Positional insert relies on CreateTable having laid out columns in
	// bookkeeping-then-schema-field order; there is no other writer of
	// this table's rows.
	stmt := fmt.Sprintf(`INSERT INTO %q VALUES (%s)`, table, placeholders)

	if _, err := h.Exec(stmt, args...); err != nil {
		return fmt.Errorf("sqlite: insert into %q: %w", table, err)
	}
	return nil
}

func (b *Backend) GetMetadata(db, key string) (string, bool, error) {
	h, err := b.handle(db)
	if err != nil {
		return "", false, err
	}
	var value string
	err = h.Get(&value, `SELECT value FROM _experiment_metadata WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: get metadata %q: %w", key, err)
	}
	return value, true, nil
}

func (b *Backend) SetMetadata(db, key, value string) error {
	h, err := b.handle(db)
	if err != nil {
		return err
	}
	_, err = h.Exec(`INSERT INTO _experiment_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: set metadata %q: %w", key, err)
	}
	return nil
}

// AddSender returns name's stable id in db, assigning max(existing)+1
// (starting at 1) on first sight (spec §4.6).
func (b *Backend) AddSender(db, name string) (int, error) {
	h, err := b.handle(db)
	if err != nil {
		return 0, err
	}

	tx, err := h.Beginx()
	if err != nil {
		return 0, fmt.Errorf("sqlite: add sender %q: %w", name, err)
	}
	defer tx.Rollback()

	var id int
	err = tx.Get(&id, `SELECT id FROM _senders WHERE name = ?`, name)
	if err == nil {
		return id, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("sqlite: lookup sender %q: %w", name, err)
	}

	if err := tx.Get(&id, `SELECT COALESCE(MAX(id), 0) + 1 FROM _senders`); err != nil {
		return 0, fmt.Errorf("sqlite: next sender id: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO _senders (id, name) VALUES (?, ?)`, id, name); err != nil {
		return 0, fmt.Errorf("sqlite: insert sender %q: %w", name, err)
	}
	return id, tx.Commit()
}

// ListTables returns the names of all data tables in db, excluding the
// bookkeeping tables (whose names start with '_').
func (b *Backend) ListTables(db string) ([]string, error) {
	h, err := b.handle(db)
	if err != nil {
		return nil, err
	}
	var names []string
	err = h.Select(&names, `SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE '\_%' ESCAPE '\'
		AND name != 'schema_migrations'`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tables: %w", err)
	}
	return names, nil
}

// Release closes db's connection once the registry's last reference on it
// is gone.
func (b *Backend) Release(db string) error {
	b.mu.Lock()
	h, ok := b.open[db]
	if ok {
		delete(b.open, db)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("sqlite: close %q: %w", db, err)
	}
	return nil
}
