package serverd

import (
	"fmt"
	"sync"

	"github.com/oml-collect/oml/internal/backend"
	"github.com/oml-collect/oml/pkg/log"
	"github.com/oml-collect/oml/pkg/omlerr"
	"github.com/oml-collect/oml/pkg/omlvalue"
	"github.com/oml-collect/oml/internal/telemetry"
)

// NMaxTableRename bounds the rename-on-conflict retry loop of §4.6.
const NMaxTableRename = 16

// boundTable is one entry of a database's table map: the reconciled schema
// and the backend handle callers insert rows through.
type boundTable struct {
	schema omlvalue.Schema
	table  string
}

// dbEntry is a process-wide registry's per-database state, reference
// counted so the backend can release resources once the last session
// referencing a database closes.
type dbEntry struct {
	mu       sync.Mutex
	tables   map[string]*boundTable // table name -> binding
	senders  map[string]int
	refCount int
}

// TableRegistry is the process-wide (databaseName -> (tableName -> (Schema,
// backend handle))) map of spec §3/§4.6, the core's only contract with a
// concrete backend.
type TableRegistry struct {
	be backend.Backend

	mu sync.Mutex
	db map[string]*dbEntry
}

// NewTableRegistry creates a registry backed by be.
func NewTableRegistry(be backend.Backend) *TableRegistry {
	return &TableRegistry{be: be, db: make(map[string]*dbEntry)}
}

// Acquire increments dbName's reference count, creating its bookkeeping
// tables on first use, and returns a release function the caller must call
// exactly once when done (typically on session close).
func (r *TableRegistry) Acquire(dbName string) (release func(), err error) {
	r.mu.Lock()
	e, ok := r.db[dbName]
	if !ok {
		e = &dbEntry{tables: make(map[string]*boundTable), senders: make(map[string]int)}
		r.db[dbName] = e
	}
	e.refCount++
	r.mu.Unlock()

	if !ok {
		if err := r.be.CreateMetaTable(dbName); err != nil {
			return nil, fmt.Errorf("serverd: create meta tables for %q: %w", dbName, err)
		}
	}

	return func() { r.release(dbName) }, nil
}

func (r *TableRegistry) release(dbName string) {
	r.mu.Lock()
	e, ok := r.db[dbName]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refCount--
	empty := e.refCount <= 0
	if empty {
		delete(r.db, dbName)
	}
	r.mu.Unlock()

	if empty {
		if err := r.be.Release(dbName); err != nil {
			log.Warnf("serverd: release backend resources for %q: %v", dbName, err)
		}
	}
}

// SenderID returns the stable integer id for (dbName, senderName),
// assigning a new one on first sight (spec §4.6).
func (r *TableRegistry) SenderID(dbName, senderName string) (int, error) {
	r.mu.Lock()
	e, ok := r.db[dbName]
	r.mu.Unlock()
	if !ok {
		omlerr.ProgrammerError("serverd.SenderID", "database not acquired")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if id, cached := e.senders[senderName]; cached {
		return id, nil
	}

	id, err := r.be.AddSender(dbName, senderName)
	if err != nil {
		return 0, fmt.Errorf("serverd: add sender %q: %w", senderName, err)
	}
	e.senders[senderName] = id
	return id, nil
}

// Reconcile binds a proposed schema to a table name in dbName, running the
// rename-on-conflict algorithm of §4.6. Returns the table name the stream
// index should be bound to in the session.
func (r *TableRegistry) Reconcile(dbName string, proposed omlvalue.Schema) (string, error) {
	r.mu.Lock()
	e, ok := r.db[dbName]
	r.mu.Unlock()
	if !ok {
		omlerr.ProgrammerError("serverd.Reconcile", "database not acquired")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	name := proposed.Name
	for attempt := 1; attempt <= NMaxTableRename; attempt++ {
		existing, ok := e.tables[name]
		if !ok {
			if err := r.be.CreateTable(dbName, name, proposed); err != nil {
				return "", fmt.Errorf("serverd: create table %q: %w", name, err)
			}
			metaStr := withName(proposed, name).HeaderString()
			if err := r.be.SetMetadata(dbName, "table_"+name, metaStr); err != nil {
				return "", fmt.Errorf("serverd: persist meta-string for %q: %w", name, err)
			}
			e.tables[name] = &boundTable{schema: proposed, table: name}
			return name, nil
		}

		diff := omlvalue.Diff(existing.schema, proposed)
		switch diff {
		case omlvalue.DiffEqual:
			return name, nil
		case omlvalue.DiffInvalid:
			name = fmt.Sprintf("%s_%d", proposed.Name, attempt+1)
			continue
		default:
			// Uint64/blob compatibility exception (§4.6): tolerated, bind
			// to the existing table without renaming.
			return name, nil
		}
	}

	return "", fmt.Errorf("serverd: schema conflict for %q exhausted %d rename attempts", proposed.Name, NMaxTableRename)
}

func withName(s omlvalue.Schema, name string) omlvalue.Schema {
	s.Name = name
	return s
}

// publishRename logs and emits a telemetry event for a table rename,
// called by the session once Reconcile returns a name different from the
// originally declared one.
func publishRename(senderID, table, renamedTo string) {
	log.Infof("serverd: schema conflict for %q, binding sender %s to %q instead", table, senderID, renamedTo)
	telemetry.Publish(telemetry.Event{Kind: telemetry.KindSchemaRenamed, SenderID: senderID, Table: table, RenamedTo: renamedTo})
}
