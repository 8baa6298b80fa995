// Package proxy implements a store-and-forward backend.Backend: instead of
// persisting rows to a local database, it re-emits them as a client of a
// further-upstream oml-serverd, using the same client-side egress and wire
// codec the core already defines (spec §9 "supplemented features": a
// single-hop relay, not a federation of servers). A serverd.Session in
// front of this backend is the server half of the pipeline; this backend is
// the client half, so a proxy process exercises both halves of the core in
// one binary.
package proxy

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oml-collect/oml/internal/backend"
	"github.com/oml-collect/oml/internal/client"
	"github.com/oml-collect/oml/pkg/omlvalue"
	"github.com/oml-collect/oml/pkg/wire"
)

// upstream is one forwarded connection to the next hop, keyed by experiment
// (database) name: one egress, one stream-index allocator, one schema
// declaration per table forwarded at most once.
type upstream struct {
	mu       sync.Mutex
	egress   *client.Egress
	metaSeq  uint64
	nextIdx  uint16
	streams  map[string]uint16 // table name -> assigned stream index upstream
	senderID map[string]int
	nextSID  int
}

// Backend forwards every CreateTable/InsertRow call onto a per-experiment
// upstream connection instead of a local store. It implements
// internal/backend.Backend so a serverd.Session can use it exactly as it
// would a real storage adapter.
type Backend struct {
	upstreamAddr string
	senderTag    string
	egressCap    int
	chunkSize    int

	mu sync.Mutex
	up map[string]*upstream
}

var _ backend.Backend = (*Backend)(nil)

// New creates a forwarding Backend that relays every database (experiment)
// it sees to its own TCP connection against upstreamAddr.
func New(upstreamAddr string) *Backend {
	return &Backend{
		upstreamAddr: upstreamAddr,
		senderTag:    "oml-proxyd",
		egressCap:    1 << 20,
		chunkSize:    32 * 1024,
	}
}

func (b *Backend) dial() (net.Conn, error) {
	return net.DialTimeout("tcp", b.upstreamAddr, 10*time.Second)
}

// ensure returns db's upstream connection, dialing lazily and sending the
// fixed header block (domain/content) as the egress's meta buffer so it
// always precedes data, including after a reconnect (spec §4.3).
func (b *Backend) ensure(db string) *upstream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.up[db]; ok {
		return u
	}
	if b.up == nil {
		b.up = make(map[string]*upstream)
	}

	u := &upstream{
		egress:   client.NewEgress(b.egressCap, b.chunkSize, b.dial, b.senderTag+":"+db),
		nextIdx:  1,
		streams:  make(map[string]uint16),
		senderID: make(map[string]int),
		nextSID:  1,
	}
	u.egress.PushMeta([]byte(fmt.Sprintf("domain: %s\nsender-id: %s\ncontent: text\n\n", db, b.senderTag)))
	b.up[db] = u
	return u
}

// declareSchema pushes a stream-0 metadata row declaring table's schema
// under its proposed table name, onto the meta buffer so it is replayed
// ahead of data on every reconnect (spec §4.4: schema declarations may
// arrive as stream-0 metadata after the session is running).
func (u *upstream) declareSchema(table string, schema omlvalue.Schema) uint16 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if idx, ok := u.streams[table]; ok {
		return idx
	}
	idx := u.nextIdx
	u.nextIdx++
	u.streams[table] = idx

	named := schema
	named.Name = table
	named.Index = idx

	u.metaSeq++
	msg := wire.Message{
		StreamIndex: 0,
		Seq:         u.metaSeq,
		Timestamp:   0,
		Fields: []omlvalue.Value{
			omlvalue.String("schema"),
			omlvalue.String(named.HeaderString()),
		},
	}
	u.egress.PushMeta(wire.TextCodec{}.Encode(msg))
	return idx
}

func (u *upstream) streamIndex(table string) (uint16, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	idx, ok := u.streams[table]
	return idx, ok
}

func (u *upstream) senderIDFor(name string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if id, ok := u.senderID[name]; ok {
		return id
	}
	id := u.nextSID
	u.nextSID++
	u.senderID[name] = id
	return id
}

// CreateTable registers table's schema with the upstream connection for db,
// forwarded as a stream-0 schema declaration (not a local table creation:
// this backend holds no storage of its own).
func (b *Backend) CreateTable(db, table string, schema omlvalue.Schema) error {
	b.ensure(db).declareSchema(table, schema)
	return nil
}

// CreateMetaTable ensures db's upstream connection exists; there is no
// local bookkeeping table to create.
func (b *Backend) CreateMetaTable(db string) error {
	b.ensure(db)
	return nil
}

// FreeTable is a no-op: nothing local is held per table.
func (b *Backend) FreeTable(db, table string) error { return nil }

// InsertRow re-encodes row onto table's assigned upstream stream index and
// pushes it to that experiment's egress, subject to the same bounded-memory
// drop policy as any other client-side producer (spec §4.3).
func (b *Backend) InsertRow(db, table string, row backend.Row) error {
	u := b.ensure(db)
	idx, ok := u.streamIndex(table)
	if !ok {
		return fmt.Errorf("proxy: forwarding row to undeclared table %q", table)
	}
	msg := wire.Message{
		StreamIndex: idx,
		Seq:         row.Seq,
		Timestamp:   row.ClientTS,
		Fields:      row.Fields,
	}
	_, err := u.egress.Push(wire.TextCodec{}.Encode(msg))
	return err
}

// GetMetadata is unsupported: this backend holds no local metadata store,
// only a forwarding path. Returns ok=false, never an error, so callers that
// merely check for a cached value degrade gracefully.
func (b *Backend) GetMetadata(db, key string) (string, bool, error) { return "", false, nil }

// SetMetadata forwards key/value as a stream-0 metadata row, the same shape
// a client's InjectMetadata produces.
func (b *Backend) SetMetadata(db, key, value string) error {
	u := b.ensure(db)
	u.mu.Lock()
	u.metaSeq++
	seq := u.metaSeq
	u.mu.Unlock()
	msg := wire.Message{
		StreamIndex: 0,
		Seq:         seq,
		Fields:      []omlvalue.Value{omlvalue.String(key), omlvalue.String(value)},
	}
	_, err := u.egress.Push(wire.TextCodec{}.Encode(msg))
	return err
}

// AddSender assigns a small local id for name, purely to satisfy the
// backend.Backend contract for the proxy's own (server-facing) session; the
// upstream server assigns its own sender id independently from the
// sender-id header this backend sent at connect time.
func (b *Backend) AddSender(db, name string) (int, error) {
	return b.ensure(db).senderIDFor(name), nil
}

// ListTables returns the tables declared so far for db on this process
// (there is no persisted state to rediscover after a restart).
func (b *Backend) ListTables(db string) ([]string, error) {
	u := b.ensure(db)
	u.mu.Lock()
	defer u.mu.Unlock()
	names := make([]string, 0, len(u.streams))
	for name := range u.streams {
		names = append(names, name)
	}
	return names, nil
}

// Release closes db's upstream egress once the registry's last reference on
// it is gone.
func (b *Backend) Release(db string) error {
	b.mu.Lock()
	u, ok := b.up[db]
	if ok {
		delete(b.up, db)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	u.egress.Close()
	return nil
}
