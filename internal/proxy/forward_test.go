package proxy

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/oml-collect/oml/internal/backend"
	"github.com/oml-collect/oml/pkg/omlvalue"
	"github.com/stretchr/testify/require"
)

func acceptOne(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	return conn
}

func readLines(t *testing.T, conn net.Conn, n int, timeout time.Duration) []string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	r := bufio.NewReader(conn)
	var lines []string
	for i := 0; i < n; i++ {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimRight(line, "\n"))
	}
	return lines
}

func TestForwardingBackendSendsMetaThenSchemaThenRow(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	be := New(ln.Addr().String())
	var _ backend.Backend = be

	schema := omlvalue.Schema{Name: "sin", Fields: []omlvalue.FieldDef{
		{Name: "label", Typ: omlvalue.TypeString},
		{Name: "value", Typ: omlvalue.TypeDouble},
	}}

	require.NoError(t, be.CreateTable("exp1", "sin", schema))
	require.NoError(t, be.InsertRow("exp1", "sin", backend.Row{
		SenderID: 1,
		Seq:      1,
		ClientTS: 1.0,
		Fields:   []omlvalue.Value{omlvalue.String("s-1"), omlvalue.Double(2.5)},
	}))

	conn := acceptOne(t, ln)
	defer conn.Close()

	lines := readLines(t, conn, 6, 2*time.Second)
	require.Contains(t, lines[0], "domain: exp1")
	require.Contains(t, lines[4], "schema")
	require.Contains(t, lines[4], "sin")
	fields := strings.Split(lines[5], "\t")
	require.Equal(t, "s-1", fields[3])

	require.NoError(t, be.Release("exp1"))
}

func TestInsertRowOnUndeclaredTableFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	be := New(ln.Addr().String())
	err = be.InsertRow("exp1", "nope", backend.Row{SenderID: 1, Seq: 1})
	require.Error(t, err)
}

func TestAddSenderAssignsDistinctLocalIDs(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	be := New(ln.Addr().String())
	id1, err := be.AddSender("exp1", "a")
	require.NoError(t, err)
	id2, err := be.AddSender("exp1", "b")
	require.NoError(t, err)
	id1Again, err := be.AddSender("exp1", "a")
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	require.Equal(t, id1, id1Again)
}
