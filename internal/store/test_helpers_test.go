package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/testutil"
)

// createTestStore opens a store in a temp dir with a fake clock and
// sequential event ids ("evt-1", "evt-2", ...).
func createTestStore(t *testing.T, opts ...Option) (*Store, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock()
	path := filepath.Join(t.TempDir(), "test.db")
	all := append([]Option{
		WithClock(clock),
		WithIDGenerator(es.NewSequenceGenerator("evt")),
	}, opts...)
	s, err := Open(path, all...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// appendEvents appends events of the given types to a new stream and
// returns them.
func appendEvents(t *testing.T, s *Store, stream es.StreamID, types ...string) []es.Event {
	t.Helper()
	ctx := context.Background()
	version, err := s.StreamVersion(ctx, stream)
	require.NoError(t, err)

	events := make([]es.NewEvent, 0, len(types))
	for _, typ := range types {
		events = append(events, testutil.NewEvent(typ, map[string]any{"n": len(events) + 1}))
	}
	out, err := s.Append(ctx, stream, version, events)
	require.NoError(t, err)
	return out
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	require.NoError(t, err)
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		require.NoError(t, rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk))
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	require.NoError(t, err)
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		indexes = append(indexes, name)
	}
	return indexes
}
