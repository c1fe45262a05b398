package projection

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/ledger"
	"github.com/roach88/eventcore/internal/store"
	"github.com/roach88/eventcore/internal/testutil"
)

// fixture wires a temp-dir store, a fake clock and the projection machinery.
type fixture struct {
	store     *store.Store
	clock     *testutil.FakeClock
	registry  *Registry
	ledger    *ledger.Ledger
	runner    *Runner
	rebuilder *Rebuilder
	streams   int
}

func newFixture(t *testing.T, projections ...Projection) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"),
		store.WithClock(clock),
		store.WithIDGenerator(es.NewSequenceGenerator("evt")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	registry := NewRegistry()
	registry.MustRegister(projections...)
	require.NoError(t, registry.Sync(context.Background(), s))

	l := ledger.New(s, ledger.DefaultPolicy())
	opts := Options{WorkerID: "worker-1", BatchSize: 10, LeaseTTL: 30 * time.Second}
	return &fixture{
		store:     s,
		clock:     clock,
		registry:  registry,
		ledger:    l,
		runner:    NewRunner(s, registry, l, opts),
		rebuilder: NewRebuilder(s, registry, l, opts),
	}
}

// append writes events of the given types to a fresh stream.
func (f *fixture) append(t *testing.T, types ...string) []es.Event {
	t.Helper()
	f.streams++
	stream := testutil.Stream("Ticket", fmt.Sprintf("t-%d", f.streams))
	events := make([]es.NewEvent, 0, len(types))
	for i, typ := range types {
		events = append(events, testutil.NewEvent(typ, map[string]any{"seq": i + 1}))
	}
	out, err := f.store.Append(context.Background(), stream, 0, events)
	require.NoError(t, err)
	return out
}

// appendN writes n events of type typ.
func (f *fixture) appendN(t *testing.T, typ string, n int) []es.Event {
	t.Helper()
	types := make([]string, n)
	for i := range types {
		types[i] = typ
	}
	return f.append(t, types...)
}

func (f *fixture) status(t *testing.T, name string) es.ProjectionStatus {
	t.Helper()
	status, err := f.store.GetProjection(context.Background(), name)
	require.NoError(t, err)
	return status
}

// recorder is a table-backed projection that counts handler invocations and
// fails on demand.
type recorder struct {
	name  string
	types []string

	mu      sync.Mutex
	calls   map[int64]int
	fail    map[int64]int
	onApply func(evt es.Event)
}

func newRecorder(name string, types ...string) *recorder {
	return &recorder{
		name:  name,
		types: types,
		calls: make(map[int64]int),
		fail:  make(map[int64]int),
	}
}

func (r *recorder) Name() string                { return r.name }
func (r *recorder) HandledEventTypes() []string { return r.types }

func (r *recorder) table() string { return "rec_" + r.name }

func (r *recorder) Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+r.table()+` (
		position INTEGER PRIMARY KEY,
		event_type TEXT NOT NULL
	)`)
	return err
}

func (r *recorder) Apply(ctx context.Context, tx *sql.Tx, evt es.Event) error {
	r.mu.Lock()
	r.calls[evt.Position]++
	if n := r.fail[evt.Position]; n != 0 {
		if n > 0 {
			r.fail[evt.Position] = n - 1
		}
		r.mu.Unlock()
		return fmt.Errorf("boom at %d", evt.Position)
	}
	hook := r.onApply
	r.mu.Unlock()

	if hook != nil {
		hook(evt)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO `+r.table()+` (position, event_type) VALUES (?, ?)`, evt.Position, evt.Type)
	return err
}

func (r *recorder) Reset(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM `+r.table())
	return err
}

// failAt makes the handler fail times times at pos; -1 fails forever.
func (r *recorder) failAt(pos int64, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[pos] = times
}

func (r *recorder) heal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.fail)
}

func (r *recorder) setOnApply(fn func(evt es.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onApply = fn
}

func (r *recorder) callsAt(pos int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[pos]
}

func (r *recorder) totalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.calls {
		total += n
	}
	return total
}

// rows returns the positions stored in the read model.
func (r *recorder) rows(t *testing.T, s *store.Store) []int64 {
	t.Helper()
	rows, err := s.DB().Query(`SELECT position FROM ` + r.table() + ` ORDER BY position`)
	require.NoError(t, err)
	defer rows.Close()

	positions := []int64{}
	for rows.Next() {
		var pos int64
		require.NoError(t, rows.Scan(&pos))
		positions = append(positions, pos)
	}
	require.NoError(t, rows.Err())
	return positions
}

func seq(from, to int64) []int64 {
	out := []int64{}
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
