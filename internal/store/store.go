package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/eventcore/internal/es"
	"github.com/roach88/eventcore/internal/position"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added resolution column to processing_failures
const currentSchemaVersion = 1

// PayloadValidator checks a canonical payload against the schema registered
// for its event type. Implemented by schema.Registry.
type PayloadValidator interface {
	ValidatePayload(eventType string, payload []byte) error
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides durable storage for the event log, projection checkpoints
// and the failure ledger. Uses SQLite with WAL mode for concurrent reads.
type Store struct {
	db *sql.DB
	q  querier
	tx *sql.Tx

	// rdb is a read-only pool for reports and listings. r is rdb, or the
	// transaction inside InTx.
	rdb *sql.DB
	r   querier

	// committed collects events appended through a tx-bound Store.
	committed *[]es.Event

	tracker   *position.Tracker
	clock     es.Clock
	ids       es.IDGenerator
	validator PayloadValidator
}

// Option configures a Store.
type Option func(*Store)

// WithTracker shares a position tracker with runners. If not set, Open
// creates one seeded from the current head.
func WithTracker(t *position.Tracker) Option {
	return func(s *Store) {
		s.tracker = t
	}
}

// WithClock overrides the wall clock used for recorded_at and lease times.
func WithClock(c es.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithIDGenerator overrides the event id generator (UUIDv7 by default).
func WithIDGenerator(g es.IDGenerator) Option {
	return func(s *Store) {
		s.ids = g
	}
}

// WithPayloadValidator enables per-event-type payload validation on append.
func WithPayloadValidator(v PayloadValidator) Option {
	return func(s *Store) {
		s.validator = v
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//   - IMMEDIATE transactions, so the version check and the position
//     assignment of an append hold the write lock from the first statement
//
// Reports and listings run on a separate read-only pool of
// ReadPoolSize connections, so a long scan never holds the writer.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// Projection handlers must use the transaction they are given; a query on
	// the pool from inside a transaction would wait on this single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	rdb, err := openReadPool(path)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:    db,
		q:     db,
		rdb:   rdb,
		r:     rdb,
		clock: es.SystemClock{},
		ids:   es.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(s)
	}

	head, err := s.HeadPosition(context.Background())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to read head position: %w", err)
	}
	if s.tracker == nil {
		s.tracker = position.NewTrackerAt(head)
	} else {
		s.tracker.Observe(head)
	}

	return s, nil
}

// ReadPoolSize is the number of read-only connections used for reports.
const ReadPoolSize = 4

// openReadPool opens the read-only pool. It must be called after the writer
// has switched the database to WAL, which read-only connections cannot do.
func openReadPool(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path)
	rdb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	if err := rdb.Ping(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect read pool: %w", err)
	}
	rdb.SetMaxOpenConns(ReadPoolSize)
	rdb.SetMaxIdleConns(ReadPoolSize)
	return rdb, nil
}

// Close closes the writer and the read pool.
func (s *Store) Close() error {
	var errs []error
	if s.rdb != nil {
		errs = append(errs, s.rdb.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Tracker returns the position tracker fed by this store's appends.
func (s *Store) Tracker() *position.Tracker {
	return s.tracker
}

// Now returns the store clock's current time in UTC.
func (s *Store) Now() time.Time {
	return s.clock.Now().UTC()
}

// Tx returns the transaction a Store is bound to inside InTx, or nil.
func (s *Store) Tx() *sql.Tx {
	return s.tx
}

// InTx runs fn with a Store bound to a new transaction. The transaction
// commits if fn returns nil and rolls back otherwise.
//
// Store methods called on the bound Store run inside the transaction. Writes
// and event reads on the outer Store from within fn would block on the single
// connection; reports and listings use the read pool and do not.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx != nil {
		return fmt.Errorf("nested transactions are not supported")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	bound := *s
	bound.q = tx
	bound.r = tx
	bound.tx = tx
	bound.committed = &[]es.Event{}
	if err := fn(&bound); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.observe(*bound.committed)
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds processing_failures.resolution for databases created
// before resolutions were distinguished. New databases get it from schema.sql.
func migrateToV1(db *sql.DB) error {
	has, err := hasColumn(db, "processing_failures", "resolution")
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if has {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE processing_failures ADD COLUMN resolution TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	// Rows resolved before v1 were operator resolutions.
	if _, err := db.Exec(`UPDATE processing_failures SET resolution = 'manual' WHERE is_resolved = 1`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid          int
			name         string
			colType      string
			notNull      int
			defaultValue sql.NullString
			pk           int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, fmt.Errorf("scan %s table info: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY violation.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
