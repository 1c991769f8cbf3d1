package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/maxpert/sqlwatch/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed              = errors.New("database is closed")
	ErrSnapshotUnsupported = errors.New("snapshot reads require a file database in WAL mode")
)

const (
	DefaultBusyTimeout    = 5 * time.Second
	DefaultReaderPoolSize = 4
)

// Options configures a Database
type Options struct {
	Name           string         // Logical name for logs, metrics and commit signals
	JournalMode    string         // Journal mode for file databases (default: WAL)
	BusyTimeout    time.Duration  // SQLite busy timeout
	ReaderPoolSize int            // Max reader connections (file databases only)
	Notifier       CommitNotifier // Optional commit signal sink
}

// DefaultOptions returns Options with sensible defaults
func DefaultOptions() Options {
	return Options{
		JournalMode:    "WAL",
		BusyTimeout:    DefaultBusyTimeout,
		ReaderPoolSize: DefaultReaderPoolSize,
	}
}

type observerEntry struct {
	observer TransactionObserver
	extent   Extent
	muted    bool // writer goroutine only
	removed  atomic.Bool
}

// Database is a SQLite database with a single serialized writer connection
// that reports row changes, commits and rollbacks to registered observers.
type Database struct {
	name   string
	path   string
	memory bool
	wal    bool

	writeDB *sql.DB
	writer  *sql.Conn
	readDB  *sql.DB

	// snapshotDB pins snapshots for the writer; unlimited connections
	snapshotDB *sql.DB

	// writeMu serializes every use of the writer connection. Hooks run while
	// it is held, on the goroutine that executes the statement.
	writeMu    sync.Mutex
	sawEvents  bool
	currentCtx context.Context

	// pending is set by the commit and rollback hooks
	pending atomic.Int32

	observers *xsync.MapOf[ObserverID, *observerEntry]
	nextID    atomic.Uint64

	commitSeq atomic.Uint64
	notifier  CommitNotifier
	closed    atomic.Bool
}

// Open opens (or creates) the SQLite database at path. Use ":memory:" for a
// private in-memory database; snapshot reads are not available for it.
func Open(path string, opts Options) (*Database, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	defaults := DefaultOptions()
	if opts.JournalMode == "" {
		opts.JournalMode = defaults.JournalMode
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaults.BusyTimeout
	}
	if opts.ReaderPoolSize <= 0 {
		opts.ReaderPoolSize = defaults.ReaderPoolSize
	}
	if opts.Name == "" {
		opts.Name = databaseName(path)
	}

	d := &Database{
		name:       opts.Name,
		path:       path,
		memory:     isMemoryPath(path),
		observers:  xsync.NewMapOf[ObserverID, *observerEntry](),
		notifier:   opts.Notifier,
		currentCtx: context.Background(),
	}

	writeDB, err := sql.Open(SQLiteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open writer: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	d.writeDB = writeDB

	if err := d.openWriter(opts); err != nil {
		writeDB.Close()
		return nil, err
	}

	if !d.memory {
		readDB, err := sql.Open(SQLiteDriverName, readerDSN(path, opts.BusyTimeout))
		if err != nil {
			d.writer.Close()
			writeDB.Close()
			return nil, fmt.Errorf("failed to open readers: %w", err)
		}
		readDB.SetMaxOpenConns(opts.ReaderPoolSize)
		readDB.SetMaxIdleConns(opts.ReaderPoolSize)
		d.readDB = readDB

		snapshotDB, err := sql.Open(SQLiteDriverName, readerDSN(path, opts.BusyTimeout))
		if err != nil {
			readDB.Close()
			d.writer.Close()
			writeDB.Close()
			return nil, fmt.Errorf("failed to open snapshot readers: %w", err)
		}
		snapshotDB.SetMaxOpenConns(0)
		snapshotDB.SetMaxIdleConns(opts.ReaderPoolSize)
		d.snapshotDB = snapshotDB
	}

	log.Info().
		Str("database", d.name).
		Str("path", path).
		Bool("wal", d.wal).
		Msg("Opened database")

	return d, nil
}

func (d *Database) openWriter(opts Options) error {
	ctx := context.Background()
	conn, err := d.writeDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get writer connection: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	if !d.memory {
		pragmas = append(pragmas,
			fmt.Sprintf("PRAGMA journal_mode = %s", opts.JournalMode),
			"PRAGMA synchronous = NORMAL",
		)
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}

	var mode string
	if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read journal mode: %w", err)
	}
	d.wal = strings.EqualFold(mode, "wal")

	err = conn.Raw(func(driverConn interface{}) error {
		sqliteConn, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type: %T", driverConn)
		}
		sqliteConn.RegisterUpdateHook(d.onUpdate)
		sqliteConn.RegisterCommitHook(d.onCommit)
		sqliteConn.RegisterRollbackHook(d.onRollback)
		return nil
	})
	if err != nil {
		conn.Close()
		return err
	}

	d.writer = conn
	return nil
}

// Name returns the logical database name
func (d *Database) Name() string {
	return d.name
}

// CommitSeq returns the number of write transactions committed so far
func (d *Database) CommitSeq() uint64 {
	return d.commitSeq.Load()
}

// SupportsSnapshots reports whether TxHandle.BeginSnapshot can succeed
func (d *Database) SupportsSnapshots() bool {
	return d.snapshotDB != nil && d.wal
}

// AddObserver registers an observer. It may be called from any goroutine,
// but not from inside a Write callback if the observer must see that
// transaction's events from the start.
func (d *Database) AddObserver(observer TransactionObserver, extent Extent) ObserverID {
	id := ObserverID(d.nextID.Add(1))
	d.observers.Store(id, &observerEntry{observer: observer, extent: extent})
	return id
}

// RemoveObserver unregisters an observer. Once it returns, the observer
// receives no further callbacks, except one already running on the writer
// goroutine. Removing an unknown id is a no-op.
func (d *Database) RemoveObserver(id ObserverID) {
	if entry, ok := d.observers.LoadAndDelete(id); ok {
		entry.removed.Store(true)
	}
}

// Write runs fn inside a write transaction. The transaction commits if fn
// returns nil and rolls back otherwise. Observers are notified before Write
// returns, on the calling goroutine.
func (d *Database) Write(ctx context.Context, fn func(tx *Tx) error) error {
	if d.closed.Load() {
		return ErrClosed
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.currentCtx = ctx
	defer func() { d.currentCtx = context.Background() }()

	// The transaction must only end through Commit or Rollback below, never
	// through database/sql's context watcher on another goroutine.
	sqlTx, err := d.writer.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Str("database", d.name).Msg("Failed to roll back transaction")
		}
		d.endTransaction(RolledBack)
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		d.endTransaction(RolledBack)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	d.endTransaction(Committed)
	return nil
}

// WriteWithoutTransaction gives fn exclusive access to the writer connection
// in autocommit mode: each statement is its own transaction and observers are
// notified after each one. A transaction left open by fn is rolled back.
func (d *Database) WriteWithoutTransaction(ctx context.Context, fn func(conn Conn) error) error {
	if d.closed.Load() {
		return ErrClosed
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.currentCtx = ctx
	defer func() { d.currentCtx = context.Background() }()

	err := fn(&autocommitConn{d: d})
	d.flushOutcome()

	if !d.inAutocommit() {
		log.Warn().Str("database", d.name).Msg("Rolling back transaction left open by writer")
		if _, rbErr := d.writer.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
			log.Warn().Err(rbErr).Str("database", d.name).Msg("Failed to roll back transaction")
		}
		d.flushOutcome()
	}
	return err
}

// WriteAccess runs fn while holding the write lock, outside of any
// transaction. Nothing can commit while fn runs.
func (d *Database) WriteAccess(ctx context.Context, fn func(h *TxHandle) error) error {
	if d.closed.Load() {
		return ErrClosed
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	return fn(&TxHandle{d: d, ctx: ctx, seq: d.commitSeq.Load()})
}

// Read runs fn inside a read transaction on a reader connection. In-memory
// databases have no readers and use the writer connection instead.
func (d *Database) Read(ctx context.Context, fn func(q Querier) error) error {
	if d.closed.Load() {
		return ErrClosed
	}

	if d.readDB == nil {
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		return fn(d.writer)
	}

	conn, err := d.readDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get reader connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	return fn(tx)
}

// Close removes all observers and closes every connection
func (d *Database) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.observers.Range(func(id ObserverID, entry *observerEntry) bool {
		entry.removed.Store(true)
		d.observers.Delete(id)
		return true
	})

	var errs []error
	if err := d.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.writeDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if d.readDB != nil {
		if err := d.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.snapshotDB != nil {
		if err := d.snapshotDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info().Str("database", d.name).Msg("Closed database")
	return errors.Join(errs...)
}

func (d *Database) inAutocommit() bool {
	auto := true
	err := d.writer.Raw(func(driverConn interface{}) error {
		if sqliteConn, ok := driverConn.(*sqlite3.SQLiteConn); ok {
			auto = sqliteConn.AutoCommit()
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("database", d.name).Msg("Failed to inspect transaction state")
	}
	return auto
}

func databaseName(path string) string {
	if isMemoryPath(path) {
		return "memory"
	}
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func readerDSN(path string, busyTimeout time.Duration) string {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%smode=ro&_busy_timeout=%d", dsn, sep, busyTimeout.Milliseconds())
}

func recordOutcome(outcome Outcome) {
	telemetry.CommitsTotal.With(outcome.String()).Inc()
}
