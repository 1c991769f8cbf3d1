package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier runs read statements. *sql.DB, *sql.Conn, *sql.Tx, *Tx,
// *TxHandle and *Snapshot all satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Conn is a Querier that can also write
type Conn interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Tx is a write transaction started by Database.Write
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// autocommitConn reports the outcome of every statement it executes. A
// query's statement only finishes when its rows are closed, so the outcome
// of the previous statement is flushed before each new one starts.
type autocommitConn struct {
	d *Database
}

func (c *autocommitConn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	c.d.flushOutcome()
	res, err := c.d.writer.ExecContext(ctx, query, args...)
	c.d.flushOutcome()
	return res, err
}

func (c *autocommitConn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	c.d.flushOutcome()
	return c.d.writer.QueryContext(ctx, query, args...)
}

func (c *autocommitConn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	c.d.flushOutcome()
	return c.d.writer.QueryRowContext(ctx, query, args...)
}

// TxHandle is the writer-side view handed to transaction observers and to
// WriteAccess callbacks. Reads through it see exactly the last committed
// state, because no other write can start while it is valid. It must not be
// retained after the callback returns.
type TxHandle struct {
	d   *Database
	ctx context.Context
	seq uint64
}

// Context returns the context of the write that produced this handle
func (h *TxHandle) Context() context.Context {
	if h.ctx == nil {
		return context.Background()
	}
	return h.ctx
}

// Database returns the logical database name
func (h *TxHandle) Database() string {
	return h.d.name
}

// CommitSeq returns the sequence number of the last write commit
func (h *TxHandle) CommitSeq() uint64 {
	return h.seq
}

func (h *TxHandle) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return h.d.writer.QueryContext(ctx, query, args...)
}

func (h *TxHandle) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return h.d.writer.QueryRowContext(ctx, query, args...)
}

// BeginSnapshot opens a read transaction on a snapshot connection and pins
// its WAL snapshot before returning, so the snapshot reflects exactly the
// state visible through this handle. Snapshot connections are separate from
// the Read pool and unlimited. The caller must Close the snapshot.
func (h *TxHandle) BeginSnapshot(ctx context.Context) (*Snapshot, error) {
	d := h.d
	if !d.SupportsSnapshots() {
		return nil, ErrSnapshotUnsupported
	}

	conn, err := d.snapshotDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot connection: %w", err)
	}

	tx, err := conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}

	// A deferred transaction only acquires its snapshot on the first read.
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master").Scan(&n); err != nil {
		tx.Rollback()
		conn.Close()
		return nil, fmt.Errorf("failed to pin snapshot: %w", err)
	}

	return &Snapshot{conn: conn, tx: tx, seq: h.seq}, nil
}

// Snapshot is a read transaction pinned to one committed state
type Snapshot struct {
	conn *sql.Conn
	tx   *sql.Tx
	seq  uint64
}

// CommitSeq returns the commit sequence the snapshot was taken at
func (s *Snapshot) CommitSeq() uint64 {
	return s.seq
}

func (s *Snapshot) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.tx.QueryContext(ctx, query, args...)
}

func (s *Snapshot) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.tx.QueryRowContext(ctx, query, args...)
}

// Close ends the read transaction and releases the connection
func (s *Snapshot) Close() error {
	err := s.tx.Rollback()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
