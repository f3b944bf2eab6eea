package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

var ErrConnectorClosed = errors.New("segment connector closed")

var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=FULL;",
	"PRAGMA busy_timeout=5000;",
}

// Connector owns the single sqlite connection of one segment. Apart from Interrupt,
// its methods must only be called from the goroutine that owns the segment.
//
// Write statements run inside an implicit transaction that stays open until Commit
// or Rollback. Callers roll back on error.
type Connector struct {
	path string
	log  *zap.Logger

	db     *sql.DB
	conn   *sql.Conn
	tx     *sql.Tx
	closed bool

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewConnector(path string, log *zap.Logger) *Connector {
	c := &Connector{path: path, log: log.With(zap.String("db", path))}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Connector) Connect(ctx context.Context) error {
	db, err := sql.Open("sqlite", c.path)
	if err != nil {
		return c.fail("open", err)
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return c.fail("connect", err)
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			_ = conn.Close()
			_ = db.Close()
			return c.fail("pragma", err)
		}
	}
	c.db, c.conn, c.closed = db, conn, false
	return nil
}

func (c *Connector) ExecWrite(query string, args ...any) (sql.Result, error) {
	tx, err := c.begin()
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(c.stmtContext(), query, args...)
	if err != nil {
		return nil, c.fail("exec", err)
	}
	return res, nil
}

// ExecManyWrite runs one prepared statement for every row inside the current transaction.
func (c *Connector) ExecManyWrite(query string, rows [][]any) error {
	tx, err := c.begin()
	if err != nil {
		return err
	}
	ctx := c.stmtContext()
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return c.fail("prepare", err)
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return c.fail("exec many", err)
		}
	}
	return nil
}

// Query reads inside the open transaction when there is one.
func (c *Connector) Query(query string, args ...any) (*sql.Rows, error) {
	if c.closed || c.conn == nil {
		return nil, c.fail("query", ErrConnectorClosed)
	}
	var (
		rows *sql.Rows
		err  error
	)
	if c.tx != nil {
		rows, err = c.tx.QueryContext(c.stmtContext(), query, args...)
	} else {
		rows, err = c.conn.QueryContext(c.stmtContext(), query, args...)
	}
	if err != nil {
		return nil, c.fail("query", err)
	}
	return rows, nil
}

// QueryInt64 returns the first column of the first row, or 0 when there is no row.
func (c *Connector) QueryInt64(query string, args ...any) (int64, error) {
	rows, err := c.Query(query, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var v sql.NullInt64
	if rows.Next() {
		if err := rows.Scan(&v); err != nil {
			return 0, c.fail("scan", err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, c.fail("rows", err)
	}
	return v.Int64, nil
}

func (c *Connector) Commit() error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return c.fail("commit", err)
	}
	return nil
}

func (c *Connector) Rollback() error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return c.fail("rollback", err)
	}
	return nil
}

func (c *Connector) Close() error {
	if c.closed || c.conn == nil {
		c.closed = true
		return nil
	}
	rbErr := c.Rollback()
	c.closed = true
	err := errors.Join(rbErr, c.conn.Close(), c.db.Close())
	if err != nil {
		return c.fail("close", err)
	}
	return nil
}

// Interrupt aborts the statement currently running on the connection. It is safe
// to call from any goroutine. Later statements run under a fresh context.
func (c *Connector) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.log.Warn("interrupted in-flight statement")
}

func (c *Connector) InTransaction() bool { return c.tx != nil }

func (c *Connector) begin() (*sql.Tx, error) {
	if c.closed || c.conn == nil {
		return nil, c.fail("begin", ErrConnectorClosed)
	}
	if c.tx != nil {
		return c.tx, nil
	}
	tx, err := c.conn.BeginTx(c.stmtContext(), nil)
	if err != nil {
		return nil, c.fail("begin", err)
	}
	c.tx = tx
	return tx, nil
}

func (c *Connector) stmtContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *Connector) fail(op string, err error) error {
	if errors.Is(err, ErrConnectorClosed) || errors.Is(err, sql.ErrConnDone) {
		c.log.Warn("storage operation on closed connection", zap.String("op", op), zap.Error(err))
	} else {
		c.log.Error("storage operation failed", zap.String("op", op), zap.Error(err))
	}
	return fmt.Errorf("%s %s: %w", op, c.path, err)
}
