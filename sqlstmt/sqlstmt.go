// Package sqlstmt binds the statement cache to real database connections:
// database/sql, sqlx and pgx. The adapters only build cache keys and supply
// the prepare and close callbacks; they do not wrap the rest of the database
// API.
package sqlstmt

import (
	"context"
	"database/sql"

	"github.com/go-dbpool/stmtcache"
	"github.com/go-dbpool/stmtcache/logging"
)

// Preparer is the subset of a database/sql connection the adapter needs.
// *sql.DB, *sql.Conn and *sql.Tx all satisfy it.
type Preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// NewCache constructs a statement cache sized for database/sql handles. A
// nil logger uses the standard logger.
func NewCache(maxSize int, logger logging.Logger) (*stmtcache.StatementCache[*sql.Stmt], error) {
	return stmtcache.New(stmtcache.Config[*sql.Stmt]{
		MaxSize: maxSize,
		Close:   func(s *sql.Stmt) error { return s.Close() },
		Logger:  logger,
	})
}

// Conn couples one database/sql connection with a statement cache. The cache
// may be shared across many Conns; each Conn keys its statements under its
// own identity token. A nil cache disables caching entirely: every prepare
// returns a one-shot statement.
type Conn struct {
	preparer Preparer
	cache    *stmtcache.StatementCache[*sql.Stmt]
	id       stmtcache.ConnID
}

// NewConn wraps a database/sql connection. The wrapped preparer must stay
// bound to one physical connection for the Conn's lifetime; preparing
// through *sql.DB works but caches against whatever connection the pool
// happens to hand out, so prefer *sql.Conn.
func NewConn(p Preparer, cache *stmtcache.StatementCache[*sql.Stmt]) *Conn {
	return &Conn{preparer: p, cache: cache, id: stmtcache.NextConnID()}
}

// ID returns the connection identity token used in cache keys.
func (c *Conn) ID() stmtcache.ConnID {
	return c.id
}

// Prepare returns a prepared statement for query, served from the cache
// when possible. Closing the returned Stmt releases it back to the cache
// rather than closing the underlying handle.
func (c *Conn) Prepare(ctx context.Context, query string) (*Stmt, error) {
	if c.cache == nil {
		raw, err := c.preparer.PrepareContext(ctx, query)
		if err != nil {
			return nil, err
		}
		return &Stmt{stmt: raw}, nil
	}

	key := stmtcache.NewKey(c.id, stmtcache.MethodPrepare, stmtcache.StringArg(query))
	entry, err := c.cache.Retrieve(ctx, key, func(ctx context.Context) (*sql.Stmt, error) {
		return c.preparer.PrepareContext(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return &Stmt{stmt: entry.Handle(), entry: entry, cache: c.cache}, nil
}

// Discard disposes a statement the caller has found to be broken, closing
// the underlying handle, and reports whether a cache removal occurred.
// Uncached statements are simply closed. The caller must not also Close the
// Stmt afterwards.
func (c *Conn) Discard(stmt *Stmt) bool {
	if c.cache == nil || stmt.entry == nil {
		stmt.stmt.Close()
		return false
	}
	if !stmt.entry.Cached() {
		c.cache.Restore(context.Background(), stmt.entry, false)
		return false
	}
	if c.cache.Remove(stmt.stmt, true) {
		return true
	}
	// Evicted while borrowed: the restore closes the handle.
	c.cache.Restore(context.Background(), stmt.entry, false)
	return false
}

// Release tears down every cached statement belonging to this connection
// and returns the number removed. Statements borrowed at this moment are
// closed when their Stmt is closed. Call it before discarding the
// underlying physical connection.
func (c *Conn) Release() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.RemoveAll(c.id)
}

// Stmt is a borrowed prepared statement. Close returns it to the cache, or
// closes it outright when it is not cached.
type Stmt struct {
	stmt  *sql.Stmt
	entry *stmtcache.Entry[*sql.Stmt]
	cache *stmtcache.StatementCache[*sql.Stmt]
}

// QueryContext executes the statement's query with the given arguments.
func (s *Stmt) QueryContext(ctx context.Context, args ...interface{}) (*sql.Rows, error) {
	return s.stmt.QueryContext(ctx, args...)
}

// QueryRowContext executes the statement's query expecting at most one row.
func (s *Stmt) QueryRowContext(ctx context.Context, args ...interface{}) *sql.Row {
	return s.stmt.QueryRowContext(ctx, args...)
}

// ExecContext executes the statement with the given arguments.
func (s *Stmt) ExecContext(ctx context.Context, args ...interface{}) (sql.Result, error) {
	return s.stmt.ExecContext(ctx, args...)
}

// Raw returns the underlying statement handle.
func (s *Stmt) Raw() *sql.Stmt {
	return s.stmt
}

// Close releases the statement. Cached statements go back to the pool;
// uncached ones are closed for real. Safe to call from a defer directly
// after Prepare.
func (s *Stmt) Close() error {
	if s.entry == nil {
		return s.stmt.Close()
	}
	s.cache.Restore(context.Background(), s.entry, false)
	return nil
}
