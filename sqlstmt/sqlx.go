package sqlstmt

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/go-dbpool/stmtcache"
	"github.com/go-dbpool/stmtcache/logging"
)

// SqlxPreparer is the subset of a sqlx connection the adapter needs.
// *sqlx.DB, *sqlx.Conn and *sqlx.Tx all satisfy it.
type SqlxPreparer interface {
	PreparexContext(ctx context.Context, query string) (*sqlx.Stmt, error)
}

// NewSqlxCache constructs a statement cache sized for sqlx handles.
func NewSqlxCache(maxSize int, logger logging.Logger) (*stmtcache.StatementCache[*sqlx.Stmt], error) {
	return stmtcache.New(stmtcache.Config[*sqlx.Stmt]{
		MaxSize: maxSize,
		Close:   func(s *sqlx.Stmt) error { return s.Close() },
		Logger:  logger,
	})
}

// SqlxConn couples one sqlx connection with a statement cache, preserving
// sqlx's extended scanning on the cached statements.
type SqlxConn struct {
	preparer SqlxPreparer
	cache    *stmtcache.StatementCache[*sqlx.Stmt]
	id       stmtcache.ConnID
}

// NewSqlxConn wraps a sqlx connection. As with NewConn, the preparer should
// stay bound to one physical connection.
func NewSqlxConn(p SqlxPreparer, cache *stmtcache.StatementCache[*sqlx.Stmt]) *SqlxConn {
	return &SqlxConn{preparer: p, cache: cache, id: stmtcache.NextConnID()}
}

// ID returns the connection identity token used in cache keys.
func (c *SqlxConn) ID() stmtcache.ConnID {
	return c.id
}

// Preparex returns a prepared statement for query, served from the cache
// when possible.
func (c *SqlxConn) Preparex(ctx context.Context, query string) (*SqlxStmt, error) {
	if c.cache == nil {
		raw, err := c.preparer.PreparexContext(ctx, query)
		if err != nil {
			return nil, err
		}
		return &SqlxStmt{stmt: raw}, nil
	}

	key := stmtcache.NewKey(c.id, stmtcache.MethodPrepare, stmtcache.StringArg(query))
	entry, err := c.cache.Retrieve(ctx, key, func(ctx context.Context) (*sqlx.Stmt, error) {
		return c.preparer.PreparexContext(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return &SqlxStmt{stmt: entry.Handle(), entry: entry, cache: c.cache}, nil
}

// Release tears down every cached statement belonging to this connection.
func (c *SqlxConn) Release() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.RemoveAll(c.id)
}

// SqlxStmt is a borrowed sqlx prepared statement.
type SqlxStmt struct {
	stmt  *sqlx.Stmt
	entry *stmtcache.Entry[*sqlx.Stmt]
	cache *stmtcache.StatementCache[*sqlx.Stmt]
}

// GetContext scans a single row into dest.
func (s *SqlxStmt) GetContext(ctx context.Context, dest interface{}, args ...interface{}) error {
	return s.stmt.GetContext(ctx, dest, args...)
}

// SelectContext scans all rows into dest.
func (s *SqlxStmt) SelectContext(ctx context.Context, dest interface{}, args ...interface{}) error {
	return s.stmt.SelectContext(ctx, dest, args...)
}

// QueryxContext executes the statement's query.
func (s *SqlxStmt) QueryxContext(ctx context.Context, args ...interface{}) (*sqlx.Rows, error) {
	return s.stmt.QueryxContext(ctx, args...)
}

// ExecContext executes the statement.
func (s *SqlxStmt) ExecContext(ctx context.Context, args ...interface{}) (sql.Result, error) {
	return s.stmt.ExecContext(ctx, args...)
}

// Raw returns the underlying sqlx statement.
func (s *SqlxStmt) Raw() *sqlx.Stmt {
	return s.stmt
}

// Close releases the statement back to the cache, or closes it outright
// when it is not cached.
func (s *SqlxStmt) Close() error {
	if s.entry == nil {
		return s.stmt.Close()
	}
	s.cache.Restore(context.Background(), s.entry, false)
	return nil
}
