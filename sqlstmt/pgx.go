package sqlstmt

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/go-dbpool/stmtcache"
	"github.com/go-dbpool/stmtcache/logging"
)

// PgxConn couples one pgx connection with its own statement cache. The
// cache is per-connection because deallocation must go through the owning
// connection; the handles are server-side statement descriptions rather
// than database/sql statements.
type PgxConn struct {
	conn  *pgx.Conn
	cache *stmtcache.StatementCache[*pgconn.StatementDescription]
	id    stmtcache.ConnID
}

// NewPgxConn wraps a pgx connection with a cache holding at most maxSize
// prepared statements. A nil logger uses the standard logger.
func NewPgxConn(conn *pgx.Conn, maxSize int, logger logging.Logger) (*PgxConn, error) {
	pc := &PgxConn{conn: conn, id: stmtcache.NextConnID()}

	cache, err := stmtcache.New(stmtcache.Config[*pgconn.StatementDescription]{
		MaxSize: maxSize,
		Close: func(sd *pgconn.StatementDescription) error {
			return conn.Deallocate(context.Background(), sd.Name)
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	pc.cache = cache
	return pc, nil
}

// ID returns the connection identity token used in cache keys.
func (c *PgxConn) ID() stmtcache.ConnID {
	return c.id
}

// Prepare returns a borrowed statement description for sql, preparing it
// server-side on the first call. The statement name is derived from the
// SQL text, so a concurrent uncached fallback prepares the same server-side
// statement and pgx returns the existing description. Pass the result to
// Restore when done.
func (c *PgxConn) Prepare(ctx context.Context, sql string) (*stmtcache.Entry[*pgconn.StatementDescription], error) {
	key := stmtcache.NewKey(c.id, stmtcache.MethodPrepare, stmtcache.StringArg(sql))
	return c.cache.Retrieve(ctx, key, func(ctx context.Context) (*pgconn.StatementDescription, error) {
		return c.conn.Prepare(ctx, statementName(sql), sql)
	})
}

// Restore returns a borrowed statement description to the cache.
func (c *PgxConn) Restore(ctx context.Context, entry *stmtcache.Entry[*pgconn.StatementDescription]) {
	c.cache.Restore(ctx, entry, false)
}

// Close deallocates every cached statement and returns the number removed.
// Statements borrowed at this moment are deallocated when they are
// restored. Call it before closing the underlying connection.
func (c *PgxConn) Close() int {
	return c.cache.Clear()
}

// Stats returns the cache counters for this connection.
func (c *PgxConn) Stats() stmtcache.Stats {
	return c.cache.Stats()
}

// statementName derives a stable server-side statement name from the SQL
// text. Postgres statement names are limited to 63 bytes, so the name is a
// digest rather than the text itself.
func statementName(sql string) string {
	h := fnv.New64a()
	h.Write([]byte(sql))
	return fmt.Sprintf("stmtcache_%016x", h.Sum64())
}
