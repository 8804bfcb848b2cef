/*
Package stmtcache memoises prepared-statement handles on behalf of a
database connection pool. Preparing a statement costs a network round-trip
plus a server-side parse and plan; the cache keys each prepared handle by
(connection, prepare method, arguments) so that a repeat prepare on the same
connection returns the already-prepared handle instead of re-issuing the
prepare.

# Key Properties

  - At most one active borrower per cached entry. A prepared handle carries
    per-use state (parameter bindings, an open cursor) and is never shared
    between concurrent callers.
  - Bounded size with least-recently-used eviction under concurrent access.
  - Each underlying handle is closed exactly once: by the eviction listener,
    by the borrower returning an evicted handle, or by an explicit removal.
  - Transparent fallback: when the cached entry is currently borrowed, or
    another caller inserted the same key first, the caller still receives a
    freshly prepared handle that is closed on return instead of cached. A
    miss on a full cache adopts the new handle and evicts the least recently
    used entry.

# Basic Usage

	cache, err := stmtcache.New(stmtcache.Config[*sql.Stmt]{
		MaxSize: 200,
		Close:   func(s *sql.Stmt) error { return s.Close() },
	})
	if err != nil {
		return err
	}

	connID := stmtcache.NextConnID() // one token per physical connection

	key := stmtcache.NewKey(connID, stmtcache.MethodPrepare,
		stmtcache.StringArg("SELECT name FROM users WHERE id = ?"))
	entry, err := cache.Retrieve(ctx, key, func(ctx context.Context) (*sql.Stmt, error) {
		return conn.PrepareContext(ctx, "SELECT name FROM users WHERE id = ?")
	})
	if err != nil {
		return err
	}
	defer cache.Restore(ctx, entry, false)

	rows, err := entry.Handle().QueryContext(ctx, 42)

When the physical connection is torn down, call RemoveAll with its ConnID so
no cached handle outlives its connection.

The sqlstmt subpackage provides ready-made adapters for database/sql, sqlx
and pgx connections; the instrumentation subpackage exposes cache counters
as a Prometheus collector.
*/
package stmtcache
