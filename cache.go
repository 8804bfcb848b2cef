package stmtcache

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-dbpool/stmtcache/logging"
	"github.com/go-dbpool/stmtcache/lrumap"
)

// Config holds construction parameters for a StatementCache.
type Config[H comparable] struct {
	MaxSize       int                // Maximum number of cached statements, must be > 0
	Close         func(H) error      // Disposes a prepared handle; required
	ClearState    func(H) error      // Best-effort scratch-state reset before release; optional
	Logger        logging.Logger     // Defaults to the standard logger
	EnableTracing bool               // Enable OpenTelemetry tracing on the retrieve path
	TracerName    string             // Name for the tracer
}

// StatementCache memoises prepared handles keyed by (connection, method,
// arguments). All methods are safe for concurrent use; no lock is held
// across the prepare, close or clear-state callouts.
type StatementCache[H comparable] struct {
	entries    *lrumap.Map[Key, *Entry[H]]
	close      func(H) error
	clearState func(H) error
	logger     logging.Logger
	tracer     trace.Tracer
	maxSize    int

	hits        atomic.Int64
	misses      atomic.Int64
	uncached    atomic.Int64
	evictions   atomic.Int64
	closes      atomic.Int64
	closeErrors atomic.Int64
}

// recommendedMaxSize is advisory. Beyond this many prepared statements per
// pool the server-side resource cost usually outweighs the prepare savings.
const recommendedMaxSize = 1000

// New constructs a statement cache with the given configuration.
func New[H comparable](config Config[H]) (*StatementCache[H], error) {
	if config.MaxSize <= 0 {
		return nil, &InvalidSizeError{Size: config.MaxSize}
	}
	if config.Close == nil {
		return nil, ErrNoCloseFunc
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.NewStandardLogger(nil)
	}
	if config.MaxSize > recommendedMaxSize {
		logger.Warn(context.Background(), "statement cache size exceeds the recommended maximum",
			logging.Int("max_size", config.MaxSize),
			logging.Int("recommended", recommendedMaxSize))
	}

	var tracer trace.Tracer
	if config.EnableTracing {
		name := config.TracerName
		if name == "" {
			name = "stmtcache"
		}
		tracer = otel.Tracer(name)
	}

	sc := &StatementCache[H]{
		close:      config.Close,
		clearState: config.ClearState,
		logger:     logger,
		tracer:     tracer,
		maxSize:    config.MaxSize,
	}

	entries, err := lrumap.New[Key, *Entry[H]](config.MaxSize, sc.onEvict)
	if err != nil {
		return nil, err
	}
	sc.entries = entries

	return sc, nil
}

// Retrieve returns an entry whose handle is ready for use by exactly one
// caller. On a hit the cached handle is returned; on a miss the prepare
// callback is invoked and its result is either adopted into the cache or, if
// the key is contended or the cache cannot adopt it, handed back as an
// uncached one-shot entry. The caller must eventually pass the entry to
// Restore. A failing prepare propagates unchanged and leaves the cache
// untouched.
func (sc *StatementCache[H]) Retrieve(ctx context.Context, key Key, prepare func(context.Context) (H, error)) (*Entry[H], error) {
	var span trace.Span
	if sc.tracer != nil {
		ctx, span = sc.tracer.Start(ctx, "stmtcache.retrieve",
			trace.WithAttributes(
				attribute.Int64("db.connection_id", int64(key.Conn())),
				attribute.String("db.prepare_method", key.Method().String()),
			))
		defer span.End()
	}

	existing, found := sc.entries.Get(key)
	if found && existing.tryAcquire() {
		sc.hits.Add(1)

		if span != nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			span.SetStatus(codes.Ok, "statement served from cache")
		}

		return existing, nil
	}

	// Miss: no entry, or the entry is borrowed or already evicted.
	sc.misses.Add(1)

	handle, err := prepare(ctx)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "statement prepare failed")
		}
		return nil, err
	}

	if !found {
		candidate := newCachedEntry(handle)
		if _, raced := sc.entries.PutIfAbsent(key, candidate); !raced {
			// Adopted; the insertion may have evicted some other key.
			if span != nil {
				span.SetAttributes(
					attribute.Bool("cache.hit", false),
					attribute.Bool("cache.stored", true),
					attribute.Int("cache.size", sc.entries.Len()),
				)
				span.SetStatus(codes.Ok, "statement prepared and cached")
			}
			return candidate, nil
		}
	}

	// Another caller holds the cached slot for this key. Hand the fresh
	// handle back as a one-shot entry; Restore will close it.
	sc.uncached.Add(1)

	if span != nil {
		span.SetAttributes(
			attribute.Bool("cache.hit", false),
			attribute.Bool("cache.stored", false),
		)
		span.SetStatus(codes.Ok, "statement prepared uncached")
	}

	return newUncachedEntry(handle), nil
}

// Restore returns a borrowed entry. Must be called exactly once per
// successful Retrieve. Uncached entries are closed outright. For cached
// entries, clearState requests a best-effort scratch-state reset before the
// entry is released; a failing reset is logged and the release proceeds. If
// the entry was evicted during the borrow, its handle is closed here.
func (sc *StatementCache[H]) Restore(ctx context.Context, entry *Entry[H], clearState bool) {
	if entry == nil {
		return
	}

	if !entry.cached {
		sc.closeHandle(ctx, entry.handle)
		return
	}

	if clearState && sc.clearState != nil {
		if err := sc.clearState(entry.handle); err != nil {
			sc.logger.Warn(ctx, "clearing statement state failed", logging.Error(err))
		}
	}

	if entry.tryRelease() {
		return
	}

	if entry.state.Load() == stateEvicted {
		// Evicted while borrowed; disposal was deferred to us.
		sc.closeHandle(ctx, entry.handle)
		return
	}

	// The entry was not in use: a double restore. Leave the state alone.
	sc.logger.Warn(ctx, "restore of a statement that was not borrowed")
}

// Remove drops the entry whose handle is handle, if any, and reports whether
// a removal occurred. With closeHandle set the handle is closed regardless
// of its state; a caller purging a handle it currently borrows must not also
// Restore it. With closeHandle unset the handle is left open and merely
// stops being tracked.
func (sc *StatementCache[H]) Remove(handle H, closeHandle bool) bool {
	var (
		victimKey Key
		victim    *Entry[H]
		found     bool
	)
	sc.entries.Range(func(k Key, e *Entry[H]) bool {
		if e.handle == handle {
			victimKey, victim, found = k, e, true
			return false
		}
		return true
	})
	if !found {
		return false
	}

	if !sc.entries.Remove(victimKey, victim) {
		// Lost a race with an eviction or another removal.
		return false
	}

	victim.markEvicted()
	if closeHandle {
		sc.closeHandle(context.Background(), victim.handle)
	}
	return true
}

// RemoveAll drops every entry belonging to the given connection, closing
// each handle, and returns the number removed. A handle that is borrowed at
// this moment is closed by its borrower on Restore instead. Call RemoveAll
// when the physical connection is destroyed so no cached statement outlives
// its connection.
func (sc *StatementCache[H]) RemoveAll(conn ConnID) int {
	removed := 0
	sc.entries.Range(func(k Key, e *Entry[H]) bool {
		if k.Conn() != conn {
			return true
		}
		if sc.entries.Remove(k, e) {
			if e.markEvicted() != stateInUse {
				sc.closeHandle(context.Background(), e.handle)
			}
			removed++
		}
		return true
	})
	return removed
}

// Clear drops every entry and closes every handle, returning the number
// removed. Handles borrowed at this moment are closed by their borrowers on
// Restore. Intended for pool shutdown; the cache remains usable afterwards.
func (sc *StatementCache[H]) Clear() int {
	removed := 0
	sc.entries.Range(func(k Key, e *Entry[H]) bool {
		if sc.entries.Remove(k, e) {
			if e.markEvicted() != stateInUse {
				sc.closeHandle(context.Background(), e.handle)
			}
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of entries currently cached.
func (sc *StatementCache[H]) Len() int {
	return sc.entries.Len()
}

// onEvict is the map's eviction listener. It runs on the goroutine whose
// insertion displaced the entry, after the entry is gone from the map, and
// never calls back into the map. If the entry was resting in the cache its
// handle is closed here; if it was borrowed, the borrower closes it on
// Restore.
func (sc *StatementCache[H]) onEvict(_ Key, entry *Entry[H]) {
	sc.evictions.Add(1)
	if entry.markEvicted() == stateAvailable {
		sc.closeHandle(context.Background(), entry.handle)
	}
}

func (sc *StatementCache[H]) closeHandle(ctx context.Context, handle H) {
	sc.closes.Add(1)
	if err := sc.close(handle); err != nil {
		sc.closeErrors.Add(1)
		sc.logger.Error(ctx, "closing prepared statement failed", err)
	}
}
