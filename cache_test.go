package stmtcache_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/go-dbpool/stmtcache"
	"github.com/go-dbpool/stmtcache/logging"
)

// fakeStmt stands in for a prepared-statement handle.
type fakeStmt struct {
	id    int
	inUse atomic.Bool
}

// closeRecorder counts closes per handle so the tests can check the
// close-exactly-once invariant.
type closeRecorder struct {
	mu     sync.Mutex
	closes map[*fakeStmt]int
	fail   bool
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{closes: make(map[*fakeStmt]int)}
}

func (r *closeRecorder) close(s *fakeStmt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes[s]++
	if r.fail {
		return errors.New("close failed")
	}
	return nil
}

func (r *closeRecorder) count(s *fakeStmt) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes[s]
}

func (r *closeRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.closes {
		total += n
	}
	return total
}

func (r *closeRecorder) doubleClosed() []*fakeStmt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fakeStmt
	for s, n := range r.closes {
		if n > 1 {
			out = append(out, s)
		}
	}
	return out
}

type StatementCacheSuite struct {
	suite.Suite
	recorder *closeRecorder
	nextID   int
}

func TestStatementCacheSuite(t *testing.T) {
	suite.Run(t, new(StatementCacheSuite))
}

func (s *StatementCacheSuite) SetupTest() {
	s.recorder = newCloseRecorder()
	s.nextID = 0
}

func (s *StatementCacheSuite) newCache(maxSize int) *stmtcache.StatementCache[*fakeStmt] {
	cache, err := stmtcache.New(stmtcache.Config[*fakeStmt]{
		MaxSize: maxSize,
		Close:   s.recorder.close,
		Logger:  logging.NewNoOpLogger(),
	})
	s.Require().NoError(err)
	return cache
}

// prepare returns a callback that hands out one fresh handle and counts its
// invocations through calls.
func (s *StatementCacheSuite) prepare(calls *int) (func(context.Context) (*fakeStmt, error), *fakeStmt) {
	s.nextID++
	handle := &fakeStmt{id: s.nextID}
	return func(context.Context) (*fakeStmt, error) {
		*calls++
		return handle, nil
	}, handle
}

func key(conn stmtcache.ConnID, sql string) stmtcache.Key {
	return stmtcache.NewKey(conn, stmtcache.MethodPrepare, stmtcache.StringArg(sql))
}

func (s *StatementCacheSuite) TestBasicHit() {
	cache := s.newCache(4)
	ctx := context.Background()
	conn := stmtcache.NextConnID()
	k := key(conn, "SELECT 1")

	calls := 0
	prep, h1 := s.prepare(&calls)

	entry, err := cache.Retrieve(ctx, k, prep)
	s.Require().NoError(err)
	s.Same(h1, entry.Handle())
	s.True(entry.Cached())
	s.Equal(1, calls)

	cache.Restore(ctx, entry, false)

	again, err := cache.Retrieve(ctx, k, func(context.Context) (*fakeStmt, error) {
		s.Fail("prepare must not run on a hit")
		return nil, nil
	})
	s.Require().NoError(err)
	s.Same(h1, again.Handle())
	cache.Restore(ctx, again, false)

	s.Equal(1, cache.Len())
	s.Zero(s.recorder.total())
}

func (s *StatementCacheSuite) TestCapacityEviction() {
	cache := s.newCache(2)
	ctx := context.Background()
	conn := stmtcache.NextConnID()

	handles := make([]*fakeStmt, 3)
	for i := 0; i < 3; i++ {
		calls := 0
		prep, h := s.prepare(&calls)
		handles[i] = h
		entry, err := cache.Retrieve(ctx, key(conn, fmt.Sprintf("SELECT %d", i)), prep)
		s.Require().NoError(err)
		cache.Restore(ctx, entry, false)
	}

	s.Equal(2, cache.Len())
	closedEarly := s.recorder.count(handles[0]) + s.recorder.count(handles[1])
	s.Equal(1, closedEarly)
	s.Zero(s.recorder.count(handles[2]))
}

func (s *StatementCacheSuite) TestEvictWhileInUse() {
	cache := s.newCache(1)
	ctx := context.Background()
	conn := stmtcache.NextConnID()

	calls1 := 0
	prep1, h1 := s.prepare(&calls1)
	borrowed, err := cache.Retrieve(ctx, key(conn, "SELECT 1"), prep1)
	s.Require().NoError(err)

	// Displace the borrowed entry. Its handle must stay open until the
	// borrower returns it.
	calls2 := 0
	prep2, _ := s.prepare(&calls2)
	other, err := cache.Retrieve(ctx, key(conn, "SELECT 2"), prep2)
	s.Require().NoError(err)
	s.Zero(s.recorder.count(h1))

	cache.Restore(ctx, borrowed, false)
	s.Equal(1, s.recorder.count(h1))

	cache.Restore(ctx, other, false)
	s.Equal(1, s.recorder.total())
}

func (s *StatementCacheSuite) TestConcurrentRetrieveSameKey() {
	const borrowers = 32

	cache := s.newCache(10)
	ctx := context.Background()
	k := key(stmtcache.NextConnID(), "SELECT 1")

	var (
		start   sync.WaitGroup
		done    sync.WaitGroup
		cached  atomic.Int32
		entries [borrowers]*stmtcache.Entry[*fakeStmt]
	)
	start.Add(1)
	for i := 0; i < borrowers; i++ {
		done.Add(1)
		go func(id int) {
			defer done.Done()
			start.Wait()

			entry, err := cache.Retrieve(ctx, k, func(context.Context) (*fakeStmt, error) {
				return &fakeStmt{id: 1000 + id}, nil
			})
			if err != nil {
				s.T().Error(err)
				return
			}
			if entry.Cached() {
				cached.Add(1)
			}
			entries[id] = entry
		}(i)
	}
	start.Done()
	done.Wait()

	s.Equal(int32(1), cached.Load())

	// Every borrow is still outstanding, so none of the handles may have
	// been closed yet.
	s.Zero(s.recorder.total())

	for _, entry := range entries {
		if entry != nil {
			cache.Restore(ctx, entry, false)
		}
	}
	s.Equal(1, cache.Len())
	s.Equal(borrowers-1, s.recorder.total())
	s.Empty(s.recorder.doubleClosed())
}

func (s *StatementCacheSuite) TestRemoveAllForConnection() {
	cache := s.newCache(16)
	ctx := context.Background()
	connA := stmtcache.NextConnID()
	connB := stmtcache.NextConnID()

	var aHandles, bHandles []*fakeStmt
	for i := 0; i < 5; i++ {
		calls := 0
		prep, h := s.prepare(&calls)
		aHandles = append(aHandles, h)
		entry, err := cache.Retrieve(ctx, key(connA, fmt.Sprintf("SELECT a%d", i)), prep)
		s.Require().NoError(err)
		cache.Restore(ctx, entry, false)
	}
	for i := 0; i < 3; i++ {
		calls := 0
		prep, h := s.prepare(&calls)
		bHandles = append(bHandles, h)
		entry, err := cache.Retrieve(ctx, key(connB, fmt.Sprintf("SELECT b%d", i)), prep)
		s.Require().NoError(err)
		cache.Restore(ctx, entry, false)
	}

	s.Equal(5, cache.RemoveAll(connA))
	s.Equal(3, cache.Len())
	for _, h := range aHandles {
		s.Equal(1, s.recorder.count(h))
	}
	for _, h := range bHandles {
		s.Zero(s.recorder.count(h))
	}

	s.Zero(cache.RemoveAll(connA))
}

func (s *StatementCacheSuite) TestClear() {
	cache := s.newCache(16)
	ctx := context.Background()
	connA := stmtcache.NextConnID()
	connB := stmtcache.NextConnID()

	for i := 0; i < 7; i++ {
		conn := connA
		if i%2 == 1 {
			conn = connB
		}
		calls := 0
		prep, _ := s.prepare(&calls)
		entry, err := cache.Retrieve(ctx, key(conn, fmt.Sprintf("SELECT %d", i)), prep)
		s.Require().NoError(err)
		cache.Restore(ctx, entry, false)
	}

	s.Equal(7, cache.Clear())
	s.Zero(cache.Len())
	s.Equal(7, s.recorder.total())
	s.Empty(s.recorder.doubleClosed())
}

func (s *StatementCacheSuite) TestPrepareErrorPropagates() {
	cache := s.newCache(4)
	ctx := context.Background()
	boom := errors.New("syntax error at or near FORM")

	entry, err := cache.Retrieve(ctx, key(stmtcache.NextConnID(), "SELECT * FORM t"), func(context.Context) (*fakeStmt, error) {
		return nil, boom
	})
	s.Nil(entry)
	s.ErrorIs(err, boom)
	s.Zero(cache.Len())
	s.Zero(s.recorder.total())
}

func (s *StatementCacheSuite) TestUncachedFallbackWhileBorrowed() {
	cache := s.newCache(4)
	ctx := context.Background()
	k := key(stmtcache.NextConnID(), "SELECT 1")

	calls1 := 0
	prep1, h1 := s.prepare(&calls1)
	first, err := cache.Retrieve(ctx, k, prep1)
	s.Require().NoError(err)

	calls2 := 0
	prep2, h2 := s.prepare(&calls2)
	second, err := cache.Retrieve(ctx, k, prep2)
	s.Require().NoError(err)
	s.Equal(1, calls2)
	s.False(second.Cached())
	s.Same(h2, second.Handle())

	cache.Restore(ctx, second, false)
	s.Equal(1, s.recorder.count(h2))

	cache.Restore(ctx, first, false)
	s.Zero(s.recorder.count(h1))
	s.Equal(1, cache.Len())
}

func (s *StatementCacheSuite) TestRemove() {
	cache := s.newCache(4)
	ctx := context.Background()
	conn := stmtcache.NextConnID()

	calls1 := 0
	prep1, h1 := s.prepare(&calls1)
	e1, err := cache.Retrieve(ctx, key(conn, "SELECT 1"), prep1)
	s.Require().NoError(err)
	cache.Restore(ctx, e1, false)

	calls2 := 0
	prep2, h2 := s.prepare(&calls2)
	e2, err := cache.Retrieve(ctx, key(conn, "SELECT 2"), prep2)
	s.Require().NoError(err)
	cache.Restore(ctx, e2, false)

	s.True(cache.Remove(h1, true))
	s.Equal(1, s.recorder.count(h1))
	s.Equal(1, cache.Len())

	// Already gone.
	s.False(cache.Remove(h1, true))

	// Unknown handle.
	s.False(cache.Remove(&fakeStmt{id: -1}, true))

	// Escape hatch: stop tracking without closing.
	s.True(cache.Remove(h2, false))
	s.Zero(s.recorder.count(h2))
	s.Zero(cache.Len())
}

func (s *StatementCacheSuite) TestClearStateOnRestore() {
	cleared := 0
	cache, err := stmtcache.New(stmtcache.Config[*fakeStmt]{
		MaxSize: 4,
		Close:   s.recorder.close,
		ClearState: func(*fakeStmt) error {
			cleared++
			if cleared > 1 {
				return errors.New("clear warnings failed")
			}
			return nil
		},
		Logger: logging.NewNoOpLogger(),
	})
	s.Require().NoError(err)

	ctx := context.Background()
	k := key(stmtcache.NextConnID(), "SELECT 1")
	calls := 0
	prep, h1 := s.prepare(&calls)

	entry, err := cache.Retrieve(ctx, k, prep)
	s.Require().NoError(err)
	cache.Restore(ctx, entry, true)
	s.Equal(1, cleared)

	// A failing clear is swallowed and the entry is still released.
	entry, err = cache.Retrieve(ctx, k, prep)
	s.Require().NoError(err)
	s.Same(h1, entry.Handle())
	cache.Restore(ctx, entry, true)
	s.Equal(2, cleared)

	entry, err = cache.Retrieve(ctx, k, prep)
	s.Require().NoError(err)
	s.Same(h1, entry.Handle())
	cache.Restore(ctx, entry, false)
	s.Equal(2, cleared)
	s.Equal(1, calls)
}

func (s *StatementCacheSuite) TestCloseErrorSwallowed() {
	s.recorder.fail = true
	cache := s.newCache(4)
	ctx := context.Background()

	calls := 0
	prep, h1 := s.prepare(&calls)
	entry, err := cache.Retrieve(ctx, key(stmtcache.NextConnID(), "SELECT 1"), prep)
	s.Require().NoError(err)
	cache.Restore(ctx, entry, false)

	s.Equal(1, cache.Clear())
	s.Equal(1, s.recorder.count(h1))
	s.Equal(int64(1), cache.Stats().CloseErrors)
}

func (s *StatementCacheSuite) TestConstructionErrors() {
	for _, size := range []int{0, -1} {
		_, err := stmtcache.New(stmtcache.Config[*fakeStmt]{
			MaxSize: size,
			Close:   s.recorder.close,
		})
		var sizeErr *stmtcache.InvalidSizeError
		s.ErrorAs(err, &sizeErr)
		s.Equal(size, sizeErr.Size)
	}

	_, err := stmtcache.New(stmtcache.Config[*fakeStmt]{MaxSize: 10})
	s.ErrorIs(err, stmtcache.ErrNoCloseFunc)
}

func (s *StatementCacheSuite) TestOversizedCacheWarns() {
	var buf bytes.Buffer
	logger := logging.NewStandardLogger(&logging.LoggerConfig{
		Level:  logging.WARN,
		Format: "text",
		Output: &buf,
	})

	cache, err := stmtcache.New(stmtcache.Config[*fakeStmt]{
		MaxSize: 5000,
		Close:   s.recorder.close,
		Logger:  logger,
	})
	s.Require().NoError(err)
	s.NotNil(cache)
	s.Contains(buf.String(), "recommended")
}

func (s *StatementCacheSuite) TestStats() {
	cache := s.newCache(2)
	ctx := context.Background()
	conn := stmtcache.NextConnID()

	for i := 0; i < 3; i++ {
		calls := 0
		prep, _ := s.prepare(&calls)
		entry, err := cache.Retrieve(ctx, key(conn, fmt.Sprintf("SELECT %d", i)), prep)
		s.Require().NoError(err)
		cache.Restore(ctx, entry, false)
	}
	for i := 1; i < 3; i++ {
		entry, err := cache.Retrieve(ctx, key(conn, fmt.Sprintf("SELECT %d", i)), func(context.Context) (*fakeStmt, error) {
			s.Fail("prepare must not run on a hit")
			return nil, nil
		})
		s.Require().NoError(err)
		cache.Restore(ctx, entry, false)
	}

	stats := cache.Stats()
	s.Equal(2, stats.Size)
	s.Equal(2, stats.MaxSize)
	s.Equal(int64(2), stats.Hits)
	s.Equal(int64(3), stats.Misses)
	s.Equal(int64(1), stats.Evictions)
	s.Equal(int64(1), stats.Closes)
	s.InDelta(0.4, stats.HitRate, 1e-9)
}

// TestConcurrentChurn drives many goroutines over a small key space and
// checks the aggregate invariants: bounded size, single borrower per
// handle, and exactly one close per handle once the cache is cleared.
func (s *StatementCacheSuite) TestConcurrentChurn() {
	const (
		workers    = 16
		iterations = 200
		maxSize    = 8
	)

	cache := s.newCache(maxSize)
	ctx := context.Background()

	conns := []stmtcache.ConnID{stmtcache.NextConnID(), stmtcache.NextConnID()}

	var (
		created sync.Map
		nextID  atomic.Int64
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				conn := conns[(seed+i)%len(conns)]
				k := key(conn, fmt.Sprintf("SELECT %d", (seed*7+i)%16))

				entry, err := cache.Retrieve(ctx, k, func(context.Context) (*fakeStmt, error) {
					handle := &fakeStmt{id: int(nextID.Add(1))}
					created.Store(handle, struct{}{})
					return handle, nil
				})
				if err != nil {
					s.T().Error(err)
					return
				}

				handle := entry.Handle()
				if !handle.inUse.CompareAndSwap(false, true) {
					s.T().Error("handle borrowed by two callers at once")
				}
				if cache.Len() > maxSize {
					s.T().Error("cache exceeded its capacity")
				}
				handle.inUse.Store(false)

				cache.Restore(ctx, entry, i%3 == 0)
			}
		}(w)
	}
	wg.Wait()

	s.LessOrEqual(cache.Len(), maxSize)
	cache.Clear()
	s.Zero(cache.Len())

	createdCount := 0
	created.Range(func(k, _ any) bool {
		createdCount++
		handle := k.(*fakeStmt)
		if s.recorder.count(handle) != 1 {
			s.T().Errorf("handle %d closed %d times", handle.id, s.recorder.count(handle))
		}
		return true
	})
	s.Equal(createdCount, s.recorder.total())
}
