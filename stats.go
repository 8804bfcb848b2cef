package stmtcache

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size        int     // Entries currently cached
	MaxSize     int     // Hard capacity
	Hits        int64   // Retrieves served from the cache
	Misses      int64   // Retrieves that invoked the prepare callback
	Uncached    int64   // Misses that returned a one-shot, uncached entry
	Evictions   int64   // Entries displaced by capacity evictions
	Closes      int64   // Handle close invocations
	CloseErrors int64   // Handle closes that returned an error
	HitRate     float64 // Hits / (Hits + Misses), 0 when idle
}

// Stats returns a snapshot of the cache counters. The counters are read
// individually without a lock, so a snapshot taken under concurrent load is
// approximate.
func (sc *StatementCache[H]) Stats() Stats {
	hits := sc.hits.Load()
	misses := sc.misses.Load()
	s := Stats{
		Size:        sc.entries.Len(),
		MaxSize:     sc.maxSize,
		Hits:        hits,
		Misses:      misses,
		Uncached:    sc.uncached.Load(),
		Evictions:   sc.evictions.Load(),
		Closes:      sc.closes.Load(),
		CloseErrors: sc.closeErrors.Load(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
