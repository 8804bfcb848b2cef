// Package instrumentation exposes statement cache counters as Prometheus
// metrics.
package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-dbpool/stmtcache"
)

// StatsSource is anything that yields a point-in-time cache snapshot. Every
// StatementCache instantiation satisfies it regardless of handle type.
type StatsSource interface {
	Stats() stmtcache.Stats
}

// CacheCollector implements prometheus.Collector over a statement cache.
// Register one collector per cache, distinguished by the pool label.
type CacheCollector struct {
	source StatsSource

	size        *prometheus.Desc
	maxSize     *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	uncached    *prometheus.Desc
	evictions   *prometheus.Desc
	closes      *prometheus.Desc
	closeErrors *prometheus.Desc
}

// NewCacheCollector creates a collector reading from source. pool names the
// owning connection pool in the metric labels.
func NewCacheCollector(source StatsSource, pool string) *CacheCollector {
	labels := prometheus.Labels{"pool": pool}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("stmtcache", "", name), help, nil, labels)
	}

	return &CacheCollector{
		source:      source,
		size:        desc("size", "Number of prepared statements currently cached."),
		maxSize:     desc("max_size", "Hard capacity of the statement cache."),
		hits:        desc("hits_total", "Retrieves served from the cache."),
		misses:      desc("misses_total", "Retrieves that prepared a new statement."),
		uncached:    desc("uncached_total", "Misses that returned a one-shot uncached statement."),
		evictions:   desc("evictions_total", "Entries displaced by capacity evictions."),
		closes:      desc("closes_total", "Prepared statement close invocations."),
		closeErrors: desc("close_errors_total", "Prepared statement closes that failed."),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.maxSize
	ch <- c.hits
	ch <- c.misses
	ch <- c.uncached
	ch <- c.evictions
	ch <- c.closes
	ch <- c.closeErrors
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size))
	ch <- prometheus.MustNewConstMetric(c.maxSize, prometheus.GaugeValue, float64(s.MaxSize))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.uncached, prometheus.CounterValue, float64(s.Uncached))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.closes, prometheus.CounterValue, float64(s.Closes))
	ch <- prometheus.MustNewConstMetric(c.closeErrors, prometheus.CounterValue, float64(s.CloseErrors))
}
