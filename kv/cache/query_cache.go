package cache

import (
	"github.com/chronodb/chronodb/kv/util"
	"github.com/chronodb/chronodb/kv/util/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// QueryKey identifies one index lookup. S is the search specification type, it must be comparable.
type QueryKey[S comparable] struct {
	Timestamp int64
	Branch    string
	Keyspace  string
	Spec      S
}

// KeySet is a set of keys within one keyspace. Sets handed out by the query cache are shared and must not be
// modified.
type KeySet map[string]struct{}

// QueryCache is a bounded LRU of index lookup results.
type QueryCache[S comparable] struct {
	entries *lru.Cache[QueryKey[S], KeySet]
	// nil when statistics are off.
	stats *statsCounter
}

func NewQueryCache[S comparable](size int, recordStats bool) (*QueryCache[S], error) {
	if size <= 0 {
		return nil, util.InvalidArgument("query cache size must be greater than 0, got %d", size)
	}
	entries, err := lru.NewWithEvict[QueryKey[S], KeySet](size, func(QueryKey[S], KeySet) {
		metrics.CacheEvictionCounter.WithLabelValues("query").Inc()
	})
	if err != nil {
		return nil, err
	}
	c := &QueryCache[S]{entries: entries}
	if recordStats {
		c.stats = newStatsCounter("query")
	}
	return c, nil
}

func (c *QueryCache[S]) Get(key QueryKey[S]) (KeySet, bool) {
	keys, ok := c.entries.Get(key)
	if ok {
		c.stats.hit()
	} else {
		c.stats.miss()
	}
	return keys, ok
}

func (c *QueryCache[S]) Put(key QueryKey[S], keys KeySet) {
	c.entries.Add(key, keys)
}

// GetOrCompute returns the cached result for key, computing and caching it on a miss. Errors are not cached.
func (c *QueryCache[S]) GetOrCompute(key QueryKey[S], compute func() (KeySet, error)) (KeySet, error) {
	if keys, ok := c.Get(key); ok {
		return keys, nil
	}
	keys, err := compute()
	if err != nil {
		return nil, err
	}
	c.Put(key, keys)
	return keys, nil
}

func (c *QueryCache[S]) Clear() {
	c.entries.Purge()
}

func (c *QueryCache[S]) Len() int {
	return c.entries.Len()
}

// Stats is always zero when the cache was created without statistics.
func (c *QueryCache[S]) Stats() Stats {
	return c.stats.snapshot()
}
