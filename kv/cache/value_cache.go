package cache

import (
	"bytes"
	"sort"
	"sync"

	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/util"
	"github.com/chronodb/chronodb/kv/util/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ValueCache caches versions of keys together with the period they are valid in, so a version can answer
// reads at any timestamp inside its period. Values are copied in and out, callers may keep and modify them.
type ValueCache interface {
	Get(branch string, ts int64, key storage.QualifiedKey) GetResult
	// Cache stores a version loaded from the store. A nil value records an absent key.
	Cache(branch string, key storage.QualifiedKey, value []byte, period storage.Period)
	// WriteThrough records a committed write at ts, closing the period of the previous head version.
	WriteThrough(branch string, ts int64, key storage.QualifiedKey, value []byte)
	// RollbackToTimestamp drops everything that may be wrong once commits after ts are gone.
	RollbackToTimestamp(ts int64)
	Clear()
	Stats() Stats
	ResetStats()
	Len() int
}

type rowKey struct {
	branch string
	key    storage.QualifiedKey
}

type version struct {
	value  []byte
	period storage.Period
}

// row holds the cached versions of one key ordered by period start.
type row struct {
	versions []version
}

func (r *row) find(ts int64) (version, bool) {
	i := sort.Search(len(r.versions), func(i int) bool { return r.versions[i].period.From > ts })
	if i == 0 {
		return version{}, false
	}
	v := r.versions[i-1]
	if !v.period.Contains(ts) {
		return version{}, false
	}
	return v, true
}

func (r *row) insert(v version) {
	i := sort.Search(len(r.versions), func(i int) bool { return r.versions[i].period.From >= v.period.From })
	if i < len(r.versions) && r.versions[i].period.From == v.period.From {
		r.versions[i] = v
		return
	}
	r.versions = append(r.versions, version{})
	copy(r.versions[i+1:], r.versions[i:])
	r.versions[i] = v
}

type lruValueCache struct {
	// Guards the content of rows; the LRU has its own lock.
	mu    sync.Mutex
	rows  *lru.Cache[rowKey, *row]
	stats *statsCounter
}

// NewValueCache creates a cache holding the versions of at most maxRows keys.
func NewValueCache(maxRows int) (ValueCache, error) {
	if maxRows <= 0 {
		return nil, util.InvalidArgument("value cache size must be greater than 0, got %d", maxRows)
	}
	rows, err := lru.NewWithEvict[rowKey, *row](maxRows, func(rowKey, *row) {
		metrics.CacheEvictionCounter.WithLabelValues("value").Inc()
	})
	if err != nil {
		return nil, err
	}
	return &lruValueCache{rows: rows, stats: newStatsCounter("value")}, nil
}

func (c *lruValueCache) Get(branch string, ts int64, key storage.QualifiedKey) GetResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rows.Get(rowKey{branch: branch, key: key})
	if !ok {
		c.stats.miss()
		return Miss()
	}
	v, ok := r.find(ts)
	if !ok {
		c.stats.miss()
		return Miss()
	}
	c.stats.hit()
	return Hit(bytes.Clone(v.value), v.period)
}

func (c *lruValueCache) row(k rowKey) *row {
	r, ok := c.rows.Get(k)
	if !ok {
		r = &row{}
		c.rows.Add(k, r)
	}
	return r
}

func (c *lruValueCache) Cache(branch string, key storage.QualifiedKey, value []byte, period storage.Period) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.row(rowKey{branch: branch, key: key}).insert(version{value: bytes.Clone(value), period: period})
}

func (c *lruValueCache) WriteThrough(branch string, ts int64, key storage.QualifiedKey, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.row(rowKey{branch: branch, key: key})
	for i := range r.versions {
		p := &r.versions[i].period
		if p.IsOpen() && p.From < ts {
			p.To = ts
		}
	}
	r.insert(version{value: bytes.Clone(value), period: storage.Period{From: ts, To: storage.TsMax}})
}

func (c *lruValueCache) RollbackToTimestamp(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.rows.Keys() {
		r, ok := c.rows.Peek(k)
		if !ok {
			continue
		}
		kept := r.versions[:0]
		for _, v := range r.versions {
			if v.period.From > ts {
				continue
			}
			// The version that closed this period is gone, its real end is unknown.
			if !v.period.IsOpen() && v.period.To > ts {
				continue
			}
			kept = append(kept, v)
		}
		r.versions = kept
		if len(kept) == 0 {
			c.rows.Remove(k)
		}
	}
}

func (c *lruValueCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows.Purge()
}

func (c *lruValueCache) Stats() Stats {
	return c.stats.snapshot()
}

func (c *lruValueCache) ResetStats() {
	c.stats.reset()
}

func (c *lruValueCache) Len() int {
	return c.rows.Len()
}

// bogusCache never holds anything, every lookup misses.
type bogusCache struct {
	stats *statsCounter
}

// NewBogusCache returns the cache used when caching is disabled.
func NewBogusCache() ValueCache {
	return &bogusCache{stats: newStatsCounter("bogus")}
}

func (c *bogusCache) Get(string, int64, storage.QualifiedKey) GetResult {
	c.stats.miss()
	return Miss()
}

func (c *bogusCache) Cache(string, storage.QualifiedKey, []byte, storage.Period) {}

func (c *bogusCache) WriteThrough(string, int64, storage.QualifiedKey, []byte) {}

func (c *bogusCache) RollbackToTimestamp(int64) {}

func (c *bogusCache) Clear() {}

func (c *bogusCache) Stats() Stats {
	return c.stats.snapshot()
}

func (c *bogusCache) ResetStats() {
	c.stats.reset()
}

func (c *bogusCache) Len() int {
	return 0
}
