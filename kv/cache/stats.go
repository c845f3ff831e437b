package cache

import (
	"math"

	"github.com/chronodb/chronodb/kv/util/metrics"
	"go.uber.org/atomic"
)

type Stats struct {
	Hits   int64
	Misses int64
}

func (s Stats) Requests() int64 {
	return s.Hits + s.Misses
}

// HitRatio is NaN as long as no request was made.
func (s Stats) HitRatio() float64 {
	if s.Requests() == 0 {
		return math.NaN()
	}
	return float64(s.Hits) / float64(s.Requests())
}

type statsCounter struct {
	name   string
	hits   atomic.Int64
	misses atomic.Int64
}

func newStatsCounter(name string) *statsCounter {
	return &statsCounter{name: name}
}

func (c *statsCounter) hit() {
	if c == nil {
		return
	}
	c.hits.Inc()
	metrics.CacheRequestCounter.WithLabelValues(c.name, "hit").Inc()
}

func (c *statsCounter) miss() {
	if c == nil {
		return
	}
	c.misses.Inc()
	metrics.CacheRequestCounter.WithLabelValues(c.name, "miss").Inc()
}

func (c *statsCounter) snapshot() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *statsCounter) reset() {
	if c == nil {
		return
	}
	c.hits.Store(0)
	c.misses.Store(0)
}
