package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chronodb",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Counter of cache lookups.",
		}, []string{"cache", "result"})

	CacheEvictionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chronodb",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Counter of cache entries dropped by eviction, removal or purge.",
		}, []string{"cache"})

	TxnCommitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chronodb",
			Subsystem: "txn",
			Name:      "commits_total",
			Help:      "Counter of transaction commits.",
		}, []string{"result"})

	TxnConflictCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chronodb",
			Subsystem: "txn",
			Name:      "conflicts_total",
			Help:      "Counter of conflicting keys found on commit.",
		}, []string{"strategy"})

	TxnCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chronodb",
			Subsystem: "txn",
			Name:      "commit_duration_seconds",
			Help:      "Bucketed histogram of commit durations.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
		})

	IndexQueryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chronodb",
			Subsystem: "index",
			Name:      "queries_total",
			Help:      "Counter of evaluated index conditions.",
		}, []string{"source"})

	ReindexDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chronodb",
			Subsystem: "index",
			Name:      "reindex_duration_seconds",
			Help:      "Bucketed histogram of full index rebuilds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(CacheRequestCounter)
		prometheus.MustRegister(CacheEvictionCounter)
		prometheus.MustRegister(TxnCommitCounter)
		prometheus.MustRegister(TxnConflictCounter)
		prometheus.MustRegister(TxnCommitDuration)
		prometheus.MustRegister(IndexQueryCounter)
		prometheus.MustRegister(ReindexDuration)
	})
}
