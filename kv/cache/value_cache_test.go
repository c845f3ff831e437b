package cache

import (
	"math"
	"testing"

	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/util"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keyA = storage.QualifiedKey{Keyspace: "ks", Key: "a"}

func newTestCache(t *testing.T, size int) ValueCache {
	c, err := NewValueCache(size)
	require.Nil(t, err)
	return c
}

func mustValue(t *testing.T, r GetResult) []byte {
	v, err := r.Value()
	require.Nil(t, err)
	return v
}

func TestGetResult(t *testing.T) {
	miss := Miss()
	assert.True(t, miss.IsMiss())
	_, err := miss.Value()
	assert.Equal(t, ErrResultNotPresent, errors.Cause(err))
	_, err = miss.ValidFrom()
	assert.Equal(t, ErrResultNotPresent, errors.Cause(err))

	_, err = miss.Period()
	assert.Equal(t, ErrResultNotPresent, errors.Cause(err))

	hit := Hit([]byte("v"), storage.Period{From: 7, To: 9})
	assert.True(t, hit.IsHit())
	assert.Equal(t, []byte("v"), mustValue(t, hit))
	from, err := hit.ValidFrom()
	require.Nil(t, err)
	assert.Equal(t, int64(7), from)
	period, err := hit.Period()
	require.Nil(t, err)
	assert.Equal(t, int64(9), period.To)
}

func TestValueCacheValidityWindows(t *testing.T) {
	c := newTestCache(t, 10)
	assert.True(t, c.Get("master", 5, keyA).IsMiss())

	c.Cache("master", keyA, []byte("1"), storage.Period{From: 10, To: 20})
	assert.True(t, c.Get("master", 9, keyA).IsMiss())
	r := c.Get("master", 10, keyA)
	assert.Equal(t, []byte("1"), mustValue(t, r))
	r = c.Get("master", 19, keyA)
	assert.Equal(t, []byte("1"), mustValue(t, r))
	from, _ := r.ValidFrom()
	assert.Equal(t, int64(10), from)
	assert.True(t, c.Get("master", 20, keyA).IsMiss())

	// Other branches and keys are separate rows.
	assert.True(t, c.Get("test", 15, keyA).IsMiss())
	assert.True(t, c.Get("master", 15, storage.QualifiedKey{Keyspace: "other", Key: "a"}).IsMiss())

	// An absent key is cached as a hit with a nil value.
	c.Cache("master", keyA, nil, storage.Period{From: 0, To: 10})
	r = c.Get("master", 3, keyA)
	assert.True(t, r.IsHit())
	assert.Nil(t, mustValue(t, r))
}

func TestValueCacheWriteThrough(t *testing.T) {
	c := newTestCache(t, 10)
	c.Cache("master", keyA, []byte("1"), storage.Period{From: 10, To: storage.TsMax})
	assert.Equal(t, []byte("1"), mustValue(t, c.Get("master", 1000, keyA)))

	c.WriteThrough("master", 30, keyA, []byte("2"))
	assert.Equal(t, []byte("1"), mustValue(t, c.Get("master", 29, keyA)))
	assert.Equal(t, []byte("2"), mustValue(t, c.Get("master", 30, keyA)))
	assert.Equal(t, []byte("2"), mustValue(t, c.Get("master", storage.TsMax, keyA)))

	c.WriteThrough("master", 40, keyA, nil)
	r := c.Get("master", 45, keyA)
	assert.True(t, r.IsHit())
	assert.Nil(t, mustValue(t, r))

	// Unknown keys start a row at the write.
	keyB := storage.QualifiedKey{Keyspace: "ks", Key: "b"}
	c.WriteThrough("master", 50, keyB, []byte("b"))
	assert.True(t, c.Get("master", 49, keyB).IsMiss())
	assert.Equal(t, []byte("b"), mustValue(t, c.Get("master", 50, keyB)))
}

func TestValueCacheRollback(t *testing.T) {
	c := newTestCache(t, 10)
	c.Cache("master", keyA, nil, storage.Period{From: 0, To: 10})
	c.Cache("master", keyA, []byte("1"), storage.Period{From: 10, To: storage.TsMax})
	c.WriteThrough("master", 20, keyA, []byte("2"))
	c.WriteThrough("master", 30, keyA, []byte("3"))

	c.RollbackToTimestamp(20)
	// [20, 30) lost its end, [30, max) is newer than the rollback point.
	assert.True(t, c.Get("master", 20, keyA).IsMiss())
	assert.True(t, c.Get("master", 35, keyA).IsMiss())
	assert.Equal(t, []byte("1"), mustValue(t, c.Get("master", 15, keyA)))
	assert.True(t, c.Get("master", 5, keyA).IsHit())

	c.RollbackToTimestamp(-1)
	assert.Equal(t, 0, c.Len())
}

func TestValueCacheEviction(t *testing.T) {
	c := newTestCache(t, 2)
	for _, k := range []string{"a", "b", "c"} {
		c.WriteThrough("master", 1, storage.QualifiedKey{Keyspace: "ks", Key: k}, []byte(k))
	}
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Get("master", 1, keyA).IsMiss())

	c.Clear()
	assert.Equal(t, 0, c.Len())

	_, err := NewValueCache(0)
	assert.True(t, util.IsInvalidArgument(err))
}

func TestValueCacheStats(t *testing.T) {
	c := newTestCache(t, 10)
	assert.True(t, math.IsNaN(c.Stats().HitRatio()))

	c.WriteThrough("master", 1, keyA, []byte("1"))
	c.Get("master", 1, keyA)
	c.Get("master", 0, keyA)
	c.Get("master", 2, keyA)
	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRatio(), 1e-9)

	c.ResetStats()
	assert.Equal(t, int64(0), c.Stats().Requests())
}

func TestBogusCache(t *testing.T) {
	c := NewBogusCache()
	c.Cache("master", keyA, []byte("1"), storage.Period{From: 0, To: storage.TsMax})
	c.WriteThrough("master", 1, keyA, []byte("1"))
	assert.True(t, c.Get("master", 1, keyA).IsMiss())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0.0, c.Stats().HitRatio())
	c.RollbackToTimestamp(0)
	c.Clear()
}

// TestValueCacheAgreesWithStore replays the store's versions of a key as reads and checks the cache answers
// exactly what the store answers.
func TestValueCacheAgreesWithStore(t *testing.T) {
	store := storage.NewMemStorage()
	require.Nil(t, store.PutBranch(storage.BranchMeta{Name: storage.MasterBranch}))
	c := newTestCache(t, 10)
	for _, ts := range []int64{3, 8, 12} {
		put := storage.NewPut(keyA, []byte{byte(ts)})
		require.Nil(t, store.ApplyCommit(storage.MasterBranch, ts, []storage.Modify{put}, nil))
		c.WriteThrough(storage.MasterBranch, ts, keyA, put.Value())
	}
	for ts := int64(0); ts < 16; ts++ {
		res, err := store.Get(storage.MasterBranch, keyA, ts)
		require.Nil(t, err)
		cached := c.Get(storage.MasterBranch, ts, keyA)
		if !cached.IsHit() {
			assert.False(t, res.Found, "ts %d", ts)
			continue
		}
		assert.Equal(t, res.Entry.Value, mustValue(t, cached), "ts %d", ts)
	}

	require.Nil(t, store.RollbackToTimestamp(storage.MasterBranch, 8))
	c.RollbackToTimestamp(8)
	for ts := int64(0); ts < 16; ts++ {
		res, err := store.Get(storage.MasterBranch, keyA, ts)
		require.Nil(t, err)
		if cached := c.Get(storage.MasterBranch, ts, keyA); cached.IsHit() {
			assert.Equal(t, res.Entry.Value, mustValue(t, cached), "ts %d", ts)
		}
	}
}

func TestValueCacheCopiesValues(t *testing.T) {
	c := newTestCache(t, 4)
	value := []byte("IBM")
	c.Cache("master", keyA, value, storage.Period{From: 1, To: storage.TsMax})
	value[0] = 'X'

	got := mustValue(t, c.Get("master", 1, keyA))
	assert.Equal(t, []byte("IBM"), got)
	got[0] = 'Y'
	assert.Equal(t, []byte("IBM"), mustValue(t, c.Get("master", 1, keyA)))

	written := []byte("HP")
	c.WriteThrough("master", 5, keyA, written)
	written[0] = 'X'
	assert.Equal(t, []byte("HP"), mustValue(t, c.Get("master", 5, keyA)))
}
