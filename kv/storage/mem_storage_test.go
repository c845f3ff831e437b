package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorage(t *testing.T) {
	RunStorageSuite(t, func(t *testing.T) Storage {
		s := NewMemStorage()
		require.Nil(t, s.Start())
		return s
	})
}

// TestMemStorageCommitAtomicity checks readers never observe a partially applied commit.
func TestMemStorageCommitAtomicity(t *testing.T) {
	s := NewMemStorage()
	require.Nil(t, s.PutBranch(BranchMeta{Name: MasterBranch}))
	keys := []QualifiedKey{qk("ks", "a"), qk("ks", "b"), qk("ks", "c")}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ts := int64(1); ts <= 200; ts++ {
			batch := make([]Modify, 0, len(keys))
			for _, k := range keys {
				batch = append(batch, NewPut(k, []byte{byte(ts)}))
			}
			assert.Nil(t, s.ApplyCommit(MasterBranch, ts, batch, nil))
		}
	}()

	for i := 0; i < 200; i++ {
		it, err := s.Scan(MasterBranch, "ks", TsMax)
		require.Nil(t, err)
		items := drain(t, it)
		if len(items) == 0 {
			continue
		}
		require.Len(t, items, len(keys))
		for _, item := range items {
			assert.Equal(t, items[0].Entry.Value, item.Entry.Value)
		}
	}
	wg.Wait()
}

func TestSliceIterator(t *testing.T) {
	closed := 0
	it := NewSliceIterator([]Item{{Key: "a"}, {Key: "b"}}, func() { closed++ })
	assert.True(t, it.Valid())
	assert.Equal(t, "a", it.Item().Key)
	it.Next()
	assert.Equal(t, "b", it.Item().Key)
	it.Close()
	it.Close()
	assert.False(t, it.Valid())
	it.Next()
	assert.Equal(t, 1, closed)
}
