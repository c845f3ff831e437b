package badger_storage

import (
	"testing"

	"github.com/chronodb/chronodb/kv/config"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStorageInMemory(t *testing.T) {
	storage.RunStorageSuite(t, func(t *testing.T) storage.Storage {
		s := NewBadgerStorage(&config.Storage{Engine: config.EngineBadger})
		require.Nil(t, s.Start())
		return s
	})
}

func TestBadgerStorageOnDisk(t *testing.T) {
	storage.RunStorageSuite(t, func(t *testing.T) storage.Storage {
		s := NewBadgerStorage(&config.Storage{Engine: config.EngineBadger, DBPath: t.TempDir()})
		require.Nil(t, s.Start())
		return s
	})
}

func TestBadgerStorageReopen(t *testing.T) {
	conf := &config.Storage{Engine: config.EngineBadger, DBPath: t.TempDir(), SyncWrites: true}
	s := NewBadgerStorage(conf)
	require.Nil(t, s.Start())
	require.Nil(t, s.PutBranch(storage.BranchMeta{Name: storage.MasterBranch}))
	key := storage.QualifiedKey{Keyspace: "ks", Key: "a"}
	require.Nil(t, s.ApplyCommit(storage.MasterBranch, 10, []storage.Modify{storage.NewPut(key, []byte("v"))}, []byte("m")))
	require.Nil(t, s.PutBranch(storage.BranchMeta{Name: "test", Origin: storage.MasterBranch, BranchingTimestamp: 10}))
	require.Nil(t, s.Stop())

	s = NewBadgerStorage(conf)
	require.Nil(t, s.Start())
	defer s.Stop()
	res, err := s.Get(storage.MasterBranch, key, storage.TsMax)
	require.Nil(t, err)
	assert.Equal(t, []byte("v"), res.Entry.Value)
	metas, err := s.Branches()
	require.Nil(t, err)
	assert.Equal(t, []storage.BranchMeta{
		{Name: storage.MasterBranch},
		{Name: "test", Origin: storage.MasterBranch, BranchingTimestamp: 10},
	}, metas)
	now, err := s.Now(storage.MasterBranch)
	require.Nil(t, err)
	assert.Equal(t, int64(10), now)
}

func TestKeyLayout(t *testing.T) {
	meta := storage.BranchMeta{Name: "b", Origin: storage.MasterBranch, BranchingTimestamp: 1234}
	decoded, err := decodeBranchMeta("b", encodeBranchMeta(meta))
	require.Nil(t, err)
	assert.Equal(t, meta, decoded)

	branch, keyspace, err := decodeKeyspaceKey(keyspacePrefix("b", "ks"))
	require.Nil(t, err)
	assert.Equal(t, "b", branch)
	assert.Equal(t, "ks", keyspace)

	ts, err := decodeCommitKey(commitKey("b", 77))
	require.Nil(t, err)
	assert.Equal(t, int64(77), ts)

	put := storage.NewPut(storage.QualifiedKey{Keyspace: "ks", Key: "k"}, nil)
	entry, err := decodeEntry(5, encodeEntry(&put))
	require.Nil(t, err)
	assert.False(t, entry.Tombstone)
	assert.Len(t, entry.Value, 0)
	del := storage.NewDelete(storage.QualifiedKey{Keyspace: "ks", Key: "k"})
	entry, err = decodeEntry(5, encodeEntry(&del))
	require.Nil(t, err)
	assert.Equal(t, storage.Entry{Timestamp: 5, Tombstone: true}, entry)
	_, err = decodeEntry(5, nil)
	assert.NotNil(t, err)
}
