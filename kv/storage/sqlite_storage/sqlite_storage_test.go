package sqlite_storage

import (
	"path/filepath"
	"testing"

	"github.com/chronodb/chronodb/kv/config"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T, path string) *SQLiteStorage {
	s := NewSQLiteStorage(&config.Storage{Engine: config.EngineSQLite, DBPath: path})
	require.Nil(t, s.Start())
	return s
}

func TestSQLiteStorage(t *testing.T) {
	storage.RunStorageSuite(t, func(t *testing.T) storage.Storage {
		return newTestStorage(t, filepath.Join(t.TempDir(), "chronodb.sqlite"))
	})
}

func TestSQLiteStorageReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronodb.sqlite")
	s := newTestStorage(t, path)
	require.Nil(t, s.PutBranch(storage.BranchMeta{Name: storage.MasterBranch}))
	key := storage.QualifiedKey{Keyspace: "ks", Key: "a"}
	require.Nil(t, s.ApplyCommit(storage.MasterBranch, 10, []storage.Modify{storage.NewDelete(key)}, nil))
	require.Nil(t, s.Stop())

	s = newTestStorage(t, path)
	defer s.Stop()
	res, err := s.Get(storage.MasterBranch, key, storage.TsMax)
	require.Nil(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, storage.Entry{Timestamp: 10, Tombstone: true}, res.Entry)
	now, err := s.Now(storage.MasterBranch)
	require.Nil(t, err)
	assert.Equal(t, int64(10), now)
	_, err = s.Now("missing")
	assert.NotNil(t, err)
}
