package storage

import (
	"strconv"
	"sync"
	"testing"

	"github.com/chronodb/chronodb/kv/util"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStorageSuite checks a backend against the Storage contract. newStorage must return a started, empty
// store; the suite stops it.
func RunStorageSuite(t *testing.T, newStorage func(t *testing.T) Storage) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s Storage)
	}{
		{"Branches", suiteBranches},
		{"PointReads", suitePointReads},
		{"CommitTimestamps", suiteCommitTimestamps},
		{"Scan", suiteScan},
		{"Versions", suiteVersions},
		{"History", suiteHistory},
		{"Keyspaces", suiteKeyspaces},
		{"Commits", suiteCommits},
		{"Rollback", suiteRollback},
		{"BranchTimelinesAreSeparate", suiteBranchTimelines},
		{"ReturnedValuesAreCopies", suiteValueCopies},
		{"RollbackRemovesWholeCommits", suiteRollbackWholeCommits},
		{"ConcurrentReadersSeeWholeCommits", suiteConcurrentCommits},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newStorage(t)
			defer s.Stop()
			require.Nil(t, s.PutBranch(BranchMeta{Name: MasterBranch}))
			c.fn(t, s)
		})
	}
}

func qk(keyspace, key string) QualifiedKey {
	return QualifiedKey{Keyspace: keyspace, Key: key}
}

func mustCommit(t *testing.T, s Storage, branch string, ts int64, batch ...Modify) {
	require.Nil(t, s.ApplyCommit(branch, ts, batch, nil))
}

func drain(t *testing.T, it Iterator) []Item {
	defer it.Close()
	var items []Item
	for ; it.Valid(); it.Next() {
		items = append(items, it.Item())
	}
	return items
}

func suiteBranches(t *testing.T, s Storage) {
	assert.NotNil(t, s.PutBranch(BranchMeta{Name: MasterBranch}))
	err := s.PutBranch(BranchMeta{Name: "orphan", Origin: "missing", BranchingTimestamp: 3})
	assert.Equal(t, ErrBranchNotFound, errors.Cause(err))
	require.Nil(t, s.PutBranch(BranchMeta{Name: "test", Origin: MasterBranch, BranchingTimestamp: 7}))

	metas, err := s.Branches()
	require.Nil(t, err)
	assert.Equal(t, []BranchMeta{
		{Name: MasterBranch},
		{Name: "test", Origin: MasterBranch, BranchingTimestamp: 7},
	}, metas)

	now, err := s.Now("test")
	require.Nil(t, err)
	assert.Equal(t, int64(7), now)
	_, err = s.Now("missing")
	assert.Equal(t, ErrBranchNotFound, errors.Cause(err))
}

func suitePointReads(t *testing.T, s Storage) {
	res, err := s.Get(MasterBranch, qk("ks", "a"), 100)
	require.Nil(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, TsMax, res.Next)

	mustCommit(t, s, MasterBranch, 10, NewPut(qk("ks", "a"), []byte("1")))
	mustCommit(t, s, MasterBranch, 20, NewPut(qk("ks", "a"), []byte("2")), NewPut(qk("ks", "b"), []byte{}))
	mustCommit(t, s, MasterBranch, 30, NewDelete(qk("ks", "a")))

	res, err = s.Get(MasterBranch, qk("ks", "a"), 5)
	require.Nil(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, int64(10), res.Next)

	res, err = s.Get(MasterBranch, qk("ks", "a"), 10)
	require.Nil(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, Entry{Timestamp: 10, Value: []byte("1")}, res.Entry)
	assert.Equal(t, int64(20), res.Next)

	res, err = s.Get(MasterBranch, qk("ks", "a"), 25)
	require.Nil(t, err)
	assert.Equal(t, []byte("2"), res.Entry.Value)
	assert.Equal(t, int64(30), res.Next)

	res, err = s.Get(MasterBranch, qk("ks", "a"), 35)
	require.Nil(t, err)
	assert.True(t, res.Found)
	assert.True(t, res.Entry.Tombstone)
	assert.Equal(t, TsMax, res.Next)

	// An empty value is a value, not a tombstone.
	res, err = s.Get(MasterBranch, qk("ks", "b"), TsMax)
	require.Nil(t, err)
	assert.True(t, res.Found)
	assert.False(t, res.Entry.Tombstone)
	assert.Len(t, res.Entry.Value, 0)

	// Same key in another keyspace is a different slot.
	res, err = s.Get(MasterBranch, qk("other", "a"), TsMax)
	require.Nil(t, err)
	assert.False(t, res.Found)
}

func suiteCommitTimestamps(t *testing.T, s Storage) {
	mustCommit(t, s, MasterBranch, 10, NewPut(qk("ks", "a"), []byte("1")))
	err := s.ApplyCommit(MasterBranch, 10, []Modify{NewPut(qk("ks", "a"), []byte("2"))}, nil)
	assert.True(t, util.IsInvalidArgument(err))
	err = s.ApplyCommit(MasterBranch, 9, []Modify{NewPut(qk("ks", "a"), []byte("2"))}, nil)
	assert.True(t, util.IsInvalidArgument(err))

	// The rejected commits left no trace.
	res, err := s.Get(MasterBranch, qk("ks", "a"), TsMax)
	require.Nil(t, err)
	assert.Equal(t, []byte("1"), res.Entry.Value)
	now, err := s.Now(MasterBranch)
	require.Nil(t, err)
	assert.Equal(t, int64(10), now)
}

func suiteScan(t *testing.T, s Storage) {
	mustCommit(t, s, MasterBranch, 10, NewPut(qk("ks", "b"), []byte("b1")), NewPut(qk("ks", "a"), []byte("a1")))
	mustCommit(t, s, MasterBranch, 20, NewPut(qk("ks", "b"), []byte("b2")), NewPut(qk("ks2", "z"), []byte("z")))
	mustCommit(t, s, MasterBranch, 30, NewDelete(qk("ks", "a")), NewPut(qk("ks", "c"), []byte("c3")))

	items := drain(t, mustScan(t, s, "ks", 25))
	assert.Equal(t, []Item{
		{Key: "a", Entry: Entry{Timestamp: 10, Value: []byte("a1")}},
		{Key: "b", Entry: Entry{Timestamp: 20, Value: []byte("b2")}},
	}, items)

	items = drain(t, mustScan(t, s, "ks", TsMax))
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0].Key)
	assert.True(t, items[0].Entry.Tombstone)
	assert.Equal(t, "c", items[2].Key)

	assert.Len(t, drain(t, mustScan(t, s, "ks", 5)), 0)
	assert.Len(t, drain(t, mustScan(t, s, "missing", TsMax)), 0)

	// Use after close yields nothing.
	it := mustScan(t, s, "ks", TsMax)
	it.Close()
	assert.False(t, it.Valid())
	it.Close()
}

func mustScan(t *testing.T, s Storage, keyspace string, ts int64) Iterator {
	it, err := s.Scan(MasterBranch, keyspace, ts)
	require.Nil(t, err)
	return it
}

func suiteVersions(t *testing.T, s Storage) {
	mustCommit(t, s, MasterBranch, 10, NewPut(qk("ks", "b"), []byte("b1")), NewPut(qk("ks", "a"), []byte("a1")))
	mustCommit(t, s, MasterBranch, 20, NewPut(qk("ks", "b"), []byte("b2")))
	mustCommit(t, s, MasterBranch, 30, NewDelete(qk("ks", "b")))

	it, err := s.Versions(MasterBranch, "ks")
	require.Nil(t, err)
	items := drain(t, it)
	assert.Equal(t, []Item{
		{Key: "a", Entry: Entry{Timestamp: 10, Value: []byte("a1")}},
		{Key: "b", Entry: Entry{Timestamp: 10, Value: []byte("b1")}},
		{Key: "b", Entry: Entry{Timestamp: 20, Value: []byte("b2")}},
		{Key: "b", Entry: Entry{Timestamp: 30, Tombstone: true}},
	}, items)
}

func suiteHistory(t *testing.T, s Storage) {
	for _, ts := range []int64{10, 20, 30} {
		mustCommit(t, s, MasterBranch, ts, NewPut(qk("ks", "a"), []byte("x")))
	}
	mustCommit(t, s, MasterBranch, 40, NewPut(qk("ks", "b"), []byte("x")))

	history, err := s.History(MasterBranch, qk("ks", "a"), 0, TsMax)
	require.Nil(t, err)
	assert.Equal(t, []int64{30, 20, 10}, history)

	history, err = s.History(MasterBranch, qk("ks", "a"), 15, 25)
	require.Nil(t, err)
	assert.Equal(t, []int64{20}, history)

	history, err = s.History(MasterBranch, qk("ks", "c"), 0, TsMax)
	require.Nil(t, err)
	assert.Len(t, history, 0)
}

func suiteKeyspaces(t *testing.T, s Storage) {
	mustCommit(t, s, MasterBranch, 10, NewPut(qk("b", "k"), []byte("x")))
	mustCommit(t, s, MasterBranch, 20, NewPut(qk("a", "k"), []byte("x")))

	keyspaces, err := s.Keyspaces(MasterBranch, 15)
	require.Nil(t, err)
	assert.Equal(t, []string{"b"}, keyspaces)
	keyspaces, err = s.Keyspaces(MasterBranch, TsMax)
	require.Nil(t, err)
	assert.Equal(t, []string{"a", "b"}, keyspaces)
}

func suiteCommits(t *testing.T, s Storage) {
	require.Nil(t, s.ApplyCommit(MasterBranch, 10, []Modify{NewPut(qk("ks", "a"), []byte("x"))}, []byte("first")))
	require.Nil(t, s.ApplyCommit(MasterBranch, 20, []Modify{NewPut(qk("ks", "a"), []byte("y"))}, nil))

	commits, err := s.Commits(MasterBranch, 0, TsMax)
	require.Nil(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, int64(20), commits[0].Timestamp)
	assert.Equal(t, int64(10), commits[1].Timestamp)
	assert.Equal(t, []byte("first"), commits[1].Metadata)

	commits, err = s.Commits(MasterBranch, 15, TsMax)
	require.Nil(t, err)
	assert.Len(t, commits, 1)

	meta, ok, err := s.CommitMetadata(MasterBranch, 10)
	require.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("first"), meta)
	_, ok, err = s.CommitMetadata(MasterBranch, 11)
	require.Nil(t, err)
	assert.False(t, ok)
}

func suiteRollback(t *testing.T, s Storage) {
	mustCommit(t, s, MasterBranch, 10, NewPut(qk("ks", "a"), []byte("1")))
	mustCommit(t, s, MasterBranch, 20, NewPut(qk("ks", "a"), []byte("2")))
	mustCommit(t, s, MasterBranch, 30, NewPut(qk("ks", "a"), []byte("3")), NewPut(qk("late", "k"), []byte("x")))

	require.Nil(t, s.RollbackToTimestamp(MasterBranch, 20))
	res, err := s.Get(MasterBranch, qk("ks", "a"), TsMax)
	require.Nil(t, err)
	assert.Equal(t, []byte("2"), res.Entry.Value)
	assert.Equal(t, TsMax, res.Next)
	now, err := s.Now(MasterBranch)
	require.Nil(t, err)
	assert.Equal(t, int64(20), now)
	keyspaces, err := s.Keyspaces(MasterBranch, TsMax)
	require.Nil(t, err)
	assert.Equal(t, []string{"ks"}, keyspaces)
	commits, err := s.Commits(MasterBranch, 0, TsMax)
	require.Nil(t, err)
	assert.Len(t, commits, 2)

	// The branch accepts commits after the rollback point again.
	mustCommit(t, s, MasterBranch, 25, NewPut(qk("ks", "a"), []byte("25")))
	res, err = s.Get(MasterBranch, qk("ks", "a"), TsMax)
	require.Nil(t, err)
	assert.Equal(t, []byte("25"), res.Entry.Value)
}

func suiteBranchTimelines(t *testing.T, s Storage) {
	mustCommit(t, s, MasterBranch, 10, NewPut(qk("ks", "a"), []byte("master")))
	require.Nil(t, s.PutBranch(BranchMeta{Name: "test", Origin: MasterBranch, BranchingTimestamp: 10}))
	mustCommit(t, s, "test", 11, NewPut(qk("ks", "b"), []byte("test")))

	res, err := s.Get("test", qk("ks", "a"), TsMax)
	require.Nil(t, err)
	assert.False(t, res.Found)
	res, err = s.Get(MasterBranch, qk("ks", "b"), TsMax)
	require.Nil(t, err)
	assert.False(t, res.Found)

	err = s.RollbackToTimestamp("test", 5)
	assert.True(t, util.IsInvalidArgument(err))
}

func suiteValueCopies(t *testing.T, s Storage) {
	require.Nil(t, s.ApplyCommit(MasterBranch, 10, []Modify{NewPut(qk("ks", "a"), []byte("IBM"))}, []byte("meta")))

	res, err := s.Get(MasterBranch, qk("ks", "a"), TsMax)
	require.Nil(t, err)
	res.Entry.Value[0] = 'X'
	res, err = s.Get(MasterBranch, qk("ks", "a"), TsMax)
	require.Nil(t, err)
	assert.Equal(t, []byte("IBM"), res.Entry.Value)

	items := drain(t, mustScan(t, s, "ks", TsMax))
	require.Len(t, items, 1)
	items[0].Entry.Value[0] = 'X'
	it, err := s.Versions(MasterBranch, "ks")
	require.Nil(t, err)
	items = drain(t, it)
	require.Len(t, items, 1)
	assert.Equal(t, []byte("IBM"), items[0].Entry.Value)
	items[0].Entry.Value[0] = 'X'
	assert.Equal(t, []byte("IBM"), drain(t, mustScan(t, s, "ks", TsMax))[0].Entry.Value)

	meta, _, err := s.CommitMetadata(MasterBranch, 10)
	require.Nil(t, err)
	meta[0] = 'X'
	meta, _, err = s.CommitMetadata(MasterBranch, 10)
	require.Nil(t, err)
	assert.Equal(t, []byte("meta"), meta)
}

// commitAll writes value to every key of keys in one commit at ts.
func commitAll(s Storage, ts int64, keys []string) error {
	batch := make([]Modify, 0, len(keys))
	value := []byte(strconv.FormatInt(ts, 10))
	for _, k := range keys {
		batch = append(batch, NewPut(qk("ks", k), value))
	}
	return s.ApplyCommit(MasterBranch, ts, batch, nil)
}

func suiteRollbackWholeCommits(t *testing.T, s Storage) {
	keys := []string{"a", "b", "c"}
	for ts := int64(1); ts <= 5; ts++ {
		require.Nil(t, commitAll(s, ts, keys[:ts%3+1]))
	}
	cases := []struct {
		to   int64
		want map[string]string
	}{
		{5, map[string]string{"a": "5", "b": "5", "c": "5"}},
		{4, map[string]string{"a": "4", "b": "4", "c": "2"}},
		{3, map[string]string{"a": "3", "b": "2", "c": "2"}},
		{1, map[string]string{"a": "1", "b": "1"}},
	}
	for _, c := range cases {
		require.Nil(t, s.RollbackToTimestamp(MasterBranch, c.to))
		got := make(map[string]string)
		for _, item := range drain(t, mustScan(t, s, "ks", TsMax)) {
			got[item.Key] = string(item.Entry.Value)
		}
		assert.Equal(t, c.want, got, "rollback to %d", c.to)
		commits, err := s.Commits(MasterBranch, 0, TsMax)
		require.Nil(t, err)
		assert.Len(t, commits, int(c.to), "rollback to %d", c.to)
	}
}

func suiteConcurrentCommits(t *testing.T, s Storage) {
	const commits = 40
	keys := []string{"a", "b", "c", "d"}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for ts := int64(1); ts <= commits; ts++ {
			if !assert.Nil(t, commitAll(s, ts, keys)) {
				return
			}
		}
	}()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if err := checkWholeCommit(s, keys); !assert.Nil(t, err) {
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Nil(t, checkWholeCommit(s, keys))
}

// checkWholeCommit reads the keys at the branch now, every one of them must carry the value of that commit.
func checkWholeCommit(s Storage, keys []string) error {
	now, err := s.Now(MasterBranch)
	if err != nil {
		return err
	}
	if now == 0 {
		return nil
	}
	want := strconv.FormatInt(now, 10)
	it, err := s.Scan(MasterBranch, "ks", now)
	if err != nil {
		return err
	}
	defer it.Close()
	seen := 0
	for ; it.Valid(); it.Next() {
		if v := string(it.Item().Entry.Value); v != want {
			return errors.Errorf("scan at %d: key %s has %s", now, it.Item().Key, v)
		}
		seen++
	}
	if seen != len(keys) {
		return errors.Errorf("scan at %d: saw %d of %d keys", now, seen, len(keys))
	}
	for _, k := range keys {
		res, err := s.Get(MasterBranch, qk("ks", k), now)
		if err != nil {
			return err
		}
		if string(res.Entry.Value) != want {
			return errors.Errorf("get %s at %d: %s", k, now, res.Entry.Value)
		}
	}
	return nil
}
