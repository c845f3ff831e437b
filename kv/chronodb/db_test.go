package chronodb

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chronodb/chronodb/kv/config"
	"github.com/chronodb/chronodb/kv/index"
	"github.com/chronodb/chronodb/kv/query"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/transaction"
	"github.com/chronodb/chronodb/kv/util"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, engine string) *config.Config {
	conf := config.NewTestConfig()
	conf.Storage.Engine = engine
	switch engine {
	case config.EngineBadger:
		conf.Storage.DBPath = filepath.Join(t.TempDir(), "badger")
		conf.Storage.ValueLogFileSize = "16MB"
	case config.EngineSQLite:
		conf.Storage.DBPath = filepath.Join(t.TempDir(), "chronodb.sqlite")
	}
	conf.Indexes = []config.IndexDef{{Name: "name", Field: "name", Type: "string"}}
	return conf
}

func openDB(t *testing.T, conf *config.Config) *DB {
	db, err := Open(conf)
	require.Nil(t, err)
	t.Cleanup(func() { assert.Nil(t, db.Close()) })
	return db
}

var engines = []string{config.EngineMemory, config.EngineBadger, config.EngineSQLite}

func forEachEngine(t *testing.T, f func(t *testing.T, db *DB)) {
	for _, engine := range engines {
		t.Run(engine, func(t *testing.T) {
			f(t, openDB(t, testConfig(t, engine)))
		})
	}
}

func put(t *testing.T, tx *transaction.Txn, keyspace, key, value string) {
	require.Nil(t, tx.Put(keyspace, key, []byte(value)))
}

func commit(t *testing.T, tx *transaction.Txn) int64 {
	ts, err := tx.Commit()
	require.Nil(t, err)
	return ts
}

func get(t *testing.T, tx *transaction.Txn, keyspace, key string) (string, bool) {
	v, err := tx.Get(keyspace, key)
	require.Nil(t, err)
	return string(v), v != nil
}

func TestAbsentBeforeCommit(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tx, err := db.Tx()
		require.Nil(t, err)
		put(t, tx, "Programs", "Eclipse", "IBM")
		ts := commit(t, tx)

		before, err := db.TxAt(storage.MasterBranch, ts-1)
		require.Nil(t, err)
		_, ok := get(t, before, "Programs", "Eclipse")
		assert.False(t, ok)

		head, err := db.Tx()
		require.Nil(t, err)
		v, ok := get(t, head, "Programs", "Eclipse")
		assert.True(t, ok)
		assert.Equal(t, "IBM", v)
	})
}

func TestBranchInheritsParent(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tx, err := db.Tx()
		require.Nil(t, err)
		put(t, tx, "ks", "Hello", "World")
		commit(t, tx)

		_, err = db.CreateBranch("Test")
		require.Nil(t, err)
		tx, err = db.TxOnBranch("Test")
		require.Nil(t, err)
		put(t, tx, "ks", "Foo", "Bar")
		commit(t, tx)

		master, err := db.Tx()
		require.Nil(t, err)
		_, ok := get(t, master, "ks", "Foo")
		assert.False(t, ok)

		test, err := db.TxOnBranch("Test")
		require.Nil(t, err)
		v, _ := get(t, test, "ks", "Foo")
		assert.Equal(t, "Bar", v)
		v, _ = get(t, test, "ks", "Hello")
		assert.Equal(t, "World", v)

		assert.Equal(t, []string{"Test", storage.MasterBranch}, db.Branches().Names())
		_, err = db.TxOnBranch("Nope")
		assert.Equal(t, storage.ErrBranchNotFound, errors.Cause(err))
	})
}

func TestContainsAndNotQuery(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tx, err := db.Tx()
		require.Nil(t, err)
		for _, name := range []string{"Hello World", "Foo Bar", "Foo Baz"} {
			put(t, tx, "people", name, `{"name": "`+name+`"}`)
		}
		commit(t, tx)

		q, err := query.NewBuilder().InKeyspace("people").
			Where("name").Contains("Foo").And().Not().Where("name").Contains("Bar").
			Build()
		require.Nil(t, err)
		tx, err = db.Tx()
		require.Nil(t, err)
		res, err := tx.Find(q)
		require.Nil(t, err)
		assert.Equal(t, []string{"Foo Baz"}, res.Keys())

		q, err = query.ParseText("people", `name == "Hello World" or name startsWith "Foo" and not name endsWith "z"`)
		require.Nil(t, err)
		res, err = tx.Find(q)
		require.Nil(t, err)
		assert.Equal(t, []string{"Foo Bar", "Hello World"}, res.Keys())
	})
}

func TestConflictResolution(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tx, err := db.Tx()
		require.Nil(t, err)
		put(t, tx, "ks", "K", "1")
		commit(t, tx)

		tx1, err := db.Tx()
		require.Nil(t, err)
		tx2, err := db.Tx()
		require.Nil(t, err)
		put(t, tx1, "ks", "K", "2")
		put(t, tx2, "ks", "K", "3")
		commit(t, tx1)
		_, err = tx2.Commit()
		_, ok := err.(*transaction.ErrCommitConflict)
		assert.True(t, ok, "%v", err)

		opts, err := db.Options().WithStrategy(transaction.OverwriteWithSource).Build()
		require.Nil(t, err)
		tx3, err := db.Begin(opts)
		require.Nil(t, err)
		tx4, err := db.Begin(opts)
		require.Nil(t, err)
		put(t, tx3, "ks", "K", "4")
		put(t, tx4, "ks", "K", "5")
		commit(t, tx3)
		commit(t, tx4)

		head, err := db.Tx()
		require.Nil(t, err)
		v, _ := get(t, head, "ks", "K")
		assert.Equal(t, "5", v)
	})
}

func TestConfiguredDefaults(t *testing.T) {
	conf := testConfig(t, config.EngineMemory)
	conf.Transaction.ConflictResolution = config.ConflictOverwriteWithTarget
	conf.Transaction.DuplicateVersionElimination = config.DuplicateVersionsDisabled
	db := openDB(t, conf)

	opts, err := db.Options().Build()
	require.Nil(t, err)
	assert.Equal(t, transaction.OverwriteWithTarget, opts.Strategy())
	assert.Equal(t, transaction.DuplicatesDisabled, opts.DuplicateVersionElimination())
	assert.True(t, opts.BlindOverwriteProtection())
	_, atTimestamp := opts.Timestamp()
	assert.False(t, atTimestamp)

	// Duplicates are kept, so the same value yields a new version.
	for i := 0; i < 2; i++ {
		tx, err := db.Tx()
		require.Nil(t, err)
		put(t, tx, "ks", "k", "same")
		commit(t, tx)
	}
	tx, err := db.Tx()
	require.Nil(t, err)
	history, err := tx.History("ks", "k")
	require.Nil(t, err)
	assert.Len(t, history, 2)
}

func TestCommitMetadata(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tx, err := db.Tx()
		require.Nil(t, err)
		put(t, tx, "ks", "a", "1")
		first, err := tx.CommitWithMetadata([]byte("initial import"))
		require.Nil(t, err)
		put(t, tx, "ks", "a", "2")
		second := commit(t, tx)

		commits, err := db.Commits(storage.MasterBranch, 0, storage.TsMax)
		require.Nil(t, err)
		require.Len(t, commits, 2)
		assert.Equal(t, second, commits[0].Timestamp)
		assert.Equal(t, first, commits[1].Timestamp)

		meta, ok, err := db.CommitMetadata(storage.MasterBranch, first)
		require.Nil(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("initial import"), meta)
		_, ok, err = db.CommitMetadata(storage.MasterBranch, first+1_000_000)
		require.Nil(t, err)
		assert.False(t, ok)
	})
}

func TestRollbackBranch(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		tx, err := db.Tx()
		require.Nil(t, err)
		put(t, tx, "people", "a", `{"name": "Alice"}`)
		first := commit(t, tx)
		put(t, tx, "people", "a", `{"name": "Bob"}`)
		commit(t, tx)

		require.Nil(t, db.RollbackBranch(storage.MasterBranch, first))

		head, err := db.Tx()
		require.Nil(t, err)
		assert.Equal(t, first, head.Timestamp())
		v, _ := get(t, head, "people", "a")
		assert.Equal(t, `{"name": "Alice"}`, v)

		q, err := query.NewBuilder().InKeyspace("people").Where("name").IsEqualTo("Bob").Build()
		require.Nil(t, err)
		res, err := head.Find(q)
		require.Nil(t, err)
		assert.Equal(t, 0, res.Count())

		commits, err := db.Commits(storage.MasterBranch, 0, storage.TsMax)
		require.Nil(t, err)
		assert.Len(t, commits, 1)
	})
}

func TestRollbackKeepsForkedBranches(t *testing.T) {
	db := openDB(t, testConfig(t, config.EngineMemory))
	tx, err := db.Tx()
	require.Nil(t, err)
	put(t, tx, "ks", "a", "1")
	first := commit(t, tx)
	put(t, tx, "ks", "a", "2")
	commit(t, tx)
	_, err = db.CreateBranch("late")
	require.Nil(t, err)

	err = db.RollbackBranch(storage.MasterBranch, first)
	assert.True(t, util.IsInvalidArgument(err), "%v", err)
}

func TestManualMaintenance(t *testing.T) {
	conf := testConfig(t, config.EngineMemory)
	conf.Index.Maintenance = config.IndexMaintenanceManual
	db := openDB(t, conf)

	dirty, err := db.Indexes().IsDirty("name")
	require.Nil(t, err)
	assert.False(t, dirty)

	tx, err := db.Tx()
	require.Nil(t, err)
	put(t, tx, "people", "a", `{"name": "Alice"}`)
	commit(t, tx)
	dirty, err = db.Indexes().IsDirty("name")
	require.Nil(t, err)
	assert.True(t, dirty)

	// Dirty indexes are bypassed, the result is still right.
	q, err := query.NewBuilder().InKeyspace("people").Where("name").IsEqualTo("Alice").Build()
	require.Nil(t, err)
	res, err := tx.Find(q)
	require.Nil(t, err)
	assert.Equal(t, []string{"a"}, res.Keys())

	require.Nil(t, <-db.ScheduleReindex())
	assert.Empty(t, db.Indexes().DirtyIndexes())
	res, err = tx.Find(q)
	require.Nil(t, err)
	assert.Equal(t, []string{"a"}, res.Keys())
}

func TestAddIndexAndReindex(t *testing.T) {
	db := openDB(t, testConfig(t, config.EngineMemory))
	tx, err := db.Tx()
	require.Nil(t, err)
	put(t, tx, "people", "a", `{"name": "Alice", "age": 31}`)
	put(t, tx, "people", "b", `{"name": "Bob", "age": 27}`)
	commit(t, tx)

	require.Nil(t, db.AddIndex(index.Index{
		Name:    "age",
		Type:    index.TypeLong,
		Indexer: index.JSONFieldIndexer{Field: "age", Type: index.TypeLong},
	}))
	assert.Equal(t, []string{"age"}, db.Indexes().DirtyIndexes())
	require.Nil(t, db.ReindexDirty(context.Background()))
	assert.Empty(t, db.Indexes().DirtyIndexes())

	q, err := query.NewBuilder().InKeyspace("people").Where("age").IsEqualToLong(27).Build()
	require.Nil(t, err)
	res, err := tx.Find(q)
	require.Nil(t, err)
	assert.Equal(t, []string{"b"}, res.Keys())

	require.Nil(t, db.Reindex(context.Background()))
	assert.Equal(t, []string{"age", "name"}, db.Indexes().Names())
}

func TestReopenRebuildsIndexes(t *testing.T) {
	for _, engine := range []string{config.EngineBadger, config.EngineSQLite} {
		t.Run(engine, func(t *testing.T) {
			conf := testConfig(t, engine)
			db, err := Open(conf)
			require.Nil(t, err)
			tx, err := db.Tx()
			require.Nil(t, err)
			put(t, tx, "people", "a", `{"name": "Alice"}`)
			ts := commit(t, tx)
			_, err = db.CreateBranch("feature")
			require.Nil(t, err)
			require.Nil(t, db.Close())

			db = openDB(t, conf)
			assert.True(t, db.Branches().Exists("feature"))
			tx, err = db.TxOnBranch("feature")
			require.Nil(t, err)
			assert.Equal(t, ts, tx.Timestamp())
			q, err := query.ParseText("people", `name == "Alice"`)
			require.Nil(t, err)
			res, err := tx.Find(q)
			require.Nil(t, err)
			assert.Equal(t, []string{"a"}, res.Keys())
		})
	}
}

func TestClosed(t *testing.T) {
	db, err := Open(testConfig(t, config.EngineMemory))
	require.Nil(t, err)
	require.Nil(t, db.Close())
	require.Nil(t, db.Close())

	_, err = db.Tx()
	assert.Equal(t, ErrClosed, err)
	_, err = db.CreateBranch("x")
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrClosed, <-db.ScheduleReindex())
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	conf := testConfig(t, config.EngineMemory)
	conf.Storage.Engine = "rocks"
	_, err := Open(conf)
	assert.NotNil(t, err)
}

var people = []string{"p0", "p1", "p2", "p3"}

// commitGeneration writes the name gen to every person in one commit.
func commitGeneration(db *DB, gen int) (int64, error) {
	tx, err := db.Tx()
	if err != nil {
		return 0, err
	}
	for _, p := range people {
		if err := tx.Put("people", p, []byte(fmt.Sprintf(`{"name": "gen%d"}`, gen))); err != nil {
			return 0, err
		}
	}
	return tx.Commit()
}

func nameQuery(t *testing.T, name string) *query.Query {
	q, err := query.NewBuilder().InKeyspace("people").Where("name").IsEqualTo(name).Build()
	require.Nil(t, err)
	return q
}

func TestRollbackIsAtomicAcrossEngines(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		var timestamps []int64
		for gen := 1; gen <= 4; gen++ {
			ts, err := commitGeneration(db, gen)
			require.Nil(t, err)
			timestamps = append(timestamps, ts)
		}
		// Rolling back to timestamps[to] keeps generations up to to+1.
		for _, to := range []int{3, 2, 0} {
			require.Nil(t, db.RollbackBranch(storage.MasterBranch, timestamps[to]))
			head, err := db.Tx()
			require.Nil(t, err)
			want := fmt.Sprintf(`{"name": "gen%d"}`, to+1)
			for _, p := range people {
				v, _ := get(t, head, "people", p)
				assert.Equal(t, want, v, "rollback to %d", to)
			}
			res, err := head.Find(nameQuery(t, fmt.Sprintf("gen%d", to+1)))
			require.Nil(t, err)
			assert.ElementsMatch(t, people, res.Keys())
			for gen := to + 2; gen <= 4; gen++ {
				res, err = head.Find(nameQuery(t, fmt.Sprintf("gen%d", gen)))
				require.Nil(t, err)
				assert.Equal(t, 0, res.Count(), "gen%d after rollback to %d", gen, to)
			}
			commits, err := db.Commits(storage.MasterBranch, 0, storage.TsMax)
			require.Nil(t, err)
			assert.Len(t, commits, to+1)
		}
	})
}

func TestConcurrentReadersSeeWholeCommits(t *testing.T) {
	forEachEngine(t, func(t *testing.T, db *DB) {
		const generations = 20
		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done)
			for gen := 1; gen <= generations; gen++ {
				if _, err := commitGeneration(db, gen); !assert.Nil(t, err) {
					return
				}
			}
		}()
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-done:
						return
					default:
					}
					if err := checkGeneration(db); !assert.Nil(t, err) {
						return
					}
				}
			}()
		}
		wg.Wait()
		assert.Nil(t, checkGeneration(db))
	})
}

// checkGeneration reads every person at the branch now; they must all carry the same name, and the index must
// return all of them for it.
func checkGeneration(db *DB) error {
	tx, err := db.Tx()
	if err != nil {
		return err
	}
	var name string
	for i, p := range people {
		v, err := tx.Get("people", p)
		if err != nil {
			return err
		}
		if i == 0 {
			name = string(v)
		} else if string(v) != name {
			return errors.Errorf("at %d: %s has %s, %s has %s", tx.Timestamp(), people[0], name, p, v)
		}
	}
	if name == "" {
		return nil
	}
	var doc struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(name), &doc); err != nil {
		return err
	}
	q, err := query.NewBuilder().InKeyspace("people").Where("name").IsEqualTo(doc.Name).Build()
	if err != nil {
		return err
	}
	res, err := tx.Find(q)
	if err != nil {
		return err
	}
	if res.Count() != len(people) {
		return errors.Errorf("at %d: index found %v for %s", tx.Timestamp(), res.Keys(), doc.Name)
	}
	return nil
}
