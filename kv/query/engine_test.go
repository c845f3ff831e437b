package query

import (
	"context"
	"testing"

	"github.com/chronodb/chronodb/kv/branch"
	"github.com/chronodb/chronodb/kv/cache"
	"github.com/chronodb/chronodb/kv/index"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/temporal"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store   *temporal.Store
	indexes *index.Manager
	engine  *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	backend := storage.NewMemStorage()
	require.Nil(t, backend.Start())
	branches, err := branch.NewManager(backend)
	require.Nil(t, err)
	qc, err := cache.NewQueryCache[index.SearchSpecification](32, false)
	require.Nil(t, err)
	store := temporal.NewStore(backend, branches, nil)
	indexes := index.NewManager(backend, branches, index.Incremental, qc)
	require.Nil(t, indexes.AddIndex(index.Index{
		Name:    "name",
		Type:    index.TypeString,
		Indexer: index.IndexerFunc(func(v []byte) []interface{} { return []interface{}{string(v)} }),
	}))
	require.Nil(t, indexes.ReindexAll(context.Background()))
	return &testEnv{store: store, indexes: indexes, engine: NewEngine(store, indexes)}
}

func (e *testEnv) commit(t *testing.T, b *branch.Branch, ts int64, batch ...storage.Modify) {
	require.Nil(t, e.store.ApplyCommit(b, ts, batch, nil))
	e.indexes.OnCommit(b.Name(), ts, batch)
}

func put(key, value string) storage.Modify {
	return storage.NewPut(storage.QualifiedKey{Keyspace: "names", Key: key}, []byte(value))
}

func (e *testEnv) find(t *testing.T, b *branch.Branch, ts int64, q *Query) []string {
	res, err := e.engine.Find(b, ts, q)
	require.Nil(t, err)
	return res.Keys()
}

func TestContainsAndNotContains(t *testing.T) {
	e := newTestEnv(t)
	master := e.store.Branches().Master()
	e.commit(t, master, 10, put("Hello World", "Hello World"), put("Foo Bar", "Foo Bar"), put("Foo Baz", "Foo Baz"))

	q, err := NewBuilder().InKeyspace("names").
		Where("name").Contains("Foo").And().Not().Where("name").Contains("Bar").Build()
	require.Nil(t, err)
	assert.Equal(t, []string{"Foo Baz"}, e.find(t, master, 10, q))
	assert.Len(t, e.find(t, master, 9, q), 0)
}

func TestEqualsUsesIndex(t *testing.T) {
	e := newTestEnv(t)
	master := e.store.Branches().Master()
	e.commit(t, master, 10, put("a", "x"), put("b", "y"), put("c", "x"))

	q, err := NewBuilder().InKeyspace("names").Where("name").IsEqualTo("x").Build()
	require.Nil(t, err)
	assert.Equal(t, []string{"a", "c"}, e.find(t, master, 10, q))
	assert.Equal(t, 1, e.indexes.QueryCache().Len())

	// Same answer from a scan once the index is dirty.
	dirtyManager := index.NewManager(nil, e.store.Branches(), index.Manual, nil)
	require.Nil(t, dirtyManager.AddIndex(index.Index{
		Name:    "name",
		Type:    index.TypeString,
		Indexer: index.IndexerFunc(func(v []byte) []interface{} { return []interface{}{string(v)} }),
	}))
	scanning := NewEngine(e.store, dirtyManager)
	keys, err := scanning.Evaluate(master, 10, q)
	require.Nil(t, err)
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, "a")
	assert.Contains(t, keys, "c")
}

func TestUnknownProperty(t *testing.T) {
	e := newTestEnv(t)
	q, err := NewBuilder().InKeyspace("names").Where("age").IsGreaterThan(3).Build()
	require.Nil(t, err)
	_, err = e.engine.Find(e.store.Branches().Master(), 0, q)
	assert.Equal(t, index.ErrIndexNotFound, errors.Cause(err))
}

func TestOrAndNotOverBranch(t *testing.T) {
	e := newTestEnv(t)
	master := e.store.Branches().Master()
	e.commit(t, master, 10, put("a", "apple"), put("b", "banana"), put("c", "cherry"))
	test, err := e.store.Branches().CreateBranch("test")
	require.Nil(t, err)
	e.commit(t, test, 20, put("b", "blueberry"), storage.NewDelete(storage.QualifiedKey{Keyspace: "names", Key: "c"}),
		put("d", "date"))

	q, err := ParseText("names", `name startsWith "b" or name == "cherry"`)
	require.Nil(t, err)
	assert.Equal(t, []string{"b", "c"}, e.find(t, master, 20, q))
	assert.Equal(t, []string{"b"}, e.find(t, test, 20, q))
	assert.Equal(t, []string{"b", "c"}, e.find(t, test, 15, q))

	q, err = ParseText("names", `not name contains "a"`)
	require.Nil(t, err)
	assert.Equal(t, []string{"c"}, e.find(t, master, 20, q))
	assert.Equal(t, []string{"b"}, e.find(t, test, 20, q))
}

func TestResultValues(t *testing.T) {
	e := newTestEnv(t)
	master := e.store.Branches().Master()
	e.commit(t, master, 10, put("a", "apple"), put("b", "banana"))

	q, err := ParseText("names", `name endsWith "a" or name endsWith "e"`)
	require.Nil(t, err)
	res, err := e.engine.Find(master, 10, q)
	require.Nil(t, err)
	assert.Equal(t, 2, res.Count())
	assert.Equal(t, []storage.QualifiedKey{{Keyspace: "names", Key: "a"}, {Keyspace: "names", Key: "b"}}, res.QualifiedKeys())

	it := res.Values()
	values := map[string]string{}
	for ; it.Valid(); it.Next() {
		values[it.Key()] = string(it.Value())
	}
	require.Nil(t, it.Err())
	it.Close()
	it.Close()
	assert.False(t, it.Valid())
	assert.Equal(t, map[string]string{"a": "apple", "b": "banana"}, values)

	it = res.Values()
	it.Close()
	assert.False(t, it.Valid())
}
