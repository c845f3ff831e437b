package index

import (
	"math"
	"sort"
	"testing"

	"github.com/chronodb/chronodb/kv/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sortedKeys(keys cache.KeySet) []string {
	result := make([]string, 0, len(keys))
	for k := range keys {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

func mustMatch(t *testing.T, tree *entryTree, keyspace string, ts int64, spec SearchSpecification) []string {
	keys, err := tree.matches(keyspace, ts, spec)
	require.Nil(t, err)
	return sortedKeys(keys)
}

func TestEqualsSeeksByValue(t *testing.T) {
	tree := newEntryTree()
	tree.put("people", "a", 10, []interface{}{"Foo"})
	tree.put("people", "b", 10, []interface{}{"Bar", "Foo"})
	tree.put("people", "c", 10, []interface{}{"foo"})
	tree.put("pets", "d", 10, []interface{}{"Foo"})
	tree.put("people", "a", 20, []interface{}{"Baz"})

	assert.Equal(t, []string{"a", "b"}, mustMatch(t, tree, "people", 15, nameIs("Foo")))
	assert.Equal(t, []string{"b"}, mustMatch(t, tree, "people", 20, nameIs("Foo")))
	assert.Equal(t, []string{"a"}, mustMatch(t, tree, "people", 20, nameIs("Baz")))
	assert.Equal(t, []string{"d"}, mustMatch(t, tree, "pets", 20, nameIs("Foo")))
	assert.Len(t, mustMatch(t, tree, "people", 5, nameIs("Foo")), 0)
	assert.Len(t, mustMatch(t, tree, "people", 20, nameIs("Qux")), 0)

	// Not a seek, every entry of the keyspace is checked.
	ignoreCase := StringSpec("name", Equals, "FOO", CaseInsensitive)
	assert.Equal(t, []string{"b", "c"}, mustMatch(t, tree, "people", 20, ignoreCase))
	assert.Equal(t, tree.tree.Len(), tree.byValue.Len())
}

func TestEqualsSeekOnNumbers(t *testing.T) {
	longs := newEntryTree()
	for i, v := range []int64{-5, 3, 3, 7} {
		longs.put("ks", string(rune('a'+i)), 1, []interface{}{v})
	}
	assert.Equal(t, []string{"b", "c"}, mustMatch(t, longs, "ks", 1, LongSpec("n", Equals, 3)))
	assert.Equal(t, []string{"a"}, mustMatch(t, longs, "ks", 1, LongSpec("n", Equals, -5)))
	assert.Len(t, mustMatch(t, longs, "ks", 1, LongSpec("n", Equals, 4)), 0)

	doubles := newEntryTree()
	for i, v := range []float64{0.1 + 0.2, 0.3, 0.35, 1e300, math.NaN()} {
		doubles.put("ks", string(rune('a'+i)), 1, []interface{}{v})
	}
	assert.Equal(t, []string{"b"}, mustMatch(t, doubles, "ks", 1, DoubleSpec("w", Equals, 0.3, 0)))
	assert.Equal(t, []string{"a", "b"}, mustMatch(t, doubles, "ks", 1, DoubleSpec("w", Equals, 0.3, 1e-9)))
	assert.Equal(t, []string{"a", "b", "c"}, mustMatch(t, doubles, "ks", 1, DoubleSpec("w", Equals, 0.3, 0.05)))
	assert.Equal(t, []string{"a", "b", "c", "d"}, mustMatch(t, doubles, "ks", 1, DoubleSpec("w", Equals, 0, math.Inf(1))))
	assert.Len(t, mustMatch(t, doubles, "ks", 1, DoubleSpec("w", Equals, math.NaN(), 1)), 0)
}

func TestRollbackKeepsValueOrderInSync(t *testing.T) {
	tree := newEntryTree()
	tree.put("people", "a", 10, []interface{}{"Foo"})
	tree.put("people", "a", 20, []interface{}{"Bar"})
	tree.put("people", "b", 30, []interface{}{"Foo"})

	tree.rollback(10)
	assert.Equal(t, 1, tree.len())
	assert.Equal(t, 1, tree.byValue.Len())
	assert.Equal(t, []string{"a"}, mustMatch(t, tree, "people", 100, nameIs("Foo")))
	assert.Len(t, mustMatch(t, tree, "people", 100, nameIs("Bar")), 0)
}
