package index

import (
	"cmp"
	"math"

	"github.com/chronodb/chronodb/kv/cache"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/google/btree"
)

const entryDegree = 16

// entry is one value of an index for one version of a key, valid in [from, to).
type entry struct {
	keyspace string
	key      string
	from     int64
	// position of the value within the version, keeps multi valued versions apart.
	seq   int
	to    int64
	value interface{}
}

func entryLess(a, b entry) bool {
	if a.keyspace != b.keyspace {
		return a.keyspace < b.keyspace
	}
	if a.key != b.key {
		return a.key < b.key
	}
	if a.from != b.from {
		return a.from < b.from
	}
	return a.seq < b.seq
}

// compareValues orders the values of one index. NaN sorts before every other double.
func compareValues(a, b interface{}) int {
	switch x := a.(type) {
	case string:
		return cmp.Compare(x, b.(string))
	case int64:
		return cmp.Compare(x, b.(int64))
	case float64:
		return cmp.Compare(x, b.(float64))
	}
	return 0
}

// valueLess orders entries by value first, so lookups on a value are range seeks.
func valueLess(a, b entry) bool {
	if a.keyspace != b.keyspace {
		return a.keyspace < b.keyspace
	}
	if c := compareValues(a.value, b.value); c != 0 {
		return c < 0
	}
	return entryLess(a, b)
}

func (e entry) validAt(ts int64) bool {
	return storage.Period{From: e.from, To: e.to}.Contains(ts)
}

// entryTree holds the entries of one index on the own timeline of one branch, by key and by value.
type entryTree struct {
	tree    *btree.BTreeG[entry]
	byValue *btree.BTreeG[entry]
}

func newEntryTree() *entryTree {
	return &entryTree{
		tree:    btree.NewG[entry](entryDegree, entryLess),
		byValue: btree.NewG[entry](entryDegree, valueLess),
	}
}

func (t *entryTree) insert(e entry) {
	t.tree.ReplaceOrInsert(e)
	t.byValue.ReplaceOrInsert(e)
}

func (t *entryTree) delete(e entry) {
	t.tree.Delete(e)
	t.byValue.Delete(e)
}

// put records the values a write at ts gives the key. The version before it, if any, ends at ts.
func (t *entryTree) put(keyspace, key string, ts int64, values []interface{}) {
	var open []entry
	t.tree.AscendGreaterOrEqual(entry{keyspace: keyspace, key: key, from: math.MinInt64}, func(e entry) bool {
		if e.keyspace != keyspace || e.key != key {
			return false
		}
		if e.to == storage.TsMax && e.from < ts {
			open = append(open, e)
		}
		return true
	})
	for _, e := range open {
		e.to = ts
		t.insert(e)
	}
	for i, v := range values {
		t.insert(entry{keyspace: keyspace, key: key, from: ts, seq: i, to: storage.TsMax, value: v})
	}
}

// matches collects the keys of keyspace having a value valid at ts that satisfies spec.
func (t *entryTree) matches(keyspace string, ts int64, spec SearchSpecification) (cache.KeySet, error) {
	keys := make(cache.KeySet)
	var err error
	visit := func(e entry) bool {
		if _, ok := keys[e.key]; ok || !e.validAt(ts) {
			return true
		}
		var ok bool
		if ok, err = spec.Matches(e.value); err != nil {
			return false
		}
		if ok {
			keys[e.key] = struct{}{}
		}
		return true
	}
	if lo, hi, ok := valueRange(spec); ok {
		t.byValue.AscendGreaterOrEqual(entry{keyspace: keyspace, value: lo, from: math.MinInt64}, func(e entry) bool {
			if e.keyspace != keyspace || compareValues(e.value, hi) > 0 {
				return false
			}
			return visit(e)
		})
	} else {
		t.tree.AscendGreaterOrEqual(entry{keyspace: keyspace, from: math.MinInt64}, func(e entry) bool {
			if e.keyspace != keyspace {
				return false
			}
			return visit(e)
		})
	}
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// valueRange returns the bounds every value matching spec lies in, when spec can be answered by a seek.
func valueRange(spec SearchSpecification) (lo, hi interface{}, ok bool) {
	if spec.Condition != Equals {
		return nil, nil, false
	}
	switch v := spec.Value.(type) {
	case string:
		if spec.MatchMode != Strict {
			return nil, nil, false
		}
		return v, v, true
	case int64:
		return v, v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, false
		}
		// Candidates are checked with Matches, the slack only has to cover rounding.
		slack := (math.Abs(v) + spec.Tolerance) * 1e-9
		return v - spec.Tolerance - slack, v + spec.Tolerance + slack, true
	}
	return nil, nil, false
}

// rollback forgets the writes after ts, the versions they closed become open again.
func (t *entryTree) rollback(ts int64) {
	var stale, reopened []entry
	t.tree.Ascend(func(e entry) bool {
		if e.from > ts {
			stale = append(stale, e)
		} else if e.to != storage.TsMax && e.to > ts {
			reopened = append(reopened, e)
		}
		return true
	})
	for _, e := range stale {
		t.delete(e)
	}
	for _, e := range reopened {
		e.to = storage.TsMax
		t.insert(e)
	}
}

func (t *entryTree) len() int {
	return t.tree.Len()
}
