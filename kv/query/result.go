package query

import (
	"sort"

	"github.com/chronodb/chronodb/kv/cache"
	"github.com/chronodb/chronodb/kv/storage"
)

type getFunc func(key storage.QualifiedKey) ([]byte, bool, error)

// Result holds the keys matched by a query, sorted. Values are only read when iterated.
type Result struct {
	keyspace string
	keys     []string
	get      getFunc
}

func newResult(keyspace string, set cache.KeySet, get getFunc) *Result {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return &Result{keyspace: keyspace, keys: keys, get: get}
}

func (r *Result) Keyspace() string {
	return r.keyspace
}

func (r *Result) Keys() []string {
	return append([]string(nil), r.keys...)
}

func (r *Result) QualifiedKeys() []storage.QualifiedKey {
	qks := make([]storage.QualifiedKey, len(r.keys))
	for i, key := range r.keys {
		qks[i] = storage.QualifiedKey{Keyspace: r.keyspace, Key: key}
	}
	return qks
}

func (r *Result) Count() int {
	return len(r.keys)
}

// Values iterates the matched keys with their values. The iterator must be closed.
func (r *Result) Values() *ValueIterator {
	it := &ValueIterator{result: r, pos: -1}
	it.Next()
	return it
}

// ValueIterator reads the value of each key when it is positioned on it. A read error ends the iteration
// and is reported by Err.
type ValueIterator struct {
	result *Result
	pos    int
	value  []byte
	err    error
	closed bool
}

func (it *ValueIterator) Valid() bool {
	return !it.closed && it.err == nil && it.pos < len(it.result.keys)
}

func (it *ValueIterator) Next() {
	if it.closed || it.err != nil {
		return
	}
	for it.pos++; it.pos < len(it.result.keys); it.pos++ {
		value, found, err := it.result.get(storage.QualifiedKey{Keyspace: it.result.keyspace, Key: it.result.keys[it.pos]})
		if err != nil {
			it.err = err
			return
		}
		if found {
			it.value = value
			return
		}
	}
}

func (it *ValueIterator) Key() string {
	return it.result.keys[it.pos]
}

func (it *ValueIterator) Value() []byte {
	return it.value
}

func (it *ValueIterator) Err() error {
	return it.err
}

func (it *ValueIterator) Close() {
	it.closed = true
	it.value = nil
}
