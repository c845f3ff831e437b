package query

import (
	"github.com/chronodb/chronodb/kv/branch"
	"github.com/chronodb/chronodb/kv/cache"
	"github.com/chronodb/chronodb/kv/index"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/temporal"
	"github.com/chronodb/chronodb/kv/util/metrics"
	"github.com/chronodb/chronodb/log"
	"github.com/pingcap/errors"
)

// Engine evaluates queries against the committed state of a branch at a timestamp.
type Engine struct {
	store   *temporal.Store
	indexes *index.Manager
}

func NewEngine(store *temporal.Store, indexes *index.Manager) *Engine {
	return &Engine{store: store, indexes: indexes}
}

// Find evaluates q and returns its result, values are read lazily at ts.
func (e *Engine) Find(b *branch.Branch, ts int64, q *Query) (*Result, error) {
	keys, err := e.Evaluate(b, ts, q)
	if err != nil {
		return nil, err
	}
	get := func(key storage.QualifiedKey) ([]byte, bool, error) {
		res, err := e.store.Get(b, key, ts)
		return res.Value, res.Found, err
	}
	return newResult(q.Keyspace, keys, get), nil
}

// Evaluate returns the keys of the keyspace of q that match. Conditions with Equals on a clean index are
// answered by the index, every other condition by scanning the live keys.
func (e *Engine) Evaluate(b *branch.Branch, ts int64, q *Query) (cache.KeySet, error) {
	ev := &evaluation{engine: e, branch: b, ts: ts, keyspace: q.Keyspace}
	keys, err := ev.eval(q.Root)
	if err != nil {
		return nil, err
	}
	log.Debugf("query %s on branch %s at %d matched %d keys", q, b.Name(), ts, len(keys))
	return keys, nil
}

type evaluation struct {
	engine   *Engine
	branch   *branch.Branch
	ts       int64
	keyspace string

	// live keys and their values, loaded on first use.
	live map[string][]byte
}

func (ev *evaluation) liveKeys() (map[string][]byte, error) {
	if ev.live != nil {
		return ev.live, nil
	}
	it, err := ev.engine.store.Scan(ev.branch, ev.keyspace, ev.ts)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	live := make(map[string][]byte)
	for ; it.Valid(); it.Next() {
		item := it.Item()
		live[item.Key] = item.Entry.Value
	}
	ev.live = live
	return live, nil
}

// eval may return sets shared with the query cache, combining elements always builds new ones.
func (ev *evaluation) eval(el Element) (cache.KeySet, error) {
	switch el := el.(type) {
	case *WhereElement:
		return ev.where(el.Spec)
	case *NotElement:
		excluded, err := ev.eval(el.Child)
		if err != nil {
			return nil, err
		}
		live, err := ev.liveKeys()
		if err != nil {
			return nil, err
		}
		keys := make(cache.KeySet)
		for key := range live {
			if _, ok := excluded[key]; !ok {
				keys[key] = struct{}{}
			}
		}
		return keys, nil
	case *BinaryElement:
		left, err := ev.eval(el.Left)
		if err != nil {
			return nil, err
		}
		right, err := ev.eval(el.Right)
		if err != nil {
			return nil, err
		}
		if el.Op == OpAnd {
			return intersect(left, right), nil
		}
		return union(left, right), nil
	}
	return nil, errors.Errorf("unknown query element %T", el)
}

func (ev *evaluation) where(spec index.SearchSpecification) (cache.KeySet, error) {
	indexes := ev.engine.indexes
	if _, ok := indexes.Index(spec.Property); !ok {
		return nil, errors.Annotatef(index.ErrIndexNotFound, "property %s", spec.Property)
	}
	if spec.Condition == index.Equals {
		keys, err := indexes.Query(ev.branch, ev.ts, ev.keyspace, spec)
		if err == nil {
			return keys, nil
		}
		if errors.Cause(err) != index.ErrIndexDirty {
			return nil, err
		}
		log.Debugf("index %s is dirty, scanning keyspace %s", spec.Property, ev.keyspace)
	}
	metrics.IndexQueryCounter.WithLabelValues("scan").Inc()
	live, err := ev.liveKeys()
	if err != nil {
		return nil, err
	}
	keys := make(cache.KeySet)
	for key, value := range live {
		values, err := indexes.IndexValues(spec.Property, value)
		if err != nil {
			return nil, err
		}
		ok, err := spec.MatchesAny(values)
		if err != nil {
			return nil, err
		}
		if ok {
			keys[key] = struct{}{}
		}
	}
	return keys, nil
}

func intersect(a, b cache.KeySet) cache.KeySet {
	if len(b) < len(a) {
		a, b = b, a
	}
	keys := make(cache.KeySet, len(a))
	for key := range a {
		if _, ok := b[key]; ok {
			keys[key] = struct{}{}
		}
	}
	return keys
}

func union(a, b cache.KeySet) cache.KeySet {
	keys := make(cache.KeySet, len(a)+len(b))
	for key := range a {
		keys[key] = struct{}{}
	}
	for key := range b {
		keys[key] = struct{}{}
	}
	return keys
}
