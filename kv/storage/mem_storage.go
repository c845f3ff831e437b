package storage

import (
	"bytes"
	"math"
	"sort"
	"sync"

	"github.com/chronodb/chronodb/kv/util"
	"github.com/google/btree"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

const memDegree = 32

// MemStorage is a timeline store backed by memory. Data is not written to disk. Every branch keeps a
// writer-owned B-tree; commits are applied to it and then published to readers as a copy-on-write clone, so a
// reader always holds a tree that is never mutated again. Values are copied on the way in and on the way out.
type MemStorage struct {
	mu       sync.RWMutex
	branches map[string]*memBranch
}

type memItem struct {
	keyspace  string
	key       string
	ts        int64
	value     []byte
	tombstone bool
}

func memItemLess(a, b memItem) bool {
	if a.keyspace != b.keyspace {
		return a.keyspace < b.keyspace
	}
	if a.key != b.key {
		return a.key < b.key
	}
	return a.ts < b.ts
}

func (it memItem) entry() Entry {
	return Entry{Timestamp: it.ts, Value: bytes.Clone(it.value), Tombstone: it.tombstone}
}

type commitItem struct {
	ts       int64
	metadata []byte
}

func commitItemLess(a, b commitItem) bool {
	return a.ts < b.ts
}

// memSnapshot is the immutable view of a branch readers work on.
type memSnapshot struct {
	timeline *btree.BTreeG[memItem]
	commits  *btree.BTreeG[commitItem]
	// keyspace -> timestamp of its first entry
	keyspaces map[string]int64
	now       int64
}

type memBranch struct {
	meta BranchMeta

	// Guards the writer-owned fields below.
	mu        sync.Mutex
	timeline  *btree.BTreeG[memItem]
	commits   *btree.BTreeG[commitItem]
	keyspaces map[string]int64

	snap atomic.Pointer[memSnapshot]
}

func newMemBranch(meta BranchMeta) *memBranch {
	b := &memBranch{
		meta:      meta,
		timeline:  btree.NewG[memItem](memDegree, memItemLess),
		commits:   btree.NewG[commitItem](memDegree, commitItemLess),
		keyspaces: make(map[string]int64),
	}
	b.publish(meta.BranchingTimestamp)
	return b
}

// publish must be called with mu held.
func (b *memBranch) publish(now int64) {
	keyspaces := make(map[string]int64, len(b.keyspaces))
	for ks, ts := range b.keyspaces {
		keyspaces[ks] = ts
	}
	b.snap.Store(&memSnapshot{
		timeline:  b.timeline.Clone(),
		commits:   b.commits.Clone(),
		keyspaces: keyspaces,
		now:       now,
	})
}

func NewMemStorage() *MemStorage {
	return &MemStorage{branches: make(map[string]*memBranch)}
}

func (ms *MemStorage) Start() error {
	return nil
}

func (ms *MemStorage) Stop() error {
	return nil
}

func (ms *MemStorage) branch(name string) (*memBranch, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	b, ok := ms.branches[name]
	if !ok {
		return nil, errors.Annotatef(ErrBranchNotFound, "branch %s", name)
	}
	return b, nil
}

func (ms *MemStorage) Get(branch string, key QualifiedKey, ts int64) (GetResult, error) {
	b, err := ms.branch(branch)
	if err != nil {
		return GetResult{}, err
	}
	snap := b.snap.Load()
	res := GetResult{Next: TsMax}
	snap.timeline.DescendLessOrEqual(memItem{keyspace: key.Keyspace, key: key.Key, ts: ts}, func(it memItem) bool {
		if it.keyspace == key.Keyspace && it.key == key.Key {
			res.Found = true
			res.Entry = it.entry()
		}
		return false
	})
	if ts < TsMax {
		snap.timeline.AscendGreaterOrEqual(memItem{keyspace: key.Keyspace, key: key.Key, ts: ts + 1}, func(it memItem) bool {
			if it.keyspace == key.Keyspace && it.key == key.Key {
				res.Next = it.ts
			}
			return false
		})
	}
	return res, nil
}

// Scan walks the snapshot taken when it is called lazily, one B-tree seek per step.
func (ms *MemStorage) Scan(branch, keyspace string, ts int64) (Iterator, error) {
	b, err := ms.branch(branch)
	if err != nil {
		return nil, err
	}
	it := &memIterator{timeline: b.snap.Load().timeline, keyspace: keyspace, latest: true, ts: ts}
	it.seek(memItem{keyspace: keyspace, ts: math.MinInt64})
	return it, nil
}

func (ms *MemStorage) Versions(branch, keyspace string) (Iterator, error) {
	b, err := ms.branch(branch)
	if err != nil {
		return nil, err
	}
	it := &memIterator{timeline: b.snap.Load().timeline, keyspace: keyspace}
	it.seek(memItem{keyspace: keyspace, ts: math.MinInt64})
	return it, nil
}

// memIterator iterates one keyspace of an immutable timeline. With latest set it yields the newest version at
// or before ts of every key, otherwise every version in key then timestamp order.
type memIterator struct {
	timeline *btree.BTreeG[memItem]
	keyspace string
	latest   bool
	ts       int64

	cur   memItem
	valid bool
}

// seek positions the iterator on the first item at or after from.
func (it *memIterator) seek(from memItem) {
	it.valid = false
	for {
		var next memItem
		found := false
		it.timeline.AscendGreaterOrEqual(from, func(i memItem) bool {
			next, found = i, i.keyspace == it.keyspace
			return false
		})
		if !found {
			return
		}
		if !it.latest {
			it.cur, it.valid = next, true
			return
		}
		it.timeline.DescendLessOrEqual(memItem{keyspace: it.keyspace, key: next.key, ts: it.ts}, func(i memItem) bool {
			if i.keyspace == it.keyspace && i.key == next.key {
				it.cur, it.valid = i, true
			}
			return false
		})
		if it.valid {
			return
		}
		// Every version of the key is after ts.
		from = nextKey(it.keyspace, next.key)
	}
}

// nextKey is the smallest position past every version of key.
func nextKey(keyspace, key string) memItem {
	return memItem{keyspace: keyspace, key: key + "\x00", ts: math.MinInt64}
}

func (it *memIterator) Item() Item {
	return Item{Key: it.cur.key, Entry: it.cur.entry()}
}

func (it *memIterator) Valid() bool {
	return it.valid
}

func (it *memIterator) Next() {
	if !it.valid {
		return
	}
	if it.latest || it.cur.ts == math.MaxInt64 {
		it.seek(nextKey(it.keyspace, it.cur.key))
		return
	}
	it.seek(memItem{keyspace: it.keyspace, key: it.cur.key, ts: it.cur.ts + 1})
}

func (it *memIterator) Close() {
	it.valid = false
	it.timeline = nil
}

func (ms *MemStorage) History(branch string, key QualifiedKey, lower, upper int64) ([]int64, error) {
	b, err := ms.branch(branch)
	if err != nil {
		return nil, err
	}
	var history []int64
	b.snap.Load().timeline.DescendLessOrEqual(memItem{keyspace: key.Keyspace, key: key.Key, ts: upper}, func(it memItem) bool {
		if it.keyspace != key.Keyspace || it.key != key.Key || it.ts < lower {
			return false
		}
		history = append(history, it.ts)
		return true
	})
	return history, nil
}

func (ms *MemStorage) Keyspaces(branch string, ts int64) ([]string, error) {
	b, err := ms.branch(branch)
	if err != nil {
		return nil, err
	}
	var keyspaces []string
	for ks, first := range b.snap.Load().keyspaces {
		if first <= ts {
			keyspaces = append(keyspaces, ks)
		}
	}
	sort.Strings(keyspaces)
	return keyspaces, nil
}

func (ms *MemStorage) Now(branch string) (int64, error) {
	b, err := ms.branch(branch)
	if err != nil {
		return 0, err
	}
	return b.snap.Load().now, nil
}

func (ms *MemStorage) ApplyCommit(branch string, ts int64, batch []Modify, metadata []byte) error {
	b, err := ms.branch(branch)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if now := b.snap.Load().now; ts <= now {
		return util.InvalidArgument("commit timestamp %d is not after now %d of branch %s", ts, now, branch)
	}
	for i := range batch {
		m := &batch[i]
		key := m.Key()
		entry := m.Entry(ts)
		b.timeline.ReplaceOrInsert(memItem{
			keyspace:  key.Keyspace,
			key:       key.Key,
			ts:        ts,
			value:     bytes.Clone(entry.Value),
			tombstone: entry.Tombstone,
		})
		if _, ok := b.keyspaces[key.Keyspace]; !ok {
			b.keyspaces[key.Keyspace] = ts
		}
	}
	b.commits.ReplaceOrInsert(commitItem{ts: ts, metadata: bytes.Clone(metadata)})
	b.publish(ts)
	return nil
}

func (ms *MemStorage) RollbackToTimestamp(branch string, ts int64) error {
	b, err := ms.branch(branch)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ts < b.meta.BranchingTimestamp {
		return util.InvalidArgument("cannot roll back branch %s to %d, before its branching timestamp %d",
			branch, ts, b.meta.BranchingTimestamp)
	}
	if ts >= b.snap.Load().now {
		return nil
	}
	var stale []memItem
	b.timeline.Ascend(func(it memItem) bool {
		if it.ts > ts {
			stale = append(stale, it)
		}
		return true
	})
	for _, it := range stale {
		b.timeline.Delete(it)
	}
	var staleCommits []commitItem
	b.commits.AscendGreaterOrEqual(commitItem{ts: ts + 1}, func(c commitItem) bool {
		staleCommits = append(staleCommits, c)
		return true
	})
	for _, c := range staleCommits {
		b.commits.Delete(c)
	}
	b.keyspaces = make(map[string]int64)
	b.timeline.Ascend(func(it memItem) bool {
		if first, ok := b.keyspaces[it.keyspace]; !ok || it.ts < first {
			b.keyspaces[it.keyspace] = it.ts
		}
		return true
	})
	b.publish(ts)
	return nil
}

func (ms *MemStorage) PutBranch(meta BranchMeta) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.branches[meta.Name]; ok {
		return errors.Errorf("branch %s already exists", meta.Name)
	}
	if meta.Origin != "" {
		if _, ok := ms.branches[meta.Origin]; !ok {
			return errors.Annotatef(ErrBranchNotFound, "origin %s of branch %s", meta.Origin, meta.Name)
		}
	}
	ms.branches[meta.Name] = newMemBranch(meta)
	return nil
}

func (ms *MemStorage) Branches() ([]BranchMeta, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	metas := make([]BranchMeta, 0, len(ms.branches))
	for _, b := range ms.branches {
		metas = append(metas, b.meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas, nil
}

func (ms *MemStorage) Commits(branch string, from, to int64) ([]CommitInfo, error) {
	b, err := ms.branch(branch)
	if err != nil {
		return nil, err
	}
	var commits []CommitInfo
	b.snap.Load().commits.DescendLessOrEqual(commitItem{ts: to}, func(c commitItem) bool {
		if c.ts < from {
			return false
		}
		commits = append(commits, CommitInfo{Branch: branch, Timestamp: c.ts, Metadata: bytes.Clone(c.metadata)})
		return true
	})
	return commits, nil
}

func (ms *MemStorage) CommitMetadata(branch string, ts int64) ([]byte, bool, error) {
	b, err := ms.branch(branch)
	if err != nil {
		return nil, false, err
	}
	c, ok := b.snap.Load().commits.Get(commitItem{ts: ts})
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(c.metadata), true, nil
}
