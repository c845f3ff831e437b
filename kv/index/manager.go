package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chronodb/chronodb/kv/branch"
	"github.com/chronodb/chronodb/kv/cache"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/util"
	"github.com/chronodb/chronodb/kv/util/metrics"
	"github.com/chronodb/chronodb/log"
	"github.com/pingcap/errors"
	"golang.org/x/sync/errgroup"
)

var (
	ErrIndexNotFound = errors.New("index not found")
	ErrIndexExists   = errors.New("index already exists")
	// ErrIndexDirty is returned by lookups on an index that needs a reindex first.
	ErrIndexDirty = errors.New("index is dirty")
)

// Maintenance decides how commits reach the indexes.
type Maintenance int

const (
	// Incremental updates clean indexes on every commit.
	Incremental Maintenance = iota
	// Manual marks every index dirty on commit, until the next reindex.
	Manual
)

type indexState struct {
	def   Index
	dirty bool
}

type treeKey struct {
	index  string
	branch string
}

// Manager holds the secondary indexes and their entries. Entries are kept per index per branch for the own
// timeline of the branch only; lookups resolve the ancestry the same way reads do.
type Manager struct {
	storage  storage.Storage
	branches *branch.Manager
	mode     Maintenance
	// nil when the query cache is off.
	queryCache *cache.QueryCache[SearchSpecification]

	mu      sync.RWMutex
	indexes map[string]*indexState
	trees   map[treeKey]*entryTree

	// the commit timestamp each branch has been indexed up to.
	indexedThrough map[string]int64
}

func NewManager(s storage.Storage, branches *branch.Manager, mode Maintenance, queryCache *cache.QueryCache[SearchSpecification]) *Manager {
	return &Manager{
		storage:    s,
		branches:   branches,
		mode:       mode,
		queryCache: queryCache,
		indexes:    make(map[string]*indexState),
		trees:      make(map[treeKey]*entryTree),

		indexedThrough: make(map[string]int64),
	}
}

func (m *Manager) QueryCache() *cache.QueryCache[SearchSpecification] {
	return m.queryCache
}

// AddIndex registers idx. The index is dirty until reindexed.
func (m *Manager) AddIndex(idx Index) error {
	if idx.Name == "" || idx.Indexer == nil {
		return util.InvalidArgument("index needs a name and an indexer")
	}
	if idx.Type < TypeString || idx.Type > TypeDouble {
		return util.InvalidArgument("index %s has unknown value type %d", idx.Name, int(idx.Type))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[idx.Name]; ok {
		return errors.Annotatef(ErrIndexExists, "index %s", idx.Name)
	}
	m.indexes[idx.Name] = &indexState{def: idx, dirty: true}
	log.Infof("added %s index %s", idx.Type, idx.Name)
	return nil
}

func (m *Manager) RemoveIndex(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[name]; !ok {
		return errors.Annotatef(ErrIndexNotFound, "index %s", name)
	}
	delete(m.indexes, name)
	for k := range m.trees {
		if k.index == name {
			delete(m.trees, k)
		}
	}
	m.clearQueryCache()
	return nil
}

func (m *Manager) Index(name string) (Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.indexes[name]
	if !ok {
		return Index{}, false
	}
	return st.def, true
}

// Names lists the registered indexes, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.indexes))
	for name := range m.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) IsDirty(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.indexes[name]
	if !ok {
		return false, errors.Annotatef(ErrIndexNotFound, "index %s", name)
	}
	return st.dirty, nil
}

// DirtyIndexes lists the indexes that need a reindex, sorted.
func (m *Manager) DirtyIndexes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, st := range m.indexes {
		if st.dirty {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// IndexValues extracts the values the named index holds for value. A nil value has none.
func (m *Manager) IndexValues(name string, value []byte) ([]interface{}, error) {
	m.mu.RLock()
	st, ok := m.indexes[name]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Annotatef(ErrIndexNotFound, "index %s", name)
	}
	return extract(st.def, value), nil
}

// extract runs the indexer and drops the values that do not have the index type.
func extract(idx Index, value []byte) []interface{} {
	if value == nil || !idx.Indexer.CanIndex(value) {
		return nil
	}
	raw := idx.Indexer.IndexValues(value)
	if len(raw) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(raw))
	for _, v := range raw {
		normalized, ok := normalize(idx.Type, v)
		if !ok {
			log.Warnf("index %s: dropped value %v of type %T, expected %s", idx.Name, v, v, idx.Type)
			continue
		}
		values = append(values, normalized)
	}
	return values
}

func normalize(t ValueType, v interface{}) (interface{}, bool) {
	switch t {
	case TypeString:
		s, ok := v.(string)
		return s, ok
	case TypeLong:
		switch n := v.(type) {
		case int64:
			return n, true
		case int:
			return int64(n), true
		case int32:
			return int64(n), true
		}
	case TypeDouble:
		switch n := v.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		}
	}
	return nil, false
}

// Commit runs apply, which makes a commit of batch on branch at ts visible in the storage, then brings the
// indexes up to date with it. Index queries never observe one step without the other.
func (m *Manager) Commit(branch string, ts int64, batch []storage.Modify, apply func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := apply(); err != nil {
		return err
	}
	m.onCommit(branch, ts, batch)
	return nil
}

// OnCommit brings the indexes up to date with a commit of batch on branch at ts that is already stored.
func (m *Manager) OnCommit(branch string, ts int64, batch []storage.Modify) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCommit(branch, ts, batch)
}

// must be called with mu held.
func (m *Manager) onCommit(branch string, ts int64, batch []storage.Modify) {
	if len(batch) == 0 {
		return
	}
	for name, st := range m.indexes {
		if st.dirty {
			continue
		}
		if m.mode == Manual {
			st.dirty = true
			log.Debugf("index %s is dirty after commit %d on branch %s", name, ts, branch)
			continue
		}
		tree := m.tree(name, branch)
		for i := range batch {
			mod := &batch[i]
			key := mod.Key()
			tree.put(key.Keyspace, key.Key, ts, extract(st.def, mod.Value()))
		}
	}
	if m.mode == Incremental && ts > m.indexedThrough[branch] {
		m.indexedThrough[branch] = ts
	}
}

// Rollback forgets the index entries of branch written after ts.
func (m *Manager) Rollback(branch string, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, tree := range m.trees {
		if k.branch == branch {
			tree.rollback(ts)
		}
	}
	if through, ok := m.indexedThrough[branch]; ok && through > ts {
		m.indexedThrough[branch] = ts
	}
	m.clearQueryCache()
}

// caughtUp reports whether every commit a lookup on b at ts depends on has reached the indexes. A branch
// without commits seen here is indexed up to its branching timestamp. Must be called with mu held.
func (m *Manager) caughtUp(b *branch.Branch, ts int64) bool {
	for ; b != nil; b = b.Origin() {
		through, ok := m.indexedThrough[b.Name()]
		if !ok {
			through = b.BranchingTimestamp()
		}
		if ts > through {
			return false
		}
		ts = min(ts, b.BranchingTimestamp())
	}
	return true
}

// must be called with mu held.
func (m *Manager) tree(index, branch string) *entryTree {
	k := treeKey{index: index, branch: branch}
	tree, ok := m.trees[k]
	if !ok {
		tree = newEntryTree()
		m.trees[k] = tree
	}
	return tree
}

// must be called with mu held.
func (m *Manager) clearQueryCache() {
	if m.queryCache != nil {
		m.queryCache.Clear()
	}
}

// ReindexAll rebuilds every index.
func (m *Manager) ReindexAll(ctx context.Context) error {
	return m.Reindex(ctx, m.Names()...)
}

// ReindexDirty rebuilds the dirty indexes only.
func (m *Manager) ReindexDirty(ctx context.Context) error {
	dirty := m.DirtyIndexes()
	if len(dirty) == 0 {
		return nil
	}
	return m.Reindex(ctx, dirty...)
}

// Reindex rebuilds the named indexes from the stored history of every branch and marks them clean. The
// caller must keep commits out while it runs.
func (m *Manager) Reindex(ctx context.Context, names ...string) error {
	start := time.Now()
	m.mu.RLock()
	defs := make([]Index, 0, len(names))
	for _, name := range names {
		st, ok := m.indexes[name]
		if !ok {
			m.mu.RUnlock()
			return errors.Annotatef(ErrIndexNotFound, "index %s", name)
		}
		defs = append(defs, st.def)
	}
	m.mu.RUnlock()
	if len(defs) == 0 {
		return nil
	}

	branches := m.branches.Branches()
	built := make([]map[string]*entryTree, len(branches))
	through := make([]int64, len(branches))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range branches {
		i, b := i, b
		g.Go(func() error {
			now, err := m.storage.Now(b.Name())
			if err != nil {
				return errors.Annotatef(err, "reindex branch %s", b.Name())
			}
			trees, err := m.build(gctx, b.Name(), defs)
			if err != nil {
				return errors.Annotatef(err, "reindex branch %s", b.Name())
			}
			built[i], through[i] = trees, now
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, def := range defs {
		for k := range m.trees {
			if k.index == def.Name {
				delete(m.trees, k)
			}
		}
	}
	for i, b := range branches {
		for name, tree := range built[i] {
			m.trees[treeKey{index: name, branch: b.Name()}] = tree
		}
		m.indexedThrough[b.Name()] = through[i]
	}
	for _, def := range defs {
		// Removed while we were building.
		if st, ok := m.indexes[def.Name]; ok {
			st.dirty = false
		}
	}
	m.clearQueryCache()
	metrics.ReindexDuration.Observe(time.Since(start).Seconds())
	log.Infof("reindexed %v over %d branches in %v", names, len(branches), time.Since(start))
	return nil
}

// build computes the entries of defs on the own timeline of branch.
func (m *Manager) build(ctx context.Context, branch string, defs []Index) (map[string]*entryTree, error) {
	trees := make(map[string]*entryTree, len(defs))
	for _, def := range defs {
		trees[def.Name] = newEntryTree()
	}
	keyspaces, err := m.storage.Keyspaces(branch, storage.TsMax)
	if err != nil {
		return nil, err
	}
	for _, ks := range keyspaces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := m.buildKeyspace(branch, ks, defs, trees); err != nil {
			return nil, err
		}
	}
	return trees, nil
}

func (m *Manager) buildKeyspace(branch, keyspace string, defs []Index, trees map[string]*entryTree) error {
	it, err := m.storage.Versions(branch, keyspace)
	if err != nil {
		return err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		item := it.Item()
		var value []byte
		if !item.Entry.Tombstone {
			value = item.Entry.Value
		}
		for _, def := range defs {
			trees[def.Name].put(keyspace, item.Key, item.Entry.Timestamp, extract(def, value))
		}
	}
	return nil
}

// Query returns the keys of keyspace whose value on b at ts satisfies spec, using the entries of the index
// named by spec.Property. The index must be clean. The returned set is shared and must not be modified.
func (m *Manager) Query(b *branch.Branch, ts int64, keyspace string, spec SearchSpecification) (cache.KeySet, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.indexes[spec.Property]
	if !ok {
		return nil, errors.Annotatef(ErrIndexNotFound, "index %s", spec.Property)
	}
	if st.dirty {
		return nil, errors.Annotatef(ErrIndexDirty, "index %s", spec.Property)
	}
	if st.def.Type != spec.Type {
		return nil, util.InvalidArgument("index %s holds %s values, search value is %s", spec.Property, st.def.Type, spec.Type)
	}
	metrics.IndexQueryCounter.WithLabelValues("index").Inc()
	compute := func() (cache.KeySet, error) {
		return m.query(b, ts, keyspace, spec)
	}
	if m.queryCache == nil {
		return compute()
	}
	// Results past what the indexes have seen can still change.
	if !m.caughtUp(b, ts) {
		return compute()
	}
	key := cache.QueryKey[SearchSpecification]{Timestamp: ts, Branch: b.Name(), Keyspace: keyspace, Spec: spec}
	return m.queryCache.GetOrCompute(key, compute)
}

// must be called with mu held.
func (m *Manager) query(b *branch.Branch, ts int64, keyspace string, spec SearchSpecification) (cache.KeySet, error) {
	keys := make(cache.KeySet)
	if tree, ok := m.trees[treeKey{index: spec.Property, branch: b.Name()}]; ok {
		own, err := tree.matches(keyspace, ts, spec)
		if err != nil {
			return nil, err
		}
		keys = own
	}
	origin := b.Origin()
	if origin == nil {
		return keys, nil
	}
	inherited, err := m.query(origin, min(ts, b.BranchingTimestamp()), keyspace, spec)
	if err != nil {
		return nil, err
	}
	for key := range inherited {
		if _, ok := keys[key]; ok {
			continue
		}
		// Any own version hides the inherited one.
		own, err := m.storage.Get(b.Name(), storage.QualifiedKey{Keyspace: keyspace, Key: key}, ts)
		if err != nil {
			return nil, err
		}
		if !own.Found {
			keys[key] = struct{}{}
		}
	}
	return keys, nil
}
