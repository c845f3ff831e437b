package temporal

import (
	"bytes"
	"sort"

	"github.com/chronodb/chronodb/kv/branch"
	"github.com/chronodb/chronodb/kv/cache"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/util"
	"github.com/chronodb/chronodb/log"
)

// GetResult is a point in time read resolved over the branch ancestry.
type GetResult struct {
	// Value is nil when Found is false.
	Value []byte
	Found bool
	// Period is the validity window of the version read. An absent key is valid from 0, or from the tombstone
	// that removed it.
	Period storage.Period
}

// Store resolves reads of a branch through its own timeline and, below the branching timestamp, the timelines
// of its ancestors. It owns the value cache and keeps it consistent with commits and rollbacks.
type Store struct {
	storage  storage.Storage
	branches *branch.Manager
	cache    cache.ValueCache
}

func NewStore(s storage.Storage, branches *branch.Manager, c cache.ValueCache) *Store {
	if c == nil {
		c = cache.NewBogusCache()
	}
	return &Store{storage: s, branches: branches, cache: c}
}

func (s *Store) Cache() cache.ValueCache {
	return s.cache
}

func (s *Store) Branches() *branch.Manager {
	return s.branches
}

func (s *Store) Get(b *branch.Branch, key storage.QualifiedKey, ts int64) (GetResult, error) {
	if ts < 0 {
		return GetResult{}, util.InvalidArgument("timestamp must not be negative, got %d", ts)
	}
	if hit := s.cache.Get(b.Name(), ts, key); hit.IsHit() {
		value, _ := hit.Value()
		period, _ := hit.Period()
		return GetResult{Value: value, Found: value != nil, Period: period}, nil
	}
	res, err := s.load(b, key, ts)
	if err != nil {
		return GetResult{}, err
	}
	s.cache.Cache(b.Name(), key, res.Value, res.Period)
	return res, nil
}

// load reads from the store, bypassing the cache.
func (s *Store) load(b *branch.Branch, key storage.QualifiedKey, ts int64) (GetResult, error) {
	own, err := s.storage.Get(b.Name(), key, ts)
	if err != nil {
		return GetResult{}, err
	}
	if own.Found {
		res := GetResult{Period: storage.Period{From: own.Entry.Timestamp, To: own.Next}}
		if !own.Entry.Tombstone {
			res.Value = own.Entry.Value
			res.Found = true
		}
		return res, nil
	}
	origin := b.Origin()
	if origin == nil {
		return GetResult{Period: storage.Period{From: 0, To: own.Next}}, nil
	}
	floor := b.BranchingTimestamp()
	res, err := s.load(origin, key, min(ts, floor))
	if err != nil {
		return GetResult{}, err
	}
	// Parent versions after the floor are invisible here, the inherited version lasts until our first own one.
	if res.Period.To > floor {
		res.Period.To = own.Next
	}
	return res, nil
}

// Scan iterates the live keys of keyspace as of ts, merged over the ancestry. Own entries, tombstones
// included, shadow the ones of ancestors.
func (s *Store) Scan(b *branch.Branch, keyspace string, ts int64) (storage.Iterator, error) {
	if ts < 0 {
		return nil, util.InvalidArgument("timestamp must not be negative, got %d", ts)
	}
	var layers []storage.Iterator
	for c, cts := b, ts; c != nil; cts, c = min(cts, c.BranchingTimestamp()), c.Origin() {
		it, err := s.storage.Scan(c.Name(), keyspace, cts)
		if err != nil {
			for _, l := range layers {
				l.Close()
			}
			return nil, err
		}
		layers = append(layers, it)
	}
	return newMergeIterator(layers), nil
}

// History lists the commit timestamps of key in [lower, upper] over the ancestry, newest first.
func (s *Store) History(b *branch.Branch, key storage.QualifiedKey, lower, upper int64) ([]int64, error) {
	if lower > upper {
		return nil, util.InvalidArgument("lower bound %d is greater than upper bound %d", lower, upper)
	}
	var history []int64
	for c, cupper := b, upper; c != nil && cupper >= lower; cupper, c = min(cupper, c.BranchingTimestamp()), c.Origin() {
		own, err := s.storage.History(c.Name(), key, lower, cupper)
		if err != nil {
			return nil, err
		}
		history = append(history, own...)
	}
	return history, nil
}

// Keyspaces lists the keyspaces visible on b at ts, sorted.
func (s *Store) Keyspaces(b *branch.Branch, ts int64) ([]string, error) {
	set := make(map[string]struct{})
	for c, cts := b, ts; c != nil; cts, c = min(cts, c.BranchingTimestamp()), c.Origin() {
		own, err := s.storage.Keyspaces(c.Name(), cts)
		if err != nil {
			return nil, err
		}
		for _, ks := range own {
			set[ks] = struct{}{}
		}
	}
	keyspaces := make([]string, 0, len(set))
	for ks := range set {
		keyspaces = append(keyspaces, ks)
	}
	sort.Strings(keyspaces)
	return keyspaces, nil
}

func (s *Store) Now(b *branch.Branch) (int64, error) {
	return s.storage.Now(b.Name())
}

// DropDuplicateVersions removes the writes that would not change the value visible at ts: a put of the current
// value, or a delete of an absent key.
func (s *Store) DropDuplicateVersions(b *branch.Branch, ts int64, batch []storage.Modify) ([]storage.Modify, error) {
	kept := batch[:0:0]
	for i := range batch {
		m := &batch[i]
		current, err := s.Get(b, m.Key(), ts)
		if err != nil {
			return nil, err
		}
		if m.IsDelete() && !current.Found {
			continue
		}
		if !m.IsDelete() && current.Found && bytes.Equal(current.Value, m.Value()) {
			continue
		}
		kept = append(kept, *m)
	}
	if dropped := len(batch) - len(kept); dropped > 0 {
		log.Debugf("dropped %d duplicate versions on branch %s", dropped, b.Name())
	}
	return kept, nil
}

// ApplyCommit writes batch at ts and writes it through to the cache. It is the only way data is written.
func (s *Store) ApplyCommit(b *branch.Branch, ts int64, batch []storage.Modify, metadata []byte) error {
	if err := s.storage.ApplyCommit(b.Name(), ts, batch, metadata); err != nil {
		return err
	}
	for i := range batch {
		m := &batch[i]
		s.cache.WriteThrough(b.Name(), ts, m.Key(), m.Value())
	}
	return nil
}

// Rollback drops every commit of b after ts. Branches forked from b after ts would lose their base, so they
// must not exist.
func (s *Store) Rollback(b *branch.Branch, ts int64) error {
	children, err := s.branches.Children(b.Name())
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.BranchingTimestamp() > ts {
			return util.InvalidArgument("branch %s was forked from %s at %d, after %d",
				child.Name(), b.Name(), child.BranchingTimestamp(), ts)
		}
	}
	if err := s.storage.RollbackToTimestamp(b.Name(), ts); err != nil {
		return err
	}
	s.cache.RollbackToTimestamp(ts)
	log.Infof("rolled back branch %s to %d", b.Name(), ts)
	return nil
}

// Commits lists the commits of b itself within [from, to], newest first.
func (s *Store) Commits(b *branch.Branch, from, to int64) ([]storage.CommitInfo, error) {
	return s.storage.Commits(b.Name(), from, to)
}

func (s *Store) CommitMetadata(b *branch.Branch, ts int64) ([]byte, bool, error) {
	return s.storage.CommitMetadata(b.Name(), ts)
}
