package branch

import (
	"sort"
	"sync"

	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/util"
	"github.com/chronodb/chronodb/log"
	"github.com/pingcap/errors"
)

var (
	ErrBranchExists = errors.New("branch already exists")
	// ErrBranchNotFound is the storage sentinel so errors.Cause matches regardless of the layer reporting it.
	ErrBranchNotFound = storage.ErrBranchNotFound
)

// Manager owns the branch DAG. Branch metadata is persisted through the store and loaded when the manager is
// created.
type Manager struct {
	store storage.Storage

	mu       sync.RWMutex
	branches map[string]*Branch
}

func NewManager(store storage.Storage) (*Manager, error) {
	m := &Manager{store: store, branches: make(map[string]*Branch)}
	metas, err := store.Branches()
	if err != nil {
		return nil, err
	}
	if err := m.link(metas); err != nil {
		return nil, err
	}
	if _, ok := m.branches[storage.MasterBranch]; !ok {
		meta := storage.BranchMeta{Name: storage.MasterBranch}
		if err := store.PutBranch(meta); err != nil {
			return nil, err
		}
		m.branches[meta.Name] = &Branch{name: meta.Name}
		log.Infof("created branch %s", meta.Name)
	}
	return m, nil
}

// link resolves persisted metadata into branches; parents may be listed after their children.
func (m *Manager) link(metas []storage.BranchMeta) error {
	pending := metas
	for len(pending) > 0 {
		var next []storage.BranchMeta
		for _, meta := range pending {
			if meta.Origin == "" {
				m.branches[meta.Name] = &Branch{name: meta.Name, branchingTimestamp: meta.BranchingTimestamp}
				continue
			}
			origin, ok := m.branches[meta.Origin]
			if !ok {
				next = append(next, meta)
				continue
			}
			m.branches[meta.Name] = &Branch{name: meta.Name, origin: origin, branchingTimestamp: meta.BranchingTimestamp}
		}
		if len(next) == len(pending) {
			return errors.Annotatef(ErrBranchNotFound, "origin %s of branch %s", next[0].Origin, next[0].Name)
		}
		pending = next
	}
	return nil
}

// CreateBranch forks name from master at master's now.
func (m *Manager) CreateBranch(name string) (*Branch, error) {
	return m.CreateBranchFrom(storage.MasterBranch, name)
}

// CreateBranchFrom forks name from parent at parent's now. The branching timestamp never changes afterwards.
func (m *Manager) CreateBranchFrom(parent, name string) (*Branch, error) {
	if name == "" {
		return nil, util.InvalidArgument("branch name must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[name]; ok {
		return nil, errors.Annotatef(ErrBranchExists, "branch %s", name)
	}
	origin, ok := m.branches[parent]
	if !ok {
		return nil, errors.Annotatef(ErrBranchNotFound, "parent %s of branch %s", parent, name)
	}
	now, err := m.store.Now(parent)
	if err != nil {
		return nil, err
	}
	b := &Branch{name: name, origin: origin, branchingTimestamp: now}
	if err := m.store.PutBranch(b.Meta()); err != nil {
		return nil, err
	}
	m.branches[name] = b
	log.Infof("created branch %s from %s at %d", name, parent, now)
	return b, nil
}

func (m *Manager) Branch(name string) (*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.branches[name]
	if !ok {
		return nil, errors.Annotatef(ErrBranchNotFound, "branch %s", name)
	}
	return b, nil
}

func (m *Manager) Master() *Branch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.branches[storage.MasterBranch]
}

func (m *Manager) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.branches[name]
	return ok
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.branches))
	for name := range m.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Branches lists every branch ordered by name.
func (m *Manager) Branches() []*Branch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	branches := make([]*Branch, 0, len(m.branches))
	for _, b := range m.branches {
		branches = append(branches, b)
	}
	sortByName(branches)
	return branches
}

// Children lists the branches directly forked from name.
func (m *Manager) Children(name string) ([]*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	parent, ok := m.branches[name]
	if !ok {
		return nil, errors.Annotatef(ErrBranchNotFound, "branch %s", name)
	}
	var children []*Branch
	for _, b := range m.branches {
		if b.origin == parent {
			children = append(children, b)
		}
	}
	sortByName(children)
	return children, nil
}

// Now is the timestamp of the latest commit on name, its branching timestamp if there is none.
func (m *Manager) Now(name string) (int64, error) {
	if _, err := m.Branch(name); err != nil {
		return 0, err
	}
	return m.store.Now(name)
}

func sortByName(branches []*Branch) {
	sort.Slice(branches, func(i, j int) bool { return branches[i].name < branches[j].name })
}
