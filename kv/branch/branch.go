package branch

import (
	"github.com/chronodb/chronodb/kv/storage"
)

// Branch is an append-only timeline forked from its origin at BranchingTimestamp. Branches are immutable once
// created.
type Branch struct {
	name               string
	origin             *Branch
	branchingTimestamp int64
}

func (b *Branch) Name() string {
	return b.name
}

// Origin is the parent branch, nil for master.
func (b *Branch) Origin() *Branch {
	return b.origin
}

func (b *Branch) BranchingTimestamp() int64 {
	return b.branchingTimestamp
}

func (b *Branch) IsMaster() bool {
	return b.origin == nil
}

// OriginsRecursive returns the ancestors of b ordered from master down to the direct parent.
func (b *Branch) OriginsRecursive() []*Branch {
	var origins []*Branch
	for o := b.origin; o != nil; o = o.origin {
		origins = append(origins, o)
	}
	for i, j := 0, len(origins)-1; i < j; i, j = i+1, j-1 {
		origins[i], origins[j] = origins[j], origins[i]
	}
	return origins
}

// IsDescendantOf reports whether other is b itself or one of its ancestors.
func (b *Branch) IsDescendantOf(other *Branch) bool {
	for c := b; c != nil; c = c.origin {
		if c == other {
			return true
		}
	}
	return false
}

func (b *Branch) Meta() storage.BranchMeta {
	meta := storage.BranchMeta{Name: b.name, BranchingTimestamp: b.branchingTimestamp}
	if b.origin != nil {
		meta.Origin = b.origin.name
	}
	return meta
}

func (b *Branch) String() string {
	return b.name
}
