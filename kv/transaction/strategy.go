package transaction

import (
	"github.com/pingcap/errors"
)

// ErrMergeRefused is the cause of the ErrCommitConflict produced by DoNotMerge.
var ErrMergeRefused = errors.New("conflicting writes are not merged")

// Resolution is what a strategy decided to write for a conflicting key.
type Resolution struct {
	// Write is false when the key is left as it is at the head of the branch.
	Write bool
	// Value to write, nil removes the key.
	Value []byte
}

// ConflictResolutionStrategy decides how a conflict found on commit is resolved. An error refuses the commit.
type ConflictResolutionStrategy interface {
	Name() string
	Resolve(conflict *AtomicConflict) (Resolution, error)
}

var (
	// OverwriteWithSource writes the value of the transaction.
	OverwriteWithSource ConflictResolutionStrategy = overwriteWithSource{}
	// OverwriteWithTarget keeps the value at the head of the branch.
	OverwriteWithTarget ConflictResolutionStrategy = overwriteWithTarget{}
	// DoNotMerge refuses every commit with a conflict.
	DoNotMerge ConflictResolutionStrategy = doNotMerge{}
)

type overwriteWithSource struct{}

func (overwriteWithSource) Name() string {
	return "overwrite-with-source"
}

func (overwriteWithSource) Resolve(c *AtomicConflict) (Resolution, error) {
	return Resolution{Write: true, Value: c.SourceValue}, nil
}

type overwriteWithTarget struct{}

func (overwriteWithTarget) Name() string {
	return "overwrite-with-target"
}

func (overwriteWithTarget) Resolve(*AtomicConflict) (Resolution, error) {
	return Resolution{}, nil
}

type doNotMerge struct{}

func (doNotMerge) Name() string {
	return "do-not-merge"
}

func (doNotMerge) Resolve(*AtomicConflict) (Resolution, error) {
	return Resolution{}, ErrMergeRefused
}

// StrategyFunc adapts a function to ConflictResolutionStrategy.
type StrategyFunc struct {
	StrategyName string
	Func         func(conflict *AtomicConflict) (Resolution, error)
}

func (s StrategyFunc) Name() string {
	return s.StrategyName
}

func (s StrategyFunc) Resolve(c *AtomicConflict) (Resolution, error) {
	return s.Func(c)
}

// StrategyByName maps the configuration names of the built-in strategies.
func StrategyByName(name string) (ConflictResolutionStrategy, bool) {
	for _, s := range []ConflictResolutionStrategy{OverwriteWithSource, OverwriteWithTarget, DoNotMerge} {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}
