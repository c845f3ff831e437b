package storage

import (
	"fmt"
	"math"
)

// TsMax is the timestamp used for "no upper bound"; validity windows that never close end at TsMax.
const TsMax int64 = math.MaxInt64

// MasterBranch is the name of the root branch every store starts with.
const MasterBranch = "master"

// QualifiedKey identifies a logical slot independent of branch and time.
type QualifiedKey struct {
	Keyspace string
	Key      string
}

func (qk QualifiedKey) String() string {
	return fmt.Sprintf("%s->%s", qk.Keyspace, qk.Key)
}

// Entry is one immutable version of a key on the timeline of a branch.
type Entry struct {
	Timestamp int64
	// Value is nil for tombstones; an empty non-tombstone value is allowed.
	Value     []byte
	Tombstone bool
}

// GetResult is what a point lookup on the own timeline of a branch returns.
type GetResult struct {
	// Entry is only meaningful when Found is true.
	Entry Entry
	Found bool
	// Next is the timestamp of the oldest own entry strictly after the requested timestamp, TsMax if none.
	Next int64
}

// Period is the half-open interval [From, To) a version is valid in. To is TsMax while no later version exists.
type Period struct {
	From int64
	To   int64
}

func (p Period) Contains(ts int64) bool {
	return p.From <= ts && (ts < p.To || p.To == TsMax)
}

func (p Period) IsOpen() bool {
	return p.To == TsMax
}

// BranchMeta is the persisted description of a branch.
type BranchMeta struct {
	Name string
	// Origin is empty for the master branch.
	Origin             string
	BranchingTimestamp int64
}

// CommitInfo describes one commit of a branch.
type CommitInfo struct {
	Branch    string
	Timestamp int64
	Metadata  []byte
}

// Storage is the timeline store contract every backend implements. A backend only knows the own timeline of
// each branch; resolving reads through the branch ancestry is done by the temporal layer.
//
// ApplyCommit is the sole mutation of timeline data and must be atomic with respect to readers: a concurrent
// Get or Scan observes either none or all of the writes of a commit, together with the matching Now.
type Storage interface {
	Start() error
	Stop() error

	// Get finds the newest own entry of key with timestamp <= ts. Values returned by any read belong to the
	// caller, modifying them never changes stored history.
	Get(branch string, key QualifiedKey, ts int64) (GetResult, error)
	// Scan iterates the newest own entry with timestamp <= ts of every key of keyspace, tombstones included,
	// ordered by key.
	Scan(branch, keyspace string, ts int64) (Iterator, error)
	// Versions iterates every own entry of keyspace ordered by key, then by ascending timestamp. Backends may
	// iterate lazily or load the result up front.
	Versions(branch, keyspace string) (Iterator, error)
	// History lists the own commit timestamps of key within [lower, upper], newest first.
	History(branch string, key QualifiedKey, lower, upper int64) ([]int64, error)
	// Keyspaces lists the keyspaces having at least one own entry with timestamp <= ts.
	Keyspaces(branch string, ts int64) ([]string, error)
	// Now is the timestamp of the latest commit of branch, its branching timestamp if none.
	Now(branch string) (int64, error)

	ApplyCommit(branch string, ts int64, batch []Modify, metadata []byte) error
	// RollbackToTimestamp drops every own entry and commit of branch newer than ts.
	RollbackToTimestamp(branch string, ts int64) error

	PutBranch(meta BranchMeta) error
	Branches() ([]BranchMeta, error)

	// Commits lists the commits of branch within [from, to], newest first.
	Commits(branch string, from, to int64) ([]CommitInfo, error)
	CommitMetadata(branch string, ts int64) ([]byte, bool, error)
}
