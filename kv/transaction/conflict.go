package transaction

import (
	"fmt"
	"strings"

	"github.com/chronodb/chronodb/kv/storage"
	"github.com/pingcap/errors"
)

// ChronoIdentifier locates one version of a key.
type ChronoIdentifier struct {
	Branch    string
	Timestamp int64
	Keyspace  string
	Key       string
}

// Compare orders identifiers by branch, timestamp, keyspace and key.
func (id ChronoIdentifier) Compare(other ChronoIdentifier) int {
	if c := strings.Compare(id.Branch, other.Branch); c != 0 {
		return c
	}
	if id.Timestamp != other.Timestamp {
		if id.Timestamp < other.Timestamp {
			return -1
		}
		return 1
	}
	if c := strings.Compare(id.Keyspace, other.Keyspace); c != 0 {
		return c
	}
	return strings.Compare(id.Key, other.Key)
}

func (id ChronoIdentifier) QualifiedKey() storage.QualifiedKey {
	return storage.QualifiedKey{Keyspace: id.Keyspace, Key: id.Key}
}

func (id ChronoIdentifier) String() string {
	return fmt.Sprintf("%s@%d:%s->%s", id.Branch, id.Timestamp, id.Keyspace, id.Key)
}

// Ancestor is the version both sides of a conflict were derived from.
type Ancestor struct {
	ID ChronoIdentifier
	// Value is nil when the key did not exist.
	Value []byte
	Found bool
}

// AncestorFetcher computes the common ancestor of a conflict: the version of key on branch visible at the
// transaction timestamp ts. It must not have side effects.
type AncestorFetcher func(ts int64, branch string, key storage.QualifiedKey) (Ancestor, error)

// AtomicConflict is a key written by a transaction that was also changed on the branch since the transaction
// started. Source is the write of the transaction, Target the version at the head of the branch. A nil value
// is a removal.
type AtomicConflict struct {
	TransactionTimestamp int64
	Source               ChronoIdentifier
	SourceValue          []byte
	Target               ChronoIdentifier
	TargetValue          []byte

	fetcher  AncestorFetcher
	ancestor *Ancestor
}

// CommonAncestor fetches the common ancestor on first use and remembers it.
func (c *AtomicConflict) CommonAncestor() (Ancestor, error) {
	if c.ancestor != nil {
		return *c.ancestor, nil
	}
	if c.fetcher == nil {
		return Ancestor{}, errors.Errorf("conflict on %s has no ancestor fetcher", c.Source.QualifiedKey())
	}
	a, err := c.fetcher(c.TransactionTimestamp, c.Source.Branch, c.Source.QualifiedKey())
	if err != nil {
		return Ancestor{}, err
	}
	c.ancestor = &a
	return a, nil
}

func (c *AtomicConflict) String() string {
	return fmt.Sprintf("%s (tx ts %d) vs %s", c.Source, c.TransactionTimestamp, c.Target)
}

// ErrCommitConflict is returned when conflicts could not be resolved. Nothing of the commit was written and the
// transaction still holds its writes.
type ErrCommitConflict struct {
	Branch    string
	Conflicts []*AtomicConflict
	// Cause is the error the strategy returned for the first conflict.
	Cause error
}

func (e *ErrCommitConflict) Error() string {
	first := e.Conflicts[0]
	msg := fmt.Sprintf("commit on branch %s refused, %d conflicting keys, first %s", e.Branch, len(e.Conflicts), first)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Keys lists the conflicting keys.
func (e *ErrCommitConflict) Keys() []storage.QualifiedKey {
	keys := make([]storage.QualifiedKey, len(e.Conflicts))
	for i, c := range e.Conflicts {
		keys[i] = c.Source.QualifiedKey()
	}
	return keys
}
