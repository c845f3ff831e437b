package engine_util

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/pingcap/errors"
)

type batchEntry struct {
	key    []byte
	value  []byte
	delete bool
}

// WriteBatch collects writes that are applied to the DB in one transaction. Empty values are legal, deletes are
// flagged explicitly.
type WriteBatch struct {
	entries []batchEntry
	size    int
}

const (
	// Versioned entries of every branch.
	CfTimeline string = "timeline"
	// Latest commit timestamp per branch.
	CfNow string = "now"
	// Branch metadata.
	CfBranch string = "branch"
	// Commit log with metadata.
	CfCommit string = "commit"
	// First commit timestamp of every keyspace per branch.
	CfKeyspace string = "keyspace"
)

var CFs [5]string = [5]string{CfTimeline, CfNow, CfBranch, CfCommit, CfKeyspace}

func (wb *WriteBatch) Len() int {
	return len(wb.entries)
}

// Size is the total number of key and value bytes in the batch.
func (wb *WriteBatch) Size() int {
	return wb.size
}

func (wb *WriteBatch) SetCF(cf string, key, val []byte) {
	wb.entries = append(wb.entries, batchEntry{
		key:   KeyWithCF(cf, key),
		value: val,
	})
	wb.size += len(key) + len(val)
}

func (wb *WriteBatch) DeleteCF(cf string, key []byte) {
	wb.entries = append(wb.entries, batchEntry{
		key:    KeyWithCF(cf, key),
		delete: true,
	})
	wb.size += len(key)
}

func (wb *WriteBatch) WriteToDB(db *badger.DB) error {
	if len(wb.entries) > 0 {
		err := db.Update(func(txn *badger.Txn) error {
			for _, entry := range wb.entries {
				var err1 error
				if entry.delete {
					err1 = txn.Delete(entry.key)
				} else {
					err1 = txn.Set(entry.key, entry.value)
				}
				if err1 != nil {
					return err1
				}
			}
			return nil
		})
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
