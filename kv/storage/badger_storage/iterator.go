package badger_storage

import (
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/util/engine_util"
	"github.com/chronodb/chronodb/log"
	"github.com/dgraph-io/badger/v4"
)

// scanIterator walks one keyspace of a branch key by key. For every key it seeks to the newest version at or
// before ts, then jumps past the remaining versions. It owns a read transaction until closed.
type scanIterator struct {
	txn    *badger.Txn
	iter   *engine_util.BadgerIterator
	branch string
	prefix []byte
	ts     int64

	cur    storage.Item
	valid  bool
	closed bool
}

func newScanIterator(txn *badger.Txn, branch, keyspace string, ts int64) *scanIterator {
	it := &scanIterator{
		txn:    txn,
		iter:   engine_util.NewCFIterator(engine_util.CfTimeline, txn),
		branch: branch,
		prefix: keyspacePrefix(branch, keyspace),
		ts:     ts,
	}
	it.iter.Seek(it.prefix)
	it.advance()
	return it
}

func (it *scanIterator) advance() {
	it.valid = false
	for it.iter.ValidForPrefix(it.prefix) {
		_, key, _, err := decodeTimelineKey(it.iter.Item().Key())
		if err != nil {
			log.Errorf("scan of branch %s stopped: %v", it.branch, err)
			return
		}
		it.iter.Seek(timelineKey(it.branch, key, it.ts))
		found := false
		if it.iter.ValidForPrefix(keyPrefix(it.branch, key)) {
			entry, err := readEntry(it.iter.Item())
			if err != nil {
				log.Errorf("scan of branch %s stopped: %v", it.branch, err)
				return
			}
			it.cur = storage.Item{Key: key.Key, Entry: entry}
			found = true
		}
		it.iter.Seek(afterTimelineKey(it.branch, key))
		if found {
			it.valid = true
			return
		}
	}
}

func (it *scanIterator) Item() storage.Item {
	return it.cur
}

func (it *scanIterator) Valid() bool {
	return !it.closed && it.valid
}

func (it *scanIterator) Next() {
	if it.Valid() {
		it.advance()
	}
}

func (it *scanIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.valid = false
	it.iter.Close()
	it.txn.Discard()
}
