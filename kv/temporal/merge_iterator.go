package temporal

import (
	"github.com/chronodb/chronodb/kv/storage"
)

// mergeIterator merges key ordered layers, the first layer having a key wins. Tombstones are consumed, not
// yielded.
type mergeIterator struct {
	layers []storage.Iterator
	cur    storage.Item
	valid  bool
	closed bool
}

func newMergeIterator(layers []storage.Iterator) *mergeIterator {
	it := &mergeIterator{layers: layers}
	it.advance()
	return it
}

func (it *mergeIterator) advance() {
	for {
		winner := -1
		for i, l := range it.layers {
			if !l.Valid() {
				continue
			}
			if winner < 0 || l.Item().Key < it.layers[winner].Item().Key {
				winner = i
			}
		}
		if winner < 0 {
			it.valid = false
			return
		}
		item := it.layers[winner].Item()
		for _, l := range it.layers {
			if l.Valid() && l.Item().Key == item.Key {
				l.Next()
			}
		}
		if !item.Entry.Tombstone {
			it.cur = item
			it.valid = true
			return
		}
	}
}

func (it *mergeIterator) Item() storage.Item {
	return it.cur
}

func (it *mergeIterator) Valid() bool {
	return !it.closed && it.valid
}

func (it *mergeIterator) Next() {
	if it.Valid() {
		it.advance()
	}
}

func (it *mergeIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.valid = false
	for _, l := range it.layers {
		l.Close()
	}
}
