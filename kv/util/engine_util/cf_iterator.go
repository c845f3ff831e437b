package engine_util

import (
	"github.com/dgraph-io/badger/v4"
)

type DBItem interface {
	// Key returns the key. It is only valid until the iterator moves.
	Key() []byte
	// KeyCopy returns a copy of the key of the item, writing it to dst slice.
	// If nil is passed, or capacity of dst isn't sufficient, a new slice would be allocated and
	// returned.
	KeyCopy(dst []byte) []byte
	// Value retrieves a copy of the value of the item.
	Value() ([]byte, error)
}

type CFItem struct {
	item      *badger.Item
	prefixLen int
}

func (i *CFItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}

func (i *CFItem) KeyCopy(dst []byte) []byte {
	return i.item.KeyCopy(dst)[i.prefixLen:]
}

func (i *CFItem) Value() ([]byte, error) {
	return i.item.ValueCopy(nil)
}

type BadgerIterator struct {
	iter    *badger.Iterator
	prefix  string
	reverse bool
}

func NewCFIterator(cf string, txn *badger.Txn) *BadgerIterator {
	return newCFIterator(cf, txn, false)
}

// NewReverseCFIterator iterates cf from the greatest key down.
func NewReverseCFIterator(cf string, txn *badger.Txn) *BadgerIterator {
	return newCFIterator(cf, txn, true)
}

func newCFIterator(cf string, txn *badger.Txn, reverse bool) *BadgerIterator {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	opts.Prefix = []byte(cf + "_")
	return &BadgerIterator{
		iter:    txn.NewIterator(opts),
		prefix:  cf + "_",
		reverse: reverse,
	}
}

func (it *BadgerIterator) Item() DBItem {
	return &CFItem{
		item:      it.iter.Item(),
		prefixLen: len(it.prefix),
	}
}

func (it *BadgerIterator) Valid() bool { return it.iter.ValidForPrefix([]byte(it.prefix)) }

func (it *BadgerIterator) ValidForPrefix(prefix []byte) bool {
	return it.iter.ValidForPrefix(append([]byte(it.prefix), prefix...))
}

func (it *BadgerIterator) Close() {
	it.iter.Close()
}

func (it *BadgerIterator) Next() {
	it.iter.Next()
}

func (it *BadgerIterator) Seek(key []byte) {
	it.iter.Seek(append([]byte(it.prefix), key...))
}

// Rewind moves to the first key of the column family, the last one for reverse iterators.
func (it *BadgerIterator) Rewind() {
	if it.reverse {
		it.iter.Seek(append([]byte(it.prefix), 0xff))
		return
	}
	it.iter.Seek([]byte(it.prefix))
}
