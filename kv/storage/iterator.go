package storage

// Item is the element an Iterator is positioned on.
type Item struct {
	Key   string
	Entry Entry
}

// Iterator is a single-pass, closeable sequence. Once exhausted or closed, Valid reports false; Close is
// idempotent and must be called on every path, typically with defer.
type Iterator interface {
	// Item returns the current element. Only call it while Valid is true.
	Item() Item
	// Valid returns false when iteration is done.
	Valid() bool
	// Next advances the iterator by one. Always check Valid after a Next.
	Next()
	Close()
}

// NewSliceIterator iterates a materialised list of items. onClose, if not nil, runs once on Close.
func NewSliceIterator(items []Item, onClose func()) Iterator {
	return &sliceIterator{items: items, onClose: onClose}
}

type sliceIterator struct {
	items   []Item
	pos     int
	closed  bool
	onClose func()
}

func (it *sliceIterator) Item() Item {
	return it.items[it.pos]
}

func (it *sliceIterator) Valid() bool {
	return !it.closed && it.pos < len(it.items)
}

func (it *sliceIterator) Next() {
	if it.Valid() {
		it.pos++
	}
}

func (it *sliceIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.items = nil
	if it.onClose != nil {
		it.onClose()
	}
}
