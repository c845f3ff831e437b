package storage

// Modify is a single change to the timeline, either a Put or a Delete.
type Modify struct {
	Data interface{}
}

type Put struct {
	Keyspace string
	Key      string
	Value    []byte
}

type Delete struct {
	Keyspace string
	Key      string
}

func (m *Modify) Key() QualifiedKey {
	switch data := m.Data.(type) {
	case Put:
		return QualifiedKey{Keyspace: data.Keyspace, Key: data.Key}
	case Delete:
		return QualifiedKey{Keyspace: data.Keyspace, Key: data.Key}
	}
	return QualifiedKey{}
}

// Value returns the written value, nil for a Delete.
func (m *Modify) Value() []byte {
	if put, ok := m.Data.(Put); ok {
		return put.Value
	}
	return nil
}

func (m *Modify) IsDelete() bool {
	_, ok := m.Data.(Delete)
	return ok
}

// Entry converts the modification into the timeline entry it produces at ts.
func (m *Modify) Entry(ts int64) Entry {
	if put, ok := m.Data.(Put); ok {
		return Entry{Timestamp: ts, Value: put.Value}
	}
	return Entry{Timestamp: ts, Tombstone: true}
}

func NewPut(key QualifiedKey, value []byte) Modify {
	if value == nil {
		value = []byte{}
	}
	return Modify{Data: Put{Keyspace: key.Keyspace, Key: key.Key, Value: value}}
}

func NewDelete(key QualifiedKey) Modify {
	return Modify{Data: Delete{Keyspace: key.Keyspace, Key: key.Key}}
}
