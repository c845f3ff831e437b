package index

import (
	"bytes"
	"encoding/json"
)

// Indexer extracts the values of an indexed property from a stored value. IndexValues is only called after
// CanIndex returned true for the same value.
type Indexer interface {
	CanIndex(value []byte) bool
	IndexValues(value []byte) []interface{}
}

// IndexerFunc adapts a function to the Indexer interface, it can index every value.
type IndexerFunc func(value []byte) []interface{}

func (f IndexerFunc) CanIndex([]byte) bool {
	return true
}

func (f IndexerFunc) IndexValues(value []byte) []interface{} {
	return f(value)
}

// Index is a named secondary index. The name is the property queries refer to, it is not bound to a keyspace.
type Index struct {
	Name    string
	Type    ValueType
	Indexer Indexer
}

// JSONFieldIndexer indexes a top level field of JSON objects. An array field contributes each of its
// elements. Numbers are reported as int64 for long indexes and float64 for double indexes.
type JSONFieldIndexer struct {
	Field string
	Type  ValueType
}

func (ix JSONFieldIndexer) CanIndex(value []byte) bool {
	value = bytes.TrimSpace(value)
	return len(value) > 0 && value[0] == '{' && json.Valid(value)
}

func (ix JSONFieldIndexer) IndexValues(value []byte) []interface{} {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(value, &object); err != nil {
		return nil
	}
	raw, ok := object[ix.Field]
	if !ok {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var field interface{}
	if err := dec.Decode(&field); err != nil {
		return nil
	}
	if elements, ok := field.([]interface{}); ok {
		values := make([]interface{}, 0, len(elements))
		for _, e := range elements {
			if v := ix.convert(e); v != nil {
				values = append(values, v)
			}
		}
		return values
	}
	if v := ix.convert(field); v != nil {
		return []interface{}{v}
	}
	return nil
}

// convert maps JSON numbers onto the index type. Anything else is returned as decoded so the index manager
// can report the type mismatch.
func (ix JSONFieldIndexer) convert(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	switch ix.Type {
	case TypeLong:
		if i, err := n.Int64(); err == nil {
			return i
		}
	case TypeDouble:
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return n.String()
}
