package query

import (
	"fmt"

	"github.com/chronodb/chronodb/kv/index"
)

// Element is a node of a parsed query.
type Element interface {
	fmt.Stringer
	isElement()
}

type WhereElement struct {
	Spec index.SearchSpecification
}

type NotElement struct {
	Child Element
}

type BinaryOperator int

const (
	OpAnd BinaryOperator = iota
	OpOr
)

func (op BinaryOperator) String() string {
	if op == OpAnd {
		return "AND"
	}
	return "OR"
}

type BinaryElement struct {
	Op          BinaryOperator
	Left, Right Element
}

func (*WhereElement) isElement()  {}
func (*NotElement) isElement()    {}
func (*BinaryElement) isElement() {}

func (e *WhereElement) String() string {
	return e.Spec.String()
}

func (e *NotElement) String() string {
	return fmt.Sprintf("NOT %s", e.Child)
}

func (e *BinaryElement) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Left, e.Op, e.Right)
}

// Query is a parsed query over one keyspace.
type Query struct {
	Keyspace string
	Root     Element
}

func (q *Query) String() string {
	return fmt.Sprintf("%s: %s", q.Keyspace, q.Root)
}
