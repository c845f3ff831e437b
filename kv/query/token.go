package query

import (
	"fmt"

	"github.com/chronodb/chronodb/kv/index"
)

type TokenType int

const (
	TokenKeyspace TokenType = iota
	TokenWhere
	TokenAnd
	TokenOr
	TokenNot
	TokenBegin
	TokenEnd
	TokenEndOfInput
)

// Token is one element of a query token stream. Keyspace is only set on TokenKeyspace, Spec only on
// TokenWhere.
type Token struct {
	Type     TokenType
	Keyspace string
	Spec     index.SearchSpecification
}

func (t Token) String() string {
	switch t.Type {
	case TokenKeyspace:
		return fmt.Sprintf("Keyspace(%s)", t.Keyspace)
	case TokenWhere:
		return fmt.Sprintf("Where(%s)", t.Spec)
	case TokenAnd:
		return "And"
	case TokenOr:
		return "Or"
	case TokenNot:
		return "Not"
	case TokenBegin:
		return "Begin"
	case TokenEnd:
		return "End"
	case TokenEndOfInput:
		return "EndOfInput"
	}
	return fmt.Sprintf("Unknown(%d)", int(t.Type))
}
