package query

import (
	"github.com/chronodb/chronodb/kv/index"
)

// Builder assembles the token stream of a query:
//
//	NewBuilder().InKeyspace("people").
//		Where("name").Contains("Foo").And().Not().Where("name").Contains("Bar").
//		Build()
type Builder struct {
	tokens []Token
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) InKeyspace(keyspace string) *Builder {
	b.tokens = append(b.tokens, Token{Type: TokenKeyspace, Keyspace: keyspace})
	return b
}

// Where starts a condition on property.
func (b *Builder) Where(property string) *Clause {
	return &Clause{b: b, property: property}
}

// WhereSpec adds a prepared condition.
func (b *Builder) WhereSpec(spec index.SearchSpecification) *Builder {
	b.tokens = append(b.tokens, Token{Type: TokenWhere, Spec: spec})
	return b
}

func (b *Builder) And() *Builder {
	b.tokens = append(b.tokens, Token{Type: TokenAnd})
	return b
}

func (b *Builder) Or() *Builder {
	b.tokens = append(b.tokens, Token{Type: TokenOr})
	return b
}

func (b *Builder) Not() *Builder {
	b.tokens = append(b.tokens, Token{Type: TokenNot})
	return b
}

// Begin opens a group, it must be closed by End.
func (b *Builder) Begin() *Builder {
	b.tokens = append(b.tokens, Token{Type: TokenBegin})
	return b
}

func (b *Builder) End() *Builder {
	b.tokens = append(b.tokens, Token{Type: TokenEnd})
	return b
}

// Tokens returns the stream built so far, terminated by TokenEndOfInput.
func (b *Builder) Tokens() []Token {
	tokens := make([]Token, len(b.tokens), len(b.tokens)+1)
	copy(tokens, b.tokens)
	return append(tokens, Token{Type: TokenEndOfInput})
}

func (b *Builder) Build() (*Query, error) {
	return Parse(b.Tokens())
}

// Clause is a condition on one property waiting for its comparison.
type Clause struct {
	b        *Builder
	property string
	mode     index.MatchMode
}

// IgnoreCase makes the following string comparison case insensitive.
func (c *Clause) IgnoreCase() *Clause {
	c.mode = index.CaseInsensitive
	return c
}

func (c *Clause) str(condition index.Condition, value string) *Builder {
	return c.b.WhereSpec(index.StringSpec(c.property, condition, value, c.mode))
}

func (c *Clause) IsEqualTo(value string) *Builder { return c.str(index.Equals, value) }
func (c *Clause) IsNotEqualTo(value string) *Builder { return c.str(index.NotEquals, value) }
func (c *Clause) Contains(value string) *Builder { return c.str(index.Contains, value) }
func (c *Clause) NotContains(value string) *Builder { return c.str(index.NotContains, value) }
func (c *Clause) StartsWith(value string) *Builder { return c.str(index.StartsWith, value) }
func (c *Clause) NotStartsWith(value string) *Builder { return c.str(index.NotStartsWith, value) }
func (c *Clause) EndsWith(value string) *Builder { return c.str(index.EndsWith, value) }
func (c *Clause) NotEndsWith(value string) *Builder { return c.str(index.NotEndsWith, value) }
func (c *Clause) Matches(regex string) *Builder { return c.str(index.MatchesRegex, regex) }
func (c *Clause) NotMatches(regex string) *Builder { return c.str(index.NotMatchesRegex, regex) }

func (c *Clause) long(condition index.Condition, value int64) *Builder {
	return c.b.WhereSpec(index.LongSpec(c.property, condition, value))
}

func (c *Clause) IsEqualToLong(value int64) *Builder { return c.long(index.Equals, value) }
func (c *Clause) IsNotEqualToLong(value int64) *Builder { return c.long(index.NotEquals, value) }
func (c *Clause) IsGreaterThan(value int64) *Builder { return c.long(index.GreaterThan, value) }
func (c *Clause) IsGreaterThanOrEqualTo(value int64) *Builder { return c.long(index.GreaterThanOrEqual, value) }
func (c *Clause) IsLessThan(value int64) *Builder { return c.long(index.LessThan, value) }
func (c *Clause) IsLessThanOrEqualTo(value int64) *Builder { return c.long(index.LessThanOrEqual, value) }

// Double compares a double property, tolerance is the band used for (in)equality.
func (c *Clause) Double(condition index.Condition, value, tolerance float64) *Builder {
	return c.b.WhereSpec(index.DoubleSpec(c.property, condition, value, tolerance))
}
