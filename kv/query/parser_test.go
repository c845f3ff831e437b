package query

import (
	"testing"

	"github.com/chronodb/chronodb/kv/index"
	"github.com/chronodb/chronodb/kv/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func where(property string, value int64) Token {
	return Token{Type: TokenWhere, Spec: index.LongSpec(property, index.Equals, value)}
}

var (
	and   = Token{Type: TokenAnd}
	or    = Token{Type: TokenOr}
	not   = Token{Type: TokenNot}
	begin = Token{Type: TokenBegin}
	end   = Token{Type: TokenEnd}
	eoi   = Token{Type: TokenEndOfInput}
	ks    = Token{Type: TokenKeyspace, Keyspace: "ks"}
)

func mustParse(t *testing.T, tokens ...Token) *Query {
	q, err := Parse(tokens)
	require.Nil(t, err)
	return q
}

func TestPrecedence(t *testing.T) {
	cases := []struct {
		tokens   []Token
		expected string
	}{
		{[]Token{ks, where("a", 1), eoi}, "a == 1"},
		{[]Token{ks, where("a", 1), or, where("b", 2), and, where("c", 3), eoi}, "(a == 1 OR (b == 2 AND c == 3))"},
		{[]Token{ks, where("a", 1), and, where("b", 2), or, where("c", 3), eoi}, "((a == 1 AND b == 2) OR c == 3)"},
		{[]Token{ks, not, where("a", 1), and, where("b", 2), eoi}, "(NOT a == 1 AND b == 2)"},
		{[]Token{ks, not, begin, where("a", 1), and, where("b", 2), end, eoi}, "NOT (a == 1 AND b == 2)"},
		{[]Token{ks, begin, where("a", 1), or, where("b", 2), end, and, where("c", 3), eoi}, "((a == 1 OR b == 2) AND c == 3)"},
		{[]Token{ks, not, not, where("a", 1), eoi}, "NOT NOT a == 1"},
		{[]Token{ks, where("a", 1), and, where("b", 2), and, where("c", 3), eoi}, "((a == 1 AND b == 2) AND c == 3)"},
		{[]Token{ks, begin, begin, where("a", 1), end, end, eoi}, "a == 1"},
	}
	for _, c := range cases {
		q := mustParse(t, c.tokens...)
		assert.Equal(t, "ks", q.Keyspace)
		assert.Equal(t, c.expected, q.Root.String())
	}
}

func TestSyntaxErrors(t *testing.T) {
	cases := [][]Token{
		{where("a", 1), eoi},
		{ks, eoi},
		{ks, where("a", 1)},
		{ks, where("a", 1), and, eoi},
		{ks, or, where("a", 1), eoi},
		{ks, not, eoi},
		{ks, begin, where("a", 1), eoi},
		{ks, where("a", 1), end, eoi},
		{ks, begin, end, eoi},
		{ks, where("a", 1), where("b", 2), eoi},
		{ks, ks, where("a", 1), eoi},
		{{Type: TokenKeyspace}, where("a", 1), eoi},
		{},
	}
	for _, tokens := range cases {
		_, err := Parse(tokens)
		require.NotNil(t, err, "%v", tokens)
		_, ok := err.(*ErrQuerySyntax)
		assert.True(t, ok, "%v: %v", tokens, err)
	}

	// Invalid conditions are rejected before anything is evaluated.
	bad := Token{Type: TokenWhere, Spec: index.DoubleSpec("w", index.Equals, 1, -1)}
	_, err := Parse([]Token{ks, bad, eoi})
	assert.True(t, util.IsInvalidArgument(err))
}

func TestBuilder(t *testing.T) {
	b := NewBuilder().InKeyspace("people").
		Where("name").Contains("Foo").And().Not().Where("name").IgnoreCase().Contains("bar")
	tokens := b.Tokens()
	require.Len(t, tokens, 6)
	assert.Equal(t, TokenEndOfInput, tokens[5].Type)
	// Tokens does not change the builder.
	assert.Len(t, b.Tokens(), 6)

	q, err := b.Build()
	require.Nil(t, err)
	assert.Equal(t, `people: (name contains "Foo" AND NOT name contains "bar" (ignoreCase))`, q.String())

	q, err = NewBuilder().InKeyspace("people").
		Begin().Where("age").IsGreaterThan(30).Or().Where("weight").Double(index.LessThan, 80.5, 0).End().
		And().Where("name").StartsWith("F").Build()
	require.Nil(t, err)
	assert.Equal(t, `((age > 30 OR weight < 80.5) AND name startsWith "F")`, q.Root.String())

	_, err = NewBuilder().Where("name").IsEqualTo("x").Build()
	assert.IsType(t, &ErrQuerySyntax{}, err)
	_, err = NewBuilder().InKeyspace("").Where("name").IsEqualTo("x").Build()
	assert.IsType(t, &ErrQuerySyntax{}, err)
	_, err = ParseText("", `name == "x"`)
	assert.IsType(t, &ErrQuerySyntax{}, err)
}

func TestParseText(t *testing.T) {
	q, err := ParseText("people", `name contains "Foo" and not (name contains "bar" ignoreCase or age >= 30)`)
	require.Nil(t, err)
	assert.Equal(t, `(name contains "Foo" AND NOT (name contains "bar" (ignoreCase) OR age >= 30))`, q.Root.String())

	q, err = ParseText("people", `weight == 1.5 OR name !startsWith "a \"quoted\" b"`)
	require.Nil(t, err)
	or, ok := q.Root.(*BinaryElement)
	require.True(t, ok)
	assert.Equal(t, OpOr, or.Op)
	assert.Equal(t, index.DoubleSpec("weight", index.Equals, 1.5, 0), or.Left.(*WhereElement).Spec)
	assert.Equal(t, index.StringSpec("name", index.NotStartsWith, `a "quoted" b`, index.Strict), or.Right.(*WhereElement).Spec)

	for _, text := range []string{
		`name ~ "x"`,
		`name contains`,
		`name contains "open`,
		`name contains bare`,
		`(name == "x"`,
		`name == "x" and`,
		``,
	} {
		_, err := ParseText("people", text)
		assert.IsType(t, &ErrQuerySyntax{}, err, text)
	}
}
