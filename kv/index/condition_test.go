package index

import (
	"math"
	"testing"

	"github.com/chronodb/chronodb/kv/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegateIsInvolution(t *testing.T) {
	for _, c := range Conditions() {
		assert.Equal(t, c, c.Negate().Negate(), c.String())
		assert.NotEqual(t, c, c.Negate(), c.String())
		assert.Equal(t, c.AcceptsStrings(), c.Negate().AcceptsStrings(), c.String())
		assert.Equal(t, c.AcceptsNumbers(), c.Negate().AcceptsNumbers(), c.String())
	}

	spec := StringSpec("name", Contains, "Foo", CaseInsensitive)
	assert.Equal(t, NotContains, spec.Negate().Condition)
	assert.Equal(t, spec, spec.Negate().Negate())
}

func TestExactlyOneOfConditionAndNegation(t *testing.T) {
	strs := []string{"", "a", "Foo", "foo bar", "Foo Baz", "baz"}
	for _, c := range Conditions() {
		if c.AcceptsStrings() {
			for _, mode := range []MatchMode{Strict, CaseInsensitive} {
				for _, v := range strs {
					for _, s := range strs {
						a, err := c.ApplyString(v, s, mode)
						require.Nil(t, err)
						b, err := c.Negate().ApplyString(v, s, mode)
						require.Nil(t, err)
						assert.NotEqual(t, a, b, "%s %q %q", c, v, s)
					}
				}
			}
		}
		if c.AcceptsNumbers() {
			longs := []int64{math.MinInt64, -1, 0, 1, 42, math.MaxInt64}
			for _, v := range longs {
				for _, s := range longs {
					a, err := c.ApplyLong(v, s)
					require.Nil(t, err)
					b, err := c.Negate().ApplyLong(v, s)
					require.Nil(t, err)
					assert.NotEqual(t, a, b, "%s %d %d", c, v, s)
				}
			}
			doubles := []float64{math.Inf(-1), -1.5, 0, 0.1, 3.14, math.Inf(1), math.NaN()}
			for _, v := range doubles {
				for _, s := range doubles {
					for _, tol := range []float64{0, 0.5} {
						a, err := c.ApplyDouble(v, s, tol)
						require.Nil(t, err)
						b, err := c.Negate().ApplyDouble(v, s, tol)
						require.Nil(t, err)
						assert.NotEqual(t, a, b, "%s %v %v ±%v", c, v, s, tol)
					}
				}
			}
		}
	}
}

func mustApplyString(t *testing.T, c Condition, v, s string, mode MatchMode) bool {
	ok, err := c.ApplyString(v, s, mode)
	require.Nil(t, err)
	return ok
}

func TestApplyString(t *testing.T) {
	assert.True(t, mustApplyString(t, Equals, "Foo", "Foo", Strict))
	assert.False(t, mustApplyString(t, Equals, "Foo", "foo", Strict))
	assert.True(t, mustApplyString(t, Equals, "Foo", "foo", CaseInsensitive))
	assert.True(t, mustApplyString(t, Contains, "Foo Baz", "baz", CaseInsensitive))
	assert.False(t, mustApplyString(t, Contains, "Foo Baz", "baz", Strict))
	assert.True(t, mustApplyString(t, StartsWith, "Foo Baz", "Foo", Strict))
	assert.True(t, mustApplyString(t, EndsWith, "Foo Baz", "AZ", CaseInsensitive))
	assert.True(t, mustApplyString(t, NotStartsWith, "Foo Baz", "Baz", Strict))
	assert.True(t, mustApplyString(t, MatchesRegex, "Foo Baz", "^F.o\\s", Strict))
	assert.True(t, mustApplyString(t, MatchesRegex, "Foo Baz", "^foo", CaseInsensitive))
	assert.False(t, mustApplyString(t, MatchesRegex, "Foo Baz", "^foo", Strict))

	_, err := MatchesRegex.ApplyString("x", "(", Strict)
	assert.True(t, util.IsInvalidArgument(err))
	_, err = GreaterThan.ApplyString("b", "a", Strict)
	assert.True(t, util.IsInvalidArgument(err))
}

func TestApplyNumbers(t *testing.T) {
	ok, err := GreaterThanOrEqual.ApplyLong(5, 5)
	require.Nil(t, err)
	assert.True(t, ok)
	ok, err = LessThan.ApplyLong(5, 5)
	require.Nil(t, err)
	assert.False(t, ok)

	ok, err = Equals.ApplyDouble(3.14, 3.1, 0.05)
	require.Nil(t, err)
	assert.True(t, ok)
	ok, err = Equals.ApplyDouble(3.14, 3.1, 0.01)
	require.Nil(t, err)
	assert.False(t, ok)
	ok, err = NotEquals.ApplyDouble(3.14, 3.1, 0.01)
	require.Nil(t, err)
	assert.True(t, ok)

	_, err = Equals.ApplyDouble(1, 1, -0.1)
	assert.True(t, util.IsInvalidArgument(err))
	_, err = Contains.ApplyLong(1, 1)
	assert.True(t, util.IsInvalidArgument(err))
}

func TestSearchSpecification(t *testing.T) {
	assert.Nil(t, StringSpec("name", Contains, "Foo", Strict).Validate())
	assert.Nil(t, LongSpec("age", GreaterThan, 3).Validate())
	assert.Nil(t, DoubleSpec("weight", Equals, 3.1, 0.1).Validate())

	assert.True(t, util.IsInvalidArgument(DoubleSpec("weight", Equals, 3.1, -1).Validate()))
	assert.True(t, util.IsInvalidArgument(LongSpec("age", StartsWith, 3).Validate()))
	assert.True(t, util.IsInvalidArgument(StringSpec("", Equals, "x", Strict).Validate()))
	assert.True(t, util.IsInvalidArgument(StringSpec("name", MatchesRegex, "[", Strict).Validate()))
	bad := SearchSpecification{Property: "age", Condition: Equals, Type: TypeLong, Value: "3"}
	assert.True(t, util.IsInvalidArgument(bad.Validate()))

	ok, err := StringSpec("name", Equals, "Bar", Strict).MatchesAny([]interface{}{"Foo", "Bar"})
	require.Nil(t, err)
	assert.True(t, ok)
	ok, err = StringSpec("name", Equals, "Baz", Strict).MatchesAny(nil)
	require.Nil(t, err)
	assert.False(t, ok)
	_, err = LongSpec("age", Equals, 3).Matches("3")
	assert.True(t, util.IsInvalidArgument(err))

	// Specifications are usable as map keys.
	seen := map[SearchSpecification]bool{StringSpec("name", Equals, "Foo", Strict): true}
	assert.True(t, seen[StringSpec("name", Equals, "Foo", Strict)])
	assert.False(t, seen[StringSpec("name", Equals, "Foo", CaseInsensitive)])

	assert.Equal(t, `name contains "Foo" (ignoreCase)`, StringSpec("name", Contains, "Foo", CaseInsensitive).String())
	assert.Equal(t, "age >= 3", LongSpec("age", GreaterThanOrEqual, 3).String())
}

func TestParseValueType(t *testing.T) {
	for _, vt := range []ValueType{TypeString, TypeLong, TypeDouble} {
		parsed, err := ParseValueType(vt.String())
		require.Nil(t, err)
		assert.Equal(t, vt, parsed)
	}
	_, err := ParseValueType("int")
	assert.True(t, util.IsInvalidArgument(err))
}
