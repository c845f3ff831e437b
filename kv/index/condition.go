package index

import (
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/chronodb/chronodb/kv/util"
)

// Condition is a comparison between an indexed value and a search value. The set of conditions is closed;
// every condition has a negation such that exactly one of the two holds for any input.
type Condition int

const (
	Equals Condition = iota
	NotEquals
	GreaterThan
	GreaterThanOrEqual
	LessThan
	LessThanOrEqual
	Contains
	NotContains
	StartsWith
	NotStartsWith
	EndsWith
	NotEndsWith
	MatchesRegex
	NotMatchesRegex
)

var conditionNames = [...]string{
	Equals:             "==",
	NotEquals:          "!=",
	GreaterThan:        ">",
	GreaterThanOrEqual: ">=",
	LessThan:           "<",
	LessThanOrEqual:    "<=",
	Contains:           "contains",
	NotContains:        "!contains",
	StartsWith:         "startsWith",
	NotStartsWith:      "!startsWith",
	EndsWith:           "endsWith",
	NotEndsWith:        "!endsWith",
	MatchesRegex:       "matches",
	NotMatchesRegex:    "!matches",
}

// Conditions lists every condition.
func Conditions() []Condition {
	conditions := make([]Condition, 0, len(conditionNames))
	for c := range conditionNames {
		conditions = append(conditions, Condition(c))
	}
	return conditions
}

func (c Condition) valid() bool {
	return c >= Equals && c <= NotMatchesRegex
}

func (c Condition) String() string {
	if !c.valid() {
		util.UnknownEnumLiteral("Condition", int(c))
	}
	return conditionNames[c]
}

// Negate returns the complement of c. Negate(Negate(c)) == c.
func (c Condition) Negate() Condition {
	switch c {
	case Equals:
		return NotEquals
	case NotEquals:
		return Equals
	case GreaterThan:
		return LessThanOrEqual
	case LessThanOrEqual:
		return GreaterThan
	case GreaterThanOrEqual:
		return LessThan
	case LessThan:
		return GreaterThanOrEqual
	case Contains:
		return NotContains
	case NotContains:
		return Contains
	case StartsWith:
		return NotStartsWith
	case NotStartsWith:
		return StartsWith
	case EndsWith:
		return NotEndsWith
	case NotEndsWith:
		return EndsWith
	case MatchesRegex:
		return NotMatchesRegex
	case NotMatchesRegex:
		return MatchesRegex
	}
	util.UnknownEnumLiteral("Condition", int(c))
	return c
}

// isNegative conditions are evaluated as the complement of their negation.
func (c Condition) isNegative() bool {
	switch c {
	case NotEquals, LessThanOrEqual, LessThan, NotContains, NotStartsWith, NotEndsWith, NotMatchesRegex:
		return true
	}
	return false
}

func (c Condition) AcceptsStrings() bool {
	switch c {
	case GreaterThan, GreaterThanOrEqual, LessThan, LessThanOrEqual:
		return false
	}
	return c.valid()
}

func (c Condition) AcceptsNumbers() bool {
	switch c {
	case Equals, NotEquals, GreaterThan, GreaterThanOrEqual, LessThan, LessThanOrEqual:
		return true
	}
	return false
}

// MatchMode controls how strings are compared.
type MatchMode int

const (
	Strict MatchMode = iota
	CaseInsensitive
)

func (m MatchMode) String() string {
	switch m {
	case Strict:
		return "strict"
	case CaseInsensitive:
		return "ignoreCase"
	}
	util.UnknownEnumLiteral("MatchMode", int(m))
	return ""
}

var regexCache sync.Map

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, util.InvalidArgument("invalid regular expression %q: %v", pattern, err)
	}
	regexCache.Store(pattern, re)
	return re, nil
}

func (c Condition) ApplyString(value, search string, mode MatchMode) (bool, error) {
	if !c.AcceptsStrings() {
		return false, util.InvalidArgument("condition %s does not apply to strings", c)
	}
	if c.isNegative() {
		ok, err := c.Negate().ApplyString(value, search, mode)
		return !ok && err == nil, err
	}
	if c == MatchesRegex {
		pattern := search
		if mode == CaseInsensitive {
			pattern = "(?i)" + pattern
		}
		re, err := compileRegex(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(value), nil
	}
	if mode == CaseInsensitive {
		value, search = strings.ToLower(value), strings.ToLower(search)
	}
	switch c {
	case Equals:
		return value == search, nil
	case Contains:
		return strings.Contains(value, search), nil
	case StartsWith:
		return strings.HasPrefix(value, search), nil
	case EndsWith:
		return strings.HasSuffix(value, search), nil
	}
	util.UnknownEnumLiteral("Condition", int(c))
	return false, nil
}

func (c Condition) ApplyLong(value, search int64) (bool, error) {
	if !c.AcceptsNumbers() {
		return false, util.InvalidArgument("condition %s does not apply to numbers", c)
	}
	switch c {
	case Equals:
		return value == search, nil
	case NotEquals:
		return value != search, nil
	case GreaterThan:
		return value > search, nil
	case GreaterThanOrEqual:
		return value >= search, nil
	case LessThan:
		return value < search, nil
	case LessThanOrEqual:
		return value <= search, nil
	}
	util.UnknownEnumLiteral("Condition", int(c))
	return false, nil
}

// ApplyDouble compares with a tolerance band for (in)equality: Equals holds iff |value-search| <= tolerance.
// Ordering conditions ignore the tolerance.
func (c Condition) ApplyDouble(value, search, tolerance float64) (bool, error) {
	if !c.AcceptsNumbers() {
		return false, util.InvalidArgument("condition %s does not apply to numbers", c)
	}
	if tolerance < 0 || math.IsNaN(tolerance) {
		return false, util.InvalidArgument("equality tolerance must not be negative, got %v", tolerance)
	}
	if c.isNegative() {
		ok, err := c.Negate().ApplyDouble(value, search, tolerance)
		return !ok && err == nil, err
	}
	switch c {
	case Equals:
		return math.Abs(value-search) <= tolerance, nil
	case GreaterThan:
		return value > search, nil
	case GreaterThanOrEqual:
		return value >= search, nil
	}
	util.UnknownEnumLiteral("Condition", int(c))
	return false, nil
}
