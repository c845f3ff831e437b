package index

import (
	"fmt"
	"math"

	"github.com/chronodb/chronodb/kv/util"
)

// ValueType is the type of the values an index holds.
type ValueType int

const (
	TypeString ValueType = iota
	TypeLong
	TypeDouble
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeLong:
		return "long"
	case TypeDouble:
		return "double"
	}
	util.UnknownEnumLiteral("ValueType", int(t))
	return ""
}

// ParseValueType is the inverse of ValueType.String.
func ParseValueType(s string) (ValueType, error) {
	switch s {
	case "string":
		return TypeString, nil
	case "long":
		return TypeLong, nil
	case "double":
		return TypeDouble, nil
	}
	return 0, util.InvalidArgument("unknown index value type %q", s)
}

// SearchSpecification is a single predicate on an indexed property. It is comparable and used as part of the
// query cache key. Value holds a string, an int64 or a float64 according to Type.
type SearchSpecification struct {
	Property  string
	Condition Condition
	Type      ValueType
	Value     interface{}
	// Only used for strings.
	MatchMode MatchMode
	// Only used for doubles.
	Tolerance float64
}

func StringSpec(property string, condition Condition, value string, mode MatchMode) SearchSpecification {
	return SearchSpecification{Property: property, Condition: condition, Type: TypeString, Value: value, MatchMode: mode}
}

func LongSpec(property string, condition Condition, value int64) SearchSpecification {
	return SearchSpecification{Property: property, Condition: condition, Type: TypeLong, Value: value}
}

func DoubleSpec(property string, condition Condition, value, tolerance float64) SearchSpecification {
	return SearchSpecification{Property: property, Condition: condition, Type: TypeDouble, Value: value, Tolerance: tolerance}
}

// Validate checks that the condition applies to the value type and the value has the declared type.
func (s SearchSpecification) Validate() error {
	if s.Property == "" {
		return util.InvalidArgument("search specification without property")
	}
	if !s.Condition.valid() {
		return util.InvalidArgument("unknown condition %d", int(s.Condition))
	}
	switch s.Type {
	case TypeString:
		if _, ok := s.Value.(string); !ok {
			return util.InvalidArgument("property %s: expected a string search value, got %T", s.Property, s.Value)
		}
		if !s.Condition.AcceptsStrings() {
			return util.InvalidArgument("condition %s does not apply to strings", s.Condition)
		}
		if s.Condition == MatchesRegex || s.Condition == NotMatchesRegex {
			pattern := s.Value.(string)
			if s.MatchMode == CaseInsensitive {
				pattern = "(?i)" + pattern
			}
			if _, err := compileRegex(pattern); err != nil {
				return err
			}
		}
	case TypeLong:
		if _, ok := s.Value.(int64); !ok {
			return util.InvalidArgument("property %s: expected a long search value, got %T", s.Property, s.Value)
		}
		if !s.Condition.AcceptsNumbers() {
			return util.InvalidArgument("condition %s does not apply to numbers", s.Condition)
		}
	case TypeDouble:
		if _, ok := s.Value.(float64); !ok {
			return util.InvalidArgument("property %s: expected a double search value, got %T", s.Property, s.Value)
		}
		if !s.Condition.AcceptsNumbers() {
			return util.InvalidArgument("condition %s does not apply to numbers", s.Condition)
		}
		if s.Tolerance < 0 || math.IsNaN(s.Tolerance) {
			return util.InvalidArgument("equality tolerance must not be negative, got %v", s.Tolerance)
		}
	default:
		return util.InvalidArgument("unknown value type %d", int(s.Type))
	}
	return nil
}

// Negate keeps property and value and negates the condition.
func (s SearchSpecification) Negate() SearchSpecification {
	s.Condition = s.Condition.Negate()
	return s
}

// Matches applies the specification to a single index value, which must have the type of the specification.
func (s SearchSpecification) Matches(value interface{}) (bool, error) {
	switch s.Type {
	case TypeString:
		v, ok := value.(string)
		search, ok2 := s.Value.(string)
		if !ok || !ok2 {
			return false, util.InvalidArgument("property %s: cannot compare %T with %T", s.Property, value, s.Value)
		}
		return s.Condition.ApplyString(v, search, s.MatchMode)
	case TypeLong:
		v, ok := value.(int64)
		search, ok2 := s.Value.(int64)
		if !ok || !ok2 {
			return false, util.InvalidArgument("property %s: cannot compare %T with %T", s.Property, value, s.Value)
		}
		return s.Condition.ApplyLong(v, search)
	case TypeDouble:
		v, ok := value.(float64)
		search, ok2 := s.Value.(float64)
		if !ok || !ok2 {
			return false, util.InvalidArgument("property %s: cannot compare %T with %T", s.Property, value, s.Value)
		}
		return s.Condition.ApplyDouble(v, search, s.Tolerance)
	}
	util.UnknownEnumLiteral("ValueType", int(s.Type))
	return false, nil
}

// MatchesAny reports whether at least one of values matches.
func (s SearchSpecification) MatchesAny(values []interface{}) (bool, error) {
	for _, v := range values {
		ok, err := s.Matches(v)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s SearchSpecification) String() string {
	switch s.Type {
	case TypeString:
		if s.MatchMode == CaseInsensitive {
			return fmt.Sprintf("%s %s %q (ignoreCase)", s.Property, s.Condition, s.Value)
		}
		return fmt.Sprintf("%s %s %q", s.Property, s.Condition, s.Value)
	case TypeDouble:
		if s.Tolerance != 0 {
			return fmt.Sprintf("%s %s %v (±%v)", s.Property, s.Condition, s.Value, s.Tolerance)
		}
	}
	return fmt.Sprintf("%s %s %v", s.Property, s.Condition, s.Value)
}
