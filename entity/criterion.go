package entity

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Operator is a comparison applied by a Criterion.
type Operator string

const (
	OpEqual          Operator = "="
	OpNotEqual       Operator = "!="
	OpLessThan       Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpGreaterThan    Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpIn             Operator = "in"
	OpNotIn          Operator = "not in"
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Criterion is a single predicate over an entity field. Stores AND all
// criteria passed to a query.
type Criterion struct {
	Field    string
	Operator Operator
	Value    any
}

func Equal(field string, value any) Criterion {
	return Criterion{Field: field, Operator: OpEqual, Value: value}
}

func NotEqual(field string, value any) Criterion {
	return Criterion{Field: field, Operator: OpNotEqual, Value: value}
}

func LessThan(field string, value any) Criterion {
	return Criterion{Field: field, Operator: OpLessThan, Value: value}
}

func LessOrEqual(field string, value any) Criterion {
	return Criterion{Field: field, Operator: OpLessOrEqual, Value: value}
}

func GreaterThan(field string, value any) Criterion {
	return Criterion{Field: field, Operator: OpGreaterThan, Value: value}
}

func GreaterOrEqual(field string, value any) Criterion {
	return Criterion{Field: field, Operator: OpGreaterOrEqual, Value: value}
}

func In(field string, values ...any) Criterion {
	return Criterion{Field: field, Operator: OpIn, Value: values}
}

func NotIn(field string, values ...any) Criterion {
	return Criterion{Field: field, Operator: OpNotIn, Value: values}
}

// HasState matches entities in any of the given states.
func HasState(states ...int) Criterion {
	if len(states) == 1 {
		return Equal(FieldState, states[0])
	}
	values := make([]any, 0, len(states))
	for _, s := range states {
		values = append(values, s)
	}
	return In(FieldState, values...)
}

func (c Criterion) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// Validate checks the field name and operator. Stores call it before
// translating a criterion into a query.
func (c Criterion) Validate() error {
	if !fieldPattern.MatchString(c.Field) {
		return InvalidCriterion(c, "field name must match "+fieldPattern.String())
	}
	switch c.Operator {
	case OpEqual, OpNotEqual, OpLessThan, OpLessOrEqual, OpGreaterThan, OpGreaterOrEqual:
		if isList(c.Value) {
			return InvalidCriterion(c, "scalar operator used with a list value")
		}
	case OpIn, OpNotIn:
		if !isList(c.Value) {
			return InvalidCriterion(c, "list operator requires a list value")
		}
	default:
		return InvalidCriterion(c, "unknown operator")
	}
	return nil
}

// ValidateAll validates every criterion and returns the first failure.
func ValidateAll(criteria []Criterion) error {
	for _, c := range criteria {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Values returns the list operand of an in / not in criterion.
func (c Criterion) Values() []any {
	return listValues(c.Value)
}

// Matches evaluates the criterion against a decoded JSON document. Dotted
// field names walk nested objects.
func (c Criterion) Matches(doc map[string]any) bool {
	actual, ok := Lookup(doc, c.Field)
	switch c.Operator {
	case OpIn:
		if !ok {
			return false
		}
		for _, v := range c.Values() {
			if compare(actual, v) == 0 {
				return true
			}
		}
		return false
	case OpNotIn:
		if !ok {
			return true
		}
		for _, v := range c.Values() {
			if compare(actual, v) == 0 {
				return false
			}
		}
		return true
	}

	if !ok {
		return c.Operator == OpNotEqual && c.Value != nil
	}
	cmp := compare(actual, c.Value)
	switch c.Operator {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpLessThan:
		return cmp < 0
	case OpLessOrEqual:
		return cmp <= 0
	case OpGreaterThan:
		return cmp > 0
	case OpGreaterOrEqual:
		return cmp >= 0
	}
	return false
}

// MatchesAll reports whether doc satisfies every criterion.
func MatchesAll(doc map[string]any, criteria []Criterion) bool {
	for _, c := range criteria {
		if !c.Matches(doc) {
			return false
		}
	}
	return true
}

// Lookup resolves a possibly dotted field in doc.
func Lookup(doc map[string]any, field string) (any, bool) {
	if v, ok := doc[field]; ok {
		return v, true
	}
	var current any = doc
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// compare orders numbers numerically and everything else by string form.
func compare(a, b any) int {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0
		}
		if a == nil {
			return -1
		}
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// IsNumeric reports whether v is a Go number (or a numeric JSON number).
func IsNumeric(v any) bool {
	_, ok := toFloat(v)
	return ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func listValues(v any) []any {
	if !isList(v) {
		return nil
	}
	if values, ok := v.([]any); ok {
		return values
	}
	rv := reflect.ValueOf(v)
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out = append(out, rv.Index(i).Interface())
	}
	return out
}
