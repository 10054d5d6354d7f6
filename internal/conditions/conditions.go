// Package conditions evaluates condition steps against a contact snapshot.
package conditions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/crmflow/pkg/schema"
)

// Operators supported by condition steps.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpIsEmpty     = "is_empty"
	OpIsNotEmpty  = "is_not_empty"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
)

const customFieldsPrefix = "custom_fields."

// Evaluate applies cfg's field/operator/value test to snapshot.
// An unknown operator evaluates to false.
func Evaluate(cfg schema.ConditionConfig, snapshot map[string]any) bool {
	actual, _ := Lookup(snapshot, cfg.Field)

	switch cfg.Operator {
	case OpEquals:
		return stringify(actual) == stringify(cfg.Value)
	case OpNotEquals:
		return stringify(actual) != stringify(cfg.Value)
	case OpContains:
		return contains(actual, cfg.Value)
	case OpNotContains:
		return !contains(actual, cfg.Value)
	case OpIsEmpty:
		return isEmpty(actual)
	case OpIsNotEmpty:
		return !isEmpty(actual)
	case OpGreaterThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(cfg.Value)
		return okA && okB && a > b
	case OpLessThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(cfg.Value)
		return okA && okB && a < b
	default:
		return false
	}
}

// Lookup resolves field against the snapshot. "custom_fields.<key>" reads from the
// contact's custom field map; anything else is a direct contact attribute.
func Lookup(snapshot map[string]any, field string) (any, bool) {
	if key, ok := strings.CutPrefix(field, customFieldsPrefix); ok {
		custom, _ := snapshot["custom_fields"].(map[string]any)
		v, found := custom[key]
		return v, found
	}
	v, found := snapshot[field]
	return v, found
}

func contains(actual, needle any) bool {
	want := strings.ToLower(stringify(needle))
	switch list := actual.(type) {
	case []any:
		for _, item := range list {
			if strings.ToLower(stringify(item)) == want {
				return true
			}
		}
		return false
	case []string:
		for _, item := range list {
			if strings.ToLower(item) == want {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(stringify(actual)), want)
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

// stringify renders a value for equality comparison. nil is the empty string and
// integral floats drop their fraction, so 10 and "10" compare equal.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// toFloat coerces numbers and numeric strings. Anything else is not a number.
func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}
