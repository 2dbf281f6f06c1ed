package rules

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// Operator names accepted in conditions.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpContains       = "contains"
	OpExists         = "exists"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpWithinDuration = "within_duration"
)

// operatorFunc compares a resolved left value against the right value.
// Callers never invoke it with a missing left value.
type operatorFunc func(left, right interface{}, now time.Time) bool

var operators = map[string]operatorFunc{
	OpEquals:         equals,
	OpNotEquals:      func(l, r interface{}, _ time.Time) bool { return !equals(l, r, time.Time{}) },
	OpContains:       contains,
	OpExists:         func(l, _ interface{}, _ time.Time) bool { return present(l) },
	OpGreaterThan:    func(l, r interface{}, _ time.Time) bool { c, ok := compare(l, r); return ok && c > 0 },
	OpLessThan:       func(l, r interface{}, _ time.Time) bool { c, ok := compare(l, r); return ok && c < 0 },
	OpWithinDuration: withinDuration,
}

// KnownOperator reports whether op is part of the operator table.
func KnownOperator(op string) bool {
	_, ok := operators[op]
	return ok
}

// EvaluateCondition applies a single comparison. A missing left-hand field is
// false for every operator.
func EvaluateCondition(c types.Condition, scope Scope) bool {
	fn, ok := operators[c.Operator]
	if !ok {
		return false
	}
	left, found := scope.Lookup(c.Field)
	if !found {
		return false
	}
	right := c.Value
	if s, isString := right.(string); isString && HasTokens(s) {
		right = Resolve(s, scope)
	}
	return fn(left, right, scope.now())
}

func present(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	}
	return true
}

func equals(l, r interface{}, _ time.Time) bool {
	if l == nil || r == nil {
		return false
	}
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		return ok && lf == rf
	}
	switch lv := l.(type) {
	case string:
		rv, ok := r.(string)
		return ok && lv == rv
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	}
	if reflect.TypeOf(l) != reflect.TypeOf(r) {
		return false
	}
	return reflect.DeepEqual(l, r)
}

func contains(l, r interface{}, _ time.Time) bool {
	switch haystack := l.(type) {
	case nil:
		return false
	case string:
		needle, ok := r.(string)
		return ok && strings.Contains(haystack, needle)
	case []interface{}:
		for _, item := range haystack {
			if equals(item, r, time.Time{}) {
				return true
			}
		}
	case []string:
		needle, ok := r.(string)
		if !ok {
			return false
		}
		for _, item := range haystack {
			if item == needle {
				return true
			}
		}
	case map[string]interface{}:
		key, ok := r.(string)
		if !ok {
			return false
		}
		_, found := haystack[key]
		return found
	}
	return false
}

// compare orders two numbers or two timestamps.
func compare(l, r interface{}) (int, bool) {
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		if !ok {
			return 0, false
		}
		switch {
		case lf < rf:
			return -1, true
		case lf > rf:
			return 1, true
		}
		return 0, true
	}
	lt, ok := toTime(l)
	if !ok {
		return 0, false
	}
	rt, ok := toTime(r)
	if !ok {
		return 0, false
	}
	return lt.Compare(rt), true
}

// withinDuration is true when the left timestamp lies in [now-d, now].
func withinDuration(l, r interface{}, now time.Time) bool {
	t, ok := toTime(l)
	if !ok {
		return false
	}
	var d time.Duration
	switch v := r.(type) {
	case string:
		parsed, err := types.ParseDuration(v)
		if err != nil {
			return false
		}
		d = parsed
	default:
		secs, ok := toFloat(v)
		if !ok {
			return false
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d < 0 {
		return false
	}
	return !t.Before(now.Add(-d)) && !t.After(now)
}

func toFloat(v interface{}) (float64, bool) {
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toTime accepts time values, RFC 3339 strings and unix millisecond numbers.
func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	}
	if ms, ok := toFloat(v); ok {
		return time.UnixMilli(int64(ms)), true
	}
	return time.Time{}, false
}
