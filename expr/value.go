package expr

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Lookup resolves a dot-notation field path from the vars map.
// "status" -> vars["status"]
// "result.score" -> vars["result"].(map[string]any)["score"]
// Returns nil when any segment of the path is missing.
func Lookup(path string, vars map[string]any) any {
	parts := strings.Split(path, ".")
	var current any = vars

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// LookupOK is like Lookup but distinguishes a stored nil from a missing path.
func LookupOK(path string, vars map[string]any) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = vars

	for _, part := range parts {
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

// Compare evaluates a comparison between two values, numeric first with a
// string fallback. nil is treated as less than any non-nil value; two nils
// are equal.
func Compare(left any, op string, right any) bool {
	if left == nil && right == nil {
		return op == "==" || op == ">=" || op == "<="
	}
	if left == nil || right == nil {
		if op == "!=" {
			return true
		}
		if op == "==" {
			return false
		}
		// For ordering comparisons, nil is "less than" any value
		if left == nil {
			return op == "<" || op == "<="
		}
		return op == ">" || op == ">="
	}

	// Try numeric comparison first
	lf, lok := ToFloat64(left)
	rf, rok := ToFloat64(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}

	// Fall back to string comparison
	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

// In reports whether left equals any element of right, where right is a
// slice of any kind. Equality uses Compare's loose semantics.
func In(left any, right any) bool {
	if right == nil {
		return false
	}
	rv := reflect.ValueOf(right)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if Compare(left, "==", rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// ToBool converts a value to boolean.
func ToBool(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val != "" && val != "false" && val != "0"
	default:
		return true
	}
}

// ToFloat64 attempts to convert a value to float64.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float32:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}
