package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// toValue normalizes arbitrary Go values into the resolver's value domain:
// nil, bool, float64, string, []any, map[string]any. Structs go through a
// JSON round trip, which also turns timestamps into ISO strings.
func toValue(v any) any {
	switch v.(type) {
	case nil, bool, float64, string:
		return v
	case int:
		return float64(v.(int))
	case int32:
		return float64(v.(int32))
	case int64:
		return float64(v.(int64))
	case float32:
		return float64(v.(float32))
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return string(raw)
	}
	return normalized
}

// navigate resolves one dotted path segment. A segment named "attributes" on
// a value carrying an "attributeValues" subfield is rewritten to navigate
// into attributeValues, so trigger.item.attributes.Priority reads the item's
// attribute map.
func navigate(value any, segment string) any {
	switch typed := value.(type) {
	case map[string]any:
		if segment == "attributes" {
			if sub, ok := typed["attributeValues"]; ok {
				return sub
			}
		}
		return typed[segment]
	case []any:
		if index, err := strconv.Atoi(segment); err == nil && index >= 0 && index < len(typed) {
			return typed[index]
		}
		return nil
	default:
		return nil
	}
}

// navigatePath walks a dotted path over a value.
func navigatePath(value any, path string) any {
	if path == "" {
		return value
	}
	for _, segment := range strings.Split(path, ".") {
		if value == nil {
			return nil
		}
		value = navigate(value, segment)
	}
	return value
}

// isTruthy applies the template truthiness rules: null, false, 0, "", and
// empty arrays are false; everything else is true.
func isTruthy(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case bool:
		return typed
	case float64:
		return typed != 0
	case string:
		return typed != ""
	case []any:
		return len(typed) > 0
	default:
		return true
	}
}

// isEmptyValue reports whether a pipe should fall through to its right side.
func isEmptyValue(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	default:
		return false
	}
}

// stringify converts a resolved value for substitution back into a host
// string: nil becomes "", numbers and booleans print plainly, dates are ISO,
// structures serialize as JSON.
func stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(raw)
	}
}

// toNumber coerces a value to float64 when possible.
func toNumber(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case bool:
		if typed {
			return 1, true
		}
		return 0, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// dateLayouts are tried in order when coercing strings to timestamps.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// toTime coerces a value to a timestamp: RFC3339 strings, date-only strings,
// or epoch milliseconds.
func toTime(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		return typed, true
	case string:
		trimmed := strings.TrimSpace(typed)
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	case float64:
		return time.UnixMilli(int64(typed)).UTC(), true
	default:
		return time.Time{}, false
	}
}

// looseEquals compares after numeric coercion, falling back to stringified
// comparison.
func looseEquals(a, b any) bool {
	if na, okA := toNumber(a); okA {
		if nb, okB := toNumber(b); okB {
			return na == nb
		}
	}
	return stringify(a) == stringify(b)
}

// compareValues orders two values numerically when both coerce to numbers,
// otherwise lexically on their string forms.
func compareValues(a, b any) int {
	if na, okA := toNumber(a); okA {
		if nb, okB := toNumber(b); okB {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(stringify(a), stringify(b))
}
