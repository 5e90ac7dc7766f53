package template

import (
	"fmt"
	"html"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
)

// funcDef describes one registered chainable function.
type funcDef struct {
	minArgs         int
	maxArgs         int // -1 means unbounded
	applicableTypes []string
	execute         func(value any, args []any, fctx *funcContext) (any, error)
}

// registry maps function names to definitions. Extensible: Register adds or
// overrides an entry.
var registry = map[string]*funcDef{}

// Register installs a function definition under name.
func Register(name string, def *funcDef) {
	registry[name] = def
}

func stringFunc(minArgs, maxArgs int, fn func(s string, args []any) (any, error)) *funcDef {
	return &funcDef{
		minArgs:         minArgs,
		maxArgs:         maxArgs,
		applicableTypes: []string{"string"},
		execute: func(value any, args []any, _ *funcContext) (any, error) {
			return fn(stringify(value), args)
		},
	}
}

func numberFunc(minArgs, maxArgs int, fn func(n float64, args []any) (any, error)) *funcDef {
	return &funcDef{
		minArgs:         minArgs,
		maxArgs:         maxArgs,
		applicableTypes: []string{"number"},
		execute: func(value any, args []any, _ *funcContext) (any, error) {
			number, ok := toNumber(value)
			if !ok {
				return nil, fmt.Errorf("value %q is not a number", stringify(value))
			}
			return fn(number, args)
		},
	}
}

func dateFunc(minArgs, maxArgs int, fn func(t time.Time, args []any) (any, error)) *funcDef {
	return &funcDef{
		minArgs:         minArgs,
		maxArgs:         maxArgs,
		applicableTypes: []string{"date"},
		execute: func(value any, args []any, _ *funcContext) (any, error) {
			parsed, ok := toTime(value)
			if !ok {
				return nil, fmt.Errorf("value %q is not a date", stringify(value))
			}
			return fn(parsed, args)
		},
	}
}

func collectionFunc(minArgs, maxArgs int, fn func(items []any, args []any) (any, error)) *funcDef {
	return &funcDef{
		minArgs:         minArgs,
		maxArgs:         maxArgs,
		applicableTypes: []string{"collection"},
		execute: func(value any, args []any, _ *funcContext) (any, error) {
			switch typed := value.(type) {
			case nil:
				return fn(nil, args)
			case []any:
				return fn(typed, args)
			default:
				return fn([]any{typed}, args)
			}
		},
	}
}

func argString(args []any, i int, fallback string) string {
	if i < len(args) && args[i] != nil {
		return stringify(args[i])
	}
	return fallback
}

func argNumber(args []any, i int, fallback float64) (float64, error) {
	if i >= len(args) {
		return fallback, nil
	}
	number, ok := toNumber(args[i])
	if !ok {
		return 0, fmt.Errorf("argument %d is not a number", i+1)
	}
	return number, nil
}

func init() {
	registerStringFuncs()
	registerNumberFuncs()
	registerDateFuncs()
	registerCollectionFuncs()
}

func registerStringFuncs() {
	Register("toUpperCase", stringFunc(0, 0, func(s string, _ []any) (any, error) {
		return strings.ToUpper(s), nil
	}))
	Register("toLowerCase", stringFunc(0, 0, func(s string, _ []any) (any, error) {
		return strings.ToLower(s), nil
	}))
	Register("capitalize", stringFunc(0, 0, func(s string, _ []any) (any, error) {
		if s == "" {
			return s, nil
		}
		runes := []rune(s)
		runes[0] = unicode.ToUpper(runes[0])
		return string(runes), nil
	}))
	Register("truncate", stringFunc(1, 2, func(s string, args []any) (any, error) {
		max, err := argNumber(args, 0, 0)
		if err != nil {
			return nil, err
		}
		suffix := argString(args, 1, "...")
		runes := []rune(s)
		if len(runes) <= int(max) {
			return s, nil
		}
		return string(runes[:int(max)]) + suffix, nil
	}))
	Register("replace", stringFunc(2, 2, func(s string, args []any) (any, error) {
		return strings.ReplaceAll(s, argString(args, 0, ""), argString(args, 1, "")), nil
	}))
	Register("match", stringFunc(1, 1, func(s string, args []any) (any, error) {
		pattern, err := regexp.Compile(argString(args, 0, ""))
		if err != nil {
			return nil, fmt.Errorf("invalid regex: %w", err)
		}
		matched := pattern.FindString(s)
		if matched == "" && !pattern.MatchString(s) {
			return nil, nil
		}
		return matched, nil
	}))
	Register("substring", stringFunc(1, 2, func(s string, args []any) (any, error) {
		runes := []rune(s)
		start, err := argNumber(args, 0, 0)
		if err != nil {
			return nil, err
		}
		end, err := argNumber(args, 1, float64(len(runes)))
		if err != nil {
			return nil, err
		}
		from, to := clampRange(int(start), int(end), len(runes))
		return string(runes[from:to]), nil
	}))
	Register("trim", stringFunc(0, 0, func(s string, _ []any) (any, error) {
		return strings.TrimSpace(s), nil
	}))
	Register("length", stringFunc(0, 0, func(s string, _ []any) (any, error) {
		return float64(len([]rune(s))), nil
	}))
	Register("split", stringFunc(1, 1, func(s string, args []any) (any, error) {
		parts := strings.Split(s, argString(args, 0, ""))
		result := make([]any, len(parts))
		for i, part := range parts {
			result[i] = part
		}
		return result, nil
	}))
	Register("concat", stringFunc(1, 1, func(s string, args []any) (any, error) {
		return s + argString(args, 0, ""), nil
	}))
	Register("padStart", stringFunc(1, 2, func(s string, args []any) (any, error) {
		width, err := argNumber(args, 0, 0)
		if err != nil {
			return nil, err
		}
		return pad(s, int(width), argString(args, 1, " "), true), nil
	}))
	Register("padEnd", stringFunc(1, 2, func(s string, args []any) (any, error) {
		width, err := argNumber(args, 0, 0)
		if err != nil {
			return nil, err
		}
		return pad(s, int(width), argString(args, 1, " "), false), nil
	}))
	Register("isEmpty", stringFunc(0, 0, func(s string, _ []any) (any, error) {
		return strings.TrimSpace(s) == "", nil
	}))
	Register("isNotEmpty", stringFunc(0, 0, func(s string, _ []any) (any, error) {
		return strings.TrimSpace(s) != "", nil
	}))
	Register("htmlEncode", stringFunc(0, 0, func(s string, _ []any) (any, error) {
		return html.EscapeString(s), nil
	}))
	Register("urlEncode", stringFunc(0, 0, func(s string, _ []any) (any, error) {
		return url.QueryEscape(s), nil
	}))
	Register("jsonStringify", &funcDef{
		minArgs:         0,
		maxArgs:         0,
		applicableTypes: []string{"any"},
		execute: func(value any, _ []any, _ *funcContext) (any, error) {
			if s, ok := value.(string); ok {
				return fmt.Sprintf("%q", s), nil
			}
			return stringify(value), nil
		},
	})
}

func registerNumberFuncs() {
	Register("toNumber", &funcDef{
		minArgs:         0,
		maxArgs:         0,
		applicableTypes: []string{"any"},
		execute: func(value any, _ []any, _ *funcContext) (any, error) {
			number, ok := toNumber(value)
			if !ok {
				return nil, fmt.Errorf("value %q is not a number", stringify(value))
			}
			return number, nil
		},
	})
	Register("abs", numberFunc(0, 0, func(n float64, _ []any) (any, error) {
		return math.Abs(n), nil
	}))
	Register("round", numberFunc(0, 1, func(n float64, args []any) (any, error) {
		digits, err := argNumber(args, 0, 0)
		if err != nil {
			return nil, err
		}
		scale := math.Pow(10, digits)
		return math.Round(n*scale) / scale, nil
	}))
	Register("ceil", numberFunc(0, 0, func(n float64, _ []any) (any, error) {
		return math.Ceil(n), nil
	}))
	Register("floor", numberFunc(0, 0, func(n float64, _ []any) (any, error) {
		return math.Floor(n), nil
	}))
	Register("min", numberFunc(1, 1, func(n float64, args []any) (any, error) {
		other, err := argNumber(args, 0, 0)
		if err != nil {
			return nil, err
		}
		return math.Min(n, other), nil
	}))
	Register("max", numberFunc(1, 1, func(n float64, args []any) (any, error) {
		other, err := argNumber(args, 0, 0)
		if err != nil {
			return nil, err
		}
		return math.Max(n, other), nil
	}))
	Register("percentage", numberFunc(1, 1, func(n float64, args []any) (any, error) {
		total, err := argNumber(args, 0, 0)
		if err != nil {
			return nil, err
		}
		if total == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return n / total * 100, nil
	}))
	Register("isPositive", numberFunc(0, 0, func(n float64, _ []any) (any, error) {
		return n > 0, nil
	}))
	Register("isNegative", numberFunc(0, 0, func(n float64, _ []any) (any, error) {
		return n < 0, nil
	}))
	Register("isZero", numberFunc(0, 0, func(n float64, _ []any) (any, error) {
		return n == 0, nil
	}))
}

func registerDateFuncs() {
	Register("plusDays", dateShift(24*time.Hour, 1))
	Register("minusDays", dateShift(24*time.Hour, -1))
	Register("plusHours", dateShift(time.Hour, 1))
	Register("minusHours", dateShift(time.Hour, -1))
	Register("plusMinutes", dateShift(time.Minute, 1))
	Register("format", dateFunc(1, 1, func(t time.Time, args []any) (any, error) {
		return formatDate(t, argString(args, 0, "yyyy-MM-dd")), nil
	}))
	Register("isAfter", dateFunc(1, 1, func(t time.Time, args []any) (any, error) {
		other, ok := toTime(args[0])
		if !ok {
			return nil, fmt.Errorf("argument is not a date")
		}
		return t.After(other), nil
	}))
	Register("isBefore", dateFunc(1, 1, func(t time.Time, args []any) (any, error) {
		other, ok := toTime(args[0])
		if !ok {
			return nil, fmt.Errorf("argument is not a date")
		}
		return t.Before(other), nil
	}))
	Register("dayOfWeek", dateFunc(0, 0, func(t time.Time, _ []any) (any, error) {
		return t.Weekday().String(), nil
	}))
	Register("startOfDay", dateFunc(0, 0, func(t time.Time, _ []any) (any, error) {
		year, month, day := t.Date()
		return time.Date(year, month, day, 0, 0, 0, 0, t.Location()), nil
	}))
	Register("endOfDay", dateFunc(0, 0, func(t time.Time, _ []any) (any, error) {
		year, month, day := t.Date()
		return time.Date(year, month, day, 23, 59, 59, int(999*time.Millisecond), t.Location()), nil
	}))
	Register("toEpochMs", dateFunc(0, 0, func(t time.Time, _ []any) (any, error) {
		return float64(t.UnixMilli()), nil
	}))
	Register("diffDays", dateFunc(1, 1, func(t time.Time, args []any) (any, error) {
		other, ok := toTime(args[0])
		if !ok {
			return nil, fmt.Errorf("argument is not a date")
		}
		return math.Trunc(t.Sub(other).Hours() / 24), nil
	}))
}

func dateShift(unit time.Duration, sign int) *funcDef {
	return dateFunc(1, 1, func(t time.Time, args []any) (any, error) {
		amount, err := argNumber(args, 0, 0)
		if err != nil {
			return nil, err
		}
		return t.Add(time.Duration(float64(sign) * amount * float64(unit))), nil
	})
}

func registerCollectionFuncs() {
	sizeDef := collectionFunc(0, 0, func(items []any, _ []any) (any, error) {
		return float64(len(items)), nil
	})
	Register("size", sizeDef)
	Register("count", sizeDef)
	Register("first", collectionFunc(0, 0, func(items []any, _ []any) (any, error) {
		if len(items) == 0 {
			return nil, nil
		}
		return items[0], nil
	}))
	Register("last", collectionFunc(0, 0, func(items []any, _ []any) (any, error) {
		if len(items) == 0 {
			return nil, nil
		}
		return items[len(items)-1], nil
	}))
	Register("join", collectionFunc(0, 1, func(items []any, args []any) (any, error) {
		separator := argString(args, 0, ", ")
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, separator), nil
	}))
	Register("contains", collectionFunc(1, 1, func(items []any, args []any) (any, error) {
		for _, item := range items {
			if looseEquals(item, args[0]) {
				return true, nil
			}
		}
		return false, nil
	}))
	Register("flatten", collectionFunc(0, 0, func(items []any, _ []any) (any, error) {
		var flattened []any
		for _, item := range items {
			if nested, ok := item.([]any); ok {
				flattened = append(flattened, nested...)
			} else {
				flattened = append(flattened, item)
			}
		}
		return flattened, nil
	}))
	Register("unique", collectionFunc(0, 0, func(items []any, _ []any) (any, error) {
		seen := make(map[string]bool, len(items))
		var unique []any
		for _, item := range items {
			key := stringify(item)
			if !seen[key] {
				seen[key] = true
				unique = append(unique, item)
			}
		}
		return unique, nil
	}))
	Register("sort", collectionFunc(0, 0, func(items []any, _ []any) (any, error) {
		sorted := append([]any(nil), items...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return compareValues(sorted[i], sorted[j]) < 0
		})
		return sorted, nil
	}))
	Register("reverse", collectionFunc(0, 0, func(items []any, _ []any) (any, error) {
		reversed := make([]any, len(items))
		for i, item := range items {
			reversed[len(items)-1-i] = item
		}
		return reversed, nil
	}))
	Register("at", collectionFunc(1, 1, func(items []any, args []any) (any, error) {
		index, err := argNumber(args, 0, 0)
		if err != nil {
			return nil, err
		}
		i := int(index)
		if i < 0 || i >= len(items) {
			return nil, nil
		}
		return items[i], nil
	}))
	Register("slice", collectionFunc(1, 2, func(items []any, args []any) (any, error) {
		start, err := argNumber(args, 0, 0)
		if err != nil {
			return nil, err
		}
		end, err := argNumber(args, 1, float64(len(items)))
		if err != nil {
			return nil, err
		}
		from, to := clampRange(int(start), int(end), len(items))
		return append([]any(nil), items[from:to]...), nil
	}))
	Register("map", collectionFunc(1, 1, func(items []any, args []any) (any, error) {
		path := argString(args, 0, "")
		mapped := make([]any, len(items))
		for i, item := range items {
			mapped[i] = navigatePath(item, path)
		}
		return mapped, nil
	}))
	Register("filter", collectionFunc(1, 2, func(items []any, args []any) (any, error) {
		path := argString(args, 0, "")
		var filtered []any
		for _, item := range items {
			value := navigatePath(item, path)
			if len(args) >= 2 {
				if looseEquals(value, args[1]) {
					filtered = append(filtered, item)
				}
			} else if isTruthy(value) {
				filtered = append(filtered, item)
			}
		}
		return filtered, nil
	}))
	Register("sum", collectionFunc(0, 1, func(items []any, args []any) (any, error) {
		total, _, err := sumItems(items, argString(args, 0, ""))
		return total, err
	}))
	Register("avg", collectionFunc(0, 1, func(items []any, args []any) (any, error) {
		total, counted, err := sumItems(items, argString(args, 0, ""))
		if err != nil {
			return nil, err
		}
		if counted == 0 {
			return float64(0), nil
		}
		return total / float64(counted), nil
	}))
}

func sumItems(items []any, path string) (float64, int, error) {
	var total float64
	counted := 0
	for _, item := range items {
		value := item
		if path != "" {
			value = navigatePath(item, path)
		}
		if value == nil {
			continue
		}
		number, ok := toNumber(value)
		if !ok {
			return 0, 0, fmt.Errorf("element %q is not a number", stringify(value))
		}
		total += number
		counted++
	}
	return total, counted, nil
}

func pad(s string, width int, padding string, start bool) string {
	if padding == "" {
		padding = " "
	}
	runes := []rune(s)
	for len(runes) < width {
		padRunes := []rune(padding)
		for _, r := range padRunes {
			if len(runes) >= width {
				break
			}
			if start {
				runes = append([]rune{r}, runes...)
			} else {
				runes = append(runes, r)
			}
		}
	}
	return string(runes)
}

func clampRange(start, end, length int) (int, int) {
	if start < 0 {
		start = length + start
	}
	if end < 0 {
		end = length + end
	}
	if start < 0 {
		start = 0
	}
	if end > length {
		end = length
	}
	if start > length {
		start = length
	}
	if end < start {
		end = start
	}
	return start, end
}

// Date format tokens, applied longest-first.
var dateTokens = []struct {
	token  string
	format func(t time.Time) string
}{
	{"EEEE", func(t time.Time) string { return t.Weekday().String() }},
	{"yyyy", func(t time.Time) string { return t.Format("2006") }},
	{"EEE", func(t time.Time) string { return t.Format("Mon") }},
	{"SSS", func(t time.Time) string { return fmt.Sprintf("%03d", t.Nanosecond()/1e6) }},
	{"yy", func(t time.Time) string { return t.Format("06") }},
	{"MM", func(t time.Time) string { return t.Format("01") }},
	{"dd", func(t time.Time) string { return t.Format("02") }},
	{"HH", func(t time.Time) string { return t.Format("15") }},
	{"mm", func(t time.Time) string { return fmt.Sprintf("%02d", t.Minute()) }},
	{"ss", func(t time.Time) string { return fmt.Sprintf("%02d", t.Second()) }},
	{"M", func(t time.Time) string { return fmt.Sprintf("%d", int(t.Month())) }},
	{"d", func(t time.Time) string { return fmt.Sprintf("%d", t.Day()) }},
	{"H", func(t time.Time) string { return fmt.Sprintf("%d", t.Hour()) }},
	{"m", func(t time.Time) string { return fmt.Sprintf("%d", t.Minute()) }},
	{"s", func(t time.Time) string { return fmt.Sprintf("%d", t.Second()) }},
}

func formatDate(t time.Time, pattern string) string {
	var builder strings.Builder
	i := 0
	for i < len(pattern) {
		matched := false
		for _, entry := range dateTokens {
			if strings.HasPrefix(pattern[i:], entry.token) {
				builder.WriteString(entry.format(t))
				i += len(entry.token)
				matched = true
				break
			}
		}
		if !matched {
			builder.WriteByte(pattern[i])
			i++
		}
	}
	return builder.String()
}
