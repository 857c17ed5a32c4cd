package automation

import (
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// Edge conditions.
const (
	EdgeAlways = "always"
	EdgeTrue   = "true"
	EdgeFalse  = "false"
)

// EdgeAllows evaluates an edge condition against the source node's result:
//
//	always | true | false | equals:<s> | contains:<s> | regex:<re> | gte:<n> | lte:<n>
//
// true and false match only a boolean result. The prefixed forms compare against
// the text form of the result, except contains, which checks list membership
// when the result is a list. Malformed conditions never match.
func EdgeAllows(condition string, result any) bool {
	condition = strings.TrimSpace(condition)
	switch condition {
	case "", EdgeAlways:
		return true
	case EdgeTrue:
		b, ok := result.(bool)
		return ok && b
	case EdgeFalse:
		b, ok := result.(bool)
		return ok && !b
	}

	kind, raw, ok := strings.Cut(condition, ":")
	if !ok {
		return false
	}
	kind = strings.ToLower(strings.TrimSpace(kind))
	raw = strings.TrimSpace(raw)

	switch kind {
	case "equals":
		return stringify(result) == raw
	case "contains":
		if isList(result) {
			for _, item := range toList(result) {
				if stringify(item) == raw {
					return true
				}
			}
			return false
		}
		return strings.Contains(stringify(result), raw)
	case "regex":
		return regexSearch(raw, stringify(result))
	case "gte", "lte":
		l, ok1 := toFloat(result)
		r, err := strconv.ParseFloat(raw, 64)
		if !ok1 || err != nil {
			return false
		}
		if kind == "gte" {
			return l >= r
		}
		return l <= r
	}
	return false
}

// Condition node operators.
const (
	OpExists    = "exists"
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpContains  = "contains"
	OpStarts    = "startswith"
	OpEnds      = "endswith"
	OpRegex     = "regex"
	OpIn        = "in"
	OpNotIn     = "not_in"
	OpCountGTE  = "count_gte"
	OpGTE       = "gte"
	OpLTE       = "lte"
)

// EvalCondition evaluates a condition node's left/right/operator config after
// template resolution. The default operator is exists; unknown operators are
// false.
func EvalCondition(cfg map[string]any, rc *RunContext) bool {
	left := rc.Resolve(cfg["left"])
	right := rc.Resolve(cfg["right"])
	op := OpExists
	if s, ok := cfg["operator"].(string); ok && strings.TrimSpace(s) != "" {
		op = strings.ToLower(strings.TrimSpace(s))
	}

	switch op {
	case OpExists:
		return truthy(left)
	case OpEquals:
		return looseEqual(left, right)
	case OpNotEquals:
		return !looseEqual(left, right)
	case OpContains:
		if isList(left) {
			return listContains(toList(left), right)
		}
		s, ok := left.(string)
		return ok && right != nil && strings.Contains(s, stringify(right))
	case OpStarts:
		s, ok := left.(string)
		return ok && right != nil && strings.HasPrefix(s, stringify(right))
	case OpEnds:
		s, ok := left.(string)
		return ok && right != nil && strings.HasSuffix(s, stringify(right))
	case OpRegex:
		if left == nil || right == nil {
			return false
		}
		return regexSearch(stringify(right), stringify(left))
	case OpIn:
		return isList(right) && listContains(toList(right), left)
	case OpNotIn:
		return isList(right) && !listContains(toList(right), left)
	case OpCountGTE:
		n := 0
		if right != nil {
			f, ok := toFloat(right)
			if !ok {
				return false
			}
			n = int(f)
		}
		return len(collection(left)) >= n
	case OpGTE, OpLTE:
		l, ok1 := toFloat(left)
		r, ok2 := toFloat(right)
		if !ok1 || !ok2 {
			return false
		}
		if op == OpGTE {
			return l >= r
		}
		return l <= r
	}
	return false
}

// collection returns the elements counted by count_gte. Strings count runes
// and maps count keys; anything else falsy is empty.
func collection(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		out := make([]any, 0, len(x))
		for _, r := range x {
			out = append(out, r)
		}
		return out
	case map[string]any:
		out := make([]any, 0, len(x))
		for k := range x {
			out = append(out, k)
		}
		return out
	}
	if isList(v) {
		return toList(v)
	}
	return nil
}

func listContains(list []any, v any) bool {
	for _, item := range list {
		if looseEqual(item, v) {
			return true
		}
	}
	return false
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// regexSearch reports whether pattern matches anywhere in text. Patterns that
// do not compile never match.
func regexSearch(pattern, text string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}
