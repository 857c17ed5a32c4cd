package automation

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/scamhunter/internal/store"
)

var templateRe = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// RunContext is the data a run's templates resolve against: the trigger payload,
// variables written by set_var nodes, and the result of the last executed node.
type RunContext struct {
	Event     map[string]any
	Vars      map[string]any
	Last      any
	DryRun    bool
	EventName string
}

// NewRunContext creates a context for one run. A nil payload becomes empty.
func NewRunContext(eventName string, payload map[string]any, dryRun bool) *RunContext {
	if payload == nil {
		payload = map[string]any{}
	}
	return &RunContext{
		Event:     payload,
		Vars:      map[string]any{},
		DryRun:    dryRun,
		EventName: eventName,
	}
}

// Snapshot is the context as persisted on the run record.
func (rc *RunContext) Snapshot() map[string]any {
	var eventName any
	if rc.EventName != "" {
		eventName = rc.EventName
	}
	return map[string]any{
		"event":      rc.Event,
		"vars":       rc.Vars,
		"last":       rc.Last,
		"dry_run":    rc.DryRun,
		"event_name": eventName,
	}
}

// Lookup resolves a dotted path such as "event.domain", "vars.hosts" or
// "last.0". Maps are indexed by key and lists by position. The second return
// is false when any segment is missing.
func (rc *RunContext) Lookup(path string) (any, bool) {
	parts := strings.Split(strings.TrimSpace(path), ".")
	var cur any
	switch parts[0] {
	case "event":
		cur = rc.Event
	case "vars":
		cur = rc.Vars
	case "last":
		cur = rc.Last
	case "dry_run":
		cur = rc.DryRun
	case "event_name":
		cur = rc.EventName
	default:
		return nil, false
	}
	for _, part := range parts[1:] {
		next, ok := child(cur, part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func child(v any, key string) (any, bool) {
	switch c := v.(type) {
	case map[string]any:
		out, ok := c[key]
		return out, ok
	case store.Payload:
		out, ok := c[key]
		return out, ok
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !out.IsValid() {
			return nil, false
		}
		return out.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

// Resolve expands templates in a config value. A string that is exactly one
// {{path}} yields the typed value at path; templates embedded in longer text are
// interpolated as text. A missing path resolves to "" in both forms. Lists and
// maps are resolved element-wise; other values pass through.
func (rc *RunContext) Resolve(value any) any {
	switch v := value.(type) {
	case string:
		return rc.resolveString(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = rc.Resolve(item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = rc.resolveString(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = rc.Resolve(item)
		}
		return out
	default:
		return value
	}
}

func (rc *RunContext) resolveString(s string) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	if m := templateRe.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		if v, ok := rc.Lookup(s[m[2]:m[3]]); ok && v != nil {
			return v
		}
		return ""
	}
	return templateRe.ReplaceAllStringFunc(s, func(match string) string {
		v, ok := rc.Lookup(match[2 : len(match)-2])
		if !ok || v == nil {
			return ""
		}
		return stringify(v)
	})
}

// ResolveString resolves value and renders the result as text.
func (rc *RunContext) ResolveString(value any) string {
	v := rc.Resolve(value)
	if v == nil {
		return ""
	}
	return stringify(v)
}

// stringify renders a value as text: strings verbatim, numbers in their shortest
// form, booleans as true/false, and composite values as JSON.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x)
	case fmt.Stringer:
		return x.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// toList widens a value to a list: nil is empty, slices are copied element-wise
// and anything else becomes a one-element list.
func toList(v any) []any {
	switch x := v.(type) {
	case nil:
		return []any{}
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}

// toFloat converts numbers and numeric strings.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// truthy follows the usual scripting rules: nil, false, zero, "" and empty
// collections are false.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// looseEqual compares numbers by value regardless of their Go type, and
// everything else structurally.
func looseEqual(a, b any) bool {
	if fa, ok := numeric(a); ok {
		if fb, ok := numeric(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func numeric(v any) (float64, bool) {
	switch v.(type) {
	case string, bool:
		return 0, false
	}
	return toFloat(v)
}
