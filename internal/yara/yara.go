// Package yara evaluates a pure-Go subset of the YARA rule language against
// fetched page content.
//
// Supported: text strings (nocase, ascii, wide, fullword), hex strings with
// wildcards, nibble wildcards, jumps and alternatives, regex strings with i/s
// flags, and conditions built from $id, #id comparisons, filesize comparisons,
// "any/all/N of them|(...)", and/or/not and parentheses. Modules, imports and
// offsets (@id, "at", "in") are rejected at compile time.
package yara

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/store"
)

// Rule is one compiled rule.
type Rule struct {
	Name     string
	Tags     []string
	patterns []*pattern
	byID     map[string]*pattern
	cond     expr
}

// Rules is a compiled rule source, which may hold several rules.
type Rules struct {
	rules []*Rule
}

// Compile parses a rule source.
func Compile(src string) (*Rules, error) {
	p := &parser{src: src}
	rules, err := p.parseRules()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.Name] {
			return nil, fmt.Errorf("yara: duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return &Rules{rules: rules}, nil
}

// Names lists the rule names in source order.
func (rs *Rules) Names() []string {
	out := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.Name
	}
	return out
}

// Scan returns the names of rules whose condition holds for data.
func (rs *Rules) Scan(data []byte) []string {
	sc := newScanContext(data)
	var hits []string
	for _, r := range rs.rules {
		if r.cond.eval(sc) {
			hits = append(hits, r.Name)
		}
	}
	return hits
}

// Match compiles every enabled rule whose target field equals targetField and
// returns the ids of the ones that fire on content. A rule that fails to
// compile is logged and skipped so one bad rule cannot poison a scan.
func Match(content []byte, rules []store.YaraRule, targetField string, logger *zap.Logger) []int64 {
	if logger == nil {
		logger = zap.NewNop()
	}
	var matched []int64
	var sc *scanContext
	for _, rule := range rules {
		if !rule.Enabled || rule.TargetField != targetField {
			continue
		}
		compiled, err := Compile(rule.RuleText)
		if err != nil {
			logger.Warn("Skipping YARA rule that failed to compile",
				zap.Int64("rule_id", rule.ID), zap.String("name", rule.Name), zap.Error(err))
			continue
		}
		if sc == nil {
			sc = newScanContext(content)
		}
		for _, r := range compiled.rules {
			if r.cond.eval(sc) {
				matched = append(matched, rule.ID)
				break
			}
		}
	}
	return matched
}

// -- matching --

type pattern struct {
	id string
	re *regexp.Regexp
}

// scanContext holds the latin1 view of the data and memoised match counts.
type scanContext struct {
	data   string
	size   int
	counts map[*pattern]int
}

func newScanContext(data []byte) *scanContext {
	return &scanContext{data: latin1(data), size: len(data), counts: map[*pattern]int{}}
}

func (sc *scanContext) count(p *pattern) int {
	if n, ok := sc.counts[p]; ok {
		return n
	}
	n := len(p.re.FindAllStringIndex(sc.data, -1))
	sc.counts[p] = n
	return n
}

// latin1 maps every byte to the rune of the same value so RE2 can match raw
// bytes above 0x7f.
func latin1(b []byte) string {
	ascii := true
	for _, c := range b {
		if c >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		return string(b)
	}
	out := make([]rune, len(b))
	for i, c := range b {
		out[i] = rune(c)
	}
	return string(out)
}

// -- condition tree --

type expr interface {
	eval(sc *scanContext) bool
}

type boolExpr bool

func (b boolExpr) eval(*scanContext) bool { return bool(b) }

type andExpr struct{ l, r expr }

func (e andExpr) eval(sc *scanContext) bool { return e.l.eval(sc) && e.r.eval(sc) }

type orExpr struct{ l, r expr }

func (e orExpr) eval(sc *scanContext) bool { return e.l.eval(sc) || e.r.eval(sc) }

type notExpr struct{ inner expr }

func (e notExpr) eval(sc *scanContext) bool { return !e.inner.eval(sc) }

type stringRef struct{ pat *pattern }

func (e stringRef) eval(sc *scanContext) bool { return sc.count(e.pat) > 0 }

type quantifier struct {
	any, all bool
	n        int
}

type ofExpr struct {
	q   quantifier
	set []*pattern
}

func (e ofExpr) eval(sc *scanContext) bool {
	need := e.q.n
	switch {
	case e.q.any:
		need = 1
	case e.q.all:
		need = len(e.set)
	}
	if need <= 0 {
		return true
	}
	hits := 0
	for _, p := range e.set {
		if sc.count(p) > 0 {
			hits++
			if hits >= need {
				return true
			}
		}
	}
	return false
}

type countCmp struct {
	pat *pattern
	op  string
	n   int
}

func (e countCmp) eval(sc *scanContext) bool { return compare(sc.count(e.pat), e.op, e.n) }

type sizeCmp struct {
	op string
	n  int
}

func (e sizeCmp) eval(sc *scanContext) bool { return compare(sc.size, e.op, e.n) }

func compare(v int, op string, n int) bool {
	switch op {
	case "==":
		return v == n
	case "!=":
		return v != n
	case ">=":
		return v >= n
	case "<=":
		return v <= n
	case ">":
		return v > n
	case "<":
		return v < n
	}
	return false
}
