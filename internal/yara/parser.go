package yara

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// parser is a hand-written recursive-descent parser over the rule source. The
// grammar is small enough that a generated parser would be more code than this.
type parser struct {
	src  string
	pos  int
	anon int
}

// SyntaxError carries the byte offset of a parse failure.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("yara: syntax error at offset %d: %s", e.Offset, e.Msg)
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

// skip consumes whitespace and comments.
func (p *parser) skip() {
	for !p.eof() {
		c := p.src[p.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			p.pos++
		case strings.HasPrefix(p.src[p.pos:], "//"):
			if i := strings.IndexByte(p.src[p.pos:], '\n'); i >= 0 {
				p.pos += i + 1
			} else {
				p.pos = len(p.src)
			}
		case strings.HasPrefix(p.src[p.pos:], "/*"):
			if i := strings.Index(p.src[p.pos+2:], "*/"); i >= 0 {
				p.pos += i + 4
			} else {
				p.pos = len(p.src)
			}
		default:
			return
		}
	}
}

func (p *parser) peek() byte {
	p.skip()
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) expect(c byte) error {
	if p.peek() != c {
		return p.errorf("expected %q", c)
	}
	p.pos++
	return nil
}

func isIdentByte(c byte, first bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return !first && c >= '0' && c <= '9'
}

func (p *parser) ident() (string, error) {
	p.skip()
	start := p.pos
	for !p.eof() && isIdentByte(p.src[p.pos], p.pos == start) {
		p.pos++
	}
	if p.pos == start {
		return "", p.errorf("expected identifier")
	}
	return p.src[start:p.pos], nil
}

// peekIdent returns the next identifier without consuming it.
func (p *parser) peekIdent() string {
	save := p.pos
	id, err := p.ident()
	p.pos = save
	if err != nil {
		return ""
	}
	return id
}

func (p *parser) number() (int, error) {
	p.skip()
	start := p.pos
	for !p.eof() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	if p.pos == start {
		return 0, p.errorf("expected number")
	}
	n, err := strconv.Atoi(p.src[start:p.pos])
	if err != nil {
		return 0, p.errorf("bad number: %v", err)
	}
	switch {
	case strings.HasPrefix(p.src[p.pos:], "KB"):
		p.pos += 2
		n *= 1024
	case strings.HasPrefix(p.src[p.pos:], "MB"):
		p.pos += 2
		n *= 1024 * 1024
	}
	return n, nil
}

// -- rules --

func (p *parser) parseRules() ([]*Rule, error) {
	var rules []*Rule
	for {
		p.skip()
		if p.eof() {
			break
		}
		kw, err := p.ident()
		if err != nil {
			return nil, err
		}
		switch kw {
		case "import", "include":
			return nil, p.errorf("%s is not supported", kw)
		case "private", "global":
			if kw, err = p.ident(); err != nil {
				return nil, err
			}
		}
		if kw != "rule" {
			return nil, p.errorf("expected 'rule', got %q", kw)
		}
		r, err := p.parseRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if len(rules) == 0 {
		return nil, p.errorf("no rules defined")
	}
	return rules, nil
}

func (p *parser) parseRule() (*Rule, error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	r := &Rule{Name: name, byID: map[string]*pattern{}}

	if p.peek() == ':' {
		p.pos++
		for p.peek() != '{' && !p.eof() {
			tag, err := p.ident()
			if err != nil {
				return nil, err
			}
			r.Tags = append(r.Tags, tag)
		}
	}
	if err := p.expect('{'); err != nil {
		return nil, err
	}

	for {
		section, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		switch section {
		case "meta":
			if err := p.skipMeta(); err != nil {
				return nil, err
			}
		case "strings":
			if err := p.parseStrings(r); err != nil {
				return nil, err
			}
		case "condition":
			cond, err := p.parseExpr(r)
			if err != nil {
				return nil, err
			}
			r.cond = cond
			if err := p.expect('}'); err != nil {
				return nil, err
			}
			return r, nil
		default:
			return nil, p.errorf("unknown section %q", section)
		}
	}
}

func (p *parser) skipMeta() error {
	for {
		next := p.peekIdent()
		if next == "strings" || next == "condition" || next == "" {
			return nil
		}
		if _, err := p.ident(); err != nil {
			return err
		}
		if err := p.expect('='); err != nil {
			return err
		}
		switch c := p.peek(); {
		case c == '"':
			if _, err := p.quoted(); err != nil {
				return err
			}
		case c == '-' || (c >= '0' && c <= '9'):
			if c == '-' {
				p.pos++
			}
			if _, err := p.number(); err != nil {
				return err
			}
		default:
			if _, err := p.ident(); err != nil {
				return err
			}
		}
	}
}

// -- strings section --

func (p *parser) parseStrings(r *Rule) error {
	for p.peek() == '$' {
		p.pos++
		id := ""
		if !p.eof() && isIdentByte(p.src[p.pos], false) {
			var err error
			if id, err = p.ident(); err != nil {
				return err
			}
		} else {
			p.anon++
			id = fmt.Sprintf("anon%d", p.anon)
		}
		if _, dup := r.byID[id]; dup {
			return p.errorf("duplicate string identifier $%s", id)
		}
		if err := p.expect('='); err != nil {
			return err
		}

		var (
			expr string
			err  error
		)
		switch p.peek() {
		case '"':
			var lit []byte
			if lit, err = p.quoted(); err != nil {
				return err
			}
			mods := p.modifiers()
			expr = textPattern(lit, mods)
		case '{':
			if expr, err = p.hexPattern(); err != nil {
				return err
			}
		case '/':
			if expr, err = p.regexPattern(); err != nil {
				return err
			}
			p.modifiers()
		default:
			return p.errorf("expected string, hex string or regex for $%s", id)
		}

		re, err := regexp.Compile(expr)
		if err != nil {
			return p.errorf("invalid pattern for $%s: %v", id, err)
		}
		pat := &pattern{id: id, re: re}
		r.patterns = append(r.patterns, pat)
		r.byID[id] = pat
	}
	return nil
}

type modifiers struct {
	nocase, ascii, wide, fullword bool
}

func (p *parser) modifiers() modifiers {
	var m modifiers
	for {
		switch p.peekIdent() {
		case "nocase":
			m.nocase = true
		case "ascii":
			m.ascii = true
		case "wide":
			m.wide = true
		case "fullword":
			m.fullword = true
		case "private":
		default:
			return m
		}
		_, _ = p.ident()
	}
}

func (p *parser) quoted() ([]byte, error) {
	if err := p.expect('"'); err != nil {
		return nil, err
	}
	var out []byte
	for !p.eof() {
		c := p.src[p.pos]
		p.pos++
		switch c {
		case '"':
			return out, nil
		case '\\':
			if p.eof() {
				return nil, p.errorf("unterminated escape")
			}
			e := p.src[p.pos]
			p.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 't':
				out = append(out, '\t')
			case 'r':
				out = append(out, '\r')
			case '"', '\\':
				out = append(out, e)
			case 'x':
				if p.pos+2 > len(p.src) {
					return nil, p.errorf("short \\x escape")
				}
				v, err := strconv.ParseUint(p.src[p.pos:p.pos+2], 16, 8)
				if err != nil {
					return nil, p.errorf("bad \\x escape")
				}
				out = append(out, byte(v))
				p.pos += 2
			default:
				return nil, p.errorf("unknown escape \\%c", e)
			}
		case '\n':
			return nil, p.errorf("newline in string literal")
		default:
			out = append(out, c)
		}
	}
	return nil, p.errorf("unterminated string")
}

// textPattern builds a regexp over latin1-mapped data for a text string.
func textPattern(lit []byte, m modifiers) string {
	var alts []string
	if m.ascii || !m.wide {
		alts = append(alts, regexp.QuoteMeta(latin1(lit)))
	}
	if m.wide {
		w := make([]byte, 0, len(lit)*2)
		for _, b := range lit {
			w = append(w, b, 0)
		}
		alts = append(alts, regexp.QuoteMeta(latin1(w)))
	}
	expr := "(?:" + strings.Join(alts, "|") + ")"
	if m.fullword {
		expr = `\b` + expr + `\b`
	}
	if m.nocase {
		expr = "(?i)" + expr
	}
	return expr
}

func (p *parser) hexPattern() (string, error) {
	if err := p.expect('{'); err != nil {
		return "", err
	}
	var b strings.Builder
	tokens := 0
	for {
		c := p.peek()
		switch {
		case c == 0:
			return "", p.errorf("unterminated hex string")
		case c == '}':
			p.pos++
			if tokens == 0 {
				return "", p.errorf("empty hex string")
			}
			return "(?s)" + b.String(), nil
		case c == '(':
			p.pos++
			b.WriteString("(?:")
		case c == '|':
			p.pos++
			b.WriteString("|")
		case c == ')':
			p.pos++
			b.WriteString(")")
		case c == '[':
			p.pos++
			jump, err := p.hexJump()
			if err != nil {
				return "", err
			}
			b.WriteString(jump)
		default:
			if p.pos+2 > len(p.src) {
				return "", p.errorf("truncated hex byte")
			}
			pair := p.src[p.pos : p.pos+2]
			p.pos += 2
			expr, err := hexByte(pair)
			if err != nil {
				return "", p.errorf("%v", err)
			}
			b.WriteString(expr)
			tokens++
		}
	}
}

func hexByte(pair string) (string, error) {
	hi, lo := pair[0], pair[1]
	switch {
	case hi == '?' && lo == '?':
		return ".", nil
	case hi == '?':
		v, err := strconv.ParseUint(string(lo), 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad hex nibble %q", pair)
		}
		var cls strings.Builder
		cls.WriteByte('[')
		for h := uint64(0); h < 16; h++ {
			fmt.Fprintf(&cls, `\x{%02x}`, h<<4|v)
		}
		cls.WriteByte(']')
		return cls.String(), nil
	case lo == '?':
		v, err := strconv.ParseUint(string(hi), 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad hex nibble %q", pair)
		}
		return fmt.Sprintf(`[\x{%02x}-\x{%02x}]`, v<<4, v<<4|0xf), nil
	}
	v, err := strconv.ParseUint(pair, 16, 8)
	if err != nil {
		return "", fmt.Errorf("bad hex byte %q", pair)
	}
	return fmt.Sprintf(`\x{%02x}`, v), nil
}

// maxJump is the RE2 repetition ceiling.
const maxJump = 1000

func (p *parser) hexJump() (string, error) {
	end := strings.IndexByte(p.src[p.pos:], ']')
	if end < 0 {
		return "", p.errorf("unterminated jump")
	}
	body := strings.ReplaceAll(p.src[p.pos:p.pos+end], " ", "")
	p.pos += end + 1

	lo, hi, ranged := strings.Cut(body, "-")
	parse := func(s string) (int, error) {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > maxJump {
			return 0, fmt.Errorf("bad jump bound %q", s)
		}
		return n, nil
	}
	switch {
	case !ranged:
		n, err := parse(lo)
		if err != nil {
			return "", p.errorf("%v", err)
		}
		return fmt.Sprintf(".{%d}", n), nil
	case lo == "" && hi == "":
		return ".*?", nil
	case hi == "":
		n, err := parse(lo)
		if err != nil {
			return "", p.errorf("%v", err)
		}
		return fmt.Sprintf(".{%d,}?", n), nil
	default:
		a, err := parse(orZero(lo))
		if err != nil {
			return "", p.errorf("%v", err)
		}
		b, err := parse(hi)
		if err != nil {
			return "", p.errorf("%v", err)
		}
		if a > b {
			return "", p.errorf("jump lower bound exceeds upper bound")
		}
		return fmt.Sprintf(".{%d,%d}?", a, b), nil
	}
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func (p *parser) regexPattern() (string, error) {
	if err := p.expect('/'); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		if p.eof() {
			return "", p.errorf("unterminated regex")
		}
		c := p.src[p.pos]
		p.pos++
		if c == '\\' && !p.eof() {
			b.WriteByte(c)
			b.WriteByte(p.src[p.pos])
			p.pos++
			continue
		}
		if c == '/' {
			break
		}
		if c == '\n' {
			return "", p.errorf("newline in regex")
		}
		b.WriteByte(c)
	}
	var flags string
	for !p.eof() && (p.src[p.pos] == 'i' || p.src[p.pos] == 's') {
		if !strings.ContainsRune(flags, rune(p.src[p.pos])) {
			flags += string(p.src[p.pos])
		}
		p.pos++
	}
	expr := latin1([]byte(b.String()))
	if flags != "" {
		expr = "(?" + flags + ")" + expr
	}
	return expr, nil
}

// -- condition --

func (p *parser) parseExpr(r *Rule) (expr, error) {
	left, err := p.parseAnd(r)
	if err != nil {
		return nil, err
	}
	for p.peekIdent() == "or" {
		_, _ = p.ident()
		right, err := p.parseAnd(r)
		if err != nil {
			return nil, err
		}
		left = orExpr{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd(r *Rule) (expr, error) {
	left, err := p.parseNot(r)
	if err != nil {
		return nil, err
	}
	for p.peekIdent() == "and" {
		_, _ = p.ident()
		right, err := p.parseNot(r)
		if err != nil {
			return nil, err
		}
		left = andExpr{left, right}
	}
	return left, nil
}

func (p *parser) parseNot(r *Rule) (expr, error) {
	if p.peekIdent() == "not" {
		_, _ = p.ident()
		inner, err := p.parseNot(r)
		if err != nil {
			return nil, err
		}
		return notExpr{inner}, nil
	}
	return p.parsePrimary(r)
}

func (p *parser) parsePrimary(r *Rule) (expr, error) {
	switch c := p.peek(); {
	case c == '(':
		p.pos++
		inner, err := p.parseExpr(r)
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return inner, nil
	case c == '$':
		p.pos++
		id, err := p.ident()
		if err != nil {
			return nil, err
		}
		pat, ok := r.byID[id]
		if !ok {
			return nil, p.errorf("undefined string identifier $%s", id)
		}
		return stringRef{pat}, nil
	case c == '#':
		p.pos++
		id, err := p.ident()
		if err != nil {
			return nil, err
		}
		pat, ok := r.byID[id]
		if !ok {
			return nil, p.errorf("undefined string identifier #%s", id)
		}
		op, n, err := p.comparison()
		if err != nil {
			return nil, err
		}
		return countCmp{pat: pat, op: op, n: n}, nil
	case c >= '0' && c <= '9':
		n, err := p.number()
		if err != nil {
			return nil, err
		}
		return p.parseOf(r, quantifier{n: n})
	}

	switch kw := p.peekIdent(); kw {
	case "true", "false":
		_, _ = p.ident()
		return boolExpr(kw == "true"), nil
	case "any":
		_, _ = p.ident()
		return p.parseOf(r, quantifier{any: true})
	case "all":
		_, _ = p.ident()
		return p.parseOf(r, quantifier{all: true})
	case "filesize":
		_, _ = p.ident()
		op, n, err := p.comparison()
		if err != nil {
			return nil, err
		}
		return sizeCmp{op: op, n: n}, nil
	case "":
		return nil, p.errorf("unexpected %q in condition", p.peek())
	default:
		return nil, p.errorf("unsupported condition keyword %q", kw)
	}
}

func (p *parser) parseOf(r *Rule, q quantifier) (expr, error) {
	if kw, _ := p.ident(); kw != "of" {
		return nil, p.errorf("expected 'of'")
	}
	var set []*pattern
	if p.peekIdent() == "them" {
		_, _ = p.ident()
		set = r.patterns
	} else {
		if err := p.expect('('); err != nil {
			return nil, err
		}
		seen := map[*pattern]bool{}
		for {
			if err := p.expect('$'); err != nil {
				return nil, err
			}
			prefix := ""
			if !p.eof() && isIdentByte(p.src[p.pos], false) {
				prefix, _ = p.ident()
			}
			wildcard := !p.eof() && p.src[p.pos] == '*'
			if wildcard {
				p.pos++
			}
			matched := false
			for _, pat := range r.patterns {
				if (wildcard && strings.HasPrefix(pat.id, prefix)) || (!wildcard && pat.id == prefix) {
					matched = true
					if !seen[pat] {
						seen[pat] = true
						set = append(set, pat)
					}
				}
			}
			if !matched {
				return nil, p.errorf("string set entry $%s matches nothing", prefix)
			}
			if p.peek() == ',' {
				p.pos++
				continue
			}
			if err := p.expect(')'); err != nil {
				return nil, err
			}
			break
		}
	}
	if len(set) == 0 {
		return nil, p.errorf("empty string set")
	}
	return ofExpr{q: q, set: set}, nil
}

func (p *parser) comparison() (string, int, error) {
	p.skip()
	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if strings.HasPrefix(p.src[p.pos:], op) {
			p.pos += len(op)
			n, err := p.number()
			return op, n, err
		}
	}
	return "", 0, p.errorf("expected comparison operator")
}
