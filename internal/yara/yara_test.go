package yara

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scamhunter/internal/store"
)

func mustCompile(t *testing.T, src string) *Rules {
	t.Helper()
	rs, err := Compile(src)
	require.NoError(t, err)
	return rs
}

func TestCompile_TextStrings(t *testing.T) {
	rs := mustCompile(t, `
// wallet drainers ask for the recovery phrase
rule SeedPhrase : phishing crypto {
	meta:
		author = "intel"
		severity = 3
		active = true
	strings:
		$a = "seed phrase" nocase
		$b = "recovery" fullword
	condition:
		$a or $b
}`)
	assert.Equal(t, []string{"SeedPhrase"}, rs.Names())

	tests := []struct {
		name string
		data string
		want bool
	}{
		{"nocase literal", "Enter your SEED PHRASE here", true},
		{"fullword hit", "account recovery needed", true},
		{"fullword miss", "unrecoverable", false},
		{"nothing", "hello world", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, len(rs.Scan([]byte(tt.data))) == 1)
		})
	}
}

func TestCompile_Wide(t *testing.T) {
	rs := mustCompile(t, `rule W { strings: $w = "key" wide condition: $w }`)
	assert.Len(t, rs.Scan([]byte("k\x00e\x00y\x00")), 1)
	assert.Empty(t, rs.Scan([]byte("key")), "wide alone does not match ascii")

	both := mustCompile(t, `rule B { strings: $w = "key" wide ascii condition: $w }`)
	assert.Len(t, both.Scan([]byte("key")), 1)
}

func TestCompile_HexStrings(t *testing.T) {
	tests := []struct {
		name string
		rule string
		data string
		want bool
	}{
		{"high bytes", `{ 89 50 4E 47 }`, "\x89PNG\r\n", true},
		{"wildcard", `{ 61 ?? 63 }`, "xazcx", true},
		{"high nibble", `{ 6? 62 }`, "ab", true},
		{"low nibble", `{ ?1 }`, "q", true},
		{"low nibble miss", `{ ?1 }`, "b", false},
		{"bounded jump", `{ 61 [1-3] 64 }`, "abcd", true},
		{"bounded jump too short", `{ 61 [1-3] 64 }`, "ad", false},
		{"fixed jump", `{ 61 [2] 64 }`, "axxd", true},
		{"open jump", `{ 61 [-] 64 }`, "a-------d", true},
		{"alternative", `{ 61 ( 62 | 63 ) 64 }`, "acd", true},
		{"alternative miss", `{ 61 ( 62 | 63 ) 64 }`, "aed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := mustCompile(t, "rule H { strings: $h = "+tt.rule+" condition: $h }")
			assert.Equal(t, tt.want, len(rs.Scan([]byte(tt.data))) == 1)
		})
	}
}

func TestCompile_RegexStrings(t *testing.T) {
	rs := mustCompile(t, `rule R { strings: $re = /bc1[a-z0-9]{25,39}/ $ci = /metamask/i condition: any of them }`)
	assert.Len(t, rs.Scan([]byte("send to bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq")), 1)
	assert.Len(t, rs.Scan([]byte("Connect MetaMask")), 1)
	assert.Empty(t, rs.Scan([]byte("nothing to see")))
}

func TestConditions(t *testing.T) {
	const strs = `strings: $a = "alpha" $b = "beta" $c = "gamma" $x1 = "x1" $x2 = "x2" `
	tests := []struct {
		cond string
		data string
		want bool
	}{
		{"all of them", "alpha beta gamma x1 x2", true},
		{"all of them", "alpha beta gamma x1", false},
		{"2 of them", "alpha gamma", true},
		{"2 of them", "alpha", false},
		{"any of ($x*)", "x2", true},
		{"all of ($x*)", "x2", false},
		{"1 of ($a, $b)", "beta", true},
		{"$a and not $b", "alpha", true},
		{"$a and not $b", "alpha beta", false},
		{"($a or $b) and $c", "beta gamma", true},
		{"($a or $b) and $c", "beta", false},
		{"#a >= 2", "alpha alpha", true},
		{"#a >= 2", "alpha", false},
		{"#a == 0", "beta", true},
		{"filesize < 10", "alpha", true},
		{"filesize > 1KB", "alpha", false},
		{"true", "", true},
		{"not false and $a", "alpha", true},
	}
	for _, tt := range tests {
		t.Run(tt.cond+"/"+tt.data, func(t *testing.T) {
			rs := mustCompile(t, "rule C { "+strs+"condition: "+tt.cond+" }")
			assert.Equal(t, tt.want, len(rs.Scan([]byte(tt.data))) == 1)
		})
	}
}

func TestCompile_MultipleRules(t *testing.T) {
	rs := mustCompile(t, `
rule One { strings: $a = "one" condition: $a }
private rule Two { strings: $ = "two" condition: any of them }
/* block
   comment */
rule Three { condition: filesize == 0 }`)
	assert.Equal(t, []string{"One", "Two", "Three"}, rs.Names())
	assert.Equal(t, []string{"One", "Two"}, rs.Scan([]byte("one two")))
	assert.Equal(t, []string{"Three"}, rs.Scan(nil))
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", "   "},
		{"import", `import "pe" rule A { condition: true }`},
		{"undefined string", `rule A { strings: $a = "x" condition: $b }`},
		{"duplicate string", `rule A { strings: $a = "x" $a = "y" condition: $a }`},
		{"duplicate rule", `rule A { condition: true } rule A { condition: false }`},
		{"unterminated string", `rule A { strings: $a = "x condition: $a }`},
		{"bad hex", `rule A { strings: $a = { 4G } condition: $a }`},
		{"empty hex", `rule A { strings: $a = { } condition: $a }`},
		{"unsupported keyword", `rule A { strings: $a = "x" condition: $a at 0 }`},
		{"missing brace", `rule A { condition: true`},
		{"wildcard matches nothing", `rule A { strings: $a = "x" condition: any of ($z*) }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.src)
			assert.Error(t, err)
		})
	}

	_, err := Compile(`rule A { strings: $a = "x" condition: $b }`)
	var se *SyntaxError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Msg, "$b")
}

func TestMatch(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	rules := []store.YaraRule{
		{ID: 1, Name: "drainer", Enabled: true, TargetField: store.FieldHTML,
			RuleText: `rule Drainer { strings: $a = "setApprovalForAll" condition: $a }`},
		{ID: 2, Name: "disabled", Enabled: false, TargetField: store.FieldHTML,
			RuleText: `rule Off { condition: true }`},
		{ID: 3, Name: "broken", Enabled: true, TargetField: store.FieldHTML,
			RuleText: `rule { nope`},
		{ID: 4, Name: "asset only", Enabled: true, TargetField: store.FieldAsset,
			RuleText: `rule Asset { condition: true }`},
		{ID: 5, Name: "always", Enabled: true, TargetField: store.FieldHTML,
			RuleText: `rule Never { condition: false } rule Always { condition: true }`},
	}

	got := Match([]byte(`contract.setApprovalForAll(spender, true)`), rules, store.FieldHTML, logger)
	assert.Equal(t, []int64{1, 5}, got)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "Skipping YARA rule that failed to compile", entry.Message)
	assert.Equal(t, int64(3), entry.ContextMap()["rule_id"])

	assert.Equal(t, []int64{4}, Match([]byte("x"), rules, store.FieldAsset, nil))
}
