package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"
)

// DOMHash is the SHA-256 of the decoded HTML.
func DOMHash(html string) string {
	return hashText(html)
}

// HeadersHash is the SHA-256 of the sorted "lower(name)=value" lines, so it is
// stable across header order and name casing.
func HeadersHash(headers map[string]string) string {
	lines := make([]string, 0, len(headers))
	for k, v := range headers {
		lines = append(lines, strings.ToLower(k)+"="+v)
	}
	sort.Strings(lines)
	return hashText(strings.Join(lines, "\n"))
}

// HeadersText renders headers as "name:value" lines sorted by name. It is the
// haystack for header-scoped rules.
func HeadersText(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(headers[k])
	}
	return b.String()
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NormalizeDomain returns the lowercased host[:port] of a URL, or "".
func NormalizeDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// truncateBytes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateBytes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
