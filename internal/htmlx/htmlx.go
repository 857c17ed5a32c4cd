// Package htmlx wraps goquery for the handful of DOM questions the scan and
// spider ask of a fetched page.
package htmlx

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const maxTitleRunes = 200

// Asset types as stored on asset rows.
const (
	AssetJS  = "js"
	AssetCSS = "css"
)

// AssetRef is a script or stylesheet reference resolved against the page URL.
type AssetRef struct {
	Type string
	URL  string
}

// Page is a parsed document plus the URL it was fetched from.
type Page struct {
	doc  *goquery.Document
	base *url.URL
}

// Parse builds a Page. A malformed base only disables relative resolution.
func Parse(html, baseURL string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	base, _ := url.Parse(baseURL)
	return &Page{doc: doc, base: base}, nil
}

// Title returns the trimmed <title>, cut to 200 runes. Empty when absent.
func (p *Page) Title() string {
	t := strings.TrimSpace(p.doc.Find("title").First().Text())
	if utf8.RuneCountInString(t) > maxTitleRunes {
		t = string([]rune(t)[:maxTitleRunes])
	}
	return t
}

// Assets lists <script src> then <link rel=stylesheet href>, resolved,
// deduplicated in document order and capped at limit (limit <= 0 is unbounded).
func (p *Page) Assets(limit int) []AssetRef {
	var refs []AssetRef
	p.doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		if src, _ := s.Attr("src"); strings.TrimSpace(src) != "" {
			refs = append(refs, AssetRef{Type: AssetJS, URL: src})
		}
	})
	p.doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		if !hasToken(s.AttrOr("rel", ""), "stylesheet") {
			return
		}
		if href, _ := s.Attr("href"); strings.TrimSpace(href) != "" {
			refs = append(refs, AssetRef{Type: AssetCSS, URL: href})
		}
	})

	seen := make(map[string]struct{}, len(refs))
	out := make([]AssetRef, 0, len(refs))
	for _, r := range refs {
		abs, ok := p.resolve(r.URL)
		if !ok {
			continue
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, AssetRef{Type: r.Type, URL: abs})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// FaviconHref returns the raw href of the first <link> whose rel mentions
// "icon", unresolved so data: URIs survive.
func (p *Page) FaviconHref() string {
	var href string
	p.doc.Find("link[rel]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(strings.ToLower(s.AttrOr("rel", "")), "icon") {
			href = strings.TrimSpace(s.AttrOr("href", ""))
			return false
		}
		return true
	})
	return href
}

// Links returns every <a href> resolved to an absolute http(s) URL with the
// fragment stripped, in document order, without duplicates.
func (p *Page) Links() []string {
	seen := make(map[string]struct{})
	var out []string
	p.doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		abs, ok := p.resolve(s.AttrOr("href", ""))
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// Resolve makes ref absolute against the page URL.
func (p *Page) Resolve(ref string) (string, bool) {
	return p.resolve(ref)
}

func (p *Page) resolve(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if !u.IsAbs() {
		if p.base == nil {
			return "", false
		}
		u = p.base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

// StripFragment normalises a URL for visited-set comparisons.
func StripFragment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexByte(raw, '#'); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func hasToken(attr, token string) bool {
	for _, f := range strings.Fields(strings.ToLower(attr)) {
		if f == token {
			return true
		}
	}
	return false
}
