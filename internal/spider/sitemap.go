package spider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/zap"
)

const maxSitemapBytes = 5 << 20

// SitemapEntries is what one sitemap document yields: page URLs from a
// <urlset> and nested sitemap URLs from a <sitemapindex>.
type SitemapEntries struct {
	Pages    []string
	Sitemaps []string
}

// ParseSitemap extracts every <loc> from a sitemap or sitemap index. Namespaces
// are ignored. Malformed XML yields no entries.
func ParseSitemap(data []byte) SitemapEntries {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return SitemapEntries{}
	}
	root := doc.Root()
	if root == nil {
		return SitemapEntries{}
	}

	var out SitemapEntries
	index := strings.EqualFold(root.Tag, "sitemapindex")
	collectLocs(root, func(loc string) {
		if index {
			out.Sitemaps = append(out.Sitemaps, loc)
		} else {
			out.Pages = append(out.Pages, loc)
		}
	})
	return out
}

func collectLocs(e *etree.Element, add func(string)) {
	for _, child := range e.ChildElements() {
		if strings.HasSuffix(strings.ToLower(child.Tag), "loc") {
			if v := strings.TrimSpace(child.Text()); v != "" {
				add(v)
			}
			continue
		}
		collectLocs(child, add)
	}
}

// loadSitemap fetches <seed>/sitemap.xml and follows one level of sitemap
// index, staying on the seed host. At most limit page URLs are returned.
func (s *Spider) loadSitemap(ctx context.Context, seed string, limit int) []string {
	first := strings.TrimRight(seed, "/") + "/sitemap.xml"
	entries, err := s.fetchSitemap(ctx, first)
	if err != nil {
		s.logger.Debug("Sitemap unavailable", zap.String("url", first), zap.Error(err))
		return nil
	}

	pages := entries.Pages
	seedHost := hostOf(seed)
	for _, nested := range entries.Sitemaps {
		if len(pages) >= limit {
			break
		}
		if hostOf(nested) != seedHost {
			s.logger.Debug("Nested sitemap off the seed host, skipping", zap.String("url", nested))
			continue
		}
		sub, err := s.fetchSitemap(ctx, nested)
		if err != nil {
			s.logger.Debug("Nested sitemap unavailable", zap.String("url", nested), zap.Error(err))
			continue
		}
		pages = append(pages, sub.Pages...)
	}

	if len(pages) > limit {
		pages = pages[:limit]
	}
	return pages
}

func (s *Spider) fetchSitemap(ctx context.Context, sitemapURL string) (SitemapEntries, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return SitemapEntries{}, err
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return SitemapEntries{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return SitemapEntries{}, fmt.Errorf("sitemap returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return SitemapEntries{}, fmt.Errorf("failed to read sitemap: %w", err)
	}
	return ParseSitemap(body), nil
}

// hostOf returns the lowercased host[:port] of u, or "".
func hostOf(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Host)
}
