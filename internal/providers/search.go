package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/settings"
)

// Search engines understood by SerpSearch.
const (
	EngineGoogle = "google"
	EngineBing   = "bing"
	EngineYandex = "yandex"
)

// Warnings for providers that are not configured.
const (
	WarnSerpKeyMissing    = "SERPAPI_KEY missing"
	WarnURLScanKeyMissing = "URLSCAN_KEY missing"
)

const (
	fofaPageSize   = 10
	ddgResultXPath = `//a[contains(concat(' ', normalize-space(@class), ' '), ' result__a ')]`
)

// -- FOFA --

type fofaResponse struct {
	Error   bool    `json:"error"`
	ErrMsg  string  `json:"errmsg"`
	Results [][]any `json:"results"`
}

// FOFASearch returns hosts matching a FOFA query, plus a warning when the provider
// is not configured or refused the query.
func (c *Client) FOFASearch(ctx context.Context, query string) ([]string, string) {
	email := c.setting(ctx, settings.FOFAEmail)
	key := c.setting(ctx, settings.FOFAKey)
	if email == "" || key == "" {
		return nil, "FOFA_EMAIL/FOFA_KEY missing"
	}

	params := url.Values{}
	params.Set("email", email)
	params.Set("key", key)
	params.Set("qbase64", base64.StdEncoding.EncodeToString([]byte(query)))
	params.Set("page", "1")
	params.Set("size", fmt.Sprint(fofaPageSize))
	params.Set("fields", "host")

	var data fofaResponse
	err := c.fetchJSON(ctx, true, getRequest(c.cfg.FOFAURL, params, nil), &data)
	if err != nil {
		if code := statusCode(err); code != 0 {
			return nil, fmt.Sprintf("FOFA HTTP %d", code)
		}
		c.logger.Warn("FOFA request failed", zap.Error(err))
		return nil, fmt.Sprintf("FOFA error: %v", err)
	}
	if data.Error {
		return nil, "FOFA error: " + data.ErrMsg
	}

	var out []string
	for _, row := range data.Results {
		if len(row) == 0 {
			continue
		}
		if host, ok := row[0].(string); ok && host != "" {
			out = append(out, host)
		}
	}
	return out, ""
}

// -- urlscan --

type urlscanResponse struct {
	Results []struct {
		Task struct {
			URL string `json:"url"`
		} `json:"task"`
	} `json:"results"`
}

// URLScanSearch returns the task URLs of urlscan.io results. Without a key, or on
// any failure, it returns nothing.
func (c *Client) URLScanSearch(ctx context.Context, query string) []string {
	urls, _ := c.URLScanSearchVerbose(ctx, query)
	return urls
}

// URLScanSearchVerbose is URLScanSearch plus a warning when no key is set or
// the request failed.
func (c *Client) URLScanSearchVerbose(ctx context.Context, query string) ([]string, string) {
	key := c.setting(ctx, settings.URLScanKey)
	if key == "" {
		return nil, WarnURLScanKeyMissing
	}
	params := url.Values{}
	params.Set("q", query)

	var data urlscanResponse
	if err := c.fetchJSON(ctx, true, getRequest(c.cfg.URLScanURL, params, http.Header{"API-Key": {key}}), &data); err != nil {
		c.logger.Warn("urlscan request failed", zap.Error(err))
		if code := statusCode(err); code != 0 {
			return nil, fmt.Sprintf("urlscan HTTP %d", code)
		}
		return nil, fmt.Sprintf("urlscan error: %v", err)
	}
	var out []string
	for _, r := range data.Results {
		if r.Task.URL != "" {
			out = append(out, r.Task.URL)
		}
	}
	return out, ""
}

// -- SerpAPI --

type serpResponse struct {
	Error          string `json:"error"`
	OrganicResults []struct {
		Link string `json:"link"`
	} `json:"organic_results"`
}

// SerpSearch runs a query through SerpAPI on one engine. The warning
// distinguishes "not configured" from HTTP, network and API errors.
func (c *Client) SerpSearch(ctx context.Context, query, engine string) ([]string, string) {
	key := c.setting(ctx, settings.SerpAPIKey)
	if key == "" {
		return nil, WarnSerpKeyMissing
	}
	if engine == "" {
		engine = EngineGoogle
	}

	params := url.Values{}
	params.Set("engine", engine)
	params.Set("api_key", key)
	if engine == EngineYandex {
		params.Set("text", query)
		params.Set("yandex_domain", "yandex.com")
	} else {
		params.Set("q", query)
	}

	var data serpResponse
	err := c.fetchJSON(ctx, true, getRequest(c.cfg.SerpAPIURL, params, nil), &data)
	if err != nil {
		if code := statusCode(err); code != 0 {
			c.logger.Warn("SerpAPI HTTP error", zap.String("engine", engine), zap.Int("status", code))
			return nil, fmt.Sprintf("SerpAPI %s HTTP %d", engine, code)
		}
		c.logger.Warn("SerpAPI request failed", zap.String("engine", engine), zap.Error(err))
		return nil, fmt.Sprintf("SerpAPI %s network error", engine)
	}
	if data.Error != "" {
		c.logger.Warn("SerpAPI response error", zap.String("engine", engine), zap.String("error", data.Error))
		return nil, fmt.Sprintf("SerpAPI %s error: %s", engine, data.Error)
	}

	var out []string
	for _, r := range data.OrganicResults {
		if r.Link != "" {
			out = append(out, r.Link)
		}
	}
	return out, ""
}

// -- DuckDuckGo --

// DDGSearch scrapes the DuckDuckGo HTML endpoint. It needs no key. Redirect
// wrappers (/l/?uddg=...) are unwrapped to the destination URL.
func (c *Client) DDGSearch(ctx context.Context, query string) []string {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	form := url.Values{}
	form.Set("q", query)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.DDGURL, strings.NewReader(form.Encode()))
	if err != nil {
		c.logger.Error("DDG search failed", zap.Error(err))
		return nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("DDG search failed", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	doc, err := htmlquery.Parse(resp.Body)
	if err != nil {
		c.logger.Error("DDG search failed", zap.Error(err))
		return nil
	}

	var out []string
	for _, a := range htmlquery.Find(doc, ddgResultXPath) {
		if href := unwrapDDG(htmlquery.SelectAttr(a, "href")); href != "" {
			out = append(out, href)
		}
	}
	return out
}

func unwrapDDG(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if strings.HasPrefix(u.Path, "/l/") {
		if dest := u.Query().Get("uddg"); dest != "" {
			return dest
		}
	}
	return href
}

func getRequest(base string, params url.Values, header http.Header) requestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		target := base
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		return req, nil
	}
}
