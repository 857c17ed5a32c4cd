package automation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/scamhunter/internal/store"
)

// NodeHandler runs one node. A returned error is fatal to the whole run; node
// level problems (bad config, provider failure) are reported inside the result
// as an "error" or "warning" key instead.
type NodeHandler func(ctx context.Context, cfg map[string]any, rc *RunContext) (any, error)

const (
	WarnUnknownNodeType = "unknown_node_type"
	errMissingURL       = "missing_url"

	maxPivotInputs = 10
	maxSavedIOCs   = 500
)

// handlers maps every NodeType to its implementation.
func (e *Engine) handlers() map[NodeType]NodeHandler {
	return map[NodeType]NodeHandler{
		NodeStart:            e.nodeStart,
		NodeCondition:        e.nodeCondition,
		NodeSwitch:           e.nodeSwitch,
		NodeSetVar:           e.nodeSetVar,
		NodeQueueScan:        e.nodeQueueScan,
		NodeSpider:           e.nodeSpider,
		NodePivotCrtsh:       e.nodePivotCrtsh,
		NodePivotDomainsDB:   e.nodePivotDomainsDB,
		NodePivotBlockcypher: e.nodePivotBlockcypher,
		NodePivotHolehe:      e.nodePivotHolehe,
		NodeNormalize:        e.nodeNormalize,
		NodeDedupe:           e.nodeDedupe,
		NodeFilterRegex:      e.nodeFilterRegex,
		NodeSelectIndicators: e.nodeSelectIndicators,
		NodeExtractDomains:   e.nodeExtractDomains,
		NodeSaveIOCs:         e.nodeSaveIOCs,
		NodeWebhook:          e.nodeWebhook,
	}
}

// -- Control flow --

func (e *Engine) nodeStart(context.Context, map[string]any, *RunContext) (any, error) {
	return true, nil
}

func (e *Engine) nodeCondition(_ context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	return EvalCondition(cfg, rc), nil
}

func (e *Engine) nodeSwitch(_ context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	return rc.Resolve(cfg["value"]), nil
}

func (e *Engine) nodeSetVar(_ context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	key := strings.TrimSpace(store.Payload(cfg).String("key"))
	value := rc.Resolve(cfg["value"])
	if key != "" {
		rc.Vars[key] = value
	}
	return value, nil
}

// -- Job creation --

func (e *Engine) nodeQueueScan(ctx context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	urls := toList(rc.Resolve(cfg["urls"]))
	if store.Payload(cfg).Bool("coerce_hosts", false) {
		urls = hostsToURLs(urls)
	}
	queued, err := e.queueScans(ctx, urls, intOr(cfg, "limit", e.cfg.MaxQueue), rc.DryRun)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"queued": queued}
	if rc.DryRun {
		out["dry_run"] = true
	}
	return out, nil
}

func (e *Engine) nodeSpider(ctx context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	target := rc.ResolveString(cfg["url"])
	if target == "" {
		return map[string]any{"error": errMissingURL}, nil
	}
	useSitemap := "0"
	if store.Payload(cfg).Bool("use_sitemap", true) {
		useSitemap = "1"
	}
	payload := store.Payload{
		"url":         target,
		"max_pages":   intOr(cfg, "max_pages", 200),
		"max_depth":   intOr(cfg, "max_depth", 2),
		"use_sitemap": useSitemap,
	}
	if rc.DryRun {
		return map[string]any{"dry_run": true, "payload": map[string]any(payload)}, nil
	}
	id, err := e.queue.CreateJob(ctx, store.JobSpider, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to queue spider job: %w", err)
	}
	return map[string]any{"job_id": id}, nil
}

// queueScans creates scan jobs for the first limit entries, skipping blanks.
// In dry-run mode it only counts.
func (e *Engine) queueScans(ctx context.Context, urls []any, limit int, dryRun bool) (int, error) {
	if limit > 0 && len(urls) > limit {
		urls = urls[:limit]
	}
	queued := 0
	for _, item := range urls {
		u := strings.TrimSpace(stringify(item))
		if u == "" {
			continue
		}
		if !dryRun {
			if _, err := e.queue.CreateJob(ctx, store.JobScan, store.Payload{"url": u}); err != nil {
				return queued, fmt.Errorf("failed to queue scan: %w", err)
			}
		}
		queued++
	}
	return queued, nil
}

// hostsToURLs prefixes bare hosts with https://.
func hostsToURLs(hosts []any) []any {
	out := make([]any, 0, len(hosts))
	for _, h := range hosts {
		host := strings.TrimSpace(stringify(h))
		if host == "" {
			continue
		}
		if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
			out = append(out, host)
		} else {
			out = append(out, "https://"+host)
		}
	}
	return out
}

// -- Pivots --

func (e *Engine) nodePivotCrtsh(ctx context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	subdomains := e.pivots.CrtshSubdomains(ctx, rc.ResolveString(cfg["domain"]))
	if subdomains == nil {
		subdomains = []string{}
	}
	if store.Payload(cfg).Bool("queue_scans", false) {
		if _, err := e.queueScans(ctx, hostsToURLs(toList(subdomains)), e.cfg.MaxQueue, rc.DryRun); err != nil {
			return nil, err
		}
	}
	return subdomains, nil
}

func (e *Engine) nodePivotDomainsDB(ctx context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	domain := rc.ResolveString(cfg["domain"])
	res := e.pivots.DomainsDBSearch(ctx, domain, intOr(cfg, "limit", 50))
	if res.Warning != "" {
		e.logger.Warn("domainsdb pivot degraded", zap.String("domain", domain), zap.String("warning", res.Warning))
	}
	domains := res.Domains
	if domains == nil {
		domains = []string{}
	}
	if store.Payload(cfg).Bool("queue_scans", false) {
		if _, err := e.queueScans(ctx, hostsToURLs(toList(domains)), e.cfg.MaxQueue, rc.DryRun); err != nil {
			return nil, err
		}
	}
	return domains, nil
}

func (e *Engine) nodePivotBlockcypher(ctx context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	addrs := toList(rc.Resolve(firstSet(cfg, "addresses", "address")))
	if len(addrs) > maxPivotInputs {
		addrs = addrs[:maxPivotInputs]
	}
	limit := intOr(cfg, "limit", 20)

	related := []string{}
	seen := map[string]struct{}{}
	for _, a := range addrs {
		addr := stringify(a)
		if addr == "" {
			continue
		}
		data := e.pivots.BlockcypherAddressSummary(ctx, addr, limit)
		for _, item := range toList(data["related_addresses"]) {
			s := stringify(item)
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			related = append(related, s)
		}
	}
	return related, nil
}

func (e *Engine) nodePivotHolehe(ctx context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	emails := toList(rc.Resolve(firstSet(cfg, "emails", "email")))
	if len(emails) > maxPivotInputs {
		emails = emails[:maxPivotInputs]
	}
	results := []any{}
	for _, item := range emails {
		email := stringify(item)
		if email == "" {
			continue
		}
		results = append(results, map[string]any{"email": email, "data": e.pivots.HoleheLookup(ctx, email)})
	}
	return results, nil
}

// -- List transforms --

func (e *Engine) nodeNormalize(_ context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	opts := store.Payload(cfg)
	lower := opts.Bool("lower", true)
	strip := opts.Bool("strip", true)
	removeQuery := opts.Bool("remove_query", false)
	removeFragment := opts.Bool("remove_fragment", true)

	items := toList(rc.Resolve(firstSet(cfg, "values", "value")))
	out := make([]string, 0, len(items))
	for _, item := range items {
		text := stringify(item)
		if strip {
			text = strings.TrimSpace(text)
		}
		if lower {
			text = strings.ToLower(text)
		}
		if strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://") {
			if u, err := url.Parse(text); err == nil {
				if removeQuery {
					u.RawQuery = ""
					u.ForceQuery = false
				}
				if removeFragment {
					u.Fragment = ""
					u.RawFragment = ""
				}
				text = u.String()
			}
		}
		out = append(out, text)
	}
	return out, nil
}

func (e *Engine) nodeDedupe(_ context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	items := toList(rc.Resolve(firstSet(cfg, "values", "value")))
	seen := make(map[string]struct{}, len(items))
	out := make([]any, 0, len(items))
	for _, item := range items {
		key := stringify(item)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out, nil
}

func (e *Engine) nodeFilterRegex(_ context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	items := toList(rc.Resolve(firstSet(cfg, "values", "value")))
	return filterRegex(items, store.Payload(cfg).String("pattern"), store.Payload(cfg).Bool("negate", false)), nil
}

// filterRegex keeps items whose text form matches pattern (or does not, when
// negate is set). An empty pattern keeps everything.
func filterRegex(items []any, pattern string, negate bool) []any {
	if pattern == "" {
		return items
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if regexSearch(pattern, stringify(item)) != negate {
			out = append(out, item)
		}
	}
	return out
}

func (e *Engine) nodeSelectIndicators(_ context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	opts := store.Payload(cfg)
	kind := strings.TrimSpace(opts.String("kind"))
	indicatorMap, _ := child(rc.Event, "indicator_map")
	values, _ := child(indicatorMap, kind)

	items := filterRegex(toList(values), opts.String("pattern"), false)
	if limit := intOr(cfg, "limit", 200); len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (e *Engine) nodeExtractDomains(_ context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	registrable := store.Payload(cfg).Bool("registrable", false)
	items := toList(rc.Resolve(firstSet(cfg, "values", "value")))
	out := make([]string, 0, len(items))
	for _, item := range items {
		text := stringify(item)
		host := text
		if strings.Contains(text, "://") {
			host = ""
			if u, err := url.Parse(text); err == nil {
				host = u.Host
			}
		}
		if host == "" {
			continue
		}
		if registrable {
			bare := strings.ToLower(host)
			if h, _, found := strings.Cut(bare, ":"); found {
				bare = h
			}
			if etld1, err := publicsuffix.EffectiveTLDPlusOne(bare); err == nil {
				host = etld1
			}
		}
		out = append(out, host)
	}
	return out, nil
}

// -- Side effects --

func (e *Engine) nodeSaveIOCs(ctx context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	opts := store.Payload(cfg)
	kind := strings.TrimSpace(opts.String("kind"))
	values := toList(rc.Resolve(firstSet(cfg, "values", "value")))
	if len(values) > maxSavedIOCs {
		values = values[:maxSavedIOCs]
	}

	base := store.IOC{
		Kind:   kind,
		Source: store.StrPtr(opts.String("source")),
		URL:    store.StrPtr(rc.ResolveString(cfg["url"])),
		Domain: store.StrPtr(rc.ResolveString(cfg["domain"])),
		Note:   store.StrPtr(rc.ResolveString(cfg["note"])),
	}
	if f, ok := toFloat(rc.Resolve(cfg["target_id"])); ok && f > 0 {
		id := int64(f)
		base.TargetID = &id
	}

	saved := 0
	for _, v := range values {
		value := stringify(v)
		if kind == "" || value == "" {
			continue
		}
		if !rc.DryRun {
			ioc := base
			ioc.Value = value
			if _, err := e.iocs.CreateIOC(ctx, ioc); err != nil {
				return nil, fmt.Errorf("failed to save ioc: %w", err)
			}
		}
		saved++
	}
	return map[string]any{"saved": saved, "dry_run": rc.DryRun}, nil
}

func (e *Engine) nodeWebhook(ctx context.Context, cfg map[string]any, rc *RunContext) (any, error) {
	target := rc.ResolveString(cfg["url"])
	method := strings.ToUpper(strings.TrimSpace(store.Payload(cfg).String("method")))
	if method == "" {
		method = http.MethodPost
	}
	payload := cfg["payload"]
	if payload == nil {
		payload = map[string]any{}
	}
	payload = rc.Resolve(payload)

	if rc.DryRun {
		return map[string]any{"dry_run": true, "url": target, "method": method}, nil
	}
	if target == "" {
		return map[string]any{"error": errMissingURL}, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.WebhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, stringify(v))
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("Webhook delivery failed", zap.String("url", target), zap.Error(err))
		return map[string]any{"error": err.Error()}, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	return map[string]any{"status": resp.StatusCode, "ok": resp.StatusCode < 400}, nil
}

// -- Config helpers --

// intOr reads an integer option, treating missing, zero, negative and
// unparsable values as def.
func intOr(cfg map[string]any, key string, def int) int {
	if v := store.Payload(cfg).Int(key, def); v > 0 {
		return v
	}
	return def
}

// firstSet returns the first of keys with a non-empty value.
func firstSet(cfg map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := cfg[k]; ok && truthy(v) {
			return v
		}
	}
	return nil
}
