package scan

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/scamhunter/internal/store"
)

// Graph node kinds written by the pipeline. Indicator nodes use the indicator
// kind itself (email, phone, wallet).
const (
	NodeDomain          = "domain"
	NodeURL             = "url"
	NodeDOMHash         = "dom_hash"
	NodeIP              = "ip"
	NodeJARM            = "jarm"
	NodeFaviconHash     = "favicon_hash"
	NodeAssetHash       = "asset_hash"
	NodeScreenshotPHash = "screenshot_phash"
)

// Edge kinds.
const (
	EdgeHosts       = "hosts"
	EdgeHash        = "hash"
	EdgeResolvesTo  = "resolves_to"
	EdgeFingerprint = "fingerprint"
	EdgeFavicon     = "favicon"
	EdgeIndicator   = "indicator"
	EdgeAsset       = "asset"
	EdgeScreenshot  = "screenshot"
)

type edgeSpec struct {
	fromURL bool
	kind    string
	value   string
	edge    string
}

// materializeGraph upserts the correlation nodes for the target and links
// them to its domain or url node. Node upserts are idempotent; edges are
// appended on every scan.
func (p *Pipeline) materializeGraph(ctx context.Context, st *scanState) error {
	domainNode, err := p.deps.Store.UpsertNode(ctx, NodeDomain, st.domain)
	if err != nil {
		return err
	}
	urlNode, err := p.deps.Store.UpsertNode(ctx, NodeURL, st.url)
	if err != nil {
		return err
	}
	if err := p.deps.Store.CreateEdge(ctx, domainNode, urlNode, EdgeHosts); err != nil {
		return err
	}

	specs := []edgeSpec{
		{fromURL: true, kind: NodeDOMHash, value: st.domHash, edge: EdgeHash},
		{kind: NodeIP, value: st.ip, edge: EdgeResolvesTo},
		{kind: NodeJARM, value: st.jarm, edge: EdgeFingerprint},
		{kind: NodeFaviconHash, value: st.faviconHash, edge: EdgeFavicon},
	}
	for _, pair := range st.indicators.Pairs() {
		specs = append(specs, edgeSpec{fromURL: true, kind: pair.Kind, value: pair.Value, edge: EdgeIndicator})
	}
	for _, h := range st.assetHashes {
		specs = append(specs, edgeSpec{fromURL: true, kind: NodeAssetHash, value: h, edge: EdgeAsset})
	}
	specs = append(specs, edgeSpec{fromURL: true, kind: NodeScreenshotPHash, value: st.shot.PHash, edge: EdgeScreenshot})

	for _, s := range specs {
		if s.value == "" {
			continue
		}
		node, err := p.deps.Store.UpsertNode(ctx, s.kind, s.value)
		if err != nil {
			return err
		}
		from := domainNode
		if s.fromURL {
			from = urlNode
		}
		if err := p.deps.Store.CreateEdge(ctx, from, node, s.edge); err != nil {
			return err
		}
	}
	return nil
}

// CampaignKeys lists the clustering keys of a target: always the DOM hash,
// then favicon, JARM and screenshot phash when present.
func CampaignKeys(domHash, faviconHash, jarm, screenshotPHash string) []string {
	keys := []string{"dom:" + domHash}
	if faviconHash != "" {
		keys = append(keys, "favicon:"+faviconHash)
	}
	if jarm != "" {
		keys = append(keys, "jarm:"+jarm)
	}
	if screenshotPHash != "" {
		keys = append(keys, "screenshot_phash:"+screenshotPHash)
	}
	return keys
}

func (p *Pipeline) assignCampaigns(ctx context.Context, st *scanState) error {
	for _, key := range CampaignKeys(st.domHash, st.faviconHash, st.jarm, st.shot.PHash) {
		id, err := p.deps.Store.EnsureCampaign(ctx, key)
		if err != nil {
			return err
		}
		if err := p.deps.Store.AddCampaignMember(ctx, id, st.targetID); err != nil {
			return fmt.Errorf("failed to add target %d to campaign %q: %w", st.targetID, key, err)
		}
	}
	return nil
}

// EventPayload builds the scan_done payload handed to the automation engine.
func EventPayload(targetID int64, url, domain, ip string, riskScore int, pairs [][2]string) map[string]any {
	grouped := map[string][]string{}
	list := make([]any, 0, len(pairs))
	for _, pr := range pairs {
		list = append(list, []any{pr[0], pr[1]})
		grouped[pr[0]] = append(grouped[pr[0]], pr[1])
	}
	indicatorMap := make(map[string]any, len(grouped))
	for k, v := range grouped {
		indicatorMap[k] = v
	}
	var ipValue any
	if ip != "" {
		ipValue = ip
	}
	return map[string]any{
		"event":         EventScanDone,
		"target_id":     targetID,
		"url":           url,
		"domain":        domain,
		"ip":            ipValue,
		"risk_score":    riskScore,
		"indicators":    list,
		"indicator_map": indicatorMap,
		"emails":        nonNil(grouped[store.IndicatorEmail]),
		"wallets":       nonNil(grouped[store.IndicatorWallet]),
		"phones":        nonNil(grouped[store.IndicatorPhone]),
	}
}

// emitEvent queues the automation_event job. This is the only coupling between
// scans and automations.
func (p *Pipeline) emitEvent(ctx context.Context, st *scanState) error {
	var pairs [][2]string
	for _, pr := range st.indicators.Pairs() {
		pairs = append(pairs, [2]string{pr.Kind, pr.Value})
	}
	payload := EventPayload(st.targetID, st.url, st.domain, st.ip, st.riskScore, pairs)
	_, err := p.deps.Store.CreateJob(ctx, store.JobAutomationEvent, store.Payload{"event": EventScanDone, "payload": payload})
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
