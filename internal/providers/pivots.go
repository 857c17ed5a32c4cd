package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/settings"
)

// Pivot warnings.
const (
	WarnUnsupportedAddress = "unsupported_address"
	WarnHoleheMissing      = "holehe_not_installed"
	WarnEmptyOutput        = "empty_output"
	WarnUnsupportedField   = "unsupported_field"
)

const (
	maxHoleheRaw       = 10000
	maxBlockTxs        = 50
	maxRelatedAddrs    = 200
	maxDomainsDBResult = 200
)

// -- FOFA pivots --

// fofaPivotFields maps a pivot field to its FOFA search key.
var fofaPivotFields = map[string]string{
	"ip":           "ip",
	"jarm":         "jarm",
	"favicon_hash": "icon_hash",
	"cert":         "cert",
	"body":         "body",
}

// FOFAPivotQuery builds the FOFA query that finds hosts sharing value on field.
// It reports false for fields FOFA cannot pivot on.
func FOFAPivotQuery(field, value string) (string, bool) {
	key, ok := fofaPivotFields[field]
	if !ok {
		return "", false
	}
	value = strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(strings.TrimSpace(value))
	return fmt.Sprintf(`%s="%s"`, key, value), true
}

// -- Certificate Transparency (crt.sh) --

// CrtShEntry is one row of the crt.sh JSON output.
type CrtShEntry struct {
	NameValue string `json:"name_value"`
}

// CrtshSubdomains lists the names crt.sh has seen for domain and its subdomains,
// sorted and deduplicated. Wildcard prefixes are stripped.
func (c *Client) CrtshSubdomains(ctx context.Context, domain string) []string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil
	}
	if err := c.crtLimiter.Wait(ctx); err != nil {
		c.logger.Warn("Context cancelled while waiting for rate limiter (crt.sh)", zap.Error(err))
		return nil
	}

	params := url.Values{}
	params.Set("q", "%."+domain)
	params.Set("output", "json")

	var entries []CrtShEntry
	if err := c.fetchJSON(ctx, false, getRequest(c.cfg.CrtshURL, params, nil), &entries); err != nil {
		c.logger.Warn("Failed to fetch CT logs from crt.sh", zap.String("domain", domain), zap.Error(err))
		return nil
	}

	found := make(map[string]struct{})
	for _, entry := range entries {
		for _, raw := range strings.Split(entry.NameValue, "\n") {
			host := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "*.")
			if host == "" {
				continue
			}
			if host == domain || strings.HasSuffix(host, "."+domain) {
				found[host] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(found))
	for h := range found {
		out = append(out, h)
	}
	sort.Strings(out)
	c.logger.Debug("Finished processing CT logs", zap.String("domain", domain), zap.Int("count", len(out)))
	return out
}

// -- domainsdb --

// DomainsDBResult is the outcome of a domainsdb lookup.
type DomainsDBResult struct {
	Domains []string `json:"domains"`
	Count   *int     `json:"count,omitempty"`
	Warning string   `json:"warning,omitempty"`
}

type domainsDBResponse struct {
	Domains []struct {
		Domain string `json:"domain"`
	} `json:"domains"`
	Total *int `json:"total"`
	Count *int `json:"count"`
}

// DomainsDBSearch finds registered domains containing the given name. The result
// is capped at limit, clamped to [1, 200]. A 404 means no matches.
func (c *Client) DomainsDBSearch(ctx context.Context, domain string, limit int) DomainsDBResult {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return DomainsDBResult{Domains: []string{}}
	}
	limit = clamp(limit, 1, maxDomainsDBResult)

	params := url.Values{}
	params.Set("domain", domain)

	var data domainsDBResponse
	if err := c.fetchJSON(ctx, true, getRequest(c.cfg.DomainsDBURL, params, nil), &data); err != nil {
		if statusCode(err) == 404 {
			return DomainsDBResult{Domains: []string{}}
		}
		c.logger.Warn("domainsdb request failed", zap.String("domain", domain), zap.Error(err))
		return DomainsDBResult{Domains: []string{}, Warning: err.Error()}
	}

	out := DomainsDBResult{Domains: []string{}, Count: data.Count}
	if out.Count == nil {
		out.Count = data.Total
	}
	for _, d := range data.Domains {
		if len(out.Domains) >= limit {
			break
		}
		if d.Domain != "" {
			out.Domains = append(out.Domains, d.Domain)
		}
	}
	return out
}

// -- BlockCypher --

var chainPatterns = []struct {
	chain    string
	patterns []*regexp.Regexp
}{
	{"btc/main", []*regexp.Regexp{
		regexp.MustCompile(`^bc1[ac-hj-np-z02-9]{11,71}$`),
		regexp.MustCompile(`^[13][a-km-zA-HJ-NP-Z1-9]{25,34}$`),
	}},
	{"ltc/main", []*regexp.Regexp{
		regexp.MustCompile(`^ltc1[ac-hj-np-z02-9]{11,71}$`),
		regexp.MustCompile(`^[LM][a-km-zA-HJ-NP-Z1-9]{26,33}$`),
	}},
	{"doge/main", []*regexp.Regexp{regexp.MustCompile(`^D[5-9A-HJ-NP-Ua-km-z1-9]{25,34}$`)}},
	{"dash/main", []*regexp.Regexp{regexp.MustCompile(`^X[1-9A-HJ-NP-Za-km-z]{33}$`)}},
}

// DetectChain maps an address to its BlockCypher chain path, or "" when the
// format is not recognised.
func DetectChain(address string) string {
	addr := strings.TrimSpace(address)
	for _, c := range chainPatterns {
		for _, re := range c.patterns {
			if re.MatchString(addr) {
				return c.chain
			}
		}
	}
	return ""
}

type blockcypherTx struct {
	Hash      string  `json:"hash"`
	Confirmed *string `json:"confirmed"`
	Total     *int64  `json:"total"`
	Fees      *int64  `json:"fees"`
	Inputs    []struct {
		Addresses []string `json:"addresses"`
	} `json:"inputs"`
	Outputs []struct {
		Addresses []string `json:"addresses"`
	} `json:"outputs"`
}

type blockcypherResponse struct {
	Error         string          `json:"error"`
	Address       string          `json:"address"`
	TotalReceived *int64          `json:"total_received"`
	TotalSent     *int64          `json:"total_sent"`
	Balance       *int64          `json:"balance"`
	NTx           *int64          `json:"n_tx"`
	Txs           []blockcypherTx `json:"txs"`
}

// BlockcypherAddressSummary returns the balance summary, recent transactions and
// counterparty addresses of a wallet. Failures come back as {"warning": ...}.
func (c *Client) BlockcypherAddressSummary(ctx context.Context, address string, limit int) map[string]any {
	address = strings.TrimSpace(address)
	chain := DetectChain(address)
	if chain == "" {
		return map[string]any{"warning": WarnUnsupportedAddress}
	}

	params := url.Values{}
	params.Set("limit", fmt.Sprint(clamp(limit, 1, maxBlockTxs)))
	if token := c.setting(ctx, settings.BlockcypherToken); token != "" {
		params.Set("token", token)
	}
	endpoint := fmt.Sprintf("%s/%s/addrs/%s/full", strings.TrimRight(c.cfg.BlockcypherURL, "/"), chain, url.PathEscape(address))

	var data blockcypherResponse
	if err := c.fetchJSON(ctx, false, getRequest(endpoint, params, nil), &data); err != nil {
		c.logger.Warn("BlockCypher request failed", zap.String("chain", chain), zap.Error(err))
		return map[string]any{"warning": err.Error()}
	}
	if data.Error != "" {
		return map[string]any{"warning": data.Error}
	}

	transactions := []map[string]any{}
	related := make(map[string]struct{})
	for _, tx := range data.Txs {
		for _, in := range tx.Inputs {
			for _, a := range in.Addresses {
				if a != address {
					related[a] = struct{}{}
				}
			}
		}
		for _, out := range tx.Outputs {
			for _, a := range out.Addresses {
				if a != address {
					related[a] = struct{}{}
				}
			}
		}
		if tx.Hash != "" && len(transactions) < maxBlockTxs {
			transactions = append(transactions, map[string]any{
				"hash":      tx.Hash,
				"confirmed": tx.Confirmed,
				"total":     tx.Total,
				"fees":      tx.Fees,
			})
		}
	}

	relatedList := make([]string, 0, len(related))
	for a := range related {
		relatedList = append(relatedList, a)
	}
	sort.Strings(relatedList)
	if len(relatedList) > maxRelatedAddrs {
		relatedList = relatedList[:maxRelatedAddrs]
	}

	return map[string]any{
		"chain": chain,
		"summary": map[string]any{
			"address":        data.Address,
			"total_received": data.TotalReceived,
			"total_sent":     data.TotalSent,
			"balance":        data.Balance,
			"tx_count":       data.NTx,
		},
		"transactions":      transactions,
		"related_addresses": relatedList,
	}
}

// -- holehe --

// HoleheLookup runs the holehe CLI against an email address. Parsed JSON output
// is returned under "results"; the raw output is always kept, truncated.
func (c *Client) HoleheLookup(ctx context.Context, email string) map[string]any {
	binary, err := exec.LookPath(c.cfg.HolehePath)
	if err != nil {
		return map[string]any{"warning": WarnHoleheMissing}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HoleheTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, strings.TrimSpace(email), "--json")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// A non-zero exit still leaves usable output.
		var exitErr *exec.ExitError
		if ctx.Err() != nil || !errors.As(err, &exitErr) {
			c.logger.Warn("holehe failed", zap.Error(err))
			return map[string]any{"warning": err.Error()}
		}
	}

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		output = strings.TrimSpace(stderr.String())
	}
	if output == "" {
		return map[string]any{"warning": WarnEmptyOutput}
	}
	raw := output
	if len(raw) > maxHoleheRaw {
		raw = raw[:maxHoleheRaw]
	}

	var results any
	if err := json.Unmarshal([]byte(output), &results); err != nil {
		return map[string]any{"raw": raw}
	}
	return map[string]any{"results": results, "raw": raw}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
