package scan

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/llmclient"
	"github.com/xkilldash9x/scamhunter/internal/store"
	"github.com/xkilldash9x/scamhunter/internal/yara"
)

const (
	snippetContext = 120

	unverifiedConfidence = 40
	verifiedConfidence   = 90
	yaraConfidence       = 70
)

// RegexSearch runs a case-insensitive search and returns the match with up to
// 120 bytes of context on each side. An invalid pattern never matches.
func RegexSearch(pattern, text string) (bool, string) {
	if pattern == "" || text == "" {
		return false, ""
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return false, ""
	}
	loc := re.FindStringIndex(text)
	if loc == nil {
		return false, ""
	}
	start := max(loc[0]-snippetContext, 0)
	end := min(loc[1]+snippetContext, len(text))
	return true, text[start:end]
}

// haystack picks the artifact a page-level rule is matched against.
func (st *scanState) haystack(field string) string {
	switch field {
	case store.FieldHTML:
		return st.html
	case store.FieldHeaders:
		return st.headersText
	case store.FieldURL:
		return st.url
	}
	return ""
}

func (p *Pipeline) applySignatures(ctx context.Context, st *scanState, sigs []store.Signature) error {
	for _, sig := range sigs {
		if !sig.Enabled || sig.TargetField == store.FieldAsset {
			continue
		}
		if err := p.recordSignature(ctx, st, sig, st.haystack(sig.TargetField), nil); err != nil {
			return err
		}
	}
	return nil
}

// recordSignature matches one signature and stores the match. Signatures with
// high-value names are sent to the verifier when one is configured: a false
// verdict drops the match, a true one raises its confidence.
func (p *Pipeline) recordSignature(ctx context.Context, st *scanState, sig store.Signature, text string, assetID *int64) error {
	matched, snippet := RegexSearch(sig.Pattern, text)
	if !matched {
		return nil
	}

	m := store.Match{TargetID: st.targetID, RuleID: sig.ID, AssetID: assetID, Confidence: unverifiedConfidence}
	if p.deps.Verifier != nil && llmclient.NeedsVerification(sig.Name) {
		verdict, reason := p.deps.Verifier.VerifySignatureMatch(ctx, sig.Name, sig.TargetField, sig.Pattern, snippet)
		switch {
		case verdict == nil:
			st.logger.Debug("Signature match left unverified", zap.Int64("signature_id", sig.ID), zap.String("reason", reason))
		case !*verdict:
			st.logger.Info("Verifier rejected signature match", zap.Int64("signature_id", sig.ID), zap.String("reason", reason))
			return nil
		default:
			m.Verified = verdict
			m.Confidence = verifiedConfidence
		}
	}
	return p.deps.Store.InsertSignatureMatch(ctx, m)
}

// applyAlertRules raises a "rule" alert per matching enabled rule.
func (p *Pipeline) applyAlertRules(ctx context.Context, st *scanState) error {
	rules, err := p.deps.Store.ListAlertRules(ctx, true)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if matched, _ := RegexSearch(rule.Pattern, st.haystack(rule.TargetField)); !matched {
			continue
		}
		if err := p.deps.Store.CreateAlert(ctx, st.targetID, store.AlertKindRule, rule.Name+" matched"); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) applyYaraHTML(ctx context.Context, st *scanState, rules []store.YaraRule) error {
	if len(rules) == 0 {
		return nil
	}
	verified := true
	for _, ruleID := range yara.Match([]byte(st.html), rules, store.FieldHTML, st.logger) {
		m := store.Match{TargetID: st.targetID, RuleID: ruleID, Verified: &verified, Confidence: yaraConfidence}
		if err := p.deps.Store.InsertYaraMatch(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
