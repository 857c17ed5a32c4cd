package scan

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scamhunter/internal/htmlx"
	"github.com/xkilldash9x/scamhunter/internal/safefetch"
	"github.com/xkilldash9x/scamhunter/internal/store"
	"github.com/xkilldash9x/scamhunter/internal/yara"
)

// fetchedAsset pairs a reference with its fetch outcome.
type fetchedAsset struct {
	ref htmlx.AssetRef
	res safefetch.AssetResult
}

// processAssets fetches the page's scripts and stylesheets with bounded
// concurrency, then records them in document order. Each fetched asset is
// hashed and run through asset-scoped signatures and YARA rules.
func (p *Pipeline) processAssets(ctx context.Context, st *scanState, sigs []store.Signature, yaraRules []store.YaraRule) error {
	if st.page == nil {
		return nil
	}
	refs := st.page.Assets(p.cfg.MaxAssets)
	if len(refs) == 0 {
		return nil
	}

	fetched := make([]fetchedAsset, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.AssetConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			fetched[i] = fetchedAsset{ref: ref, res: p.deps.Fetcher.FetchAsset(gctx, ref.URL)}
			return nil
		})
	}
	// Fetch outcomes are values, never errors.
	_ = g.Wait()

	for _, fa := range fetched {
		if err := p.recordAsset(ctx, st, fa, sigs, yaraRules); err != nil {
			return err
		}
	}
	st.logger.Debug("Assets processed", zap.Int("count", len(fetched)), zap.Int("hashes", len(st.assetHashes)))
	return nil
}

func (p *Pipeline) recordAsset(ctx context.Context, st *scanState, fa fetchedAsset, sigs []store.Signature, yaraRules []store.YaraRule) error {
	asset := store.Asset{TargetID: st.targetID, URL: fa.ref.URL, Type: fa.ref.Type, Status: fa.res.Status}
	if fa.res.Status != store.TargetDone || fa.res.Content == nil {
		_, err := p.deps.Store.InsertAsset(ctx, asset)
		return err
	}

	md5sum, sha := safefetch.HashBytes(fa.res.Content)
	asset.MD5, asset.SHA256 = &md5sum, &sha
	assetID, err := p.deps.Store.InsertAsset(ctx, asset)
	if err != nil {
		return err
	}
	st.assetHashes = append(st.assetHashes, md5sum, sha)

	text := strings.ToValidUTF8(string(fa.res.Content), "")
	for _, sig := range sigs {
		if !sig.Enabled || sig.TargetField != store.FieldAsset {
			continue
		}
		if err := p.recordSignature(ctx, st, sig, text, &assetID); err != nil {
			return err
		}
	}

	for _, ruleID := range yara.Match(fa.res.Content, yaraRules, store.FieldAsset, st.logger) {
		verified := true
		m := store.Match{TargetID: st.targetID, RuleID: ruleID, AssetID: &assetID, Verified: &verified, Confidence: yaraConfidence}
		if err := p.deps.Store.InsertYaraMatch(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
