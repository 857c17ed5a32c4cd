package scan

import (
	"context"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/fingerprint"
	"github.com/xkilldash9x/scamhunter/internal/safefetch"
	"github.com/xkilldash9x/scamhunter/internal/screenshot"
	"github.com/xkilldash9x/scamhunter/internal/settings"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

const (
	lureURL  = "https://fakebank.test/login"
	lureHTML = `<html><head><title> Fake Bank Login </title>
<link rel="icon" href="data:image/png;base64,aGVsbG8=">
<link rel="stylesheet" href="/static/site.css">
<script src="https://cdn.example.net/kit.js"></script>
<script src="/static/missing.js"></script>
</head><body>Contact support@fakebank.test for help. Enter your SEED PHRASE here.</body></html>`
)

type testEnv struct {
	store    *memStore
	fetcher  *fakeFetcher
	capturer *fakeCapturer
	deps     Deps
	cfg      config.ScanConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := newMemStore()
	ff := &fakeFetcher{
		html: map[string]safefetch.HTMLResult{
			lureURL: htmlResult(lureURL, lureHTML),
		},
		assets: map[string]safefetch.AssetResult{
			"https://cdn.example.net/kit.js":     {Status: store.TargetDone, Content: []byte("var drainer = connect();")},
			"https://fakebank.test/static/site.css": {Status: store.TargetDone, Content: []byte("body{color:red}")},
		},
	}
	capturer := &fakeCapturer{res: screenshot.Result{Status: screenshot.StatusDone, Path: "shot.png", AHash: "aa", PHash: "ff00", DHash: "dd"}}
	env := &testEnv{
		store:    ms,
		fetcher:  ff,
		capturer: capturer,
		cfg:      config.ScanConfig{StorageDir: t.TempDir()},
	}
	env.deps = Deps{
		Store:    ms,
		Fetcher:  ff,
		Resolver: staticLookup{Value: "203.0.113.7"},
		TLS:      staticLookup{Value: "jarmhash"},
		Capturer: capturer,
		Settings: settings.Static{},
	}
	return env
}

func (e *testEnv) pipeline(t *testing.T) *Pipeline {
	return New(e.cfg, e.deps, zaptest.NewLogger(t))
}

func htmlResult(u, html string) safefetch.HTMLResult {
	return safefetch.HTMLResult{
		OK:            true,
		Status:        store.TargetDone,
		Content:       []byte(html),
		Text:          html,
		Headers:       map[string]string{"Server": "nginx", "Content-Type": "text/html"},
		ContentType:   "text/html",
		HTTPStatus:    200,
		FinalURL:      u,
		RedirectChain: []safefetch.Hop{{URL: u, Status: 200}},
	}
}

func TestScanURL_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.store.signatures = []store.Signature{
		{ID: 1, Name: "Seed phrase lure", Pattern: "seed phrase", TargetField: store.FieldHTML, Enabled: true},
		{ID: 2, Name: "Server banner", Pattern: "nginx", TargetField: store.FieldHeaders, Enabled: true},
		{ID: 3, Name: "Kit marker", Pattern: "drainer", TargetField: store.FieldAsset, Enabled: true},
		{ID: 4, Name: "Disabled", Pattern: "seed", TargetField: store.FieldHTML, Enabled: false},
	}
	env.store.alertRules = []store.AlertRule{
		{ID: 10, Name: "Login lure", Pattern: "login", TargetField: store.FieldURL, Enabled: true},
		{ID: 11, Name: "Never", Pattern: "zzz-nothing", TargetField: store.FieldHTML, Enabled: true},
	}
	env.store.yaraRules = []store.YaraRule{
		{ID: 20, Name: "seed", RuleText: `rule seed { strings: $a = "SEED PHRASE" condition: $a }`, TargetField: store.FieldHTML, Enabled: true},
		{ID: 21, Name: "kit", RuleText: `rule kit { strings: $a = "connect()" condition: $a }`, TargetField: store.FieldAsset, Enabled: true},
	}

	out, err := env.pipeline(t).ScanURL(context.Background(), lureURL)
	require.NoError(t, err)
	assert.Equal(t, store.TargetDone, out.Status)
	assert.Empty(t, out.Reason)

	ms := env.store
	target := ms.targets[out.TargetID]
	assert.Equal(t, store.TargetDone, target["status"])
	assert.Equal(t, "fakebank.test", target["domain"])
	assert.Equal(t, "Fake Bank Login", *target["title"].(*string))
	assert.Equal(t, DOMHash(lureHTML), target["dom_hash"])
	assert.Equal(t, "Content-Type:text/html\nServer:nginx", target["headers_text"])
	assert.Equal(t, "203.0.113.7", *target["ip"].(*string))
	assert.Equal(t, 60, target["risk_score"])
	assert.Equal(t, "ff00", *target["screenshot_phash"].(*string))

	htmlPath := target["html_path"].(*string)
	require.NotNil(t, htmlPath)
	saved, err := os.ReadFile(*htmlPath)
	require.NoError(t, err)
	assert.Equal(t, lureHTML, string(saved))

	favicon := fingerprint.FaviconFromDataURI("data:image/png;base64,aGVsbG8=").Hash
	require.NotEmpty(t, favicon)
	assert.Equal(t, favicon, *target["favicon_hash"].(*string))

	require.Len(t, ms.indicators, 1)
	assert.Equal(t, store.Indicator{TargetID: out.TargetID, Kind: store.IndicatorEmail, Value: "support@fakebank.test"}, ms.indicators[0])

	// Scripts come before stylesheets, failures are recorded without hashes.
	require.Len(t, ms.assets, 3)
	assert.Equal(t, "https://cdn.example.net/kit.js", ms.assets[0].URL)
	assert.NotNil(t, ms.assets[0].SHA256)
	assert.Equal(t, "https://fakebank.test/static/missing.js", ms.assets[1].URL)
	assert.Equal(t, store.TargetFailed, ms.assets[1].Status)
	assert.Nil(t, ms.assets[1].MD5)
	assert.Equal(t, "css", ms.assets[2].Type)

	require.Len(t, ms.sigMatches, 3)
	var assetMatch *store.Match
	for i := range ms.sigMatches {
		assert.NotEqual(t, int64(4), ms.sigMatches[i].RuleID)
		if ms.sigMatches[i].RuleID == 3 {
			assetMatch = &ms.sigMatches[i]
		}
	}
	require.NotNil(t, assetMatch)
	require.NotNil(t, assetMatch.AssetID)
	assert.Equal(t, ms.assets[0].ID, *assetMatch.AssetID)

	require.Len(t, ms.yaraHits, 2)
	assert.Equal(t, int64(21), ms.yaraHits[0].RuleID)
	assert.Equal(t, ms.assets[0].ID, *ms.yaraHits[0].AssetID)
	assert.Equal(t, int64(20), ms.yaraHits[1].RuleID)
	assert.Nil(t, ms.yaraHits[1].AssetID)
	assert.Equal(t, 70, ms.yaraHits[1].Confidence)

	var messages []string
	for _, a := range ms.alerts {
		messages = append(messages, a.Kind+": "+a.Message)
	}
	assert.Empty(t, cmp.Diff([]string{"rule: Login lure matched", "risk: Risk score 60 exceeds threshold"}, messages))

	domainNode, ok := ms.node(NodeDomain, "fakebank.test")
	require.True(t, ok)
	urlNode, ok := ms.node(NodeURL, lureURL)
	require.True(t, ok)
	assert.True(t, ms.hasEdge(domainNode, urlNode, EdgeHosts))
	ipNode, _ := ms.node(NodeIP, "203.0.113.7")
	assert.True(t, ms.hasEdge(domainNode, ipNode, EdgeResolvesTo))
	emailNode, _ := ms.node(store.IndicatorEmail, "support@fakebank.test")
	assert.True(t, ms.hasEdge(urlNode, emailNode, EdgeIndicator))
	shotNode, _ := ms.node(NodeScreenshotPHash, "ff00")
	assert.True(t, ms.hasEdge(urlNode, shotNode, EdgeScreenshot))

	for _, key := range CampaignKeys(DOMHash(lureHTML), favicon, "jarmhash", "ff00") {
		assert.Equal(t, []int64{out.TargetID}, ms.campaignMembers(key), key)
	}

	require.Len(t, ms.jobs, 1)
	job := ms.jobs[0]
	assert.Equal(t, store.JobAutomationEvent, job.Type)
	assert.Equal(t, EventScanDone, job.Payload["event"])
	payload := job.Payload.Map("payload")
	require.NotNil(t, payload)
	assert.Equal(t, out.TargetID, payload["target_id"])
	assert.Equal(t, 60, payload["risk_score"])
	assert.Equal(t, []string{"support@fakebank.test"}, payload["emails"])
	assert.Equal(t, []string{}, payload["wallets"])
}

func TestScanURL_FetchRejected(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.html["https://fakebank.test/doc"] = safefetch.HTMLResult{
		Status:  store.TargetSkippedFile,
		Reason:  "content_type:application/pdf",
		Headers: map[string]string{"Content-Type": "application/pdf"},
	}

	out, err := env.pipeline(t).ScanURL(context.Background(), "https://fakebank.test/doc")
	require.NoError(t, err)
	assert.Equal(t, Outcome{TargetID: out.TargetID, Status: store.TargetSkippedFile, Reason: "content_type:application/pdf"}, out)

	target := env.store.targets[out.TargetID]
	assert.Equal(t, store.TargetSkippedFile, target["status"])
	assert.NotContains(t, target, "redirect_chain")
	assert.NotContains(t, target, "dom_hash")
	assert.Equal(t, 1, env.capturer.calls, "failures still get a screenshot")
	assert.Empty(t, env.store.jobs)
	assert.Empty(t, env.store.nodes)
}

func TestScanURL_BestEffortStepsDegrade(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Resolver = staticLookup{Err: fingerprint.ErrNoAnswer}
	env.deps.TLS = staticLookup{Err: fingerprint.ErrNoAnswer}
	env.deps.Capturer = nil

	out, err := env.pipeline(t).ScanURL(context.Background(), lureURL)
	require.NoError(t, err)
	assert.Equal(t, store.TargetDone, out.Status)

	target := env.store.targets[out.TargetID]
	assert.Nil(t, target["ip"].(*string))
	assert.Nil(t, target["jarm"].(*string))
	assert.Equal(t, screenshot.StatusSkipped, *target["screenshot_status"].(*string))
	assert.Equal(t, screenshot.ReasonDisabled, *target["screenshot_reason"].(*string))

	_, hasJarmCampaign := env.store.campaigns["jarm:"]
	assert.False(t, hasJarmCampaign)
	assert.Len(t, env.store.campaigns, 2, "dom and favicon only")
}

func TestScanURL_CampaignClustering(t *testing.T) {
	env := newTestEnv(t)
	other := `<html><body>different page</body></html>`
	env.fetcher.html["https://mirror.test/"] = htmlResult("https://mirror.test/", lureHTML)
	env.fetcher.html["https://third.test/"] = htmlResult("https://third.test/", other)
	p := env.pipeline(t)

	first, err := p.ScanURL(context.Background(), lureURL)
	require.NoError(t, err)
	second, err := p.ScanURL(context.Background(), "https://mirror.test/")
	require.NoError(t, err)
	third, err := p.ScanURL(context.Background(), "https://third.test/")
	require.NoError(t, err)

	ms := env.store
	assert.Equal(t, []int64{first.TargetID, second.TargetID}, ms.campaignMembers("dom:"+DOMHash(lureHTML)))
	assert.Equal(t, []int64{third.TargetID}, ms.campaignMembers("dom:"+DOMHash(other)))
	assert.Equal(t, []int64{first.TargetID, second.TargetID, third.TargetID}, ms.campaignMembers("jarm:jarmhash"))
}

func TestScanURL_RemoteFavicon(t *testing.T) {
	page := `<html><head><link rel="shortcut icon" href="/favicon.ico"></head><body>x</body></html>`
	icon := []byte("not-really-an-icon")

	for _, enabled := range []bool{false, true} {
		env := newTestEnv(t)
		env.fetcher.html[lureURL] = htmlResult(lureURL, page)
		env.fetcher.images = map[string]safefetch.ImageResult{
			"https://fakebank.test/favicon.ico": {Status: store.TargetDone, Content: icon, ContentType: "image/x-icon"},
		}
		if enabled {
			env.deps.Settings = settings.Static{settings.RemoteFaviconEnabled: "1"}
		}

		out, err := env.pipeline(t).ScanURL(context.Background(), lureURL)
		require.NoError(t, err)

		got := env.store.targets[out.TargetID]["favicon_hash"].(*string)
		if enabled {
			require.NotNil(t, got)
			assert.Equal(t, fingerprint.MMH3(icon), *got)
			assert.Contains(t, env.fetcher.calls, "https://fakebank.test/favicon.ico")
		} else {
			assert.Nil(t, got)
			assert.NotContains(t, env.fetcher.calls, "https://fakebank.test/favicon.ico")
		}
	}
}

func TestScanURL_SignatureVerification(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name           string
		verdict        *bool
		wantMatch      bool
		wantVerified   *bool
		wantConfidence int
	}{
		{"verified match", &yes, true, &yes, 90},
		{"rejected match is dropped", &no, false, nil, 0},
		{"no verdict keeps an unverified match", nil, true, nil, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			v := &fakeVerifier{verdict: tt.verdict}
			env.deps.Verifier = v
			env.store.signatures = []store.Signature{
				{ID: 7, Name: "Wallet seed lure", Pattern: "seed phrase", TargetField: store.FieldHTML, Enabled: true},
				{ID: 8, Name: "Plain", Pattern: "support@", TargetField: store.FieldHTML, Enabled: true},
			}

			_, err := env.pipeline(t).ScanURL(context.Background(), lureURL)
			require.NoError(t, err)
			assert.Equal(t, []string{"Wallet seed lure"}, v.calls, "only high-value names are verified")

			var got *store.Match
			for i := range env.store.sigMatches {
				if env.store.sigMatches[i].RuleID == 7 {
					got = &env.store.sigMatches[i]
				}
			}
			if !tt.wantMatch {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantVerified, got.Verified)
			assert.Equal(t, tt.wantConfidence, got.Confidence)
		})
	}
}

func TestScanURL_StoreErrorsPropagate(t *testing.T) {
	env := newTestEnv(t)
	env.store.failOn = "CreateJob"
	out, err := env.pipeline(t).ScanURL(context.Background(), lureURL)
	require.Error(t, err)
	assert.NotZero(t, out.TargetID)
	assert.Equal(t, store.TargetDone, env.store.targets[out.TargetID]["status"], "rows written before the failure stay")
}

func TestHandleJob(t *testing.T) {
	t.Run("missing url", func(t *testing.T) {
		env := newTestEnv(t)
		res, err := env.pipeline(t).HandleJob(context.Background(), &store.Job{Payload: store.Payload{"url": "  "}})
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, res.Status)
		assert.Equal(t, ReasonMissingURL, res.Reason)
		assert.Empty(t, env.store.targets)
	})

	t.Run("done", func(t *testing.T) {
		env := newTestEnv(t)
		res, err := env.pipeline(t).HandleJob(context.Background(), &store.Job{Payload: store.Payload{"url": lureURL}})
		require.NoError(t, err)
		assert.Equal(t, store.StatusDone, res.Status)
		assert.Equal(t, store.TargetDone, res.Data["status"])
	})

	t.Run("skipped file maps to SKIPPED", func(t *testing.T) {
		env := newTestEnv(t)
		env.fetcher.html["https://x.test/a.exe"] = safefetch.HTMLResult{Status: store.TargetSkippedFile, Reason: safefetch.ReasonDangerousExtension}
		res, err := env.pipeline(t).HandleJob(context.Background(), &store.Job{Payload: store.Payload{"url": "https://x.test/a.exe"}})
		require.NoError(t, err)
		assert.Equal(t, store.StatusSkipped, res.Status)
		assert.Equal(t, safefetch.ReasonDangerousExtension, res.Reason)
	})

	t.Run("fetch failure maps to FAILED", func(t *testing.T) {
		env := newTestEnv(t)
		res, err := env.pipeline(t).HandleJob(context.Background(), &store.Job{Payload: store.Payload{"url": "https://down.test/"}})
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, res.Status)
		assert.Equal(t, "connection refused", res.Reason)
	})

	t.Run("store error is returned", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.failOn = "CreateTarget"
		_, err := env.pipeline(t).HandleJob(context.Background(), &store.Job{Payload: store.Payload{"url": lureURL}})
		assert.ErrorContains(t, err, "db down")
	})
}

func TestSaveHTML_CapsBytesOnRuneBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.MaxHTMLBytes = 10
	p := env.pipeline(t)

	st := &scanState{targetID: 42, html: "<p>€€€€€€</p>", logger: zaptest.NewLogger(t)}
	path := p.saveHTML(st)
	require.NotNil(t, path)

	data, err := os.ReadFile(*path)
	require.NoError(t, err)
	assert.Equal(t, "<p>€€", string(data))
	assert.LessOrEqual(t, len(data), 10)
}
