package scan

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/scamhunter/internal/fingerprint"
	"github.com/xkilldash9x/scamhunter/internal/safefetch"
	"github.com/xkilldash9x/scamhunter/internal/screenshot"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

// memStore is an in-memory Store that keeps enough structure to assert on.
type memStore struct {
	mu sync.Mutex

	nextID     int64
	targets    map[int64]store.TargetFields
	indicators []store.Indicator
	assets     []store.Asset
	signatures []store.Signature
	alertRules []store.AlertRule
	yaraRules  []store.YaraRule
	sigMatches []store.Match
	yaraHits   []store.Match
	alerts     []store.Alert
	nodes      map[string]int64
	edges      []memEdge
	campaigns  map[string]int64
	members    map[int64][]int64
	jobs       []store.Job

	failOn string
}

type memEdge struct {
	from, to int64
	kind     string
}

func newMemStore() *memStore {
	return &memStore{
		targets:   map[int64]store.TargetFields{},
		nodes:     map[string]int64{},
		campaigns: map[string]int64{},
		members:   map[int64][]int64{},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) fail(op string) error {
	if m.failOn == op {
		return fmt.Errorf("%s: db down", op)
	}
	return nil
}

func (m *memStore) CreateTarget(_ context.Context, url, domain, status string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateTarget"); err != nil {
		return 0, err
	}
	id := m.id()
	m.targets[id] = store.TargetFields{"url": url, "domain": domain, "status": status}
	return id, nil
}

func (m *memStore) UpdateTarget(_ context.Context, id int64, fields store.TargetFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateTarget"); err != nil {
		return err
	}
	for k, v := range fields {
		m.targets[id][k] = v
	}
	return nil
}

func (m *memStore) InsertIndicator(_ context.Context, targetID int64, kind, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indicators = append(m.indicators, store.Indicator{TargetID: targetID, Kind: kind, Value: value})
	return nil
}

func (m *memStore) InsertAsset(_ context.Context, a store.Asset) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	m.assets = append(m.assets, a)
	return a.ID, nil
}

func (m *memStore) ListSignatures(context.Context, bool) ([]store.Signature, error) {
	return m.signatures, nil
}

func (m *memStore) ListAlertRules(context.Context, bool) ([]store.AlertRule, error) {
	return m.alertRules, nil
}

func (m *memStore) ListYaraRules(context.Context, bool) ([]store.YaraRule, error) {
	return m.yaraRules, nil
}

func (m *memStore) InsertSignatureMatch(_ context.Context, match store.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sigMatches = append(m.sigMatches, match)
	return nil
}

func (m *memStore) InsertYaraMatch(_ context.Context, match store.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.yaraHits = append(m.yaraHits, match)
	return nil
}

func (m *memStore) CountSignatureMatches(_ context.Context, targetID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, match := range m.sigMatches {
		if match.TargetID == targetID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateAlert(_ context.Context, targetID int64, kind, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tid := targetID
	m.alerts = append(m.alerts, store.Alert{TargetID: &tid, Kind: kind, Message: message})
	return nil
}

func (m *memStore) UpsertNode(_ context.Context, kind, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := kind + "\x00" + value
	if id, ok := m.nodes[key]; ok {
		return id, nil
	}
	id := m.id()
	m.nodes[key] = id
	return id, nil
}

func (m *memStore) CreateEdge(_ context.Context, from, to int64, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges = append(m.edges, memEdge{from: from, to: to, kind: kind})
	return nil
}

func (m *memStore) EnsureCampaign(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.campaigns[key]; ok {
		return id, nil
	}
	id := m.id()
	m.campaigns[key] = id
	return id, nil
}

func (m *memStore) AddCampaignMember(_ context.Context, campaignID, targetID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[campaignID] = append(m.members[campaignID], targetID)
	return nil
}

func (m *memStore) CreateJob(_ context.Context, jobType store.JobType, payload store.Payload) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateJob"); err != nil {
		return 0, err
	}
	id := m.id()
	m.jobs = append(m.jobs, store.Job{ID: id, Type: jobType, Status: store.StatusQueued, Payload: payload})
	return id, nil
}

func (m *memStore) node(kind, value string) (int64, bool) {
	id, ok := m.nodes[kind+"\x00"+value]
	return id, ok
}

func (m *memStore) hasEdge(from, to int64, kind string) bool {
	for _, e := range m.edges {
		if e.from == from && e.to == to && e.kind == kind {
			return true
		}
	}
	return false
}

func (m *memStore) campaignMembers(key string) []int64 {
	return m.members[m.campaigns[key]]
}

// fakeFetcher serves canned responses keyed by URL.
type fakeFetcher struct {
	mu     sync.Mutex
	html   map[string]safefetch.HTMLResult
	assets map[string]safefetch.AssetResult
	images map[string]safefetch.ImageResult
	calls  []string
}

func (f *fakeFetcher) record(u string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u)
}

func (f *fakeFetcher) FetchHTML(_ context.Context, u string) safefetch.HTMLResult {
	f.record(u)
	if r, ok := f.html[u]; ok {
		return r
	}
	return safefetch.HTMLResult{Status: store.TargetFailed, Reason: "connection refused", Headers: map[string]string{}}
}

func (f *fakeFetcher) FetchAsset(_ context.Context, u string) safefetch.AssetResult {
	f.record(u)
	if r, ok := f.assets[u]; ok {
		return r
	}
	return safefetch.AssetResult{Status: store.TargetFailed, Reason: "not found"}
}

func (f *fakeFetcher) FetchImage(_ context.Context, u string) safefetch.ImageResult {
	f.record(u)
	if r, ok := f.images[u]; ok {
		return r
	}
	return safefetch.ImageResult{Status: store.TargetFailed, Reason: "not found"}
}

type staticLookup fingerprint.Lookup

func (s staticLookup) ResolveIP(context.Context, string) fingerprint.Lookup {
	return fingerprint.Lookup(s)
}

func (s staticLookup) Fingerprint(context.Context, string) fingerprint.Lookup {
	return fingerprint.Lookup(s)
}

type fakeCapturer struct {
	res   screenshot.Result
	calls int
}

func (c *fakeCapturer) Capture(context.Context, string, int64) screenshot.Result {
	c.calls++
	return c.res
}

type fakeVerifier struct {
	verdict *bool
	calls   []string
}

func (v *fakeVerifier) VerifySignatureMatch(_ context.Context, name, _, _, _ string) (*bool, string) {
	v.calls = append(v.calls, name)
	return v.verdict, "test"
}
