// File: cmd/commands_test.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/api"
	"github.com/xkilldash9x/scamhunter/internal/export"
	"github.com/xkilldash9x/scamhunter/internal/hunt"
	"github.com/xkilldash9x/scamhunter/internal/service"
	"github.com/xkilldash9x/scamhunter/internal/settings"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

// -- fakes --

type fakeQueue struct {
	jobs   []store.Payload
	failAt int
}

func (q *fakeQueue) CreateJob(_ context.Context, jobType store.JobType, payload store.Payload) (int64, error) {
	if q.failAt > 0 && len(q.jobs)+1 == q.failAt {
		return 0, errors.New("insert failed")
	}
	q.jobs = append(q.jobs, payload)
	return int64(len(q.jobs)), nil
}

type mockJobAdmin struct {
	mock.Mock
}

func (m *mockJobAdmin) UpdateJobStatus(ctx context.Context, id int64, status store.JobStatus, lastError *string) error {
	return m.Called(ctx, id, status, lastError).Error(0)
}

func (m *mockJobAdmin) RequeueJob(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockJobAdmin) DeleteJob(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

type fakeAutomationWriter struct {
	created []store.Automation
	updated []store.Automation
}

func (w *fakeAutomationWriter) CreateAutomation(_ context.Context, a store.Automation) (int64, error) {
	w.created = append(w.created, a)
	return 42, nil
}

func (w *fakeAutomationWriter) UpdateAutomation(_ context.Context, a store.Automation) error {
	w.updated = append(w.updated, a)
	return nil
}

type memSettings struct {
	values map[string]string
}

func (m *memSettings) GetSetting(_ context.Context, key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (m *memSettings) SetSetting(_ context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func (m *memSettings) ListSettings(_ context.Context) ([]store.Setting, error) {
	out := []store.Setting{}
	for k, v := range m.values {
		out = append(out, store.Setting{Key: k, Value: v})
	}
	return out, nil
}

// -- scan / spider --

func TestEnqueueScans(t *testing.T) {
	q := &fakeQueue{}
	jobs, err := enqueueScans(context.Background(), q, []string{" https://a.example ", "", "   ", "http://b.example/login"})
	require.NoError(t, err)

	want := []queuedJob{{ID: 1, URL: "https://a.example"}, {ID: 2, URL: "http://b.example/login"}}
	if diff := cmp.Diff(want, jobs); diff != "" {
		t.Errorf("queued jobs mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "https://a.example", q.jobs[0].String("url"))
}

func TestEnqueueScans_CapsBulk(t *testing.T) {
	urls := make([]string, maxBulkURLs+50)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://host%d.example", i)
	}
	q := &fakeQueue{}
	jobs, err := enqueueScans(context.Background(), q, urls)
	require.NoError(t, err)
	assert.Len(t, jobs, maxBulkURLs)
}

func TestEnqueueScans_ReturnsPartialOnError(t *testing.T) {
	q := &fakeQueue{failAt: 2}
	jobs, err := enqueueScans(context.Background(), q, []string{"https://a.example", "https://b.example", "https://c.example"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https://b.example")
	assert.Len(t, jobs, 1)
}

func TestReadURLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte("# seeds\nhttps://a.example\n\n  https://b.example  \n#https://skip.example\n"), 0o600))

	urls, err := readURLFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, urls)

	_, err = readURLFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorContains(t, err, "failed to open url file")
}

func TestSpiderPayload(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		pages    int
		depth    int
		sitemap  bool
		wantErr  string
		wantSite string
	}{
		{name: "defaults", url: "https://a.example", pages: 200, depth: 2, sitemap: true, wantSite: "1"},
		{name: "no sitemap", url: "https://a.example", pages: 1, depth: 0, wantSite: "0"},
		{name: "missing url", url: "  ", pages: 10, depth: 1, wantErr: "url is required"},
		{name: "too many pages", url: "https://a.example", pages: 2001, depth: 1, wantErr: "--max-pages"},
		{name: "zero pages", url: "https://a.example", pages: 0, depth: 1, wantErr: "--max-pages"},
		{name: "too deep", url: "https://a.example", pages: 10, depth: 7, wantErr: "--max-depth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := spiderPayload(tt.url, tt.pages, tt.depth, tt.sitemap)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.url, p.String("url"))
			assert.Equal(t, tt.pages, p.Int("max_pages", -1))
			assert.Equal(t, tt.depth, p.Int("max_depth", -1))
			assert.Equal(t, tt.wantSite, p["use_sitemap"])
		})
	}
}

// -- jobs --

func TestApplyJobAction(t *testing.T) {
	ctx := context.Background()

	t.Run("stop records reason", func(t *testing.T) {
		q := new(mockJobAdmin)
		q.On("UpdateJobStatus", ctx, int64(7), store.StatusStopped, mock.MatchedBy(func(r *string) bool {
			return r != nil && *r == "user_stop"
		})).Return(nil)

		got, err := applyJobAction(ctx, q, "stop", 7)
		require.NoError(t, err)
		assert.Equal(t, "STOPPED", got)
		q.AssertExpectations(t)
	})

	t.Run("skip records reason", func(t *testing.T) {
		q := new(mockJobAdmin)
		q.On("UpdateJobStatus", ctx, int64(7), store.StatusSkipped, mock.MatchedBy(func(r *string) bool {
			return r != nil && *r == "user_skip"
		})).Return(nil)

		got, err := applyJobAction(ctx, q, "skip", 7)
		require.NoError(t, err)
		assert.Equal(t, "SKIPPED", got)
	})

	t.Run("requeue", func(t *testing.T) {
		q := new(mockJobAdmin)
		q.On("RequeueJob", ctx, int64(3)).Return(nil)
		got, err := applyJobAction(ctx, q, "requeue", 3)
		require.NoError(t, err)
		assert.Equal(t, "QUEUED", got)
	})

	t.Run("remove propagates store error", func(t *testing.T) {
		q := new(mockJobAdmin)
		q.On("DeleteJob", ctx, int64(3)).Return(store.ErrNotFound)
		_, err := applyJobAction(ctx, q, "remove", 3)
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := applyJobAction(ctx, new(mockJobAdmin), "explode", 1)
		assert.ErrorContains(t, err, `unknown job action "explode"`)
	})
}

// -- hunts / automations --

func TestHuntFlagsToHunt(t *testing.T) {
	h, err := huntFlags{name: " crypto drainers ", rule: "intitle:airdrop claim", ttl: 3600, delay: 60, budget: 50}.toHunt()
	require.NoError(t, err)
	assert.Equal(t, "crypto drainers", h.Name)
	assert.Equal(t, hunt.RuleDork, h.RuleType)
	assert.True(t, h.Enabled)

	h, err = huntFlags{name: "n", ruleType: "fofa", rule: `title="wallet"`, disabled: true}.toHunt()
	require.NoError(t, err)
	assert.Equal(t, "fofa", h.RuleType)
	assert.False(t, h.Enabled)

	_, err = huntFlags{name: "n"}.toHunt()
	assert.ErrorContains(t, err, "--name and --rule are required")

	_, err = huntFlags{name: "n", rule: "r", budget: -1}.toHunt()
	assert.ErrorContains(t, err, "cannot be negative")
}

const importDoc = `
name: queue crtsh hosts
trigger_type: manual
graph:
  nodes:
    - id: start
      type: start
    - id: pivot
      type: pivot_crtsh
      config:
        domain: "{{event.domain}}"
  edges:
    - from: start
      to: pivot
`

func TestImportAutomation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crtsh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(importDoc), 0o600))
	ctx := context.Background()

	w := &fakeAutomationWriter{}
	id, err := importAutomation(ctx, w, path, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	require.Len(t, w.created, 1)
	assert.Equal(t, "queue crtsh hosts", w.created[0].Name)
	assert.True(t, w.created[0].Enabled)
	assert.Contains(t, w.created[0].Graph, "nodes")

	id, err = importAutomation(ctx, w, path, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)
	require.Len(t, w.updated, 1)
	assert.Equal(t, int64(9), w.updated[0].ID)

	_, err = importAutomation(ctx, w, filepath.Join(t.TempDir(), "crtsh.toml"), 0)
	assert.ErrorContains(t, err, "unsupported definition format")
}

func TestParsePayload(t *testing.T) {
	got, err := parsePayload("")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = parsePayload(`{"domain": "evil.example", "risk": 80}`)
	require.NoError(t, err)
	assert.Equal(t, "evil.example", got["domain"])
	assert.Equal(t, float64(80), got["risk"])

	_, err = parsePayload(`["not", "an", "object"]`)
	assert.ErrorContains(t, err, "--payload must be a JSON object")
}

// -- iocs --

func TestIOCFilterFlags(t *testing.T) {
	f := iocFilterFlags{kind: " domain ", value: "evil", source: "crtsh", targetID: 5, from: "2024-01-02", to: "2024-02-01T10:00:00Z", limit: 10}
	got, err := f.filter()
	require.NoError(t, err)

	from := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	want := store.IOCFilter{Kind: "domain", Value: "evil", Source: "crtsh", TargetID: 5, DateFrom: &from, DateTo: &to, Limit: 10}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("filter mismatch (-want +got):\n%s", diff)
	}

	_, err = (&iocFilterFlags{from: "last tuesday"}).filter()
	assert.ErrorContains(t, err, "invalid --from")
	_, err = (&iocFilterFlags{to: "2024-13-40"}).filter()
	assert.ErrorContains(t, err, "invalid --to")
}

func TestWriteExport(t *testing.T) {
	iocs := []store.IOC{{ID: 1, Kind: "domain", Value: "evil.example", Source: store.StrPtr("crtsh")}}

	var out strings.Builder
	n, path, err := writeExport(export.New(), export.FormatCSV, iocs, "-", &out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "-", path)
	assert.Contains(t, out.String(), "evil.example")

	file := filepath.Join(t.TempDir(), "iocs.xlsx")
	_, path, err = writeExport(export.New(), export.FormatXLSX, iocs, file, &out)
	require.NoError(t, err)
	assert.Equal(t, file, path)
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

// -- settings / migrate / api / logs through the command tree --

func TestSettingsCmd(t *testing.T) {
	backend := &memSettings{values: map[string]string{"FOFA_KEY": "abcdefghijkl"}}
	components := &service.Components{Settings: settings.New(backend, zap.NewNop())}
	factory := new(mockComponentFactory)
	factory.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(components, nil)
	useFactory(t, factory)

	out, err := runRoot(t, "settings", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "FOFA_KEY")
	assert.Contains(t, out, "ijkl")
	assert.NotContains(t, out, "abcdefghijkl")

	out, err = runRoot(t, "settings", "set", "taxii_url", "https://taxii.example/api")
	require.NoError(t, err)
	assert.Contains(t, out, "TAXII_URL updated")
	assert.Equal(t, "https://taxii.example/api", backend.values["TAXII_URL"])
}

func TestMigrateCmd(t *testing.T) {
	t.Setenv("SCAMHUNTER_DATABASE_URL", "postgres://u:p@db:5432/hunt")

	var gotDSN string
	var gotDir store.MigrationDirection
	prevMigrate, prevReport := migrateFn, migrationReportFn
	t.Cleanup(func() { migrateFn, migrationReportFn = prevMigrate, prevReport })
	migrateFn = func(_ context.Context, dsn string, dir store.MigrationDirection, _ *zap.Logger) (int, error) {
		gotDSN, gotDir = dsn, dir
		return 3, nil
	}
	migrationReportFn = func(context.Context, string) ([]store.MigrationStatus, error) {
		return []store.MigrationStatus{{ID: "0001_init.sql", Applied: true}, {ID: "0002_hunts.sql"}}, nil
	}

	out, err := runRoot(t, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "migrate up: 3 migration(s) applied")
	assert.Equal(t, "postgres://u:p@db:5432/hunt", gotDSN)
	assert.Equal(t, store.MigrateUp, gotDir)

	out, err = runRoot(t, "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "0001_init.sql")
	assert.Contains(t, out, "pending")

	_, err = runRoot(t, "migrate", "sideways")
	assert.Error(t, err)
}

func TestAPITokenCmd(t *testing.T) {
	t.Setenv("SCAMHUNTER_API_JWT_SECRET", "s3cret-for-tests")

	out, err := runRoot(t, "api", "token", "--subject", "analyst", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := api.ParseToken([]byte("s3cret-for-tests"), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "analyst", claims.Subject)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestAPITokenCmd_NoSecret(t *testing.T) {
	_, err := runRoot(t, "api", "token")
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrNoSecret)
}

func TestTailLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scamhunter.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o600))

	var out strings.Builder
	require.NoError(t, tailLog(context.Background(), path, false, 2, &out))
	assert.Equal(t, "three\nfour\n", out.String())

	out.Reset()
	require.NoError(t, tailLog(context.Background(), path, false, 10, &out))
	assert.Equal(t, "one\ntwo\nthree\nfour\n", out.String())

	err := tailLog(context.Background(), filepath.Join(t.TempDir(), "nope.log"), false, 5, &out)
	assert.ErrorContains(t, err, "failed to open log file")
}
