package spider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/safefetch"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

// MockQueue is a mock implementation of the Queue interface.
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) GetJobStatus(ctx context.Context, id int64) (store.JobStatus, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(store.JobStatus), args.Error(1)
}

func (m *MockQueue) FilterNewJobURLs(ctx context.Context, urls []string) ([]string, error) {
	args := m.Called(ctx, urls)
	if fn, ok := args.Get(0).(func(context.Context, []string) []string); ok {
		return fn(ctx, urls), args.Error(1)
	}
	out, _ := args.Get(0).([]string)
	return out, args.Error(1)
}

func (m *MockQueue) CreateJob(ctx context.Context, jobType store.JobType, payload store.Payload) (int64, error) {
	args := m.Called(ctx, jobType, payload)
	return args.Get(0).(int64), args.Error(1)
}

// site serves a small link graph and counts page hits.
type site struct {
	*httptest.Server
	mu      sync.Mutex
	hits    map[string]int
	sitemap string
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{hits: map[string]int{}}
	pages := map[string]string{
		"/":  `<a href="/a">a</a><a href="/b#top">b</a><a href="/c">c</a><a href="https://offsite.test/x">x</a>`,
		"/a": `<a href="/d">d</a><a href="/">home</a>`,
		"/b": `<a href="/e">e</a>`,
		"/c": `no links`,
		"/d": `<a href="/f">f</a>`,
		"/e": `leaf`,
		"/f": `leaf`,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		sitemap := s.sitemap
		s.mu.Unlock()

		if r.URL.Path == "/sitemap.xml" {
			if sitemap == "" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/xml")
			_, _ = fmt.Fprint(w, sitemap)
			return
		}
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<html><body>%s</body></html>", body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *site) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func newTestSpider(t *testing.T, s *site, q Queue) *Spider {
	t.Helper()
	logger := zaptest.NewLogger(t)
	fetcher := safefetch.NewWithClient(config.FetchConfig{HTMLTimeout: 2 * time.Second}, s.Client(), logger)
	cfg := config.SpiderConfig{DefaultMaxPages: 200, DefaultMaxDepth: 2, SitemapLimit: 500, Timeout: 2 * time.Second}
	return New(q, fetcher, s.Client(), cfg, "", logger)
}

func passThroughQueue() *MockQueue {
	q := new(MockQueue)
	q.On("GetJobStatus", mock.Anything, mock.Anything).Return(store.StatusRunning, nil)
	q.On("FilterNewJobURLs", mock.Anything, mock.Anything).Return(func(_ context.Context, urls []string) []string { return urls }, nil)
	q.On("CreateJob", mock.Anything, store.JobScan, mock.Anything).Return(int64(1), nil)
	return q
}

func TestCrawl_BreadthFirstWithinDepth(t *testing.T) {
	s := newSite(t)
	q := new(MockQueue)
	q.On("GetJobStatus", mock.Anything, int64(5)).Return(store.StatusRunning, nil)
	q.On("FilterNewJobURLs", mock.Anything, mock.Anything).Return([]string{s.URL + "/c"}, nil)
	q.On("CreateJob", mock.Anything, store.JobScan, store.Payload{"url": s.URL + "/c"}).Return(int64(9), nil).Once()

	res, err := newTestSpider(t, s, q).Crawl(context.Background(), 5, Options{URL: s.URL + "/", MaxPages: 50, MaxDepth: 2, SameDomain: true, Timeout: time.Second})
	require.NoError(t, err)

	want := []string{s.URL + "/", s.URL + "/a", s.URL + "/b", s.URL + "/c", s.URL + "/d", s.URL + "/e"}
	assert.Empty(t, cmp.Diff(want, res.URLs))
	assert.Equal(t, store.StatusDone, res.Status)
	assert.Equal(t, 6, res.Visited)
	assert.Equal(t, 1, res.Queued)

	// Depth-2 pages are recorded but never fetched.
	assert.Zero(t, s.hitCount("/d"))
	assert.Zero(t, s.hitCount("/f"))
	assert.Equal(t, 1, s.hitCount("/"))
	q.AssertCalled(t, "FilterNewJobURLs", mock.Anything, want)
	q.AssertExpectations(t)
}

func TestCrawl_MaxPagesBound(t *testing.T) {
	s := newSite(t)
	q := passThroughQueue()

	res, err := newTestSpider(t, s, q).Crawl(context.Background(), 1, Options{URL: s.URL + "/", MaxPages: 3, MaxDepth: 5, SameDomain: true, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Visited)
	assert.Equal(t, 3, res.Queued)
	q.AssertNumberOfCalls(t, "CreateJob", 3)
}

func TestCrawl_ZeroDepthVisitsOnlySeed(t *testing.T) {
	s := newSite(t)
	q := passThroughQueue()
	sp := newTestSpider(t, s, q)

	res, err := sp.Crawl(context.Background(), 1, sp.OptionsFromPayload(store.Payload{"url": s.URL + "/", "max_depth": 0, "use_sitemap": false}))
	require.NoError(t, err)
	assert.Equal(t, []string{s.URL + "/"}, res.URLs)
	assert.Zero(t, s.hitCount("/"), "the seed is not fetched at depth 0")
	q.AssertNumberOfCalls(t, "CreateJob", 1)
}

func TestCrawl_ZeroDepthIgnoresSitemap(t *testing.T) {
	s := newSite(t)
	s.sitemap = fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/e</loc></url>
  <url><loc>%[1]s/f</loc></url>
</urlset>`, s.URL)
	q := passThroughQueue()
	sp := newTestSpider(t, s, q)

	opts := sp.OptionsFromPayload(store.Payload{"url": s.URL + "/", "max_depth": 0})
	require.True(t, opts.UseSitemap)

	res, err := sp.Crawl(context.Background(), 1, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Visited)
	assert.Equal(t, []string{s.URL + "/"}, res.URLs)
	assert.Zero(t, s.hitCount("/sitemap.xml"))
	q.AssertNumberOfCalls(t, "CreateJob", 1)
	q.AssertCalled(t, "CreateJob", mock.Anything, store.JobScan, store.Payload{"url": s.URL + "/"})
}

func TestCrawl_SitemapSeeding(t *testing.T) {
	s := newSite(t)
	s.sitemap = fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/e</loc></url>
  <url><loc>https://elsewhere.test/page</loc></url>
  <url><loc>%[1]s/f</loc></url>
</urlset>`, s.URL)
	q := passThroughQueue()

	res, err := newTestSpider(t, s, q).Crawl(context.Background(), 1, Options{URL: s.URL, MaxPages: 50, MaxDepth: 1, UseSitemap: true, SameDomain: true, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, s.hitCount("/sitemap.xml"))
	assert.Contains(t, res.URLs, s.URL+"/e")
	assert.Contains(t, res.URLs, s.URL+"/f")
	assert.NotContains(t, res.URLs, "https://elsewhere.test/page")
	assert.Zero(t, s.hitCount("/e"), "sitemap pages start at depth 1")
}

func TestCrawl_AllowsOffsiteWhenNotSameDomain(t *testing.T) {
	s := newSite(t)
	q := passThroughQueue()

	res, err := newTestSpider(t, s, q).Crawl(context.Background(), 0, Options{URL: s.URL + "/", MaxPages: 50, MaxDepth: 1, SameDomain: false, Timeout: time.Second})
	require.NoError(t, err)
	assert.Contains(t, res.URLs, "https://offsite.test/x")
	q.AssertNotCalled(t, "GetJobStatus", mock.Anything, mock.Anything)
}

func TestCrawl_OperatorStop(t *testing.T) {
	for _, status := range []store.JobStatus{store.StatusStopped, store.StatusSkipped} {
		t.Run(string(status), func(t *testing.T) {
			s := newSite(t)
			q := new(MockQueue)
			q.On("GetJobStatus", mock.Anything, int64(3)).Return(store.StatusRunning, nil).Once()
			q.On("GetJobStatus", mock.Anything, int64(3)).Return(status, nil)

			res, err := newTestSpider(t, s, q).Crawl(context.Background(), 3, Options{URL: s.URL + "/", MaxPages: 50, MaxDepth: 2, SameDomain: true, Timeout: time.Second})
			require.NoError(t, err)
			assert.Equal(t, status, res.Status)
			assert.Equal(t, ReasonUserStop, res.Reason)
			assert.Equal(t, 1, res.Visited)
			q.AssertNotCalled(t, "CreateJob", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestHandleJob(t *testing.T) {
	s := newSite(t)

	t.Run("missing url", func(t *testing.T) {
		q := new(MockQueue)
		res, err := newTestSpider(t, s, q).HandleJob(context.Background(), &store.Job{ID: 1, Payload: store.Payload{}})
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, res.Status)
		assert.Equal(t, ReasonMissingURL, res.Reason)
	})

	t.Run("result data", func(t *testing.T) {
		q := passThroughQueue()
		res, err := newTestSpider(t, s, q).HandleJob(context.Background(), &store.Job{ID: 2, Payload: store.Payload{
			"url": s.URL + "/", "max_pages": "2", "max_depth": 1, "use_sitemap": "0",
		}})
		require.NoError(t, err)
		assert.Equal(t, store.StatusDone, res.Status)
		assert.Equal(t, map[string]any{"queued": 2, "visited": 2, "discovered": 2}, res.Data)
	})
}

func TestOptionsFromPayload(t *testing.T) {
	sp := New(new(MockQueue), nil, nil, config.SpiderConfig{DefaultMaxPages: 200, DefaultMaxDepth: 2, Timeout: 8 * time.Second}, "", zaptest.NewLogger(t))

	opts := sp.OptionsFromPayload(store.Payload{"url": " https://a.test "})
	assert.Equal(t, Options{URL: "https://a.test", MaxPages: 200, MaxDepth: 2, UseSitemap: true, SameDomain: true, Timeout: 8 * time.Second}, opts)

	opts = sp.OptionsFromPayload(store.Payload{"url": "https://a.test", "max_depth": float64(0), "same_domain": "false", "timeout": 3, "max_pages": -1})
	assert.Equal(t, 0, opts.MaxDepth)
	assert.False(t, opts.SameDomain)
	assert.Equal(t, 3*time.Second, opts.Timeout)
	assert.Equal(t, 200, opts.MaxPages)
}

func TestParseSitemap(t *testing.T) {
	index := ParseSitemap([]byte(`<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc> https://a.test/s1.xml </loc></sitemap>
</sitemapindex>`))
	assert.Equal(t, []string{"https://a.test/s1.xml"}, index.Sitemaps)
	assert.Empty(t, index.Pages)

	set := ParseSitemap([]byte(`<ns:urlset xmlns:ns="http://www.sitemaps.org/schemas/sitemap/0.9"><ns:url><ns:loc>https://a.test/1</ns:loc></ns:url></ns:urlset>`))
	assert.Equal(t, []string{"https://a.test/1"}, set.Pages)

	assert.Empty(t, ParseSitemap([]byte("<<<not xml")).Pages)
}
