package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scamhunter/internal/settings"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestExporter() *Exporter {
	n := 0
	return &Exporter{
		now: func() time.Time { return fixedNow },
		newID: func() string {
			n++
			return fmt.Sprintf("00000000-0000-0000-0000-%012d", n)
		},
	}
}

func sampleIOCs() []store.IOC {
	tid := int64(7)
	return []store.IOC{
		{ID: 1, Kind: "domain", Value: "evil.example", TargetID: &tid, Domain: store.StrPtr("evil.example"), URL: store.StrPtr("https://evil.example/login"), Source: store.StrPtr("scan"), CreatedAt: fixedNow},
		{ID: 2, Kind: "sha256", Value: "abc123", Note: store.StrPtr("kit, v2"), CreatedAt: fixedNow},
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = ParseFormat(" STIX ")
	require.NoError(t, err)
	assert.Equal(t, FormatSTIX, f)

	_, err = ParseFormat("pdf")
	assert.Error(t, err)

	assert.Equal(t, "application/xml", FormatOpenIOC.ContentType())
	assert.Equal(t, "ioc", FormatOpenIOC.Extension())
	assert.Equal(t, "json", FormatMISP.Extension())
}

func TestWrite_CSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, newTestExporter().Write(&buf, FormatCSV, sampleIOCs()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	want := [][]string{
		{"id", "kind", "value", "target_id", "domain", "url", "source", "note", "created_at"},
		{"1", "domain", "evil.example", "7", "evil.example", "https://evil.example/login", "scan", "", "2026-03-14T09:26:53Z"},
		{"2", "sha256", "abc123", "", "", "", "", "kit, v2", "2026-03-14T09:26:53Z"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("csv rows mismatch (-want +got):\n%s", diff)
	}
}

func TestWrite_JSONEmptyIsArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, newTestExporter().Write(&buf, FormatJSON, nil))
	assert.JSONEq(t, `[]`, buf.String())
}

func TestSTIXBundle(t *testing.T) {
	b := newTestExporter().STIXBundle(sampleIOCs())
	assert.Equal(t, "bundle", b.Type)
	assert.Equal(t, "bundle--00000000-0000-0000-0000-000000000001", b.ID)
	require.Len(t, b.Objects, 2)

	ind := b.Objects[0]
	assert.Equal(t, "indicator--00000000-0000-0000-0000-000000000002", ind.ID)
	assert.Equal(t, "2.1", ind.SpecVersion)
	assert.Equal(t, "IOC domain", ind.Name)
	assert.Equal(t, "2026-03-14T09:26:53.000Z", ind.Created)
	assert.Equal(t, ind.Created, ind.ValidFrom)
	assert.Equal(t, "[domain-name:value = 'evil.example']", ind.Pattern)
	assert.Equal(t, "[file:hashes.'SHA-256' = 'abc123']", b.Objects[1].Pattern)
}

func TestSTIXPattern(t *testing.T) {
	tests := []struct{ kind, value, want string }{
		{"md5", "d41d8", "[file:hashes.'MD5' = 'd41d8']"},
		{"URL", "https://x.test/", "[url:value = 'https://x.test/']"},
		{"domain_name", "x.test", "[domain-name:value = 'x.test']"},
		{"btc", "1Abc", "[x-scamhunter:hash = '1Abc']"},
		{"url", "https://x.test/?q='1'", `[url:value = 'https://x.test/?q=\'1\'']`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, STIXPattern(tt.kind, tt.value), "%s/%s", tt.kind, tt.value)
	}
}

func TestWrite_OpenIOC(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, newTestExporter().Write(&buf, FormatOpenIOC, sampleIOCs()))

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(buf.Bytes()))
	root := doc.SelectElement("OpenIOC")
	require.NotNil(t, root)
	assert.Equal(t, openIOCNamespace, root.SelectAttrValue("xmlns", ""))

	items := doc.FindElements("//IndicatorItem")
	require.Len(t, items, 2)
	assert.Equal(t, "domain", items[0].SelectElement("Context").SelectAttrValue("search", ""))
	assert.Equal(t, "evil.example", items[0].SelectElement("Content").Text())
	assert.Equal(t, "OR", doc.FindElement("//Indicator").SelectAttrValue("operator", ""))
}

func TestMISPEvent(t *testing.T) {
	ev := newTestExporter().MISPEvent(sampleIOCs())
	assert.Equal(t, "ScamHunter IOC Export", ev.Event.Info)
	assert.Equal(t, "2026-03-14", ev.Event.Date)
	require.Len(t, ev.Event.Attribute, 2)
	assert.Equal(t, MISPAttribute{
		Type:    "other",
		Value:   "evil.example",
		Comment: "kind=domain domain=evil.example url=https://evil.example/login",
	}, ev.Event.Attribute[0])
	assert.Equal(t, "kind=sha256 domain= url=", ev.Event.Attribute[1].Comment)
}

func TestWrite_XLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, newTestExporter().Write(&buf, FormatXLSX, sampleIOCs()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(xlsxSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, columns, rows[0])
	assert.Equal(t, "evil.example", rows[1][2])
}

func TestWrite_UnknownFormat(t *testing.T) {
	assert.Error(t, newTestExporter().Write(io.Discard, Format("pdf"), nil))
}

// -- TAXII --

func newTestPusher(t *testing.T, srv *httptest.Server, creds settings.Static) *TAXIIPusher {
	t.Helper()
	p := NewTAXIIPusher(newTestExporter(), creds, srv.Client(), zaptest.NewLogger(t))
	p.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return p
}

func TestTAXIIPush(t *testing.T) {
	var gotPath, gotType, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotType, gotAuth = r.URL.Path, r.Header.Get("Content-Type"), r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := newTestPusher(t, srv, settings.Static{
		settings.TAXIIURL:        srv.URL + "/taxii2/api1/",
		settings.TAXIICollection: "c0ffee",
		settings.TAXIIAPIKey:     "s3cret",
	})
	res, err := p.Push(context.Background(), sampleIOCs())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Pushed)
	assert.Equal(t, srv.URL+"/taxii2/api1/collections/c0ffee/objects/", res.Endpoint)
	assert.Equal(t, "/taxii2/api1/collections/c0ffee/objects/", gotPath)
	assert.Equal(t, taxiiContentType, gotType)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Contains(t, string(gotBody), `"type":"bundle"`)
}

func TestTAXIIPush_NotConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer srv.Close()

	_, err := newTestPusher(t, srv, settings.Static{settings.TAXIIURL: srv.URL}).Push(context.Background(), sampleIOCs())
	assert.ErrorIs(t, err, ErrTAXIINotConfigured)
}

func TestTAXIIPush_Retries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	creds := settings.Static{settings.TAXIIURL: srv.URL, settings.TAXIICollection: "c"}
	_, err := newTestPusher(t, srv, creds).Push(context.Background(), sampleIOCs())
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())

	hits.Store(0)
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer rejecting.Close()
	creds = settings.Static{settings.TAXIIURL: rejecting.URL, settings.TAXIICollection: "c"}
	_, err = newTestPusher(t, rejecting, creds).Push(context.Background(), sampleIOCs())
	assert.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}
