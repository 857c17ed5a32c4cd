package fingerprint

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func gradientPNG(t *testing.T, invert bool) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			v := uint8(x * 8)
			if invert {
				v = 255 - v
			}
			img.Set(x, y, color.RGBA{R: v, G: uint8(y * 8), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestMMH3(t *testing.T) {
	assert.Equal(t, "0", MMH3([]byte("")))
	assert.Equal(t, "613153351", MMH3([]byte("hello")))
	assert.Equal(t, "-156908512", MMH3([]byte("foo")))
}

func TestFaviconFromDataURI(t *testing.T) {
	raw := gradientPNG(t, false)
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)

	fav := FaviconFromDataURI(uri)
	require.NoError(t, fav.Err)
	assert.Equal(t, MMH3(raw), fav.Hash)
	assert.Len(t, fav.PHash, 16)
	require.NotNil(t, fav.HashPtr())

	again := FaviconFromDataURI(uri)
	assert.Equal(t, fav, again, "hashing is deterministic")
}

func TestFaviconFromDataURI_Failures(t *testing.T) {
	fav := FaviconFromDataURI("/favicon.ico")
	assert.ErrorIs(t, fav.Err, ErrNotDataURI)
	assert.Nil(t, fav.HashPtr())

	fav = FaviconFromDataURI("data:image/x-icon;base64,AAABAAEAEBA=")
	assert.NotEmpty(t, fav.Hash, "the byte hash survives an undecodable image")
	assert.Empty(t, fav.PHash)
	assert.Error(t, fav.Err)

	assert.True(t, IsDataURI(" DATA:image/png;base64,xx"))
	assert.False(t, IsDataURI("https://a.test/favicon.ico"))
}

func TestHashImage(t *testing.T) {
	img1, err := DecodeImage(gradientPNG(t, false))
	require.NoError(t, err)
	img2, err := DecodeImage(gradientPNG(t, true))
	require.NoError(t, err)

	h1, err := HashImage(img1)
	require.NoError(t, err)
	h1b, err := HashImage(img1)
	require.NoError(t, err)
	h2, err := HashImage(img2)
	require.NoError(t, err)

	assert.Equal(t, h1, h1b)
	assert.Len(t, h1.AHash, 16)
	assert.Len(t, h1.DHash, 16)
	assert.NotEqual(t, h1.DHash, h2.DHash)

	_, err = DecodeImage([]byte("not an image"))
	assert.Error(t, err)
}

func TestHashTLSState(t *testing.T) {
	a := HashTLSState(tls.ConnectionState{Version: tls.VersionTLS13, CipherSuite: tls.TLS_AES_128_GCM_SHA256, NegotiatedProtocol: "h2"})
	b := HashTLSState(tls.ConnectionState{Version: tls.VersionTLS13, CipherSuite: tls.TLS_AES_128_GCM_SHA256, NegotiatedProtocol: "h2"})
	c := HashTLSState(tls.ConnectionState{Version: tls.VersionTLS13, CipherSuite: tls.TLS_AES_128_GCM_SHA256, NegotiatedProtocol: "http/1.1"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestTLSFingerprinter_Fingerprint(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p := NewTLSFingerprinter(2 * time.Second)
	res := p.Fingerprint(context.Background(), srv.Listener.Addr().String())
	require.NoError(t, res.Err)
	assert.Len(t, res.Value, 64)
	assert.Equal(t, res.Value, p.Fingerprint(context.Background(), srv.Listener.Addr().String()).Value)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	res = p.Fingerprint(context.Background(), closedAddr)
	assert.Error(t, res.Err)
	assert.Nil(t, res.Ptr())
}

func startDNS(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		switch {
		case q.Name == "scam.test." && q.Qtype == dns.TypeA:
			rr, _ := dns.NewRR("scam.test. 60 IN A 192.0.2.10")
			m.Answer = append(m.Answer, rr)
		case q.Name == "v6only.test." && q.Qtype == dns.TypeAAAA:
			rr, _ := dns.NewRR("v6only.test. 60 IN AAAA 2001:db8::1")
			m.Answer = append(m.Answer, rr)
		case q.Name == "v6only.test.":
		default:
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestResolver_ResolveIP(t *testing.T) {
	addr := startDNS(t)
	r := NewResolver(addr, time.Second, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.Equal(t, "192.0.2.10", r.ResolveIP(ctx, "scam.test").Value)
	assert.Equal(t, "192.0.2.10", r.ResolveIP(ctx, "scam.test:8443").Value, "port is ignored")
	assert.Equal(t, "2001:db8::1", r.ResolveIP(ctx, "v6only.test").Value)

	miss := r.ResolveIP(ctx, "missing.test")
	assert.Error(t, miss.Err)
	assert.False(t, miss.OK())

	assert.Equal(t, "203.0.113.5", r.ResolveIP(ctx, "203.0.113.5").Value)
}
