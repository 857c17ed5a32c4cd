package fingerprint

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"time"
)

// TLSFingerprinter computes a JARM-style server fingerprint: the SHA-256 of the
// negotiated "version|cipher|alpn" for a single ClientHello. It clusters
// infrastructure that shares a TLS stack, which is all the campaign key needs.
type TLSFingerprinter struct {
	timeout time.Duration
	port    string
}

// NewTLSFingerprinter fingerprints port 443.
func NewTLSFingerprinter(timeout time.Duration) *TLSFingerprinter {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &TLSFingerprinter{timeout: timeout, port: "443"}
}

// Fingerprint connects to host and hashes the negotiated parameters. Host may
// carry an explicit port.
func (p *TLSFingerprinter) Fingerprint(ctx context.Context, host string) Lookup {
	if host == "" {
		return Lookup{Err: fmt.Errorf("empty host")}
	}
	addr := host
	serverName := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		serverName = h
	} else {
		addr = net.JoinHostPort(host, p.port)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Phishing kits often sit behind invalid certificates; the handshake
	// parameters are what we are after, and no application data is sent.
	d := &tls.Dialer{Config: &tls.Config{
		ServerName:         serverName,
		NextProtos:         []string{"h2", "http/1.1"},
		MinVersion:         tls.VersionTLS10,
		InsecureSkipVerify: true,
	}}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Lookup{Err: fmt.Errorf("tls handshake failed: %w", err)}
	}
	defer conn.Close()

	tc, ok := conn.(*tls.Conn)
	if !ok {
		return Lookup{Err: fmt.Errorf("unexpected connection type %T", conn)}
	}
	return Lookup{Value: HashTLSState(tc.ConnectionState())}
}

// HashTLSState is the fingerprint function, split out for tests.
func HashTLSState(st tls.ConnectionState) string {
	raw := fmt.Sprintf("%s|%s|%s", versionLabel(st.Version), tls.CipherSuiteName(st.CipherSuite), st.NegotiatedProtocol)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func versionLabel(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLSv1"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	}
	return fmt.Sprintf("0x%04x", v)
}
