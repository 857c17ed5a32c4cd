package fingerprint

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const resolvConf = "/etc/resolv.conf"

// Resolver answers A/AAAA queries through miekg/dns. With no server configured
// it reads the system resolv.conf, and falls back to the Go resolver when that
// is unavailable.
type Resolver struct {
	server  string
	timeout time.Duration
	client  *dns.Client
	logger  *zap.Logger
}

// NewResolver creates a resolver. server is host:port or empty.
func NewResolver(server string, timeout time.Duration, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if server == "" {
		if cc, err := dns.ClientConfigFromFile(resolvConf); err == nil && len(cc.Servers) > 0 {
			server = net.JoinHostPort(cc.Servers[0], cc.Port)
		}
	} else if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &Resolver{
		server:  server,
		timeout: timeout,
		client:  &dns.Client{Timeout: timeout},
		logger:  logger.Named("dns"),
	}
}

// ResolveIP returns the first A record, then the first AAAA record.
func (r *Resolver) ResolveIP(ctx context.Context, host string) Lookup {
	if host == "" {
		return Lookup{Err: fmt.Errorf("empty host")}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return Lookup{Value: ip.String()}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.server == "" {
		return r.systemLookup(ctx, host)
	}

	var lastErr error = ErrNoAnswer
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ip, err := r.query(ctx, host, qtype)
		if err == nil {
			return Lookup{Value: ip}
		}
		lastErr = err
	}
	r.logger.Debug("DNS resolution failed", zap.String("host", host), zap.Error(lastErr))
	return Lookup{Err: lastErr}
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) (string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return "", fmt.Errorf("dns exchange failed: %w", err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("dns rcode %s", dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			return rec.A.String(), nil
		case *dns.AAAA:
			return rec.AAAA.String(), nil
		}
	}
	return "", ErrNoAnswer
}

func (r *Resolver) systemLookup(ctx context.Context, host string) Lookup {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return Lookup{Err: err}
	}
	if len(addrs) == 0 {
		return Lookup{Err: ErrNoAnswer}
	}
	return Lookup{Value: addrs[0].IP.String()}
}
