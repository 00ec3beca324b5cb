package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"

	"github.com/hashforge/bnet/neterror"
)

// Resolver turns a hostname into candidate IPs. Implementations must honor
// context cancellation so a connect timeout can abort an in-flight lookup.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// resolvConf is the standard location of the system resolver configuration.
const resolvConf = "/etc/resolv.conf"

// DNSResolver queries the system's configured name servers directly, which
// keeps lookups cancellable and independently timed rather than subject to
// the platform resolver's own retry policy. Literal IPs short-circuit without
// a query.
type DNSResolver struct {
	client  *dns.Client
	servers []string

	// wantV6 adds AAAA queries alongside A.
	wantV6 bool
}

// NewDNSResolver builds a resolver from the system configuration. When no
// name server can be discovered the platform resolver is used as a fallback
// at lookup time.
func NewDNSResolver(wantV6 bool) *DNSResolver {
	r := &DNSResolver{
		client: new(dns.Client),
		wantV6: wantV6,
	}

	if conf, err := dns.ClientConfigFromFile(resolvConf); err == nil {
		for _, server := range conf.Servers {
			r.servers = append(r.servers,
				net.JoinHostPort(server, conf.Port))
		}
	}

	return r
}

// Resolve implements Resolver.
func (r *DNSResolver) Resolve(ctx context.Context, host string) ([]net.IP,
	error) {

	// A literal address needs no lookup.
	if ip := net.ParseIP(host); ip != nil {
		if !r.wantV6 && ip.To4() == nil {
			return nil, neterror.ErrAddressDisabled
		}
		return []net.IP{ip}, nil
	}

	if len(r.servers) == 0 {
		return r.resolveFallback(ctx, host)
	}

	types := []uint16{dns.TypeA}
	if r.wantV6 {
		types = append(types, dns.TypeAAAA)
	}

	var (
		ips     []net.IP
		lastErr error
	)
	for _, qtype := range types {
		answers, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		ips = append(ips, answers...)
	}

	switch {
	case len(ips) > 0:
		return ips, nil
	case lastErr != nil:
		return nil, lastErr
	default:
		return nil, neterror.ErrAddressNotFound
	}
}

// query asks each configured server in turn for one record type.
func (r *DNSResolver) query(ctx context.Context, host string,
	qtype uint16) ([]net.IP, error) {

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			if ctx.Err() != nil {
				return nil, neterror.ErrOperationCanceled
			}
			lastErr = err
			continue
		}

		var ips []net.IP
		for _, rr := range in.Answer {
			switch record := rr.(type) {
			case *dns.A:
				ips = append(ips, record.A)
			case *dns.AAAA:
				ips = append(ips, record.AAAA)
			}
		}
		return ips, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", neterror.ErrResolveFailed,
			lastErr)
	}
	return nil, neterror.ErrResolveFailed
}

// resolveFallback defers to the platform resolver when no name server is
// configured.
func (r *DNSResolver) resolveFallback(ctx context.Context,
	host string) ([]net.IP, error) {

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, neterror.FromResolve(err)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if !r.wantV6 && addr.IP.To4() == nil {
			continue
		}
		ips = append(ips, addr.IP)
	}

	if len(ips) == 0 {
		return nil, neterror.ErrAddressNotFound
	}
	return ips, nil
}
