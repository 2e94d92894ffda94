// Package dns resolves SIP hosts: A/AAAA, SRV and NAPTR lookups and
// RFC 3263 server location.
package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"

	"github.com/ghettovoice/siptx/internal/errorutil"
)

// ErrNoRecords is returned when a name exists but has no records of the requested type.
const ErrNoRecords errorutil.Error = "no DNS records"

// Resolver wraps net.Resolver with additional DNS lookup capabilities.
//
// When NameServer is set, all queries are sent to it directly,
// otherwise A/AAAA and SRV lookups go through the embedded net.Resolver
// and NAPTR queries use the first server from /etc/resolv.conf.
type Resolver struct {
	net.Resolver

	// NameServer specifies the DNS server address (e.g., "8.8.8.8:53").
	NameServer string
	// Timeout specifies the timeout for DNS queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
}

// LookupNetIP looks up host addresses. network is one of "ip", "ip4" or "ip6".
// IPv4-mapped IPv6 addresses are unmapped. An IP literal host is returned as is.
func (r *Resolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}

	var (
		ips []netip.Addr
		err error
	)
	if r.NameServer == "" {
		ips, err = r.Resolver.LookupNetIP(ctx, network, host)
	} else {
		ips, err = r.exchangeIP(ctx, network, host)
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i, ip := range ips {
		ips[i] = ip.Unmap()
	}
	return ips, nil
}

func (r *Resolver) exchangeIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	var qtypes []uint16
	switch network {
	case "ip4":
		qtypes = []uint16{dns.TypeA}
	case "ip6":
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	var (
		ips  []netip.Addr
		errs []error
	)
	for _, qtype := range qtypes {
		ans, err := r.exchange(ctx, host, qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, rr := range ans {
			var ip net.IP
			switch rr := rr.(type) {
			case *dns.A:
				ip = rr.A
			case *dns.AAAA:
				ip = rr.AAAA
			default:
				continue
			}
			if addr, ok := netip.AddrFromSlice(ip); ok {
				ips = append(ips, addr)
			}
		}
	}
	if len(ips) > 0 {
		return ips, nil
	}
	if len(errs) > 0 {
		return nil, errtrace.Wrap(errorutil.JoinPrefix("lookup "+host, errs...))
	}
	return nil, errtrace.Wrap(notFound(host, ErrNoRecords))
}

type SRV = net.SRV

// LookupSRV looks up SRV records of the service.
// Empty service and proto query name directly.
// Records are sorted by priority, then by descending weight.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, name string) ([]*SRV, error) {
	if r.NameServer == "" {
		_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, name)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return srvs, nil
	}

	qname := name
	if service != "" || proto != "" {
		qname = "_" + service + "._" + proto + "." + name
	}
	ans, err := r.exchange(ctx, qname, dns.TypeSRV)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	srvs := make([]*SRV, 0, len(ans))
	for _, rr := range ans {
		if rr, ok := rr.(*dns.SRV); ok {
			srvs = append(srvs, &SRV{
				Target:   rr.Target,
				Port:     rr.Port,
				Priority: rr.Priority,
				Weight:   rr.Weight,
			})
		}
	}
	if len(srvs) == 0 {
		return nil, errtrace.Wrap(notFound(qname, ErrNoRecords))
	}
	slices.SortStableFunc(srvs, func(a, b *SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
	return srvs, nil
}

// NAPTR represents a NAPTR DNS record as defined in RFC 3403.
// NAPTR records are used for URI resolution, particularly in SIP (RFC 3263)
// for discovering transport protocols and services.
type NAPTR struct {
	// Order specifies the order in which NAPTR records must be processed.
	// Lower values are processed first.
	Order uint16
	// Preference specifies the preference for records with equal Order values.
	// Lower values are preferred.
	Preference uint16
	// Flags control aspects of the rewriting and interpretation of fields.
	// Common flags: "s" (SRV lookup), "a" (A/AAAA lookup), "u" (terminal URI).
	Flags string
	// Service specifies the service and protocol available.
	// For SIP: "SIP+D2U" (UDP), "SIP+D2T" (TCP), "SIP+D2S" (SCTP), "SIPS+D2T" (TLS).
	Service string
	// Regexp is a substitution expression applied to the original string.
	Regexp string
	// Replacement is the next domain name to query.
	Replacement string
}

// LookupNAPTR queries NAPTR records for the given host.
// Returns records sorted by Order (ascending), then by Preference (ascending).
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	ans, err := r.exchange(ctx, host, dns.TypeNAPTR)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	recs := make([]*NAPTR, 0, len(ans))
	for _, rr := range ans {
		if rr, ok := rr.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
		}
	}

	slices.SortStableFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})
	return recs, nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			Server:     nameserver,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}
	return resp.Answer, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

func notFound(name string, err error) error {
	return &net.DNSError{
		Err:        err.Error(),
		Name:       name,
		IsNotFound: true,
	}
}

// IsNotFound reports whether err means the name or its records do not exist.
func IsNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

var defResolver = &Resolver{}

func DefaultResolver() *Resolver { return defResolver }

func LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	return errtrace.Wrap2(defResolver.LookupNetIP(ctx, "ip", host))
}

func LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	return errtrace.Wrap2(defResolver.LookupSRV(ctx, service, proto, host))
}

func LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	return errtrace.Wrap2(defResolver.LookupNAPTR(ctx, host))
}
