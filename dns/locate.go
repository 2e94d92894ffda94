package dns

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/util"
)

// Default SIP ports.
const (
	DefaultPort    uint16 = 5060
	DefaultTLSPort uint16 = 5061
)

// Destination is a transport protocol and address a SIP request can be sent to.
type Destination struct {
	Proto string
	Addr  netip.AddrPort
}

// LogValue implements [slog.LogValuer].
func (d Destination) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("proto", d.Proto),
		slog.String("addr", d.Addr.String()),
	)
}

var naptrServices = map[string]string{
	"SIP+D2U":  "UDP",
	"SIP+D2T":  "TCP",
	"SIPS+D2T": "TLS",
}

var srvServices = []struct {
	service, proto, transp string
}{
	{"sip", "udp", "UDP"},
	{"sip", "tcp", "TCP"},
	{"sips", "tcp", "TLS"},
}

// Locate finds the destinations of a SIP server following RFC 3263 section 4.
//
//   - An IP literal host, or a host with an explicit port, is used as is
//     with proto (UDP if empty) after an A/AAAA lookup.
//   - Without proto, NAPTR records select the protocols and SRV names;
//     without usable NAPTR records, SRV records of SIP over UDP, TCP and TLS are tried.
//   - With proto, the SRV record of that protocol is tried.
//   - Finally, the host's A/AAAA records with the default port are used.
//
// Destinations are returned in preference order.
func (r *Resolver) Locate(ctx context.Context, host string, port uint16, proto string) ([]Destination, error) {
	proto = util.UCase(proto)
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")

	if ip, err := netip.ParseAddr(host); err == nil || port != 0 {
		if proto == "" {
			proto = "UDP"
		}
		if port == 0 {
			port = protoPort(proto)
		}
		if err == nil {
			return []Destination{{Proto: proto, Addr: netip.AddrPortFrom(ip.Unmap(), port)}}, nil
		}
		return errtrace.Wrap2(r.locateHost(ctx, host, port, proto))
	}

	var (
		dsts []Destination
		err  error
	)
	if proto == "" {
		dsts, err = r.locateNAPTR(ctx, host)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		if len(dsts) > 0 {
			return dsts, nil
		}
	}

	for _, svc := range srvServices {
		if proto != "" && svc.transp != proto {
			continue
		}
		more, err := r.locateSRV(ctx, "_"+svc.service+"._"+svc.proto+"."+host, svc.transp)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		dsts = append(dsts, more...)
	}
	if len(dsts) > 0 {
		return dsts, nil
	}

	if proto == "" {
		proto = "UDP"
	}
	return errtrace.Wrap2(r.locateHost(ctx, host, protoPort(proto), proto))
}

func (r *Resolver) locateNAPTR(ctx context.Context, host string) ([]Destination, error) {
	recs, err := r.LookupNAPTR(ctx, host)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, errtrace.Wrap(err)
	}

	var dsts []Destination
	for _, rec := range recs {
		transp, ok := naptrServices[util.UCase(rec.Service)]
		if !ok || !util.EqFold(rec.Flags, "s") || rec.Replacement == "" {
			continue
		}
		more, err := r.locateSRV(ctx, rec.Replacement, transp)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		dsts = append(dsts, more...)
	}
	return dsts, nil
}

func (r *Resolver) locateSRV(ctx context.Context, name, proto string) ([]Destination, error) {
	srvs, err := r.LookupSRV(ctx, "", "", strings.TrimSuffix(name, "."))
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, errtrace.Wrap(err)
	}

	var dsts []Destination
	for _, srv := range srvs {
		target := strings.TrimSuffix(srv.Target, ".")
		if target == "" {
			continue
		}
		more, err := r.locateHost(ctx, target, srv.Port, proto)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, errtrace.Wrap(err)
		}
		dsts = append(dsts, more...)
	}
	return dsts, nil
}

func (r *Resolver) locateHost(ctx context.Context, host string, port uint16, proto string) ([]Destination, error) {
	ips, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	dsts := make([]Destination, 0, len(ips))
	for _, ip := range ips {
		dsts = append(dsts, Destination{Proto: proto, Addr: netip.AddrPortFrom(ip, port)})
	}
	return dsts, nil
}

func protoPort(proto string) uint16 {
	if proto == "TLS" || proto == "WSS" {
		return DefaultTLSPort
	}
	return DefaultPort
}

// Locate finds destinations of a SIP server with the default resolver.
func Locate(ctx context.Context, host string, port uint16, proto string) ([]Destination, error) {
	return errtrace.Wrap2(defResolver.Locate(ctx, host, port, proto))
}
