package sip

import (
	"context"
	"net"
	"net/netip"
	"strconv"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/util"
)

// Default SIP ports.
const (
	DefaultPort    uint16 = 5060
	DefaultTLSPort uint16 = 5061
)

// HostResolver resolves host names to IP addresses.
// [net.Resolver] and the dns package resolver satisfy it.
type HostResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var defResolver HostResolver = net.DefaultResolver

func defaultPort(proto string) uint16 {
	if util.EqFold(proto, "TLS") || util.EqFold(proto, "WSS") {
		return DefaultTLSPort
	}
	return DefaultPort
}

// SetReceived adds the received and rport parameters to the top Via of the request
// (RFC 3261 section 18.2.1, RFC 3581).
// received is set when the source IP differs from the Via sent-by host,
// an empty rport is filled with the source port.
func SetReceived(req *InboundRequest) {
	if req == nil || len(req.Via) == 0 || !req.Source().IsValid() {
		return
	}

	via := &req.Via[0]
	srcIP := req.Source().Addr().Unmap()
	if ip, err := netip.ParseAddr(via.Host); err != nil || ip.Unmap() != srcIP {
		via.Params = via.Params.Set("received", srcIP.String())
	}
	if rport, ok := via.Params.Get("rport"); ok && rport == "" {
		via.Params = via.Params.Set("rport", strconv.Itoa(int(req.Source().Port())))
	}
}

// ResponseTarget returns the address responses to the request are sent to
// when it can be found without name resolution (RFC 3261 section 18.2.2, RFC 3581):
// the source address for reliable transports; otherwise maddr, then received
// with rport, then the sent-by address. Host names yield false.
func ResponseTarget(req *InboundRequest) (netip.AddrPort, bool) {
	if req == nil {
		return netip.AddrPort{}, false
	}
	if reliable(req.Transport()) && req.Source().IsValid() {
		return req.Source(), true
	}

	via, ok := req.TopVia()
	if !ok {
		return netip.AddrPort{}, false
	}
	port := viaPort(via)

	if maddr, ok := via.Params.Get("maddr"); ok {
		if ip, err := netip.ParseAddr(maddr); err == nil {
			return netip.AddrPortFrom(ip, port), true
		}
		return netip.AddrPort{}, false
	}
	if recv, ok := via.Params.Get("received"); ok {
		if ip, err := netip.ParseAddr(recv); err == nil {
			if rport, ok := via.Params.Get("rport"); ok {
				if p, err := strconv.ParseUint(rport, 10, 16); err == nil && p > 0 {
					port = uint16(p)
				}
			}
			return netip.AddrPortFrom(ip, port), true
		}
	}
	if ip, err := netip.ParseAddr(via.Host); err == nil {
		return netip.AddrPortFrom(ip, port), true
	}
	return netip.AddrPort{}, false
}

// ResolveResponseTarget is like [ResponseTarget] but resolves host names in maddr
// and sent-by with the resolver.
func ResolveResponseTarget(ctx context.Context, req *InboundRequest, rslv HostResolver) (netip.AddrPort, error) {
	if addr, ok := ResponseTarget(req); ok {
		return addr, nil
	}
	if req == nil {
		return netip.AddrPort{}, errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}
	via, ok := req.TopVia()
	if !ok {
		return netip.AddrPort{}, errtrace.Wrap(NewMalformedMessageError("missing Via header"))
	}
	if rslv == nil {
		return netip.AddrPort{}, errtrace.Wrap(NewInvalidArgumentError("no resolver for host %q", via.Host))
	}

	host := via.Host
	if maddr, ok := via.Params.Get("maddr"); ok {
		host = maddr
	}
	ips, err := rslv.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(err)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, errtrace.Wrap(NewInvalidArgumentError("no addresses for host %q", host))
	}
	return netip.AddrPortFrom(ips[0].Unmap(), viaPort(via)), nil
}

func viaPort(via Via) uint16 {
	if via.Port != 0 {
		return via.Port
	}
	return defaultPort(via.Transport)
}
