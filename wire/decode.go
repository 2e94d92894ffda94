// Package wire converts SIP messages between the wire format and the sip package model.
//
// Parsing is done by the sipgo parser. The typed headers it returns for Via, From, To,
// Call-ID and CSeq are copied into the sip package model, other headers are kept as raw values.
package wire

//go:generate errtrace -w .

import (
	"maps"
	"math"
	"net/netip"
	"slices"
	"strings"

	"braces.dev/errtrace"
	sipgo "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/siptx/internal/util"
	"github.com/ghettovoice/siptx/sip"
)

// Decode parses a single datagram into a [*sip.Request] or [*sip.Response].
// Errors match [sip.ErrMalformedMessage].
func Decode(data []byte) (sip.Message, error) {
	msg, err := sipgo.ParseMessage(data)
	if err != nil {
		return nil, errtrace.Wrap(sip.NewMalformedMessageError(err))
	}

	switch m := msg.(type) {
	case *sipgo.Request:
		req := &sip.Request{
			Method: sip.Method(m.Method),
			URI:    m.Recipient.String(),
			Body:   cloneBody(m.Body()),
		}
		if err := convertHeaders(&req.MessageHeaders, m.Headers()); err != nil {
			return nil, errtrace.Wrap(err)
		}
		return req, nil
	case *sipgo.Response:
		res := &sip.Response{
			Status: m.StatusCode,
			Reason: m.Reason,
			Body:   cloneBody(m.Body()),
		}
		if err := convertHeaders(&res.MessageHeaders, m.Headers()); err != nil {
			return nil, errtrace.Wrap(err)
		}
		return res, nil
	default:
		return nil, errtrace.Wrap(sip.NewMalformedMessageError("unsupported message %T", msg))
	}
}

func convertHeaders(dst *sip.MessageHeaders, hdrs []sipgo.Header) error {
	for _, h := range hdrs {
		switch h := h.(type) {
		case *sipgo.ViaHeader:
			via, err := convertVia(h)
			if err != nil {
				return errtrace.Wrap(err)
			}
			dst.Via = append(dst.Via, via)
		case *sipgo.FromHeader:
			addr, err := convertNameAddr(h.DisplayName, &h.Address, h.Params)
			if err != nil {
				return errtrace.Wrap(err)
			}
			dst.From = addr
		case *sipgo.ToHeader:
			addr, err := convertNameAddr(h.DisplayName, &h.Address, h.Params)
			if err != nil {
				return errtrace.Wrap(err)
			}
			dst.To = addr
		case *sipgo.CallIDHeader:
			dst.CallID = h.Value()
		case *sipgo.CSeqHeader:
			dst.CSeq = sip.CSeq{Num: h.SeqNo, Method: sip.Method(h.MethodName)}
		default:
			dst.AddHeader(h.Name(), h.Value())
		}
	}
	return nil
}

func convertVia(h *sipgo.ViaHeader) (sip.Via, error) {
	if !util.EqFold(h.ProtocolName, "SIP") || h.Transport == "" {
		return sip.Via{}, errtrace.Wrap(sip.NewMalformedMessageError("invalid Via protocol %q", h.ProtocolName+"/"+h.ProtocolVersion+"/"+h.Transport))
	}
	// sipgo keeps IPv6 references bracketed
	host := strings.TrimSuffix(strings.TrimPrefix(h.Host, "["), "]")
	if host == "" || (strings.Contains(host, ":") && !isIPv6(host)) {
		return sip.Via{}, errtrace.Wrap(sip.NewMalformedMessageError("invalid Via sent-by %q", h.SentBy()))
	}
	if h.Port < 0 || h.Port > math.MaxUint16 {
		return sip.Via{}, errtrace.Wrap(sip.NewMalformedMessageError("invalid Via sent-by port %d", h.Port))
	}
	return sip.Via{
		Transport: util.UCase(h.Transport),
		Host:      host,
		Port:      uint16(h.Port),
		Params:    convertParams(h.Params, "branch"),
	}, nil
}

func isIPv6(s string) bool {
	ip, err := netip.ParseAddr(s)
	return err == nil && ip.Is6()
}

func convertNameAddr(display string, uri *sipgo.Uri, params sipgo.HeaderParams) (sip.NameAddr, error) {
	addr := sip.NameAddr{
		Display: unescapeQuoted(display),
		URI:     uri.String(),
		Params:  convertParams(params, "tag"),
	}
	if uri.Scheme == "" || addr.URI == "" {
		return sip.NameAddr{}, errtrace.Wrap(sip.NewMalformedMessageError("invalid URI %q", addr.URI))
	}
	return addr, nil
}

// convertParams copies the parameter map into a list.
// The leading names come first, the rest follow in name order.
func convertParams(hp sipgo.HeaderParams, leading ...string) sip.Params {
	if len(hp) == 0 {
		return nil
	}
	ps := make(sip.Params, 0, len(hp))
	for _, name := range leading {
		if v, ok := hp[name]; ok {
			ps = append(ps, sip.Param{Name: name, Value: v})
		}
	}
	for _, name := range slices.Sorted(maps.Keys(hp)) {
		if slices.Contains(leading, name) {
			continue
		}
		ps = append(ps, sip.Param{Name: name, Value: hp[name]})
	}
	return ps
}

// unescapeQuoted resolves quoted-pairs left in a display name.
func unescapeQuoted(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func cloneBody(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
