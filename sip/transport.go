package sip

import (
	"context"
	"log/slog"
	"net/netip"

	"braces.dev/errtrace"
)

// Transport is a message transport used by transactions to send messages.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Send writes the rendered message to the destination.
	Send(ctx context.Context, data []byte, dst netip.AddrPort) error
	// Reliable reports whether the transport guarantees delivery, e.g. TCP or TLS.
	Reliable() bool
	// Secure reports whether the transport is encrypted.
	Secure() bool
	// LocalAddr returns the local address the transport is bound to.
	LocalAddr() netip.AddrPort
	// Proto returns the transport token used in Via headers, e.g. "UDP".
	Proto() string
}

// Target is the destination of outgoing requests of a client transaction.
type Target struct {
	Transport Transport
	Addr      netip.AddrPort
}

// IsValid reports whether the target has a transport and a valid address.
func (t Target) IsValid() bool { return t.Transport != nil && t.Addr.IsValid() }

// LogValue implements [slog.LogValuer].
func (t Target) LogValue() slog.Value {
	if t.Transport == nil {
		return slog.GroupValue(slog.String("addr", t.Addr.String()))
	}
	return slog.GroupValue(
		slog.String("proto", t.Transport.Proto()),
		slog.String("addr", t.Addr.String()),
	)
}

// InboundMessage is a message received from a transport.
type InboundMessage interface {
	Message
	// Transport returns the transport the message was received on.
	Transport() Transport
	// Source returns the address the message was received from.
	Source() netip.AddrPort
}

// InboundRequest is a request received from a transport.
type InboundRequest struct {
	*Request
	tp  Transport
	src netip.AddrPort
}

// NewInboundRequest wraps req received on tp from src.
func NewInboundRequest(req *Request, tp Transport, src netip.AddrPort) *InboundRequest {
	return &InboundRequest{req, tp, src}
}

func (r *InboundRequest) Transport() Transport { return r.tp }

func (r *InboundRequest) Source() netip.AddrPort { return r.src }

// LogValue implements [slog.LogValuer].
func (r *InboundRequest) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("request", r.Request),
		slog.String("source", r.src.String()),
	)
}

// InboundResponse is a response received from a transport.
type InboundResponse struct {
	*Response
	tp  Transport
	src netip.AddrPort
}

// NewInboundResponse wraps res received on tp from src.
func NewInboundResponse(res *Response, tp Transport, src netip.AddrPort) *InboundResponse {
	return &InboundResponse{res, tp, src}
}

func (r *InboundResponse) Transport() Transport { return r.tp }

func (r *InboundResponse) Source() netip.AddrPort { return r.src }

// LogValue implements [slog.LogValuer].
func (r *InboundResponse) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("response", r.Response),
		slog.String("source", r.src.String()),
	)
}

// NewInboundMessage wraps a decoded message received on tp from src.
func NewInboundMessage(msg Message, tp Transport, src netip.AddrPort) (InboundMessage, error) {
	switch m := msg.(type) {
	case *Request:
		return NewInboundRequest(m, tp, src), nil
	case *Response:
		return NewInboundResponse(m, tp, src), nil
	default:
		return nil, errtrace.Wrap(NewInvalidArgumentError("unsupported message type %T", msg))
	}
}

func reliable(tp Transport) bool { return tp != nil && tp.Reliable() }
