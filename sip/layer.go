package sip

import "context"

// Layer handles requests that match no transaction.
//
// Layers are consulted in the order they were added to the [Endpoint]. A layer claims the
// request by returning true; claiming usually means creating a server transaction for it
// with [Endpoint.NewServerTransaction] or [Endpoint.NewInviteServerTransaction].
type Layer interface {
	Name() string
	HandleRequest(ctx context.Context, ep *Endpoint, req *InboundRequest) bool
}

// LayerFunc adapts a function to the [Layer] interface.
type LayerFunc struct {
	LayerName string
	Fn        func(ctx context.Context, ep *Endpoint, req *InboundRequest) bool
}

// Name returns the layer name used in logs.
func (l LayerFunc) Name() string { return l.LayerName }

// HandleRequest calls Fn and reports whether it claimed the request.
func (l LayerFunc) HandleRequest(ctx context.Context, ep *Endpoint, req *InboundRequest) bool {
	return l.Fn(ctx, ep, req)
}

// MethodLayer claims requests with the method and answers them with a final response of the status
// through a new server transaction.
func MethodLayer(mtd Method, status int) Layer {
	return LayerFunc{
		LayerName: string(mtd) + " responder",
		Fn: func(ctx context.Context, ep *Endpoint, req *InboundRequest) bool {
			if req.Method != mtd {
				return false
			}
			ep.respond(ctx, req, status)
			return true
		},
	}
}

// FallbackLayer answers every request except ACK and CANCEL with a final response of the status.
// It is meant to be the last layer, CANCEL matching no transaction is left to the endpoint.
func FallbackLayer(status int) Layer {
	return LayerFunc{
		LayerName: "fallback",
		Fn: func(ctx context.Context, ep *Endpoint, req *InboundRequest) bool {
			if req.Method == MethodAck || req.Method == MethodCancel {
				return false
			}
			ep.respond(ctx, req, status)
			return true
		},
	}
}
