package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/util"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Request returns the request that started the transaction.
	Request() *InboundRequest
	// LastResponse returns the last response sent by the transaction.
	LastResponse() *Response
	// Respond sends the response through the transaction.
	// Responses above 100 without a To tag get the transaction To tag.
	Respond(ctx context.Context, res *Response) error
}

type serverTransact struct {
	*baseTransact
	req     *InboundRequest
	toTag   string
	lastRes atomic.Pointer[Response]
	resData []byte
}

func newServerTransact(
	typ TransactionType,
	impl ServerTransaction,
	tbl *TransactionTable,
	req *InboundRequest,
	opts *TransactionOptions,
) (*serverTransact, error) {
	if tbl == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil transaction table"))
	}
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if req.Transport() == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	if typ.Invite != (req.Method == MethodInvite) || req.Method == MethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	dst := opts.dest()
	if !dst.IsValid() {
		var ok bool
		if dst, ok = ResponseTarget(req); !ok {
			dst = req.Source()
		}
	}
	if !dst.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("unknown response destination"))
	}

	key, err := NewRequestKey(req.Request, RoleServer)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx := &serverTransact{
		req:   req,
		toTag: util.RandStringLC(10),
	}
	reg, err := tbl.TryRegister(key)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.baseTransact = newBaseTransact(typ, impl, key, reg, req.Transport(), dst, opts)
	return tx, nil
}

// Request returns the request that started the transaction.
func (tx *serverTransact) Request() *InboundRequest { return tx.req }

// LastResponse returns the last response sent by the transaction.
func (tx *serverTransact) LastResponse() *Response { return tx.lastRes.Load() }

// ToTag returns the To tag added to responses lacking one.
func (tx *serverTransact) ToTag() string { return tx.toTag }

// Respond sends the response through the transaction state machine.
// It returns the transport error if the response could not be sent,
// and an error wrapping [ErrUnexpectedMessage] if the state does not allow the response.
func (tx *serverTransact) Respond(ctx context.Context, res *Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if res.CSeq.Num != tx.req.CSeq.Num || res.CallID != tx.req.CallID {
		return errtrace.Wrap(NewInvalidArgumentError("response does not match the request"))
	}

	res = res.Clone()
	if res.Status > StatusTrying && res.To.Tag() == "" {
		res.To = res.To.WithTag(tx.toTag)
	}

	switch {
	case res.IsProvisional():
		return errtrace.Wrap(tx.exec(ctx, txEvtSend1xx, res))
	case res.IsSuccess():
		return errtrace.Wrap(tx.exec(ctx, txEvtSend2xx, res))
	default:
		return errtrace.Wrap(tx.exec(ctx, txEvtSend300699, res))
	}
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response",
		slog.Any("transaction", tx.impl),
		slog.Any("response", res),
	)

	tx.lastRes.Store(res)
	tx.resData = res.Bytes()
	tx.send(ctx, "response", tx.resData) //nolint:errcheck
	return nil
}

// actResendRes re-sends the cached response bytes; failures are only logged.
func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	if tx.resData == nil {
		return nil
	}
	tx.resend(ctx, "response", tx.resData)
	return nil
}
