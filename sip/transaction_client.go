package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/types"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Request returns the request that started the transaction.
	Request() *Request
	// Target returns the transport and address the request is sent to.
	Target() Target
	// LastResponse returns the last response passed up by the transaction.
	LastResponse() *InboundResponse
	// Receive waits for the next response passed up by the transaction.
	// Once nothing else will be passed up it returns the termination reason,
	// or [ErrTransactionTerminated] after a normal termination.
	Receive(ctx context.Context) (*InboundResponse, error)
	// ReceiveFinal is like Receive but skips provisional responses.
	ReceiveFinal(ctx context.Context) (*InboundResponse, error)
	// OnResponse registers a callback called for every response passed up.
	// Callbacks run on the transaction goroutine and must not block.
	OnResponse(fn TransactionResponseHandler) (remove func())
}

// TransactionResponseHandler is a callback receiving responses passed up by a client transaction.
type TransactionResponseHandler = func(ctx context.Context, tx ClientTransaction, res *InboundResponse)

type clientTransact struct {
	*baseTransact
	req     *Request
	reqData []byte
	lastRes atomic.Pointer[InboundResponse]

	onRes types.CallbackManager[TransactionResponseHandler]
	ress  types.Queue[*InboundResponse]
}

func newClientTransact(
	typ TransactionType,
	impl ClientTransaction,
	tbl *TransactionTable,
	req *Request,
	tgt Target,
	opts *TransactionOptions,
) (*clientTransact, error) {
	if tbl == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("nil transaction table"))
	}
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !tgt.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid target"))
	}
	if typ.Invite != (req.Method == MethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	if req.Method == MethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	key, err := NewRequestKey(req, RoleClient)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx := &clientTransact{
		req:     req,
		reqData: req.Bytes(),
	}
	reg, err := tbl.TryRegister(key)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.baseTransact = newBaseTransact(typ, impl, key, reg, tgt.Transport, tgt.Addr, opts)
	return tx, nil
}

// Request returns the request that started the transaction.
// The request must not be modified.
func (tx *clientTransact) Request() *Request { return tx.req }

// Target returns the transport and address the request is sent to.
func (tx *clientTransact) Target() Target { return Target{tx.tp, tx.dst} }

// LastResponse returns the last response passed up by the transaction.
func (tx *clientTransact) LastResponse() *InboundResponse { return tx.lastRes.Load() }

// OnResponse registers a callback called for every response passed up.
func (tx *clientTransact) OnResponse(fn TransactionResponseHandler) (remove func()) {
	return tx.onRes.Add(fn)
}

// Receive waits for the next response passed up by the transaction.
func (tx *clientTransact) Receive(ctx context.Context) (*InboundResponse, error) {
	for {
		if res, ok := tx.ress.Pop(); ok {
			return res, nil
		}
		select {
		case <-tx.ress.Ready():
		case <-tx.done:
			if res, ok := tx.ress.Pop(); ok {
				return res, nil
			}
			if err := tx.err; err != nil {
				return nil, errtrace.Wrap(err)
			}
			return nil, errtrace.Wrap(ErrTransactionTerminated)
		case <-ctx.Done():
			return nil, errtrace.Wrap(ctx.Err())
		}
	}
}

// ReceiveFinal waits for the next final response passed up by the transaction.
func (tx *clientTransact) ReceiveFinal(ctx context.Context) (*InboundResponse, error) {
	for {
		res, err := tx.Receive(ctx)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		if res.IsFinal() {
			return res, nil
		}
	}
}

func (tx *clientTransact) clnTxImpl() ClientTransaction {
	return tx.impl.(ClientTransaction) //nolint:forcetypeassert
}

// sendReq sends the initial request. A failure is returned before the goroutine starts.
func (tx *clientTransact) sendReq(ctx context.Context) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request",
		slog.Any("transaction", tx.impl),
		slog.Any("request", tx.req),
		slog.Any("target", tx.Target()),
	)
	return errtrace.Wrap(tx.send(ctx, "request", tx.reqData))
}

// retransmitReq re-sends the request; a failure terminates the transaction.
func (tx *clientTransact) retransmitReq(ctx context.Context) {
	tx.stats.txRetransmitted(tx.typ)
	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send request", slog.Any("transaction", tx.impl))
	tx.send(ctx, "request", tx.reqData) //nolint:errcheck
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*InboundResponse) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response",
		slog.Any("transaction", tx.impl),
		slog.Any("response", res),
	)

	tx.lastRes.Store(res)
	tx.ress.Push(res)

	impl := tx.clnTxImpl()
	for fn := range tx.onRes.All() {
		fn(ctx, impl, res)
	}
	return nil
}
