package sip

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
)

// InviteClientTransaction is an INVITE client transaction (RFC 3261 section 17.1.1 with the
// Accepted state of RFC 6026).
//
// Non-2xx final responses are acknowledged by the transaction itself.
// After a 2xx response the transaction stays Accepted until timer M fires and keeps
// passing up 2xx retransmissions; acknowledging them is up to the caller.
type InviteClientTransaction struct {
	*clientTransact

	tbl      *TransactionTable
	ack      atomic.Pointer[Request]
	ackData  []byte
	cancelTx func(ctx context.Context, req *Request) (*NonInviteClientTransaction, error)

	cancelMu  sync.Mutex
	cancelled *NonInviteClientTransaction
}

// NewInviteClientTransaction registers an INVITE client transaction for req in tbl, sends
// the request to tgt and starts the transaction.
//
// The top Via of req must carry the branch identifying the transaction.
// A failed initial send is returned and leaves nothing registered.
// Cancellation of ctx abandons the transaction.
func NewInviteClientTransaction(
	ctx context.Context,
	tbl *TransactionTable,
	req *Request,
	tgt Target,
	opts *TransactionOptions,
) (*InviteClientTransaction, error) {
	tx := &InviteClientTransaction{tbl: tbl}
	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, tbl, req, tgt, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM(tx.fsmTable())

	if err := tx.actCalling(context.WithValue(ctx, transactCtxKey, tx)); err != nil {
		tx.abort()
		return nil, errtrace.Wrap(err)
	}
	tx.start(ctx)
	return tx, nil
}

func (tx *InviteClientTransaction) fsmTable() *fsmTable {
	return &fsmTable{
		Start: TransactionStateCalling,
		Enter: map[TransactionState]fsmAction{
			TransactionStateProceeding: tx.actProceeding,
			TransactionStateCompleted:  tx.actCompleted,
			TransactionStateAccepted:   tx.actAccepted,
			TransactionStateTerminated: tx.actTerminated,
		},
		Rules: []fsmRule{
			{TransactionStateCalling, timerEvt(tmrA), "", tx.actTimerA},
			{TransactionStateCalling, txEvtRecv1xx, TransactionStateProceeding, tx.actPassRes},
			{TransactionStateCalling, txEvtRecv2xx, TransactionStateAccepted, tx.actPassRes},
			{TransactionStateCalling, txEvtRecv300699, TransactionStateCompleted, tx.actPassResSendAck},
			{TransactionStateCalling, timerEvt(tmrB), TransactionStateTerminated, tx.actTimedOut},
			{TransactionStateCalling, txEvtTranspErr, TransactionStateTerminated, tx.actTranspErr},
			{TransactionStateCalling, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},

			{TransactionStateProceeding, txEvtRecv1xx, "", tx.actPassRes},
			{TransactionStateProceeding, txEvtRecv2xx, TransactionStateAccepted, tx.actPassRes},
			{TransactionStateProceeding, txEvtRecv300699, TransactionStateCompleted, tx.actPassResSendAck},
			{TransactionStateProceeding, txEvtTranspErr, TransactionStateTerminated, tx.actTranspErr},
			{TransactionStateProceeding, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},

			{TransactionStateCompleted, txEvtRecv300699, "", tx.actResendAck},
			{TransactionStateCompleted, txEvtRecv1xx, "", nil},
			{TransactionStateCompleted, txEvtRecv2xx, "", nil},
			{TransactionStateCompleted, timerEvt(tmrD), TransactionStateTerminated, nil},
			{TransactionStateCompleted, txEvtTranspErr, TransactionStateTerminated, tx.actTranspErr},
			{TransactionStateCompleted, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},

			{TransactionStateAccepted, txEvtRecv2xx, "", tx.actPassRes},
			{TransactionStateAccepted, txEvtRecv1xx, "", nil},
			{TransactionStateAccepted, txEvtRecv300699, "", nil},
			{TransactionStateAccepted, timerEvt(tmrM), TransactionStateTerminated, nil},
			{TransactionStateAccepted, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},
		},
		Params: map[string][]reflect.Type{
			txEvtRecv1xx:    {typInRes},
			txEvtRecv2xx:    {typInRes},
			txEvtRecv300699: {typInRes},
		},
	}
}

// Ack returns the ACK generated for a non-2xx final response, or nil.
func (tx *InviteClientTransaction) Ack() *Request { return tx.ack.Load() }

// Cancel sends a CANCEL for the INVITE as a separate non-INVITE client transaction
// to the same target (RFC 3261 section 9.1) and returns that transaction.
// The CANCEL is sent once: later calls return the transaction of the first successful one.
func (tx *InviteClientTransaction) Cancel(ctx context.Context) (*NonInviteClientTransaction, error) {
	tx.cancelMu.Lock()
	defer tx.cancelMu.Unlock()

	if tx.cancelled != nil {
		return tx.cancelled, nil
	}
	switch tx.State() {
	case TransactionStateCalling, TransactionStateProceeding:
	default:
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrUnexpectedMessage))
	}

	var (
		cancelTx *NonInviteClientTransaction
		err      error
	)
	req := NewCancelRequest(tx.req)
	if tx.cancelTx != nil {
		cancelTx, err = tx.cancelTx(ctx, req)
	} else {
		cancelTx, err = NewNonInviteClientTransaction(ctx, tx.tbl, req, tx.Target(), &tx.opts)
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.cancelled = cancelTx
	return cancelTx, nil
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	if err := tx.sendReq(ctx); err != nil {
		return errtrace.Wrap(err)
	}
	if !tx.reliable() {
		tx.startTimer(ctx, tmrA, tx.timings.TimeA())
	}
	tx.startTimer(ctx, tmrB, tx.timings.TimeB())
	return nil
}

func (tx *InviteClientTransaction) actTimerA(ctx context.Context, _ ...any) error {
	tx.retransmitReq(ctx)
	tx.restartTimer(ctx, tmrA, 0)
	return nil
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	tx.stopTimer(ctx, tmrA)
	tx.stopTimer(ctx, tmrB)
	return nil
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, tmrA)
	tx.stopTimer(ctx, tmrB)
	if tx.reliable() {
		tx.startTimer(ctx, tmrD, 0)
	} else {
		tx.startTimer(ctx, tmrD, tx.timings.TimeD())
	}
	return nil
}

func (tx *InviteClientTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimer(ctx, tmrA)
	tx.stopTimer(ctx, tmrB)
	tx.startTimer(ctx, tmrM, tx.timings.TimeM())
	return nil
}

func (tx *InviteClientTransaction) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck

	res := args[0].(*InboundResponse) //nolint:forcetypeassert
	ack := NewAckRequest(tx.req, res.Response)
	tx.ack.Store(ack)
	tx.ackData = ack.Bytes()

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx), slog.Any("request", ack))

	tx.send(ctx, "ACK", tx.ackData) //nolint:errcheck
	return nil
}

func (tx *InviteClientTransaction) actResendAck(ctx context.Context, _ ...any) error {
	if tx.ackData == nil {
		return nil
	}

	tx.stats.txRetransmitted(tx.typ)
	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send ACK", slog.Any("transaction", tx))

	tx.send(ctx, "ACK", tx.ackData) //nolint:errcheck
	return nil
}

// NewAckRequest builds the ACK for a non-2xx final response to the INVITE (RFC 3261 section 17.1.1.3).
// It reuses the INVITE top Via, so the ACK belongs to the INVITE transaction.
func NewAckRequest(inv *Request, res *Response) *Request {
	ack := &Request{
		Method: MethodAck,
		URI:    inv.URI,
		MessageHeaders: MessageHeaders{
			From:   inv.From.Clone(),
			To:     res.To.Clone(),
			CallID: inv.CallID,
			CSeq:   CSeq{Num: inv.CSeq.Num, Method: MethodAck},
		},
	}
	if via, ok := inv.TopVia(); ok {
		ack.Via = []Via{via.Clone()}
	}
	for _, route := range inv.HeaderValues("Route") {
		ack.AddHeader("Route", route)
	}
	ack.AddHeader("Max-Forwards", "70")
	return ack
}

// NewCancelRequest builds a CANCEL for the request (RFC 3261 section 9.1).
// The CANCEL carries the top Via of the request and so the same branch, but it is
// matched as a transaction of its own because its method differs.
func NewCancelRequest(req *Request) *Request {
	cancel := &Request{
		Method: MethodCancel,
		URI:    req.URI,
		MessageHeaders: MessageHeaders{
			From:   req.From.Clone(),
			To:     req.To.Clone(),
			CallID: req.CallID,
			CSeq:   CSeq{Num: req.CSeq.Num, Method: MethodCancel},
		},
	}
	if via, ok := req.TopVia(); ok {
		cancel.Via = []Via{via.Clone()}
	}
	for _, route := range req.HeaderValues("Route") {
		cancel.AddHeader("Route", route)
	}
	cancel.AddHeader("Max-Forwards", "70")
	return cancel
}
