package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/types"
)

// InviteServerTransaction represents an invite server transaction.
// It implements the server transaction state machine defined in RFC 3261 section 17.2.1 plus patches from RFC 6026.
//
// A 100 Trying is sent automatically unless a provisional response is sent within [TimingConfig.Time100].
// After a 2xx the transaction stays Accepted until timer L fires: every retransmitted INVITE
// is answered with the cached 2xx, and ACKs reaching the transaction are passed up through
// [InviteServerTransaction.ReceiveAck].
type InviteServerTransaction struct {
	*serverTransact

	acks types.Queue[*InboundRequest]
}

// NewInviteServerTransaction registers an INVITE server transaction for the received request in tbl
// and starts it. Cancellation of ctx abandons the transaction.
func NewInviteServerTransaction(
	ctx context.Context,
	tbl *TransactionTable,
	req *InboundRequest,
	opts *TransactionOptions,
) (*InviteServerTransaction, error) {
	tx := new(InviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, tbl, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.initFSM(tx.fsmTable())

	tx.actProceeding(context.WithValue(ctx, transactCtxKey, tx)) //nolint:errcheck
	tx.start(ctx)
	return tx, nil
}

func (tx *InviteServerTransaction) fsmTable() *fsmTable {
	return &fsmTable{
		Start: TransactionStateProceeding,
		Enter: map[TransactionState]fsmAction{
			TransactionStateAccepted:   tx.actAccepted,
			TransactionStateCompleted:  tx.actCompleted,
			TransactionStateConfirmed:  tx.actConfirmed,
			TransactionStateTerminated: tx.actTerminated,
		},
		Rules: []fsmRule{
			{TransactionStateProceeding, txEvtRecvReq, "", tx.actResendRes},
			{TransactionStateProceeding, txEvtSend1xx, "", tx.actSendRes},
			{TransactionStateProceeding, timerEvt(tmr1xx), "", tx.actSend100},
			{TransactionStateProceeding, txEvtSend2xx, TransactionStateAccepted, tx.actSendRes},
			{TransactionStateProceeding, txEvtSend300699, TransactionStateCompleted, tx.actSendRes},
			{TransactionStateProceeding, txEvtTranspErr, TransactionStateTerminated, tx.actTranspErr},
			{TransactionStateProceeding, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},

			{TransactionStateAccepted, txEvtRecvReq, "", tx.actResendRes},
			{TransactionStateAccepted, txEvtRecvAck, "", tx.actPassAck},
			{TransactionStateAccepted, txEvtSend2xx, "", tx.actSendRes},
			{TransactionStateAccepted, txEvtResend, "", tx.actRetransmitRes},
			{TransactionStateAccepted, timerEvt(tmrL), TransactionStateTerminated, nil},
			{TransactionStateAccepted, txEvtTranspErr, TransactionStateTerminated, tx.actTranspErr},
			{TransactionStateAccepted, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},

			{TransactionStateCompleted, txEvtRecvReq, "", tx.actResendRes},
			{TransactionStateCompleted, timerEvt(tmrG), "", tx.actTimerG},
			{TransactionStateCompleted, txEvtRecvAck, TransactionStateConfirmed, nil},
			{TransactionStateCompleted, timerEvt(tmrH), TransactionStateTerminated, tx.actTimedOut},
			{TransactionStateCompleted, txEvtTranspErr, TransactionStateTerminated, tx.actTranspErr},
			{TransactionStateCompleted, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},

			// stray ACK and INVITE retransmissions are absorbed
			{TransactionStateConfirmed, txEvtRecvReq, "", nil},
			{TransactionStateConfirmed, txEvtRecvAck, "", nil},
			{TransactionStateConfirmed, timerEvt(tmrI), TransactionStateTerminated, nil},
			{TransactionStateConfirmed, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},
		},
		Params: map[string][]reflect.Type{
			txEvtRecvReq:    {typInReq},
			txEvtRecvAck:    {typInReq},
			txEvtSend1xx:    {typRes},
			txEvtSend2xx:    {typRes},
			txEvtSend300699: {typRes},
		},
	}
}

// Retransmit re-sends the cached 2xx response while the transaction is Accepted.
// It lets the application drive 2xx retransmission until the ACK arrives.
func (tx *InviteServerTransaction) Retransmit(ctx context.Context) error {
	return errtrace.Wrap(tx.exec(ctx, txEvtResend))
}

// ReceiveAck waits for the next ACK passed up while the transaction is Accepted.
// Once the transaction is done and no ACK is queued, it returns [ErrTransactionTerminated].
func (tx *InviteServerTransaction) ReceiveAck(ctx context.Context) (*InboundRequest, error) {
	for {
		if ack, ok := tx.acks.Pop(); ok {
			return ack, nil
		}
		select {
		case <-tx.acks.Ready():
		case <-tx.done:
			if ack, ok := tx.acks.Pop(); ok {
				return ack, nil
			}
			return nil, errtrace.Wrap(ErrTransactionTerminated)
		case <-ctx.Done():
			return nil, errtrace.Wrap(ctx.Err())
		}
	}
}

func (tx *InviteServerTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	tx.startTimer(ctx, tmr1xx, tx.timings.Time100())
	return nil
}

func (tx *InviteServerTransaction) actSendRes(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, tmr1xx)
	return errtrace.Wrap(tx.serverTransact.actSendRes(ctx, args...))
}

func (tx *InviteServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	if tx.lastRes.Load() != nil {
		return nil
	}
	return errtrace.Wrap(tx.serverTransact.actSendRes(ctx, NewResponse(tx.req.Request, StatusTrying, "")))
}

// actRetransmitRes re-sends the cached 2xx and reports the transport error to the caller.
func (tx *InviteServerTransaction) actRetransmitRes(ctx context.Context, _ ...any) error {
	if tx.resData == nil {
		return nil
	}

	tx.stats.txRetransmitted(tx.typ)
	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send response", slog.Any("transaction", tx))

	if err := tx.tp.Send(ctx, tx.resData, tx.dst); err != nil {
		return errtrace.Wrap(err)
	}
	tx.stats.msgSent(tx.tp, false)
	return nil
}

func (tx *InviteServerTransaction) actPassAck(ctx context.Context, args ...any) error {
	ack := args[0].(*InboundRequest) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass ACK", slog.Any("transaction", tx), slog.Any("ack", ack))

	tx.acks.Push(ack)
	return nil
}

func (tx *InviteServerTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimer(ctx, tmr1xx)
	tx.startTimer(ctx, tmrL, tx.timings.TimeL())
	return nil
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, tmr1xx)
	if !tx.reliable() {
		tx.startTimer(ctx, tmrG, tx.timings.TimeG())
	}
	tx.startTimer(ctx, tmrH, tx.timings.TimeH())
	return nil
}

func (tx *InviteServerTransaction) actTimerG(ctx context.Context, _ ...any) error {
	tx.actResendRes(ctx) //nolint:errcheck
	tx.restartTimer(ctx, tmrG, tx.timings.T2())
	return nil
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, tmrG)
	tx.stopTimer(ctx, tmrH)
	if tx.reliable() {
		tx.startTimer(ctx, tmrI, 0)
	} else {
		tx.startTimer(ctx, tmrI, tx.timings.TimeI())
	}
	return nil
}
