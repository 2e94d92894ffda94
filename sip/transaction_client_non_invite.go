package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"
)

// NonInviteClientTransaction is a client transaction for any request except INVITE and ACK
// (RFC 3261 section 17.1.2).
type NonInviteClientTransaction struct {
	*clientTransact
}

// NewNonInviteClientTransaction registers a client transaction for req in tbl, sends the request
// to tgt and starts the transaction.
//
// The top Via of req must carry the branch identifying the transaction.
// A failed initial send is returned and leaves nothing registered.
// Cancellation of ctx abandons the transaction.
func NewNonInviteClientTransaction(
	ctx context.Context,
	tbl *TransactionTable,
	req *Request,
	tgt Target,
	opts *TransactionOptions,
) (*NonInviteClientTransaction, error) {
	tx := new(NonInviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, tbl, req, tgt, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM(tx.fsmTable())

	if err := tx.actTrying(context.WithValue(ctx, transactCtxKey, tx)); err != nil {
		tx.abort()
		return nil, errtrace.Wrap(err)
	}
	tx.start(ctx)
	return tx, nil
}

func (tx *NonInviteClientTransaction) fsmTable() *fsmTable {
	return &fsmTable{
		Start: TransactionStateTrying,
		Enter: map[TransactionState]fsmAction{
			TransactionStateCompleted:  tx.actCompleted,
			TransactionStateTerminated: tx.actTerminated,
		},
		Rules: []fsmRule{
			{TransactionStateTrying, timerEvt(tmrE), "", tx.actTimerE},
			{TransactionStateTrying, txEvtRecv1xx, TransactionStateProceeding, tx.actPassRes},
			{TransactionStateTrying, txEvtRecv2xx, TransactionStateCompleted, tx.actPassRes},
			{TransactionStateTrying, txEvtRecv300699, TransactionStateCompleted, tx.actPassRes},
			{TransactionStateTrying, timerEvt(tmrF), TransactionStateTerminated, tx.actTimedOut},
			{TransactionStateTrying, txEvtTranspErr, TransactionStateTerminated, tx.actTranspErr},
			{TransactionStateTrying, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},

			{TransactionStateProceeding, timerEvt(tmrE), "", tx.actTimerE},
			{TransactionStateProceeding, txEvtRecv1xx, "", tx.actPassRes},
			{TransactionStateProceeding, txEvtRecv2xx, TransactionStateCompleted, tx.actPassRes},
			{TransactionStateProceeding, txEvtRecv300699, TransactionStateCompleted, tx.actPassRes},
			{TransactionStateProceeding, timerEvt(tmrF), TransactionStateTerminated, tx.actTimedOut},
			{TransactionStateProceeding, txEvtTranspErr, TransactionStateTerminated, tx.actTranspErr},
			{TransactionStateProceeding, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},

			// late retransmissions of the final response are absorbed
			{TransactionStateCompleted, txEvtRecv1xx, "", nil},
			{TransactionStateCompleted, txEvtRecv2xx, "", nil},
			{TransactionStateCompleted, txEvtRecv300699, "", nil},
			{TransactionStateCompleted, timerEvt(tmrK), TransactionStateTerminated, nil},
			{TransactionStateCompleted, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},
		},
		Params: map[string][]reflect.Type{
			txEvtRecv1xx:    {typInRes},
			txEvtRecv2xx:    {typInRes},
			txEvtRecv300699: {typInRes},
		},
	}
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	if err := tx.sendReq(ctx); err != nil {
		return errtrace.Wrap(err)
	}
	if !tx.reliable() {
		tx.startTimer(ctx, tmrE, tx.timings.TimeE())
	}
	tx.startTimer(ctx, tmrF, tx.timings.TimeF())
	return nil
}

func (tx *NonInviteClientTransaction) actTimerE(ctx context.Context, _ ...any) error {
	tx.retransmitReq(ctx)
	if tx.State() == TransactionStateTrying {
		tx.restartTimer(ctx, tmrE, tx.timings.T2())
	} else {
		tx.startTimer(ctx, tmrE, tx.timings.T2())
	}
	return nil
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, tmrE)
	tx.stopTimer(ctx, tmrF)
	if tx.reliable() {
		tx.startTimer(ctx, tmrK, 0)
	} else {
		tx.startTimer(ctx, tmrK, tx.timings.TimeK())
	}
	return nil
}
