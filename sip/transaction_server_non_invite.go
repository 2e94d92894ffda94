package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"
)

// NonInviteServerTransaction is a server transaction for any request except INVITE and ACK
// (RFC 3261 section 17.2.2).
//
// Retransmitted requests are answered with the cached bytes of the last response.
type NonInviteServerTransaction struct {
	*serverTransact
}

// NewNonInviteServerTransaction registers a server transaction for the received request in tbl
// and starts it. Cancellation of ctx abandons the transaction.
func NewNonInviteServerTransaction(
	ctx context.Context,
	tbl *TransactionTable,
	req *InboundRequest,
	opts *TransactionOptions,
) (*NonInviteServerTransaction, error) {
	tx := new(NonInviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerNonInvite, tx, tbl, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.initFSM(tx.fsmTable())

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	tx.start(ctx)
	return tx, nil
}

func (tx *NonInviteServerTransaction) fsmTable() *fsmTable {
	return &fsmTable{
		Start: TransactionStateTrying,
		Enter: map[TransactionState]fsmAction{
			TransactionStateCompleted:  tx.actCompleted,
			TransactionStateTerminated: tx.actTerminated,
		},
		Rules: []fsmRule{
			{TransactionStateTrying, txEvtRecvReq, "", nil},
			{TransactionStateTrying, txEvtSend1xx, TransactionStateProceeding, tx.actSendRes},
			{TransactionStateTrying, txEvtSend2xx, TransactionStateCompleted, tx.actSendRes},
			{TransactionStateTrying, txEvtSend300699, TransactionStateCompleted, tx.actSendRes},
			{TransactionStateTrying, txEvtTranspErr, TransactionStateTerminated, tx.actTranspErr},
			{TransactionStateTrying, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},

			{TransactionStateProceeding, txEvtRecvReq, "", tx.actResendRes},
			{TransactionStateProceeding, txEvtSend1xx, "", tx.actSendRes},
			{TransactionStateProceeding, txEvtSend2xx, TransactionStateCompleted, tx.actSendRes},
			{TransactionStateProceeding, txEvtSend300699, TransactionStateCompleted, tx.actSendRes},
			{TransactionStateProceeding, txEvtTranspErr, TransactionStateTerminated, tx.actTranspErr},
			{TransactionStateProceeding, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},

			{TransactionStateCompleted, txEvtRecvReq, "", tx.actResendRes},
			{TransactionStateCompleted, timerEvt(tmrJ), TransactionStateTerminated, nil},
			{TransactionStateCompleted, txEvtTranspErr, TransactionStateTerminated, tx.actTranspErr},
			{TransactionStateCompleted, txEvtTerminate, TransactionStateTerminated, tx.actAbandoned},
		},
		Params: map[string][]reflect.Type{
			txEvtRecvReq:    {typInReq},
			txEvtSend1xx:    {typRes},
			txEvtSend2xx:    {typRes},
			txEvtSend300699: {typRes},
		},
	}
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	if tx.reliable() {
		tx.startTimer(ctx, tmrJ, 0)
	} else {
		tx.startTimer(ctx, tmrJ, tx.timings.TimeJ())
	}
	return nil
}
