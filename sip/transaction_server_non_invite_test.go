package sip_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ghettovoice/siptx/sip"
)

func newNonInviteServerTx(
	tb testing.TB,
	tp *stubTransport,
	tbl *sip.TransactionTable,
) (*sip.NonInviteServerTransaction, *sip.InboundRequest) {
	tb.Helper()

	req := newInReq(tb, tp, sip.MethodOptions, sip.GenerateBranch())
	tx, err := sip.NewNonInviteServerTransaction(tb.Context(), tbl, req, txOpts())
	if err != nil {
		tb.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want nil", err)
	}
	terminateOnCleanup(tb, tx)
	return tx, req
}

func TestNonInviteServerTransaction_FinalResponseCache(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	tbl := sip.NewTransactionTable()
	tx, req := newNonInviteServerTx(t, tp, tbl)

	if got, want := tx.State(), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// request retransmissions are absorbed before anything was sent
	deliver(t, tbl, req)
	tp.ensureNoSend(t, 20*time.Millisecond)

	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.StatusOK, "")); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	call := tp.waitSend(t, 100*time.Millisecond)
	if !call.hasPrefix("SIP/2.0 200 OK\r\n") {
		t.Fatalf("sent %q, want 200 response", call.data)
	}
	if call.dst != rmtAddr {
		t.Fatalf("response destination = %v, want %v", call.dst, rmtAddr)
	}
	last := tx.LastResponse()
	if last == nil || last.To.Tag() != tx.ToTag() {
		t.Fatalf("tx.LastResponse() = %v, want To tag %q", last, tx.ToTag())
	}

	for range 3 {
		deliver(t, tbl, req)
		retrans := tp.waitSend(t, 100*time.Millisecond)
		if !bytes.Equal(retrans.data, call.data) {
			t.Fatalf("re-sent response = %q, want %q", retrans.data, call.data)
		}
	}

	err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.StatusServerInternalError, ""))
	if !errors.Is(err, sip.ErrUnexpectedMessage) {
		t.Fatalf("tx.Respond(500) error = %v, want %v", err, sip.ErrUnexpectedMessage)
	}

	waitForDone(t, tx, timings.TimeJ()+500*time.Millisecond)
	if err := tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}
	if tbl.Has(tx.Key()) {
		t.Fatalf("tbl.Has(tx.Key()) = true after termination, want false")
	}
}

func TestNonInviteServerTransaction_Proceeding(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	tbl := sip.NewTransactionTable()
	tx, req := newNonInviteServerTx(t, tp, tbl)

	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.StatusTrying, "")); err != nil {
		t.Fatalf("tx.Respond(100) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	call := tp.waitSend(t, 100*time.Millisecond)
	if tx.LastResponse().To.Tag() != "" {
		t.Fatalf("100 response To tag = %q, want empty", tx.LastResponse().To.Tag())
	}

	deliver(t, tbl, req)
	if retrans := tp.waitSend(t, 100*time.Millisecond); !bytes.Equal(retrans.data, call.data) {
		t.Fatalf("re-sent response = %q, want %q", retrans.data, call.data)
	}

	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.StatusNotFound, "")); err != nil {
		t.Fatalf("tx.Respond(404) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func TestNonInviteServerTransaction_Reliable(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("TCP", true)
	tbl := sip.NewTransactionTable()
	tx, req := newNonInviteServerTx(t, tp, tbl)

	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.StatusOK, "")); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	tp.waitSend(t, 100*time.Millisecond)

	// timer J is zero on reliable transports
	waitForDone(t, tx, 100*time.Millisecond)
	if err := tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}
}

func TestNonInviteServerTransaction_SendError(t *testing.T) {
	t.Parallel()

	errSend := errors.New("connection reset")
	tp := newStubTransport("UDP", false)
	tp.setSendHook(func(sendCall, int) error { return errSend })
	tbl := sip.NewTransactionTable()
	tx, req := newNonInviteServerTx(t, tp, tbl)

	err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.StatusOK, ""))
	if !errors.Is(err, errSend) {
		t.Fatalf("tx.Respond(200) error = %v, want %v", err, errSend)
	}
	waitForDone(t, tx, 100*time.Millisecond)
	if err := tx.Err(); !errors.Is(err, errSend) {
		t.Fatalf("tx.Err() = %v, want %v", err, errSend)
	}
	if tbl.Has(tx.Key()) {
		t.Fatalf("tbl.Has(tx.Key()) = true, want false")
	}

	err = tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.StatusOK, ""))
	if !errors.Is(err, sip.ErrTransactionTerminated) {
		t.Fatalf("tx.Respond(200) error = %v, want %v", err, sip.ErrTransactionTerminated)
	}
}

func TestNonInviteServerTransaction_RespondInvalid(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	tbl := sip.NewTransactionTable()
	tx, req := newNonInviteServerTx(t, tp, tbl)

	other := sip.NewResponse(req.Request, sip.StatusOK, "")
	other.CSeq.Num++
	if err := tx.Respond(t.Context(), other); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("tx.Respond(other) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	if err := tx.Respond(t.Context(), nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("tx.Respond(nil) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	tp.ensureNoSend(t, 20*time.Millisecond)
}

func TestNewNonInviteServerTransaction_Duplicate(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	tbl := sip.NewTransactionTable()
	_, req := newNonInviteServerTx(t, tp, tbl)

	tx, err := sip.NewNonInviteServerTransaction(t.Context(), tbl, req, txOpts())
	if !errors.Is(err, sip.ErrDuplicateTransaction) {
		t.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want %v", err, sip.ErrDuplicateTransaction)
	}
	if tx != nil {
		t.Fatalf("sip.NewNonInviteServerTransaction() = %v, want nil", tx)
	}
	if got, want := tbl.Len(), 1; got != want {
		t.Fatalf("tbl.Len() = %d, want %d", got, want)
	}
}
