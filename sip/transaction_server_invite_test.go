package sip_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghettovoice/siptx/sip"
)

func newInviteServerTx(
	tb testing.TB,
	tp *stubTransport,
	tbl *sip.TransactionTable,
	auto100 bool,
) (*sip.InviteServerTransaction, *sip.InboundRequest) {
	tb.Helper()

	opts := txOpts()
	if !auto100 {
		opts.Timings = sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Hour)
	}
	req := newInReq(tb, tp, sip.MethodInvite, sip.GenerateBranch())
	tx, err := sip.NewInviteServerTransaction(tb.Context(), tbl, req, opts)
	if err != nil {
		tb.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	terminateOnCleanup(tb, tx)
	return tx, req
}

func TestInviteServerTransaction_Auto100(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	tbl := sip.NewTransactionTable()
	tx, req := newInviteServerTx(t, tp, tbl, true)

	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	call := tp.waitSend(t, timings.Time100()+100*time.Millisecond)
	if !call.hasPrefix("SIP/2.0 100 Trying\r\n") {
		t.Fatalf("sent %q, want 100 Trying", call.data)
	}
	if tag := tx.LastResponse().To.Tag(); tag != "" {
		t.Fatalf("100 Trying To tag = %q, want empty", tag)
	}

	// an INVITE retransmission is answered with the last provisional response
	deliver(t, tbl, req)
	if retrans := tp.waitSend(t, 100*time.Millisecond); !bytes.Equal(retrans.data, call.data) {
		t.Fatalf("re-sent response = %q, want %q", retrans.data, call.data)
	}
}

func TestInviteServerTransaction_No100AfterProvisional(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	tbl := sip.NewTransactionTable()
	tx, req := newInviteServerTx(t, tp, tbl, true)

	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.StatusRinging, "")); err != nil {
		t.Fatalf("tx.Respond(180) error = %v, want nil", err)
	}
	if call := tp.waitSend(t, 100*time.Millisecond); !call.hasPrefix("SIP/2.0 180 Ringing\r\n") {
		t.Fatalf("sent %q, want 180 Ringing", call.data)
	}
	tp.ensureNoSend(t, 3*timings.Time100())
}

func TestInviteServerTransaction_NonSuccessFinal(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	tbl := sip.NewTransactionTable()
	tx, req := newInviteServerTx(t, tp, tbl, false)

	var states []sip.TransactionState
	tx.OnStateChanged(func(_ context.Context, _, to sip.TransactionState) {
		states = append(states, to)
	})

	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.StatusBusyHere, "")); err != nil {
		t.Fatalf("tx.Respond(486) error = %v, want nil", err)
	}
	call := tp.waitSend(t, 100*time.Millisecond)
	if !call.hasPrefix("SIP/2.0 486 Busy Here\r\n") {
		t.Fatalf("sent %q, want 486", call.data)
	}

	// timer G retransmits the response until ACK
	for range 2 {
		retrans := tp.waitSend(t, timings.T2()+50*time.Millisecond)
		if !bytes.Equal(retrans.data, call.data) {
			t.Fatalf("retransmitted response = %q, want %q", retrans.data, call.data)
		}
	}

	deliver(t, tbl, newInAck(t, tp, req.Request, tx.LastResponse()))
	waitForTransactState(t, tx, sip.TransactionStateConfirmed, 100*time.Millisecond)

	tp.drainSends()
	tp.ensureNoSend(t, timings.T2())

	waitForDone(t, tx, timings.TimeI()+200*time.Millisecond)
	if err := tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}

	want := []sip.TransactionState{
		sip.TransactionStateCompleted,
		sip.TransactionStateConfirmed,
		sip.TransactionStateTerminated,
	}
	if len(states) != len(want) {
		t.Fatalf("state changes = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state changes = %v, want %v", states, want)
		}
	}
}

func TestInviteServerTransaction_NoAck(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("TCP", true)
	tbl := sip.NewTransactionTable()
	tx, req := newInviteServerTx(t, tp, tbl, false)

	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.StatusDecline, "")); err != nil {
		t.Fatalf("tx.Respond(603) error = %v, want nil", err)
	}
	tp.waitSend(t, 100*time.Millisecond)
	// no timer G on reliable transports
	tp.ensureNoSend(t, 4*timings.TimeG())

	waitForDone(t, tx, timings.TimeH()+500*time.Millisecond)
	if err := tx.Err(); !errors.Is(err, sip.ErrTransactionTimedOut) {
		t.Fatalf("tx.Err() = %v, want %v", err, sip.ErrTransactionTimedOut)
	}
}

func TestInviteServerTransaction_Accepted(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	tbl := sip.NewTransactionTable()
	tx, req := newInviteServerTx(t, tp, tbl, false)

	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.StatusOK, "")); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	call := tp.waitSend(t, 100*time.Millisecond)
	if !call.hasPrefix("SIP/2.0 200 OK\r\n") {
		t.Fatalf("sent %q, want 200", call.data)
	}

	// 2xx is not retransmitted by timers
	tp.ensureNoSend(t, 4*timings.TimeG())

	deliver(t, tbl, req)
	if retrans := tp.waitSend(t, 100*time.Millisecond); !bytes.Equal(retrans.data, call.data) {
		t.Fatalf("re-sent response = %q, want %q", retrans.data, call.data)
	}

	if err := tx.Retransmit(t.Context()); err != nil {
		t.Fatalf("tx.Retransmit() error = %v, want nil", err)
	}
	if retrans := tp.waitSend(t, 100*time.Millisecond); !bytes.Equal(retrans.data, call.data) {
		t.Fatalf("retransmitted response = %q, want %q", retrans.data, call.data)
	}

	ack := newInAck(t, tp, req.Request, tx.LastResponse())
	deliver(t, tbl, ack)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	got, err := tx.ReceiveAck(ctx)
	if err != nil {
		t.Fatalf("tx.ReceiveAck() error = %v, want nil", err)
	}
	if got != ack {
		t.Fatalf("tx.ReceiveAck() = %v, want %v", got, ack)
	}

	err = tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.StatusBusyHere, ""))
	if !errors.Is(err, sip.ErrUnexpectedMessage) {
		t.Fatalf("tx.Respond(486) error = %v, want %v", err, sip.ErrUnexpectedMessage)
	}
	if got, want := tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	waitForDone(t, tx, timings.TimeL()+500*time.Millisecond)
	if err := tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}
	if _, err := tx.ReceiveAck(t.Context()); !errors.Is(err, sip.ErrTransactionTerminated) {
		t.Fatalf("tx.ReceiveAck() error = %v, want %v", err, sip.ErrTransactionTerminated)
	}
}

func TestInviteServerTransaction_RetransmitNotAccepted(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	tbl := sip.NewTransactionTable()
	tx, _ := newInviteServerTx(t, tp, tbl, false)

	if err := tx.Retransmit(t.Context()); !errors.Is(err, sip.ErrUnexpectedMessage) {
		t.Fatalf("tx.Retransmit() error = %v, want %v", err, sip.ErrUnexpectedMessage)
	}
}

func TestNewInviteServerTransaction_Invalid(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	tbl := sip.NewTransactionTable()

	for _, mtd := range []sip.Method{sip.MethodAck, sip.MethodBye} {
		_, err := sip.NewInviteServerTransaction(t.Context(), tbl, newInReq(t, tp, mtd, ""), txOpts())
		if !errors.Is(err, sip.ErrMethodNotAllowed) {
			t.Errorf("sip.NewInviteServerTransaction(%s) error = %v, want %v", mtd, err, sip.ErrMethodNotAllowed)
		}
	}
	if tbl.Len() != 0 {
		t.Fatalf("tbl.Len() = %d, want 0", tbl.Len())
	}
}
