package sip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghettovoice/siptx/sip"
)

// slower than the shared test timings, so scheduling noise stays well below one interval
const cadenceT1 = 20 * time.Millisecond

var cadenceTimings = sip.NewTimings(cadenceT1, 4*cadenceT1, 5*cadenceT1, 64*cadenceT1, time.Hour)

func cadenceOpts() *sip.TransactionOptions {
	opts := txOpts()
	opts.Timings = cadenceTimings
	return opts
}

// intervals returns the gaps between consecutive sends.
func intervals(calls []sendCall) []time.Duration {
	var gaps []time.Duration
	for i := 1; i < len(calls); i++ {
		gaps = append(gaps, calls[i].at.Sub(calls[i-1].at))
	}
	return gaps
}

func assertCadence(tb testing.TB, calls []sendCall, want []time.Duration) {
	tb.Helper()

	got := intervals(calls)
	if len(got) < len(want) {
		tb.Fatalf("got %d retransmission intervals %v, want at least %d", len(got), got, len(want))
	}
	for i, w := range want {
		if lo, hi := w-w/4, w+w/2; got[i] < lo || got[i] > hi {
			tb.Errorf("retransmission interval #%d = %v, want %v (within [%v, %v])\nall intervals: %v", i+1, got[i], w, lo, hi, got)
		}
	}
}

func assertElapsed(tb testing.TB, what string, got, want time.Duration) {
	tb.Helper()

	if lo, hi := want-10*time.Millisecond, want+200*time.Millisecond; got < lo || got > hi {
		tb.Errorf("%s after %v, want %v (within [%v, %v])", what, got, want, lo, hi)
	}
}

// terminatedAt reports when the transaction reaches the Terminated state.
func terminatedAt(tb testing.TB, tx sip.Transaction, timeout time.Duration) func() time.Time {
	ch := make(chan time.Time, 1)
	tx.OnStateChanged(func(_ context.Context, _, to sip.TransactionState) {
		if to == sip.TransactionStateTerminated {
			ch <- time.Now()
		}
	})
	return func() time.Time {
		tb.Helper()

		select {
		case at := <-ch:
			return at
		case <-time.After(timeout):
			tb.Fatalf("transaction not terminated within %v", timeout)
			return time.Time{}
		}
	}
}

func TestNonInviteClientTransaction_TimerE(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	tbl := sip.NewTransactionTable()
	req := newReq(t, sip.MethodBye, "UDP", sip.GenerateBranch())

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), tbl, req, sip.Target{Transport: tp, Addr: rmtAddr}, cadenceOpts())
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}
	ended := terminatedAt(t, tx, 2*cadenceTimings.TimeB())

	waitForDone(t, tx, cadenceTimings.TimeF()+time.Second)
	if err := tx.Err(); !errors.Is(err, sip.ErrTransactionTimedOut) {
		t.Fatalf("tx.Err() = %v, want %v", err, sip.ErrTransactionTimedOut)
	}

	// T1, 2*T1, 4*T1, then capped at T2
	calls := tp.sentCalls()
	t2 := cadenceTimings.T2()
	assertCadence(t, calls, []time.Duration{cadenceT1, 2 * cadenceT1, t2, t2, t2, t2})
	assertElapsed(t, "timer F fired", ended().Sub(calls[0].at), cadenceTimings.TimeF())
}

func TestInviteClientTransaction_TimerA(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	tbl := sip.NewTransactionTable()
	req := newReq(t, sip.MethodInvite, "UDP", sip.GenerateBranch())

	tx, err := sip.NewInviteClientTransaction(t.Context(), tbl, req, sip.Target{Transport: tp, Addr: rmtAddr}, cadenceOpts())
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	ended := terminatedAt(t, tx, 2*cadenceTimings.TimeB())

	waitForDone(t, tx, cadenceTimings.TimeB()+time.Second)
	if err := tx.Err(); !errors.Is(err, sip.ErrTransactionTimedOut) {
		t.Fatalf("tx.Err() = %v, want %v", err, sip.ErrTransactionTimedOut)
	}

	// doubles past T2 without a cap
	calls := tp.sentCalls()
	assertCadence(t, calls, []time.Duration{cadenceT1, 2 * cadenceT1, 4 * cadenceT1, 8 * cadenceT1, 16 * cadenceT1})
	assertElapsed(t, "timer B fired", ended().Sub(calls[0].at), cadenceTimings.TimeB())
}

func TestInviteServerTransaction_TimerG(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	tbl := sip.NewTransactionTable()
	req := newInReq(t, tp, sip.MethodInvite, sip.GenerateBranch())

	tx, err := sip.NewInviteServerTransaction(t.Context(), tbl, req, cadenceOpts())
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	ended := terminatedAt(t, tx, 2*cadenceTimings.TimeB())

	if err := tx.Respond(t.Context(), sip.NewResponse(req.Request, sip.StatusBusyHere, "")); err != nil {
		t.Fatalf("tx.Respond(486) error = %v, want nil", err)
	}

	waitForDone(t, tx, cadenceTimings.TimeH()+time.Second)
	if err := tx.Err(); !errors.Is(err, sip.ErrTransactionTimedOut) {
		t.Fatalf("tx.Err() = %v, want %v", err, sip.ErrTransactionTimedOut)
	}

	// T1, 2*T1, then capped at T2
	calls := tp.sentCalls()
	for _, c := range calls {
		if !c.hasPrefix("SIP/2.0 486 Busy Here\r\n") {
			t.Fatalf("sent %q, want only 486 responses", c.data)
		}
	}
	t2 := cadenceTimings.T2()
	assertCadence(t, calls, []time.Duration{cadenceT1, 2 * cadenceT1, t2, t2, t2})
	assertElapsed(t, "timer H fired", ended().Sub(calls[0].at), cadenceTimings.TimeH())
}
