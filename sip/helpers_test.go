package sip_test

import (
	"bytes"
	"context"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/siptx/log"
	"github.com/ghettovoice/siptx/sip"
)

var (
	locAddr = netip.MustParseAddrPort("192.0.2.1:5060")
	rmtAddr = netip.MustParseAddrPort("192.0.2.10:5070")
)

const t1 = 10 * time.Millisecond

var timings = sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, 2*t1)

func txOpts() *sip.TransactionOptions {
	return &sip.TransactionOptions{Timings: timings, Log: log.Noop()}
}

type sendCall struct {
	data []byte
	dst  netip.AddrPort
	at   time.Time
}

func (c sendCall) hasPrefix(prefix string) bool { return bytes.HasPrefix(c.data, []byte(prefix)) }

type stubTransport struct {
	proto string
	laddr netip.AddrPort
	rel   bool

	mu       sync.Mutex
	sent     []sendCall
	sendCh   chan sendCall
	sendHook func(call sendCall, index int) error
}

func newStubTransport(proto string, rel bool) *stubTransport {
	return &stubTransport{
		proto:  proto,
		laddr:  locAddr,
		rel:    rel,
		sendCh: make(chan sendCall, 64),
	}
}

func (tp *stubTransport) Send(_ context.Context, data []byte, dst netip.AddrPort) error {
	call := sendCall{bytes.Clone(data), dst, time.Now()}

	tp.mu.Lock()
	idx := len(tp.sent)
	hook := tp.sendHook
	tp.mu.Unlock()

	if hook != nil {
		if err := hook(call, idx); err != nil {
			return err
		}
	}

	tp.mu.Lock()
	tp.sent = append(tp.sent, call)
	tp.mu.Unlock()

	select {
	case tp.sendCh <- call:
	default:
	}
	return nil
}

func (tp *stubTransport) Reliable() bool { return tp.rel }

func (tp *stubTransport) Secure() bool { return false }

func (tp *stubTransport) LocalAddr() netip.AddrPort { return tp.laddr }

func (tp *stubTransport) Proto() string { return tp.proto }

func (tp *stubTransport) setSendHook(fn func(call sendCall, index int) error) {
	tp.mu.Lock()
	tp.sendHook = fn
	tp.mu.Unlock()
}

func (tp *stubTransport) sentCount() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.sent)
}

func (tp *stubTransport) sentCalls() []sendCall {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return slices.Clone(tp.sent)
}

func (tp *stubTransport) waitSend(tb testing.TB, timeout time.Duration) sendCall {
	tb.Helper()

	select {
	case call := <-tp.sendCh:
		return call
	case <-time.After(timeout):
		tb.Fatalf("no message sent within %v", timeout)
		return sendCall{}
	}
}

func (tp *stubTransport) ensureNoSend(tb testing.TB, d time.Duration) {
	tb.Helper()

	select {
	case call := <-tp.sendCh:
		tb.Fatalf("unexpected message sent:\n%s", call.data)
	case <-time.After(d):
	}
}

func (tp *stubTransport) drainSends() {
	for {
		select {
		case <-tp.sendCh:
		default:
			return
		}
	}
}

func newReq(tb testing.TB, mtd sip.Method, proto, branch string) *sip.Request {
	tb.Helper()

	if branch == "" {
		branch = sip.MagicCookie + ".stub-branch"
	}
	req := &sip.Request{
		Method: mtd,
		URI:    "sip:alice@alice.example.com",
		MessageHeaders: sip.MessageHeaders{
			Via: []sip.Via{
				{
					Transport: proto,
					Host:      rmtAddr.Addr().String(),
					Port:      rmtAddr.Port(),
					Params:    sip.Params{{Name: "branch", Value: branch}},
				},
			},
			From: sip.NameAddr{
				URI:    "sip:bob@bob.example.com",
				Params: sip.Params{{Name: "tag", Value: "from-1234"}},
			},
			To:     sip.NameAddr{URI: "sip:alice@alice.example.com"},
			CallID: "call-1234@bob.example.com",
			CSeq:   sip.CSeq{Num: 1, Method: mtd},
		},
	}
	req.AddHeader("Max-Forwards", "70")
	return req
}

func newInReq(tb testing.TB, tp sip.Transport, mtd sip.Method, branch string) *sip.InboundRequest {
	tb.Helper()
	return sip.NewInboundRequest(newReq(tb, mtd, tp.Proto(), branch), tp, rmtAddr)
}

func newInRes(tb testing.TB, tp sip.Transport, req *sip.Request, status int) *sip.InboundResponse {
	tb.Helper()

	res := sip.NewResponse(req, status, "")
	if status > sip.StatusTrying {
		res.To = res.To.WithTag("to-1234")
	}
	return sip.NewInboundResponse(res, tp, rmtAddr)
}

func newInAck(tb testing.TB, tp sip.Transport, inv *sip.Request, res *sip.Response) *sip.InboundRequest {
	tb.Helper()
	return sip.NewInboundRequest(sip.NewAckRequest(inv, res), tp, rmtAddr)
}

// deliver routes the message to the transaction registered in the table.
func deliver(tb testing.TB, tbl *sip.TransactionTable, msg sip.InboundMessage) {
	tb.Helper()

	key, err := sip.KeyOf(msg)
	if err != nil {
		tb.Fatalf("sip.KeyOf(msg) error = %v, want nil", err)
	}
	mb, ok := tbl.Lookup(key)
	if !ok {
		tb.Fatalf("tbl.Lookup(%q) = false, want true", key)
	}
	if !mb.Deliver(msg) {
		tb.Fatalf("mb.Deliver(msg) = false, want true")
	}
}

func waitForTransactState(tb testing.TB, tx sip.Transaction, want sip.TransactionState, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tx.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("transaction state did not reach %q, got %q", want, tx.State())
}

func waitForDone(tb testing.TB, tx sip.Transaction, timeout time.Duration) {
	tb.Helper()

	select {
	case <-tx.Done():
	case <-time.After(timeout):
		tb.Fatalf("transaction is not done within %v, state %q", timeout, tx.State())
	}
}

// terminateOnCleanup makes sure no transaction goroutine outlives the test.
func terminateOnCleanup(tb testing.TB, tx sip.Transaction) {
	tb.Helper()

	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := tx.Terminate(ctx); err != nil {
			tb.Errorf("tx.Terminate() error = %v, want nil", err)
		}
	})
}
