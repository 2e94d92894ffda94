package wire_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/siptx/sip"
	"github.com/ghettovoice/siptx/wire"
)

func rawMsg(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestDecode_Request(t *testing.T) {
	t.Parallel()

	data := rawMsg(
		"OPTIONS sip:alice@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 192.0.2.10:5070;branch=z9hG4bK776asdhds",
		"Via: SIP/2.0/UDP 192.0.2.20;branch=z9hG4bK1234",
		"Max-Forwards: 70",
		"To: <sip:alice@example.com>",
		"From: <sip:bob@example.com>;tag=1928301774",
		"Call-ID: a84b4c76e66710@pc33.example.com",
		"CSeq: 314159 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	)

	msg, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("wire.Decode() error = %v, want nil", err)
	}
	req, ok := msg.(*sip.Request)
	if !ok {
		t.Fatalf("wire.Decode() = %T, want *sip.Request", msg)
	}

	want := &sip.Request{
		Method: sip.MethodOptions,
		URI:    "sip:alice@example.com",
		MessageHeaders: sip.MessageHeaders{
			Via: []sip.Via{
				{Transport: "UDP", Host: "192.0.2.10", Port: 5070, Params: sip.Params{{Name: "branch", Value: "z9hG4bK776asdhds"}}},
				{Transport: "UDP", Host: "192.0.2.20", Params: sip.Params{{Name: "branch", Value: "z9hG4bK1234"}}},
			},
			From:   sip.NameAddr{URI: "sip:bob@example.com", Params: sip.Params{{Name: "tag", Value: "1928301774"}}},
			To:     sip.NameAddr{URI: "sip:alice@example.com"},
			CallID: "a84b4c76e66710@pc33.example.com",
			CSeq:   sip.CSeq{Num: 314159, Method: sip.MethodOptions},
			Other:  []sip.Header{{Name: "Max-Forwards", Value: "70"}},
		},
	}
	if diff := cmp.Diff(req, want); diff != "" {
		t.Fatalf("wire.Decode() = %+v, want %+v\ndiff (-got +want):\n%v", req, want, diff)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("req.Validate() error = %v, want nil", err)
	}

	key, err := sip.NewRequestKey(req, sip.RoleServer)
	if err != nil {
		t.Fatalf("sip.NewRequestKey() error = %v, want nil", err)
	}
	if key.Branch != "z9hG4bK776asdhds" {
		t.Fatalf("key.Branch = %q, want %q", key.Branch, "z9hG4bK776asdhds")
	}
}

func TestDecode_Response(t *testing.T) {
	t.Parallel()

	data := rawMsg(
		"SIP/2.0 486 Busy Here",
		"Via: SIP/2.0/UDP 192.0.2.10:5070;branch=z9hG4bK776asdhds",
		"To: <sip:alice@example.com>;tag=a6c85cf",
		"From: <sip:bob@example.com>;tag=1928301774",
		"Call-ID: a84b4c76e66710",
		"CSeq: 1 INVITE",
		"Content-Type: text/plain",
		"Content-Length: 4",
		"",
		"busy",
	)

	msg, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("wire.Decode() error = %v, want nil", err)
	}
	res, ok := msg.(*sip.Response)
	if !ok {
		t.Fatalf("wire.Decode() = %T, want *sip.Response", msg)
	}
	if res.Status != sip.StatusBusyHere || res.Reason != "Busy Here" {
		t.Fatalf("response status = %d %q, want %d %q", res.Status, res.Reason, sip.StatusBusyHere, "Busy Here")
	}
	if got := string(res.Body); got != "busy" {
		t.Fatalf("res.Body = %q, want %q", got, "busy")
	}
	if got := res.To.Tag(); got != "a6c85cf" {
		t.Fatalf("res.To.Tag() = %q, want %q", got, "a6c85cf")
	}
	if got, want := res.CSeq, (sip.CSeq{Num: 1, Method: sip.MethodInvite}); got != want {
		t.Fatalf("res.CSeq = %v, want %v", got, want)
	}
	if err := res.Validate(); err != nil {
		t.Fatalf("res.Validate() error = %v, want nil", err)
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	req := &sip.Request{
		Method: sip.MethodInvite,
		URI:    "sip:alice@example.com",
		MessageHeaders: sip.MessageHeaders{
			Via:    []sip.Via{{Transport: "UDP", Host: "192.0.2.10", Port: 5070, Params: sip.Params{{Name: "branch", Value: sip.GenerateBranch()}}}},
			From:   sip.NameAddr{Display: "Bob", URI: "sip:bob@example.com", Params: sip.Params{{Name: "tag", Value: "from-1"}}},
			To:     sip.NameAddr{URI: "sip:alice@example.com"},
			CallID: "call-1@example.com",
			CSeq:   sip.CSeq{Num: 7, Method: sip.MethodInvite},
		},
	}

	msg, err := wire.Decode(req.Bytes())
	if err != nil {
		t.Fatalf("wire.Decode() error = %v, want nil", err)
	}
	got, ok := msg.(*sip.Request)
	if !ok {
		t.Fatalf("wire.Decode() = %T, want *sip.Request", msg)
	}
	wantKey, _ := sip.NewRequestKey(req, sip.RoleServer)
	gotKey, err := sip.NewRequestKey(got, sip.RoleServer)
	if err != nil {
		t.Fatalf("sip.NewRequestKey() error = %v, want nil", err)
	}
	if gotKey != wantKey {
		t.Fatalf("decoded request key = %v, want %v", gotKey, wantKey)
	}
	if got.From.Display != "Bob" || got.From.Tag() != "from-1" {
		t.Fatalf("decoded From = %v, want %v", got.From, req.From)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	withVia := func(via string) []byte {
		return rawMsg(
			"OPTIONS sip:alice@example.com SIP/2.0",
			"Via: "+via,
			"To: <sip:alice@example.com>",
			"From: <sip:bob@example.com>;tag=1",
			"Call-ID: a84b4c76e66710",
			"CSeq: 1 OPTIONS",
			"Content-Length: 0",
			"",
			"",
		)
	}
	cases := map[string][]byte{
		"garbage":        []byte("hello world\r\n\r\n"),
		"bad via":        withVia("garbage"),
		"via protocol":   withVia("XIP/2.0/UDP 192.0.2.10;branch=z9hG4bK1"),
		"via port range": withVia("SIP/2.0/UDP 192.0.2.10:99999;branch=z9hG4bK1"),
		"via no host":    withVia("SIP/2.0/UDP :5060;branch=z9hG4bK1"),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if _, err := wire.Decode(data); !errors.Is(err, sip.ErrMalformedMessage) {
				t.Fatalf("wire.Decode() error = %v, want %v", err, sip.ErrMalformedMessage)
			}
		})
	}
}

func TestDecode_Headers(t *testing.T) {
	t.Parallel()

	data := rawMsg(
		"INVITE sip:alice@example.com SIP/2.0",
		"v: SIP/2.0/tcp [2001:db8::1]:5061;received=192.0.2.1;branch=z9hG4bK1;rport",
		"Via: SIP/2.0/UDP 192.0.2.10:5070;branch=z9hG4bK2, SIP/2.0/UDP host.example.com;branch=z9hG4bK3",
		`f: "Bob \"the Builder\"" <sip:bob@example.com;transport=tcp>;tag=abc`,
		"t: Alice <sip:alice@example.com>",
		"i: call-1@example.com",
		"CSeq: 42 INVITE",
		"Contact: <sip:bob@192.0.2.10:5070>",
		"l: 0",
		"",
		"",
	)

	msg, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("wire.Decode() error = %v, want nil", err)
	}
	req, ok := msg.(*sip.Request)
	if !ok {
		t.Fatalf("wire.Decode() = %T, want *sip.Request", msg)
	}

	want := sip.MessageHeaders{
		Via: []sip.Via{
			{Transport: "TCP", Host: "2001:db8::1", Port: 5061, Params: sip.Params{
				{Name: "branch", Value: "z9hG4bK1"},
				{Name: "received", Value: "192.0.2.1"},
				{Name: "rport"},
			}},
			{Transport: "UDP", Host: "192.0.2.10", Port: 5070, Params: sip.Params{{Name: "branch", Value: "z9hG4bK2"}}},
			{Transport: "UDP", Host: "host.example.com", Params: sip.Params{{Name: "branch", Value: "z9hG4bK3"}}},
		},
		From: sip.NameAddr{
			Display: `Bob "the Builder"`,
			URI:     "sip:bob@example.com;transport=tcp",
			Params:  sip.Params{{Name: "tag", Value: "abc"}},
		},
		To:     sip.NameAddr{Display: "Alice", URI: "sip:alice@example.com"},
		CallID: "call-1@example.com",
		CSeq:   sip.CSeq{Num: 42, Method: sip.MethodInvite},
		Other:  []sip.Header{{Name: "Contact", Value: "<sip:bob@192.0.2.10:5070>"}},
	}
	if diff := cmp.Diff(req.MessageHeaders, want); diff != "" {
		t.Fatalf("decoded headers = %+v, want %+v\ndiff (-got +want):\n%v", req.MessageHeaders, want, diff)
	}

	// the bracket-less host still yields a bracketed sent-by
	if got, want := req.Via[0].SentBy(), "[2001:db8::1]:5061"; got != want {
		t.Fatalf("req.Via[0].SentBy() = %q, want %q", got, want)
	}
}
