package sip_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/siptx/sip"
)

func TestGenerateBranch(t *testing.T) {
	t.Parallel()

	b1, b2 := sip.GenerateBranch(), sip.GenerateBranch()
	if !sip.IsRFC3261Branch(b1) {
		t.Errorf("sip.IsRFC3261Branch(%q) = false, want true", b1)
	}
	if got, want := len(b1), len(sip.MagicCookie)+23; got != want {
		t.Errorf("len(sip.GenerateBranch()) = %d, want %d", got, want)
	}
	if b1 == b2 {
		t.Errorf("sip.GenerateBranch() returned %q twice", b1)
	}
}

func TestNewRequestKey(t *testing.T) {
	t.Parallel()

	t.Run("rfc3261", func(t *testing.T) {
		t.Parallel()

		req := newReq(t, sip.MethodInvite, "UDP", "z9hG4bK.abc")
		got, err := sip.NewRequestKey(req, sip.RoleServer)
		if err != nil {
			t.Fatalf("sip.NewRequestKey(req, sip.RoleServer) error = %v, want nil", err)
		}
		want := sip.TransactionKey{Role: sip.RoleServer, Branch: "z9hG4bK.abc"}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Fatalf("sip.NewRequestKey(req, sip.RoleServer) = %v, want %v\ndiff (-got +want):\n%v", got, want, diff)
		}
		if !got.IsRFC3261() {
			t.Errorf("key.IsRFC3261() = false, want true")
		}
	})

	t.Run("rfc2543", func(t *testing.T) {
		t.Parallel()

		req := newReq(t, sip.MethodOptions, "UDP", "1234")
		req.Via[0].Host = "Host.Example.COM"
		req.Via[0].Port = 0
		got, err := sip.NewRequestKey(req, sip.RoleServer)
		if err != nil {
			t.Fatalf("sip.NewRequestKey(req, sip.RoleServer) error = %v, want nil", err)
		}
		want := sip.TransactionKey{
			Role:    sip.RoleServer,
			Method:  sip.MethodOptions,
			CSeq:    1,
			FromTag: "from-1234",
			CallID:  "call-1234@bob.example.com",
			SentBy:  "host.example.com",
		}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Fatalf("sip.NewRequestKey(req, sip.RoleServer) = %v, want %v\ndiff (-got +want):\n%v", got, want, diff)
		}
		if got.IsRFC3261() {
			t.Errorf("key.IsRFC3261() = true, want false")
		}
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()

		noVia := newReq(t, sip.MethodOptions, "UDP", "")
		noVia.Via = nil
		noTag := newReq(t, sip.MethodOptions, "UDP", "1234")
		noTag.From.Params = nil

		for _, c := range []struct {
			name string
			req  *sip.Request
			want error
		}{
			{"nil request", nil, sip.ErrInvalidArgument},
			{"no Via", noVia, sip.ErrMalformedMessage},
			{"rfc2543 without From tag", noTag, sip.ErrMalformedMessage},
		} {
			if _, err := sip.NewRequestKey(c.req, sip.RoleServer); !errors.Is(err, c.want) {
				t.Errorf("%s: sip.NewRequestKey() error = %v, want %v", c.name, err, c.want)
			}
		}
	})
}

func TestTransactionKey_Folding(t *testing.T) {
	t.Parallel()

	branch := sip.GenerateBranch()
	key := func(mtd sip.Method) sip.TransactionKey {
		k, err := sip.NewRequestKey(newReq(t, mtd, "UDP", branch), sip.RoleServer)
		if err != nil {
			t.Fatalf("sip.NewRequestKey(%s) error = %v, want nil", mtd, err)
		}
		return k
	}

	if key(sip.MethodInvite) != key(sip.MethodAck) {
		t.Errorf("INVITE and ACK keys differ: %v != %v", key(sip.MethodInvite), key(sip.MethodAck))
	}
	if key(sip.MethodInvite) == key(sip.MethodCancel) {
		t.Errorf("INVITE and CANCEL keys are equal: %v", key(sip.MethodInvite))
	}
	if key(sip.MethodBye) == key(sip.MethodCancel) {
		t.Errorf("BYE and CANCEL keys are equal: %v", key(sip.MethodBye))
	}

	clnKey, err := sip.NewRequestKey(newReq(t, sip.MethodInvite, "UDP", branch), sip.RoleClient)
	if err != nil {
		t.Fatalf("sip.NewRequestKey(req, sip.RoleClient) error = %v, want nil", err)
	}
	if clnKey == key(sip.MethodInvite) {
		t.Errorf("client and server keys are equal: %v", clnKey)
	}
}

func TestKeyOf(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP", false)
	req := newReq(t, sip.MethodBye, "UDP", "")
	clnKey, err := sip.NewRequestKey(req, sip.RoleClient)
	if err != nil {
		t.Fatalf("sip.NewRequestKey(req, sip.RoleClient) error = %v, want nil", err)
	}

	resKey, err := sip.KeyOf(newInRes(t, tp, req, sip.StatusOK))
	if err != nil {
		t.Fatalf("sip.KeyOf(res) error = %v, want nil", err)
	}
	if resKey != clnKey {
		t.Errorf("sip.KeyOf(res) = %v, want %v", resKey, clnKey)
	}

	reqKey, err := sip.KeyOf(sip.NewInboundRequest(req, tp, rmtAddr))
	if err != nil {
		t.Fatalf("sip.KeyOf(req) error = %v, want nil", err)
	}
	if reqKey.Role != sip.RoleServer {
		t.Errorf("sip.KeyOf(req).Role = %v, want %v", reqKey.Role, sip.RoleServer)
	}
}

func TestTransactionKey_String(t *testing.T) {
	t.Parallel()

	key := sip.TransactionKey{Role: sip.RoleClient, Branch: "z9hG4bK.abc", Method: sip.MethodBye}
	if got, want := key.String(), "client:z9hG4bK.abc:BYE"; got != want {
		t.Errorf("key.String() = %q, want %q", got, want)
	}
	if got, want := fmt.Sprintf("%q", key), `"client:z9hG4bK.abc:BYE"`; got != want {
		t.Errorf("fmt.Sprintf(%%q, key) = %s, want %s", got, want)
	}

	key = sip.TransactionKey{Role: sip.RoleServer, CSeq: 2, FromTag: "t", CallID: "c", SentBy: "h:5060"}
	if got, want := key.String(), "server:rfc2543:2:t:c:h:5060"; got != want {
		t.Errorf("key.String() = %q, want %q", got, want)
	}
}
