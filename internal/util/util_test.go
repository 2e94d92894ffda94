package util_test

import (
	"strings"
	"testing"

	"github.com/ghettovoice/siptx/internal/util"
)

func TestRandString(t *testing.T) {
	t.Parallel()

	s1, s2 := util.RandString(23), util.RandString(23)
	if len(s1) != 23 {
		t.Fatalf("len(util.RandString(23)) = %d, want 23", len(s1))
	}
	if s1 == s2 {
		t.Errorf("util.RandString(23) returned the same value twice: %q", s1)
	}
	for _, r := range s1 {
		if !strings.ContainsRune("0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ", r) {
			t.Fatalf("util.RandString(23) = %q, contains non-alphanumeric %q", s1, r)
		}
	}
	if lc := util.RandStringLC(32); strings.ToLower(lc) != lc {
		t.Errorf("util.RandStringLC(32) = %q, want lower-case", lc)
	}
}

func TestEllipsis(t *testing.T) {
	t.Parallel()

	if got, want := util.Ellipsis("transaction", 5), "trans..."; got != want {
		t.Errorf("util.Ellipsis(\"transaction\", 5) = %q, want %q", got, want)
	}
	if got, want := util.Ellipsis("tx", 5), "tx"; got != want {
		t.Errorf("util.Ellipsis(\"tx\", 5) = %q, want %q", got, want)
	}
}
