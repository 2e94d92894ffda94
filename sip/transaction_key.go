package sip

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/util"
)

// MagicCookie is the prefix of branch parameters generated by RFC 3261 compliant elements.
const MagicCookie = "z9hG4bK"

// GenerateBranch returns a new RFC 3261 branch: the magic cookie followed by 23 random
// alphanumerics.
func GenerateBranch() string { return MagicCookie + util.RandString(23) }

// IsRFC3261Branch reports whether the branch starts with [MagicCookie].
func IsRFC3261Branch(branch string) bool { return strings.HasPrefix(branch, MagicCookie) }

// Role is the side of a transaction.
type Role uint8

const (
	// RoleClient is the side that sent the request.
	RoleClient Role = iota + 1
	// RoleServer is the side that received the request.
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// TransactionKey identifies a transaction.
//
// Keys are comparable and are used as map keys by [TransactionTable].
// INVITE and ACK fold into an empty Method so that an ACK for a non-2xx response
// routes to its INVITE server transaction. When the top Via branch carries the
// [MagicCookie] only Role, Branch and Method are set (RFC 3261 matching); otherwise the key
// is built from the RFC 2543 fields CSeq, FromTag, CallID and SentBy.
type TransactionKey struct {
	Role   Role
	Method Method
	Branch string

	CSeq    uint32
	FromTag string
	CallID  string
	SentBy  string
}

// IsRFC3261 reports whether the key was built from a magic cookie branch.
func (k TransactionKey) IsRFC3261() bool { return k.Branch != "" }

// IsZero reports whether the key is empty.
func (k TransactionKey) IsZero() bool { return k == TransactionKey{} }

func (k TransactionKey) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(k.Role.String())
	sb.WriteByte(':')
	if k.IsRFC3261() {
		sb.WriteString(k.Branch)
	} else {
		sb.WriteString("rfc2543:")
		sb.WriteString(strconv.FormatUint(uint64(k.CSeq), 10))
		sb.WriteByte(':')
		sb.WriteString(k.FromTag)
		sb.WriteByte(':')
		sb.WriteString(k.CallID)
		sb.WriteByte(':')
		sb.WriteString(k.SentBy)
	}
	if k.Method != "" {
		sb.WriteByte(':')
		sb.WriteString(string(k.Method))
	}
	return sb.String()
}

// Format implements [fmt.Formatter].
func (k TransactionKey) Format(f fmt.State, verb rune) {
	switch verb {
	case 'q':
		fmt.Fprint(f, strconv.Quote(k.String()))
	default:
		fmt.Fprint(f, k.String())
	}
}

// LogValue implements [slog.LogValuer].
func (k TransactionKey) LogValue() slog.Value { return slog.StringValue(k.String()) }

// NewRequestKey derives the key of a request seen from the given side.
// Use [RoleServer] for received requests and [RoleClient] for requests being sent.
func NewRequestKey(req *Request, role Role) (TransactionKey, error) {
	if req == nil {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}
	return errtrace.Wrap2(newKey(role, req.Method, &req.MessageHeaders))
}

// NewResponseKey derives the client side key of a received response.
// The method is taken from CSeq.
func NewResponseKey(res *Response) (TransactionKey, error) {
	if res == nil {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("nil response"))
	}
	return errtrace.Wrap2(newKey(RoleClient, res.CSeq.Method, &res.MessageHeaders))
}

// KeyOf derives the key of a received message: requests map to server transactions,
// responses map to client transactions.
func KeyOf(msg InboundMessage) (TransactionKey, error) {
	switch m := msg.(type) {
	case *InboundRequest:
		return errtrace.Wrap2(NewRequestKey(m.Request, RoleServer))
	case *InboundResponse:
		return errtrace.Wrap2(NewResponseKey(m.Response))
	default:
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("unsupported message type %T", msg))
	}
}

func newKey(role Role, mtd Method, hdrs *MessageHeaders) (TransactionKey, error) {
	via, ok := hdrs.TopVia()
	if !ok {
		return TransactionKey{}, errtrace.Wrap(NewMalformedMessageError("missing Via header"))
	}

	key := TransactionKey{
		Role:   role,
		Method: foldMethod(mtd),
	}
	if branch := via.Branch(); IsRFC3261Branch(branch) {
		key.Branch = branch
		return key, nil
	}

	fromTag := hdrs.From.Tag()
	if fromTag == "" {
		return TransactionKey{}, errtrace.Wrap(NewMalformedMessageError("missing From tag"))
	}
	if hdrs.CallID == "" {
		return TransactionKey{}, errtrace.Wrap(NewMalformedMessageError("missing Call-ID header"))
	}
	if via.Host == "" {
		return TransactionKey{}, errtrace.Wrap(NewMalformedMessageError("empty Via sent-by"))
	}

	key.CSeq = hdrs.CSeq.Num
	key.FromTag = fromTag
	key.CallID = hdrs.CallID
	key.SentBy = util.LCase(via.SentBy())
	return key, nil
}

// foldMethod erases INVITE and ACK so that both map to the same key.
func foldMethod(mtd Method) Method {
	if mtd == MethodInvite || mtd == MethodAck {
		return ""
	}
	return mtd
}
