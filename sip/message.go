package sip

import (
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/util"
)

// Method is a SIP request method. Methods are case-sensitive.
type Method string

// Request methods.
const (
	MethodInvite    Method = "INVITE"
	MethodAck       Method = "ACK"
	MethodBye       Method = "BYE"
	MethodCancel    Method = "CANCEL"
	MethodOptions   Method = "OPTIONS"
	MethodRegister  Method = "REGISTER"
	MethodPrack     Method = "PRACK"
	MethodInfo      Method = "INFO"
	MethodUpdate    Method = "UPDATE"
	MethodMessage   Method = "MESSAGE"
	MethodNotify    Method = "NOTIFY"
	MethodSubscribe Method = "SUBSCRIBE"
	MethodRefer     Method = "REFER"
)

// Param is a header parameter. A parameter with empty value is rendered as a flag.
type Param struct {
	Name  string
	Value string
}

// Params is an ordered list of header parameters.
// Parameter names are matched case-insensitively.
type Params []Param

// Get returns the value of the named parameter.
func (ps Params) Get(name string) (string, bool) {
	for _, p := range ps {
		if util.EqFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// Has reports whether the named parameter is present.
func (ps Params) Has(name string) bool {
	_, ok := ps.Get(name)
	return ok
}

// Set replaces the value of the named parameter or appends it.
func (ps Params) Set(name, value string) Params {
	for i, p := range ps {
		if util.EqFold(p.Name, name) {
			ps[i].Value = value
			return ps
		}
	}
	return append(ps, Param{name, value})
}

// Del removes the named parameter.
func (ps Params) Del(name string) Params {
	return slices.DeleteFunc(ps, func(p Param) bool { return util.EqFold(p.Name, name) })
}

// Clone returns a deep copy of the list.
func (ps Params) Clone() Params { return slices.Clone(ps) }

func (ps Params) writeTo(sb *strings.Builder) {
	for _, p := range ps {
		sb.WriteByte(';')
		sb.WriteString(p.Name)
		if p.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
}

// Via is a single Via header value.
type Via struct {
	// Transport is the transport token, e.g. "UDP".
	Transport string
	// Host is the sent-by host without brackets.
	Host string
	// Port is the sent-by port, zero if absent.
	Port   uint16
	Params Params
}

// Branch returns the branch parameter.
func (v Via) Branch() string {
	b, _ := v.Params.Get("branch")
	return b
}

// SentBy returns the sent-by part in host[:port] form.
func (v Via) SentBy() string {
	if v.Port == 0 {
		if strings.Contains(v.Host, ":") {
			return "[" + v.Host + "]"
		}
		return v.Host
	}
	return net.JoinHostPort(v.Host, strconv.Itoa(int(v.Port)))
}

// Clone returns a deep copy of the Via.
func (v Via) Clone() Via {
	v.Params = v.Params.Clone()
	return v
}

func (v Via) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	v.writeTo(sb)
	return sb.String()
}

func (v Via) writeTo(sb *strings.Builder) {
	sb.WriteString("SIP/2.0/")
	sb.WriteString(util.UCase(v.Transport))
	sb.WriteByte(' ')
	sb.WriteString(v.SentBy())
	v.Params.writeTo(sb)
}

// NameAddr is the value of From and To headers.
type NameAddr struct {
	Display string
	URI     string
	Params  Params
}

// Tag returns the tag parameter.
func (a NameAddr) Tag() string {
	t, _ := a.Params.Get("tag")
	return t
}

// WithTag returns a copy of a with the tag parameter set.
func (a NameAddr) WithTag(tag string) NameAddr {
	a.Params = a.Params.Clone().Set("tag", tag)
	return a
}

// Clone returns a deep copy of a.
func (a NameAddr) Clone() NameAddr {
	a.Params = a.Params.Clone()
	return a
}

func (a NameAddr) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	a.writeTo(sb)
	return sb.String()
}

func (a NameAddr) writeTo(sb *strings.Builder) {
	if a.Display != "" {
		sb.WriteString(strconv.Quote(a.Display))
		sb.WriteByte(' ')
	}
	sb.WriteByte('<')
	sb.WriteString(a.URI)
	sb.WriteByte('>')
	a.Params.writeTo(sb)
}

// CSeq is the value of the CSeq header.
type CSeq struct {
	Num    uint32
	Method Method
}

func (c CSeq) String() string { return strconv.FormatUint(uint64(c.Num), 10) + " " + string(c.Method) }

// Header is a header not interpreted by the transaction layer.
type Header struct {
	Name  string
	Value string
}

// MessageHeaders holds the headers shared by requests and responses.
// Via, From, To, Call-ID and CSeq are kept typed, everything else is kept in order in Other.
type MessageHeaders struct {
	Via    []Via
	From   NameAddr
	To     NameAddr
	CallID string
	CSeq   CSeq
	Other  []Header
}

// TopVia returns the topmost Via header.
func (h *MessageHeaders) TopVia() (Via, bool) {
	if len(h.Via) == 0 {
		return Via{}, false
	}
	return h.Via[0], true
}

// Header returns the value of the first header with the name.
func (h *MessageHeaders) Header(name string) (string, bool) {
	for _, hdr := range h.Other {
		if util.EqFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// HeaderValues returns values of all headers with the name.
func (h *MessageHeaders) HeaderValues(name string) []string {
	var vals []string
	for _, hdr := range h.Other {
		if util.EqFold(hdr.Name, name) {
			vals = append(vals, hdr.Value)
		}
	}
	return vals
}

// AddHeader appends a header.
// Content-Length is computed on rendering and is ignored here.
func (h *MessageHeaders) AddHeader(name, value string) {
	if util.EqFold(name, "Content-Length") || util.EqFold(name, "l") {
		return
	}
	h.Other = append(h.Other, Header{name, value})
}

// SetHeader replaces all headers with the name by a single one.
func (h *MessageHeaders) SetHeader(name, value string) {
	h.DelHeader(name)
	h.AddHeader(name, value)
}

// DelHeader removes all headers with the name.
func (h *MessageHeaders) DelHeader(name string) {
	h.Other = slices.DeleteFunc(h.Other, func(hdr Header) bool { return util.EqFold(hdr.Name, name) })
}

func (h *MessageHeaders) clone() MessageHeaders {
	c := MessageHeaders{
		Via:    make([]Via, len(h.Via)),
		From:   h.From.Clone(),
		To:     h.To.Clone(),
		CallID: h.CallID,
		CSeq:   h.CSeq,
		Other:  slices.Clone(h.Other),
	}
	for i, v := range h.Via {
		c.Via[i] = v.Clone()
	}
	return c
}

func (h *MessageHeaders) validate() error {
	if len(h.Via) == 0 {
		return errtrace.Wrap(NewMalformedMessageError("missing Via header"))
	}
	for _, v := range h.Via {
		if v.Host == "" {
			return errtrace.Wrap(NewMalformedMessageError("empty Via sent-by"))
		}
	}
	if h.From.URI == "" {
		return errtrace.Wrap(NewMalformedMessageError("missing From header"))
	}
	if h.To.URI == "" {
		return errtrace.Wrap(NewMalformedMessageError("missing To header"))
	}
	if h.CallID == "" {
		return errtrace.Wrap(NewMalformedMessageError("missing Call-ID header"))
	}
	if h.CSeq.Method == "" {
		return errtrace.Wrap(NewMalformedMessageError("missing CSeq header"))
	}
	return nil
}

func (h *MessageHeaders) writeTo(sb *strings.Builder, body []byte) {
	for _, v := range h.Via {
		sb.WriteString("Via: ")
		v.writeTo(sb)
		sb.WriteString("\r\n")
	}
	sb.WriteString("From: ")
	h.From.writeTo(sb)
	sb.WriteString("\r\nTo: ")
	h.To.writeTo(sb)
	sb.WriteString("\r\nCall-ID: ")
	sb.WriteString(h.CallID)
	sb.WriteString("\r\nCSeq: ")
	sb.WriteString(h.CSeq.String())
	sb.WriteString("\r\n")
	for _, hdr := range h.Other {
		sb.WriteString(hdr.Name)
		sb.WriteString(": ")
		sb.WriteString(hdr.Value)
		sb.WriteString("\r\n")
	}
	sb.WriteString("Content-Length: ")
	sb.WriteString(strconv.Itoa(len(body)))
	sb.WriteString("\r\n\r\n")
	sb.Write(body)
}

// Message is implemented by [*Request] and [*Response].
type Message interface {
	Headers() *MessageHeaders
	// Bytes renders the message in wire format.
	Bytes() []byte
	String() string
	slog.LogValuer
}

// Request is a SIP request.
type Request struct {
	Method Method
	URI    string
	MessageHeaders
	Body []byte
}

// Headers returns the request headers.
func (r *Request) Headers() *MessageHeaders { return &r.MessageHeaders }

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	return &Request{
		Method:         r.Method,
		URI:            r.URI,
		MessageHeaders: r.MessageHeaders.clone(),
		Body:           slices.Clone(r.Body),
	}
}

// Validate checks the request carries everything the transaction layer reads.
func (r *Request) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}
	if r.Method == "" {
		return errtrace.Wrap(NewMalformedMessageError("empty method"))
	}
	if r.URI == "" {
		return errtrace.Wrap(NewMalformedMessageError("empty Request-URI"))
	}
	if err := r.validate(); err != nil {
		return errtrace.Wrap(err)
	}
	if r.Method != MethodAck && r.CSeq.Method != r.Method {
		return errtrace.Wrap(NewMalformedMessageError("CSeq method %q does not match %q", r.CSeq.Method, r.Method))
	}
	return nil
}

// Bytes renders the request in wire format.
func (r *Request) Bytes() []byte { return []byte(r.String()) }

func (r *Request) String() string {
	if r == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(string(r.Method))
	sb.WriteByte(' ')
	sb.WriteString(r.URI)
	sb.WriteString(" SIP/2.0\r\n")
	r.writeTo(sb, r.Body)
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("method", string(r.Method)),
		slog.String("uri", r.URI),
		slog.String("call_id", r.CallID),
		slog.String("cseq", r.CSeq.String()),
	}
	if v, ok := r.TopVia(); ok {
		attrs = append(attrs, slog.String("branch", v.Branch()))
	}
	return slog.GroupValue(attrs...)
}

// Response is a SIP response.
type Response struct {
	Status int
	Reason string
	MessageHeaders
	Body []byte
}

// NewResponse builds a response to req copying Via, From, To, Call-ID and CSeq.
// Timestamp is copied into 100 responses. An empty reason is replaced with the
// default phrase of the status.
func NewResponse(req *Request, status int, reason string) *Response {
	if reason == "" {
		reason = ReasonPhrase(status)
	}
	res := &Response{
		Status:         status,
		Reason:         reason,
		MessageHeaders: req.MessageHeaders.clone(),
	}
	res.Other = nil
	if status == StatusTrying {
		if ts, ok := req.Header("Timestamp"); ok {
			res.AddHeader("Timestamp", ts)
		}
	}
	return res
}

// Headers returns the response headers.
func (r *Response) Headers() *MessageHeaders { return &r.MessageHeaders }

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status:         r.Status,
		Reason:         r.Reason,
		MessageHeaders: r.MessageHeaders.clone(),
		Body:           slices.Clone(r.Body),
	}
}

// IsProvisional reports whether the status is 1xx.
func (r *Response) IsProvisional() bool { return r.Status >= 100 && r.Status < 200 }

// IsSuccess reports whether the status is 2xx.
func (r *Response) IsSuccess() bool { return r.Status >= 200 && r.Status < 300 }

// IsFinal reports whether the status is 200-699.
func (r *Response) IsFinal() bool { return r.Status >= 200 && r.Status < 700 }

// Validate checks the response carries everything the transaction layer reads.
func (r *Response) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil response"))
	}
	if r.Status < 100 || r.Status > 699 {
		return errtrace.Wrap(NewMalformedMessageError("invalid status %d", r.Status))
	}
	return errtrace.Wrap(r.validate())
}

// Bytes renders the response in wire format.
func (r *Response) Bytes() []byte { return []byte(r.String()) }

func (r *Response) String() string {
	if r == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString("SIP/2.0 ")
	sb.WriteString(strconv.Itoa(r.Status))
	sb.WriteByte(' ')
	sb.WriteString(r.Reason)
	sb.WriteString("\r\n")
	r.writeTo(sb, r.Body)
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Int("status", r.Status),
		slog.String("reason", r.Reason),
		slog.String("call_id", r.CallID),
		slog.String("cseq", r.CSeq.String()),
	)
}

// Response status codes used by the transaction layer.
const (
	StatusTrying                      = 100
	StatusRinging                     = 180
	StatusSessionProgress             = 183
	StatusOK                          = 200
	StatusBadRequest                  = 400
	StatusNotFound                    = 404
	StatusRequestTimeout              = 408
	StatusBusyHere                    = 486
	StatusCallTransactionDoesNotExist = 481
	StatusRequestTerminated           = 487
	StatusServerInternalError         = 500
	StatusNotImplemented              = 501
	StatusServiceUnavailable          = 503
	StatusDecline                     = 603
)

var reasonPhrases = map[int]string{
	100: "Trying",
	180: "Ringing",
	181: "Call Is Being Forwarded",
	182: "Queued",
	183: "Session Progress",
	200: "OK",
	202: "Accepted",
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Moved Temporarily",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	482: "Loop Detected",
	483: "Too Many Hops",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	500: "Server Internal Error",
	501: "Not Implemented",
	503: "Service Unavailable",
	504: "Server Time-out",
	600: "Busy Everywhere",
	603: "Decline",
	604: "Does Not Exist Anywhere",
}

// ReasonPhrase returns the default reason phrase of the status code.
func ReasonPhrase(status int) string {
	if s, ok := reasonPhrases[status]; ok {
		return s
	}
	return "Unknown"
}
