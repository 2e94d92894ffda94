package sip

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/ghettovoice/siptx/internal/syncutil"
	"github.com/ghettovoice/siptx/internal/util"
	"github.com/ghettovoice/siptx/log"
)

// EndpointOptions are the options for an [Endpoint].
type EndpointOptions struct {
	// Table is the transaction table.
	// If nil, a new table is created.
	Table *TransactionTable
	// Timings is the SIP timing config used by all transactions.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// Resolver resolves host names of response destinations.
	// If nil, [net.DefaultResolver] is used.
	Resolver HostResolver
	// Stats receives message and transaction counters.
	// If nil, a new recorder is created.
	Stats *StatsRecorder
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *EndpointOptions) table() *TransactionTable {
	if o == nil || o.Table == nil {
		return NewTransactionTable()
	}
	return o.Table
}

func (o *EndpointOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *EndpointOptions) resolver() HostResolver {
	if o == nil || o.Resolver == nil {
		return defResolver
	}
	return o.Resolver
}

func (o *EndpointOptions) stats() *StatsRecorder {
	if o == nil || o.Stats == nil {
		return NewStatsRecorder()
	}
	return o.Stats
}

func (o *EndpointOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Endpoint is the transaction layer of a SIP element.
//
// It matches received messages to transactions through its [TransactionTable],
// hands requests matching nothing to its layers and creates transactions with shared
// options. Closing the endpoint abandons every transaction it created.
type Endpoint struct {
	table   *TransactionTable
	timings TimingConfig
	rslv    HostResolver
	stats   *StatsRecorder
	log     *slog.Logger

	layersMu sync.RWMutex
	layers   []Layer
	// serializes handling of requests matching no transaction, per key
	unmatched syncutil.KeyMutex[TransactionKey]

	ctx    context.Context //nolint:containedctx
	cancel context.CancelCauseFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewEndpoint creates a new [Endpoint].
// Options are optional, if nil, default values are used (see [EndpointOptions]).
func NewEndpoint(opts *EndpointOptions) *Endpoint {
	ep := &Endpoint{
		table:   opts.table(),
		timings: opts.timings(),
		rslv:    opts.resolver(),
		stats:   opts.stats(),
		log:     opts.log(),
	}
	ep.ctx, ep.cancel = context.WithCancelCause(context.Background())
	return ep
}

// Use appends layers consulted for requests matching no transaction.
func (ep *Endpoint) Use(layers ...Layer) {
	ep.layersMu.Lock()
	ep.layers = append(ep.layers, layers...)
	ep.layersMu.Unlock()
}

// Table returns the transaction table.
func (ep *Endpoint) Table() *TransactionTable { return ep.table }

// Stats returns the stats recorder.
func (ep *Endpoint) Stats() *StatsRecorder { return ep.stats }

// Logger returns the endpoint logger.
func (ep *Endpoint) Logger() *slog.Logger { return ep.log }

// NewVia builds a Via for requests sent over the transport,
// with the rport flag and a new branch.
func (ep *Endpoint) NewVia(tp Transport) Via {
	laddr := tp.LocalAddr()
	return Via{
		Transport: tp.Proto(),
		Host:      laddr.Addr().Unmap().String(),
		Port:      laddr.Port(),
		Params: Params{
			{Name: "branch", Value: GenerateBranch()},
			{Name: "rport"},
		},
	}
}

// NewRequest builds a request outside of a dialog. From gets a new tag unless it has one,
// Call-ID is a random UUID, the CSeq number is 1. The request has no Via:
// client transactions created by the endpoint add it.
func (ep *Endpoint) NewRequest(mtd Method, uri string, from, to NameAddr) *Request {
	if from.Tag() == "" {
		from = from.WithTag(util.RandStringLC(10))
	}
	req := &Request{
		Method: mtd,
		URI:    uri,
		MessageHeaders: MessageHeaders{
			From:   from,
			To:     to,
			CallID: uuid.NewString(),
			CSeq:   CSeq{Num: 1, Method: mtd},
		},
	}
	req.AddHeader("Max-Forwards", "70")
	return req
}

// acquire prepares the context and options of a new transaction.
// The transaction is abandoned once ctx is cancelled or the endpoint is closed.
// The returned release must be called if the transaction could not be created.
func (ep *Endpoint) acquire(ctx context.Context) (context.Context, *TransactionOptions, func(), error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed.Load() {
		return nil, nil, nil, errtrace.Wrap(ErrEndpointClosed)
	}
	ep.wg.Add(1)

	tctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(ep.ctx, func() { cancel(context.Cause(ep.ctx)) })
	var once sync.Once
	release := func() {
		once.Do(func() {
			stop()
			cancel(nil)
			ep.wg.Done()
		})
	}
	opts := &TransactionOptions{
		Timings: ep.timings,
		Log:     ep.log,
		Stats:   ep.stats,
		release: release,
	}
	return tctx, opts, release, nil
}

// NewClientTransaction starts a non-INVITE client transaction sending a copy of req to tgt.
// A new Via is prepended to the copy.
func (ep *Endpoint) NewClientTransaction(ctx context.Context, req *Request, tgt Target) (*NonInviteClientTransaction, error) {
	if req == nil || !tgt.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request or target"))
	}
	return errtrace.Wrap2(ep.newClientTx(ctx, ep.withVia(req, tgt.Transport), tgt))
}

func (ep *Endpoint) newClientTx(ctx context.Context, req *Request, tgt Target) (*NonInviteClientTransaction, error) {
	tctx, opts, release, err := ep.acquire(ctx)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx, err := NewNonInviteClientTransaction(tctx, ep.table, req, tgt, opts)
	if err != nil {
		release()
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// NewInviteClientTransaction starts an INVITE client transaction sending a copy of req to tgt.
// A new Via is prepended to the copy. CANCELs sent with [InviteClientTransaction.Cancel]
// are tracked by the endpoint as well.
func (ep *Endpoint) NewInviteClientTransaction(ctx context.Context, req *Request, tgt Target) (*InviteClientTransaction, error) {
	if req == nil || !tgt.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request or target"))
	}

	tctx, opts, release, err := ep.acquire(ctx)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx, err := NewInviteClientTransaction(tctx, ep.table, ep.withVia(req, tgt.Transport), tgt, opts)
	if err != nil {
		release()
		return nil, errtrace.Wrap(err)
	}
	tx.cancelTx = func(ctx context.Context, req *Request) (*NonInviteClientTransaction, error) {
		return errtrace.Wrap2(ep.newClientTx(ctx, req, tgt))
	}
	return tx, nil
}

func (ep *Endpoint) withVia(req *Request, tp Transport) *Request {
	req = req.Clone()
	req.Via = slices.Insert(req.Via, 0, ep.NewVia(tp))
	return req
}

// NewServerTransaction starts a non-INVITE server transaction for the received request.
// The response destination is resolved with the endpoint resolver when needed.
func (ep *Endpoint) NewServerTransaction(ctx context.Context, req *InboundRequest) (*NonInviteServerTransaction, error) {
	tctx, opts, release, err := ep.acquire(ctx)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if opts.Destination, err = ep.responseTarget(ctx, req); err != nil {
		release()
		return nil, errtrace.Wrap(err)
	}
	tx, err := NewNonInviteServerTransaction(tctx, ep.table, req, opts)
	if err != nil {
		release()
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// NewInviteServerTransaction starts an INVITE server transaction for the received request.
func (ep *Endpoint) NewInviteServerTransaction(ctx context.Context, req *InboundRequest) (*InviteServerTransaction, error) {
	tctx, opts, release, err := ep.acquire(ctx)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if opts.Destination, err = ep.responseTarget(ctx, req); err != nil {
		release()
		return nil, errtrace.Wrap(err)
	}
	tx, err := NewInviteServerTransaction(tctx, ep.table, req, opts)
	if err != nil {
		release()
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

func (ep *Endpoint) responseTarget(ctx context.Context, req *InboundRequest) (netip.AddrPort, error) {
	if req == nil {
		return netip.AddrPort{}, errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}
	return errtrace.Wrap2(ResolveResponseTarget(ctx, req, ep.rslv))
}

// DispatchIncoming routes a received message.
//
// A message matching a transaction is delivered to its mailbox. A response matching nothing
// is discarded. A request matching nothing is handed to the layers; if no layer claims it,
// an ACK is discarded and any other request is answered with 481 through a new server transaction.
// A request a transaction key cannot be derived from is answered statelessly with 400.
func (ep *Endpoint) DispatchIncoming(ctx context.Context, msg InboundMessage) error {
	if msg == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil message"))
	}
	ep.stats.RecordReceived(msg)

	req, isReq := msg.(*InboundRequest)
	if isReq {
		SetReceived(req)
	}

	key, err := KeyOf(msg)
	if err != nil {
		ep.stats.msgMalformed()
		if isReq {
			ep.log.LogAttrs(ctx, slog.LevelWarn,
				"discarding inbound request due to transaction key error",
				slog.Any("request", req),
				slog.Any("error", err),
			)
			if _, ok := req.TopVia(); ok && req.Method != MethodAck {
				ep.respondStateless(ctx, req, StatusBadRequest)
			}
		} else {
			ep.log.LogAttrs(ctx, slog.LevelWarn,
				"silently discard inbound response due to transaction key error",
				slog.Any("response", msg),
				slog.Any("error", err),
			)
		}
		return errtrace.Wrap(err)
	}

	if ep.deliver(ctx, key, msg) {
		return nil
	}

	if !isReq {
		ep.stats.msgUnmatched(false)
		ep.log.LogAttrs(ctx, slog.LevelDebug,
			"silently discard inbound response due to missing corresponding transaction",
			slog.Any("key", key),
			slog.Any("response", msg),
		)
		return nil
	}

	// Retransmissions of the request may arrive while a layer is still handling it.
	// They wait here and go to the transaction the layer created, if any.
	unlock := ep.unmatched.Lock(key)
	defer unlock()

	if ep.deliver(ctx, key, msg) {
		return nil
	}
	ep.stats.msgUnmatched(true)
	ep.handleUnmatched(ctx, req)
	return nil
}

// deliver passes the message to the transaction registered under the key.
// It reports whether such a transaction was found.
func (ep *Endpoint) deliver(ctx context.Context, key TransactionKey, msg InboundMessage) bool {
	mb, ok := ep.table.Lookup(key)
	if !ok {
		return false
	}
	if mb.Deliver(msg) {
		ep.stats.msgDispatched()
		return true
	}
	ep.log.LogAttrs(ctx, slog.LevelDebug,
		"silently discard inbound message due to vanished transaction",
		slog.Any("key", key),
		slog.Any("message", msg),
	)
	return true
}

func (ep *Endpoint) handleUnmatched(ctx context.Context, req *InboundRequest) {
	if ep.closed.Load() {
		if req.Method != MethodAck {
			ep.respondStateless(ctx, req, StatusServiceUnavailable)
		}
		return
	}

	ep.layersMu.RLock()
	layers := slices.Clone(ep.layers)
	ep.layersMu.RUnlock()

	for _, l := range layers {
		if l.HandleRequest(ctx, ep, req) {
			ep.log.LogAttrs(ctx, slog.LevelDebug, "inbound request handled",
				slog.String("layer", l.Name()),
				slog.Any("request", req),
			)
			return
		}
	}

	if req.Method == MethodAck {
		ep.log.LogAttrs(ctx, slog.LevelDebug,
			"silently discard inbound ACK due to missing corresponding transaction",
			slog.Any("request", req),
		)
		return
	}
	ep.respond(ctx, req, StatusCallTransactionDoesNotExist)
}

// respond answers the request with a final response through a new server transaction
// living until the endpoint is closed.
func (ep *Endpoint) respond(ctx context.Context, req *InboundRequest, status int) {
	var (
		tx  ServerTransaction
		err error
	)
	bctx := context.WithoutCancel(ctx)
	if req.Method == MethodInvite {
		tx, err = ep.NewInviteServerTransaction(bctx, req)
	} else {
		tx, err = ep.NewServerTransaction(bctx, req)
	}
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelWarn, "failed to create server transaction",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		return
	}

	if err := tx.Respond(ctx, NewResponse(req.Request, status, "")); err != nil {
		ep.log.LogAttrs(ctx, slog.LevelWarn, "failed to respond",
			slog.Any("transaction", tx),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
}

func (ep *Endpoint) respondStateless(ctx context.Context, req *InboundRequest, status int) {
	tp := req.Transport()
	if tp == nil {
		return
	}
	dst, ok := ResponseTarget(req)
	if !ok {
		dst = req.Source()
	}
	if !dst.IsValid() {
		return
	}

	res := NewResponse(req.Request, status, "")
	if res.To.Tag() == "" {
		res.To = res.To.WithTag(util.RandStringLC(10))
	}
	if err := tp.Send(ctx, res.Bytes(), dst); err != nil {
		ep.log.LogAttrs(ctx, slog.LevelWarn, "failed to send stateless response",
			slog.Int("status", status),
			slog.String("destination", dst.String()),
			slog.Any("error", err),
		)
		return
	}
	ep.stats.msgSent(tp, false)
	ep.log.LogAttrs(ctx, slog.LevelDebug, "stateless response sent",
		slog.String("status", strconv.Itoa(status)),
		slog.String("destination", dst.String()),
	)
}

// Close abandons all transactions created by the endpoint and waits until they are done
// or ctx is cancelled. Requests received after Close are answered with 503.
func (ep *Endpoint) Close(ctx context.Context) error {
	ep.mu.Lock()
	first := !ep.closed.Swap(true)
	ep.mu.Unlock()
	if first {
		ep.cancel(errtrace.Wrap(ErrEndpointClosed))
	}

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}
}
