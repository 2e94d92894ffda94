package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/timeutil"
	"github.com/ghettovoice/siptx/internal/types"
	"github.com/ghettovoice/siptx/log"
)

// Transaction is the common part of client and server transactions.
type Transaction interface {
	log.Loggable
	slog.LogValuer
	// Key returns the key the transaction is registered under.
	Key() TransactionKey
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current state.
	State() TransactionState
	// Done is closed once the transaction has terminated and released its table entry.
	Done() <-chan struct{}
	// Err returns the termination reason: nil for a normal termination,
	// an error wrapping [ErrTransactionTimedOut] on timeout, a transport error or
	// the cause of an abandonment. It returns nil until Done is closed.
	Err() error
	// Terminate abandons the transaction. It returns once the transaction has terminated.
	Terminate(ctx context.Context) error
	// OnStateChanged registers a callback called on every state change.
	// Callbacks run on the transaction goroutine and must not block.
	OnStateChanged(fn TransactionStateHandler) (remove func())
}

// TransactionStateHandler is called on a transaction state change.
type TransactionStateHandler = func(ctx context.Context, from, to TransactionState)

const transactCtxKey types.ContextKey = "transaction"

// TransactionFromContext returns the transaction running the current state machine action.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(transactCtxKey).(Transaction)
	return tx, ok
}

// TransactionOptions contains options shared by all transaction types.
type TransactionOptions struct {
	// Timings is the SIP timing config used by the transaction.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// Log is the logger used by the transaction.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
	// Stats receives transaction counters. Optional.
	Stats *StatsRecorder
	// Destination overrides the address responses of a server transaction are sent to.
	// If zero, it is derived from the request with [ResponseTarget].
	Destination netip.AddrPort

	// release is called once the transaction goroutine exits.
	release func()
}

func (o *TransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *TransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *TransactionOptions) stats() *StatsRecorder {
	if o == nil {
		return nil
	}
	return o.Stats
}

func (o *TransactionOptions) dest() netip.AddrPort {
	if o == nil {
		return netip.AddrPort{}
	}
	return o.Destination
}

type txCmd struct {
	ctx  context.Context //nolint:containedctx
	evt  string
	args []any
	res  chan error
}

// baseTransact runs a transaction state machine on its own goroutine.
// All state machine actions run on that goroutine; API calls reach it as commands.
type baseTransact struct {
	typ     TransactionType
	impl    Transaction
	key     TransactionKey
	reg     *Registration
	tp      Transport
	dst     netip.AddrPort
	timings TimingConfig
	log     *slog.Logger
	stats   *StatsRecorder
	opts    TransactionOptions
	release func()

	fsm     *fsmEngine
	state   atomic.Value
	timers  *timeutil.Schedule[string]
	cmds    chan txCmd
	done    chan struct{}
	err     error
	pendErr error
	onState types.CallbackManager[TransactionStateHandler]
}

func newBaseTransact(
	typ TransactionType,
	impl Transaction,
	key TransactionKey,
	reg *Registration,
	tp Transport,
	dst netip.AddrPort,
	opts *TransactionOptions,
) *baseTransact {
	tx := &baseTransact{
		typ:     typ,
		impl:    impl,
		key:     key,
		reg:     reg,
		tp:      tp,
		dst:     dst,
		timings: opts.timings(),
		log:     opts.log(),
		stats:   opts.stats(),
		timers:  timeutil.NewSchedule[string](),
		cmds:    make(chan txCmd),
		done:    make(chan struct{}),
	}
	if opts != nil {
		tx.opts = *opts
	}
	tx.release = tx.opts.release
	tx.opts.release = nil
	return tx
}

func (tx *baseTransact) initFSM(tbl *fsmTable) {
	tx.state.Store(tbl.Start)
	tx.fsm = newFSMEngine(tbl, tx.setState)
}

// Key returns the transaction key.
func (tx *baseTransact) Key() TransactionKey { return tx.key }

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType { return tx.typ }

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	return tx.state.Load().(TransactionState) //nolint:forcetypeassert
}

// Logger returns the transaction logger.
func (tx *baseTransact) Logger() *slog.Logger { return tx.log }

// Done is closed once the transaction has terminated.
func (tx *baseTransact) Done() <-chan struct{} { return tx.done }

// Err returns the termination reason once the transaction is done.
func (tx *baseTransact) Err() error {
	select {
	case <-tx.done:
		return tx.err
	default:
		return nil
	}
}

// LogValue implements [slog.LogValuer].
func (tx *baseTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.String("type", tx.typ.String()),
		slog.String("state", string(tx.State())),
	)
}

// OnStateChanged registers a state change callback.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (remove func()) {
	return tx.onState.Add(fn)
}

// Terminate abandons the transaction and waits until it is done.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	if err := tx.exec(ctx, txEvtTerminate); err != nil &&
		!errors.Is(err, ErrTransactionTerminated) {
		return errtrace.Wrap(err)
	}
	select {
	case <-tx.done:
		return nil
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}
}

func (tx *baseTransact) setState(ctx context.Context, st TransactionState) {
	from := tx.State()
	if from == st {
		return
	}
	tx.state.Store(st)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
		slog.Any("transaction", tx.impl),
		slog.String("from", string(from)),
		slog.String("to", string(st)),
	)

	for fn := range tx.onState.All() {
		fn(ctx, from, st)
	}
}

// start launches the transaction goroutine.
// Cancellation of ctx abandons the transaction.
func (tx *baseTransact) start(ctx context.Context) {
	tx.stats.txCreated(tx.typ)
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction created", slog.Any("transaction", tx.impl))
	go tx.run(ctx)
}

func (tx *baseTransact) run(ctx context.Context) {
	defer tx.finish()

	actx := context.WithValue(context.WithoutCancel(ctx), transactCtxKey, tx.impl)
	for tx.State() != TransactionStateTerminated {
		select {
		case <-tx.reg.Ready():
			tx.drainMailbox(actx)
		case <-tx.timers.C():
			tx.fireTimers(actx)
		case cmd := <-tx.cmds:
			cmd.res <- tx.handle(context.WithValue(cmd.ctx, transactCtxKey, tx.impl), cmd.evt, cmd.args...)
		case <-ctx.Done():
			tx.handle(actx, txEvtTerminate, errtrace.Wrap(context.Cause(ctx))) //nolint:errcheck
		}
	}
}

func (tx *baseTransact) drainMailbox(ctx context.Context) {
	for tx.State() != TransactionStateTerminated {
		msg, ok := tx.reg.Next()
		if !ok {
			return
		}
		evt, arg := tx.classify(msg)
		if evt == "" {
			tx.log.LogAttrs(ctx, slog.LevelDebug, "discard unexpected message",
				slog.Any("transaction", tx.impl),
				slog.Any("message", msg),
			)
			continue
		}
		tx.handle(ctx, evt, arg) //nolint:errcheck
	}
}

func (tx *baseTransact) classify(msg InboundMessage) (string, any) {
	switch m := msg.(type) {
	case *InboundResponse:
		if tx.typ.Role != RoleClient {
			return "", nil
		}
		switch {
		case m.IsProvisional():
			return txEvtRecv1xx, m
		case m.IsSuccess():
			return txEvtRecv2xx, m
		case m.IsFinal():
			return txEvtRecv300699, m
		}
	case *InboundRequest:
		if tx.typ.Role != RoleServer {
			return "", nil
		}
		if m.Method == MethodAck {
			return txEvtRecvAck, m
		}
		return txEvtRecvReq, m
	}
	return "", nil
}

func (tx *baseTransact) fireTimers(ctx context.Context) {
	for _, name := range tx.timers.Due() {
		if tx.State() == TransactionStateTerminated {
			return
		}
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" fired", slog.Any("transaction", tx.impl))
		tx.handle(ctx, timerEvt(name)) //nolint:errcheck
	}
}

// handle fires the event and then the transport error raised by its actions, if any.
func (tx *baseTransact) handle(ctx context.Context, evt string, args ...any) error {
	ok, err := tx.fsm.fire(ctx, evt, args...)
	if err != nil {
		tx.pendErr = nil
		return errtrace.Wrap(err)
	}
	if !ok {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "event ignored",
			slog.Any("transaction", tx.impl),
			slog.String("event", evt),
		)
		return errtrace.Wrap(fmt.Errorf("%w: %s in state %s", ErrUnexpectedMessage, evt, tx.State()))
	}

	if perr := tx.pendErr; perr != nil {
		tx.pendErr = nil
		if _, err := tx.fsm.fire(ctx, txEvtTranspErr, perr); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
		return errtrace.Wrap(perr)
	}
	return nil
}

// exec sends the event to the transaction goroutine and waits for the result.
func (tx *baseTransact) exec(ctx context.Context, evt string, args ...any) error {
	cmd := txCmd{ctx: ctx, evt: evt, args: args, res: make(chan error, 1)}
	select {
	case tx.cmds <- cmd:
	case <-tx.done:
		return errtrace.Wrap(ErrTransactionTerminated)
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}
	select {
	case err := <-cmd.res:
		return errtrace.Wrap(err)
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}
}

func (tx *baseTransact) finish() {
	tx.timers.Clear()
	tx.reg.Close()
	tx.stats.txTerminated(tx.typ, tx.err)
	close(tx.done)

	lvl := slog.LevelDebug
	if tx.err != nil {
		lvl = slog.LevelWarn
	}
	tx.log.LogAttrs(context.Background(), lvl, "transaction terminated",
		slog.Any("transaction", tx.impl),
		slog.Any("error", tx.err),
	)

	if tx.release != nil {
		tx.release()
	}
}

// abort releases a transaction that failed before its goroutine started.
func (tx *baseTransact) abort() {
	tx.pendErr = nil
	tx.timers.Clear()
	tx.reg.Close()
	if tx.release != nil {
		tx.release()
	}
}

func (tx *baseTransact) startTimer(ctx context.Context, name string, d time.Duration) {
	at := tx.timers.Start(name, d)
	tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" started",
		slog.Any("transaction", tx.impl),
		slog.Duration("duration", d),
		slog.Time("expires_at", at),
	)
}

func (tx *baseTransact) stopTimer(ctx context.Context, name string) {
	if tx.timers.Stop(name) {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx.impl))
	}
}

// restartTimer restarts the timer with the doubled previous duration, capped by limit if positive.
func (tx *baseTransact) restartTimer(ctx context.Context, name string, limit time.Duration) {
	d, _ := tx.timers.Duration(name)
	d *= 2
	if limit > 0 {
		d = min(d, limit)
	}
	tx.startTimer(ctx, name, d)
}

func (tx *baseTransact) reliable() bool { return reliable(tx.tp) }

// send passes the rendered message to the transport.
// A failure is recorded and fired as a transport error after the current action.
func (tx *baseTransact) send(ctx context.Context, what string, data []byte) error {
	if err := tx.tp.Send(ctx, data, tx.dst); err != nil {
		err = errtrace.Wrap(fmt.Errorf("send %s: %w", what, err))
		tx.pendErr = err
		return err
	}
	tx.stats.msgSent(tx.tp, tx.typ.Role == RoleClient)
	return nil
}

// resend re-sends the message on a best-effort basis.
func (tx *baseTransact) resend(ctx context.Context, what string, data []byte) {
	tx.stats.txRetransmitted(tx.typ)
	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send "+what, slog.Any("transaction", tx.impl))
	if err := tx.tp.Send(ctx, data, tx.dst); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to re-send "+what,
			slog.Any("transaction", tx.impl),
			slog.Any("error", err),
		)
		return
	}
	tx.stats.msgSent(tx.tp, tx.typ.Role == RoleClient)
}

// Actions shared by all transaction types.

func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.timers.Clear()
	tx.reg.Close()
	return nil
}

func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.err = errtrace.Wrap(ErrTransactionTimedOut)
	tx.stats.txTimedOut(tx.typ)
	return nil
}

func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	if len(args) > 0 {
		if err, ok := args[0].(error); ok {
			tx.err = err
		}
	}
	return nil
}

func (tx *baseTransact) actAbandoned(ctx context.Context, args ...any) error {
	if len(args) > 0 {
		if err, ok := args[0].(error); ok && err != nil {
			tx.err = errtrace.Wrap(fmt.Errorf("%w: %w", ErrTransactionTerminated, err))
			return nil
		}
	}
	tx.err = errtrace.Wrap(ErrTransactionTerminated)
	return nil
}
