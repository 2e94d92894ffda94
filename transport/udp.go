// Package transport implements SIP transports feeding an [sip.Endpoint].
package transport

//go:generate errtrace -w .

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/errorutil"
	"github.com/ghettovoice/siptx/log"
	"github.com/ghettovoice/siptx/sip"
	"github.com/ghettovoice/siptx/wire"
)

const (
	// ErrTransportClosed is returned by a closed transport.
	ErrTransportClosed errorutil.Error = "transport closed"
	// ErrMessageTooLarge is returned when a message does not fit into a datagram.
	ErrMessageTooLarge errorutil.Error = "message too large"
)

// MaxDatagramSize is the largest UDP payload.
const MaxDatagramSize = 65507

// Dispatcher receives decoded inbound messages. [*sip.Endpoint] implements it.
type Dispatcher interface {
	DispatchIncoming(ctx context.Context, msg sip.InboundMessage) error
}

// DecodeFunc decodes a datagram into a SIP message.
type DecodeFunc func(data []byte) (sip.Message, error)

// UDPOptions are the options for a [UDP] transport.
type UDPOptions struct {
	// Proto is the transport token used in Via headers.
	// Default is "UDP".
	Proto string
	// Decode decodes inbound datagrams.
	// If nil, [wire.Decode] is used.
	Decode DecodeFunc
	// ReadTimeout bounds each blocking read so temporary stalls are noticed.
	// Default is 1 minute.
	ReadTimeout time.Duration
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *UDPOptions) proto() string {
	if o == nil || o.Proto == "" {
		return "UDP"
	}
	return o.Proto
}

func (o *UDPOptions) decode() DecodeFunc {
	if o == nil || o.Decode == nil {
		return wire.Decode
	}
	return o.Decode
}

func (o *UDPOptions) readTimeout() time.Duration {
	if o == nil || o.ReadTimeout <= 0 {
		return time.Minute
	}
	return o.ReadTimeout
}

func (o *UDPOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// UDP is an unreliable [sip.Transport] over a packet connection.
type UDP struct {
	conn    net.PacketConn
	laddr   netip.AddrPort
	proto   string
	decode  DecodeFunc
	readTTL time.Duration
	log     *slog.Logger

	wrMu    sync.Mutex
	closing atomic.Bool
}

// NewUDP creates a transport over conn. The transport owns conn and closes it on [UDP.Close].
// Options are optional, if nil, default values are used (see [UDPOptions]).
func NewUDP(conn net.PacketConn, opts *UDPOptions) (*UDP, error) {
	if conn == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid connection"))
	}
	laddr, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError(err))
	}

	tp := &UDP{
		laddr:   laddr,
		proto:   opts.proto(),
		decode:  opts.decode(),
		readTTL: opts.readTimeout(),
		log:     opts.log(),
	}
	tp.log = tp.log.With("transport", tp)
	tp.conn = newPacketConn(conn, tp.log)
	return tp, nil
}

// ListenUDP binds a UDP socket on addr and creates a transport over it.
func ListenUDP(ctx context.Context, addr string, opts *UDPOptions) (*UDP, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tp, err := NewUDP(conn, opts)
	if err != nil {
		conn.Close()
		return nil, errtrace.Wrap(err)
	}
	return tp, nil
}

func (*UDP) Reliable() bool { return false }

func (*UDP) Secure() bool { return false }

func (tp *UDP) LocalAddr() netip.AddrPort { return tp.laddr }

func (tp *UDP) Proto() string { return tp.proto }

// LogValue implements [slog.LogValuer].
func (tp *UDP) LogValue() slog.Value {
	if tp == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("proto", tp.proto),
		slog.String("local_addr", tp.laddr.String()),
	)
}

// Send writes a datagram to dst. A ctx deadline is applied as the write deadline.
func (tp *UDP) Send(ctx context.Context, data []byte, dst netip.AddrPort) error {
	if tp.closing.Load() {
		return errtrace.Wrap(ErrTransportClosed)
	}
	if len(data) > MaxDatagramSize {
		return errtrace.Wrap(ErrMessageTooLarge)
	}
	if !dst.IsValid() {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid destination"))
	}
	if err := ctx.Err(); err != nil {
		return errtrace.Wrap(err)
	}

	// the write deadline is socket-wide, so every write is serialized with it
	tp.wrMu.Lock()
	defer tp.wrMu.Unlock()

	if d, ok := ctx.Deadline(); ok {
		if err := tp.conn.SetWriteDeadline(d); err != nil {
			return errtrace.Wrap(err)
		}
		defer tp.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := tp.conn.WriteTo(data, net.UDPAddrFromAddrPort(dst)); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

// Serve reads datagrams and dispatches decoded messages to d until ctx is done
// or the transport is closed. The transport is closed when Serve returns.
// Undecodable datagrams and keep-alive pings are skipped.
func (tp *UDP) Serve(ctx context.Context, d Dispatcher) error {
	if d == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil dispatcher"))
	}
	defer tp.Close()

	stop := context.AfterFunc(ctx, func() { tp.Close() })
	defer stop()

	tp.log.LogAttrs(ctx, slog.LevelDebug, "begin serving the connection")
	defer tp.log.LogAttrs(ctx, slog.LevelDebug, "serving the connection finished")

	var tempDelay time.Duration
	buf := make([]byte, MaxDatagramSize)
	for {
		if err := tp.conn.SetReadDeadline(time.Now().Add(tp.readTTL)); err != nil && !tp.closing.Load() {
			return errtrace.Wrap(err)
		}
		n, raddr, err := tp.conn.ReadFrom(buf)
		if err != nil {
			if tp.closing.Load() || errorutil.IsClosedErr(err) {
				if ctx.Err() != nil {
					return errtrace.Wrap(context.Cause(ctx))
				}
				return errtrace.Wrap(ErrTransportClosed)
			}
			if errorutil.IsTimeoutErr(err) {
				continue
			}
			if errorutil.IsTemporaryErr(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(2*tempDelay, time.Second)
				}
				tp.log.LogAttrs(ctx, slog.LevelWarn,
					"failed to read inbound datagram due to the temporary error; continue serving the connection...",
					slog.Any("error", err),
					slog.Duration("retry_after", tempDelay),
				)
				time.Sleep(tempDelay)
				continue
			}
			return errtrace.Wrap(err)
		}
		tempDelay = 0

		tp.handleDatagram(ctx, d, buf[:n], raddr)
	}
}

func (tp *UDP) handleDatagram(ctx context.Context, d Dispatcher, data []byte, raddr net.Addr) {
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}

	src, err := netip.ParseAddrPort(raddr.String())
	if err != nil {
		tp.log.LogAttrs(ctx, slog.LevelWarn, "discarding inbound datagram from unsupported address",
			slog.Any("remote_addr", raddr),
		)
		return
	}
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

	msg, err := tp.decode(bytes.Clone(data))
	if err != nil {
		tp.log.LogAttrs(ctx, slog.LevelWarn, "discarding malformed inbound datagram",
			slog.String("remote_addr", src.String()),
			slog.Any("error", err),
		)
		return
	}
	inMsg, err := sip.NewInboundMessage(msg, tp, src)
	if err != nil {
		tp.log.LogAttrs(ctx, slog.LevelWarn, "discarding inbound message", slog.Any("error", err))
		return
	}
	if err := d.DispatchIncoming(ctx, inMsg); err != nil {
		tp.log.LogAttrs(ctx, slog.LevelDebug, "inbound message dispatch failed",
			slog.Any("message", inMsg),
			slog.Any("error", err),
		)
	}
}

// Close closes the transport and its connection.
func (tp *UDP) Close() error {
	tp.closing.Store(true)
	return errtrace.Wrap(tp.conn.Close())
}
