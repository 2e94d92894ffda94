package transport

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/util"
)

// packetConn decorates the transport socket: Close is idempotent and
// datagrams are traced at debug level with their start line.
type packetConn struct {
	net.PacketConn
	log *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func newPacketConn(c net.PacketConn, log *slog.Logger) *packetConn {
	if c, ok := c.(*packetConn); ok {
		return c
	}
	return &packetConn{PacketConn: c, log: log}
}

func (c *packetConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, addr, err := c.PacketConn.ReadFrom(b)
	if err != nil {
		return n, addr, errtrace.Wrap(err)
	}
	c.trace("datagram received", b[:n], addr)
	return n, addr, nil
}

func (c *packetConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	n, err := c.PacketConn.WriteTo(b, addr)
	if err != nil {
		return n, errtrace.Wrap(err)
	}
	c.trace("datagram sent", b[:n], addr)
	return n, nil
}

func (c *packetConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.PacketConn.Close()
		if c.closeErr != nil {
			c.log.LogAttrs(context.Background(), slog.LevelDebug, "socket closed with error", slog.Any("error", c.closeErr))
			return
		}
		c.log.LogAttrs(context.Background(), slog.LevelDebug, "socket closed")
	})
	return errtrace.Wrap(c.closeErr)
}

func (c *packetConn) trace(msg string, data []byte, addr net.Addr) {
	ctx := context.Background()
	if !c.log.Enabled(ctx, slog.LevelDebug) {
		return
	}
	c.log.LogAttrs(ctx, slog.LevelDebug, msg,
		slog.Any("remote_addr", addr),
		slog.Int("size", len(data)),
		slog.String("start_line", startLine(data)),
	)
}

// startLine returns the first non-empty line of a datagram, shortened for logs.
func startLine(data []byte) string {
	data = bytes.TrimLeft(data, "\r\n")
	line, _, _ := bytes.Cut(data, []byte("\n"))
	return util.Ellipsis(string(bytes.TrimRight(line, "\r")), 120)
}
