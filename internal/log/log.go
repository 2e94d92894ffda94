// Package log provides slog handlers used by the siptx packages.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(c net.PacketConn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.String("ptr", fmt.Sprintf("%p", c)),
			slog.Any("local_addr", c.LocalAddr()),
		)
	}),
	slogformatter.FormatByType(func(addr netip.AddrPort) slog.Value {
		return slog.StringValue(addr.String())
	}),
)

// NewConsoleHandler returns a human-readable handler writing to w.
func NewConsoleHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return newHandler(console.NewHandler(w, &console.HandlerOptions{
		AddSource:  true,
		Level:      level,
		TimeFormat: time.RFC3339Nano,
	}))
}

// NewDevHandler returns a verbose developer handler writing to w.
func NewDevHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return newHandler(devslog.NewHandler(w, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			AddSource: true,
			Level:     level,
		},
		SortKeys:   true,
		TimeFormat: time.RFC3339Nano,
	}))
}

// Def is a default logger.
var Def = slog.New(NewConsoleHandler(os.Stdout, slog.LevelInfo))

// Dev is a developer logger.
var Dev = slog.New(NewDevHandler(os.Stdout, slog.LevelDebug))

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop is a noop logger.
var Noop = slog.New(noopHandler{})
