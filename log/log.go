// Package log holds the process default logger used by siptx components
// when no logger is configured explicitly.
package log

import (
	"log/slog"
	"sync/atomic"

	"github.com/ghettovoice/siptx/internal/log"
)

var def atomic.Pointer[slog.Logger]

func init() {
	def.Store(log.Def)
}

// Default returns the default logger.
func Default() *slog.Logger { return def.Load() }

// SetDefault replaces the default logger. A nil logger disables logging.
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = log.Noop
	}
	def.Store(l)
}

// Noop returns a logger that discards everything.
func Noop() *slog.Logger { return log.Noop }

// Dev returns the developer logger.
func Dev() *slog.Logger { return log.Dev }

// Loggable is implemented by types that carry their own logger.
type Loggable interface {
	Logger() *slog.Logger
}
