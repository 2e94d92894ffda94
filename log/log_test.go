package log_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/ghettovoice/siptx/log"
)

// Tests here mutate the process default and therefore do not run in parallel.

func TestSetDefault(t *testing.T) {
	orig := log.Default()
	t.Cleanup(func() { log.SetDefault(orig) })

	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, nil))
	log.SetDefault(l)
	if log.Default() != l {
		t.Fatal("log.Default() did not return the logger passed to log.SetDefault")
	}

	log.Default().Info("hello", slog.String("key", "value"))
	if !strings.Contains(buf.String(), "key=value") {
		t.Errorf("log output = %q, want it to contain key=value", buf.String())
	}

	log.SetDefault(nil)
	if log.Default().Enabled(context.Background(), slog.LevelError) {
		t.Error("log.Default() after SetDefault(nil) is enabled, want noop logger")
	}
}

func TestPresetLoggers(t *testing.T) {
	if log.Noop().Enabled(context.Background(), slog.LevelError) {
		t.Error("log.Noop() is enabled at error level, want disabled")
	}
	if !log.Dev().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("log.Dev() is disabled at debug level, want enabled")
	}
}
