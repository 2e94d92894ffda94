package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"braces.dev/errtrace"
	"github.com/urfave/cli/v3"

	"github.com/ghettovoice/siptx/log"
	"github.com/ghettovoice/siptx/metrics"
	"github.com/ghettovoice/siptx/sip"
	"github.com/ghettovoice/siptx/transport"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "answer OPTIONS requests and reject everything else with 501",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "UDP listen `ADDR`",
				Value:   "0.0.0.0:5060",
				Sources: envVars("LISTEN"),
			},
			&cli.StringFlag{
				Name:    "metrics-listen",
				Usage:   "HTTP listen `ADDR` of the Prometheus metrics, disabled if empty",
				Sources: envVars("METRICS_LISTEN"),
			},
		},
		Action: serve,
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	logger := log.Default()

	ep := newEndpoint(cmd)
	defer closeEndpoint(ep)
	ep.Use(
		sip.MethodLayer(sip.MethodOptions, sip.StatusOK),
		sip.FallbackLayer(sip.StatusNotImplemented),
	)

	tp, err := transport.ListenUDP(ctx, cmd.String("listen"), &transport.UDPOptions{Log: logger})
	if err != nil {
		return errtrace.Wrap(err)
	}
	defer tp.Close()

	if addr := cmd.String("metrics-listen"); addr != "" {
		srv, err := serveMetrics(ctx, addr, ep.Stats())
		if err != nil {
			return errtrace.Wrap(err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	logger.LogAttrs(ctx, slog.LevelInfo, "serving SIP endpoint",
		slog.Any("transport", tp),
		slog.Any("timings", timings(cmd)),
	)
	if err := tp.Serve(ctx, ep); err != nil && !errors.Is(err, context.Canceled) {
		return errtrace.Wrap(err)
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "SIP endpoint stopped")
	return nil
}

func serveMetrics(ctx context.Context, addr string, rcdr *sip.StatsRecorder) (*http.Server, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(rcdr))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Default().LogAttrs(ctx, slog.LevelError, "metrics server failed", slog.Any("error", err))
		}
	}()
	log.Default().LogAttrs(ctx, slog.LevelInfo, "serving metrics", slog.String("addr", ln.Addr().String()))
	return srv, nil
}
