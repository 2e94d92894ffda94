// Command siptx runs a SIP transaction layer endpoint over UDP.
//
// Usage:
//
//	siptx [global options] serve [options]
//	siptx [global options] ping [options] host[:port]
//
// Every option can also be set with a SIPTX_* environment variable. Variables are
// first loaded from the file named by SIPTX_ENV_FILE, or from .env in the working
// directory if it exists; variables already set in the environment win.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"braces.dev/errtrace"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/ghettovoice/siptx/dns"
	ilog "github.com/ghettovoice/siptx/internal/log"
	"github.com/ghettovoice/siptx/log"
	"github.com/ghettovoice/siptx/sip"
)

const envPrefix = "SIPTX_"

func main() {
	if err := loadEnv(os.Getenv(envPrefix + "ENV_FILE")); err != nil {
		fmt.Fprintln(os.Stderr, "siptx:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Default().LogAttrs(ctx, slog.LevelError, "siptx failed", slog.Any("error", err))
		stop()
		os.Exit(1) //nolint:gocritic
	}
}

// loadEnv loads environment variables from the file without overriding the ones already set.
// An empty path means ".env" and it may be missing.
func loadEnv(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil //nolint:nilerr
		}
		path = ".env"
	}
	return errtrace.Wrap(godotenv.Load(path))
}

func envVars(name string) cli.ValueSourceChain {
	return cli.EnvVars(envPrefix + name)
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "siptx",
		Usage: "SIP transaction layer endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log `LEVEL`: debug, info, warn or error",
				Value:   "info",
				Sources: envVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "log `FORMAT`: console or dev",
				Value:   "console",
				Sources: envVars("LOG_FORMAT"),
			},
			&cli.DurationFlag{
				Name:    "t1",
				Usage:   "RTT estimate",
				Value:   sip.T1,
				Sources: envVars("T1"),
			},
			&cli.DurationFlag{
				Name:    "t2",
				Usage:   "maximum retransmission interval of non-INVITE requests and INVITE responses",
				Value:   sip.T2,
				Sources: envVars("T2"),
			},
			&cli.DurationFlag{
				Name:    "t4",
				Usage:   "maximum duration a message remains in the network",
				Value:   sip.T4,
				Sources: envVars("T4"),
			},
			&cli.StringFlag{
				Name:    "dns-server",
				Usage:   "DNS server `ADDR`, the system resolver is used if empty",
				Sources: envVars("DNS_SERVER"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			l, err := newLogger(cmd.String("log-format"), cmd.String("log-level"))
			if err != nil {
				return ctx, errtrace.Wrap(err)
			}
			log.SetDefault(l)
			return ctx, nil
		},
		Commands: []*cli.Command{
			serveCmd(),
			pingCmd(),
		},
	}
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("invalid log level %q: %w", level, err))
	}
	switch format {
	case "", "console":
		return slog.New(ilog.NewConsoleHandler(os.Stderr, lvl)), nil
	case "dev":
		return slog.New(ilog.NewDevHandler(os.Stderr, lvl)), nil
	default:
		return nil, errtrace.Wrap(fmt.Errorf("invalid log format %q", format))
	}
}

func timings(cmd *cli.Command) sip.TimingConfig {
	return sip.NewTimings(cmd.Duration("t1"), cmd.Duration("t2"), cmd.Duration("t4"), 0, 0)
}

func resolver(cmd *cli.Command) *dns.Resolver {
	return &dns.Resolver{
		NameServer: cmd.String("dns-server"),
		Timeout:    5 * time.Second,
	}
}

func newEndpoint(cmd *cli.Command) *sip.Endpoint {
	return sip.NewEndpoint(&sip.EndpointOptions{
		Timings:  timings(cmd),
		Resolver: resolver(cmd),
		Log:      log.Default(),
	})
}

func closeEndpoint(ep *sip.Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Close(ctx); err != nil {
		ep.Logger().LogAttrs(ctx, slog.LevelWarn, "endpoint close timed out", slog.Any("error", err))
	}
}
