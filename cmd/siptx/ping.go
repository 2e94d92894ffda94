package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/urfave/cli/v3"

	"github.com/ghettovoice/siptx/internal/errorutil"
	"github.com/ghettovoice/siptx/log"
	"github.com/ghettovoice/siptx/sip"
	"github.com/ghettovoice/siptx/transport"
)

func pingCmd() *cli.Command {
	return &cli.Command{
		Name:      "ping",
		Usage:     "send OPTIONS to a SIP server and print the final response",
		ArgsUsage: "host[:port]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "local UDP `ADDR`",
				Value:   "0.0.0.0:0",
				Sources: envVars("PING_LISTEN"),
			},
			&cli.StringFlag{
				Name:    "from",
				Usage:   "From header `URI`",
				Value:   "sip:siptx@localhost",
				Sources: envVars("PING_FROM"),
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "how long to wait for the final response, transaction timeout if zero",
				Sources: envVars("PING_TIMEOUT"),
			},
		},
		Action: ping,
	}
}

func ping(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("expected exactly one target host"))
	}
	host, port, err := parseTarget(cmd.Args().First())
	if err != nil {
		return errtrace.Wrap(err)
	}

	dsts, err := resolver(cmd).Locate(ctx, host, port, "UDP")
	if err != nil {
		return errtrace.Wrap(err)
	}
	dst := dsts[0]

	ep := newEndpoint(cmd)
	defer closeEndpoint(ep)

	tp, err := transport.ListenUDP(ctx, cmd.String("listen"), &transport.UDPOptions{Log: log.Default()})
	if err != nil {
		return errtrace.Wrap(err)
	}
	srvCtx, stop := context.WithCancel(ctx)
	served := make(chan struct{})
	go func() {
		defer close(served)
		tp.Serve(srvCtx, ep)
	}()
	defer func() {
		stop()
		<-served
	}()

	uri := "sip:" + host
	if strings.Contains(host, ":") {
		uri = "sip:[" + host + "]"
	}
	if port != 0 {
		uri = "sip:" + net.JoinHostPort(host, strconv.Itoa(int(port)))
	}
	req := ep.NewRequest(sip.MethodOptions, uri,
		sip.NameAddr{URI: cmd.String("from")},
		sip.NameAddr{URI: uri},
	)

	start := time.Now()
	tx, err := ep.NewClientTransaction(ctx, req, sip.Target{Transport: tp, Addr: dst.Addr})
	if err != nil {
		return errtrace.Wrap(err)
	}

	rcvCtx := ctx
	if d := cmd.Duration("timeout"); d > 0 {
		var cancel context.CancelFunc
		rcvCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	res, err := tx.ReceiveFinal(rcvCtx)
	if err != nil {
		return errtrace.Wrap(err)
	}

	fmt.Fprintf(cmd.Root().Writer, "%d %s from %s in %s\n",
		res.Status, res.Reason, res.Source(), time.Since(start).Round(time.Millisecond))
	return nil
}

// parseTarget splits "host[:port]", IPv6 literals may be enclosed in brackets.
func parseTarget(s string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		host = s
		if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
			host = host[1 : len(host)-1]
		}
		if host == "" {
			return "", 0, errtrace.Wrap(errorutil.NewInvalidArgumentError("empty host"))
		}
		return host, 0, nil
	}
	if host == "" {
		return "", 0, errtrace.Wrap(errorutil.NewInvalidArgumentError("empty host"))
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, errtrace.Wrap(errorutil.NewInvalidArgumentError(fmt.Sprintf("invalid port %q", portStr)))
	}
	return host, uint16(port), nil
}
