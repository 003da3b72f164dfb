package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"okserver/internal/probe"
	"okserver/internal/shared/logger"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:1234", "Responder address")
	conns := flag.Int("n", 10, "Number of connections")
	parallel := flag.Int("parallel", 0, "Max concurrent connections (0 = all)")
	payload := flag.String("payload", "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n", "Bytes sent on each connection")
	timeout := flag.Duration("timeout", 5*time.Second, "Per-connection timeout")
	level := flag.String("log", "info", "Log level")
	flag.Parse()

	logger.InitWithWriter(os.Stderr, *level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := probe.Run(ctx, probe.Options{
		Addr:        *addr,
		Connections: *conns,
		Parallel:    *parallel,
		Payload:     []byte(*payload),
		Timeout:     *timeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Probe aborted")
	}

	for _, e := range report.Errors {
		logger.Warn().Err(e).Msg("Probe failed")
	}
	logger.Info().
		Int("ok", report.Succeeded).
		Int("failed", report.Failed).
		Dur("elapsed", report.Elapsed).
		Dur("slowest", report.Slowest).
		Msgf("Probed %s", *addr)

	if report.Failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d connections failed\n", report.Failed, *conns)
		os.Exit(1)
	}
}
