package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/me/gorig/internal/logging"
	"github.com/me/gorig/internal/remote"
)

func main() {
	socketPath := flag.String("socket", "", "Unix socket path to connect to (required)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	flag.Parse()

	if *socketPath == "" {
		fmt.Fprintln(os.Stderr, "agent: --socket is required")
		os.Exit(2)
	}

	// Logs go to stderr so stdout never pollutes the wire.
	logger := logging.NewLoggerWithWriter(logging.ParseLevel(*logLevel), *logFormat, os.Stderr)

	conn, err := net.Dial("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: connect %s: %v\n", *socketPath, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := remote.NewRegistry(logger)

	logger.Info("agent connected", "socket", *socketPath)
	if err := remote.ServeConn(ctx, conn, reg, logger); err != nil {
		logger.Error("agent session ended", "error", err)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}
