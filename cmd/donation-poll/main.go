// Command donation-poll waits for a pending donation to settle by polling
// the service's refreshing status endpoint.
//
//	donation-poll -url http://localhost:8030 -token $TOKEN -ref ws_CO_123
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"donation-service/internal/poller"
	"donation-service/pkg/client"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	var (
		baseURL      = flag.String("url", envOr("DONATION_API_URL", "http://localhost:8030"), "donation service base URL")
		token        = flag.String("token", os.Getenv("DONATION_API_TOKEN"), "bearer token of the donation owner")
		reference    = flag.String("ref", "", "provider reference to poll")
		initialDelay = flag.Duration("initial-delay", poller.DefaultInitialDelay, "wait before the first check")
		interval     = flag.Duration("interval", poller.DefaultInterval, "wait between checks")
		maxAttempts  = flag.Int("attempts", poller.DefaultMaxAttempts, "maximum number of checks")
	)
	flag.Parse()

	if *reference == "" {
		fmt.Fprintln(os.Stderr, "missing -ref")
		flag.Usage()
		os.Exit(2)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(*baseURL, *token, nil)
	p := poller.New(*initialDelay, *interval, *maxAttempts, logger)

	start := time.Now()
	view, err := c.WaitForTerminal(ctx, *reference, p)
	switch {
	case errors.Is(err, poller.ErrAttemptsExhausted):
		logger.Warn("donation still pending, leaving it for reconciliation",
			zap.String("provider_reference", *reference),
			zap.Int("attempts", *maxAttempts),
			zap.Duration("elapsed", time.Since(start)))
		os.Exit(3)
	case err != nil:
		logger.Error("polling stopped", zap.String("provider_reference", *reference), zap.Error(err))
		os.Exit(1)
	}

	logger.Info("donation settled",
		zap.String("provider_reference", *reference),
		zap.String("status", string(view.Status)),
		zap.String("amount", view.Amount.String()),
		zap.String("currency", string(view.Currency)),
		zap.Duration("elapsed", time.Since(start)))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
