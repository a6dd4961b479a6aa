// Command paystatus polls the park backend for one payment until it settles,
// the same way the bridge does after a bank app hand-off.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noah-isme/park-checkout/internal/config"
	"github.com/noah-isme/park-checkout/internal/navigation"
	"github.com/noah-isme/park-checkout/internal/obs"
	"github.com/noah-isme/park-checkout/internal/parkapi"
	"github.com/noah-isme/park-checkout/internal/poller"
	"github.com/noah-isme/park-checkout/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	paymentID := flag.String("payment", "", "payment id (transaction_id of the bank link)")
	token := flag.String("token", cfg.ParkAPIToken, "park API bearer token")
	interval := flag.Duration("interval", cfg.PaymentPollInterval, "delay between status checks")
	attempts := flag.Int("attempts", cfg.PaymentPollMaxAttempts, "maximum status checks, 0 for unlimited")
	deadline := flag.Duration("deadline", cfg.PaymentPollDeadline, "overall polling deadline, 0 for none")
	verbose := flag.Bool("v", false, "log every poll")
	flag.Parse()

	if *paymentID == "" {
		fmt.Fprintln(os.Stderr, "usage: paystatus -payment <id> [-interval 5s] [-attempts 60]")
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := obs.NewLoggerTo(os.Stderr, "console", level)

	var tokens parkapi.TokenSource
	if *token != "" {
		tokens = parkapi.StaticToken(*token)
	}
	client := parkapi.NewClient(parkapi.Options{
		BaseURL:     cfg.ParkAPIBaseURL,
		Tokens:      tokens,
		Timeout:     cfg.ParkAPITimeout,
		MaxAttempts: cfg.ParkAPIMaxAttempts,
		RetryBase:   cfg.ParkAPIRetryBase,
		Breaker: resilience.NewBreakerWithSettings(resilience.BreakerSettings{
			Target:       "park_api",
			MinRequests:  cfg.ParkAPIBreakerMinRequests,
			FailureRatio: cfg.ParkAPIBreakerFailureRatio,
			OpenFor:      cfg.ParkAPIBreakerOpenFor,
		}),
		Logger: logger,
	})

	nav := navigation.NewRecorder()
	p := poller.New(client, nav, poller.Config{
		Interval:    *interval,
		MaxAttempts: *attempts,
		Deadline:    *deadline,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	h, err := p.Start(ctx, *paymentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start polling: %v\n", err)
		os.Exit(1)
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		h.Stop()
		<-h.Done()
	}

	screen := "-"
	if last, ok := nav.Last(); ok {
		screen = string(last.Screen)
	}
	fmt.Printf("payment=%s outcome=%s screen=%s attempts=%d elapsed=%s\n",
		h.PaymentID(), h.Outcome(), screen, h.Attempts(), time.Since(started).Round(time.Millisecond))
	if h.Outcome() != poller.OutcomeSuccess {
		os.Exit(1)
	}
}
