package checkout

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/park-checkout/internal/navigation"
	"github.com/noah-isme/park-checkout/internal/poller"
)

// Flow sits between the browser controller and the app navigator. Reaching
// the processing screen starts polling; reaching a terminal screen stops it.
// Once the flow is done every later navigation is dropped, which covers a
// poller that finishes while it is being stopped.
type Flow struct {
	Next   navigation.Navigator
	Poller *poller.Poller
	Logger zerolog.Logger

	mu     sync.Mutex
	done   bool
	screen navigation.Screen
	params navigation.Params
	handle *poller.Handle
}

// NewFlow returns a flow whose poller reports back through the flow itself.
func NewFlow(next navigation.Navigator, source poller.Source, cfg poller.Config, guard poller.Guard, logger zerolog.Logger) *Flow {
	f := &Flow{Next: next, Logger: logger}
	f.Poller = poller.New(source, f, cfg, logger)
	f.Poller.Guard = guard
	return f
}

// Navigate implements navigation.Navigator.
func (f *Flow) Navigate(ctx context.Context, screen navigation.Screen, params navigation.Params) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done {
		f.Logger.Debug().Str("screen", string(screen)).Msg("flow_navigation_dropped")
		return
	}

	switch {
	case screen == navigation.ScreenProcessing:
		f.forwardLocked(ctx, screen, params)
		f.startPollingLocked(ctx, params)
	case screen.Terminal():
		f.done = true
		f.stopLocked()
		f.forwardLocked(ctx, screen, params)
	default:
		f.forwardLocked(ctx, screen, params)
	}
}

func (f *Flow) startPollingLocked(ctx context.Context, params navigation.Params) {
	h, err := f.Poller.Start(ctx, params.PaymentID)
	switch {
	case err == nil:
		f.handle = h
	case errors.Is(err, poller.ErrNoPaymentID):
		// nothing to poll; the outcome can only be learned out of band
		f.Logger.Warn().Msg("flow_payment_id_missing")
		f.done = true
		f.forwardLocked(ctx, navigation.ScreenPending, params)
	case errors.Is(err, poller.ErrAlreadyActive):
		// the outcome is delivered to the flow that holds the lease
		f.Logger.Info().Str("payment_id", params.PaymentID).Msg("flow_poll_elsewhere")
		f.done = true
		f.forwardLocked(ctx, navigation.ScreenPending, params)
	default:
		f.Logger.Error().Err(err).Str("payment_id", params.PaymentID).Msg("flow_poll_start_failed")
		f.done = true
		f.forwardLocked(ctx, navigation.ScreenPending, params)
	}
}

// Cancel ends the flow on user request: polling stops and the app returns to
// ticket purchase. It reports whether the flow was still running.
func (f *Flow) Cancel(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return false
	}
	f.done = true
	f.stopLocked()
	f.forwardLocked(ctx, navigation.ScreenTicketPurchase, navigation.Params{})
	return true
}

// Close stops polling without navigating.
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = true
	f.stopLocked()
}

// Screen returns the last forwarded screen and whether the flow is done.
func (f *Flow) Screen() (navigation.Screen, navigation.Params, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screen, f.params, f.done
}

// Polling returns the active poller handle, if any.
func (f *Flow) Polling() *poller.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle
}

// stopLocked waits for the poll loop. The loop never takes f.mu before it
// exits, so holding the lock here cannot deadlock.
func (f *Flow) stopLocked() {
	if f.handle != nil {
		f.handle.Stop()
	}
}

func (f *Flow) forwardLocked(ctx context.Context, screen navigation.Screen, params navigation.Params) {
	f.screen = screen
	f.params = params
	if f.Next != nil {
		f.Next.Navigate(ctx, screen, params)
	}
}
