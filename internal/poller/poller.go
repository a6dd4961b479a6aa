// Package poller checks a payment's status on a fixed interval after the
// user was handed off to a banking app.
package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/park-checkout/internal/lock"
	"github.com/noah-isme/park-checkout/internal/navigation"
	"github.com/noah-isme/park-checkout/internal/obs"
)

// DefaultInterval is the gap between status requests.
const DefaultInterval = 5 * time.Second

var (
	// ErrAlreadyActive is returned when a poller for the payment id is still running.
	ErrAlreadyActive = errors.New("poller: payment already being polled")
	// ErrNoPaymentID is returned when Start is called without a payment id.
	ErrNoPaymentID = errors.New("poller: payment id is empty")
)

// Status is a normalised backend payment status.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// NormaliseStatus maps a backend value to a Status. Anything other than
// success or failed keeps the payment pending.
func NormaliseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success":
		return StatusSuccess
	case "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}

// Outcome is how a polling session ended.
type Outcome string

const (
	OutcomeRunning   Outcome = ""
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
	OutcomeCancelled Outcome = "cancelled"
)

// Screen returns the navigation target for the outcome.
func (o Outcome) Screen() (navigation.Screen, bool) {
	switch o {
	case OutcomeSuccess:
		return navigation.ScreenSuccess, true
	case OutcomeFailed:
		return navigation.ScreenFailure, true
	case OutcomePending:
		return navigation.ScreenPending, true
	default:
		return "", false
	}
}

// Source fetches the raw status of a payment.
type Source interface {
	PaymentStatus(ctx context.Context, paymentID string) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, paymentID string) (string, error)

// PaymentStatus calls f.
func (f SourceFunc) PaymentStatus(ctx context.Context, paymentID string) (string, error) {
	return f(ctx, paymentID)
}

// Guard provides exclusivity for a payment id beyond this process.
type Guard interface {
	Acquire(ctx context.Context, paymentID string) (func(), error)
}

// Config bounds a polling session. Zero MaxAttempts or Deadline disables that bound.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
	Deadline    time.Duration
}

// Poller starts status polling sessions, at most one per payment id.
type Poller struct {
	Source    Source
	Navigator navigation.Navigator
	Config    Config
	Guard     Guard
	Logger    zerolog.Logger

	mu     sync.Mutex
	active map[string]*Handle
}

// New returns a Poller.
func New(source Source, nav navigation.Navigator, cfg Config, logger zerolog.Logger) *Poller {
	return &Poller{Source: source, Navigator: nav, Config: cfg, Logger: logger}
}

// Active reports whether paymentID is being polled by this Poller.
func (p *Poller) Active(paymentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[paymentID]
	return ok
}

// Start begins polling paymentID. The first request is issued one interval
// after Start. The session is detached from ctx cancellation; end it with
// Handle.Stop.
func (p *Poller) Start(ctx context.Context, paymentID string) (*Handle, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, ErrNoPaymentID
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		paymentID: paymentID,
		cancel:    cancel,
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	// reserve the slot first so the lease round-trip runs without p.mu
	p.mu.Lock()
	if _, ok := p.active[paymentID]; ok {
		p.mu.Unlock()
		cancel()
		return nil, ErrAlreadyActive
	}
	if p.active == nil {
		p.active = make(map[string]*Handle)
	}
	p.active[paymentID] = h
	p.mu.Unlock()

	release := func() {}
	if p.Guard != nil {
		r, err := p.Guard.Acquire(ctx, paymentID)
		switch {
		case errors.Is(err, lock.ErrLocked):
			p.mu.Lock()
			delete(p.active, paymentID)
			p.mu.Unlock()
			cancel()
			return nil, ErrAlreadyActive
		case err != nil:
			// an unavailable lease store must not block the payment flow
			p.Logger.Warn().Err(err).Str("payment_id", paymentID).Msg("poll_guard_unavailable")
		default:
			release = r
		}
	}

	p.Logger.Info().Str("payment_id", paymentID).Msg("poll_started")
	go p.run(loopCtx, h, release)
	return h, nil
}

func (p *Poller) run(ctx context.Context, h *Handle, release func()) {
	outcome := p.loop(ctx, h)

	p.mu.Lock()
	delete(p.active, h.paymentID)
	p.mu.Unlock()
	release()

	h.mu.Lock()
	if h.stopped {
		outcome = OutcomeCancelled
	}
	h.outcome = outcome
	h.mu.Unlock()
	close(h.exited)

	obs.Inc(obs.PaymentPollOutcomeTotal, string(outcome))
	p.Logger.Info().
		Str("payment_id", h.paymentID).
		Str("outcome", string(outcome)).
		Int64("attempts", h.attempts.Load()).
		Msg("poll_finished")

	if screen, ok := outcome.Screen(); ok && p.Navigator != nil {
		p.Navigator.Navigate(context.WithoutCancel(ctx), screen, navigation.Params{PaymentID: h.paymentID})
	}
	close(h.done)
}

func (p *Poller) loop(ctx context.Context, h *Handle) Outcome {
	interval := p.Config.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if p.Config.Deadline > 0 {
		timer := time.NewTimer(p.Config.Deadline)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return OutcomeCancelled
		case <-deadline:
			return OutcomePending
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return OutcomeCancelled
		}

		n := h.attempts.Add(1)
		status, err := p.check(ctx, h.paymentID)
		if ctx.Err() != nil {
			return OutcomeCancelled
		}
		if err != nil {
			obs.Inc(obs.PaymentPollRequestsTotal, "error")
			p.Logger.Warn().Err(err).Str("payment_id", h.paymentID).Int64("attempt", n).Msg("poll_request_failed")
		} else {
			obs.Inc(obs.PaymentPollRequestsTotal, string(status))
			switch status {
			case StatusSuccess:
				return OutcomeSuccess
			case StatusFailed:
				return OutcomeFailed
			}
		}
		if p.Config.MaxAttempts > 0 && n >= int64(p.Config.MaxAttempts) {
			return OutcomePending
		}
	}
}

func (p *Poller) check(ctx context.Context, paymentID string) (Status, error) {
	ctx, span := otel.Tracer(obs.TracerName).Start(ctx, "poller.check")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	raw, err := p.Source.PaymentStatus(ctx, paymentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	status := NormaliseStatus(raw)
	span.SetAttributes(attribute.String("payment.status", string(status)))
	return status, nil
}

// Handle owns one polling session.
type Handle struct {
	paymentID string
	cancel    context.CancelFunc
	exited    chan struct{}
	done      chan struct{}
	attempts  atomic.Int64

	mu      sync.Mutex
	stopped bool
	outcome Outcome
	once    sync.Once
}

// PaymentID returns the polled payment id.
func (h *Handle) PaymentID() string { return h.paymentID }

// Stop ends polling and waits for the loop to exit. No status request is
// issued after Stop returns; an in-flight one is cancelled. Safe to call
// repeatedly and from a Navigator invoked by this handle.
func (h *Handle) Stop() {
	h.once.Do(func() {
		h.mu.Lock()
		if h.outcome == OutcomeRunning {
			h.stopped = true
		}
		h.mu.Unlock()
		h.cancel()
	})
	<-h.exited
}

// Done is closed once the session ended and any resulting navigation ran.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns how the session ended, or OutcomeRunning.
func (h *Handle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Attempts returns the number of status requests issued so far.
func (h *Handle) Attempts() int {
	return int(h.attempts.Load())
}
