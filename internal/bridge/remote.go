package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/park-checkout/internal/browser"
	"github.com/noah-isme/park-checkout/internal/dispatch"
	"github.com/noah-isme/park-checkout/internal/navigation"
)

var (
	// ErrUnknownRequest is returned for replies nobody is waiting for.
	ErrUnknownRequest = errors.New("bridge: unknown request id")
	// ErrReplyTimeout is returned when the shell did not answer in time.
	ErrReplyTimeout = errors.New("bridge: shell reply timed out")
	// ErrSessionClosed is returned to calls abandoned by CancelPending.
	ErrSessionClosed = errors.New("bridge: session closed")
)

const defaultReplyTimeout = 30 * time.Second

// Remote is the native shell of one session seen through the directive
// stream. It implements the launcher, opener, alerter, view and navigator
// the payment core drives.
type Remote struct {
	SessionID string
	Hub       *Hub
	Timeout   time.Duration
	Logger    zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan Reply
	closed  chan struct{}
	once    sync.Once
}

var (
	_ dispatch.IntentLauncher = (*Remote)(nil)
	_ dispatch.URLOpener      = (*Remote)(nil)
	_ dispatch.Alerter        = (*Remote)(nil)
	_ browser.View            = (*Remote)(nil)
	_ navigation.Navigator    = (*Remote)(nil)
)

// NewRemote returns a Remote bound to sessionID.
func NewRemote(sessionID string, hub *Hub, timeout time.Duration, logger zerolog.Logger) *Remote {
	return &Remote{
		SessionID: sessionID,
		Hub:       hub,
		Timeout:   timeout,
		Logger:    logger,
		pending:   make(map[string]chan Reply),
		closed:    make(chan struct{}),
	}
}

// call sends d and blocks until the shell replies, the timeout passes or ctx ends.
func (r *Remote) call(ctx context.Context, d Directive) (Reply, error) {
	d.RequestID = uuid.NewString()
	ch := make(chan Reply, 1)

	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		return Reply{}, ErrSessionClosed
	default:
	}
	r.pending[d.RequestID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, d.RequestID)
		r.mu.Unlock()
	}()

	r.Hub.Send(r.SessionID, d)

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultReplyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		r.Logger.Warn().Str("type", string(d.Type)).Str("request_id", d.RequestID).Msg("shell_reply_timeout")
		return Reply{}, ErrReplyTimeout
	case <-r.closed:
		return Reply{}, ErrSessionClosed
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// CancelPending fails every call waiting on the shell with ErrSessionClosed
// and refuses new ones. One-way directives such as navigation still go out.
func (r *Remote) CancelPending() {
	r.once.Do(func() {
		r.mu.Lock()
		n := len(r.pending)
		close(r.closed)
		r.mu.Unlock()
		if n > 0 {
			r.Logger.Info().Int("pending", n).Msg("shell_requests_abandoned")
		}
	})
}

// Resolve delivers the shell's reply to the waiting call.
func (r *Remote) Resolve(requestID string, reply Reply) error {
	r.mu.Lock()
	ch, ok := r.pending[requestID]
	delete(r.pending, requestID)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	ch <- reply
	return nil
}

// Pending returns the number of directives awaiting a reply.
func (r *Remote) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Remote) notify(d Directive) {
	r.Hub.Send(r.SessionID, d)
}

// StartActivity asks the Android shell to launch an explicit intent.
func (r *Remote) StartActivity(ctx context.Context, intent dispatch.Intent) error {
	reply, err := r.call(ctx, Directive{Type: DirectiveLaunchIntent, Intent: &intent})
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("bridge: launch %s: %s", intent.Package, reply.Error)
	}
	return nil
}

// CanOpenURL asks the iOS shell whether an app handles rawURL.
func (r *Remote) CanOpenURL(ctx context.Context, rawURL string) (bool, error) {
	reply, err := r.call(ctx, Directive{Type: DirectiveCanOpenURL, URL: rawURL})
	if err != nil {
		return false, err
	}
	return reply.OK, nil
}

// OpenURL asks the shell to open rawURL outside the web view.
func (r *Remote) OpenURL(ctx context.Context, rawURL string) error {
	reply, err := r.call(ctx, Directive{Type: DirectiveOpenURL, URL: rawURL})
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("bridge: open url: %s", reply.Error)
	}
	return nil
}

// Alert shows a blocking dialog and returns the pressed button.
func (r *Remote) Alert(ctx context.Context, alert dispatch.Alert) (dispatch.Choice, error) {
	reply, err := r.call(ctx, Directive{Type: DirectiveAlert, Alert: &alert})
	if err != nil {
		return "", err
	}
	return reply.Choice, nil
}

// Load tells the web view to load rawURL.
func (r *Remote) Load(_ context.Context, rawURL string) error {
	r.notify(Directive{Type: DirectiveLoad, URL: rawURL})
	return nil
}

// ShowLoadError shows the retry/cancel screen.
func (r *Remote) ShowLoadError(_ context.Context, le browser.LoadError) error {
	r.notify(Directive{Type: DirectiveShowLoadError, LoadError: &le})
	return nil
}

// Navigate moves the shell to screen.
func (r *Remote) Navigate(_ context.Context, screen navigation.Screen, params navigation.Params) {
	r.notify(Directive{Type: DirectiveNavigate, Screen: screen, Params: &params})
}
