package checkout

import (
	"context"
	"time"

	"github.com/noah-isme/park-checkout/internal/browser"
	"github.com/noah-isme/park-checkout/internal/navigation"
)

// Session is one in-app payment: the provider page in the web view and the
// flow that follows it. It lives in memory only.
type Session struct {
	ID        string
	Kind      Kind
	Script    string
	CreatedAt time.Time

	Controller *browser.Controller
	Flow       *Flow

	// ctx ends when the session is cancelled or closed; prompts still
	// waiting on the shell are abandoned with it.
	ctx  context.Context
	stop context.CancelFunc
}

// Snapshot is the externally visible state of a session.
type Snapshot struct {
	ID         string            `json:"sessionId"`
	Kind       Kind              `json:"kind"`
	CurrentURL string            `json:"currentUrl"`
	PaymentID  string            `json:"paymentId,omitempty"`
	BankName   string            `json:"bankName,omitempty"`
	Screen     navigation.Screen `json:"screen"`
	Polling    bool              `json:"polling"`
	Done       bool              `json:"done"`
}

// Handle routes one web view event through the controller. The event is
// abandoned when the session ends while it waits on the shell.
func (s *Session) Handle(ctx context.Context, ev browser.Event) browser.Decision {
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.Controller.Handle(ctx, ev)
}

// Cancel abandons the session on user request and returns to ticket purchase.
func (s *Session) Cancel(ctx context.Context) bool {
	// release an event blocked on a shell prompt before taking the controller
	s.end()
	cancelled := s.Flow.Cancel(ctx)
	// finish the controller too; its failure navigation is dropped by the done flow
	s.Controller.Handle(ctx, browser.Event{Kind: browser.EventCancel})
	return cancelled
}

// Close releases the session without navigating.
func (s *Session) Close() {
	s.end()
	s.Flow.Close()
}

func (s *Session) end() {
	if s.stop != nil {
		s.stop()
	}
}

func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.ctx == nil {
		return ctx, func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	unregister := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		unregister()
		cancel()
	}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	st := s.Controller.State()
	screen, _, done := s.Flow.Screen()
	h := s.Flow.Polling()
	polling := false
	if h != nil {
		select {
		case <-h.Done():
		default:
			polling = true
		}
	}
	return Snapshot{
		ID:         s.ID,
		Kind:       s.Kind,
		CurrentURL: st.CurrentURL,
		PaymentID:  st.PaymentID,
		BankName:   st.BankName,
		Screen:     screen,
		Polling:    polling,
		Done:       done,
	}
}
