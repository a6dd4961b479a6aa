package navigation

import (
	"context"
	"sync"
)

// Screen names a destination in the app's navigation stack.
type Screen string

const (
	ScreenTicketPurchase Screen = "TicketPurchase"
	ScreenPaymentWeb     Screen = "PaymentWebView"
	ScreenProcessing     Screen = "PaymentProcessing"
	ScreenSuccess        Screen = "PaymentSuccess"
	ScreenFailure        Screen = "PaymentFailure"
	// ScreenPending tells the user the outcome is still unknown and will arrive out of band.
	ScreenPending Screen = "PaymentPending"
)

// Terminal reports whether the screen ends a payment flow.
func (s Screen) Terminal() bool {
	switch s {
	case ScreenSuccess, ScreenFailure, ScreenPending, ScreenTicketPurchase:
		return true
	default:
		return false
	}
}

// Params are the values passed to a screen.
type Params struct {
	URL         string `json:"url,omitempty"`
	BankName    string `json:"bankName,omitempty"`
	PaymentID   string `json:"paymentId,omitempty"`
	SignatureID string `json:"signatureId,omitempty"`
	TicketData  string `json:"ticketData,omitempty"`
}

// Navigator moves the app to another screen.
type Navigator interface {
	Navigate(ctx context.Context, screen Screen, params Params)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, screen Screen, params Params)

// Navigate calls f.
func (f NavigatorFunc) Navigate(ctx context.Context, screen Screen, params Params) {
	f(ctx, screen, params)
}

// Transition is one recorded navigation.
type Transition struct {
	Screen Screen
	Params Params
}

// Recorder is a Navigator that keeps every transition in memory.
type Recorder struct {
	mu          sync.Mutex
	transitions []Transition
	notify      chan struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Navigate records the transition.
func (r *Recorder) Navigate(_ context.Context, screen Screen, params Params) {
	r.mu.Lock()
	r.transitions = append(r.transitions, Transition{Screen: screen, Params: params})
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Transitions returns a copy of the recorded transitions.
func (r *Recorder) Transitions() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.transitions...)
}

// Last returns the most recent transition.
func (r *Recorder) Last() (Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transitions) == 0 {
		return Transition{}, false
	}
	return r.transitions[len(r.transitions)-1], true
}

// Updated is signalled after each recorded transition.
func (r *Recorder) Updated() <-chan struct{} {
	return r.notify
}
