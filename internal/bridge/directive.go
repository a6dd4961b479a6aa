// Package bridge exposes payment sessions to a native shell over HTTP and a
// websocket directive stream. The shell owns the web view and the OS; the
// bridge owns classification, dispatch decisions and polling.
package bridge

import (
	"time"

	"github.com/noah-isme/park-checkout/internal/browser"
	"github.com/noah-isme/park-checkout/internal/dispatch"
	"github.com/noah-isme/park-checkout/internal/navigation"
)

// DirectiveType names an instruction for the shell.
type DirectiveType string

const (
	DirectiveNavigate      DirectiveType = "navigate"
	DirectiveAlert         DirectiveType = "alert"
	DirectiveLaunchIntent  DirectiveType = "launch_intent"
	DirectiveCanOpenURL    DirectiveType = "can_open_url"
	DirectiveOpenURL       DirectiveType = "open_url"
	DirectiveLoad          DirectiveType = "load"
	DirectiveShowLoadError DirectiveType = "show_load_error"
	DirectiveDecision      DirectiveType = "decision"
	DirectivePong          DirectiveType = "pong"
)

// Directive is one message on the session stream. Directives with a
// RequestID expect a Reply.
type Directive struct {
	Type      DirectiveType      `json:"type"`
	RequestID string             `json:"requestId,omitempty"`
	Screen    navigation.Screen  `json:"screen,omitempty"`
	Params    *navigation.Params `json:"params,omitempty"`
	Alert     *dispatch.Alert    `json:"alert,omitempty"`
	Intent    *dispatch.Intent   `json:"intent,omitempty"`
	URL       string             `json:"url,omitempty"`
	LoadError *browser.LoadError `json:"loadError,omitempty"`
	Decision  browser.Decision   `json:"decision,omitempty"`
	Time      time.Time          `json:"timestamp"`
}

// Reply answers a directive that carried a RequestID.
type Reply struct {
	OK     bool            `json:"ok"`
	Choice dispatch.Choice `json:"choice,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// inbound is a message read from the websocket.
type inbound struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId,omitempty"`
	Reply     Reply         `json:"reply"`
	Event     browser.Event `json:"event"`
}
