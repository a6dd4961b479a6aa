// Package browser drives the embedded web view that hosts the payment
// provider's checkout page.
package browser

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/park-checkout/internal/dispatch"
	"github.com/noah-isme/park-checkout/internal/navigation"
	"github.com/noah-isme/park-checkout/internal/obs"
	"github.com/noah-isme/park-checkout/internal/urlclass"
)

// EventKind identifies a web view event.
type EventKind string

const (
	EventNavigation    EventKind = "navigation"
	EventScriptMessage EventKind = "script_message"
	EventLoadError     EventKind = "load_error"
	EventReload        EventKind = "reload"
	EventCancel        EventKind = "cancel"
)

// Event is one notification from the web view, delivered in browser order.
type Event struct {
	Kind        EventKind `json:"kind"`
	URL         string    `json:"url,omitempty"`
	Message     string    `json:"message,omitempty"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	ErrorDomain string    `json:"errorDomain,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Decision tells the web view whether to continue a navigation.
type Decision string

const (
	Allow Decision = "allow"
	Block Decision = "block"
)

// LoadError is shown on the retry screen.
type LoadError struct {
	URL         string `json:"url"`
	Code        string `json:"code"`
	Domain      string `json:"domain,omitempty"`
	Description string `json:"description,omitempty"`
}

// View is the native web view.
type View interface {
	Load(ctx context.Context, rawURL string) error
	ShowLoadError(ctx context.Context, le LoadError) error
}

// Opener launches banking apps; *dispatch.Dispatcher implements it.
type Opener interface {
	Open(ctx context.Context, rawURL string) dispatch.Result
}

// State is the controller's view of the payment session.
type State struct {
	CurrentURL string
	PaymentID  string
	BankName   string
	Finished   bool
}

// Controller classifies every web view event and routes it. Native
// interception and script messages share the same path through Handle.
type Controller struct {
	Classifier urlclass.Classifier
	Opener     Opener
	Navigator  navigation.Navigator
	View       View
	Logger     zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewController returns a controller whose page starts at checkoutURL.
func NewController(checkoutURL string, classifier urlclass.Classifier, opener Opener, nav navigation.Navigator, view View, logger zerolog.Logger) *Controller {
	return &Controller{
		Classifier: classifier,
		Opener:     opener,
		Navigator:  nav,
		View:       view,
		Logger:     logger,
		state:      State{CurrentURL: checkoutURL},
	}
}

// State returns a snapshot of the session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ShouldStartLoad is the synchronous hook for native navigation interception.
func (c *Controller) ShouldStartLoad(ctx context.Context, rawURL string) bool {
	return c.Handle(ctx, Event{Kind: EventNavigation, URL: rawURL}) == Allow
}

// Run consumes events in order until the channel closes or ctx is done.
func (c *Controller) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Handle(ctx, ev)
		}
	}
}

// Handle processes one event. Events are serialised; once the flow has left
// the browser every later event is ignored.
func (c *Controller) Handle(ctx context.Context, ev Event) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Finished {
		c.Logger.Debug().Str("kind", string(ev.Kind)).Str("url", ev.URL).Msg("browser_event_ignored")
		return Block
	}

	switch ev.Kind {
	case EventNavigation:
		return c.navigateLocked(ctx, ev.URL)
	case EventScriptMessage:
		target := ParseMessage(ev.Message)
		if target == "" || c.Classifier.Classify(target) != urlclass.BankApp {
			c.Logger.Debug().Str("message", ev.Message).Msg("browser_message_ignored")
			return Block
		}
		return c.navigateLocked(ctx, target)
	case EventLoadError:
		c.loadErrorLocked(ctx, ev)
		return Block
	case EventReload:
		if c.View != nil {
			if err := c.View.Load(ctx, c.state.CurrentURL); err != nil {
				c.Logger.Error().Err(err).Str("url", c.state.CurrentURL).Msg("browser_reload_failed")
			}
		}
		return Block
	case EventCancel:
		c.finishLocked(ctx, navigation.ScreenFailure, navigation.Params{URL: c.state.CurrentURL})
		return Block
	default:
		c.Logger.Warn().Str("kind", string(ev.Kind)).Msg("browser_event_unknown")
		return Block
	}
}

func (c *Controller) navigateLocked(ctx context.Context, rawURL string) Decision {
	kind := c.Classifier.Classify(rawURL)
	obs.Inc(obs.URLClassifiedTotal, kind.String())

	switch kind {
	case urlclass.BankApp:
		if c.Opener == nil {
			c.Logger.Error().Str("url", rawURL).Msg("browser_opener_missing")
			return Block
		}
		res := c.Opener.Open(ctx, rawURL)
		if !res.Launched {
			// stay on the provider page; the dispatcher already alerted the user
			return Block
		}
		c.state.PaymentID = res.PaymentID
		c.state.BankName = res.BankName
		c.finishLocked(ctx, navigation.ScreenProcessing, navigation.Params{
			BankName:  res.BankName,
			PaymentID: res.PaymentID,
		})
		return Block
	case urlclass.Success:
		c.finishLocked(ctx, navigation.ScreenSuccess, navigation.Params{URL: rawURL, PaymentID: urlclass.ExtractPaymentID(rawURL)})
		return Block
	case urlclass.Failure:
		c.finishLocked(ctx, navigation.ScreenFailure, navigation.Params{URL: rawURL})
		return Block
	default:
		if strings.TrimSpace(rawURL) != "" {
			c.state.CurrentURL = rawURL
		}
		return Allow
	}
}

func (c *Controller) finishLocked(ctx context.Context, screen navigation.Screen, params navigation.Params) {
	c.state.Finished = true
	c.Logger.Info().Str("screen", string(screen)).Str("payment_id", params.PaymentID).Msg("browser_finished")
	if c.Navigator != nil {
		c.Navigator.Navigate(ctx, screen, params)
	}
}

func (c *Controller) loadErrorLocked(ctx context.Context, ev Event) {
	ignored := IsIgnorableLoadError(ev.ErrorCode, ev.ErrorDomain, ev.Description)
	label := "false"
	if ignored {
		label = "true"
	}
	obs.Inc(obs.BrowserLoadErrorTotal, label)
	if ignored {
		c.Logger.Debug().Str("code", ev.ErrorCode).Str("url", ev.URL).Msg("browser_load_error_ignored")
		return
	}
	c.Logger.Warn().Str("code", ev.ErrorCode).Str("domain", ev.ErrorDomain).Str("url", ev.URL).Msg("browser_load_error")
	if c.View == nil {
		return
	}
	le := LoadError{URL: ev.URL, Code: ev.ErrorCode, Domain: ev.ErrorDomain, Description: ev.Description}
	if le.URL == "" {
		le.URL = c.state.CurrentURL
	}
	if err := c.View.ShowLoadError(ctx, le); err != nil {
		c.Logger.Error().Err(err).Msg("browser_show_load_error_failed")
	}
}
