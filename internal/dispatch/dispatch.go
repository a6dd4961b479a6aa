// Package dispatch hands bank payment links to the native banking app.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/park-checkout/internal/bank"
	"github.com/noah-isme/park-checkout/internal/obs"
	"github.com/noah-isme/park-checkout/internal/urlclass"
)

// Platform selects the app launch strategy.
type Platform string

const (
	// Android launches apps through explicit intents.
	Android Platform = "android"
	// IOS opens URLs after a capability check.
	IOS Platform = "ios"
)

// ParsePlatform validates a platform name supplied by the shell.
func ParsePlatform(value string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(value))); p {
	case Android, IOS:
		return p, nil
	default:
		return "", fmt.Errorf("dispatch: unknown platform %q", value)
	}
}

// Intent is an explicit Android activity launch request.
type Intent struct {
	Action  string `json:"action"`
	Package string `json:"package"`
	Data    string `json:"data"`
}

// IntentLauncher starts Android activities.
type IntentLauncher interface {
	StartActivity(ctx context.Context, intent Intent) error
}

// URLOpener asks the OS to open URLs.
type URLOpener interface {
	CanOpenURL(ctx context.Context, rawURL string) (bool, error)
	OpenURL(ctx context.Context, rawURL string) error
}

// Choice is the button a user pressed on an alert.
type Choice string

const (
	ChoiceOK          Choice = "ok"
	ChoiceOpenBrowser Choice = "open_browser"
	ChoiceCancel      Choice = "cancel"
)

// Alert is a blocking dialog.
type Alert struct {
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Choices []Choice `json:"choices"`
}

// Alerter shows blocking dialogs and returns the user's choice.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) (Choice, error)
}

// User-facing copy.
const (
	launchFailedTitle    = "Ошибка"
	launchFailedMessage  = "Не удалось открыть банковское приложение"
	appMissingTitle      = "Приложение не найдено"
	appMissingMessageFmt = "Приложение %s не установлено. Открыть страницу оплаты в браузере?"
)

// Result describes one dispatch of a bank link.
type Result struct {
	Launched  bool
	Scheme    bank.Scheme
	Known     bool
	BankName  string
	PaymentID string
}

// Dispatcher launches banking apps for bank links.
type Dispatcher struct {
	Registry *bank.Registry
	Platform Platform
	Launcher IntentLauncher
	Opener   URLOpener
	Alerter  Alerter
	Logger   zerolog.Logger
}

// Open resolves the bank behind rawURL and tries to launch its app. On
// failure a blocking alert is raised; there is no automatic retry.
func (d *Dispatcher) Open(ctx context.Context, rawURL string) Result {
	scheme, known := d.Registry.MatchURL(rawURL)
	res := Result{
		Scheme:    scheme,
		Known:     known,
		BankName:  d.Registry.DisplayName(scheme.ID),
		PaymentID: urlclass.ExtractPaymentID(rawURL),
	}
	res.Launched = d.AttemptOpen(ctx, rawURL, scheme.ID)
	if !res.Launched && d.platform() == Android && ctx.Err() == nil {
		d.alert(ctx, Alert{Title: launchFailedTitle, Message: launchFailedMessage, Choices: []Choice{ChoiceOK}})
	}
	return res
}

// AttemptOpen launches the app for rawURL and reports whether it was opened.
// Errors from the OS are logged and reported as false, never returned.
func (d *Dispatcher) AttemptOpen(ctx context.Context, rawURL, schemeID string) bool {
	var ok bool
	switch d.Platform {
	case IOS:
		ok = d.openIOS(ctx, rawURL, schemeID)
	default:
		ok = d.openAndroid(ctx, rawURL, schemeID)
	}
	result := "launched"
	if !ok {
		result = "failed"
	}
	obs.Inc(obs.DeepLinkDispatchTotal, string(d.platform()), result)
	return ok
}

func (d *Dispatcher) platform() Platform {
	if d.Platform == "" {
		return Android
	}
	return d.Platform
}

func (d *Dispatcher) openAndroid(ctx context.Context, rawURL, schemeID string) bool {
	scheme, ok := d.Registry.Lookup(schemeID)
	if !ok {
		d.Logger.Warn().Str("scheme_id", schemeID).Msg("deeplink_scheme_unresolved")
		return false
	}
	if d.Launcher == nil {
		d.Logger.Error().Msg("deeplink_launcher_missing")
		return false
	}
	intent := Intent{Action: scheme.IntentAction, Package: scheme.PackageID, Data: rawURL}
	if err := d.Launcher.StartActivity(ctx, intent); err != nil {
		d.Logger.Error().Err(err).Str("package", scheme.PackageID).Msg("deeplink_launch_failed")
		return false
	}
	d.Logger.Info().Str("package", scheme.PackageID).Msg("deeplink_launched")
	return true
}

func (d *Dispatcher) openIOS(ctx context.Context, rawURL, schemeID string) bool {
	if d.Opener == nil {
		d.Logger.Error().Msg("deeplink_opener_missing")
		return false
	}
	canOpen, err := d.Opener.CanOpenURL(ctx, rawURL)
	if err != nil {
		d.Logger.Warn().Err(err).Msg("deeplink_can_open_failed")
		if ctx.Err() != nil {
			// the session ended while the shell was being asked
			return false
		}
	}
	if canOpen {
		if err := d.Opener.OpenURL(ctx, rawURL); err != nil {
			d.Logger.Error().Err(err).Msg("deeplink_open_failed")
			d.alert(ctx, Alert{Title: launchFailedTitle, Message: launchFailedMessage, Choices: []Choice{ChoiceOK}})
			return false
		}
		d.Logger.Info().Str("scheme_id", schemeID).Msg("deeplink_opened")
		return true
	}

	choice := d.alert(ctx, Alert{
		Title:   appMissingTitle,
		Message: fmt.Sprintf(appMissingMessageFmt, d.Registry.DisplayName(schemeID)),
		Choices: []Choice{ChoiceOpenBrowser, ChoiceCancel},
	})
	if choice == ChoiceOpenBrowser {
		target := BrowserURL(rawURL)
		if err := d.Opener.OpenURL(ctx, target); err != nil {
			d.Logger.Error().Err(err).Str("url", target).Msg("deeplink_browser_fallback_failed")
		}
	}
	// the bank app itself was not launched, so the flow stays on the payment page
	return false
}

func (d *Dispatcher) alert(ctx context.Context, a Alert) Choice {
	if d.Alerter == nil || ctx.Err() != nil {
		return ChoiceCancel
	}
	choice, err := d.Alerter.Alert(ctx, a)
	if err != nil {
		d.Logger.Warn().Err(err).Str("title", a.Title).Msg("alert_failed")
		return ChoiceCancel
	}
	return choice
}

// BrowserURL rewrites a bank link's scheme to https so the provider page can
// be opened in the system browser.
func BrowserURL(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if idx := strings.Index(raw, "://"); idx >= 0 {
		return "https://" + raw[idx+len("://"):]
	}
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		return "https://" + raw[idx+1:]
	}
	return raw
}
