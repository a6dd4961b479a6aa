package browser

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/noah-isme/park-checkout/internal/bank"
)

// MessageType tags messages posted by the interceptor script.
const MessageType = "bank_redirect"

// HostChannel is the message handler name the shell registers on both platforms.
const HostChannel = "parkBridge"

const interceptorTemplate = `(function () {
  if (window.__parkBankInterceptor) { return; }
  window.__parkBankInterceptor = true;
  var prefixes = __PREFIXES__;
  function isBank(url) {
    if (!url || typeof url !== 'string') { return false; }
    var u = url.trim().toLowerCase();
    for (var i = 0; i < prefixes.length; i++) {
      var p = prefixes[i];
      if (p === 'bank') {
        if (/^bank\d+:\/\//.test(u)) { return true; }
      } else if (u.indexOf(p) === 0) {
        return true;
      }
    }
    return false;
  }
  function post(url) {
    var msg = JSON.stringify({ type: '__TYPE__', url: url });
    var h = window.webkit && window.webkit.messageHandlers && window.webkit.messageHandlers.__CHANNEL__;
    if (h) { h.postMessage(msg); return; }
    if (window.__CHANNEL__ && window.__CHANNEL__.postMessage) { window.__CHANNEL__.postMessage(msg); }
  }
  document.addEventListener('click', function (e) {
    var el = e.target;
    while (el && el.tagName !== 'A') { el = el.parentElement; }
    if (el && isBank(el.getAttribute('href'))) {
      e.preventDefault();
      e.stopPropagation();
      post(el.getAttribute('href'));
    }
  }, true);
  document.addEventListener('submit', function (e) {
    var f = e.target;
    if (f && isBank(f.getAttribute('action'))) {
      e.preventDefault();
      post(f.getAttribute('action'));
    }
  }, true);
  var formSubmit = HTMLFormElement.prototype.submit;
  HTMLFormElement.prototype.submit = function () {
    if (isBank(this.getAttribute('action'))) { post(this.getAttribute('action')); return; }
    return formSubmit.apply(this, arguments);
  };
  var windowOpen = window.open;
  window.open = function (url) {
    if (isBank(url)) { post(url); return null; }
    return windowOpen.apply(window, arguments);
  };
  ['assign', 'replace'].forEach(function (name) {
    try {
      var orig = window.location[name].bind(window.location);
      window.location[name] = function (url) {
        if (isBank(url)) { post(url); return; }
        return orig(url);
      };
    } catch (err) {}
  });
})();
true;`

// InterceptorScript returns the JavaScript injected into the provider page.
// It forwards bank-scheme navigations the web view's native hook misses
// (script-driven navigation, window.open, programmatic form submission).
func InterceptorScript(registry *bank.Registry) string {
	encoded, err := json.Marshal(registry.Prefixes())
	if err != nil {
		encoded = []byte("[]")
	}
	return strings.NewReplacer(
		"__PREFIXES__", string(encoded),
		"__TYPE__", MessageType,
		"__CHANNEL__", HostChannel,
	).Replace(interceptorTemplate)
}

// ParseMessage extracts the target URL from a host channel message. JSON
// messages must carry the bank_redirect type; anything else that is not JSON
// is taken as a bare URL.
func ParseMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ""
	}
	if !gjson.Valid(msg) {
		return msg
	}
	parsed := gjson.Parse(msg)
	switch parsed.Type {
	case gjson.String:
		return strings.TrimSpace(parsed.String())
	case gjson.JSON:
		if parsed.Get("type").String() != MessageType {
			return ""
		}
		return strings.TrimSpace(parsed.Get("url").String())
	default:
		return ""
	}
}
