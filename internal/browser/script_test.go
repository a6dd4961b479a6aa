package browser_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/park-checkout/internal/bank"
	"github.com/noah-isme/park-checkout/internal/browser"
)

func TestInterceptorScriptEmbedsPrefixes(t *testing.T) {
	script := browser.InterceptorScript(bank.DefaultRegistry())

	require.Contains(t, script, `"tinkoff://"`)
	require.Contains(t, script, `"sbp://"`)
	require.Contains(t, script, `"bank"`)
	require.Contains(t, script, "bank_redirect")
	require.Contains(t, script, "messageHandlers.parkBridge")
	require.NotContains(t, script, "__PREFIXES__")
}

func TestInterceptorScriptWithoutRegistry(t *testing.T) {
	script := browser.InterceptorScript(nil)
	require.Contains(t, script, `["sbp://","bank"]`)
}

func TestParseMessage(t *testing.T) {
	require.Equal(t, "tinkoff://pay?transaction_id=1", browser.ParseMessage(`{"type":"bank_redirect","url":"tinkoff://pay?transaction_id=1"}`))
	require.Equal(t, "sbp://qr.nspk.ru/x", browser.ParseMessage(`"sbp://qr.nspk.ru/x"`))
	require.Equal(t, "vtb://pay", browser.ParseMessage(" vtb://pay "))
	require.Equal(t, "", browser.ParseMessage(`{"type":"other","url":"vtb://pay"}`))
	require.Equal(t, "", browser.ParseMessage(`42`))
	require.Equal(t, "", browser.ParseMessage(""))
}
