package urlclass_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/park-checkout/internal/bank"
	"github.com/noah-isme/park-checkout/internal/urlclass"
)

func TestClassifySubstring(t *testing.T) {
	c := urlclass.Classifier{Registry: bank.DefaultRegistry()}

	cases := map[string]urlclass.Kind{
		"https://pay.example/return?payment_success=1": urlclass.Success,
		"https://pay.example/success":                   urlclass.Success,
		"https://pay.example/return?payment_fail=1":    urlclass.Failure,
		"https://pay.example/failed":                    urlclass.Failure,
		"https://pay.example/session/42":                urlclass.Other,
		"tinkoff://pay?transaction_id=99":               urlclass.BankApp,
		"bank100000000008://pay?transaction_id=123":     urlclass.BankApp,
		"sbp://qr.nspk.ru/AD100004":                     urlclass.BankApp,
		"":                                              urlclass.Other,
	}
	for raw, want := range cases {
		require.Equal(t, want, c.Classify(raw), raw)
	}
}

func TestBankSchemeTakesPrecedence(t *testing.T) {
	c := urlclass.Classifier{Registry: bank.DefaultRegistry()}

	require.Equal(t, urlclass.BankApp, c.Classify("tinkoff://pay?redirect=payment_success"))
	require.Equal(t, urlclass.BankApp, c.Classify("sberbankonline://pay?fail_url=x"))
	require.Equal(t, urlclass.BankApp, c.Classify("bank100000000999://success"))
}

func TestSubstringMatchIsImprecise(t *testing.T) {
	c := urlclass.Classifier{}
	// unrelated query parameters still trip substring matching
	require.Equal(t, urlclass.Failure, c.Classify("https://pay.example/form?on_fail=retry"))
	require.Equal(t, urlclass.Success, c.Classify("https://pay.example/form?tpl=success_banner"))
}

func TestSubstringMatchIsCaseSensitive(t *testing.T) {
	c := urlclass.Classifier{Registry: bank.DefaultRegistry()}
	require.Equal(t, urlclass.Other, c.Classify("https://pay.example/SUCCESS"))
	require.Equal(t, urlclass.Other, c.Classify("https://pay.example/return?Payment_Fail=1"))
	require.Equal(t, urlclass.Success, c.Classify("https://pay.example/SUCCESS?payment_success=1"))
}

func TestClassifyStrict(t *testing.T) {
	c := urlclass.Classifier{Registry: bank.DefaultRegistry(), Mode: urlclass.ModeStrict}

	require.Equal(t, urlclass.Success, c.Classify("https://pay.example/return?payment_status=success"))
	require.Equal(t, urlclass.Failure, c.Classify("https://pay.example/return?status=failed"))
	require.Equal(t, urlclass.Success, c.Classify("https://pay.example/return?payment_success=1"))
	require.Equal(t, urlclass.Failure, c.Classify("https://pay.example/payment/fail"))
	require.Equal(t, urlclass.Other, c.Classify("https://pay.example/form?on_fail=retry"))
	require.Equal(t, urlclass.Other, c.Classify("https://pay.example/success-stories/1"))
	require.Equal(t, urlclass.BankApp, c.Classify("vtb://pay?status=success"))
}

func TestParseMode(t *testing.T) {
	require.Equal(t, urlclass.ModeStrict, urlclass.ParseMode(" STRICT "))
	require.Equal(t, urlclass.ModeSubstring, urlclass.ParseMode(""))
	require.Equal(t, urlclass.ModeSubstring, urlclass.ParseMode("fuzzy"))
}

func TestExtractPaymentID(t *testing.T) {
	require.Equal(t, "123", urlclass.ExtractPaymentID("bank100000000008://pay?transaction_id=123"))
	require.Equal(t, "99", urlclass.ExtractPaymentID("tinkoff://pay?transaction_id=99&amount=100"))
	require.Equal(t, "abc", urlclass.ExtractPaymentID("sbp:pay?transaction_id=abc"))
	require.Equal(t, "", urlclass.ExtractPaymentID("bank100000000008://pay?amount=100"))
	require.Equal(t, "", urlclass.ExtractPaymentID("tinkoff://pay"))
	require.Equal(t, "", urlclass.ExtractPaymentID(""))
}

func TestExtractPaymentIDFromMalformedLink(t *testing.T) {
	require.Equal(t, "7", urlclass.ExtractPaymentID("bank100000000008://pay%zz?transaction_id=7&x=%zz"))
}
