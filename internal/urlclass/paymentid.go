package urlclass

import (
	"net/url"
	"strings"
)

// PaymentIDParam is the query parameter carrying the payment id in bank links.
const PaymentIDParam = "transaction_id"

// ExtractPaymentID returns the transaction_id query value of raw, or "" when absent.
func ExtractPaymentID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil {
		return strings.TrimSpace(u.Query().Get(PaymentIDParam))
	}
	// unparsable links: keep whatever query pairs still decode
	idx := strings.IndexByte(raw, '?')
	if idx < 0 {
		return ""
	}
	values, _ := url.ParseQuery(raw[idx+1:])
	return strings.TrimSpace(values.Get(PaymentIDParam))
}
