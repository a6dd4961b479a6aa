package browser

import "strings"

type ignoredError struct {
	domain string
	code   string
}

// Load errors that only mean the web view tried to load a bank scheme itself.
var ignoredLoadErrors = []ignoredError{
	{code: "net::ERR_UNKNOWN_URL_SCHEME"},
	{domain: "NSURLErrorDomain", code: "-1002"},
	{domain: "WebKitErrorDomain", code: "102"},
}

// IsIgnorableLoadError reports whether a load error is the expected side
// effect of a bank link rather than a real page failure.
func IsIgnorableLoadError(code, domain, description string) bool {
	code = strings.TrimSpace(code)
	domain = strings.TrimSpace(domain)
	for _, ie := range ignoredLoadErrors {
		if ie.code == code && (ie.domain == "" || strings.EqualFold(ie.domain, domain)) {
			return true
		}
	}
	return strings.Contains(description, "ERR_UNKNOWN_URL_SCHEME")
}
