package urlclass

import (
	"net/url"
	"path"
	"strings"

	"github.com/noah-isme/park-checkout/internal/bank"
)

// Kind is the category of a navigation URL.
type Kind int

const (
	// Other is an ordinary page navigation.
	Other Kind = iota
	// BankApp targets a mobile banking app.
	BankApp
	// Success marks a completed payment.
	Success
	// Failure marks a failed payment.
	Failure
)

func (k Kind) String() string {
	switch k {
	case BankApp:
		return "bank_app"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "other"
	}
}

// Mode selects how payment outcome URLs are recognised.
type Mode string

const (
	// ModeSubstring matches "success"/"fail" anywhere in the URL, case-sensitively.
	ModeSubstring Mode = "substring"
	// ModeStrict only trusts a status query parameter or the last path segment.
	ModeStrict Mode = "strict"
)

// ParseMode maps a config value to a Mode, defaulting to ModeSubstring.
func ParseMode(value string) Mode {
	if strings.EqualFold(strings.TrimSpace(value), string(ModeStrict)) {
		return ModeStrict
	}
	return ModeSubstring
}

// Classifier tags navigation URLs. The zero value uses substring matching and
// recognises only the generic bank schemes.
type Classifier struct {
	Registry *bank.Registry
	Mode     Mode
}

// Classify returns the category of raw. Bank scheme checks take precedence.
func (c Classifier) Classify(raw string) Kind {
	if c.isBank(raw) {
		return BankApp
	}
	if c.Mode == ModeStrict {
		return classifyStrict(raw)
	}
	return classifySubstring(raw)
}

func (c Classifier) isBank(raw string) bool {
	if c.Registry != nil {
		return c.Registry.IsBankURL(raw)
	}
	return bank.IsGenericURL(raw)
}

// classifySubstring is case-sensitive: provider return URLs use lower case
// markers, and "SUCCESS" inside an encoded token is not an outcome.
func classifySubstring(raw string) Kind {
	switch {
	case strings.Contains(raw, "payment_success"), strings.Contains(raw, "success"):
		return Success
	case strings.Contains(raw, "payment_fail"), strings.Contains(raw, "fail"):
		return Failure
	default:
		return Other
	}
}

var statusParams = []string{"payment_status", "status"}

func classifyStrict(raw string) Kind {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Other
	}
	q := u.Query()
	for _, key := range statusParams {
		if k := outcomeToken(q.Get(key)); k != Other {
			return k
		}
	}
	for _, key := range []string{"payment_success", "payment_fail"} {
		if q.Has(key) {
			return outcomeToken(key)
		}
	}
	if u.Path != "" {
		return outcomeToken(path.Base(u.Path))
	}
	return Other
}

func outcomeToken(token string) Kind {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "success", "succeeded", "payment_success":
		return Success
	case "fail", "failed", "failure", "payment_fail":
		return Failure
	default:
		return Other
	}
}
