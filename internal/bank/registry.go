package bank

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// IntentActionView is the Android action used to hand a deep link to a banking app.
const IntentActionView = "android.intent.action.VIEW"

// FallbackDisplayName is shown when the bank behind a link is unknown.
const FallbackDisplayName = "банка"

const (
	// SBPScheme is the generic fast-payment-system scheme.
	SBPScheme = "sbp://"
	// genericPrefix matches SBP member schemes such as bank100000000008://.
	genericPrefix = "bank"
)

var (
	// ErrInvalidScheme is returned when a registry entry is malformed.
	ErrInvalidScheme = errors.New("bank: invalid scheme entry")
	// ErrDuplicateScheme is returned when two entries share an id or URL scheme.
	ErrDuplicateScheme = errors.New("bank: duplicate scheme entry")
)

// Scheme describes how to reach one bank's mobile app.
type Scheme struct {
	ID           string
	URLScheme    string
	PackageID    string
	IntentAction string
	// SBPMemberID is the fast-payment-system member code; links of the form
	// bank<SBPMemberID>:// resolve to this entry.
	SBPMemberID string
}

// Registry is an immutable lookup table of bank schemes.
type Registry struct {
	byID     map[string]Scheme
	byMember map[string]string
	ids      []string
}

// NewRegistry validates and copies the provided entries.
func NewRegistry(entries ...Scheme) (*Registry, error) {
	r := &Registry{
		byID:     make(map[string]Scheme, len(entries)),
		byMember: make(map[string]string, len(entries)),
	}
	schemes := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		entry.ID = strings.ToLower(strings.TrimSpace(entry.ID))
		entry.URLScheme = strings.ToLower(strings.TrimSpace(entry.URLScheme))
		entry.PackageID = strings.TrimSpace(entry.PackageID)
		entry.IntentAction = strings.TrimSpace(entry.IntentAction)
		entry.SBPMemberID = strings.TrimSpace(entry.SBPMemberID)
		if entry.ID == "" || !strings.HasSuffix(entry.URLScheme, "://") || len(entry.URLScheme) <= len("://") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidScheme, entry.ID)
		}
		if entry.IntentAction == "" {
			entry.IntentAction = IntentActionView
		}
		if _, ok := r.byID[entry.ID]; ok {
			return nil, fmt.Errorf("%w: id %q", ErrDuplicateScheme, entry.ID)
		}
		if _, ok := schemes[entry.URLScheme]; ok {
			return nil, fmt.Errorf("%w: scheme %q", ErrDuplicateScheme, entry.URLScheme)
		}
		schemes[entry.URLScheme] = struct{}{}
		r.byID[entry.ID] = entry
		r.ids = append(r.ids, entry.ID)
		if entry.SBPMemberID != "" {
			if _, ok := r.byMember[entry.SBPMemberID]; ok {
				return nil, fmt.Errorf("%w: sbp member %q", ErrDuplicateScheme, entry.SBPMemberID)
			}
			r.byMember[entry.SBPMemberID] = entry.ID
		}
	}
	sort.Strings(r.ids)
	return r, nil
}

// MustNewRegistry behaves like NewRegistry but panics on invalid input.
func MustNewRegistry(entries ...Scheme) *Registry {
	r, err := NewRegistry(entries...)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultSchemes returns the bank table shipped with the app.
func DefaultSchemes() []Scheme {
	return []Scheme{
		{ID: "sberbank", URLScheme: "sberbankonline://", PackageID: "ru.sberbankmobile", SBPMemberID: "100000000111"},
		{ID: "vtb", URLScheme: "vtb://", PackageID: "ru.vtb24.mobilebanking.android", SBPMemberID: "100000000005"},
		{ID: "raiffeisen", URLScheme: "raiffeisen://", PackageID: "ru.raiffeisennews", SBPMemberID: "100000000007"},
		{ID: "gazprombank", URLScheme: "gazprombank://", PackageID: "ru.gazprombank.android.mobilebank.app", SBPMemberID: "100000000001"},
		{ID: "psb", URLScheme: "psb://", PackageID: "logo.com.mbanking", SBPMemberID: "100000000010"},
		{ID: "tinkoff", URLScheme: "tinkoff://", PackageID: "com.idamob.tinkoff.android", SBPMemberID: "100000000004"},
		{ID: "otkritie", URLScheme: "otkritie://", PackageID: "com.openbank", SBPMemberID: "100000000015"},
		{ID: "alfabank", URLScheme: "alfabank://", PackageID: "ru.alfabank.mobile.android", SBPMemberID: "100000000008"},
	}
}

// DefaultRegistry builds a registry from DefaultSchemes.
func DefaultRegistry() *Registry {
	return MustNewRegistry(DefaultSchemes()...)
}

// Lookup returns the entry registered under id.
func (r *Registry) Lookup(id string) (Scheme, bool) {
	if r == nil {
		return Scheme{}, false
	}
	s, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]
	return s, ok
}

// DisplayName returns the capitalised bank key, or the generic label when id is unknown.
func (r *Registry) DisplayName(id string) string {
	s, ok := r.Lookup(id)
	if !ok {
		return FallbackDisplayName
	}
	first, size := utf8.DecodeRuneInString(s.ID)
	return string(unicode.ToUpper(first)) + s.ID[size:]
}

// IDs returns the registered bank ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.ids...)
}

// Schemes returns every registered URL scheme prefix, e.g. "tinkoff://".
func (r *Registry) Schemes() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id].URLScheme)
	}
	return out
}

// MatchURL resolves a bank link to its registry entry, either through the
// bank's own scheme or through an SBP member scheme.
func (r *Registry) MatchURL(raw string) (Scheme, bool) {
	if r == nil {
		return Scheme{}, false
	}
	lower := strings.ToLower(strings.TrimSpace(raw))
	for _, id := range r.ids {
		s := r.byID[id]
		if strings.HasPrefix(lower, s.URLScheme) {
			return s, true
		}
	}
	if member, ok := memberID(lower); ok {
		if id, ok := r.byMember[member]; ok {
			return r.byID[id], true
		}
	}
	return Scheme{}, false
}

// IsBankURL reports whether raw targets a banking app: a registered scheme,
// the SBP scheme or a generic bank-prefixed scheme.
func (r *Registry) IsBankURL(raw string) bool {
	if IsGenericURL(raw) {
		return true
	}
	_, ok := r.MatchURL(raw)
	return ok
}

// IsGenericURL reports whether raw uses the SBP scheme or a bank<digits>:// scheme.
func IsGenericURL(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(lower, SBPScheme) {
		return true
	}
	_, ok := memberID(lower)
	return ok
}

// Prefixes returns every scheme prefix treated as a bank link, generic ones included.
func (r *Registry) Prefixes() []string {
	return append(r.Schemes(), SBPScheme, genericPrefix)
}

// memberID extracts the digits of a bank<digits>:// scheme.
func memberID(lower string) (string, bool) {
	idx := strings.Index(lower, "://")
	if idx <= len(genericPrefix) || !strings.HasPrefix(lower, genericPrefix) {
		return "", false
	}
	rest := lower[len(genericPrefix):idx]
	for i := 0; i < len(rest); i++ {
		if rest[i] < '0' || rest[i] > '9' {
			return "", false
		}
	}
	return rest, true
}
