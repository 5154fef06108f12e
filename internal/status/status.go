// Package status maps the processor's raw order statuses onto the fixed set
// of reconciliation transitions.
package status

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Transition is the handler a canonical status dispatches to.
type Transition int

const (
	Completed Transition = iota + 1
	Pending
	Failed
	Refunded
	RefundFailed
)

func (t Transition) String() string {
	switch t {
	case Completed:
		return "completed"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	case Refunded:
		return "refunded"
	case RefundFailed:
		return "refund_failed"
	default:
		return "none"
	}
}

// Canonical tokens that do not come from the processor's status field but are
// forced by webhook event names.
const (
	TokenRefunded     = "refunded"
	TokenRefundFailed = "refund_failed"
)

var registry = map[string]Transition{
	"completed":             Completed,
	"charged":               Completed,
	"pending":               Pending,
	"pending_vbv":           Pending,
	"authorizing":           Pending,
	"new":                   Pending,
	"failed":                Failed,
	"authentication_failed": Failed,
	"authorization_failed":  Failed,
	"juspay_declined":       Failed,
	TokenRefunded:           Refunded,
	TokenRefundFailed:       RefundFailed,
}

var failureTokens = map[string]struct{}{
	"authentication_failed": {},
	"authorization_failed":  {},
	"juspay_declined":       {},
}

// Normalize lowercases a raw processor status into its canonical token.
func Normalize(raw string) string {
	return strings.ToLower(raw)
}

// ToReadable turns a raw status into display text:
// AUTHENTICATION_FAILED becomes "Authentication Failed".
func ToReadable(raw string) string {
	s := strings.ToLower(strings.ReplaceAll(raw, "_", " "))
	return cases.Title(language.Und, cases.NoLower).String(s)
}

// Lookup returns the transition registered for a canonical token.
func Lookup(canonical string) (Transition, bool) {
	t, ok := registry[canonical]
	return t, ok
}

// IsFailure reports whether canonical is one of the payment failure aliases
// that warrant a customer-facing notice.
func IsFailure(canonical string) bool {
	_, ok := failureTokens[canonical]
	return ok
}

// Tokens returns the registered canonical tokens.
func Tokens() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}
