package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies gateway failures.
type Kind int

const (
	KindAuthentication Kind = iota + 1
	KindInvalidRequest
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindInvalidRequest:
		return "invalid_request"
	case KindConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// ErrInvalidPaymentLink is returned when the processor hands back a payment
// link that is not an absolute http(s) URL.
var ErrInvalidPaymentLink = errors.New("invalid payment link")

// ErrCircuitOpen is returned without calling the processor while the circuit
// breaker is open.
var ErrCircuitOpen = errors.New("payment gateway circuit open")

// Error is a classified processor failure.
type Error struct {
	Kind Kind
	// Op is the client operation that failed, e.g. "order_status".
	Op string
	// Status is the HTTP status code when the processor answered.
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Text()
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %s: %s: %v", e.Op, e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Text returns the processor's message, or the default text of the kind.
func (e *Error) Text() string {
	if e.Message != "" {
		return e.Message
	}
	return defaultMessage(e.Kind)
}

func defaultMessage(k Kind) string {
	switch k {
	case KindAuthentication:
		return "Invalid api key"
	case KindInvalidRequest:
		return "Invalid request"
	default:
		return "Could not connect to api server"
	}
}

// IsKind reports whether err is a gateway *Error of kind k.
func IsKind(err error, k Kind) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == k
}

// KindOf returns the kind of a gateway error, or 0 when err is not one.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

// Customer-facing texts for gateway failures.
const (
	MessageInternal      = "Internal Error: Please try later, or use other payment gateway."
	MessageCommunication = "Could not communicate with Juspay. Please try later, or use other payment gateway."
)

// UserMessage maps a gateway failure to its customer-facing text.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindAuthentication, KindInvalidRequest:
		return MessageInternal
	default:
		return MessageCommunication
	}
}
