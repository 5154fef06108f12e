// Package gateway defines the payment processor client the reconciler talks
// to, the processor's order and refund shapes, and the typed errors its
// implementations return. Implementations own transport, retries and error
// mapping; callers only see RemoteOrderState and *Error.
package gateway

import (
	"context"
	"math/big"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// Refund statuses reported by the processor.
const (
	RefundSuccess = "SUCCESS"
	RefundFailure = "FAILURE"
	RefundPending = "PENDING"
)

// Client is the outbound payment processor API.
type Client interface {
	// FetchOrderStatus returns the authoritative processor state of an order.
	FetchOrderStatus(ctx context.Context, orderKey string) (*RemoteOrderState, error)
	// CreateOrder registers an order with the processor and returns its
	// hosted payment links.
	CreateOrder(ctx context.Context, params CreateOrderParams) (*PaymentLinks, error)
	// Refund submits a refund for an order. idempotencyKey is sent as the
	// processor's unique request id.
	Refund(ctx context.Context, orderKey string, amount decimal.Decimal, idempotencyKey string) (*RefundResult, error)
	// Name identifies the processor in logs and metrics.
	Name() string
}

// GatewayResponse carries the acquirer's details of the last transaction.
type GatewayResponse struct {
	EPGTxnID string `json:"epg_txn_id,omitempty"`
}

// RefundRecord is one refund attempt on an order.
type RefundRecord struct {
	ID              string          `json:"id"`
	Ref             string          `json:"ref"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	UniqueRequestID string          `json:"unique_request_id,omitempty"`
}

// RemoteOrderState is the processor's view of an order at fetch time.
type RemoteOrderState struct {
	OrderID          string           `json:"order_id"`
	Status           string           `json:"status"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	PaymentMethod    string           `json:"payment_method,omitempty"`
	Refunded         bool             `json:"refunded"`
	AmountRefunded   decimal.Decimal  `json:"amount_refunded"`
	Refunds          []RefundRecord   `json:"refunds,omitempty"`
	BankErrorMessage string           `json:"bank_error_message,omitempty"`
	TxnID            string           `json:"txn_id,omitempty"`
	GatewayResponse  *GatewayResponse `json:"payment_gateway_response,omitempty"`
}

// EPGTxnID returns the acquirer transaction id, or "" when absent.
func (s *RemoteOrderState) EPGTxnID() string {
	if s.GatewayResponse == nil {
		return ""
	}
	return s.GatewayResponse.EPGTxnID
}

// LatestRefund returns the refund with the greatest Ref among those in
// status. Refs compare numerically when both parse as numbers and bytewise
// otherwise. On equal refs the earlier record wins.
func (s *RemoteOrderState) LatestRefund(status string) (RefundRecord, bool) {
	var (
		latest RefundRecord
		found  bool
	)
	for _, r := range s.Refunds {
		if r.Status != status {
			continue
		}
		if !found || compareRefs(latest.Ref, r.Ref) < 0 {
			latest = r
			found = true
		}
	}
	return latest, found
}

func compareRefs(a, b string) int {
	fa, okA := new(big.Float).SetString(strings.TrimSpace(a))
	fb, okB := new(big.Float).SetString(strings.TrimSpace(b))
	if okA && okB {
		return fa.Cmp(fb)
	}
	return strings.Compare(a, b)
}

// PaymentLinks are the hosted payment page URLs returned on order creation.
type PaymentLinks struct {
	Web    string `json:"web"`
	Mobile string `json:"mobile"`
	Iframe string `json:"iframe,omitempty"`
}

// RefundResult is the order state returned after a refund submission.
type RefundResult struct {
	OrderID string         `json:"order_id"`
	Status  string         `json:"status"`
	Refunds []RefundRecord `json:"refunds"`
}

// AddressParams is a billing or shipping address in create-order form.
type AddressParams struct {
	FirstName      string
	LastName       string
	Line1          string
	Line2          string
	City           string
	State          string
	PostalCode     string
	Phone          string
	CountryCodeISO string
	Country        string
}

func (a AddressParams) encode(prefix string, v url.Values) {
	v.Set(prefix+"_first_name", a.FirstName)
	v.Set(prefix+"_last_name", a.LastName)
	v.Set(prefix+"_line1", a.Line1)
	v.Set(prefix+"_line2", a.Line2)
	v.Set(prefix+"_city", a.City)
	v.Set(prefix+"_state", a.State)
	v.Set(prefix+"_postal_code", a.PostalCode)
	v.Set(prefix+"_phone", a.Phone)
	v.Set(prefix+"_country_code_iso", a.CountryCodeISO)
	v.Set(prefix+"_country", a.Country)
}

// CreateOrderParams registers an order with the processor.
type CreateOrderParams struct {
	OrderID       string
	Amount        decimal.Decimal
	Currency      string
	CustomerEmail string
	CustomerPhone string
	CustomerID    string
	ReturnURL     string
	Billing       AddressParams
	Shipping      AddressParams
}

// Values encodes the params as the processor's form fields.
func (p CreateOrderParams) Values() url.Values {
	v := url.Values{}
	v.Set("order_id", p.OrderID)
	v.Set("amount", p.Amount.StringFixed(2))
	v.Set("currency", p.Currency)
	v.Set("customer_email", p.CustomerEmail)
	v.Set("customer_phone", p.CustomerPhone)
	v.Set("return_url", p.ReturnURL)
	if p.CustomerID != "" {
		v.Set("customer_id", p.CustomerID)
	}
	p.Billing.encode("billing_address", v)
	p.Shipping.encode("shipping_address", v)
	return v
}
