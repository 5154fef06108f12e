// Package payment starts payments and submits refunds against the
// processor on behalf of the storefront and the back office.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/yourorg/payment-reconciler/internal/channel"
	"github.com/yourorg/payment-reconciler/internal/gateway"
	"github.com/yourorg/payment-reconciler/internal/logging"
	"github.com/yourorg/payment-reconciler/internal/order"
)

var (
	// ErrNotRefundable is returned for orders that are unpaid, carry no
	// processor transaction or belong to an unconfigured gateway.
	ErrNotRefundable = errors.New("order cannot be refunded")
	// ErrInvalidAmount is returned for non-positive refund amounts.
	ErrInvalidAmount = errors.New("refund amount must be positive")
)

// Config configures a Service.
type Config struct {
	// ReturnEnabled sends shoppers back through the return channel at
	// ReturnURL; otherwise they land on the order-received page directly.
	ReturnEnabled  bool
	ReturnURL      string
	SendCustomerID bool
	// Available reports whether the gateway is configured with an API key.
	Available  bool
	Storefront channel.Storefront
}

// Service creates payment links and refunds.
type Service struct {
	gateway gateway.Client
	orders  order.Store
	cfg     Config
	logger  *zap.Logger
}

// NewService creates a Service.
func NewService(gw gateway.Client, orders order.Store, cfg Config, logger *zap.Logger) *Service {
	if gw == nil {
		panic("gateway client cannot be nil")
	}
	if orders == nil {
		panic("order store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{gateway: gw, orders: orders, cfg: cfg, logger: logger.Named("payment")}
}

// CreateParams builds the processor's create-order parameters for o.
func (s *Service) CreateParams(o *order.Order) gateway.CreateOrderParams {
	returnURL := s.cfg.Storefront.OrderReceived(o)
	if s.cfg.ReturnEnabled && s.cfg.ReturnURL != "" {
		returnURL = s.cfg.ReturnURL
	}
	p := gateway.CreateOrderParams{
		OrderID:       o.Key,
		Amount:        o.Total,
		Currency:      o.Currency,
		CustomerEmail: o.BillingEmail,
		CustomerPhone: o.BillingPhone,
		ReturnURL:     returnURL,
		Billing:       addressParams(o.Billing, o.BillingPhone),
		Shipping:      addressParams(o.Shipping, o.BillingPhone),
	}
	if s.cfg.SendCustomerID && o.CustomerID > 0 {
		p.CustomerID = strconv.FormatInt(o.CustomerID, 10)
	}
	return p
}

func addressParams(a order.Address, phone string) gateway.AddressParams {
	return gateway.AddressParams{
		FirstName:      a.FirstName,
		LastName:       a.LastName,
		Line1:          a.Line1,
		Line2:          a.Line2,
		City:           a.City,
		State:          a.State,
		PostalCode:     a.PostalCode,
		Phone:          phone,
		CountryCodeISO: a.Country,
		Country:        CountryName(a.Country),
	}
}

// CountryName returns the English name of an ISO 3166-1 alpha-2 code, or ""
// when the code is empty or unknown.
func CountryName(code string) string {
	if code == "" {
		return ""
	}
	region, err := language.ParseRegion(code)
	if err != nil {
		return ""
	}
	return display.English.Regions().Name(region)
}

// PaymentURL registers the order with the processor and returns the hosted
// payment link for the shopper's device.
func (s *Service) PaymentURL(ctx context.Context, orderID int64, mobile bool) (string, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	links, err := s.gateway.CreateOrder(ctx, s.CreateParams(o))
	if err != nil {
		s.logger.Error("failed to create processor order", logging.OrderID(orderID), zap.Error(err))
		return "", fmt.Errorf("create processor order: %w", err)
	}
	link := links.Web
	if mobile {
		link = links.Mobile
	}
	if !validLink(link) {
		return "", fmt.Errorf("%w - %s", gateway.ErrInvalidPaymentLink, link)
	}
	s.logger.Info("processing payment", logging.OrderID(orderID), logging.OrderKey(o.Key))
	return link, nil
}

func validLink(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// CanRefund reports whether o can be refunded through the processor.
func (s *Service) CanRefund(o *order.Order) bool {
	return o != nil && o.IsPaid() && o.TransactionID != "" && s.cfg.Available
}

// Refund submits a refund of amount for order orderID. refundID is sent as
// the idempotency key; when empty a random one is generated.
func (s *Service) Refund(ctx context.Context, orderID int64, amount decimal.Decimal, refundID string) (*gateway.RefundResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !s.CanRefund(o) {
		return nil, ErrNotRefundable
	}
	if refundID == "" {
		refundID = uuid.NewString()
	}
	log := s.logger.With(logging.OrderID(orderID), zap.String("amount", amount.String()), zap.String("refund_id", refundID))
	log.Info("refund requested")
	res, err := s.gateway.Refund(ctx, o.Key, amount, refundID)
	if err != nil {
		log.Error("refund failed", zap.Error(err))
		return nil, fmt.Errorf("submit refund: %w", err)
	}
	return res, nil
}
