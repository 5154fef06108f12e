package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-reconciler/internal/channel"
	"github.com/yourorg/payment-reconciler/internal/gateway"
	"github.com/yourorg/payment-reconciler/internal/gateway/mock"
	"github.com/yourorg/payment-reconciler/internal/order"
)

func paidOrder() *order.Order {
	return &order.Order{
		ID:            3,
		Key:           "wc_order_3",
		Total:         decimal.RequireFromString("1499.5"),
		Currency:      "INR",
		Status:        order.StatusProcessing,
		TransactionID: "txn_3",
		CustomerID:    17,
		BillingEmail:  "a@example.com",
		BillingPhone:  "9999999999",
		Billing:       order.Address{FirstName: "Asha", City: "Pune", Country: "IN"},
		Shipping:      order.Address{FirstName: "Asha", City: "Austin", Country: "US"},
	}
}

func newService(t *testing.T, cfg Config) (*Service, *mock.Client, *order.MemoryStore) {
	t.Helper()
	store := order.NewMemoryStore()
	store.Add(paidOrder())
	gw := mock.NewClient()
	if cfg.Storefront.OrderReceivedURL == "" {
		cfg.Storefront = channel.Storefront{OrderReceivedURL: "https://shop.test/order-received/{id}/?key={key}"}
	}
	return NewService(gw, store, cfg, nil), gw, store
}

func TestCountryName(t *testing.T) {
	assert.Equal(t, "India", CountryName("IN"))
	assert.Equal(t, "Germany", CountryName("DE"))
	assert.Empty(t, CountryName(""))
	assert.Empty(t, CountryName("not-a-region"))
}

func TestCreateParams(t *testing.T) {
	svc, _, _ := newService(t, Config{SendCustomerID: true})
	p := svc.CreateParams(paidOrder())

	assert.Equal(t, "wc_order_3", p.OrderID)
	assert.Equal(t, "1499.50", p.Values().Get("amount"))
	assert.Equal(t, "https://shop.test/order-received/3/?key=wc_order_3", p.ReturnURL)
	assert.Equal(t, "17", p.CustomerID)
	assert.Equal(t, "India", p.Billing.Country)
	assert.Equal(t, "IN", p.Billing.CountryCodeISO)
	assert.Equal(t, "9999999999", p.Shipping.Phone, "shipping phone is the billing phone")

	svc, _, _ = newService(t, Config{ReturnEnabled: true, ReturnURL: "https://pay.test/return/juspay"})
	p = svc.CreateParams(paidOrder())
	assert.Equal(t, "https://pay.test/return/juspay", p.ReturnURL)
	assert.Empty(t, p.CustomerID)
}

func TestPaymentURL(t *testing.T) {
	svc, gw, _ := newService(t, Config{})

	web, err := svc.PaymentURL(context.Background(), 3, false)
	require.NoError(t, err)
	assert.Equal(t, "https://sandbox.juspay.in/merchant/pay/wc_order_3", web)

	mobile, err := svc.PaymentURL(context.Background(), 3, true)
	require.NoError(t, err)
	assert.Contains(t, mobile, "mobile=true")
	assert.Equal(t, 2, gw.Calls("CreateOrder"))
}

func TestPaymentURL_Errors(t *testing.T) {
	svc, gw, _ := newService(t, Config{})

	gw.CreateOrderFunc = func(context.Context, gateway.CreateOrderParams) (*gateway.PaymentLinks, error) {
		return &gateway.PaymentLinks{Web: "null/merchant/pay/ord_1"}, nil
	}
	_, err := svc.PaymentURL(context.Background(), 3, false)
	assert.True(t, errors.Is(err, gateway.ErrInvalidPaymentLink))
	assert.ErrorContains(t, err, "null/merchant/pay/ord_1")

	gw.CreateOrderFunc = func(context.Context, gateway.CreateOrderParams) (*gateway.PaymentLinks, error) {
		return nil, &gateway.Error{Kind: gateway.KindAuthentication, Op: "create_order"}
	}
	_, err = svc.PaymentURL(context.Background(), 3, false)
	assert.True(t, gateway.IsKind(err, gateway.KindAuthentication))

	_, err = svc.PaymentURL(context.Background(), 404, false)
	assert.True(t, errors.Is(err, order.ErrNotFound))
}

func TestRefund(t *testing.T) {
	svc, gw, _ := newService(t, Config{Available: true})

	res, err := svc.Refund(context.Background(), 3, decimal.NewFromInt(100), "")
	require.NoError(t, err)
	require.Len(t, res.Refunds, 1)
	_, perr := uuid.Parse(res.Refunds[0].UniqueRequestID)
	assert.NoError(t, perr, "a generated idempotency key is a uuid")

	res, err = svc.Refund(context.Background(), 3, decimal.NewFromInt(100), "55")
	require.NoError(t, err)
	assert.Equal(t, "55", res.Refunds[0].UniqueRequestID)
	assert.Equal(t, 2, gw.Calls("Refund"))
}

func TestRefund_Rejected(t *testing.T) {
	t.Run("gateway not configured", func(t *testing.T) {
		svc, gw, _ := newService(t, Config{})
		_, err := svc.Refund(context.Background(), 3, decimal.NewFromInt(1), "")
		assert.ErrorIs(t, err, ErrNotRefundable)
		assert.Equal(t, 0, gw.Calls("Refund"))
	})
	t.Run("unpaid order", func(t *testing.T) {
		svc, _, store := newService(t, Config{Available: true})
		o := paidOrder()
		o.Status = order.StatusOnHold
		store.Add(o)
		_, err := svc.Refund(context.Background(), 3, decimal.NewFromInt(1), "")
		assert.ErrorIs(t, err, ErrNotRefundable)
	})
	t.Run("no transaction", func(t *testing.T) {
		svc, _, store := newService(t, Config{Available: true})
		o := paidOrder()
		o.TransactionID = ""
		store.Add(o)
		_, err := svc.Refund(context.Background(), 3, decimal.NewFromInt(1), "")
		assert.ErrorIs(t, err, ErrNotRefundable)
	})
	t.Run("zero amount", func(t *testing.T) {
		svc, _, _ := newService(t, Config{Available: true})
		_, err := svc.Refund(context.Background(), 3, decimal.Zero, "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
	t.Run("gateway error", func(t *testing.T) {
		svc, gw, _ := newService(t, Config{Available: true})
		gw.RefundFunc = func(context.Context, string, decimal.Decimal, string) (*gateway.RefundResult, error) {
			return nil, &gateway.Error{Kind: gateway.KindConnection, Op: "refund"}
		}
		_, err := svc.Refund(context.Background(), 3, decimal.NewFromInt(1), "")
		assert.True(t, gateway.IsKind(err, gateway.KindConnection))
	})
}
