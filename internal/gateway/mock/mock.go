// Package mock provides a scriptable gateway.Client for tests and local runs.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/yourorg/payment-reconciler/internal/gateway"
)

// Client is a gateway.Client whose behaviour is set per method through the
// Func fields. Without a Func, FetchOrderStatus serves States, CreateOrder
// returns links under BaseURL and Refund records a pending refund.
type Client struct {
	FetchOrderStatusFunc func(ctx context.Context, orderKey string) (*gateway.RemoteOrderState, error)
	CreateOrderFunc      func(ctx context.Context, params gateway.CreateOrderParams) (*gateway.PaymentLinks, error)
	RefundFunc           func(ctx context.Context, orderKey string, amount decimal.Decimal, idempotencyKey string) (*gateway.RefundResult, error)

	BaseURL string

	mu     sync.Mutex
	states map[string]*gateway.RemoteOrderState
	calls  map[string]int
}

var _ gateway.Client = (*Client)(nil)

// NewClient creates an empty Client.
func NewClient() *Client {
	return &Client{
		BaseURL: "https://sandbox.juspay.in",
		states:  make(map[string]*gateway.RemoteOrderState),
		calls:   make(map[string]int),
	}
}

// SetState sets the state FetchOrderStatus returns for orderKey.
func (c *Client) SetState(orderKey string, s *gateway.RemoteOrderState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[orderKey] = s
}

// Calls returns how many times method was invoked.
func (c *Client) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *Client) count(method string) {
	c.mu.Lock()
	c.calls[method]++
	c.mu.Unlock()
}

func (c *Client) Name() string { return "mock" }

func (c *Client) FetchOrderStatus(ctx context.Context, orderKey string) (*gateway.RemoteOrderState, error) {
	c.count("FetchOrderStatus")
	if c.FetchOrderStatusFunc != nil {
		return c.FetchOrderStatusFunc(ctx, orderKey)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[orderKey]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.KindInvalidRequest, Op: "order_status", Status: 404, Message: fmt.Sprintf("order %s not found", orderKey)}
	}
	cp := *s
	cp.Refunds = append([]gateway.RefundRecord(nil), s.Refunds...)
	return &cp, nil
}

func (c *Client) CreateOrder(ctx context.Context, params gateway.CreateOrderParams) (*gateway.PaymentLinks, error) {
	c.count("CreateOrder")
	if c.CreateOrderFunc != nil {
		return c.CreateOrderFunc(ctx, params)
	}
	return &gateway.PaymentLinks{
		Web:    fmt.Sprintf("%s/merchant/pay/%s", c.BaseURL, params.OrderID),
		Mobile: fmt.Sprintf("%s/merchant/pay/%s?mobile=true", c.BaseURL, params.OrderID),
	}, nil
}

func (c *Client) Refund(ctx context.Context, orderKey string, amount decimal.Decimal, idempotencyKey string) (*gateway.RefundResult, error) {
	c.count("Refund")
	if c.RefundFunc != nil {
		return c.RefundFunc(ctx, orderKey, amount, idempotencyKey)
	}
	return &gateway.RefundResult{
		OrderID: orderKey,
		Refunds: []gateway.RefundRecord{{
			ID:              "rfnd_" + idempotencyKey,
			Status:          gateway.RefundPending,
			Amount:          amount,
			UniqueRequestID: idempotencyKey,
		}},
	}, nil
}
