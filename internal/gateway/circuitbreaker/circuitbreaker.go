// Package circuitbreaker stops calling the payment processor after repeated
// connection failures and probes it again after a cool-down.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/payment-reconciler/internal/gateway"
)

// State is the state of one circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	defaultFailureThreshold         = 3
	defaultResetTimeout             = 30 * time.Second
	defaultHalfOpenSuccessThreshold = 1
)

// Config tunes a CircuitBreaker. Zero values select defaults.
type Config struct {
	FailureThreshold         int
	ResetTimeout             time.Duration
	HalfOpenSuccessThreshold int
}

type circuit struct {
	state     State
	failures  int
	successes int
	openUntil time.Time
}

// CircuitBreaker tracks one circuit per name.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*circuit
	now      func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = defaultHalfOpenSuccessThreshold
	}
	return &CircuitBreaker{cfg: cfg, circuits: make(map[string]*circuit), now: time.Now}
}

// get assumes cb.mu is held.
func (cb *CircuitBreaker) get(name string) *circuit {
	c, ok := cb.circuits[name]
	if !ok {
		c = &circuit{state: StateClosed}
		cb.circuits[name] = c
	}
	return c
}

// AllowRequest reports whether a call may go through. An open circuit whose
// reset timeout elapsed moves to half-open and lets the call probe.
func (cb *CircuitBreaker) AllowRequest(name string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c := cb.get(name)
	if c.state == StateOpen {
		if cb.now().Before(c.openUntil) {
			return false
		}
		c.state = StateHalfOpen
		c.successes = 0
	}
	return true
}

// RecordFailure counts a failed call.
func (cb *CircuitBreaker) RecordFailure(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c := cb.get(name)
	switch c.state {
	case StateClosed:
		c.failures++
		if c.failures >= cb.cfg.FailureThreshold {
			c.state = StateOpen
			c.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
		}
	case StateHalfOpen:
		c.state = StateOpen
		c.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
		c.successes = 0
	}
}

// RecordSuccess counts a successful call.
func (cb *CircuitBreaker) RecordSuccess(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c := cb.get(name)
	switch c.state {
	case StateClosed:
		c.failures = 0
	case StateHalfOpen:
		c.successes++
		if c.successes >= cb.cfg.HalfOpenSuccessThreshold {
			c.state = StateClosed
			c.failures = 0
			c.successes = 0
		}
	}
}

// Status returns the state and consecutive failure count of a circuit
// without transitioning it.
func (cb *CircuitBreaker) Status(name string) (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c, ok := cb.circuits[name]
	if !ok {
		return StateClosed, 0
	}
	return c.state, c.failures
}

// Client guards a gateway.Client with a CircuitBreaker. Only connection
// failures trip the circuit; authentication and request errors are answers
// from a healthy processor.
type Client struct {
	next gateway.Client
	cb   *CircuitBreaker
}

var _ gateway.Client = (*Client)(nil)

// Wrap returns next guarded by cb.
func Wrap(next gateway.Client, cb *CircuitBreaker) *Client {
	return &Client{next: next, cb: cb}
}

func (c *Client) Name() string { return c.next.Name() }

func (c *Client) record(err error) {
	if err == nil {
		c.cb.RecordSuccess(c.next.Name())
		return
	}
	if gateway.IsKind(err, gateway.KindConnection) {
		c.cb.RecordFailure(c.next.Name())
	}
}

func (c *Client) rejected(op string) error {
	return &gateway.Error{Kind: gateway.KindConnection, Op: op, Err: gateway.ErrCircuitOpen}
}

func (c *Client) FetchOrderStatus(ctx context.Context, orderKey string) (*gateway.RemoteOrderState, error) {
	if !c.cb.AllowRequest(c.next.Name()) {
		return nil, c.rejected("order_status")
	}
	s, err := c.next.FetchOrderStatus(ctx, orderKey)
	c.record(err)
	return s, err
}

func (c *Client) CreateOrder(ctx context.Context, params gateway.CreateOrderParams) (*gateway.PaymentLinks, error) {
	if !c.cb.AllowRequest(c.next.Name()) {
		return nil, c.rejected("create_order")
	}
	l, err := c.next.CreateOrder(ctx, params)
	c.record(err)
	return l, err
}

func (c *Client) Refund(ctx context.Context, orderKey string, amount decimal.Decimal, idempotencyKey string) (*gateway.RefundResult, error) {
	if !c.cb.AllowRequest(c.next.Name()) {
		return nil, c.rejected("refund")
	}
	r, err := c.next.Refund(ctx, orderKey, amount, idempotencyKey)
	c.record(err)
	return r, err
}
