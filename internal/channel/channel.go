// Package channel exposes the notification paths that trigger
// reconciliation: the processor's webhook push, the shopper's return
// redirect and the admin's manual refresh. Each channel extracts an order
// reference from its own input, takes the advisory processing lock and
// hands a reconcile.Request to the shared engine.
package channel

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/payment-reconciler/internal/lock"
	"github.com/yourorg/payment-reconciler/internal/logging"
	"github.com/yourorg/payment-reconciler/internal/order"
	"github.com/yourorg/payment-reconciler/internal/reconcile"
)

// Metrics receives channel-level observations.
type Metrics interface {
	LockContended(channel string)
	SignatureFailed(channel string)
	EnvelopeRejected()
}

type nopMetrics struct{}

func (nopMetrics) LockContended(string)   {}
func (nopMetrics) SignatureFailed(string) {}
func (nopMetrics) EnvelopeRejected()      {}

// Storefront holds the shop URLs channels redirect to. OrderReceivedURL
// may contain {id} and {key}; AdminOrderURL may contain {id}.
type Storefront struct {
	OrderReceivedURL string
	CartURL          string
	ShopURL          string
	AdminOrderURL    string
}

// OrderReceived returns the order-received page of o.
func (s Storefront) OrderReceived(o *order.Order) string {
	r := strings.NewReplacer("{id}", strconv.FormatInt(o.ID, 10), "{key}", url.QueryEscape(o.Key))
	return r.Replace(s.OrderReceivedURL)
}

// AdminOrder returns the order edit screen for id with the given extra
// query parameters.
func (s Storefront) AdminOrder(id int64, query url.Values) string {
	raw := strings.ReplaceAll(s.AdminOrderURL, "{id}", strconv.FormatInt(id, 10))
	if len(query) == 0 {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// base is the part every channel shares: the engine, the lock and the
// bookkeeping around them.
type base struct {
	name    reconcile.Channel
	engine  *reconcile.Engine
	locks   lock.Manager
	metrics Metrics
	logger  *zap.Logger
}

func newBase(name reconcile.Channel, engine *reconcile.Engine, locks lock.Manager, m Metrics, logger *zap.Logger) base {
	if engine == nil {
		panic("reconcile engine cannot be nil")
	}
	if locks == nil {
		panic("lock manager cannot be nil")
	}
	if m == nil {
		m = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		name:    name,
		engine:  engine,
		locks:   locks,
		metrics: m,
		logger:  logger.Named(strings.ToLower(string(name))).With(logging.Channel(string(name))),
	}
}

// withLock runs fn while holding the processing lock for key. It reports
// false without calling fn when another channel holds the lock. The lock is
// released on every path once acquired.
func (b *base) withLock(ctx context.Context, key string, fn func(context.Context)) (bool, error) {
	locked, err := b.locks.IsLocked(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", key, err)
	}
	if locked {
		b.contended(ctx, key)
		b.logger.Info("order is being processed by another channel", zap.String("lock", key))
		return false, nil
	}
	holder, acquired, err := b.locks.TryLock(ctx, key)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		b.contended(ctx, key)
		b.logger.Info("lost lock race", zap.String("lock", key))
		return false, nil
	}
	defer func() {
		if err := b.locks.Unlock(context.WithoutCancel(ctx), key, holder); err != nil {
			b.logger.Error("failed to release lock", zap.String("lock", key), zap.Error(err))
		}
	}()
	fn(ctx)
	return true, nil
}

func (b *base) contended(ctx context.Context, key string) {
	b.metrics.LockContended(string(b.name))
	trace.SpanFromContext(ctx).AddEvent("lock contended", trace.WithAttributes(attribute.String("lock", key)))
}

// Cart empties the shopper's cart once a payment is settled or pending.
type Cart interface {
	Empty(c *gin.Context, o *order.Order)
}

// CartCookie asks the storefront to clear the cart by setting a cookie
// carrying the order key on the redirect.
type CartCookie struct {
	Name string
}

func (cc CartCookie) Empty(c *gin.Context, o *order.Order) {
	name := cc.Name
	if name == "" {
		name = "reconciler_empty_cart"
	}
	c.SetCookie(name, o.Key, 300, "/", "", false, true)
}
