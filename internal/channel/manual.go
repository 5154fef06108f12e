package channel

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/payment-reconciler/internal/gateway"
	"github.com/yourorg/payment-reconciler/internal/lock"
	"github.com/yourorg/payment-reconciler/internal/logging"
	"github.com/yourorg/payment-reconciler/internal/order"
	"github.com/yourorg/payment-reconciler/internal/reconcile"
)

// Manual channel texts.
const (
	ManualFailure  = "Juspay Manual Request Failure"
	MessageUpdated = "Payment status updated"
)

// ManualRequest is the admin's refresh request.
type ManualRequest struct {
	Post int64 `form:"post" binding:"required,gt=0"`
}

// Manual lets an administrator pull the processor's status for one order.
// It must be mounted behind admin authentication.
type Manual struct {
	base
	storefront Storefront
}

// NewManual creates the manual channel.
func NewManual(engine *reconcile.Engine, locks lock.Manager, storefront Storefront, m Metrics, logger *zap.Logger) *Manual {
	return &Manual{
		base:       newBase(reconcile.ChannelManual, engine, locks, m, logger),
		storefront: storefront,
	}
}

// NewCommandLine creates a manual channel for operator tooling. Its runs are
// recorded under the CLI channel and it has no HTTP surface.
func NewCommandLine(engine *reconcile.Engine, locks lock.Manager, m Metrics, logger *zap.Logger) *Manual {
	return &Manual{base: newBase(reconcile.ChannelCLI, engine, locks, m, logger)}
}

// Handle is the gin handler for /admin/orders/juspay/status?post=<id>.
func (m *Manual) Handle(c *gin.Context) {
	var req ManualRequest
	if err := c.ShouldBind(&req); err != nil {
		m.logger.Warn("rejected manual request", zap.Error(err))
		c.String(http.StatusInternalServerError, ManualFailure)
		return
	}
	res, ran, err := m.Run(c.Request.Context(), req.Post)
	c.Redirect(http.StatusFound, m.storefront.AdminOrder(req.Post, ManualQuery(res, ran, err)))
}

// Run reconciles order id under the processing lock. ran is false when
// another channel holds the lock or the lock backend failed.
func (m *Manual) Run(ctx context.Context, id int64) (res *reconcile.Result, ran bool, err error) {
	log := m.logger.With(logging.OrderID(id))
	ran, lerr := m.withLock(ctx, lock.Key(id), func(ctx context.Context) {
		res, err = m.engine.Reconcile(ctx, reconcile.Request{Channel: m.name, OrderID: id, Admin: true})
	})
	if lerr != nil {
		log.Error("lock unavailable", zap.Error(lerr))
		return nil, false, lerr
	}
	if err != nil {
		log.Warn("manual reconciliation failed", zap.Error(err))
	}
	return res, ran, err
}

// ManualQuery returns the admin screen query parameters describing a
// manual run.
func ManualQuery(res *reconcile.Result, ran bool, err error) url.Values {
	q := url.Values{}
	switch {
	case err != nil:
		q.Set("error", errorMessage(err))
	case !ran:
	case res != nil && res.Mismatch != nil:
		q.Set("error", res.Mismatch.Error())
	default:
		q.Set("message", MessageUpdated)
	}
	return q
}

func errorMessage(err error) string {
	var ge *gateway.Error
	switch {
	case errors.As(err, &ge):
		return ge.Text()
	case errors.Is(err, order.ErrNotFound):
		return "Order not found"
	}
	return err.Error()
}
