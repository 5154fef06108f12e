package channel

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/payment-reconciler/internal/gateway"
	"github.com/yourorg/payment-reconciler/internal/lock"
	"github.com/yourorg/payment-reconciler/internal/logging"
	"github.com/yourorg/payment-reconciler/internal/monitor"
	"github.com/yourorg/payment-reconciler/internal/order"
	"github.com/yourorg/payment-reconciler/internal/reconcile"
	"github.com/yourorg/payment-reconciler/internal/signature"
	"github.com/yourorg/payment-reconciler/internal/status"
)

// Return channel texts.
const (
	ReturnFailure       = "Juspay Return Request Failure"
	NoticeOrderMissing  = "Requested order is unavailable. Start a new order"
	NoticeGenericError  = "Could not process your request. Please try later, or use other payment gateway."
	noticeGatewayPrefix = "Juspay Error: "
)

// ReturnConfig configures the return channel.
type ReturnConfig struct {
	// ResponseKey verifies the signature of the redirect parameters. When
	// empty signatures are not checked.
	ResponseKey string
	Storefront  Storefront
	Notices     Notices
	Cart        Cart
}

// Return handles the shopper's browser redirect back from the hosted
// payment page. It always answers with a redirect once the parameters are
// accepted.
type Return struct {
	base
	envelope *monitor.ContractMonitor
	cfg      ReturnConfig
}

// NewReturn creates the return channel.
func NewReturn(engine *reconcile.Engine, locks lock.Manager, envelope *monitor.ContractMonitor, cfg ReturnConfig, m Metrics, logger *zap.Logger) *Return {
	if envelope == nil {
		panic("envelope monitor cannot be nil")
	}
	if cfg.Cart == nil {
		cfg.Cart = CartCookie{}
	}
	return &Return{
		base:     newBase(reconcile.ChannelReturn, engine, locks, m, logger),
		envelope: envelope,
		cfg:      cfg,
	}
}

// Params flattens the query and form parameters of the request, body values
// first, dropping empty values.
func Params(c *gin.Context) (map[string]string, error) {
	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(c.Request.Form))
	for k, vs := range c.Request.Form {
		if len(vs) == 0 || vs[0] == "" {
			continue
		}
		out[k] = vs[0]
	}
	return out, nil
}

// Handle is the gin handler for GET and POST /return/juspay.
func (r *Return) Handle(c *gin.Context) {
	params, ok := r.accept(c)
	if !ok {
		c.String(http.StatusInternalServerError, ReturnFailure)
		return
	}
	key := params["order_id"]
	log := r.logger.With(logging.OrderKey(key))
	ctx := c.Request.Context()

	var (
		res    *reconcile.Result
		recErr error
	)
	ran, err := r.withLock(ctx, lock.Key(key), func(ctx context.Context) {
		res, recErr = r.engine.Reconcile(ctx, reconcile.Request{Channel: reconcile.ChannelReturn, OrderKey: key})
	})
	if err != nil {
		log.Error("lock unavailable", zap.Error(err))
		r.cfg.Notices.Add(c, NoticeGenericError)
		c.Redirect(http.StatusFound, r.cfg.Storefront.CartURL)
		return
	}
	if !ran {
		r.redirectInFlight(c, key)
		return
	}

	switch {
	case errors.Is(recErr, order.ErrNotFound):
		log.Info("order not found")
		r.cfg.Notices.Add(c, NoticeOrderMissing)
		c.Redirect(http.StatusFound, r.cfg.Storefront.ShopURL)
	case gateway.KindOf(recErr) != 0:
		log.Warn("processor lookup failed", zap.Error(recErr))
		r.cfg.Notices.Add(c, noticeGatewayPrefix+gateway.UserMessage(recErr))
		c.Redirect(http.StatusFound, r.cfg.Storefront.CartURL)
	case recErr != nil:
		log.Error("reconciliation failed", zap.Error(recErr))
		r.cfg.Notices.Add(c, NoticeGenericError)
		c.Redirect(http.StatusFound, r.cfg.Storefront.CartURL)
	default:
		if status.IsFailure(res.Canonical) {
			r.cfg.Notices.Add(c, failureNotice(res.Remote))
		}
		if res.EmptyCart {
			r.cfg.Cart.Empty(c, res.Order)
		}
		c.Redirect(http.StatusFound, r.cfg.Storefront.OrderReceived(res.Order))
	}
}

// accept extracts the parameters and checks the envelope and signature.
func (r *Return) accept(c *gin.Context) (map[string]string, bool) {
	params, err := Params(c)
	if err != nil || len(params) == 0 {
		r.logger.Warn("rejected return request", zap.Error(err))
		return nil, false
	}
	ok, problems, err := r.envelope.ValidateParams(params)
	if err != nil || !ok {
		r.metrics.EnvelopeRejected()
		r.logger.Warn("rejected return request", zap.Strings("problems", problems), zap.Error(err))
		return nil, false
	}
	if r.cfg.ResponseKey != "" && !signature.Verify(params, r.cfg.ResponseKey) {
		r.metrics.SignatureFailed(string(r.name))
		r.logger.Warn("return signature mismatch", logging.OrderKey(params["order_id"]))
		return nil, false
	}
	return params, true
}

// redirectInFlight sends the shopper to the order-received page while
// another channel finishes the order.
func (r *Return) redirectInFlight(c *gin.Context, key string) {
	o, err := r.engine.Orders().GetByKey(c.Request.Context(), key)
	if err != nil {
		c.Redirect(http.StatusFound, r.cfg.Storefront.ShopURL)
		return
	}
	c.Redirect(http.StatusFound, r.cfg.Storefront.OrderReceived(o))
}

func failureNotice(remote *gateway.RemoteOrderState) string {
	if remote != nil && remote.BankErrorMessage != "" {
		return "Payment failed: " + remote.BankErrorMessage + "."
	}
	return "Payment failed."
}
