package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/payment-reconciler/internal/gateway"
	"github.com/yourorg/payment-reconciler/internal/lock"
	"github.com/yourorg/payment-reconciler/internal/logging"
	"github.com/yourorg/payment-reconciler/internal/monitor"
	"github.com/yourorg/payment-reconciler/internal/order"
	"github.com/yourorg/payment-reconciler/internal/reconcile"
	"github.com/yourorg/payment-reconciler/internal/status"
)

// Webhook event names the processor sends.
const (
	EventTxnCreated               = "TXN_CREATED"
	EventOrderSucceeded           = "ORDER_SUCCEEDED"
	EventOrderFailed              = "ORDER_FAILED"
	EventOrderRefunded            = "ORDER_REFUNDED"
	EventOrderRefundFailed        = "ORDER_REFUND_FAILED"
	EventRefundManualReviewNeeded = "REFUND_MANUAL_REVIEW_NEEDED"
)

var knownEvents = map[string]struct{}{
	EventTxnCreated:               {},
	EventOrderSucceeded:           {},
	EventOrderFailed:              {},
	EventOrderRefunded:            {},
	EventOrderRefundFailed:        {},
	EventRefundManualReviewNeeded: {},
}

// Webhook response bodies.
const (
	WebhookFailure   = "Juspay Webhook Request Failure"
	WebhookIgnored   = "Juspay Webhook Request Ignored"
	WebhookProcessed = "Juspay Webhook Request Processed"
)

const maxWebhookBody = 1 << 20

// OrderRef is an order reference sent either as a JSON string or number.
type OrderRef string

func (r *OrderRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = OrderRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("order_id must be a string or number: %w", err)
	}
	*r = OrderRef(n.String())
	return nil
}

// WebhookPayload is the processor's webhook body.
type WebhookPayload struct {
	EventName string `json:"event_name"`
	Content   struct {
		Order struct {
			OrderID OrderRef `json:"order_id"`
			Status  string   `json:"status,omitempty"`
		} `json:"order"`
	} `json:"content"`
}

// OrderKey returns the order reference carried by the payload.
func (p *WebhookPayload) OrderKey() string {
	return string(p.Content.Order.OrderID)
}

// StatusOverride returns the canonical status forced by the event name, or
// "" when the processor's own status applies.
func (p *WebhookPayload) StatusOverride() string {
	switch p.EventName {
	case EventOrderRefunded:
		return status.TokenRefunded
	case EventOrderRefundFailed:
		return status.TokenRefundFailed
	}
	return ""
}

// Webhook handles processor push notifications. Apart from envelope
// failures it always answers 200 so the processor stops redelivering.
type Webhook struct {
	base
	envelope *monitor.ContractMonitor
}

// NewWebhook creates the webhook channel.
func NewWebhook(engine *reconcile.Engine, locks lock.Manager, envelope *monitor.ContractMonitor, m Metrics, logger *zap.Logger) *Webhook {
	if envelope == nil {
		panic("envelope monitor cannot be nil")
	}
	return &Webhook{
		base:     newBase(reconcile.ChannelWebhook, engine, locks, m, logger),
		envelope: envelope,
	}
}

// Handle is the gin handler for POST /webhooks/juspay.
func (w *Webhook) Handle(c *gin.Context) {
	payload, err := w.parse(c)
	if err != nil {
		w.logger.Warn("rejected webhook", zap.Error(err))
		c.String(http.StatusInternalServerError, WebhookFailure)
		return
	}

	key := payload.OrderKey()
	log := w.logger.With(logging.OrderKey(key), zap.String(logging.FieldEvent, payload.EventName))
	if _, ok := knownEvents[payload.EventName]; !ok {
		log.Info("unrecognised webhook event")
	}

	ran, err := w.withLock(c.Request.Context(), lock.Key(key), func(ctx context.Context) {
		_, rerr := w.engine.Reconcile(ctx, reconcile.Request{
			Channel:        reconcile.ChannelWebhook,
			OrderKey:       key,
			StatusOverride: payload.StatusOverride(),
		})
		switch {
		case rerr == nil:
		case errors.Is(rerr, order.ErrNotFound):
			log.Info("order not found")
		case gateway.KindOf(rerr) != 0:
			log.Warn("processor lookup failed", zap.Error(rerr))
		default:
			log.Error("reconciliation failed", zap.Error(rerr))
		}
	})
	if err != nil {
		log.Error("lock unavailable", zap.Error(err))
		c.String(http.StatusOK, WebhookIgnored)
		return
	}
	if !ran {
		c.String(http.StatusOK, WebhookIgnored)
		return
	}
	c.String(http.StatusOK, WebhookProcessed)
}

func (w *Webhook) parse(c *gin.Context) (*WebhookPayload, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		w.metrics.EnvelopeRejected()
		return nil, errors.New("empty body")
	}
	ok, problems, err := w.envelope.Validate(body)
	if err != nil || !ok {
		w.metrics.EnvelopeRejected()
		if err != nil {
			return nil, fmt.Errorf("validate envelope: %w", err)
		}
		return nil, fmt.Errorf("invalid envelope: %s", monitor.FormatErrors(problems))
	}
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		w.metrics.EnvelopeRejected()
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}
