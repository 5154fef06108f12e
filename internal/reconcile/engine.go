// Package reconcile applies the processor's authoritative order state to the
// local order through a guarded status state machine. Channels build a
// Request from their own input and hand it to Engine.Reconcile; the engine
// is the only place order status changes.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/yourorg/payment-reconciler/internal/events"
	"github.com/yourorg/payment-reconciler/internal/gateway"
	"github.com/yourorg/payment-reconciler/internal/logging"
	"github.com/yourorg/payment-reconciler/internal/order"
	"github.com/yourorg/payment-reconciler/internal/policy"
	"github.com/yourorg/payment-reconciler/internal/status"
)

// Channel names the notification path; it appears in order notes.
type Channel string

const (
	ChannelWebhook Channel = "Webhook"
	ChannelReturn  Channel = "Return"
	ChannelManual  Channel = "Manual"
	ChannelCLI     Channel = "CLI"
)

// Request asks the engine to reconcile one order.
type Request struct {
	Channel Channel
	// OrderKey identifies the order; when empty OrderID is used.
	OrderKey string
	OrderID  int64
	// StatusOverride replaces the canonical status derived from the
	// processor, e.g. "refunded" for refund webhooks.
	StatusOverride string
	// Admin marks requests made from the back office; they never empty the
	// shopper's cart.
	Admin bool
}

// Outcome summarises what a reconciliation did.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeNoop          Outcome = "noop"
	OutcomeUnknownStatus Outcome = "unknown_status"
	OutcomeMismatch      Outcome = "mismatch"
	OutcomeBlocked       Outcome = "blocked"
	OutcomeGatewayError  Outcome = "gateway_error"
	OutcomeNotFound      Outcome = "not_found"
	OutcomeError         Outcome = "error"
)

// Result describes one reconciliation.
type Result struct {
	Order      *order.Order
	Remote     *gateway.RemoteOrderState
	Canonical  string
	Transition status.Transition
	Outcome    Outcome
	// Applied is true when the order changed and was saved.
	Applied bool
	// EmptyCart tells storefront channels to clear the shopper's cart.
	EmptyCart bool
	Mismatch  *ValidationMismatchError
	// BlockedBy names the guard that refused a status change.
	BlockedBy string
	from      order.Status
}

// ValidationMismatchError reports a processor amount or currency that does
// not match the local order.
type ValidationMismatchError struct {
	Field    string // "amount" or "currency"
	Expected string
	Got      string
}

func (e *ValidationMismatchError) Error() string {
	if e.Field == "currency" {
		return fmt.Sprintf("Juspay currencies do not match (code %s)", e.Got)
	}
	return fmt.Sprintf("Juspay amounts do not match (amount %s)", e.Got)
}

// Metrics receives one observation per reconciliation.
type Metrics interface {
	ObserveReconciliation(channel, transition, outcome string)
}

// Engine reconciles orders against the payment processor.
type Engine struct {
	gateway   gateway.Client
	orders    order.Store
	policy    *policy.TransitionPolicy
	publisher events.Publisher
	metrics   Metrics
	logger    *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the transition guard rules.
func WithPolicy(p *policy.TransitionPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithPublisher sets the outcome event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l.Named("reconcile") }
}

// NewEngine creates an Engine. The gateway client and order store are
// required.
func NewEngine(gw gateway.Client, orders order.Store, opts ...Option) *Engine {
	if gw == nil {
		panic("gateway client cannot be nil")
	}
	if orders == nil {
		panic("order store cannot be nil")
	}
	e := &Engine{
		gateway:   gw,
		orders:    orders,
		publisher: events.Noop{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy == nil {
		p, err := policy.NewTransitionPolicy(policy.DefaultRules)
		if err != nil {
			panic(fmt.Sprintf("default transition rules do not compile: %v", err))
		}
		e.policy = p
	}
	return e
}

// Orders returns the engine's order store.
func (e *Engine) Orders() order.Store { return e.orders }

// Reconcile loads the order, fetches its processor state, dispatches the
// canonical status to its handler and saves the order if it changed.
// Gateway failures return a *gateway.Error and leave the order untouched.
func (e *Engine) Reconcile(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := otel.Tracer("reconciler/reconcile").Start(ctx, "Engine.Reconcile")
	span.SetAttributes(
		attribute.String("reconcile.channel", string(req.Channel)),
		attribute.String("order.key", req.OrderKey),
		attribute.Int64("order.id", req.OrderID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if res != nil {
			span.SetAttributes(
				attribute.String("reconcile.canonical", res.Canonical),
				attribute.String("reconcile.outcome", string(res.Outcome)),
			)
			e.observe(ctx, req, res)
		}
		span.End()
	}()

	log := e.logger.With(logging.Channel(string(req.Channel)))

	o, err := e.load(ctx, req)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			log.Warn("order not found", logging.OrderKey(req.OrderKey), logging.OrderID(req.OrderID))
			return &Result{Outcome: OutcomeNotFound}, err
		}
		return &Result{Outcome: OutcomeError}, err
	}
	log = log.With(logging.OrderKey(o.Key), logging.OrderID(o.ID))
	log.Debug("found order", zap.String(logging.FieldStatus, string(o.Status)))

	remote, err := e.gateway.FetchOrderStatus(ctx, o.Key)
	if err != nil {
		log.Error("failed to fetch processor order", zap.Error(err))
		return &Result{Order: o, Outcome: OutcomeGatewayError, from: o.Status}, fmt.Errorf("fetch order status: %w", err)
	}

	canonical := status.Normalize(remote.Status)
	if req.StatusOverride != "" {
		canonical = req.StatusOverride
	}
	log.Info("processor status", zap.String(logging.FieldStatus, remote.Status), zap.String("canonical", canonical))

	res, err = e.Dispatch(canonical, o, remote, req)
	if err != nil {
		return res, err
	}

	if o.Dirty() {
		if err := e.orders.Save(ctx, o); err != nil {
			res.Outcome = OutcomeError
			return res, fmt.Errorf("save order %d: %w", o.ID, err)
		}
		res.Applied = true
	}
	return res, nil
}

func (e *Engine) load(ctx context.Context, req Request) (*order.Order, error) {
	if req.OrderKey != "" {
		return e.orders.GetByKey(ctx, req.OrderKey)
	}
	if req.OrderID > 0 {
		return e.orders.GetByID(ctx, req.OrderID)
	}
	return nil, fmt.Errorf("request carries no order key or id: %w", order.ErrNotFound)
}

// Dispatch applies the handler registered for canonical to o in memory.
// Unknown statuses are a logged no-op.
func (e *Engine) Dispatch(canonical string, o *order.Order, remote *gateway.RemoteOrderState, req Request) (*Result, error) {
	res := &Result{Order: o, Remote: remote, Canonical: canonical, Outcome: OutcomeNoop, from: o.Status}
	t, ok := status.Lookup(canonical)
	if !ok {
		e.logger.Info("no handler for processor status",
			logging.OrderKey(o.Key), zap.String("canonical", canonical))
		res.Outcome = OutcomeUnknownStatus
		return res, nil
	}
	res.Transition = t

	h := handler{engine: e, order: o, remote: remote, req: req, res: res}
	var err error
	switch t {
	case status.Completed:
		err = h.completed()
	case status.Pending:
		err = h.pending()
	case status.Failed:
		err = h.failed()
	case status.Refunded:
		err = h.refunded()
	case status.RefundFailed:
		h.refundFailed()
	}
	if err != nil {
		res.Outcome = OutcomeError
		return res, err
	}
	if res.Outcome == OutcomeNoop && o.Dirty() {
		res.Outcome = OutcomeApplied
	}
	return res, nil
}

// guard reports whether o may move to target. Terminal orders only move to
// refunded; configured policy rules may refuse more.
func (e *Engine) guard(o *order.Order, target order.Status, ch Channel) (bool, string, error) {
	if o.Status.IsTerminal() && target != order.StatusRefunded {
		return false, "terminal_status", nil
	}
	d, err := e.policy.Evaluate(policy.Transition{
		CurrentStatus:   string(o.Status),
		TargetStatus:    string(target),
		CurrentTerminal: o.Status.IsTerminal(),
		CurrentPaid:     o.Status.IsPaid(),
		Channel:         string(ch),
	})
	if err != nil {
		return false, "", fmt.Errorf("evaluate transition policy: %w", err)
	}
	return d.Allowed, d.DeniedBy, nil
}

func (e *Engine) observe(ctx context.Context, req Request, res *Result) {
	if e.metrics != nil {
		e.metrics.ObserveReconciliation(string(req.Channel), res.Transition.String(), string(res.Outcome))
	}
	if res.Order == nil {
		return
	}
	ev := events.NewEvent()
	ev.OrderID = res.Order.ID
	ev.OrderKey = res.Order.Key
	ev.Channel = string(req.Channel)
	ev.Canonical = res.Canonical
	ev.Transition = res.Transition.String()
	ev.Outcome = string(res.Outcome)
	ev.FromStatus = string(res.from)
	ev.ToStatus = string(res.Order.Status)
	switch {
	case res.Mismatch != nil:
		ev.Detail = res.Mismatch.Error()
	case res.BlockedBy != "":
		ev.Detail = "blocked by " + res.BlockedBy
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish reconciliation event",
			logging.OrderKey(ev.OrderKey), zap.String(logging.FieldEvent, ev.ID), zap.Error(err))
	}
}
