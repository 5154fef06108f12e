package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yourorg/payment-reconciler/internal/events"
	"github.com/yourorg/payment-reconciler/internal/gateway"
	"github.com/yourorg/payment-reconciler/internal/gateway/mock"
	"github.com/yourorg/payment-reconciler/internal/metrics"
	"github.com/yourorg/payment-reconciler/internal/order"
	"github.com/yourorg/payment-reconciler/internal/policy"
)

const testKey = "wc_order_k1"

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	engine    *Engine
	store     *order.MemoryStore
	gw        *mock.Client
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	logs      *observer.ObservedLogs
}

func newFixture(t *testing.T, o *order.Order, remote *gateway.RemoteOrderState, opts ...Option) *fixture {
	t.Helper()
	store := order.NewMemoryStore()
	if o != nil {
		store.Add(o)
	}
	gw := mock.NewClient()
	if remote != nil {
		gw.SetState(testKey, remote)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	pub := &recordingPublisher{}
	m := metrics.New(prometheus.NewRegistry())
	all := append([]Option{WithPublisher(pub), WithMetrics(m), WithLogger(zap.New(core))}, opts...)
	return &fixture{
		engine:    NewEngine(gw, store, all...),
		store:     store,
		gw:        gw,
		publisher: pub,
		metrics:   m,
		logs:      logs,
	}
}

func (f *fixture) reload(t *testing.T) *order.Order {
	t.Helper()
	o, err := f.store.GetByKey(context.Background(), testKey)
	require.NoError(t, err)
	return o
}

func pendingOrder() *order.Order {
	return &order.Order{
		ID:              1,
		Key:             testKey,
		Total:           decimal.RequireFromString("100.00"),
		Currency:        "INR",
		Status:          order.StatusPending,
		NeedsProcessing: true,
	}
}

func charged() *gateway.RemoteOrderState {
	return &gateway.RemoteOrderState{
		OrderID:         testKey,
		Status:          "CHARGED",
		Amount:          decimal.RequireFromString("100"),
		Currency:        "INR",
		PaymentMethod:   "VISA",
		TxnID:           "txn_1",
		GatewayResponse: &gateway.GatewayResponse{EPGTxnID: "epg_1"},
	}
}

func noteTexts(o *order.Order) []string {
	var out []string
	for _, n := range o.Notes {
		out = append(out, n.Text)
	}
	return out
}

func TestNewEngine_PanicsOnNilDependencies(t *testing.T) {
	assert.Panics(t, func() { NewEngine(nil, order.NewMemoryStore()) })
	assert.Panics(t, func() { NewEngine(mock.NewClient(), nil) })
}

func TestReconcile_Completed(t *testing.T) {
	f := newFixture(t, pendingOrder(), charged())
	res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: testKey})
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.True(t, res.Applied)
	assert.True(t, res.EmptyCart)
	assert.Equal(t, "charged", res.Canonical)

	o := f.reload(t)
	assert.Equal(t, order.StatusProcessing, o.Status)
	assert.Equal(t, "txn_1", o.TransactionID)
	assert.Equal(t, []string{
		"Payment Completed via Webhook.",
		"Juspay payment method: VISA.",
		"epgTxnId: epg_1.",
	}, noteTexts(o))
	assert.Equal(t, int64(1), f.store.Saves())

	require.Len(t, f.publisher.events, 1)
	ev := f.publisher.events[0]
	assert.Equal(t, "pending", ev.FromStatus)
	assert.Equal(t, "processing", ev.ToStatus)
	assert.Equal(t, "applied", ev.Outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reconciliations.WithLabelValues("Webhook", "completed", "applied")))
}

func TestReconcile_CompletedVirtualOrderAndAdmin(t *testing.T) {
	o := pendingOrder()
	o.NeedsProcessing = false
	remote := charged()
	remote.GatewayResponse = nil
	f := newFixture(t, o, remote)

	res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelManual, OrderID: 1, Admin: true})
	require.NoError(t, err)
	assert.False(t, res.EmptyCart, "admin requests never empty the cart")

	got := f.reload(t)
	assert.Equal(t, order.StatusCompleted, got.Status)
	assert.Equal(t, []string{"Payment Completed via Manual.", "Juspay payment method: VISA."}, noteTexts(got))
}

func TestReconcile_CompletedIsIdempotentOnPaidOrders(t *testing.T) {
	for _, st := range order.PaidStatuses() {
		t.Run(string(st), func(t *testing.T) {
			o := pendingOrder()
			o.Status = st
			f := newFixture(t, o, charged())

			res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelReturn, OrderKey: testKey})
			require.NoError(t, err)
			assert.Equal(t, OutcomeNoop, res.Outcome)
			assert.False(t, res.Applied)
			assert.Equal(t, int64(0), f.store.Saves())
			assert.Empty(t, f.reload(t).Notes)
		})
	}
}

func TestReconcile_AmountRounding(t *testing.T) {
	o := pendingOrder()
	o.Total = decimal.RequireFromString("99.999")
	f := newFixture(t, o, charged())
	res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: testKey})
	require.NoError(t, err)
	assert.Nil(t, res.Mismatch, "amounts are compared at two decimal places")
}

func TestReconcile_Mismatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*gateway.RemoteOrderState)
		field  string
		note   string
	}{
		{
			name:   "amount",
			mutate: func(r *gateway.RemoteOrderState) { r.Amount = decimal.RequireFromString("90.5") },
			field:  "amount",
			note:   "Validation error: Juspay amounts do not match (amount 90.5).",
		},
		{
			name:   "currency",
			mutate: func(r *gateway.RemoteOrderState) { r.Currency = "USD" },
			field:  "currency",
			note:   "Validation error: Juspay currencies do not match (code USD).",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := charged()
			tt.mutate(remote)
			f := newFixture(t, pendingOrder(), remote)

			res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: testKey})
			require.NoError(t, err)
			require.NotNil(t, res.Mismatch)
			assert.Equal(t, tt.field, res.Mismatch.Field)
			assert.Equal(t, OutcomeMismatch, res.Outcome)
			assert.False(t, res.EmptyCart)

			o := f.reload(t)
			assert.Equal(t, order.StatusOnHold, o.Status, "a mismatch never completes the order")
			assert.Equal(t, []string{tt.note}, noteTexts(o))
			assert.Empty(t, o.TransactionID)
		})
	}
}

func TestReconcile_Pending(t *testing.T) {
	remote := charged()
	remote.Status = "PENDING_VBV"
	f := newFixture(t, pendingOrder(), remote)

	res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelReturn, OrderKey: testKey})
	require.NoError(t, err)
	assert.True(t, res.EmptyCart)
	o := f.reload(t)
	assert.Equal(t, order.StatusOnHold, o.Status)
	assert.Equal(t, []string{"Payment Pending Vbv via Return."}, noteTexts(o))

	res, err = f.engine.Reconcile(context.Background(), Request{Channel: ChannelReturn, OrderKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome, "repeating the notification changes nothing")
	assert.Len(t, f.reload(t).Notes, 1)
}

func TestReconcile_PendingOnPaidOrder(t *testing.T) {
	o := pendingOrder()
	o.Status = order.StatusProcessing
	remote := charged()
	remote.Status = "NEW"
	f := newFixture(t, o, remote)

	res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Equal(t, order.StatusProcessing, f.reload(t).Status)
}

func TestReconcile_Failed(t *testing.T) {
	remote := charged()
	remote.Status = "AUTHENTICATION_FAILED"
	remote.BankErrorMessage = "Card declined"
	f := newFixture(t, pendingOrder(), remote)

	_, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: testKey})
	require.NoError(t, err)
	o := f.reload(t)
	assert.Equal(t, order.StatusFailed, o.Status)
	assert.Equal(t, []string{"Payment Authentication Failed via Webhook.", "Payment Error: Card declined."}, noteTexts(o))
}

func TestReconcile_FailedOrderRecordsNewBankReason(t *testing.T) {
	o := pendingOrder()
	o.Status = order.StatusFailed
	o.AddNote("Payment Error: Card declined.")
	remote := charged()
	remote.Status = "AUTHORIZATION_FAILED"
	remote.BankErrorMessage = "Insufficient funds"
	f := newFixture(t, o, remote)

	res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	got := f.reload(t)
	assert.Equal(t, order.StatusFailed, got.Status)
	assert.Equal(t, []string{"Payment Error: Card declined.", "Payment Error: Insufficient funds."}, noteTexts(got))
	assert.Equal(t, int64(1), f.store.Saves())

	// Redelivery of the same reason adds nothing.
	res, err = f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Len(t, f.reload(t).Notes, 2)
	assert.Equal(t, int64(1), f.store.Saves())
}

func TestReconcile_TerminalOrdersNeverRegress(t *testing.T) {
	for _, raw := range []string{"AUTHORIZATION_FAILED", "PENDING"} {
		t.Run(raw, func(t *testing.T) {
			o := pendingOrder()
			o.Status = order.StatusRefunded
			remote := charged()
			remote.Status = raw
			f := newFixture(t, o, remote)

			res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: testKey})
			require.NoError(t, err)
			assert.Equal(t, OutcomeBlocked, res.Outcome)
			assert.Equal(t, "terminal_status", res.BlockedBy)
			assert.Equal(t, order.StatusRefunded, f.reload(t).Status)
			assert.Equal(t, int64(0), f.store.Saves())
		})
	}

	t.Run("charged on refunded order", func(t *testing.T) {
		o := pendingOrder()
		o.Status = order.StatusRefunded
		f := newFixture(t, o, charged())
		res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: testKey})
		require.NoError(t, err)
		assert.Equal(t, OutcomeBlocked, res.Outcome)
		assert.Equal(t, order.StatusRefunded, f.reload(t).Status)
	})
}

func TestReconcile_FullRefund(t *testing.T) {
	o := pendingOrder()
	o.Status = order.StatusCompleted
	remote := charged()
	remote.Refunded = true
	f := newFixture(t, o, remote)

	res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: testKey, StatusOverride: "refunded"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	got := f.reload(t)
	assert.Equal(t, order.StatusRefunded, got.Status)
	assert.Equal(t, []string{"FULL Refund processed via Webhook."}, noteTexts(got))
}

func TestReconcile_PartialRefund(t *testing.T) {
	o := pendingOrder()
	o.Status = order.StatusCompleted
	remote := charged()
	remote.Refunds = []gateway.RefundRecord{
		{ID: "r1", Ref: "5", Status: gateway.RefundSuccess, Amount: decimal.NewFromInt(10)},
		{ID: "r2", Ref: "12", Status: gateway.RefundSuccess, Amount: decimal.RequireFromString("20.5")},
		{ID: "r3", Ref: "40", Status: gateway.RefundFailure, Amount: decimal.NewFromInt(5), ErrorMessage: "Insufficient balance"},
	}
	f := newFixture(t, o, remote)
	req := Request{Channel: ChannelWebhook, OrderKey: testKey, StatusOverride: "refunded"}

	_, err := f.engine.Reconcile(context.Background(), req)
	require.NoError(t, err)
	got := f.reload(t)
	assert.Equal(t, order.StatusCompleted, got.Status, "partial refunds keep the status")
	assert.Equal(t, []string{"Refund Successful via Webhook. Amount: 20.5, Id: r2."}, noteTexts(got))

	_, err = f.engine.Reconcile(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, f.reload(t).Notes, 1, "redelivery does not duplicate the note")

	_, err = f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: testKey, StatusOverride: "refund_failed"})
	require.NoError(t, err)
	got = f.reload(t)
	assert.Equal(t, order.StatusCompleted, got.Status)
	assert.Contains(t, noteTexts(got), "Refund failed via Webhook. Amount: 5, Reason: Insufficient balance, Id: r3.")
}

func TestReconcile_UnknownStatus(t *testing.T) {
	remote := charged()
	remote.Status = "AUTO_REFUNDED"
	f := newFixture(t, pendingOrder(), remote)

	res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownStatus, res.Outcome)
	assert.Equal(t, int64(0), f.store.Saves())
	assert.Equal(t, 1, f.logs.FilterMessage("no handler for processor status").Len())
}

func TestReconcile_GatewayError(t *testing.T) {
	f := newFixture(t, pendingOrder(), nil)
	f.gw.FetchOrderStatusFunc = func(context.Context, string) (*gateway.RemoteOrderState, error) {
		return nil, &gateway.Error{Kind: gateway.KindAuthentication, Op: "order_status"}
	}

	res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelReturn, OrderKey: testKey})
	require.Error(t, err)
	assert.True(t, gateway.IsKind(err, gateway.KindAuthentication))
	assert.Equal(t, OutcomeGatewayError, res.Outcome)
	assert.Equal(t, order.StatusPending, f.reload(t).Status)
	assert.Equal(t, int64(0), f.store.Saves())
}

func TestReconcile_OrderNotFound(t *testing.T) {
	f := newFixture(t, nil, nil)
	res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: "nope"})
	assert.True(t, errors.Is(err, order.ErrNotFound))
	assert.Equal(t, OutcomeNotFound, res.Outcome)
	assert.Equal(t, 0, f.gw.Calls("FetchOrderStatus"))
	assert.Empty(t, f.publisher.events)

	_, err = f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook})
	assert.True(t, errors.Is(err, order.ErrNotFound))
}

func TestReconcile_CustomPolicy(t *testing.T) {
	p, err := policy.NewTransitionPolicy(append(policy.DefaultRules, policy.RuleConfig{
		Name:       "manual_never_fails",
		Expression: "channel == 'Manual' && target_status == 'failed'",
	}))
	require.NoError(t, err)
	remote := charged()
	remote.Status = "JUSPAY_DECLINED"
	f := newFixture(t, pendingOrder(), remote, WithPolicy(p))

	res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelManual, OrderID: 1, Admin: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, "manual_never_fails", res.BlockedBy)
	assert.Equal(t, order.StatusPending, f.reload(t).Status)
}

func TestReconcile_PublishFailureIsLogged(t *testing.T) {
	f := newFixture(t, pendingOrder(), charged())
	f.publisher.err = errors.New("nats: no servers available")

	res, err := f.engine.Reconcile(context.Background(), Request{Channel: ChannelWebhook, OrderKey: testKey})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, f.logs.FilterMessage("failed to publish reconciliation event").Len())
}

func TestDispatch_DoesNotPersist(t *testing.T) {
	f := newFixture(t, pendingOrder(), nil)
	o := pendingOrder()
	res, err := f.engine.Dispatch("charged", o, charged(), Request{Channel: ChannelCLI})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, order.StatusProcessing, o.Status)
	assert.Equal(t, int64(0), f.store.Saves())
}

func TestValidationMismatchError(t *testing.T) {
	assert.Equal(t, "Juspay amounts do not match (amount 1.5)", (&ValidationMismatchError{Field: "amount", Got: "1.5"}).Error())
	assert.Equal(t, "Juspay currencies do not match (code USD)", (&ValidationMismatchError{Field: "currency", Got: "USD"}).Error())
}
