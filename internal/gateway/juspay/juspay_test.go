package juspay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-reconciler/internal/gateway"
)

type recordingObserver struct {
	ops []string
}

func (r *recordingObserver) ObserveGatewayRequest(op, outcome string, _ time.Duration) {
	r.ops = append(r.ops, op+":"+outcome)
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		BaseURL:       srv.URL,
		APIKey:        "key_123",
		MerchantID:    "merchant_1",
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	}, opts...)
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "https://sandbox.juspay.in", c.baseURL)

	c, err = NewClient(Config{APIKey: "k", Environment: "axis"})
	require.NoError(t, err)
	assert.Equal(t, "https://axisbank.juspay.in", c.baseURL)

	_, err = NewClient(Config{APIKey: "k", Environment: "moon"})
	assert.Error(t, err)

	_, err = NewClient(Config{Environment: "production"})
	assert.Error(t, err)
}

func TestFetchOrderStatus(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/orders/wc_order_abc", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key_123", user)
		assert.Empty(t, pass)
		assert.Equal(t, defaultAPIVersion, r.Header.Get("version"))
		assert.Equal(t, "merchant_1", r.Header.Get("x-merchantid"))
		fmt.Fprint(w, `{"order_id":"wc_order_abc","status":"CHARGED","amount":250,"currency":"INR","txn_id":"t1"}`)
	}, WithObserver(obs))

	s, err := c.FetchOrderStatus(context.Background(), "wc_order_abc")
	require.NoError(t, err)
	assert.Equal(t, "CHARGED", s.Status)
	assert.True(t, s.Amount.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, []string{"order_status:success"}, obs.ops)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"order_id":"k","status":"PENDING_VBV"}`)
	})
	s, err := c.FetchOrderStatus(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "PENDING_VBV", s.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.FetchOrderStatus(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, gateway.IsKind(err, gateway.KindConnection))
	assert.Equal(t, int32(3), calls.Load())
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		kind   gateway.Kind
		msg    string
	}{
		{http.StatusUnauthorized, `{"status":"error","error_message":"Invalid API key"}`, gateway.KindAuthentication, "Invalid API key"},
		{http.StatusForbidden, ``, gateway.KindAuthentication, "Invalid api key"},
		{http.StatusBadRequest, `{"error_message":"order_id is missing"}`, gateway.KindInvalidRequest, "order_id is missing"},
		{http.StatusNotFound, `not found`, gateway.KindInvalidRequest, "HTTP 404: not found"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := c.FetchOrderStatus(context.Background(), "k")
			require.Error(t, err)
			assert.True(t, gateway.IsKind(err, tt.kind))
			assert.Contains(t, err.Error(), tt.msg)
			assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := NewClient(Config{BaseURL: url, APIKey: "k", RetryDelay: time.Millisecond})
	require.NoError(t, err)
	_, err = c.FetchOrderStatus(context.Background(), "k")
	assert.True(t, gateway.IsKind(err, gateway.KindConnection))
}

func TestCreateOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "wc_order_abc", r.PostForm.Get("order_id"))
		assert.Equal(t, "10.00", r.PostForm.Get("amount"))
		fmt.Fprint(w, `{"status":"CREATED","id":"ord_1","order_id":"wc_order_abc","payment_links":{"web":"https://sandbox.juspay.in/merchant/pay/ord_1","mobile":"https://sandbox.juspay.in/merchant/pay/ord_1?mobile=true"}}`)
	})
	links, err := c.CreateOrder(context.Background(), gateway.CreateOrderParams{OrderID: "wc_order_abc", Amount: decimal.NewFromInt(10), Currency: "INR"})
	require.NoError(t, err)
	assert.Equal(t, "https://sandbox.juspay.in/merchant/pay/ord_1", links.Web)
}

func TestRefund(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/wc_order_abc/refunds", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "5.50", r.PostForm.Get("amount"))
		assert.Equal(t, "refund-9", r.PostForm.Get("unique_request_id"))
		fmt.Fprint(w, `{"order_id":"wc_order_abc","status":"CHARGED","refunds":[{"id":"r1","ref":"1","status":"PENDING","amount":5.5,"unique_request_id":"refund-9"}]}`)
	})
	res, err := c.Refund(context.Background(), "wc_order_abc", decimal.RequireFromString("5.5"), "refund-9")
	require.NoError(t, err)
	require.Len(t, res.Refunds, 1)
	assert.Equal(t, gateway.RefundPending, res.Refunds[0].Status)
}

func TestContextCancelStopsRetry(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c.retryDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.FetchOrderStatus(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
