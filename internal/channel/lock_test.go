package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourorg/payment-reconciler/internal/gateway"
	gwmock "github.com/yourorg/payment-reconciler/internal/gateway/mock"
	"github.com/yourorg/payment-reconciler/internal/lock"
	"github.com/yourorg/payment-reconciler/internal/monitor"
	"github.com/yourorg/payment-reconciler/internal/order"
	"github.com/yourorg/payment-reconciler/internal/reconcile"
)

type mockLocks struct {
	mock.Mock
}

func (m *mockLocks) TryLock(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockLocks) IsLocked(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockLocks) Unlock(ctx context.Context, key, holder string) error {
	return m.Called(ctx, key, holder).Error(0)
}

var _ lock.Manager = (*mockLocks)(nil)

func mockedRouter(t *testing.T, locks lock.Manager, gw gateway.Client) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := order.NewMemoryStore()
	store.Add(&order.Order{ID: orderID, Key: orderKey, Status: order.StatusPending})
	engine := reconcile.NewEngine(gw, store)
	webhookEnvelope, err := monitor.NewContractMonitor(monitor.WebhookSchema)
	require.NoError(t, err)
	returnEnvelope, err := monitor.NewContractMonitor(monitor.ReturnSchema)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)

	r := gin.New()
	r.POST("/webhooks/juspay", NewWebhook(engine, locks, webhookEnvelope, nil, logger).Handle)
	r.GET("/return/juspay", NewReturn(engine, locks, returnEnvelope, ReturnConfig{ResponseKey: responseKey, Storefront: storefront}, nil, logger).Handle)
	r.GET("/admin/orders/juspay/status", NewManual(engine, locks, storefront, nil, logger).Handle)
	return r
}

func postWebhook(r *gin.Engine) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/juspay", strings.NewReader(webhookBody(EventOrderSucceeded, orderKey)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func lockFailures(key string) map[string]func(m *mockLocks) {
	return map[string]func(m *mockLocks){
		"is locked fails": func(m *mockLocks) {
			m.On("IsLocked", mock.Anything, key).Return(false, errors.New("scylla down"))
		},
		"try lock fails": func(m *mockLocks) {
			m.On("IsLocked", mock.Anything, key).Return(false, nil)
			m.On("TryLock", mock.Anything, key).Return("", false, errors.New("timeout"))
		},
	}
}

func TestWithLock_BackendErrors(t *testing.T) {
	for name, setup := range lockFailures(lock.Key(orderKey)) {
		t.Run(name, func(t *testing.T) {
			locks := new(mockLocks)
			setup(locks)
			gw := gwmock.NewClient()

			w := postWebhook(mockedRouter(t, locks, gw))
			assert.Equal(t, http.StatusOK, w.Code, "a valid envelope is never answered with 500")
			assert.Equal(t, WebhookIgnored, w.Body.String())
			assert.Equal(t, 0, gw.Calls("FetchOrderStatus"))
			locks.AssertNotCalled(t, "Unlock", mock.Anything, mock.Anything, mock.Anything)
			locks.AssertExpectations(t)
		})
	}
}

func TestWithLock_BackendErrorsOnReturn(t *testing.T) {
	q := signedQuery(map[string]string{"order_id": orderKey})
	for name, setup := range lockFailures(lock.Key(orderKey)) {
		t.Run(name, func(t *testing.T) {
			locks := new(mockLocks)
			setup(locks)
			gw := gwmock.NewClient()

			w := httptest.NewRecorder()
			mockedRouter(t, locks, gw).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/return/juspay?"+q, nil))
			assert.Equal(t, http.StatusFound, w.Code)
			assert.Equal(t, storefront.CartURL, w.Header().Get("Location"))
			notice, ok := cookie(w, NoticeCookie)
			require.True(t, ok)
			assert.Equal(t, NoticeGenericError, notice)
			assert.Equal(t, 0, gw.Calls("FetchOrderStatus"))
			locks.AssertExpectations(t)
		})
	}
}

func TestWithLock_BackendErrorsOnManual(t *testing.T) {
	for name, setup := range lockFailures(lock.Key(orderID)) {
		t.Run(name, func(t *testing.T) {
			locks := new(mockLocks)
			setup(locks)
			gw := gwmock.NewClient()

			w := httptest.NewRecorder()
			mockedRouter(t, locks, gw).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/orders/juspay/status?post=7", nil))
			q := manualLocation(t, w)
			assert.Contains(t, q.Get("error"), lock.Key(orderID))
			assert.Empty(t, q.Get("message"))
			assert.Equal(t, 0, gw.Calls("FetchOrderStatus"))
			locks.AssertExpectations(t)
		})
	}
}

func TestWithLock_ReleasesAfterGatewayFailure(t *testing.T) {
	key := lock.Key(orderKey)
	locks := new(mockLocks)
	locks.On("IsLocked", mock.Anything, key).Return(false, nil)
	locks.On("TryLock", mock.Anything, key).Return("holder-1", true, nil)
	locks.On("Unlock", mock.Anything, key, "holder-1").Return(nil).Once()

	gw := gwmock.NewClient()
	gw.FetchOrderStatusFunc = func(context.Context, string) (*gateway.RemoteOrderState, error) {
		return nil, &gateway.Error{Kind: gateway.KindConnection, Op: "order_status"}
	}

	w := postWebhook(mockedRouter(t, locks, gw))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, WebhookProcessed, w.Body.String())
	locks.AssertExpectations(t)
}

func TestWithLock_LostRace(t *testing.T) {
	key := lock.Key(orderKey)
	locks := new(mockLocks)
	locks.On("IsLocked", mock.Anything, key).Return(false, nil)
	locks.On("TryLock", mock.Anything, key).Return("", false, nil)
	gw := gwmock.NewClient()

	w := postWebhook(mockedRouter(t, locks, gw))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, WebhookIgnored, w.Body.String())
	assert.Equal(t, 0, gw.Calls("FetchOrderStatus"))
	locks.AssertNotCalled(t, "Unlock", mock.Anything, mock.Anything, mock.Anything)
}
