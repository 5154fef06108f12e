// Package juspay is the HTTP implementation of gateway.Client for the Juspay
// orders API.
package juspay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/yourorg/payment-reconciler/internal/gateway"
)

const (
	defaultAPIVersion    = "2018-10-25"
	defaultTimeout       = 10 * time.Second
	defaultRetryAttempts = 2
	defaultRetryDelay    = 500 * time.Millisecond
	maxErrorBody         = 4 << 10
)

// Environment is a Juspay deployment.
type Environment struct {
	Name     string
	Title    string
	Endpoint string
}

// Environments are the deployments a merchant can be provisioned on.
var Environments = map[string]Environment{
	"axis":       {Name: "axis", Title: "Axis", Endpoint: "https://axisbank.juspay.in"},
	"staging":    {Name: "staging", Title: "Staging", Endpoint: "https://sandbox.juspay.in"},
	"production": {Name: "production", Title: "Production", Endpoint: "https://api.juspay.in"},
}

// DefaultEnvironment is the sandbox.
const DefaultEnvironment = "staging"

// Config configures a Client.
type Config struct {
	Environment   string
	BaseURL       string // overrides the environment endpoint
	APIKey        string
	MerchantID    string
	APIVersion    string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// Observer receives the duration and outcome of every API operation.
type Observer interface {
	ObserveGatewayRequest(operation, outcome string, d time.Duration)
}

// Client calls the Juspay orders API.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	merchantID    string
	apiVersion    string
	retryAttempts int
	retryDelay    time.Duration
	logger        *zap.Logger
	observer      Observer
}

var _ gateway.Client = (*Client)(nil)

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l.Named("gateway.juspay") }
}

// WithObserver sets the request observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// NewClient creates a Client for cfg.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	base := cfg.BaseURL
	if base == "" {
		name := cfg.Environment
		if name == "" {
			name = DefaultEnvironment
		}
		env, ok := Environments[name]
		if !ok {
			return nil, fmt.Errorf("juspay: unknown environment %q", name)
		}
		base = env.Endpoint
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("juspay: api key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(base, "/"),
		apiKey:        cfg.APIKey,
		merchantID:    cfg.MerchantID,
		apiVersion:    cfg.APIVersion,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
		logger:        zap.NewNop(),
	}
	if c.apiVersion == "" {
		c.apiVersion = defaultAPIVersion
	}
	if c.retryAttempts < 0 {
		c.retryAttempts = defaultRetryAttempts
	}
	if c.retryDelay <= 0 {
		c.retryDelay = defaultRetryDelay
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return "juspay" }

// errorResponse is the error body returned by the API.
type errorResponse struct {
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	UserMessage  string `json:"user_message"`
}

func (c *Client) FetchOrderStatus(ctx context.Context, orderKey string) (*gateway.RemoteOrderState, error) {
	var state gateway.RemoteOrderState
	if err := c.do(ctx, "order_status", http.MethodGet, "/orders/"+url.PathEscape(orderKey), nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

type createOrderResponse struct {
	Status       string               `json:"status"`
	ID           string               `json:"id"`
	OrderID      string               `json:"order_id"`
	PaymentLinks gateway.PaymentLinks `json:"payment_links"`
}

func (c *Client) CreateOrder(ctx context.Context, params gateway.CreateOrderParams) (*gateway.PaymentLinks, error) {
	var resp createOrderResponse
	if err := c.do(ctx, "create_order", http.MethodPost, "/orders", params.Values(), &resp); err != nil {
		return nil, err
	}
	return &resp.PaymentLinks, nil
}

func (c *Client) Refund(ctx context.Context, orderKey string, amount decimal.Decimal, idempotencyKey string) (*gateway.RefundResult, error) {
	form := url.Values{}
	form.Set("amount", amount.StringFixed(2))
	if idempotencyKey != "" {
		form.Set("unique_request_id", idempotencyKey)
	}
	var result gateway.RefundResult
	if err := c.do(ctx, "refund", http.MethodPost, "/orders/"+url.PathEscape(orderKey)+"/refunds", form, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do sends one API call, retrying network failures, 429 and 5xx answers.
func (c *Client) do(ctx context.Context, op, method, path string, form url.Values, out interface{}) (err error) {
	ctx, span := otel.Tracer("reconciler/gateway/juspay").Start(ctx, "juspay."+op)
	span.SetAttributes(attribute.String("http.method", method), attribute.String("juspay.path", path))
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = gateway.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if c.observer != nil {
			c.observer.ObserveGatewayRequest(op, outcome, time.Since(start))
		}
		span.End()
	}()

	var body []byte
	if form != nil {
		body = []byte(form.Encode())
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &gateway.Error{Kind: gateway.KindConnection, Op: op, Err: ctx.Err()}
			case <-time.After(c.retryDelay):
			}
		}

		req, rerr := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if rerr != nil {
			return &gateway.Error{Kind: gateway.KindInvalidRequest, Op: op, Err: rerr}
		}
		req.SetBasicAuth(c.apiKey, "")
		req.Header.Set("version", c.apiVersion)
		req.Header.Set("Accept", "application/json")
		if c.merchantID != "" {
			req.Header.Set("x-merchantid", c.merchantID)
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, derr := c.httpClient.Do(req)
		if derr != nil {
			lastErr = &gateway.Error{Kind: gateway.KindConnection, Op: op, Err: derr}
			c.logger.Warn("juspay request failed", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(derr))
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = &gateway.Error{Kind: gateway.KindConnection, Op: op, Status: resp.StatusCode, Err: readErr}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			lastErr = c.mapError(op, resp.StatusCode, respBody)
			c.logger.Warn("juspay retryable status",
				zap.String("op", op), zap.Int("attempt", attempt+1), zap.Int("status", resp.StatusCode))
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return c.mapError(op, resp.StatusCode, respBody)
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return &gateway.Error{Kind: gateway.KindConnection, Op: op, Status: resp.StatusCode, Message: "malformed response", Err: err}
		}
		return nil
	}
	return lastErr
}

// mapError classifies an HTTP error answer.
func (c *Client) mapError(op string, status int, body []byte) *gateway.Error {
	e := &gateway.Error{Op: op, Status: status}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = gateway.KindAuthentication
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		e.Kind = gateway.KindConnection
	default:
		e.Kind = gateway.KindInvalidRequest
	}
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.ErrorMessage != "" {
		e.Message = er.ErrorMessage
	} else if len(body) > 0 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		e.Message = fmt.Sprintf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	return e
}
