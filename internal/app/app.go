// Package app builds the reconciler's object graph from one config.Config
// and exposes it as an HTTP router.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yourorg/payment-reconciler/internal/channel"
	"github.com/yourorg/payment-reconciler/internal/config"
	"github.com/yourorg/payment-reconciler/internal/events"
	"github.com/yourorg/payment-reconciler/internal/gateway"
	"github.com/yourorg/payment-reconciler/internal/gateway/circuitbreaker"
	"github.com/yourorg/payment-reconciler/internal/gateway/juspay"
	"github.com/yourorg/payment-reconciler/internal/gateway/mock"
	"github.com/yourorg/payment-reconciler/internal/lock"
	"github.com/yourorg/payment-reconciler/internal/lock/scylla"
	"github.com/yourorg/payment-reconciler/internal/metrics"
	"github.com/yourorg/payment-reconciler/internal/monitor"
	"github.com/yourorg/payment-reconciler/internal/order"
	"github.com/yourorg/payment-reconciler/internal/order/postgres"
	"github.com/yourorg/payment-reconciler/internal/payment"
	"github.com/yourorg/payment-reconciler/internal/policy"
	"github.com/yourorg/payment-reconciler/internal/reconcile"
	"github.com/yourorg/payment-reconciler/internal/reporting"
)

// App holds the wired components.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Orders   order.Store
	Gateway  gateway.Client
	Locks    lock.Manager
	Engine   *reconcile.Engine
	Payments *payment.Service
	Journal  *reporting.Journal

	Webhook *channel.Webhook
	Return  *channel.Return
	Manual  *channel.Manual

	memoryLocks *lock.Memory
	closers     []func() error
}

// Option overrides a component, mostly for tests.
type Option func(*App)

// WithOrderStore uses s instead of the configured store backend.
func WithOrderStore(s order.Store) Option {
	return func(a *App) { a.Orders = s }
}

// WithGatewayClient uses gw instead of the configured gateway backend. The
// circuit breaker is still applied.
func WithGatewayClient(gw gateway.Client) Option {
	return func(a *App) { a.Gateway = gw }
}

// WithLockManager uses m instead of the configured lock backend.
func WithLockManager(m lock.Manager) Option {
	return func(a *App) { a.Locks = m }
}

// New wires every component described by cfg. Close releases what New
// opened.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	for _, opt := range opts {
		opt(a)
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	if err := a.buildStore(ctx); err != nil {
		return err
	}
	if err := a.buildGateway(); err != nil {
		return err
	}
	if err := a.buildLocks(ctx); err != nil {
		return err
	}
	publisher, err := a.buildPublisher()
	if err != nil {
		return err
	}

	rules, err := policy.NewTransitionPolicy(cfg.Policy.Rules)
	if err != nil {
		return fmt.Errorf("failed to compile policy rules: %w", err)
	}
	a.Engine = reconcile.NewEngine(a.Gateway, a.Orders,
		reconcile.WithPolicy(rules),
		reconcile.WithPublisher(publisher),
		reconcile.WithMetrics(a.Metrics),
		reconcile.WithLogger(a.Logger),
	)

	storefront := channel.Storefront{
		OrderReceivedURL: cfg.Storefront.OrderReceivedURL,
		CartURL:          cfg.Storefront.CartURL,
		ShopURL:          cfg.Storefront.ShopURL,
		AdminOrderURL:    cfg.Storefront.AdminOrderURL,
	}
	webhookEnvelope, err := monitor.NewContractMonitor(monitor.WebhookSchema)
	if err != nil {
		return err
	}
	returnEnvelope, err := monitor.NewContractMonitor(monitor.ReturnSchema)
	if err != nil {
		return err
	}
	a.Webhook = channel.NewWebhook(a.Engine, a.Locks, webhookEnvelope, a.Metrics, a.Logger)
	a.Return = channel.NewReturn(a.Engine, a.Locks, returnEnvelope, channel.ReturnConfig{
		ResponseKey: cfg.Gateway.ResponseKey,
		Storefront:  storefront,
	}, a.Metrics, a.Logger)
	a.Manual = channel.NewManual(a.Engine, a.Locks, storefront, a.Metrics, a.Logger)

	a.Payments = payment.NewService(a.Gateway, a.Orders, payment.Config{
		ReturnEnabled:  cfg.Channels.ReturnEnabled,
		ReturnURL:      cfg.Storefront.ReturnURL,
		SendCustomerID: cfg.Gateway.SendCustomerID,
		Available:      cfg.Gateway.Available(),
		Storefront:     storefront,
	}, a.Logger)
	return nil
}

func (a *App) buildStore(ctx context.Context) error {
	if a.Orders != nil {
		return nil
	}
	switch a.Config.Store.Backend {
	case "postgres":
		s, err := postgres.Open(ctx, a.Config.Store.DSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s.Close)
		if a.Config.Store.Migrate {
			if err := s.Migrate(ctx); err != nil {
				return err
			}
		}
		a.Orders = s
	default:
		a.Orders = order.NewMemoryStore()
	}
	return nil
}

func (a *App) buildGateway() error {
	cfg := a.Config.Gateway
	if a.Gateway == nil {
		switch cfg.Backend {
		case "mock":
			a.Gateway = mock.NewClient()
		default:
			if !cfg.Available() {
				// Channels stay unmounted; the client only backs admin calls
				// that report the missing configuration.
				a.Gateway = unavailable{}
				break
			}
			c, err := juspay.NewClient(juspay.Config{
				Environment:   cfg.Environment,
				BaseURL:       cfg.BaseURL,
				APIKey:        cfg.APIKey,
				MerchantID:    cfg.MerchantID,
				APIVersion:    cfg.APIVersion,
				Timeout:       cfg.Timeout,
				RetryAttempts: cfg.RetryAttempts,
				RetryDelay:    cfg.RetryDelay,
			}, juspay.WithLogger(a.Logger), juspay.WithObserver(a.Metrics))
			if err != nil {
				return err
			}
			a.Gateway = c
		}
	}
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerTimeout,
	})
	a.Gateway = circuitbreaker.Wrap(a.Gateway, cb)
	return nil
}

func (a *App) buildLocks(ctx context.Context) error {
	if a.Locks != nil {
		return nil
	}
	cfg := a.Config.Lock
	switch cfg.Backend {
	case "scylla":
		m, err := scylla.Connect(ctx, scylla.Config{
			Hosts:       cfg.Scylla.Hosts,
			Keyspace:    cfg.Scylla.Keyspace,
			Table:       cfg.Scylla.Table,
			Consistency: cfg.Scylla.Consistency,
			TTL:         cfg.TTL,
			Timeout:     cfg.Scylla.Timeout,
		}, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { m.Close(); return nil })
		a.Locks = m
	default:
		a.memoryLocks = lock.NewMemory(cfg.TTL)
		a.Locks = a.memoryLocks
	}
	return nil
}

func (a *App) buildPublisher() (events.Publisher, error) {
	a.Journal = reporting.NewJournal(reporting.DefaultJournalSize)
	cfg := a.Config.Events
	enc := events.Encoding(cfg.Encoding)

	var (
		p   events.Publisher
		err error
	)
	switch cfg.Backend {
	case "nats":
		p, err = events.NewNATSPublisher(cfg.NATSURL, cfg.Subject, enc)
	case "kafka":
		p = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.Topic, enc)
	default:
		return a.Journal, nil
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, p.Close)
	return events.Multi{a.Journal, events.Observe(p, cfg.Backend, a.Metrics)}, nil
}

// Start runs background maintenance until ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	if a.memoryLocks != nil && a.Config.Lock.SweepInterval > 0 {
		go a.memoryLocks.Run(ctx, a.Config.Lock.SweepInterval)
	}
}

// Close releases backends in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// unavailable answers every call with an authentication error; it stands in
// for the processor while no API key is configured.
type unavailable struct{}

func (unavailable) Name() string { return "unavailable" }

func (unavailable) err(op string) error {
	return &gateway.Error{Kind: gateway.KindAuthentication, Op: op, Message: "Juspay api key is not configured"}
}

func (u unavailable) FetchOrderStatus(context.Context, string) (*gateway.RemoteOrderState, error) {
	return nil, u.err("order_status")
}

func (u unavailable) CreateOrder(context.Context, gateway.CreateOrderParams) (*gateway.PaymentLinks, error) {
	return nil, u.err("create_order")
}

func (u unavailable) Refund(context.Context, string, decimal.Decimal, string) (*gateway.RefundResult, error) {
	return nil, u.err("refund")
}
