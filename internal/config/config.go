// Package config loads the service configuration from defaults, an optional
// YAML file and RECONCILER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/yourorg/payment-reconciler/internal/logging"
	"github.com/yourorg/payment-reconciler/internal/policy"
	"github.com/yourorg/payment-reconciler/internal/tracing"
)

// EnvPrefix prefixes environment overrides; "gateway.api_key" is read from
// RECONCILER_GATEWAY_API_KEY.
const EnvPrefix = "RECONCILER"

// Config is the whole service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Channels   ChannelsConfig   `mapstructure:"channels"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Storefront StorefrontConfig `mapstructure:"storefront"`
	Lock       LockConfig       `mapstructure:"lock"`
	Store      StoreConfig      `mapstructure:"store"`
	Events     EventsConfig     `mapstructure:"events"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Log        logging.Config   `mapstructure:"log"`
	Tracing    tracing.Config   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// GatewayConfig configures the payment processor client.
type GatewayConfig struct {
	// Backend is "juspay" for the live API or "mock" for local runs.
	Backend          string        `mapstructure:"backend" validate:"oneof=juspay mock"`
	Environment      string        `mapstructure:"environment" validate:"oneof=axis staging production"`
	BaseURL          string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey           string        `mapstructure:"api_key"`
	MerchantID       string        `mapstructure:"merchant_id"`
	ResponseKey      string        `mapstructure:"response_key"`
	APIVersion       string        `mapstructure:"api_version"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RetryAttempts    int           `mapstructure:"retry_attempts" validate:"gte=0,lte=10"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	SendCustomerID   bool          `mapstructure:"send_customer_id"`
	BreakerThreshold int           `mapstructure:"breaker_threshold" validate:"gte=0"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout" validate:"gte=0"`
}

// WorstCaseLatency is the longest a single gateway operation can take with
// every retry exhausted.
func (g GatewayConfig) WorstCaseLatency() time.Duration {
	attempts := time.Duration(g.RetryAttempts)
	return g.Timeout*(attempts+1) + g.RetryDelay*attempts
}

// Available reports whether the gateway has the credentials it needs to
// serve channels.
func (g GatewayConfig) Available() bool {
	return g.Backend == "mock" || g.APIKey != ""
}

type ChannelsConfig struct {
	WebhookEnabled  bool   `mapstructure:"webhook_enabled"`
	ReturnEnabled   bool   `mapstructure:"return_enabled"`
	WebhookUsername string `mapstructure:"webhook_username"`
	WebhookPassword string `mapstructure:"webhook_password" validate:"required_with=WebhookUsername"`
}

// AdminConfig protects the admin routes. With no username the admin routes
// are not mounted.
type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password" validate:"required_with=Username"`
}

// StorefrontConfig holds the shop URLs channels redirect to.
type StorefrontConfig struct {
	OrderReceivedURL string `mapstructure:"order_received_url" validate:"required"`
	CartURL          string `mapstructure:"cart_url" validate:"required"`
	ShopURL          string `mapstructure:"shop_url" validate:"required"`
	AdminOrderURL    string `mapstructure:"admin_order_url" validate:"required"`
	ReturnURL        string `mapstructure:"return_url"`
}

type LockConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=memory scylla"`
	TTL           time.Duration `mapstructure:"ttl" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
	Scylla        ScyllaConfig  `mapstructure:"scylla"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Keyspace    string        `mapstructure:"keyspace"`
	Table       string        `mapstructure:"table"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory postgres"`
	DSN     string `mapstructure:"dsn" validate:"required_if=Backend postgres"`
	Migrate bool   `mapstructure:"migrate"`
}

type EventsConfig struct {
	Backend      string   `mapstructure:"backend" validate:"oneof=none nats kafka"`
	NATSURL      string   `mapstructure:"nats_url" validate:"required_if=Backend nats"`
	Subject      string   `mapstructure:"subject"`
	KafkaBrokers []string `mapstructure:"kafka_brokers" validate:"required_if=Backend kafka"`
	Topic        string   `mapstructure:"topic"`
	Encoding     string   `mapstructure:"encoding" validate:"oneof=json proto"`
}

type PolicyConfig struct {
	Rules []policy.RuleConfig `mapstructure:"rules" validate:"dive"`
}

var defaults = map[string]interface{}{
	"server.addr":             ":8080",
	"server.read_timeout":     "15s",
	"server.write_timeout":    "60s",
	"server.shutdown_timeout": "10s",

	"gateway.backend":           "juspay",
	"gateway.environment":       "staging",
	"gateway.base_url":          "",
	"gateway.api_key":           "",
	"gateway.merchant_id":       "",
	"gateway.response_key":      "",
	"gateway.api_version":       "2018-10-25",
	"gateway.timeout":           "10s",
	"gateway.retry_attempts":    2,
	"gateway.retry_delay":       "500ms",
	"gateway.send_customer_id":  false,
	"gateway.breaker_threshold": 3,
	"gateway.breaker_timeout":   "30s",

	"channels.webhook_enabled":  true,
	"channels.return_enabled":   true,
	"channels.webhook_username": "",
	"channels.webhook_password": "",

	"admin.username": "",
	"admin.password": "",

	"storefront.order_received_url": "http://localhost/checkout/order-received/{id}/?key={key}",
	"storefront.cart_url":           "http://localhost/cart/",
	"storefront.shop_url":           "http://localhost/shop/",
	"storefront.admin_order_url":    "http://localhost/wp-admin/post.php?post={id}&action=edit",
	"storefront.return_url":         "http://localhost:8080/return/juspay",

	"lock.backend":            "memory",
	"lock.ttl":                "60s",
	"lock.sweep_interval":     "30s",
	"lock.scylla.hosts":       []string{},
	"lock.scylla.keyspace":    "reconciler",
	"lock.scylla.table":       "processing_locks",
	"lock.scylla.consistency": "LOCAL_QUORUM",
	"lock.scylla.timeout":     "2s",

	"store.backend": "memory",
	"store.dsn":     "",
	"store.migrate": false,

	"events.backend":       "none",
	"events.nats_url":      "",
	"events.subject":       "reconciler.outcomes",
	"events.kafka_brokers": []string{},
	"events.topic":         "reconciler-outcomes",
	"events.encoding":      "json",

	"log.level":    "info",
	"log.encoding": "json",
	"log.debug":    true,

	"tracing.enabled": false,
	"tracing.pretty":  false,
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if len(cfg.Policy.Rules) == 0 {
		cfg.Policy.Rules = append([]policy.RuleConfig(nil), policy.DefaultRules...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross-field rules.
func (c *Config) Validate() error {
	var errs []error
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	if worst := c.Gateway.WorstCaseLatency(); c.Lock.TTL <= worst {
		errs = append(errs, fmt.Errorf("lock.ttl %s must exceed the worst-case gateway latency %s", c.Lock.TTL, worst))
	}
	if c.Lock.Backend == "scylla" {
		if len(c.Lock.Scylla.Hosts) == 0 {
			errs = append(errs, errors.New("lock.scylla.hosts is required for the scylla backend"))
		}
		if c.Lock.Scylla.Keyspace == "" {
			errs = append(errs, errors.New("lock.scylla.keyspace is required for the scylla backend"))
		}
	}
	if c.Gateway.Backend == "juspay" && c.Gateway.APIKey != "" && c.Gateway.MerchantID == "" {
		errs = append(errs, errors.New("gateway.merchant_id is required with gateway.api_key"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
