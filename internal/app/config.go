package app

import (
	"os"
	"slices"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-checkout/internal/domain/pricing"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	Pricing      PricingConfig
	Redis        RedisConfig
	Notify       NotifyConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// PricingConfig is the store-wide tax and shipping policy.
type PricingConfig struct {
	TaxRate               string `default:"0.10" usage:"Tax rate as a fraction of the subtotal"`
	FreeShippingThreshold string `default:"50"   usage:"Subtotal above which shipping is free"`
	ShippingFee           string `default:"10"   usage:"Flat shipping fee"`
}

// Policy parses the configured amounts.
func (c PricingConfig) Policy() (pricing.Policy, error) {
	var (
		p   pricing.Policy
		err error
	)
	if p.TaxRate, err = decimal.NewFromString(c.TaxRate); err != nil {
		return p, errors.Wrap(err, "pricing.taxRate")
	}
	if p.FreeShippingThreshold, err = decimal.NewFromString(c.FreeShippingThreshold); err != nil {
		return p, errors.Wrap(err, "pricing.freeShippingThreshold")
	}
	if p.ShippingFee, err = decimal.NewFromString(c.ShippingFee); err != nil {
		return p, errors.Wrap(err, "pricing.shippingFee")
	}
	if p.TaxRate.IsNegative() || p.FreeShippingThreshold.IsNegative() || p.ShippingFee.IsNegative() {
		return p, errors.New("pricing amounts must not be negative")
	}
	return p, nil
}

// RedisConfig enables the idempotency cache when Addr is set.
type RedisConfig struct {
	Addr     string        `default:"" usage:"Redis address; empty disables the cache"`
	Password string        `default:"" usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database"`
	TTL      time.Duration `default:"24h" usage:"Idempotency key TTL"`
}

// Notification backends.
const (
	NotifyLog     = "log"
	NotifyKafka   = "kafka"
	NotifyWebhook = "webhook"
)

// NotifyConfig selects and tunes the notification sender.
type NotifyConfig struct {
	Backend        string        `default:"log" usage:"Notification backend: log, kafka or webhook"`
	Brokers        []string      `usage:"Kafka brokers"`
	Topic          string        `default:"notifications.email" usage:"Kafka topic"`
	WebhookURL     string        `default:"" usage:"Mail gateway URL"`
	WebhookToken   string        `default:"" usage:"Mail gateway bearer token"`
	WebhookTimeout time.Duration `default:"5s" usage:"Mail gateway request timeout"`
	Workers        int           `default:"4" usage:"Delivery workers"`
	QueueSize      int           `default:"256" usage:"Pending notification queue size"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, then applies platform defaults and validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/shop/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps the DATABASE_URL and PORT variables set by
// hosting platforms.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
	c.Notify.Backend = strings.ToLower(strings.TrimSpace(c.Notify.Backend))
	c.Notify.Brokers = slices.DeleteFunc(c.Notify.Brokers, func(s string) bool {
		return strings.TrimSpace(s) == ""
	})
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	}
	if c.APIKeyPepper == "" {
		return errors.New("API key pepper is required: set SHOP_API_KEY_PEPPER")
	}
	if _, err := c.Pricing.Policy(); err != nil {
		return errors.Wrap(err, "pricing")
	}
	switch c.Notify.Backend {
	case NotifyLog:
	case NotifyKafka:
		if len(c.Notify.Brokers) == 0 || c.Notify.Topic == "" {
			return errors.New("kafka notifications need brokers and a topic")
		}
	case NotifyWebhook:
		if c.Notify.WebhookURL == "" {
			return errors.New("webhook notifications need a URL")
		}
	default:
		return errors.Errorf("unknown notification backend %q", c.Notify.Backend)
	}
	if c.RateLimit.Max < 1 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	return nil
}
