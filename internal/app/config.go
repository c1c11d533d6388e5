package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Gateway providers.
const (
	ProviderWebpay = "webpay"
	ProviderStripe = "stripe"
)

// Config holds the complete application configuration, loadable from
// environment variables (HUERTO_ prefix), a .env file, flags, or YAML config
// files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (HUERTO_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	ImageBaseURL string `default:"" usage:"Base URL for product images (e.g. https://cdn.huertohogar.cl/img)" flag:"image-base-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (HUERTO_API_KEY_PEPPER)" flag:"api-key-pepper"`
	SentryDSN    string `default:"" usage:"Sentry DSN for panic reports; empty disables Sentry" flag:"sentry-dsn"`
	Environment  string `default:"development" usage:"Deployment environment reported to Sentry"`
	JWT          JWTConfig
	Pricing      PricingConfig
	Gateway      GatewayConfig
	Reconciler   ReconcilerConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// JWTConfig verifies customer bearer tokens.
type JWTConfig struct {
	Secret string        `usage:"HS256 secret shared with the identity service (HUERTO_JWT_SECRET)"`
	Issuer string        `default:"huertohogar" usage:"Expected token issuer"`
	TTL    time.Duration `default:"24h" usage:"Lifetime of tokens issued by this service"`
}

// PricingConfig sets checkout shipping rules. Amounts are in CLP.
type PricingConfig struct {
	ShippingCost     string `default:"3990" usage:"Flat shipping cost"`
	FreeShippingOver string `default:"0" usage:"Subtotal from which shipping is free; 0 disables"`
}

// GatewayConfig selects and configures the card gateway.
type GatewayConfig struct {
	Provider string        `default:"webpay" usage:"Card gateway: webpay or stripe"`
	Timeout  time.Duration `default:"30s" usage:"Gateway request timeout"`
	Webpay   WebpayConfig
	Stripe   StripeConfig
}

// WebpayConfig holds Transbank credentials. Empty values use the public
// integration environment.
type WebpayConfig struct {
	BaseURL       string  `default:"" usage:"Webpay API base URL"`
	CommerceCode  string  `default:"" usage:"Transbank commerce code"`
	APIKey        string  `default:"" usage:"Transbank API key secret"`
	RatePerSecond float64 `default:"10" usage:"Outbound request rate; 0 disables throttling"`
	Burst         int     `default:"5" usage:"Outbound request burst"`
}

// StripeConfig holds Stripe Checkout credentials.
type StripeConfig struct {
	SecretKey  string `default:"" usage:"Stripe secret key"`
	BaseURL    string `default:"" usage:"Stripe API base URL override"`
	MaxRetries int64  `default:"2" usage:"Stripe client network retries"`
}

// ReconcilerConfig tunes the payment reconciliation job.
type ReconcilerConfig struct {
	Interval    time.Duration `default:"1m" usage:"Reconciliation pass interval"`
	TokenTTL    time.Duration `default:"15m" usage:"How long a payment token may stay open"`
	MaxTokenAge time.Duration `default:"24h" usage:"How long a token the gateway still reports open is kept" flag:"max-token-age"`
	SettleDelay time.Duration `default:"1m" usage:"Minimum transaction age before reconciliation"`
	BatchSize   int           `default:"100" usage:"Transactions per reconciliation query"`
}

// RateLimitConfig controls the per-client token bucket limiter.
type RateLimitConfig struct {
	PerMinute int `default:"120" usage:"Sustained requests per minute per client"`
	Burst     int `default:"30" usage:"Requests allowed in a burst"`
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

// LoadConfig loads a .env file when present, then configuration from
// environment variables and YAML config files, and applies platform-specific
// defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "HUERTO",
		Files:     []string{"config.yaml", "/etc/huerto/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set HUERTO_DATABASE_URL or DATABASE_URL")
	}
	if c.JWT.Secret == "" {
		return errors.New("jwt secret is required: set HUERTO_JWT_SECRET")
	}
	if _, err := c.Pricing.Parse(); err != nil {
		return err
	}
	switch c.Gateway.Provider {
	case ProviderWebpay:
	case ProviderStripe:
		if c.Gateway.Stripe.SecretKey == "" {
			return errors.New("stripe gateway requires HUERTO_GATEWAY_STRIPE_SECRET_KEY")
		}
	default:
		return errors.Errorf("unknown gateway provider %q", c.Gateway.Provider)
	}
	return nil
}

// ParsedPricing is PricingConfig with amounts parsed.
type ParsedPricing struct {
	ShippingCost     decimal.Decimal
	FreeShippingOver decimal.Decimal
}

// Parse converts the configured amounts to decimals.
func (p PricingConfig) Parse() (ParsedPricing, error) {
	shipping, err := decimal.NewFromString(p.ShippingCost)
	if err != nil {
		return ParsedPricing{}, errors.Wrap(err, "parse shipping cost")
	}
	freeOver, err := decimal.NewFromString(p.FreeShippingOver)
	if err != nil {
		return ParsedPricing{}, errors.Wrap(err, "parse free shipping threshold")
	}
	if shipping.IsNegative() || freeOver.IsNegative() {
		return ParsedPricing{}, errors.New("pricing amounts must not be negative")
	}
	return ParsedPricing{ShippingCost: shipping, FreeShippingOver: freeOver}, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's HUERTO_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
	if c.SentryDSN == "" {
		c.SentryDSN = os.Getenv("SENTRY_DSN")
	}
	c.Gateway.Provider = strings.ToLower(strings.TrimSpace(c.Gateway.Provider))
}
