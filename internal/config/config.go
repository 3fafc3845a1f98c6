package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/utafrali/catalog-screen/internal/controller"
	pkgconfig "github.com/utafrali/catalog-screen/pkg/config"
	"github.com/utafrali/catalog-screen/pkg/httpclient"
	pkgkafka "github.com/utafrali/catalog-screen/pkg/kafka"
	"github.com/utafrali/catalog-screen/pkg/tracing"
	"github.com/utafrali/catalog-screen/pkg/validator"
)

// ServiceName names the service in logs, metrics and traces.
const ServiceName = "catalog-screen"

// Config holds all configuration for the catalog screen service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development" validate:"required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn warning error"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json text"`
	HTTPPort    int    `env:"CATALOG_HTTP_PORT" envDefault:"8090" validate:"gte=1,lte=65535"`

	// Listing service
	APIBaseURL    string        `env:"CATALOG_API_BASE_URL" envDefault:"http://localhost:5000/api" validate:"required,url"`
	FetchTimeout  time.Duration `env:"CATALOG_FETCH_TIMEOUT" envDefault:"0s" validate:"gte=0"`
	FailurePolicy string        `env:"CATALOG_FAILURE_POLICY" envDefault:"keep" validate:"oneof=keep surface"`

	// Screens
	MaxScreens    int           `env:"CATALOG_MAX_SCREENS" envDefault:"1000" validate:"gte=0"`
	ScreenIdleTTL time.Duration `env:"CATALOG_SCREEN_IDLE_TTL" envDefault:"30m" validate:"gte=0"`

	// Circuit breaker around the listing client
	CBEnabled      bool    `env:"CB_ENABLED" envDefault:"false"`
	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL" envDefault:"60" validate:"gte=0"`
	CBTimeout      int     `env:"CB_TIMEOUT" envDefault:"30" validate:"gte=0"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5" validate:"gte=0,lte=1"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// Rate limiting
	RateLimitRPS   int `env:"RATE_LIMIT_RPS" envDefault:"50" validate:"gte=0"`
	RateLimitBurst int `env:"RATE_LIMIT_BURST" envDefault:"100" validate:"gte=0"`

	// Failure events; publishing is off when no brokers are set
	KafkaBrokers        []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaPublishTimeout time.Duration `env:"KAFKA_PUBLISH_TIMEOUT" envDefault:"5s" validate:"gt=0"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Ops endpoints
	MetricsAllowedCIDRs []string `env:"METRICS_ALLOWED_CIDRS" envDefault:"127.0.0.0/8,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16" envSeparator:","`
	PprofAllowedCIDRs   []string `env:"PPROF_ALLOWED_CIDRS" envSeparator:","`

	// Tracing
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0" validate:"gte=0,lte=1"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s" validate:"gt=0"`
}

// Load reads configuration from environment variables, after loading a .env
// file from the working directory when one exists.
func Load() (*Config, error) {
	if err := pkgconfig.LoadDotenv(); err != nil {
		return nil, fmt.Errorf("load catalog-screen config: %w", err)
	}
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load catalog-screen config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFrom is Load over an explicit set of variables.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.LoadFrom(cfg, environ); err != nil {
		return nil, fmt.Errorf("load catalog-screen config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks constraints that span fields.
func (c *Config) validate() error {
	if err := validator.Validate(c); err != nil {
		return fmt.Errorf("invalid catalog-screen config: %w", err)
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CATALOG_API_BASE_URL must be an http(s) URL, got %q", c.APIBaseURL)
	}
	if c.Environment != "development" {
		for _, o := range c.CORSAllowedOrigins {
			if o == "*" {
				return fmt.Errorf("CORS_ALLOWED_ORIGINS must not contain * in %s environment", c.Environment)
			}
		}
	}
	return nil
}

// Policy returns the parsed failure policy.
func (c *Config) Policy() controller.FailurePolicy {
	// Already checked by validate.
	p, _ := controller.ParseFailurePolicy(c.FailurePolicy)
	return p
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// HTTPClient returns the outbound client configuration.
func (c *Config) HTTPClient() httpclient.Config {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = c.FetchTimeout
	return cfg
}

// CircuitBreaker returns the breaker configuration for the listing client.
func (c *Config) CircuitBreaker() httpclient.CircuitBreakerConfig {
	return httpclient.CircuitBreakerConfig{
		Name:         "listing",
		MaxRequests:  c.CBMaxRequests,
		Interval:     time.Duration(c.CBInterval) * time.Second,
		Timeout:      time.Duration(c.CBTimeout) * time.Second,
		FailureRatio: c.CBFailureRatio,
		MinRequests:  c.CBMinRequests,
	}
}

// Kafka returns the producer configuration for failure events.
func (c *Config) Kafka() pkgkafka.ProducerConfig {
	cfg := pkgkafka.DefaultProducerConfig(c.KafkaBrokers)
	cfg.WriteTimeout = c.KafkaPublishTimeout
	return cfg
}

// Tracing returns the OpenTelemetry configuration.
func (c *Config) Tracing() tracing.Config {
	cfg := tracing.DefaultConfig(ServiceName)
	cfg.Environment = c.Environment
	cfg.OTLPEndpoint = c.OTELEndpoint
	cfg.SampleRate = c.OTELSampleRate
	cfg.Enabled = c.OTELEnabled
	return cfg
}
