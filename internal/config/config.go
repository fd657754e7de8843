package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/hl7bridge/internal/bridge"
	"github.com/ehr/hl7bridge/internal/platform/auth"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/middleware"
)

// Config is the complete runtime configuration of the bridge. It is read once
// at startup and passed explicitly to every component.
type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Port     string `mapstructure:"PORT"`
	MLLPAddr string `mapstructure:"MLLP_ADDR"`

	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled      bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile     string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile      string        `mapstructure:"TLS_KEY_FILE"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	DownstreamEndpointURL string        `mapstructure:"DOWNSTREAM_ENDPOINT_URL"`
	DownstreamTimeout     time.Duration `mapstructure:"DOWNSTREAM_TIMEOUT"`
	DeliveryDeadline      time.Duration `mapstructure:"DELIVERY_DEADLINE"`
	FailurePolicy         string        `mapstructure:"FAILURE_POLICY"`

	AuthBasic             string `mapstructure:"AUTH_BASIC"`
	AuthBearer            string `mapstructure:"AUTH_BEARER"`
	AuthOAuthTokenURL     string `mapstructure:"AUTH_OAUTH_TOKEN_URL"`
	AuthOAuthClientID     string `mapstructure:"AUTH_OAUTH_CLIENT_ID"`
	AuthOAuthClientSecret string `mapstructure:"AUTH_OAUTH_CLIENT_SECRET"`
	AuthOAuthScopes       string `mapstructure:"AUTH_OAUTH_SCOPES"`
	AuthDefaultBasic      string `mapstructure:"AUTH_DEFAULT_BASIC"`
	AuthDisabled          bool   `mapstructure:"AUTH_DISABLED"`

	InboundAPIKeys string `mapstructure:"INBOUND_API_KEYS"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "PORT", "MLLP_ADDR",
	"BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE", "SHUTDOWN_TIMEOUT",
	"DOWNSTREAM_ENDPOINT_URL", "DOWNSTREAM_TIMEOUT", "DELIVERY_DEADLINE", "FAILURE_POLICY",
	"AUTH_BASIC", "AUTH_BEARER",
	"AUTH_OAUTH_TOKEN_URL", "AUTH_OAUTH_CLIENT_ID", "AUTH_OAUTH_CLIENT_SECRET", "AUTH_OAUTH_SCOPES",
	"AUTH_DEFAULT_BASIC", "AUTH_DISABLED",
	"INBOUND_API_KEYS",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
}

// Load reads configuration from the environment and an optional .env file in
// the working directory. Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8000")
	v.SetDefault("MLLP_ADDR", ":2575")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("DOWNSTREAM_ENDPOINT_URL", "http://localhost:8080/fhir")
	v.SetDefault("DOWNSTREAM_TIMEOUT", "30s")
	v.SetDefault("DELIVERY_DEADLINE", "0s")
	v.SetDefault("FAILURE_POLICY", string(bridge.PolicyEscalate))
	v.SetDefault("AUTH_DEFAULT_BASIC", fhir.DefaultBasicCredential)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)

	// Unmarshal only sees env vars that are bound explicitly.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the bridge is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Policy returns the parsed failure policy. Call Validate first.
func (c *Config) Policy() bridge.FailurePolicy {
	p, err := bridge.ParseFailurePolicy(c.FailurePolicy)
	if err != nil {
		return bridge.PolicyEscalate
	}
	return p
}

// Auth returns the raw credential settings for fhir.ResolveAuthScheme.
func (c *Config) Auth() fhir.AuthSettings {
	return fhir.AuthSettings{
		Basic:             c.AuthBasic,
		Bearer:            c.AuthBearer,
		OAuthTokenURL:     c.AuthOAuthTokenURL,
		OAuthClientID:     c.AuthOAuthClientID,
		OAuthClientSecret: c.AuthOAuthClientSecret,
		OAuthScopes:       splitList(c.AuthOAuthScopes),
		DefaultBasic:      c.AuthDefaultBasic,
		Disabled:          c.AuthDisabled,
	}
}

// Downstream returns the settings for the $process-message client.
func (c *Config) Downstream() bridge.DownstreamConfig {
	return bridge.DownstreamConfig{
		EndpointURL: c.DownstreamEndpointURL,
		Timeout:     c.DownstreamTimeout,
		Auth:        c.Auth(),
	}
}

// RateLimit returns the HoH rate limit settings.
func (c *Config) RateLimit() middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = c.RateLimitRPS
	rl.BurstSize = c.RateLimitBurst
	return rl
}

// APIKeys returns the inbound sender keys. INBOUND_API_KEYS holds
// comma-separated "sender:sha256hex" entries; empty disables inbound auth.
func (c *Config) APIKeys() (*auth.KeyRing, error) {
	var entries []string
	for _, e := range strings.Split(c.InboundAPIKeys, ",") {
		if e = strings.TrimSpace(e); e != "" {
			entries = append(entries, e)
		}
	}
	return auth.ParseKeyRing(entries)
}

// Validate checks that the configuration is usable before anything starts
// listening. It does not contact the downstream endpoint.
func (c *Config) Validate() error {
	u, err := url.Parse(c.DownstreamEndpointURL)
	if err != nil {
		return fmt.Errorf("DOWNSTREAM_ENDPOINT_URL is not a valid URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("DOWNSTREAM_ENDPOINT_URL must be an absolute http(s) URL, got %q", c.DownstreamEndpointURL)
	}

	if _, err := bridge.ParseFailurePolicy(c.FailurePolicy); err != nil {
		return fmt.Errorf("FAILURE_POLICY: %w", err)
	}

	if c.AuthBasic != "" {
		user, _, ok := strings.Cut(c.AuthBasic, ":")
		if !ok || user == "" {
			return fmt.Errorf("AUTH_BASIC must be \"username:password\"")
		}
	}
	if c.AuthOAuthTokenURL != "" && (c.AuthOAuthClientID == "" || c.AuthOAuthClientSecret == "") {
		return fmt.Errorf("AUTH_OAUTH_CLIENT_ID and AUTH_OAUTH_CLIENT_SECRET are required when AUTH_OAUTH_TOKEN_URL is set")
	}
	if c.AuthOAuthTokenURL == "" && (c.AuthOAuthClientID != "" || c.AuthOAuthClientSecret != "") {
		return fmt.Errorf("AUTH_OAUTH_TOKEN_URL is required when OAuth client credentials are set")
	}

	if _, err := c.APIKeys(); err != nil {
		return fmt.Errorf("INBOUND_API_KEYS: %w", err)
	}

	if c.DownstreamTimeout < 0 || c.DeliveryDeadline < 0 {
		return fmt.Errorf("DOWNSTREAM_TIMEOUT and DELIVERY_DEADLINE must not be negative")
	}

	if err := middleware.ValidateLimit(c.BodyLimit); err != nil {
		return fmt.Errorf("BODY_LIMIT: %w", err)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		out = append(out, f)
	}
	return out
}
