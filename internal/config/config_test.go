package config

import (
	"strings"
	"testing"
	"time"

	"github.com/ehr/hl7bridge/internal/bridge"
	"github.com/ehr/hl7bridge/internal/platform/auth"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

func validConfig() *Config {
	return &Config{
		Env:                   "development",
		DownstreamEndpointURL: "https://fhir.example.org/r4",
		DownstreamTimeout:     30 * time.Second,
		FailurePolicy:         "escalate",
		BodyLimit:             "1M",
		DBMaxConns:            10,
		DBMinConns:            1,
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DOWNSTREAM_ENDPOINT_URL", "")
	t.Setenv("FAILURE_POLICY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.MLLPAddr != ":2575" {
		t.Errorf("expected default MLLP addr :2575, got %s", cfg.MLLPAddr)
	}
	if cfg.DownstreamTimeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %s", cfg.DownstreamTimeout)
	}
	if cfg.DBMaxConns != 10 {
		t.Errorf("expected default max conns 10, got %d", cfg.DBMaxConns)
	}
	if cfg.AuthDefaultBasic != fhir.DefaultBasicCredential {
		t.Errorf("expected default basic credential, got %q", cfg.AuthDefaultBasic)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DOWNSTREAM_ENDPOINT_URL", "https://fhir.example.org/r4")
	t.Setenv("DOWNSTREAM_TIMEOUT", "5s")
	t.Setenv("FAILURE_POLICY", "degrade")
	t.Setenv("AUTH_BASIC", "alice:pw1")
	t.Setenv("AUTH_DISABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DownstreamEndpointURL != "https://fhir.example.org/r4" {
		t.Errorf("endpoint = %q", cfg.DownstreamEndpointURL)
	}
	if cfg.DownstreamTimeout != 5*time.Second {
		t.Errorf("timeout = %s", cfg.DownstreamTimeout)
	}
	if cfg.Policy() != bridge.PolicyDegrade {
		t.Errorf("policy = %s", cfg.Policy())
	}
	if cfg.AuthBasic != "alice:pw1" || !cfg.AuthDisabled {
		t.Errorf("auth settings not loaded: %+v", cfg.Auth())
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
	if !c.IsProduction() {
		t.Error("expected IsProduction() to return true for production")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"relative url", func(c *Config) { c.DownstreamEndpointURL = "/fhir" }, "DOWNSTREAM_ENDPOINT_URL"},
		{"ftp url", func(c *Config) { c.DownstreamEndpointURL = "ftp://host/fhir" }, "DOWNSTREAM_ENDPOINT_URL"},
		{"unknown policy", func(c *Config) { c.FailurePolicy = "retry" }, "FAILURE_POLICY"},
		{"degrade policy", func(c *Config) { c.FailurePolicy = "Degrade" }, ""},
		{"basic without colon", func(c *Config) { c.AuthBasic = "alice" }, "AUTH_BASIC"},
		{"basic without user", func(c *Config) { c.AuthBasic = ":pw" }, "AUTH_BASIC"},
		{"basic with colon in password", func(c *Config) { c.AuthBasic = "alice:p:w" }, ""},
		{"oauth missing secret", func(c *Config) {
			c.AuthOAuthTokenURL = "https://idp/token"
			c.AuthOAuthClientID = "bridge"
		}, "AUTH_OAUTH_CLIENT_SECRET"},
		{"oauth missing token url", func(c *Config) { c.AuthOAuthClientID = "bridge" }, "AUTH_OAUTH_TOKEN_URL"},
		{"negative deadline", func(c *Config) { c.DeliveryDeadline = -time.Second }, "DELIVERY_DEADLINE"},
		{"bad body limit", func(c *Config) { c.BodyLimit = "huge" }, "BODY_LIMIT"},
		{"min conns above max", func(c *Config) { c.DBMinConns = 20 }, "DB_MIN_CONNS"},
		{"tls without cert", func(c *Config) { c.TLSEnabled = true; c.TLSKeyFile = "k.pem" }, "TLS_CERT_FILE"},
		{"tls without key", func(c *Config) { c.TLSEnabled = true; c.TLSCertFile = "c.pem" }, "TLS_KEY_FILE"},
		{"bad api key entry", func(c *Config) { c.InboundAPIKeys = "LAB" }, "INBOUND_API_KEYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_Auth(t *testing.T) {
	c := validConfig()
	c.AuthOAuthTokenURL = "https://idp/token"
	c.AuthOAuthScopes = "system/*.write, openid"
	c.AuthDefaultBasic = "client:secret"

	a := c.Auth()
	if len(a.OAuthScopes) != 2 || a.OAuthScopes[0] != "system/*.write" || a.OAuthScopes[1] != "openid" {
		t.Errorf("scopes = %v", a.OAuthScopes)
	}
	if a.DefaultBasic != "client:secret" {
		t.Errorf("default basic = %q", a.DefaultBasic)
	}

	d := c.Downstream()
	if d.EndpointURL != c.DownstreamEndpointURL || d.Timeout != c.DownstreamTimeout {
		t.Errorf("downstream config = %+v", d)
	}
}

func TestConfig_RateLimit(t *testing.T) {
	c := validConfig()
	c.RateLimitRPS = 5
	c.RateLimitBurst = 7

	rl := c.RateLimit()
	if rl.RequestsPerSecond != 5 || rl.BurstSize != 7 {
		t.Errorf("rate limit = %+v", rl)
	}
	if rl.IdleTTL <= 0 {
		t.Error("expected idle ttl from defaults")
	}
}

func TestConfig_APIKeys(t *testing.T) {
	c := validConfig()
	ring, err := c.APIKeys()
	if err != nil || ring.Len() != 0 {
		t.Fatalf("empty INBOUND_API_KEYS: ring=%d err=%v", ring.Len(), err)
	}

	c.InboundAPIKeys = " LAB:" + auth.HashKey("k1") + ", REG:" + auth.HashKey("k2") + ","
	ring, err = c.APIKeys()
	if err != nil {
		t.Fatalf("APIKeys: %v", err)
	}
	if ring.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", ring.Len())
	}
	if sender, err := ring.Validate("k2"); err != nil || sender != "REG" {
		t.Errorf("Validate(k2) = %q, %v", sender, err)
	}
}
