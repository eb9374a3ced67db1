// Package config loads the control plane's configuration from the
// environment once at startup. A .env file is honored in development.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Port string
	Env  string // development | production

	DatabaseURL string
	RedisAddr   string

	WebBaseURL     string
	GatewayHTTPURL string
	GatewayWSURL   string

	InternalServiceToken string
	GatewayServiceToken  string

	AuthTokenSecret    []byte
	RefreshTokenSecret []byte
	OAuthStateSecret   []byte

	AccessTokenTTL  time.Duration
	SessionTTL      time.Duration
	OAuthContextTTL time.Duration

	OrgContextEnforcement string // strict | warn

	// KEK ring for the secret vault. ActiveKekID selects the wrap key for
	// new secrets; older keys stay in the ring so existing secrets unwrap.
	ActiveKekID string
	KEKs        map[string][]byte

	// OAuth providers
	GoogleOAuthClientID     string
	GoogleOAuthClientSecret string
	GitHubOAuthClientID     string
	GitHubOAuthClientSecret string
	VertexOAuthClientID     string
	VertexOAuthClientSecret string

	// LLM endpoints (empty uses each provider's default)
	OpenAIBaseURL    string
	AnthropicBaseURL string
	GoogleLLMBaseURL string

	// Stripe
	StripeSecretKey       string
	StripeWebhookSecret   string
	StripeCreditPacksJSON string

	// Google Cloud: Cloud Tasks run queue, Pub/Sub event topic, Spanner
	// audit backend. All optional; absence selects in-memory fallbacks.
	GCPProjectID      string
	TasksLocationID   string
	TasksQueueID      string
	EventsTopicID     string
	AuditBackend      string // memory | spanner
	SpannerInstanceID string
	SpannerDatabaseID string

	CatalogFile string
}

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultSessionTTL      = 7 * 24 * time.Hour
	defaultOAuthContextTTL = 10 * time.Minute
)

// Load reads the environment (and .env in development) into a Config.
// Secrets required for token signing must be present; everything else
// degrades to a sensible default or an in-memory fallback.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getenv("PORT", "8080"),
		Env:                   getenv("APP_ENV", "development"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		WebBaseURL:            getenv("WEB_BASE_URL", "http://localhost:3000"),
		GatewayHTTPURL:        os.Getenv("GATEWAY_HTTP_URL"),
		GatewayWSURL:          os.Getenv("GATEWAY_WS_URL"),
		InternalServiceToken:  os.Getenv("INTERNAL_API_SERVICE_TOKEN"),
		GatewayServiceToken:   os.Getenv("GATEWAY_SERVICE_TOKEN"),
		OrgContextEnforcement: getenv("ORG_CONTEXT_ENFORCEMENT", "strict"),

		GoogleOAuthClientID:     os.Getenv("GOOGLE_OAUTH_CLIENT_ID"),
		GoogleOAuthClientSecret: os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET"),
		GitHubOAuthClientID:     os.Getenv("GITHUB_OAUTH_CLIENT_ID"),
		GitHubOAuthClientSecret: os.Getenv("GITHUB_OAUTH_CLIENT_SECRET"),
		VertexOAuthClientID:     os.Getenv("VERTEX_OAUTH_CLIENT_ID"),
		VertexOAuthClientSecret: os.Getenv("VERTEX_OAUTH_CLIENT_SECRET"),

		OpenAIBaseURL:    os.Getenv("LLM_OPENAI_BASE_URL"),
		AnthropicBaseURL: os.Getenv("LLM_ANTHROPIC_BASE_URL"),
		GoogleLLMBaseURL: os.Getenv("LLM_GOOGLE_BASE_URL"),

		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeCreditPacksJSON: os.Getenv("STRIPE_CREDITS_PACKS_JSON"),

		GCPProjectID:      os.Getenv("GCP_PROJECT_ID"),
		TasksLocationID:   getenv("TASKS_LOCATION_ID", "us-central1"),
		TasksQueueID:      getenv("TASKS_QUEUE_ID", "workflow-runs"),
		EventsTopicID:     getenv("EVENTS_TOPIC_ID", "vespid-events"),
		AuditBackend:      getenv("AUDIT_BACKEND", "memory"),
		SpannerInstanceID: os.Getenv("SPANNER_INSTANCE_ID"),
		SpannerDatabaseID: os.Getenv("SPANNER_DATABASE_ID"),

		CatalogFile: os.Getenv("CATALOG_FILE"),
	}

	var err error
	if cfg.AuthTokenSecret, err = requireSecret("AUTH_TOKEN_SECRET"); err != nil {
		return nil, err
	}
	if cfg.RefreshTokenSecret, err = requireSecret("REFRESH_TOKEN_SECRET"); err != nil {
		return nil, err
	}
	if cfg.OAuthStateSecret, err = requireSecret("OAUTH_STATE_SECRET"); err != nil {
		return nil, err
	}

	cfg.AccessTokenTTL = ttlFromEnv("ACCESS_TOKEN_TTL_SEC", defaultAccessTokenTTL)
	cfg.SessionTTL = ttlFromEnv("SESSION_TTL_SEC", defaultSessionTTL)
	cfg.OAuthContextTTL = ttlFromEnv("OAUTH_CONTEXT_TTL_SEC", defaultOAuthContextTTL)

	if cfg.OrgContextEnforcement != "strict" && cfg.OrgContextEnforcement != "warn" {
		return nil, fmt.Errorf("ORG_CONTEXT_ENFORCEMENT must be strict or warn, got %q", cfg.OrgContextEnforcement)
	}

	if err := cfg.loadKEKs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadKEKs reads KEK_ACTIVE_ID and every KEK_<ID>_B64 variable. The vault is
// optional: with no active KEK configured the secrets surface reports
// SECRETS_NOT_CONFIGURED.
func (c *Config) loadKEKs() error {
	c.KEKs = make(map[string][]byte)
	c.ActiveKekID = os.Getenv("KEK_ACTIVE_ID")
	if c.ActiveKekID == "" {
		return nil
	}
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, "KEK_") || !strings.HasSuffix(key, "_B64") {
			continue
		}
		id := key[len("KEK_") : len(key)-len("_B64")]
		if id == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(val)
		if err != nil {
			return fmt.Errorf("invalid KEK material in %s: %w", key, err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("KEK %s must be 32 bytes, got %d", id, len(raw))
		}
		c.KEKs[id] = raw
	}
	if _, ok := c.KEKs[c.ActiveKekID]; !ok {
		return fmt.Errorf("KEK_ACTIVE_ID=%s has no matching KEK_%s_B64", c.ActiveKekID, c.ActiveKekID)
	}
	return nil
}

// Production reports whether the service runs with production hardening
// (secure cookies, strict transport).
func (c *Config) Production() bool {
	return c.Env == "production"
}

// VaultConfigured reports whether KEK material is available.
func (c *Config) VaultConfigured() bool {
	return c.ActiveKekID != "" && len(c.KEKs) > 0
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireSecret(key string) ([]byte, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, fmt.Errorf("%s is required", key)
	}
	if len(v) < 16 {
		return nil, fmt.Errorf("%s must be at least 16 bytes", key)
	}
	return []byte(v), nil
}

func ttlFromEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return fallback
	}
	return time.Duration(sec) * time.Second
}
