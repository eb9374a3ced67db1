// Command api runs the control-plane HTTP service.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vespid/control-plane/internal/auth"
	"github.com/vespid/control-plane/internal/billing"
	"github.com/vespid/control-plane/internal/builder"
	"github.com/vespid/control-plane/internal/catalog"
	"github.com/vespid/control-plane/internal/config"
	"github.com/vespid/control-plane/internal/events"
	"github.com/vespid/control-plane/internal/gateway"
	"github.com/vespid/control-plane/internal/httpapi"
	"github.com/vespid/control-plane/internal/llm"
	"github.com/vespid/control-plane/internal/metrics"
	"github.com/vespid/control-plane/internal/oauth"
	"github.com/vespid/control-plane/internal/org"
	"github.com/vespid/control-plane/internal/queue"
	"github.com/vespid/control-plane/internal/routing"
	"github.com/vespid/control-plane/internal/store"
	"github.com/vespid/control-plane/internal/vault"
	"github.com/vespid/control-plane/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store initialization failed", "error", err)
		os.Exit(1)
	}
	if closer, ok := st.(io.Closer); ok {
		defer closer.Close()
	}

	cat, err := loadCatalog(cfg)
	if err != nil {
		logger.Error("catalog load failed", "error", err)
		os.Exit(1)
	}

	audit, err := auth.NewAuditFromConfig(cfg, logger)
	if err != nil {
		logger.Error("audit backend initialization failed", "error", err)
		os.Exit(1)
	}

	authSvc := auth.NewService(st, cfg.AuthTokenSecret, cfg.RefreshTokenSecret,
		cfg.AccessTokenTTL, cfg.SessionTTL, audit, logger)
	orgs := org.NewResolver(st, cfg.OrgContextEnforcement)
	v := vault.New(st, cat, cfg.ActiveKekID, cfg.KEKs)

	bus := events.NewBus(logger)
	var publisher events.Publisher = bus
	if cfg.GCPProjectID != "" && cfg.EventsTopicID != "" {
		ps, err := events.NewPubSubPublisher(bus, cfg.GCPProjectID, cfg.EventsTopicID, logger)
		if err != nil {
			logger.Error("pubsub publisher initialization failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		publisher = ps
	}

	coord := oauth.NewCoordinator(
		oauthProviders(cfg),
		vertexProvider(cfg),
		openStateStore(cfg, logger),
		authSvc, v,
		cfg.OAuthStateSecret, cfg.OAuthContextTTL, cfg.Production(), logger)

	reg := llm.NewRegistry(cat, cfg.OpenAIBaseURL, cfg.AnthropicBaseURL, cfg.GoogleLLMBaseURL,
		cfg.VertexOAuthClientID, cfg.VertexOAuthClientSecret)

	q, err := openQueue(cfg, logger)
	if err != nil {
		logger.Error("run queue initialization failed", "error", err)
		os.Exit(1)
	}
	workflows := workflow.NewService(st, q, publisher, logger)

	var gw gateway.Client = gateway.Noop{}
	if cfg.GatewayHTTPURL != "" {
		gw = gateway.NewHTTPClient(cfg.GatewayHTTPURL, cfg.GatewayServiceToken, logger)
	}
	sessions := routing.NewService(st, reg, gw, publisher, logger)
	eng := builder.NewEngine(st, cat, reg, v, logger)

	bill, err := openBilling(cfg, st, publisher, logger)
	if err != nil {
		logger.Error("billing initialization failed", "error", err)
		os.Exit(1)
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Store:                st,
		Auth:                 authSvc,
		Orgs:                 orgs,
		OAuth:                coord,
		Vault:                v,
		Workflows:            workflows,
		Sessions:             sessions,
		Builder:              eng,
		Billing:              bill,
		LLM:                  reg,
		Catalog:              cat,
		Bus:                  bus,
		Metrics:              metrics.New(),
		InternalServiceToken: cfg.InternalServiceToken,
		GatewayServiceToken:  cfg.GatewayServiceToken,
		WebBaseURL:           cfg.WebBaseURL,
		SecureCookies:        cfg.Production(),
		Logger:               logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("control plane listening", "port", cfg.Port, "env", cfg.Env,
			"orgContextEnforcement", cfg.OrgContextEnforcement,
			"vaultConfigured", cfg.VaultConfigured())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using the in-memory store")
		return store.NewMemory(), nil
	}
	return store.NewPostgres(ctx, cfg.DatabaseURL)
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogFile != "" {
		return catalog.NewFromFile(cfg.CatalogFile)
	}
	return catalog.New(), nil
}

func openStateStore(cfg *config.Config, logger *slog.Logger) oauth.StateStore {
	if cfg.RedisAddr == "" {
		return oauth.NewMemoryStateStore()
	}
	states, err := oauth.NewRedisStateStore(cfg.RedisAddr, logger)
	if err != nil {
		logger.Warn("redis state store unavailable, falling back to memory", "error", err)
		return oauth.NewMemoryStateStore()
	}
	return states
}

func openQueue(cfg *config.Config, logger *slog.Logger) (queue.Queue, error) {
	if cfg.GCPProjectID == "" {
		logger.Warn("GCP_PROJECT_ID not set, using the in-memory run queue")
		return queue.NewMemory(), nil
	}
	target := cfg.GatewayHTTPURL + "/internal/v1/runs/execute"
	return queue.NewCloudTasks(cfg.GCPProjectID, cfg.TasksLocationID, cfg.TasksQueueID,
		target, cfg.InternalServiceToken, logger)
}

func openBilling(cfg *config.Config, st store.Store, publisher events.Publisher, logger *slog.Logger) (*billing.Service, error) {
	packs, err := billing.ParsePacks(cfg.StripeCreditPacksJSON)
	if err != nil {
		return nil, err
	}
	var api billing.API
	if cfg.StripeSecretKey != "" {
		api = billing.NewRESTClient(cfg.StripeSecretKey, "")
	}
	return billing.NewService(st, api, cfg.StripeWebhookSecret, packs, publisher, logger), nil
}

func oauthProviders(cfg *config.Config) []oauth.Provider {
	var providers []oauth.Provider
	if cfg.GoogleOAuthClientID != "" {
		providers = append(providers, oauth.NewGoogle(cfg.GoogleOAuthClientID,
			cfg.GoogleOAuthClientSecret, cfg.WebBaseURL+"/v1/auth/oauth/google/callback"))
	}
	if cfg.GitHubOAuthClientID != "" {
		providers = append(providers, oauth.NewGitHub(cfg.GitHubOAuthClientID,
			cfg.GitHubOAuthClientSecret, cfg.WebBaseURL+"/v1/auth/oauth/github/callback"))
	}
	return providers
}

func vertexProvider(cfg *config.Config) oauth.Provider {
	if cfg.VertexOAuthClientID == "" {
		return nil
	}
	return oauth.NewVertex(cfg.VertexOAuthClientID, cfg.VertexOAuthClientSecret,
		cfg.WebBaseURL+"/v1/auth/oauth/vertex/callback")
}
