package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexushq/relay/internal/assembler"
	"github.com/nexushq/relay/internal/auth"
	"github.com/nexushq/relay/internal/bridge"
	"github.com/nexushq/relay/internal/config"
	"github.com/nexushq/relay/internal/experts"
	"github.com/nexushq/relay/internal/hygiene"
	"github.com/nexushq/relay/internal/integrations"
	"github.com/nexushq/relay/internal/knowledge"
	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/orchestrator"
	"github.com/nexushq/relay/internal/provider"
	"github.com/nexushq/relay/internal/registry"
	"github.com/nexushq/relay/internal/server"
	"github.com/nexushq/relay/internal/store"
)

// tokenExpiry is the lifetime of issued admin tokens.
const tokenExpiry = 24 * time.Hour

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stdout,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	tracer, shutdownTracer, err := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "relay",
		ServiceVersion: version,
		Endpoint:       tracingEndpoint(cfg),
		Insecure:       cfg.Observability.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "tracer shutdown failed", "error", err)
		}
	}()

	st, err := store.Open(cfg.Persistence.URL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	providers := buildProviders(cfg)
	gw := provider.NewGateway(providers, st, logger, metrics, cfg.Timeouts.Health)

	facts := knowledge.NewService(st, logger, metrics)
	asm := assembler.New(facts, logger)
	sel := experts.NewSelector(experts.DefaultPersonas(), logger)
	reg := registry.New(metrics)

	orch := orchestrator.New(st, asm, sel, experts.DefaultTemplates(), gw, reg, logger, orchestrator.Config{
		MessageWindow: cfg.Orchestrator.MessageWindow,
		ChatTimeout:   cfg.Timeouts.Chat,
		MaxBlocks:     cfg.Context.MaxBlocks,
		IncludeShort:  cfg.Context.Horizons.Short,
		IncludeMedium: cfg.Context.Horizons.Medium,
		IncludeLong:   cfg.Context.Horizons.Long,
	})
	orch.SetTracer(tracer)

	bridgeHandler, err := buildBridge(cfg, gw, st, logger, metrics)
	if err != nil {
		return err
	}

	hygieneSvc := hygiene.New(st, gw, logger, hygiene.Config{
		PruneEmptyAfter:  cfg.Hygiene.PruneEmptyAfter,
		PruneShortAfter:  cfg.Hygiene.PruneShortAfter,
		DedupeWindow:     cfg.Hygiene.DedupeWindow,
		RetitleBatchSize: cfg.Hygiene.RetitleBatchSize,
		GenericTitles:    cfg.Hygiene.GenericTitles,
	})
	hygieneSvc.SetMetrics(metrics)

	scheduler, err := hygiene.NewScheduler(hygieneSvc, cfg.Hygiene.Schedule, logger)
	if err != nil {
		return fmt.Errorf("hygiene schedule: %w", err)
	}

	authSvc := auth.NewService(cfg.Auth.JWTSecret, tokenExpiry, nil)
	if !authSvc.Enabled() {
		logger.Warn(ctx, "auth disabled: no jwt secret configured, admin surface is open")
	}

	srv := server.New(server.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		MetricsPort:   cfg.Server.MetricsPort,
		AgentSoulPath: cfg.Server.AgentSoulPath,
		HealthTimeout: cfg.Timeouts.Health,
	}, orch, gw, st, hygieneSvc, authSvc, bridgeHandler, logger, metrics)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler.Start()
	defer scheduler.Stop()

	return srv.ListenAndServe(ctx)
}

// buildProviders instantiates every enabled chat provider. Validate already
// guaranteed at least one is enabled with credentials present.
func buildProviders(cfg *config.Config) []provider.ChatProvider {
	var providers []provider.ChatProvider
	if cfg.Providers.OpenAI.Enabled {
		providers = append(providers, provider.NewOpenAIProvider(
			cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.DefaultModel))
	}
	if cfg.Providers.OpenRouter.Enabled {
		providers = append(providers, provider.NewOpenRouterProvider(provider.OpenRouterConfig{
			APIKey:       cfg.Providers.OpenRouter.APIKey,
			DefaultModel: cfg.Providers.OpenRouter.DefaultModel,
			AppName:      cfg.Providers.OpenRouter.AppName,
			SiteURL:      cfg.Providers.OpenRouter.SiteURL,
		}))
	}
	if cfg.Providers.Anthropic.Enabled {
		providers = append(providers, provider.NewAnthropicProvider(
			cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.DefaultModel))
	}
	if cfg.Providers.Local.Enabled {
		providers = append(providers, provider.NewOpenClawProvider(provider.OpenClawConfig{
			BaseURL:      cfg.Providers.Local.BaseURL,
			APIKey:       cfg.Providers.Local.APIKey,
			DefaultModel: cfg.Providers.Local.DefaultModel,
			Timeout:      cfg.Timeouts.Chat,
		}))
	}
	return providers
}

// buildBridge assembles the tool bridge surface: the integration tool
// registry, the conversation sync service, and the live message hub.
func buildBridge(cfg *config.Config, gw *provider.Gateway, st store.Store, logger *observability.Logger, metrics *observability.Metrics) (http.Handler, error) {
	manager := integrations.NewManager(nil, nil, logger)
	toolReg, err := bridge.NewRegistry(bridge.IntegrationTools(manager))
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	hub := bridge.NewHub()
	syncSvc := bridge.NewSyncService(st, hub, logger)
	handler := bridge.NewHandler(cfg.Bridge.APIKey, toolReg, syncSvc, hub, gw, st, logger, metrics, cfg.Timeouts.Tool)
	return handler.Routes(), nil
}

func tracingEndpoint(cfg *config.Config) string {
	if !cfg.Observability.Tracing.Enabled {
		return ""
	}
	return cfg.Observability.Tracing.Endpoint
}
