package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gatherbridge/internal/config"
	"gatherbridge/internal/gather"
	"gatherbridge/internal/location"
	"gatherbridge/internal/provider"
	"gatherbridge/internal/server"
	"gatherbridge/internal/storage/sqlite"
	"gatherbridge/internal/telemetry"
	"gatherbridge/internal/transform"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("gather-bridge", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(os.Getenv("BRIDGE_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	registry, err := provider.Load(cfg.ProvidersFile)
	if err != nil {
		log.Fatalf("Failed to load providers: %v", err)
	}

	resolver, err := location.NewResolver(location.Config{
		AccountID:  cfg.Location.AccountID,
		LicenseKey: cfg.Location.LicenseKey,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to build location resolver: %v", err)
	}

	orders, err := sqlite.New(cfg.Storage.SQLite.Path)
	if err != nil {
		log.Fatalf("Failed to open order store: %v", err)
	}
	defer orders.Close()

	svc, store := buildGather(cfg, registry, resolver, logger)
	defer store.Close()

	handlers := &server.Handlers{
		Gather:   svc,
		Auth:     buildAuthClient(cfg, resolver),
		Links:    gather.NewLinkClient(cfg.Upstream.BaseURL, nil),
		Registry: registry,
		Orders:   orders,
		Engine:   transform.NewEngine(logger),

		PublicOrigin: cfg.Server.PublicOrigin,
		Logger:       logger,
	}

	srv := server.New(cfg.Server.Port, handlers, logger)
	httpServer := &http.Server{
		Addr:    srv.Addr(),
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("server listening",
			slog.Int("port", cfg.Server.Port),
			slog.String("upstream", cfg.Upstream.BaseURL),
			slog.Int("providers", len(registry.All())))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// buildGather wires the tool client: the dial function resolves the session's
// location so the upstream browser can be geo-pinned, then performs the
// tool-protocol handshake.
func buildGather(cfg *config.Config, registry *provider.Registry, resolver *location.Resolver, logger *slog.Logger) (*gather.Service, *gather.Store) {
	var svc *gather.Service

	dial := func(ctx context.Context, sessionID string) (gather.Transport, error) {
		headers := map[string]string{
			"x-getgather-custom-app": cfg.Upstream.CustomApp,
		}
		if ip := svc.ClientIP(sessionID); ip != "" {
			if header := resolver.Lookup(ctx, ip).Header(); header != "" {
				headers["x-location"] = header
			}
		}
		return gather.DialHTTP(ctx, gather.HTTPTransportConfig{
			Endpoint:       cfg.Upstream.MCPEndpoint(),
			Headers:        headers,
			DefaultTimeout: cfg.Upstream.ToolTimeout,
		})
	}

	store := gather.NewStore(dial, logger)
	svc = gather.NewService(store, registry, gather.ServiceConfig{
		ToolTimeout:     cfg.Upstream.ToolTimeout,
		PollTimeout:     cfg.Poll.Timeout,
		PollInterval:    cfg.Poll.Interval,
		PollMaxAttempts: cfg.Poll.MaxAttempts,
	}, logger)
	return svc, store
}

func buildAuthClient(cfg *config.Config, resolver *location.Resolver) *gather.AuthClient {
	locate := func(ctx context.Context, ip string) map[string]any {
		return resolver.Lookup(ctx, ip).Map()
	}
	return gather.NewAuthClient(cfg.Upstream.BaseURL, nil, locate)
}
