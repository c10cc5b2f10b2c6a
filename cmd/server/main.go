package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"chatforge/backend/internal/api"
	"chatforge/backend/internal/auth"
	"chatforge/backend/internal/config"
	"chatforge/backend/internal/history"
	"chatforge/backend/internal/knowledge"
	"chatforge/backend/internal/logging"
	"chatforge/backend/internal/mcp"
	"chatforge/backend/internal/providers/anthropic"
	"chatforge/backend/internal/providers/openai"
	"chatforge/backend/internal/realtime"
	"chatforge/backend/internal/repository"
	"chatforge/backend/internal/runtime"
	"chatforge/backend/internal/services"
	tlsutil "chatforge/backend/internal/tls"
)

func main() {
	root := &cobra.Command{
		Use:   "chatforge-server",
		Short: "ChatForge workflow compilation and runtime service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	if err := root.Execute(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting ChatForge workflow service", "environment", cfg.Environment)

	// Database
	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	defer dbPool.Close()
	if err := repository.Migrate(ctx, dbPool); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	logger.Info("Database connected")

	// Repository layer
	workflowStore := repository.NewPostgresWorkflowStore(dbPool)
	tenantStore := repository.NewPostgresTenantStore(dbPool)
	knowledgeStore := repository.NewPostgresKnowledgeStore(dbPool)

	// Redis-backed conversation transcripts
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	conversations := history.NewStore(rdb)

	// Providers
	model, err := buildModelClient(cfg)
	if err != nil {
		return err
	}
	var moderation runtime.ModerationClient
	if cfg.Moderation.APIKey != "" {
		moderation, err = openai.NewFromAPIKey(cfg.Moderation.APIKey)
		if err != nil {
			return fmt.Errorf("moderation client init failed: %w", err)
		}
	} else {
		logger.Warn("no moderation API key configured; provider moderation disabled")
	}

	embedder := knowledge.NewHTTPEmbedder(cfg.Embedding.URL)
	connector := knowledge.NewConnector(knowledgeStore, embedder, logger)

	// Realtime
	rt, err := realtime.NewServer(logger)
	if err != nil {
		return fmt.Errorf("realtime server init failed: %w", err)
	}
	defer rt.Close()

	// Runtime registry and service layer
	executor := runtime.NewExecutor(model, moderation, connector, logger, runtime.ExecutorOptions{
		Sampling: runtime.SamplingParams{
			MaxTokens:   cfg.Model.MaxTokens,
			Temperature: cfg.Model.Temperature,
		},
		ModelTimeout: time.Duration(cfg.Model.TimeoutSeconds) * time.Second,
	})
	registry := runtime.NewRegistry(executor, rt, logger)
	workflowService := services.NewWorkflowService(workflowStore, registry, conversations, logger)

	if err := workflowService.LoadPublished(ctx); err != nil {
		return fmt.Errorf("failed to load published workflows: %w", err)
	}
	logger.Info("Service layer initialized", "active_workflows", len(registry.ActiveWorkflows()))

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("chatforge"))

	// Initialize authentication
	authz, err := auth.New(ctx, cfg, tenantStore, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	e.GET("/health", echo.WrapHandler(http.HandlerFunc(api.HandleHealth)))
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	// Mount REST API handlers behind auth
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, api.NewServer(workflowService))
	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(workflowService)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	// Mount realtime transport
	e.Any("/socket.io/*", echo.WrapHandler(rt.Handler()))

	// expose OpenAPI spec (with runtime substitution) and Swagger UI
	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.Issuer)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.Issuer, cfg.Auth.ClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(http.HandlerFunc(api.OAuthRedirectHandler)))

	// Create HTTP server
	addr := ":8080"
	if cfg.TLS.Enable {
		addr = ":8443"
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
				logger.Error("TLS enabled but cert/key file not provided")
				serverErrors <- server.ListenAndServe()
				return
			}
			// generate if missing and hostnames provided
			if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) {
				if len(cfg.TLS.Hostnames) > 0 {
					if err := tlsutil.GenerateSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames); err != nil {
						logger.Error("failed to generate self-signed cert", "error", err)
					}
				}
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
	return nil
}

func buildModelClient(cfg *config.Config) (runtime.ModelClient, error) {
	switch cfg.Model.Provider {
	case "anthropic":
		return anthropic.NewFromAPIKey(cfg.Model.APIKey, cfg.Model.Name)
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Model.Provider)
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
