package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"dify-mcp/bridge/internal/api"
	"dify-mcp/bridge/internal/config"
	"dify-mcp/bridge/internal/logging"
	"dify-mcp/bridge/internal/mcp"
	"dify-mcp/bridge/internal/repository"
	"dify-mcp/bridge/internal/services"
)

const (
	serviceName = "dify-mcp-bridge"
	version     = "1.0.0"
)

func setupFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to config file (default ./config.yaml if present)")
	cmd.Flags().String("transport", config.TransportStdio, "MCP transport: stdio or sse")
	cmd.Flags().String("addr", ":8080", "listen address for the sse transport")
	cmd.Flags().String("base-url", "", "Dify API base URL")
	cmd.Flags().String("response-mode", "", "default response mode: blocking or streaming")
	cmd.Flags().Duration("timeout", 0, "per-request timeout for Dify calls")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
}

func run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	// Load configuration
	cfg, err := config.LoadConfig(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	// Initialize logging
	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		"base_url", cfg.Dify.BaseURL,
		"transport", cfg.Server.Transport,
		"workflows", len(cfg.Workflows),
		"chat", cfg.Chat.Enabled,
		"key_len", len(cfg.Dify.APIKey),
	)
	if cfg.Dify.APIKey == "" {
		logger.Warn("DIFY_API_KEY is not set; workflow calls without a per-workflow key will fail")
	}

	// Initialize the audit store
	store := repository.InvocationStore(repository.NopInvocationStore{})
	if cfg.DB.Enabled {
		dbPool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("database initialization failed: %w", err)
		}
		defer dbPool.Close()

		pgStore := repository.NewPostgresInvocationStore(dbPool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to create audit schema: %w", err)
		}
		store = pgStore
		logger.Info("Database connected")
	}

	// Initialize service layer
	difyClient := services.NewDifyClient(services.DifyConfig{
		BaseURL:       cfg.Dify.BaseURL,
		APIKey:        cfg.Dify.APIKey,
		DefaultUserID: cfg.Dify.DefaultUserID,
		Timeout:       cfg.Dify.Timeout,
	})
	workflowService := services.NewWorkflowService(difyClient, store, logger.Named("service"), cfg.Dify.DefaultUserID)

	var chat *services.ChatSettings
	if cfg.Chat.Enabled {
		chat = &services.ChatSettings{
			APIKey:       cfg.ChatAPIKey(),
			ResponseMode: cfg.Chat.ResponseMode,
		}
	}

	mcpServer := mcp.NewServer(workflowService, cfg.Workflows, chat)
	logger.Info("Service layer initialized")

	if cfg.Server.Transport == config.TransportStdio {
		logger.Info("Serving MCP over stdio")
		return mcpServer.ServeStdio(logger.StdLogger())
	}
	return serveSSE(cfg, logger, store, mcpServer)
}

func serveSSE(cfg *config.Config, logger *logging.Logger, store repository.InvocationStore, mcpServer *mcp.Server) error {
	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.Recover())

	api.RegisterHandlers(e, api.NewHandler(store, version))

	// Mount MCP protocol handlers
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer(), "/mcp")
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("MCP protocol handlers mounted", "base_path", "/mcp")

	// Streams stay open, so there is no write timeout.
	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     e,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "name", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
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

func main() {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Expose Dify workflows as MCP tools",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	setupFlags(cmd)

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
