// Package main is the entry point for the Kiro gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiro-gateway/kiro-gateway/internal/adapter"
	"github.com/kiro-gateway/kiro-gateway/internal/auth"
	"github.com/kiro-gateway/kiro-gateway/internal/claude"
	"github.com/kiro-gateway/kiro-gateway/internal/config"
	"github.com/kiro-gateway/kiro-gateway/internal/debug"
	"github.com/kiro-gateway/kiro-gateway/internal/handler"
	"github.com/kiro-gateway/kiro-gateway/internal/kiro"
	"github.com/kiro-gateway/kiro-gateway/internal/pool"
	"github.com/kiro-gateway/kiro-gateway/internal/promptlog"
	"github.com/kiro-gateway/kiro-gateway/internal/systemprompt"
	"github.com/kiro-gateway/kiro-gateway/pkg/middleware"
)

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg)
	logger.Info("starting Kiro gateway",
		"port", cfg.Port,
		"pool_file", cfg.ProviderPoolsFilePath,
	)

	poolStore, err := pool.NewStore(cfg.ProviderPoolsFilePath, cfg.PoolSaveDebounce, logger)
	if err != nil {
		logger.Error("failed to load provider pool", "error", err)
		os.Exit(1)
	}
	poolManager := pool.NewManager(pool.ManagerOptions{
		Store:         poolStore,
		MaxErrorCount: cfg.MaxErrorCount,
	})

	authManager := auth.NewManager(logger)

	kiroClient := kiro.NewClient(kiro.ClientOptions{
		MaxConns:            cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		Timeout:             cfg.KiroAPITimeout,
		Logger:              logger,
	})

	retryConfig := adapter.RetryConfig{
		MaxRetries: cfg.RequestMaxRetries,
		BaseDelay:  cfg.RequestBaseDelay,
	}

	promptLogger := promptlog.New(promptlog.Mode(cfg.PromptLogMode), cfg.PromptLogBaseName, logger)

	debugDumper := debug.NewDumper()
	if debugDumper.Enabled() {
		logger.Info("debug dump enabled, writing full request/response captures", "base_dir", debug.DefaultDumpDir)
	} else if debugDumper.ErrorDumpEnabled() {
		logger.Info("error dump enabled, writing failed-request captures", "base_dir", debug.DefaultDumpDir)
	}

	// Periodic health probing: a throwaway adapter per probed account drives
	// each probe call, reusing the exact same dispatch path live traffic uses.
	prober := pool.NewProber(poolManager, func(ctx context.Context, account *pool.Account, modelName string) error {
		ad := adapter.New(account, poolManager, authManager, kiroClient, retryConfig, logger)
		_, err := ad.GenerateContent(ctx, probeRequest(modelName), nil)
		return err
	}, pool.DefaultHealthCheckInterval, logger)

	probeCtx, cancelProbe := context.WithCancel(context.Background())
	go prober.RunPeriodic(probeCtx, pool.DefaultHealthCheckInterval)

	// Periodic token-refresh heartbeat: refreshes any account whose token is
	// within CronNearMinutes of expiry, so refreshes happen off the request
	// path rather than surprising an in-flight call with 401 latency.
	var cancelHeartbeat context.CancelFunc
	if cfg.CronRefreshToken {
		var heartbeatCtx context.Context
		heartbeatCtx, cancelHeartbeat = context.WithCancel(context.Background())
		go runRefreshHeartbeat(heartbeatCtx, poolManager, authManager, kiroClient, retryConfig, cfg.CronNearMinutes, logger)
	}

	messagesHandler := handler.NewMessagesHandler(handler.MessagesHandlerOptions{
		PoolManager:          poolManager,
		AuthManager:          authManager,
		KiroClient:           kiroClient,
		Retry:                retryConfig,
		Logger:               logger,
		PromptLogger:         promptLogger,
		Dumper:               debugDumper,
		SystemPromptFilePath: cfg.SystemPromptFilePath,
		SystemPromptMode:     systemprompt.Mode(cfg.SystemPromptMode),
	})
	countTokensHandler := handler.NewCountTokensHandler(handler.CountTokensHandlerOptions{
		Logger: logger,
	})
	healthHandler := handler.NewHealthHandler(poolManager)
	providerHealthHandler := handler.NewProviderHealthHandler(poolManager)

	validateAPIKey := func(key string) bool {
		if cfg.RequiredAPIKey == "" {
			return true
		}
		return key == cfg.RequiredAPIKey
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", healthHandler)
	mux.Handle("GET /provider_health", providerHealthHandler)
	mux.HandleFunc("POST /api/event_logging/batch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("POST /v1/messages", messagesHandler)
	mux.Handle("POST /count_tokens", countTokensHandler)
	mux.Handle("POST /v1/messages/count_tokens", countTokensHandler)

	var httpHandler http.Handler = mux
	httpHandler = middleware.Auth(validateAPIKey, logger)(httpHandler)
	httpHandler = middleware.Logging(logger)(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gateway...")

	cancelProbe()
	if cancelHeartbeat != nil {
		cancelHeartbeat()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	kiroClient.Close()
	if err := poolManager.Store().Flush(); err != nil {
		logger.Error("failed to flush provider pool on shutdown", "error", err)
	}
	if err := promptLogger.Close(); err != nil {
		logger.Error("failed to close prompt log", "error", err)
	}

	logger.Info("gateway stopped")
}

// probeRequest builds the minimal Claude Messages request a health probe
// sends upstream: one short user turn, no streaming.
func probeRequest(modelName string) *claude.MessageRequest {
	return &claude.MessageRequest{
		Model:     modelName,
		MaxTokens: 1,
		Messages: []claude.Message{
			{Role: "user", Content: []byte(`"hi"`)},
		},
	}
}

// runRefreshHeartbeat periodically refreshes every pooled account whose
// token is within thresholdMinutes of expiry.
func runRefreshHeartbeat(ctx context.Context, poolManager *pool.Manager, authManager *auth.Manager, kiroClient *kiro.Client, retry adapter.RetryConfig, thresholdMinutes int, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, account := range poolManager.All() {
				ad := adapter.New(account, poolManager, authManager, kiroClient, retry, logger)
				if err := ad.RefreshIfNear(ctx, thresholdMinutes); err != nil {
					logger.Warn("heartbeat refresh failed", "account", account.UUID, "error", err)
				}
			}
		}
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
