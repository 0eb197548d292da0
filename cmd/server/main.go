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

	"companion.chat/relay/internal/api"
	"companion.chat/relay/internal/config"
	"companion.chat/relay/internal/core"
	"companion.chat/relay/internal/llm"
	"companion.chat/relay/internal/logging"
	"companion.chat/relay/internal/metrics"
	"companion.chat/relay/internal/store"
)

func main() {
	// Load configuration
	config.LoadConfig()
	cfg := config.AppConfig

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat == "json")
	logger.Info("service starting", logging.Fields{
		"store":    cfg.StoreBackend,
		"provider": cfg.LLMProvider,
		"model":    cfg.ChatModel,
	})

	ctx := context.Background()

	// Initialize document store
	db, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		logger.Fatal("failed to initialize document store", logging.Fields{"backend": cfg.StoreBackend, "error": err.Error()})
	}
	defer db.Close()

	// Initialize completion provider
	provider, closeProvider, err := openProvider(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize completion provider", logging.Fields{"provider": cfg.LLMProvider, "error": err.Error()})
	}
	defer closeProvider()

	m := metrics.New()

	users := core.NewUserDirectory(db, logger, m)
	chatService := core.NewChatService(db, users, provider, core.ChatOptions{
		Model:           cfg.ChatModel,
		Temperature:     cfg.Temperature,
		MaxTokens:       cfg.MaxTokens,
		HistoryWindow:   cfg.HistoryWindow,
		ProviderTimeout: cfg.ProviderTimeout,
		SerializeTurns:  cfg.SerializeTurns,
	}, logger, m)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(users, chatService, db, logger)
	router := api.NewRouter(apiHandler, api.RouterOptions{
		Logger:         logger,
		Metrics:        m,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		StaticDir:      cfg.StaticDir,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	errorLog := logger.Writer()
	defer errorLog.Close()

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     log.New(errorLog, "", 0),
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server listening", logging.Fields{"addr": serverAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("could not listen", logging.Fields{"addr": serverAddr, "error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", logging.Fields{"error": err.Error()})
		return
	}

	logger.Info("server exited gracefully")
}

func openProvider(ctx context.Context, cfg config.Config) (llm.Provider, func() error, error) {
	switch cfg.LLMProvider {
	case config.ProviderGroq:
		return llm.NewOpenAIClient(config.ProviderGroq, cfg.GroqAPIKey, cfg.GroqBaseURL), func() error { return nil }, nil
	case config.ProviderGemini:
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}
