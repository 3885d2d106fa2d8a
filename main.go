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

	"github.com/storyforge/orchestrator/config"
	"github.com/storyforge/orchestrator/internal/controller"
	"github.com/storyforge/orchestrator/internal/gateway"
	"github.com/storyforge/orchestrator/internal/policy"
	"github.com/storyforge/orchestrator/internal/store"
	"github.com/storyforge/orchestrator/internal/trace"
	httpapi "github.com/storyforge/orchestrator/internal/transport/http"
	"github.com/storyforge/orchestrator/internal/websearch"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting run engine...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize model gateway
	gw := gateway.New(gateway.Options{
		MaxAttempts: cfg.LLMMaxAttempts,
		CallTimeout: cfg.LLMCallTimeout,
		MaxInFlight: cfg.LLMMaxInFlight,
		MinSpacing:  cfg.LLMMinSpacing,
	})
	defaults := gateway.Defaults{
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.OpenAIBaseURL,
		OpenAIModel:     cfg.OpenAIModel,
		OpenAIFallbacks: cfg.OpenAIFallbacks,
		GeminiAPIKey:    cfg.GeminiAPIKey,
		GeminiBaseURL:   cfg.GeminiBaseURL,
		GeminiModel:     cfg.GeminiModel,
		GeminiFallbacks: cfg.GeminiFallbacks,
	}

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize run controller
	ctrl := controller.New(db, trace.NewRegistry(db), gw, websearch.NewClient(), policyEngine, defaults)

	// Create HTTP server
	h := httpapi.NewHandler(db, ctrl)
	server := httpapi.NewServer(h)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down run engine...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Run engine stopped")
}
