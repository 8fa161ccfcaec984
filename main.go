package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/room4-2/voicelive-relay/config"
	"github.com/room4-2/voicelive-relay/events"
	"github.com/room4-2/voicelive-relay/server"
	"github.com/room4-2/voicelive-relay/session"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.AzureSpeechEndpoint == "" || cfg.AzureSpeechKey == "" {
		log.Println("⚠️ AZURE_SPEECH_ENDPOINT / AZURE_SPEECH_KEY not set; relay sessions will fail until configured")
	}

	notifier := events.NewNotifier(cfg)
	defer notifier.Close()

	// Create session manager
	sessionManager, err := session.NewManager(cfg, notifier)
	if err != nil {
		log.Fatalf("Failed to create session manager: %v", err)
	}

	// Start cleanup routine
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sessionManager.StartCleanupRoutine(ctx)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	srv := server.NewServer(cfg, sessionManager)

	go func() {
		<-sigChan
		log.Println("\nReceived shutdown signal...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}
