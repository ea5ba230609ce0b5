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

	"github.com/savegress/medledger/internal/access"
	"github.com/savegress/medledger/internal/api"
	"github.com/savegress/medledger/internal/cache"
	"github.com/savegress/medledger/internal/config"
	"github.com/savegress/medledger/internal/consent"
	"github.com/savegress/medledger/internal/database"
	"github.com/savegress/medledger/internal/events"
	"github.com/savegress/medledger/internal/identity"
	"github.com/savegress/medledger/internal/records"
	"github.com/savegress/medledger/internal/websocket"
	"github.com/savegress/medledger/pkg/models"
)

func main() {
	log.Println("Starting medledger...")

	// Load configuration
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core stores
	registry := identity.NewRegistry()
	ledger := access.NewLedger(registry)
	store := records.NewStore(registry, ledger)

	// Event log
	eventLog := events.NewLog(&cfg.Events)

	// Consent service
	service := consent.NewService(registry, ledger, store, eventLog)

	// Optional postgres journal with state recovery
	var db *database.DB
	if cfg.Database.Enabled {
		var err error
		db, err = database.New(ctx, &cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		if err := restoreState(ctx, db, registry, ledger, store); err != nil {
			log.Fatalf("Failed to restore state: %v", err)
		}
		service.WithJournal(db)
	}

	// Optional Redis for rate limiting and event publication
	redisCache, err := cache.New(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisCache.Close()

	if redisCache.IsEnabled() {
		channel := cfg.Events.Channel
		eventLog.AddSink(func(event *models.Event) {
			if err := redisCache.Publish(context.Background(), channel, event); err != nil {
				log.Printf("warning: failed to publish event: %v", err)
			}
		})
	}

	// WebSocket event stream
	hub := websocket.NewHub()
	go hub.Run()
	eventLog.AddSink(hub.BroadcastEvent)

	if err := eventLog.Start(ctx); err != nil {
		log.Fatalf("Failed to start event log: %v", err)
	}

	// Create API server
	server := api.NewServer(cfg, service, eventLog, hub, redisCache)

	// Start HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("medledger API listening on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down medledger...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	hub.Stop()
	eventLog.Stop()

	log.Println("medledger stopped")
}

func loadConfig() *config.Config {
	configPath := os.Getenv("MEDLEDGER_CONFIG")
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Printf("Failed to load config from %s: %v, using defaults", configPath, err)
			return config.LoadFromEnv()
		}
		return cfg
	}
	return config.LoadFromEnv()
}

// restoreState rebuilds the in-memory stores from journaled rows
func restoreState(ctx context.Context, db *database.DB, registry *identity.Registry, ledger *access.Ledger, store *records.Store) error {
	accounts, err := db.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		registry.Restore(account)
	}

	authorizations, err := db.ListAuthorizations(ctx)
	if err != nil {
		return err
	}
	for _, record := range authorizations {
		ledger.Restore(record)
	}

	chains, err := db.ListChains(ctx)
	if err != nil {
		return err
	}
	for _, chain := range chains {
		store.Restore(chain)
	}

	log.Printf("Restored %d accounts, %d authorizations, %d record chains",
		len(accounts), len(authorizations), len(chains))
	return nil
}
