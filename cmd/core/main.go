package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"cowboy-core/internal/api"
	"cowboy-core/internal/audit"
	"cowboy-core/internal/config"
	"cowboy-core/internal/engine"
	"cowboy-core/internal/stream"
	"cowboy-core/internal/timer"
)

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	} else {
		log.Println("✅ Loaded environment from ../.env")
	}

	log.Println("🤠 ================================")
	log.Println("🤠  COWBOY - CORE ENGINE")
	log.Println("🤠  Turn pipeline + timer + audit")
	log.Println("🤠 ================================")

	// Load centralized configuration (SSOT - Single Source of Truth)
	appConfig := config.Load()
	if err := appConfig.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	log.Printf("📡 Kafka brokers: %v", appConfig.Kafka.Brokers)
	log.Printf("📡 Topics: %s -> %s (%d workers)",
		appConfig.Kafka.CommandTopic, appConfig.Kafka.StepTopic, appConfig.Kafka.Workers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit store (authoritative record; everything replays from here)
	store, err := audit.NewPostgresStore(ctx, appConfig.Store.PostgresDSN)
	if err != nil {
		log.Fatalf("❌ Audit store unavailable: %v", err)
	}
	defer store.Close()

	// Ordered log adapter
	kafkaLog := stream.NewKafkaLog(appConfig.Kafka.Brokers)
	defer kafkaLog.Close()

	// Start debug server
	debugCfg := api.DefaultObservabilityConfig()
	if os.Getenv("DISABLE_DEBUG_SERVER") != "true" {
		if err := api.StartDebugServer(debugCfg); err != nil {
			log.Printf("⚠️ Debug server disabled: %v", err)
		}
	}

	// Turn engine: the single writer for every game this process owns
	eng := engine.NewManager(engine.Config{
		CommandTopic:    appConfig.Kafka.CommandTopic,
		StepTopic:       appConfig.Kafka.StepTopic,
		Workers:         appConfig.Kafka.Workers,
		DedupeIndexSize: appConfig.Limits.DedupeIndexSize,
		MaxActiveGames:  appConfig.Limits.MaxActiveGames,
	}, kafkaLog, store)
	eng.Start(ctx)

	// Timer coordinator: watches the output log, writes timeouts back
	coord := timer.NewCoordinator(timer.Config{
		CommandTopic: appConfig.Kafka.CommandTopic,
		StepTopic:    appConfig.Kafka.StepTopic,
	}, kafkaLog)
	coord.Start(ctx)

	// Control API for the game-creation collaborator
	server := api.NewServer(api.ServerConfig{
		Log:          kafkaLog,
		Store:        store,
		CommandTopic: appConfig.Kafka.CommandTopic,
	})

	go func() {
		addr := ":" + strconv.Itoa(appConfig.Server.Port)
		if err := server.Start(addr); err != nil {
			log.Printf("⚠️ Control API stopped: %v", err)
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Core ready! Press Ctrl+C to stop.")
	<-quit

	log.Println("🛑 Shutting down...")
	server.Stop()
	coord.Stop()
	eng.Stop()
	log.Println("👋 Goodbye!")
}
