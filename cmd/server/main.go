package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatbot-service/internal/api"
	"chatbot-service/internal/config"
	"chatbot-service/internal/core"
	"chatbot-service/internal/store"
)

func main() {
	// Load configuration
	config.LoadConfig()

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if config.AppConfig.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}

	// Command line flag for clearing a stuck lock without starting the server
	forceUnlockFlag := flag.String("force-unlock", "", "Force-release the conversation lock for the given user and exit")
	flag.Parse()

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Handle forced unlock if flag is set. A lock has no TTL, so a crashed
	// holder leaves it held until an operator clears it.
	if *forceUnlockFlag != "" {
		if err := dbStore.ReleaseLock(context.Background(), *forceUnlockFlag); err != nil {
			log.Fatalf("Forced unlock failed: %v", err)
		}
		log.Printf("Forced unlock complete for user %s. Exiting.", *forceUnlockFlag)
		os.Exit(0)
	}

	// Initialize LLM service
	llmService := core.NewLLMService()
	defer llmService.Close()

	// Initialize Conversation Session service
	sessionService := core.NewSessionService(
		dbStore, dbStore, llmService,
		config.AppConfig.MemoryWindow,
		config.AppConfig.LockRetryAttempts,
		config.AppConfig.LockRetryDelay,
	)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(sessionService, dbStore, dbStore)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // LLM calls can take time
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give in-flight turns time to save state and release their locks.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// llmService.Close() and dbStore.Close() will be called by their defers.
	log.Println("Server exiting gracefully")
}
