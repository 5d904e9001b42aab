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

	"github.com/IAMD3/ykgen/internal/config"
	"github.com/IAMD3/ykgen/internal/engine"
	"github.com/IAMD3/ykgen/internal/generators"
	"github.com/IAMD3/ykgen/internal/infra"
	"github.com/IAMD3/ykgen/internal/lora"
	"github.com/IAMD3/ykgen/internal/storage"
	"github.com/IAMD3/ykgen/internal/web"
)

func main() {
	// Load configuration
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// The adapter catalog is the one thing the pipeline cannot run
	// without; an invalid catalog is a startup failure.
	catalog, err := lora.LoadCatalog(cfg.Generation.CatalogFile)
	if err != nil {
		log.Fatalf("Failed to load adapter catalog: %v", err)
	}
	log.Printf("Adapter catalog loaded: %d base models", len(catalog.Models()))

	// Initialize storage connections
	mysqlStore, err := storage.NewMySQLStore(cfg.Database.MySQL)
	if err != nil {
		log.Printf("Warning: Failed to connect to MySQL: %v", err)
		mysqlStore = nil
	} else {
		defer mysqlStore.Close()
		log.Println("MySQL connected successfully")
	}

	redisStore, err := storage.NewRedisStore(cfg.Database.Redis)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
		redisStore = nil
	} else {
		defer redisStore.Close()
		log.Println("Redis connected successfully")
	}

	if cfg.LLM.APIKey == "" {
		log.Println("Warning: No LLM API key provided. Generation stages will fall back to deterministic output.")
	}
	llmClient := engine.NewClient(cfg.LLM)

	// Render backend
	comfyClient := generators.NewComfyUIClient(cfg.ComfyUI.BaseURL, cfg.ComfyUI.Timeout)
	var renderCache generators.RenderCache
	if redisStore != nil {
		renderCache = redisStore
	}
	queue := generators.NewImageQueue(comfyClient, renderCache, cfg.Generation.MaxWorkers)

	monitor := infra.NewRendererMonitor(comfyClient, cfg.ComfyUI.BaseURL)

	// Progress event hub
	hub := web.NewEventHub()
	go hub.Run()

	storyEngine := engine.NewEngine(llmClient, catalog, queue, mysqlStore, redisStore, hub, cfg.ComfyUI, cfg.Generation)

	handlers := web.NewHandlers(cfg, hub, storyEngine, mysqlStore, redisStore, monitor)
	r := web.NewRouter(cfg, handlers)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go monitor.Run(monitorCtx)

	// Start server in background
	go func() {
		log.Printf("Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
