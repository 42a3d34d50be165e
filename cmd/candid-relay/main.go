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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/GovThePPL/candid-sub002/internal/logging"
	"github.com/GovThePPL/candid-sub002/internal/relay"
)

func main() {
	// Load configuration
	cfg := relay.LoadConfig()

	if err := logging.Init(logging.Options{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Console: true,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	log.Printf("Starting candid relay...")
	log.Printf("Port: %d", cfg.Port)
	log.Printf("Archive: %s", cfg.ArchivePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize hub
	hub := relay.NewHub()
	go hub.Run(ctx)

	// Open the chat log archive
	archive, err := relay.NewArchive(cfg.ArchivePath)
	if err != nil {
		log.Fatalf("Failed to open archive: %v", err)
	}
	defer archive.Close()

	service := relay.NewService(hub, archive, cfg.RequestTTL)
	go service.RunRequestExpiryMonitor(ctx)

	wsServer := relay.NewWSServer(cfg, hub, service)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.GET("/ws", wsServer.HandleWebSocket)
	relay.NewHandler(service).RegisterRoutes(e)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Relay listening on port %d", cfg.Port)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down relay...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Relay stopped")
}
