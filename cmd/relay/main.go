package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/chai-im/chai/internal/auth"
	"github.com/chai-im/chai/internal/config"
	"github.com/chai-im/chai/internal/db"
	"github.com/chai-im/chai/internal/prekeys"
	"github.com/chai-im/chai/internal/pubsub"
	"github.com/chai-im/chai/internal/registry"
	"github.com/chai-im/chai/internal/relay"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting chai relay: %s", cfg.RelayID)

	database, err := db.NewPostgresDB(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Warning: failed to close database: %v", err)
		}
	}()

	directory := prekeys.NewPostgresDirectory(database.DB())

	// Redis is optional: without it the relay routes locally only.
	var redisClient *pubsub.RedisClient
	if cfg.RedisURL != "" {
		redisClient, err = pubsub.NewRedisClient(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("Warning: failed to close Redis: %v", err)
			}
		}()
	}

	// Consul is optional too; single-relay deployments skip discovery.
	var serviceRegistry *registry.ConsulRegistry
	if cfg.ConsulURL != "" {
		serviceRegistry, err = registry.NewConsulRegistry(cfg.ConsulURL, cfg.RelayID, cfg.Port)
		if err != nil {
			log.Fatalf("Failed to connect to Consul: %v", err)
		}
		if err := serviceRegistry.Register(); err != nil {
			log.Fatalf("Failed to register service: %v", err)
		}
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to initialize token verifier: %v", err)
	}

	hub := relay.NewHub(cfg.RelayID, database, directory, redisClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if redisClient != nil {
		go redisClient.SubscribeRelay(ctx, cfg.RelayID, hub.HandleForwarded)
	}

	// Retention sweep: once an hour, undelivered envelopes older than the
	// window are dropped; a failed sweep is logged and tried again on the
	// next tick.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, sweepCancel := context.WithTimeout(ctx, 30*time.Second)
				n, err := database.PurgeExpired(sweepCtx, cfg.Retention, time.Now())
				sweepCancel()
				if err != nil {
					log.Printf("Warning: retention sweep failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("[relay] retention sweep dropped %d expired envelopes", n)
				}
			}
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", relay.HealthHandler).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/ws", relay.WebSocketHandler(hub, verifier)).Methods("GET")
	router.HandleFunc("/prekeys/bundle", relay.PublishBundleHandler(directory, verifier)).Methods("POST")

	corsHandler := cors.New(cors.Options{
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler.Handler(router),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       90 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Relay listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %v - starting graceful shutdown", sig)

	// Deregister first so the load balancer stops routing here before
	// connections start closing.
	if serviceRegistry != nil {
		if err := serviceRegistry.Deregister(); err != nil {
			log.Printf("Warning: failed to deregister from Consul: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: HTTP server shutdown error: %v", err)
	}

	hub.Shutdown()
	log.Println("Relay stopped")
}
