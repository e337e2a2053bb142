/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the card ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment config, apply flag overrides
  2. Open the selected store (SQLite or Postgres)
  3. Pick the idempotency guard (Redis when REDIS_ADDR is set)
  4. Wire engine, query, and card services into the API handler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port     HTTP server port (overrides SERVER_PORT)
  -db       SQLite database path (overrides DB_PATH, ":memory:" ok)
  -backend  Storage backend: sqlite or postgres (overrides BACKEND)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close store and guard connections
  4. Exit

EXAMPLES:
  # Run with a file database
  ./server -db="./data/cardledger.db"

  # Run against Postgres with a shared Redis guard
  BACKEND=postgres DB_SOURCE="postgres://..." REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
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

	"github.com/go-redis/redis/v8"
	"github.com/warp/card-ledger/api"
	"github.com/warp/card-ledger/cards"
	"github.com/warp/card-ledger/config"
	"github.com/warp/card-ledger/guard/redisguard"
	"github.com/warp/card-ledger/ledger"
	"github.com/warp/card-ledger/store/postgres"
	"github.com/warp/card-ledger/store/sqlite"
)

// backendStore is what both storage backends provide to the services.
type backendStore interface {
	ledger.Store
	cards.CardStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags override the environment
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	backend := flag.String("backend", cfg.Backend, "storage backend: sqlite or postgres")
	flag.Parse()
	cfg.Port, cfg.DBPath, cfg.Backend = *port, *dbPath, *backend
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Initialize store
	var (
		store      backendStore
		closeStore func()
	)
	switch cfg.Backend {
	case config.BackendPostgres:
		pg, err := postgres.New(context.Background(), cfg.DBSource)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		store, closeStore = pg, pg.Close
	default:
		sq, err := sqlite.New(cfg.DBPath)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		store, closeStore = sq, func() { sq.Close() }
	}
	defer closeStore()

	// Idempotency guard: shared Redis when configured, in-process otherwise
	var guard ledger.Guard = ledger.NewMemoryGuard()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to redis at %s: %v", cfg.RedisAddr, err)
		}
		defer client.Close()
		guard = redisguard.New(client)
		log.Printf("Idempotency guard: redis (%s)", cfg.RedisAddr)
	} else {
		log.Printf("Idempotency guard: in-process")
	}

	// Wire services
	engine := ledger.NewEngine(store, guard)
	query := ledger.NewQuery(store)
	cardSvc := cards.NewService(store, store)
	handler := api.NewHandler(engine, query, store, cardSvc)

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d (backend: %s)", cfg.Port, cfg.Backend)
		log.Printf("📊 API available at http://localhost:%d/api", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
