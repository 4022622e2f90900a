/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the coin ledger service. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment, flags override)
  2. Initialize the primary store (memory, sqlite, or postgres)
  3. Attach Redis counters when configured
  4. Wire coordinator, limiter, and engines
  5. Start janitor and HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the janitor, close stores
  4. Exit

EXAMPLES:
  # Embedded database
  ./server -db="./data/coins.db"

  # Production
  STORE_BACKEND=postgres DATABASE_URL=postgres://... REDIS_ADDR=redis:6379 ./server

SEE ALSO:
  - config/config.go: Environment configuration
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/warp/coin-ledger/api"
	"github.com/warp/coin-ledger/config"
	"github.com/warp/coin-ledger/engine"
	"github.com/warp/coin-ledger/jobs"
	"github.com/warp/coin-ledger/ledger"
	memstore "github.com/warp/coin-ledger/ledger/store"
	"github.com/warp/coin-ledger/store/postgres"
	redisstore "github.com/warp/coin-ledger/store/redis"
	"github.com/warp/coin-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	// Flags override the environment for local runs.
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("bad LOG_LEVEL %q: %v", cfg.LogLevel, err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx := context.Background()

	// Primary store. The concrete type must satisfy ledger.Store; sqlite and
	// postgres additionally provide WithAtomic, counters, and state.
	var (
		primary  ledger.Store
		counters ledger.CounterStore
		state    ledger.StateStore
		closeFns []func()
	)
	switch cfg.StoreBackend {
	case "memory":
		m := memstore.NewTxMemory()
		primary, counters, state = m, m, m
	case "sqlite":
		s, err := sqlite.New(*dbPath)
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		closeFns = append(closeFns, func() { s.Close() })
		primary, counters, state = s, s, s
	case "postgres":
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		closeFns = append(closeFns, s.Close)
		primary, counters, state = s, s, s
	}
	log.WithField("backend", cfg.StoreBackend).Info("store initialized")

	// Optional Redis counter path.
	if cfg.RedisAddr != "" {
		rc, err := redisstore.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		closeFns = append(closeFns, func() { rc.Close() })
		counters = rc
		log.WithField("addr", cfg.RedisAddr).Info("redis counters enabled")
	}

	// Domain wiring.
	coord := ledger.NewCoordinator(primary)
	limiter := ledger.NewRateLimiter(counters, cfg.CounterRetention)
	catalog := engine.DefaultCatalog()

	handler := &api.Handler{
		Ledger:     ledger.NewLedger(primary),
		DailyLogin: engine.NewDailyLogin(coord, state, cfg.StreakCap),
		Progress:   engine.NewProgress(limiter, catalog, cfg.DailyEventCap),
		Tasks:      engine.NewTasks(coord, limiter, catalog),
		Shop:       engine.NewShop(coord, state, catalog),
		Admin:      engine.NewAdmin(coord, state),
		Catalog:    catalog,
	}

	janitor := jobs.NewJanitor(counters)
	if err := janitor.Start(cfg.JanitorSpec); err != nil {
		log.Fatalf("janitor: %v", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("server starting on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("forced shutdown: %v", err)
	}
	janitor.Stop()
	for _, fn := range closeFns {
		fn()
	}

	log.Info("server stopped")
}
